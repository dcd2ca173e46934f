package api

import (
	"time"

	"github.com/mattjoyce/crmq/internal/crm"
	"github.com/mattjoyce/crmq/internal/queue"
)

// listErrorBytes caps error_message in list responses.
const listErrorBytes = 200

// JobResponse is one job as returned by the jobs endpoints.
type JobResponse struct {
	ID            string     `json:"id"`
	SubmissionID  string     `json:"submission_id"`
	ConnectionID  string     `json:"connection_id"`
	FormID        string     `json:"form_id,omitempty"`
	BackendType   string     `json:"backend_type,omitempty"`
	DisplayName   string     `json:"connection_name,omitempty"`
	Status        string     `json:"status"`
	RetryCount    int        `json:"retry_count"`
	MaxRetries    int        `json:"max_retries"`
	ErrorMessage  *string    `json:"error_message,omitempty"`
	ScreenshotRef *string    `json:"screenshot_ref,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

func newJobResponse(j *queue.Job, errLimit int) JobResponse {
	resp := JobResponse{
		ID:            j.ID,
		SubmissionID:  j.SubmissionID,
		ConnectionID:  j.ConnectionID,
		FormID:        j.FormID,
		BackendType:   j.ConnectionTag,
		DisplayName:   j.DisplayName,
		Status:        string(j.Status),
		RetryCount:    j.RetryCount,
		MaxRetries:    j.MaxRetries,
		ScreenshotRef: j.ArtifactRef,
		CreatedAt:     j.CreatedAt,
		StartedAt:     j.StartedAt,
		CompletedAt:   j.CompletedAt,
	}
	if j.ErrorMessage != nil {
		msg := *j.ErrorMessage
		if errLimit > 0 && len(msg) > errLimit {
			msg = crm.Truncate(msg, errLimit) + "..."
		}
		resp.ErrorMessage = &msg
	}
	return resp
}

// JobListResponse is returned by GET /v1/jobs.
type JobListResponse struct {
	Jobs  []JobResponse `json:"jobs"`
	Total int           `json:"total"`
	Page  int           `json:"page"`
	Limit int           `json:"limit"`
}

// ConnectionResponse is a connection with secrets masked.
type ConnectionResponse struct {
	ID          string         `json:"id"`
	DisplayName string         `json:"display_name"`
	BackendType string         `json:"backend_type"`
	TargetURL   string         `json:"target_url,omitempty"`
	Config      map[string]any `json:"config"`
	Active      bool           `json:"is_active"`
}

// CheckResponse is returned by POST /v1/connections/{id}/check.
type CheckResponse struct {
	ID        string `json:"id"`
	Valid     bool   `json:"valid"`
	Error     string `json:"error,omitempty"`
	Reachable *bool  `json:"reachable,omitempty"`
	Title     string `json:"title,omitempty"`
}

// SubmissionHookRequest is the signed body of POST /v1/hooks/submissions.
type SubmissionHookRequest struct {
	SubmissionID string `json:"submission_id"`
}

// SubmissionHookResponse lists the jobs created for the submission.
type SubmissionHookResponse struct {
	SubmissionID string   `json:"submission_id"`
	JobIDs       []string `json:"job_ids"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Pending       int    `json:"pending"`
	Running       int    `json:"running"`
}
