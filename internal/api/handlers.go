package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/crmq/internal/crm"
	"github.com/mattjoyce/crmq/internal/events"
	"github.com/mattjoyce/crmq/internal/queue"
)

// maxHookBody bounds the submission hook request body.
const maxHookBody = 64 * 1024

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.logger.Error("failed to compute job stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute job stats")
		return
	}

	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Pending:       stats[queue.StatusPending],
		Running:       stats[queue.StatusRunning],
	})
}

// handleListJobs handles GET /v1/jobs?status=&form_id=&page=&limit=
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := queue.ListFilter{FormID: q.Get("form_id")}
	if v := q.Get("status"); v != "" {
		st := queue.Status(v)
		if !st.Valid() {
			s.writeError(w, http.StatusBadRequest, "invalid status "+strconv.Quote(v))
			return
		}
		f.Status = st
	}
	var err error
	if f.Page, err = intParam(q.Get("page")); err != nil {
		s.writeError(w, http.StatusBadRequest, "page must be an integer")
		return
	}
	if f.Limit, err = intParam(q.Get("limit")); err != nil {
		s.writeError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}

	res, err := s.store.List(r.Context(), f)
	if err != nil {
		s.logger.Error("failed to list jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	resp := JobListResponse{
		Jobs:  make([]JobResponse, 0, len(res.Jobs)),
		Total: res.Total,
		Page:  res.Page,
		Limit: res.Limit,
	}
	for i := range res.Jobs {
		resp.Jobs = append(resp.Jobs, newJobResponse(&res.Jobs[i], listErrorBytes))
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleJobStats handles GET /v1/jobs/stats
func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.logger.Error("failed to compute job stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute job stats")
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// handleGetJob handles GET /v1/jobs/{jobID}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := s.store.Get(r.Context(), jobID)
	if err != nil {
		s.writeJobError(w, jobID, "retrieve", err)
		return
	}
	respondJSON(w, http.StatusOK, newJobResponse(job, 0))
}

// handleRetryJob handles POST /v1/jobs/{jobID}/retry
func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := s.store.Retry(r.Context(), jobID)
	if err != nil {
		s.writeJobError(w, jobID, "retry", err)
		return
	}

	s.logger.Info("job requeued manually", "job_id", jobID, "max_retries", job.MaxRetries, "by", principalName(r))
	s.hub.Publish(events.JobRetried, map[string]any{"job_id": jobID})
	if s.waker != nil {
		s.waker.Wake()
	}
	respondJSON(w, http.StatusOK, newJobResponse(job, 0))
}

// handleCancelJob handles POST /v1/jobs/{jobID}/cancel
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := s.store.Cancel(r.Context(), jobID)
	if err != nil {
		s.writeJobError(w, jobID, "cancel", err)
		return
	}

	s.logger.Info("job cancelled", "job_id", jobID, "by", principalName(r))
	s.hub.Publish(events.JobCancelled, map[string]any{"job_id": jobID})
	respondJSON(w, http.StatusOK, newJobResponse(job, 0))
}

func (s *Server) writeJobError(w http.ResponseWriter, jobID, action string, err error) {
	switch {
	case errors.Is(err, queue.ErrJobNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, queue.ErrInvalidTransition):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("failed to "+action+" job", "job_id", jobID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to "+action+" job")
	}
}

// handleListConnections handles GET /v1/connections
func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := s.store.ListConnections(r.Context())
	if err != nil {
		s.logger.Error("failed to list connections", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list connections")
		return
	}

	out := make([]ConnectionResponse, 0, len(conns))
	for _, c := range conns {
		out = append(out, ConnectionResponse{
			ID:          c.ID,
			DisplayName: c.DisplayName,
			BackendType: c.RawType,
			TargetURL:   c.TargetURL,
			Config:      c.MaskedConfig(),
			Active:      c.Active,
		})
	}
	respondJSON(w, http.StatusOK, out)
}

// handleCheckConnection handles POST /v1/connections/{connectionID}/check.
// The config is validated; browser connections also get their login page
// opened when a prober is available.
func (s *Server) handleCheckConnection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "connectionID")

	conn, err := s.store.GetConnection(r.Context(), id)
	if err != nil {
		if errors.Is(err, queue.ErrConnectionNotFound) {
			s.writeError(w, http.StatusNotFound, "connection not found")
			return
		}
		s.logger.Error("failed to load connection", "connection_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load connection")
		return
	}

	resp := CheckResponse{ID: conn.ID, Valid: true}
	if err := conn.Validate(); err != nil {
		resp.Valid = false
		resp.Error = err.Error()
		respondJSON(w, http.StatusOK, resp)
		return
	}

	if conn.Type == crm.BrowserAutomation && s.prober != nil {
		ctx, cancel := context.WithTimeout(r.Context(), s.config.ProbeTimeout)
		defer cancel()

		title, err := s.prober(ctx, conn.TargetURL)
		reachable := err == nil
		resp.Reachable = &reachable
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Title = title
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleSubmissionHook handles POST /v1/hooks/submissions. The body must be
// signed with the shared secret.
func (s *Server) handleSubmissionHook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxHookBody+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) > maxHookBody {
		s.writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}

	if err := verifySignature(body, r.Header.Get(SignatureHeader), s.config.WebhookSecret); err != nil {
		s.logger.Warn("submission hook rejected", "remote_addr", r.RemoteAddr)
		s.writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	var req SubmissionHookRequest
	if err := json.Unmarshal(body, &req); err != nil || req.SubmissionID == "" {
		s.writeError(w, http.StatusBadRequest, "submission_id is required")
		return
	}

	ids, err := s.store.CreateJobsForSubmission(r.Context(), req.SubmissionID, s.config.DefaultMaxRetries)
	if err != nil {
		if errors.Is(err, queue.ErrSubmissionNotFound) {
			s.writeError(w, http.StatusNotFound, "submission not found")
			return
		}
		s.logger.Error("failed to create jobs", "submission_id", req.SubmissionID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create jobs")
		return
	}
	if ids == nil {
		ids = []string{}
	}

	s.logger.Info("jobs created", "submission_id", req.SubmissionID, "count", len(ids))
	if len(ids) > 0 {
		s.hub.Publish(events.JobsCreated, map[string]any{"submission_id": req.SubmissionID, "job_ids": ids})
		if s.waker != nil {
			s.waker.Wake()
		}
	}
	respondJSON(w, http.StatusAccepted, SubmissionHookResponse{SubmissionID: req.SubmissionID, JobIDs: ids})
}

// handleArtifact serves one stored screenshot. Directories are never listed.
func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	path, err := s.artifacts.Resolve(r.URL.Path)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}
	w.Header().Set("Cache-Control", "private, max-age=3600")
	http.ServeFile(w, r, path)
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
