// Package inspect builds the operator report behind `crmq job inspect`.
package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mattjoyce/crmq/internal/crm"
	"github.com/mattjoyce/crmq/internal/queue"
)

// Source is the store surface a report reads.
type Source interface {
	LoadJobContext(ctx context.Context, jobID string) (*queue.JobContext, error)
	LoadActiveMapping(ctx context.Context, formID, connectionID string) ([]crm.Rule, error)
	SubmissionSyncStatus(ctx context.Context, submissionID string) (string, error)
}

// Report is the structured JSON representation of a job report.
type Report struct {
	JobID        string     `json:"job_id"`
	Status       string     `json:"status"`
	RetryCount   int        `json:"retry_count"`
	MaxRetries   int        `json:"max_retries"`
	SubmissionID string     `json:"submission_id"`
	FormID       string     `json:"form_id"`
	SyncStatus   string     `json:"sync_status,omitempty"`
	Connection   Connection `json:"connection"`
	Error        string     `json:"error,omitempty"`
	// ArtifactRef is a screenshot path or the created record id.
	ArtifactRef string     `json:"artifact_ref,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// Record is what the writer would send today, built from the active
	// mapping and the stored submission.
	Record     map[string]any `json:"record"`
	Unmapped   []string       `json:"unmapped,omitempty"`
	PayloadErr string         `json:"payload_error,omitempty"`
	Artifacts  []string       `json:"artifacts,omitempty"`
}

// Connection summarizes the job's target without secrets.
type Connection struct {
	ID          string         `json:"id"`
	DisplayName string         `json:"display_name,omitempty"`
	BackendType string         `json:"backend_type,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
	Missing     bool           `json:"missing,omitempty"`
}

// Gather loads everything the report shows. artifactsDir may be empty.
func Gather(ctx context.Context, src Source, artifactsDir, jobID string) (*Report, error) {
	jc, err := src.LoadJobContext(ctx, jobID)
	var cerr *crm.Error
	switch {
	case err == nil:
	case errors.As(err, &cerr) && jc != nil:
		// Undecodable submission data still leaves the job itself readable.
	default:
		return nil, err
	}

	j := jc.Job
	r := &Report{
		JobID:        j.ID,
		Status:       string(j.Status),
		RetryCount:   j.RetryCount,
		MaxRetries:   j.MaxRetries,
		SubmissionID: j.SubmissionID,
		FormID:       jc.FormID,
		CreatedAt:    j.CreatedAt,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
		Record:       map[string]any{},
		Connection: Connection{
			ID:          j.ConnectionID,
			DisplayName: jc.Connection.DisplayName,
			BackendType: jc.Connection.RawType,
			Config:      jc.Connection.MaskedConfig(),
			Missing:     jc.Connection.ID == "",
		},
	}
	if j.ErrorMessage != nil {
		r.Error = *j.ErrorMessage
	}
	if j.ArtifactRef != nil {
		r.ArtifactRef = *j.ArtifactRef
	}
	if cerr != nil {
		r.PayloadErr = cerr.Error()
	}

	if sync, err := src.SubmissionSyncStatus(ctx, j.SubmissionID); err == nil {
		r.SyncStatus = sync
	}

	rules, err := src.LoadActiveMapping(ctx, jc.FormID, j.ConnectionID)
	if err != nil {
		return nil, fmt.Errorf("load mapping: %w", err)
	}
	if jc.Payload != nil {
		r.Record, r.Unmapped = preview(jc.Connection.Type, rules, jc.Payload)
	}

	if artifactsDir != "" {
		r.Artifacts = listArtifacts(filepath.Join(artifactsDir, j.ID))
	}
	return r, nil
}

// preview keys browser records by selector and REST records by field name.
// Rules whose label has no value in the payload are returned as unmapped.
func preview(bt crm.BackendType, rules []crm.Rule, payload crm.Payload) (map[string]any, []string) {
	var unmapped []string
	if bt != crm.BrowserAutomation {
		record := crm.BuildRecord(rules, payload)
		for _, rule := range rules {
			if strings.TrimSpace(rule.CRMFieldName) == "" {
				continue
			}
			if _, ok := record[strings.TrimSpace(rule.CRMFieldName)]; !ok {
				unmapped = append(unmapped, rule.FormFieldLabel)
			}
		}
		return record, unmapped
	}

	record := make(map[string]any)
	for _, rule := range rules {
		sel := strings.TrimSpace(rule.CRMSelector)
		if sel == "" {
			continue
		}
		if v, ok := payload.Text(rule.FormFieldLabel, ", "); ok && v != "" {
			record[sel] = v
		} else {
			unmapped = append(unmapped, rule.FormFieldLabel)
		}
	}
	return record, unmapped
}

func listArtifacts(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out
}

// BuildReport renders a terminal-friendly report for a job.
func BuildReport(ctx context.Context, src Source, artifactsDir, jobID string) (string, error) {
	r, err := Gather(ctx, src, artifactsDir, jobID)
	if err != nil {
		return "", err
	}
	return FormatHuman(r), nil
}

// FormatHuman renders r for a terminal.
func FormatHuman(r *Report) string {
	var out strings.Builder
	fmt.Fprintf(&out, "Job Report\n")
	fmt.Fprintf(&out, "Job ID      : %s\n", r.JobID)
	fmt.Fprintf(&out, "Status      : %s\n", r.Status)
	fmt.Fprintf(&out, "Attempts    : %d/%d\n", r.RetryCount, r.MaxRetries)
	fmt.Fprintf(&out, "Submission  : %s (form %s, sync %s)\n", r.SubmissionID, r.FormID, orNone(r.SyncStatus))
	if r.Connection.Missing {
		fmt.Fprintf(&out, "Connection  : %s <missing>\n", r.Connection.ID)
	} else {
		fmt.Fprintf(&out, "Connection  : %s (%s, %s)\n", r.Connection.ID, r.Connection.DisplayName, r.Connection.BackendType)
	}
	fmt.Fprintf(&out, "Created     : %s\n", r.CreatedAt.Format(time.RFC3339))
	if r.StartedAt != nil {
		fmt.Fprintf(&out, "Started     : %s\n", r.StartedAt.Format(time.RFC3339))
	}
	if r.CompletedAt != nil {
		fmt.Fprintf(&out, "Completed   : %s\n", r.CompletedAt.Format(time.RFC3339))
	}
	if r.ArtifactRef != "" {
		fmt.Fprintf(&out, "Artifact    : %s\n", r.ArtifactRef)
	}
	if r.Error != "" {
		fmt.Fprintf(&out, "\nLast error:\n")
		for _, line := range strings.Split(r.Error, "\n") {
			fmt.Fprintf(&out, "    %s\n", line)
		}
	}

	fmt.Fprintf(&out, "\nRecord (%d field(s)):\n", len(r.Record))
	if r.PayloadErr != "" {
		fmt.Fprintf(&out, "    <unavailable: %s>\n", r.PayloadErr)
	}
	keys := make([]string, 0, len(r.Record))
	for k := range r.Record {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, _ := json.Marshal(r.Record[k])
		fmt.Fprintf(&out, "    %s = %s\n", k, v)
	}
	if len(r.Unmapped) > 0 {
		fmt.Fprintf(&out, "    (no value for: %s)\n", strings.Join(r.Unmapped, ", "))
	}

	if len(r.Artifacts) > 0 {
		fmt.Fprintf(&out, "\nArtifacts:\n")
		for _, a := range r.Artifacts {
			fmt.Fprintf(&out, "    %s\n", a)
		}
	}
	return out.String()
}

func orNone(s string) string {
	if s == "" {
		return "<none>"
	}
	return s
}
