package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/crmq/internal/crm"
	"github.com/mattjoyce/crmq/internal/queue"
	"github.com/mattjoyce/crmq/internal/storage"
)

func openStore(t *testing.T) *queue.Store {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "crmq.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return queue.New(db, storage.SQLite)
}

func seed(t *testing.T, s *queue.Store, conn crm.Connection, rules []crm.Rule, data string) string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.PutConnection(ctx, conn))
	require.NoError(t, s.PutMapping(ctx, "form-1", conn.ID, rules))
	subID, err := s.PutSubmission(ctx, queue.Submission{FormID: "form-1", Data: json.RawMessage(data)})
	require.NoError(t, err)
	ids, err := s.CreateJobsForSubmission(ctx, subID, 2)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	return ids[0]
}

func TestGatherRESTJob(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	jobID := seed(t, s, crm.Connection{
		ID:          "conn-1",
		DisplayName: "Leads API",
		Type:        crm.GenericREST,
		TargetURL:   "https://crm.example.com/api/leads",
		Config:      json.RawMessage(`{"apiKey":"secret-key"}`),
		Active:      true,
	}, []crm.Rule{
		{FormFieldLabel: "Email", CRMFieldName: "email"},
		{FormFieldLabel: "Phone", CRMFieldName: "phone"},
	}, `{"Email":"a@b.c"}`)

	claimed, err := s.ClaimPending(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	st, err := s.MarkFailure(ctx, jobID, "HTTP 500: upstream\nretry later", "")
	require.NoError(t, err)
	require.Equal(t, queue.StatusPending, st)

	artifacts := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(artifacts, jobID), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(artifacts, jobID, "failure.png"), []byte("png"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(artifacts, jobID, ".partial"), []byte("x"), 0o644))

	r, err := Gather(ctx, s, artifacts, jobID)
	require.NoError(t, err)

	assert.Equal(t, jobID, r.JobID)
	assert.Equal(t, "pending", r.Status)
	assert.Equal(t, 1, r.RetryCount)
	assert.Equal(t, 2, r.MaxRetries)
	assert.Equal(t, "form-1", r.FormID)
	assert.Equal(t, "Leads API", r.Connection.DisplayName)
	assert.False(t, r.Connection.Missing)
	assert.Equal(t, "********", r.Connection.Config["apiKey"])
	assert.Equal(t, map[string]any{"email": "a@b.c"}, r.Record)
	assert.Equal(t, []string{"Phone"}, r.Unmapped)
	assert.Equal(t, []string{filepath.Join(artifacts, jobID, "failure.png")}, r.Artifacts)
	assert.Contains(t, r.Error, "HTTP 500")

	out := FormatHuman(r)
	assert.True(t, strings.HasPrefix(out, "Job Report\n"))
	assert.Contains(t, out, "Job ID      : "+jobID)
	assert.Contains(t, out, "Attempts    : 1/2")
	assert.Contains(t, out, "Record (1 field(s)):")
	assert.Contains(t, out, `    email = "a@b.c"`)
	assert.Contains(t, out, "(no value for: Phone)")
	assert.Contains(t, out, "    retry later")
	assert.NotContains(t, out, "secret-key")
}

func TestGatherBrowserJobKeysBySelector(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	jobID := seed(t, s, crm.Connection{
		ID:          "conn-b",
		DisplayName: "Legacy CRM",
		Type:        crm.BrowserAutomation,
		TargetURL:   "https://legacy.example.com/new",
		Config:      json.RawMessage(`{"username":"u","password":"p"}`),
		Active:      true,
	}, []crm.Rule{
		{FormFieldLabel: "Name", CRMSelector: "#name"},
		{FormFieldLabel: "Interests", CRMSelector: "#interests"},
	}, `{"Name":"Ada","Interests":["math","engines"]}`)

	out, err := BuildReport(ctx, s, "", jobID)
	require.NoError(t, err)
	assert.Contains(t, out, `    #interests = "math, engines"`)
	assert.Contains(t, out, `    #name = "Ada"`)
	assert.NotContains(t, out, "Artifacts:")
}

func TestGatherUnknownJob(t *testing.T) {
	_, err := Gather(context.Background(), openStore(t), "", "nope")
	require.ErrorIs(t, err, queue.ErrJobNotFound)
}

type fakeSource struct {
	jc    *queue.JobContext
	err   error
	rules []crm.Rule
}

func (f fakeSource) LoadJobContext(context.Context, string) (*queue.JobContext, error) {
	return f.jc, f.err
}

func (f fakeSource) LoadActiveMapping(context.Context, string, string) ([]crm.Rule, error) {
	return f.rules, nil
}

func (f fakeSource) SubmissionSyncStatus(context.Context, string) (string, error) {
	return "", errors.New("no row")
}

func TestGatherMissingConnectionAndBadPayload(t *testing.T) {
	recordID := "00Q5g00000ABC"
	src := fakeSource{
		jc: &queue.JobContext{
			Job:    queue.Job{ID: "job-1", SubmissionID: "sub-1", ConnectionID: "gone", Status: queue.StatusFailed, MaxRetries: 3, ArtifactRef: &recordID},
			FormID: "form-1",
		},
		err: &crm.Error{Kind: crm.KindConfig, Op: "load submission sub-1", Err: errors.New("invalid character")},
	}

	r, err := Gather(context.Background(), src, "", "job-1")
	require.NoError(t, err)
	assert.True(t, r.Connection.Missing)
	assert.NotEmpty(t, r.PayloadErr)
	assert.Empty(t, r.Record)

	out := FormatHuman(r)
	assert.Equal(t, recordID, r.ArtifactRef)
	assert.Contains(t, out, "Connection  : gone <missing>")
	assert.Contains(t, out, "Artifact    : "+recordID)
	assert.Contains(t, out, "sync <none>")
	assert.Contains(t, out, "<unavailable: ")
}
