package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/crmq/internal/artifact"
	"github.com/mattjoyce/crmq/internal/auth"
	"github.com/mattjoyce/crmq/internal/crm"
	"github.com/mattjoyce/crmq/internal/events"
	"github.com/mattjoyce/crmq/internal/queue"
	"github.com/mattjoyce/crmq/internal/storage"
)

const (
	adminKey   = "admin-key"
	readerKey  = "reader-key"
	connKey    = "conn-key"
	hookSecret = "hook-secret"
)

type countingWaker struct{ n atomic.Int32 }

func (w *countingWaker) Wake() { w.n.Add(1) }

type fixture struct {
	srv     *Server
	handler http.Handler
	store   *queue.Store
	waker   *countingWaker
	hub     *events.Hub
}

func newFixture(t *testing.T, prober Prober) *fixture {
	t.Helper()

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "crmq.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := queue.New(db, storage.SQLite)
	waker := &countingWaker{}
	hub := events.NewHub(16)
	srv := New(Config{
		APIKey: adminKey,
		Tokens: []auth.TokenConfig{
			{Token: readerKey, Scopes: []string{auth.ScopeJobsRead}},
			{Token: connKey, Scopes: []string{auth.ScopeConnectionsWrite}},
		},
		WebhookSecret:     hookSecret,
		DefaultMaxRetries: 1,
		ProbeTimeout:      time.Second,
	}, store, waker, hub, prober, nil)

	return &fixture{srv: srv, handler: srv.Handler(), store: store, waker: waker, hub: hub}
}

func (f *fixture) do(t *testing.T, method, path, token string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

// seedSubmission stores a REST connection mapped to form-1 and one submission.
func (f *fixture) seedSubmission(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.PutConnection(ctx, crm.Connection{
		ID:          "conn-1",
		DisplayName: "Leads API",
		Type:        crm.GenericREST,
		TargetURL:   "https://crm.example.com/api/leads",
		Config:      json.RawMessage(`{"apiKey":"secret-key","method":"POST"}`),
		Active:      true,
	}))
	require.NoError(t, f.store.PutMapping(ctx, "form-1", "conn-1", []crm.Rule{{FormFieldLabel: "Email", CRMFieldName: "email"}}))
	subID, err := f.store.PutSubmission(ctx, queue.Submission{FormID: "form-1", Data: json.RawMessage(`{"Email":"a@b.c"}`)})
	require.NoError(t, err)
	return subID
}

func (f *fixture) seedJob(t *testing.T) string {
	t.Helper()
	ids, err := f.store.CreateJobsForSubmission(context.Background(), f.seedSubmission(t), 1)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	return ids[0]
}

// failJob runs the job through one failed attempt; with max_retries 1 it
// ends failed.
func (f *fixture) failJob(t *testing.T, jobID, message string) {
	t.Helper()
	ctx := context.Background()
	claimed, err := f.store.ClaimPending(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	st, err := f.store.MarkFailure(ctx, jobID, message, "")
	require.NoError(t, err)
	require.Equal(t, queue.StatusFailed, st)
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	f := newFixture(t, nil)
	f.seedJob(t)

	rr := f.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[HealthzResponse](t, rr)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Pending)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	rr := f.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestJobsRequireAuthAndScope(t *testing.T) {
	f := newFixture(t, nil)

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/v1/jobs", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/v1/jobs", "wrong", nil).Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/v1/jobs", connKey, nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/jobs", readerKey, nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/jobs", adminKey, nil).Code)

	// jobs:ro cannot mutate.
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, "/v1/jobs/x/retry", readerKey, nil).Code)
}

func TestListJobsTruncatesErrorsAndFilters(t *testing.T) {
	f := newFixture(t, nil)
	jobID := f.seedJob(t)
	long := strings.Repeat("x", 500)
	f.failJob(t, jobID, long)

	rr := f.do(t, http.MethodGet, "/v1/jobs?status=failed&form_id=form-1", adminKey, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	list := decode[JobListResponse](t, rr)
	require.Len(t, list.Jobs, 1)
	assert.Equal(t, 1, list.Total)
	assert.Equal(t, "failed", list.Jobs[0].Status)
	assert.Equal(t, "form-1", list.Jobs[0].FormID)
	assert.Equal(t, "Leads API", list.Jobs[0].DisplayName)
	require.NotNil(t, list.Jobs[0].ErrorMessage)
	assert.Len(t, *list.Jobs[0].ErrorMessage, listErrorBytes+3)

	// Detail keeps the full message.
	rr = f.do(t, http.MethodGet, "/v1/jobs/"+jobID, adminKey, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	job := decode[JobResponse](t, rr)
	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, long, *job.ErrorMessage)

	rr = f.do(t, http.MethodGet, "/v1/jobs?status=pending", adminKey, nil)
	assert.Empty(t, decode[JobListResponse](t, rr).Jobs)
}

func TestListJobsRejectsBadParams(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/jobs?status=done", adminKey, nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/jobs?page=two", adminKey, nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/jobs?limit=-x", adminKey, nil).Code)
}

func TestJobStats(t *testing.T) {
	f := newFixture(t, nil)
	f.seedJob(t)

	rr := f.do(t, http.MethodGet, "/v1/jobs/stats", readerKey, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	stats := decode[map[string]int](t, rr)
	assert.Equal(t, 1, stats["pending"])
	assert.Equal(t, 0, stats["failed"])
	assert.Contains(t, stats, "cancelled")
}

func TestGetJobNotFound(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/jobs/nope", adminKey, nil).Code)
}

func TestRetryFailedJob(t *testing.T) {
	f := newFixture(t, nil)
	jobID := f.seedJob(t)
	f.failJob(t, jobID, "boom")

	rr := f.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/retry", adminKey, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	job := decode[JobResponse](t, rr)
	assert.Equal(t, "pending", job.Status)
	assert.Nil(t, job.ErrorMessage)
	assert.Greater(t, job.MaxRetries, job.RetryCount)
	assert.Equal(t, int32(1), f.waker.n.Load())

	evs := f.hub.SnapshotSince(0)
	require.NotEmpty(t, evs)
	assert.Equal(t, events.JobRetried, evs[len(evs)-1].Type)

	// Pending again: a second retry is a conflict.
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/retry", adminKey, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/v1/jobs/nope/retry", adminKey, nil).Code)
}

func TestCancelPendingJob(t *testing.T) {
	f := newFixture(t, nil)
	jobID := f.seedJob(t)

	rr := f.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/cancel", adminKey, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "cancelled", decode[JobResponse](t, rr).Status)

	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/cancel", adminKey, nil).Code)

	// Cancelled jobs can be retried.
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/jobs/"+jobID+"/retry", adminKey, nil).Code)
}

func TestListConnectionsMasksSecrets(t *testing.T) {
	f := newFixture(t, nil)
	f.seedSubmission(t)

	rr := f.do(t, http.MethodGet, "/v1/connections", connKey, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	conns := decode[[]ConnectionResponse](t, rr)
	require.Len(t, conns, 1)
	assert.Equal(t, "generic_rest", conns[0].BackendType)
	assert.Equal(t, "********", conns[0].Config["apiKey"])
	assert.Equal(t, "POST", conns[0].Config["method"])
	assert.NotContains(t, rr.Body.String(), "secret-key")
}

func TestCheckConnection(t *testing.T) {
	var checkedURL string
	f := newFixture(t, func(_ context.Context, url string) (string, error) {
		checkedURL = url
		if strings.Contains(url, "down") {
			return "", errors.New("net::ERR_NAME_NOT_RESOLVED")
		}
		return "CRM Login", nil
	})
	ctx := context.Background()
	f.seedSubmission(t)
	require.NoError(t, f.store.PutConnection(ctx, crm.Connection{
		ID: "web", DisplayName: "Web CRM", Type: crm.BrowserAutomation,
		TargetURL: "https://crm.example.com/login", Config: json.RawMessage(`{}`), Active: true,
	}))
	require.NoError(t, f.store.PutConnection(ctx, crm.Connection{
		ID: "web-down", DisplayName: "Down", Type: crm.BrowserAutomation,
		TargetURL: "https://down.example.com/login", Config: json.RawMessage(`{}`), Active: true,
	}))
	require.NoError(t, f.store.PutConnection(ctx, crm.Connection{
		ID: "sf", DisplayName: "SF", Type: crm.OAuthREST,
		Config: json.RawMessage(`{"instanceUrl":"https://x.my.example.com"}`), Active: true,
	}))

	rr := f.do(t, http.MethodPost, "/v1/connections/conn-1/check", connKey, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	res := decode[CheckResponse](t, rr)
	assert.True(t, res.Valid)
	assert.Nil(t, res.Reachable)

	rr = f.do(t, http.MethodPost, "/v1/connections/web/check", connKey, nil)
	res = decode[CheckResponse](t, rr)
	assert.True(t, res.Valid)
	require.NotNil(t, res.Reachable)
	assert.True(t, *res.Reachable)
	assert.Equal(t, "CRM Login", res.Title)
	assert.Equal(t, "https://crm.example.com/login", checkedURL)

	rr = f.do(t, http.MethodPost, "/v1/connections/web-down/check", connKey, nil)
	res = decode[CheckResponse](t, rr)
	require.NotNil(t, res.Reachable)
	assert.False(t, *res.Reachable)
	assert.Contains(t, res.Error, "ERR_NAME_NOT_RESOLVED")

	rr = f.do(t, http.MethodPost, "/v1/connections/sf/check", connKey, nil)
	res = decode[CheckResponse](t, rr)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Error, "clientId")

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/v1/connections/nope/check", connKey, nil).Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, "/v1/connections/web/check", readerKey, nil).Code)
}

func (f *fixture) hook(t *testing.T, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/hooks/submissions", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func TestSubmissionHookCreatesJobs(t *testing.T) {
	f := newFixture(t, nil)
	subID := f.seedSubmission(t)
	body := []byte(`{"submission_id":"` + subID + `"}`)

	rr := f.hook(t, body, Sign(body, hookSecret))
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	resp := decode[SubmissionHookResponse](t, rr)
	assert.Equal(t, subID, resp.SubmissionID)
	require.Len(t, resp.JobIDs, 1)
	assert.Equal(t, int32(1), f.waker.n.Load())

	evs := f.hub.SnapshotSince(0)
	require.Len(t, evs, 1)
	assert.Equal(t, events.JobsCreated, evs[0].Type)

	job, err := f.store.Get(context.Background(), resp.JobIDs[0])
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, job.Status)
	assert.Equal(t, 1, job.MaxRetries)

	// Replays create nothing and do not wake the poller.
	rr = f.hook(t, body, Sign(body, hookSecret))
	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.Empty(t, decode[SubmissionHookResponse](t, rr).JobIDs)
	assert.Equal(t, int32(1), f.waker.n.Load())
}

func TestSubmissionHookRejections(t *testing.T) {
	f := newFixture(t, nil)
	body := []byte(`{"submission_id":"missing"}`)

	assert.Equal(t, http.StatusForbidden, f.hook(t, body, "").Code)
	assert.Equal(t, http.StatusForbidden, f.hook(t, body, Sign(body, "other")).Code)
	assert.Equal(t, http.StatusForbidden, f.hook(t, body, "sha256=zz").Code)
	assert.Equal(t, http.StatusNotFound, f.hook(t, body, Sign(body, hookSecret)).Code)

	empty := []byte(`{}`)
	assert.Equal(t, http.StatusBadRequest, f.hook(t, empty, Sign(empty, hookSecret)).Code)

	big := bytes.Repeat([]byte("a"), maxHookBody+1)
	assert.Equal(t, http.StatusRequestEntityTooLarge, f.hook(t, big, Sign(big, hookSecret)).Code)
}

func TestVerifySignatureAcceptsPlainHex(t *testing.T) {
	body := []byte(`{"submission_id":"s"}`)
	sig := strings.TrimPrefix(Sign(body, "k"), "sha256=")
	assert.NoError(t, verifySignature(body, sig, "k"))
	assert.Error(t, verifySignature(body, sig, ""))
}

func TestSubmissionHookDisabledWithoutSecret(t *testing.T) {
	f := newFixture(t, nil)
	srv := New(Config{APIKey: adminKey}, f.store, nil, nil, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/hooks/submissions", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestEventsStreamReplaysAndFollows(t *testing.T) {
	f := newFixture(t, nil)
	f.hub.Publish(events.JobClaimed, map[string]any{"job_id": "j1"})
	f.hub.Publish(events.JobSucceeded, map[string]any{"job_id": "j1"})

	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+readerKey)
	req.Header.Set("Last-Event-ID", "1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	next := func(prefix string) string {
		t.Helper()
		for lines.Scan() {
			if strings.HasPrefix(lines.Text(), prefix) {
				return lines.Text()
			}
		}
		t.Fatalf("stream ended before %q", prefix)
		return ""
	}

	// Event 1 was already seen by this client.
	assert.Equal(t, "event: "+events.JobSucceeded, next("event: "))

	// Publish until the live event arrives; the client cannot tell when the
	// replay ends.
	go func() {
		tick := time.NewTicker(20 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				f.hub.Publish(events.JobFailed, map[string]any{"job_id": "j2"})
			}
		}
	}()
	assert.Equal(t, "event: "+events.JobFailed, next("event: "))
	assert.Contains(t, next("data: "), `"j2"`)
}

func TestEventsStreamFiltersByJobAndType(t *testing.T) {
	f := newFixture(t, nil)
	f.hub.Publish(events.JobsCreated, map[string]any{"submission_id": "s1", "job_ids": []string{"j1", "j2"}})
	f.hub.Publish(events.JobClaimed, map[string]any{"job_id": "j1"})
	f.hub.Publish(events.JobFailed, map[string]any{"job_id": "j2"})
	f.hub.Publish(events.JobFailed, map[string]any{"job_id": "j1"})

	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := ts.URL + "/v1/events?job_id=j1&type=jobs.created,job.failed&type=job.succeeded"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+readerKey)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	lines := bufio.NewScanner(resp.Body)
	nextEvent := func() (string, string) {
		t.Helper()
		var typ string
		for lines.Scan() {
			line := lines.Text()
			if strings.HasPrefix(line, "event: ") {
				typ = strings.TrimPrefix(line, "event: ")
			}
			if strings.HasPrefix(line, "data: ") {
				return typ, line
			}
		}
		t.Fatal("stream ended early")
		return "", ""
	}

	typ, data := nextEvent()
	assert.Equal(t, events.JobsCreated, typ, "job_ids arrays match too")
	assert.Contains(t, data, `"j1"`)
	typ, data = nextEvent()
	assert.Equal(t, events.JobFailed, typ)
	assert.Contains(t, data, `"job_id":"j1"`)

	go func() {
		tick := time.NewTicker(20 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				f.hub.Publish(events.JobRequeued, map[string]any{"job_id": "j1"})
				f.hub.Publish(events.JobSucceeded, map[string]any{"job_id": "j2"})
				f.hub.Publish(events.JobSucceeded, map[string]any{"job_id": "j1"})
			}
		}
	}()
	typ, data = nextEvent()
	assert.Equal(t, events.JobSucceeded, typ)
	assert.Contains(t, data, `"job_id":"j1"`)
}

func TestEventsStreamRejectsUnknownType(t *testing.T) {
	f := newFixture(t, nil)
	rr := f.do(t, http.MethodGet, "/v1/events?type=job.exploded", readerKey, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "job.exploded")
}

func TestEventFilterMatch(t *testing.T) {
	ev := func(typ, data string) events.Event {
		return events.Event{Type: typ, Data: json.RawMessage(data)}
	}
	all := eventFilter{}
	assert.True(t, all.match(ev(events.JobClaimed, `{"job_id":"x"}`)))

	byJob := eventFilter{jobID: "x"}
	assert.True(t, byJob.match(ev(events.JobClaimed, `{"job_id":"x"}`)))
	assert.True(t, byJob.match(ev(events.JobsCreated, `{"job_ids":["w","x"]}`)))
	assert.False(t, byJob.match(ev(events.JobClaimed, `{"job_id":"y"}`)))
	assert.False(t, byJob.match(ev(events.JobClaimed, `not json`)))

	byType := eventFilter{types: map[string]bool{events.JobFailed: true}}
	assert.True(t, byType.match(ev(events.JobFailed, `{}`)))
	assert.False(t, byType.match(ev(events.JobClaimed, `{}`)))
}

func TestParseLastEventID(t *testing.T) {
	assert.Equal(t, int64(0), parseLastEventID(""))
	assert.Equal(t, int64(0), parseLastEventID("abc"))
	assert.Equal(t, int64(0), parseLastEventID("-3"))
	assert.Equal(t, int64(42), parseLastEventID("42"))
}

func TestScreenshotsServedWithAuth(t *testing.T) {
	f := newFixture(t, nil)
	store, err := artifact.NewFSStore(t.TempDir(), "/screenshots")
	require.NoError(t, err)
	f.srv.WithArtifacts(store)
	f.handler = f.srv.Handler()

	ref, err := store.Save(context.Background(), "job-1", "after.png", []byte("PNG"))
	require.NoError(t, err)

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, ref, "", nil).Code)

	rr := f.do(t, http.MethodGet, ref, readerKey, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	got, _ := io.ReadAll(rr.Body)
	assert.Equal(t, "PNG", string(got))

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/screenshots/job-1/", readerKey, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/screenshots/job-1/missing.png", readerKey, nil).Code)
}
