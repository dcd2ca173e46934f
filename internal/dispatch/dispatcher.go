package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/mattjoyce/crmq/internal/crm"
	"github.com/mattjoyce/crmq/internal/events"
	"github.com/mattjoyce/crmq/internal/log"
	"github.com/mattjoyce/crmq/internal/metrics"
	"github.com/mattjoyce/crmq/internal/queue"
)

// finalizeTimeout bounds the status write after a writer returns, so a
// shutdown mid-job still records the outcome.
const finalizeTimeout = 10 * time.Second

// Store is the part of the job store the dispatcher uses.
type Store interface {
	LoadJobContext(ctx context.Context, jobID string) (*queue.JobContext, error)
	LoadActiveMapping(ctx context.Context, formID, connectionID string) ([]crm.Rule, error)
	MarkSucceeded(ctx context.Context, jobID, artifact string) error
	MarkFailure(ctx context.Context, jobID, message, artifact string) (queue.Status, error)
}

// Writers holds one writer per backend type.
type Writers struct {
	Browser crm.Writer
	OAuth   crm.Writer
	REST    crm.Writer
}

// For returns the writer for t. Unknown or unwired types are a
// configuration error.
func (w Writers) For(t crm.BackendType) (crm.Writer, error) {
	var wr crm.Writer
	switch t {
	case crm.BrowserAutomation:
		wr = w.Browser
	case crm.OAuthREST:
		wr = w.OAuth
	case crm.GenericREST:
		wr = w.REST
	default:
		return nil, &crm.Error{Kind: crm.KindConfig, Op: "select writer", Err: fmt.Errorf("unsupported CRM backend type %q", t)}
	}
	if wr == nil {
		return nil, &crm.Error{Kind: crm.KindConfig, Op: "select writer", Err: fmt.Errorf("no writer configured for %s", t)}
	}
	return wr, nil
}

// Dispatcher executes claimed jobs.
type Dispatcher struct {
	store   Store
	writers Writers
	events  events.Publisher
	logger  *slog.Logger
}

// New creates a Dispatcher. A nil publisher discards events.
func New(store Store, writers Writers, pub events.Publisher) *Dispatcher {
	if pub == nil {
		pub = events.Discard
	}
	return &Dispatcher{
		store:   store,
		writers: writers,
		events:  pub,
		logger:  log.WithComponent("dispatch"),
	}
}

// Process runs one claimed job. Writer failures are recorded on the job and
// do not produce an error; an error means the job could not be loaded or its
// outcome could not be saved, and the job stays running.
func (d *Dispatcher) Process(ctx context.Context, jobID string) error {
	jc, err := d.store.LoadJobContext(ctx, jobID)
	if jc == nil {
		if err == nil {
			err = queue.ErrJobNotFound
		}
		d.logger.Error("failed to load job", "job_id", jobID, "error", err)
		metrics.JobOutcomes.WithLabelValues("unknown", "load_error").Inc()
		return fmt.Errorf("load job %s: %w", jobID, err)
	}

	backend := backendLabel(jc.Connection)
	jobLogger := d.logger.With(
		"job_id", jobID,
		"backend", backend,
		"connection_id", jc.Job.ConnectionID,
		"attempt", jc.Job.RetryCount+1,
	)

	// A payload that cannot be decoded is a failed attempt, not a load error.
	if err != nil {
		return d.fail(ctx, jobLogger, jc, backend, err, "")
	}

	writer, err := d.writers.For(jc.Connection.Type)
	if err != nil {
		if jc.Connection.ID == "" {
			err = &crm.Error{Kind: crm.KindConfig, Op: "select writer", Err: fmt.Errorf("connection %s not found", jc.Job.ConnectionID)}
		} else if jc.Connection.Type == "" {
			_, err = crm.ParseBackendType(jc.Connection.RawType)
		}
		return d.fail(ctx, jobLogger, jc, backend, err, "")
	}

	rules, err := d.store.LoadActiveMapping(ctx, jc.FormID, jc.Job.ConnectionID)
	if err != nil {
		jobLogger.Warn("mapping lookup failed, continuing with empty mapping", "error", err)
		rules = nil
	}

	jobLogger.Info("executing job", "fields", len(rules))
	start := time.Now()
	res, werr := invoke(ctx, jobLogger, writer, crm.Request{
		JobID:      jobID,
		Connection: jc.Connection,
		Payload:    jc.Payload,
		Rules:      rules,
	})
	metrics.WriterDuration.WithLabelValues(backend).Observe(time.Since(start).Seconds())

	if werr != nil {
		return d.fail(ctx, jobLogger, jc, backend, werr, res.Artifact)
	}

	fctx, cancel := finalizeContext(ctx)
	defer cancel()
	if err := d.store.MarkSucceeded(fctx, jobID, res.Ref()); err != nil {
		jobLogger.Error("failed to record success", "error", err)
		return fmt.Errorf("mark job %s succeeded: %w", jobID, err)
	}

	metrics.JobOutcomes.WithLabelValues(backend, "success").Inc()
	jobLogger.Info("job succeeded", "artifact", res.Artifact, "record_id", res.RecordID, "duration", time.Since(start))
	d.events.Publish(events.JobSucceeded, map[string]any{
		"job_id":        jobID,
		"submission_id": jc.Job.SubmissionID,
		"connection_id": jc.Job.ConnectionID,
		"artifact":      res.Artifact,
		"record_id":     res.RecordID,
	})
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, logger *slog.Logger, jc *queue.JobContext, backend string, cause error, artifact string) error {
	kind := crm.KindOf(cause)
	metrics.WriterErrors.WithLabelValues(backend, string(kind)).Inc()

	fctx, cancel := finalizeContext(ctx)
	defer cancel()
	status, err := d.store.MarkFailure(fctx, jc.Job.ID, cause.Error(), artifact)
	if err != nil {
		logger.Error("failed to record failure", "error", err, "cause", cause)
		return fmt.Errorf("mark job %s failed: %w", jc.Job.ID, err)
	}

	data := map[string]any{
		"job_id":        jc.Job.ID,
		"submission_id": jc.Job.SubmissionID,
		"connection_id": jc.Job.ConnectionID,
		"error":         crm.Truncate(cause.Error(), 500),
		"kind":          kind,
		"artifact":      artifact,
	}
	if status == queue.StatusFailed {
		metrics.JobOutcomes.WithLabelValues(backend, "failed").Inc()
		logger.Error("job failed permanently", "error", cause, "kind", kind)
		d.events.Publish(events.JobFailed, data)
		return nil
	}

	metrics.JobOutcomes.WithLabelValues(backend, "requeued").Inc()
	logger.Warn("job attempt failed, requeued", "error", cause, "kind", kind)
	d.events.Publish(events.JobRequeued, data)
	return nil
}

// invoke calls the writer and turns a panic into an error.
func invoke(ctx context.Context, logger *slog.Logger, w crm.Writer, req crm.Request) (res crm.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("writer panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("writer panic: %v", r)
		}
	}()
	return w.Write(ctx, req)
}

func finalizeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
}

func backendLabel(c crm.Connection) string {
	if c.Type != "" {
		return c.Type.String()
	}
	return "unknown"
}
