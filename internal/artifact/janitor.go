package artifact

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Janitor runs Store.Cleanup on a cron schedule.
type Janitor struct {
	store     Store
	retention time.Duration
	cron      *cron.Cron
	logger    *slog.Logger
}

// NewJanitor creates a janitor that deletes artifacts older than retention.
func NewJanitor(store Store, retention time.Duration, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		store:     store,
		retention: retention,
		cron:      cron.New(),
		logger:    logger.With("component", "artifact-janitor"),
	}
}

// Start registers the cleanup on schedule (standard cron or @daily style) and
// starts the cron runner. An empty schedule or zero retention disables it.
func (j *Janitor) Start(schedule string) error {
	if schedule == "" || j.retention <= 0 {
		j.logger.Info("artifact cleanup disabled")
		return nil
	}
	if _, err := j.cron.AddFunc(schedule, j.runScheduled); err != nil {
		return fmt.Errorf("invalid artifacts.cleanup_schedule %q: %w", schedule, err)
	}
	j.cron.Start()
	j.logger.Info("artifact cleanup scheduled", "schedule", schedule, "retention", j.retention.String())
	return nil
}

// Stop stops the cron runner and waits for a running cleanup to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

// RunNow performs one cleanup pass.
func (j *Janitor) RunNow(ctx context.Context) (CleanupReport, error) {
	return j.store.Cleanup(ctx, j.retention)
}

func (j *Janitor) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	report, err := j.RunNow(ctx)
	if err != nil {
		j.logger.Error("artifact cleanup failed", "error", err)
		return
	}
	j.logger.Info("artifact cleanup completed", "deleted_dirs", report.DeletedDirs)
}
