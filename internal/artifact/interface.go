package artifact

import (
	"context"
	"time"
)

// CleanupReport summarizes a cleanup run.
type CleanupReport struct {
	DeletedDirs int
}

// Store keeps job-scoped evidence files, such as screenshots. Jobs only ever
// hold the reference returned by Save; absolute paths stay in the store so the
// directory can move without rewriting job rows.
type Store interface {
	// Save writes data as name under jobID and returns its reference.
	Save(ctx context.Context, jobID, name string, data []byte) (string, error)

	// Resolve maps a reference back to a file path on disk.
	Resolve(ref string) (string, error)

	// Cleanup removes per-job directories older than olderThan.
	Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error)
}
