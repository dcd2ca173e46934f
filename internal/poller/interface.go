package poller

import (
	"context"

	"github.com/mattjoyce/crmq/internal/queue"
)

//go:generate mockgen -destination=mocks/mock_poller.go -package=mocks github.com/mattjoyce/crmq/internal/poller Claimer,Processor

// Claimer atomically claims up to limit pending jobs.
type Claimer interface {
	ClaimPending(ctx context.Context, limit int) ([]queue.ClaimedJob, error)
}

// Processor runs one claimed job to completion.
type Processor interface {
	Process(ctx context.Context, jobID string) error
}
