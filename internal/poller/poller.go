// Package poller claims pending jobs on an interval and runs them with
// bounded concurrency.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/crmq/internal/events"
	"github.com/mattjoyce/crmq/internal/metrics"
)

const (
	DefaultInterval      = 5 * time.Second
	DefaultMaxConcurrent = 3
)

var (
	ErrAlreadyStarted = errors.New("poller already started")
	ErrStopped        = errors.New("poller stopped")
)

type Config struct {
	Interval      time.Duration
	MaxConcurrent int
}

// Poller owns the in-process set of executing jobs. Jobs left running by a
// previous process are not reclaimed.
type Poller struct {
	cfg     Config
	claimer Claimer
	proc    Processor
	events  events.Publisher
	logger  *slog.Logger

	mu      sync.Mutex
	active  map[string]struct{}
	started bool
	stopped bool
	stopCh  chan struct{}
	wakeCh  chan struct{}

	loop sync.WaitGroup
	jobs sync.WaitGroup
}

// New creates a Poller. Zero config values get the defaults.
func New(cfg Config, c Claimer, p Processor, pub events.Publisher, logger *slog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if pub == nil {
		pub = events.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		cfg:     cfg,
		claimer: c,
		proc:    p,
		events:  pub,
		logger:  logger.With("component", "poller"),
		active:  make(map[string]struct{}),
		stopCh:  make(chan struct{}),
		wakeCh:  make(chan struct{}, 1),
	}
}

// Start polls once immediately and then on every interval or wake, until
// Stop is called or ctx is cancelled. Jobs run under ctx.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	if p.started {
		return ErrAlreadyStarted
	}
	p.started = true

	p.logger.Info("starting poller", "interval", p.cfg.Interval, "max_concurrent", p.cfg.MaxConcurrent)
	p.loop.Add(1)
	go p.tickLoop(ctx)
	return nil
}

// Stop ends the tick loop and waits for executing jobs. It is safe to call
// more than once, and before Start.
func (p *Poller) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stopCh)
	p.mu.Unlock()

	p.logger.Info("stopping poller")
	p.loop.Wait()
	p.jobs.Wait()
	p.logger.Info("poller stopped")
}

// Wake requests a poll without waiting for the interval. Wakes coalesce.
func (p *Poller) Wake() {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

// ActiveCount returns the number of jobs executing in this process.
func (p *Poller) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

func (p *Poller) tickLoop(ctx context.Context) {
	defer p.loop.Done()

	p.tick(ctx)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.tick(ctx)
		case <-p.wakeCh:
			p.tick(ctx)
		case <-p.stopCh:
			return
		case <-ctx.Done():
			p.logger.Warn("poller context cancelled, stopping tick loop")
			return
		}
	}
}

// tick claims as many jobs as there are free slots and starts them. A claim
// failure only skips this tick.
func (p *Poller) tick(ctx context.Context) {
	p.mu.Lock()
	slots := p.cfg.MaxConcurrent - len(p.active)
	p.mu.Unlock()
	if slots <= 0 {
		p.logger.Debug("no free slots", "active", p.cfg.MaxConcurrent-slots)
		return
	}

	claimed, err := p.claimer.ClaimPending(ctx, slots)
	if err != nil {
		metrics.ClaimErrors.Inc()
		p.logger.Error("claim failed", "error", err)
		return
	}

	for _, job := range claimed {
		p.mu.Lock()
		p.active[job.ID] = struct{}{}
		p.mu.Unlock()

		metrics.JobsClaimed.Inc()
		metrics.ActiveJobs.Inc()
		p.events.Publish(events.JobClaimed, map[string]any{"job_id": job.ID})

		p.jobs.Add(1)
		go p.run(ctx, job.ID)
	}
}

func (p *Poller) run(ctx context.Context, jobID string) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job processing panicked", "job_id", jobID, "panic", r)
		}
		p.mu.Lock()
		delete(p.active, jobID)
		p.mu.Unlock()
		metrics.ActiveJobs.Dec()
		p.jobs.Done()
	}()

	if err := p.proc.Process(ctx, jobID); err != nil {
		p.logger.Error("job processing failed", "job_id", jobID, "error", err)
	}
}
