// Package api serves the admin HTTP surface: job inspection and manual
// retry/cancel, connection checks, the signed submission hook, a lifecycle
// event stream, metrics and screenshot files.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mattjoyce/crmq/internal/auth"
	"github.com/mattjoyce/crmq/internal/crm"
	"github.com/mattjoyce/crmq/internal/events"
	"github.com/mattjoyce/crmq/internal/queue"
)

// Store is the job and connection store surface the API uses.
type Store interface {
	List(ctx context.Context, f queue.ListFilter) (*queue.ListResult, error)
	Stats(ctx context.Context) (map[queue.Status]int, error)
	Get(ctx context.Context, jobID string) (*queue.Job, error)
	Retry(ctx context.Context, jobID string) (*queue.Job, error)
	Cancel(ctx context.Context, jobID string) (*queue.Job, error)
	CreateJobsForSubmission(ctx context.Context, submissionID string, maxRetries int) ([]string, error)
	ListConnections(ctx context.Context) ([]crm.Connection, error)
	GetConnection(ctx context.Context, id string) (*crm.Connection, error)
}

// Waker is signalled when jobs become pending.
type Waker interface {
	Wake()
}

// Prober opens url in a browser and returns the page title.
type Prober func(ctx context.Context, url string) (string, error)

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the single admin bearer token (scope "*").
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
	// WebhookSecret signs submission hooks. Empty disables the hook.
	WebhookSecret     string
	DefaultMaxRetries int
	ProbeTimeout      time.Duration
}

// Resolver maps a stored screenshot reference to a file on disk.
type Resolver interface {
	Resolve(ref string) (string, error)
	URLPrefix() string
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	store     Store
	waker     Waker
	hub       *events.Hub
	prober    Prober
	artifacts Resolver
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance. waker and prober may be nil.
func New(config Config, store Store, waker Waker, hub *events.Hub, prober Prober, logger *slog.Logger) *Server {
	if config.DefaultMaxRetries <= 0 {
		config.DefaultMaxRetries = 3
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = 30 * time.Second
	}
	if hub == nil {
		hub = events.NewHub(256)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:    config,
		store:     store,
		waker:     waker,
		hub:       hub,
		prober:    prober,
		logger:    logger.With("component", "api"),
		startedAt: time.Now(),
	}
}

// WithArtifacts serves screenshots from r under its URL prefix.
func (s *Server) WithArtifacts(r Resolver) *Server {
	s.artifacts = r
	return s
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	// Signed by the submission service instead of a bearer token.
	if s.config.WebhookSecret != "" {
		r.Post("/v1/hooks/submissions", s.handleSubmissionHook)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.With(s.require(auth.Jobs, auth.Read)).Get("/v1/jobs", s.handleListJobs)
		r.With(s.require(auth.Jobs, auth.Read)).Get("/v1/jobs/stats", s.handleJobStats)
		r.With(s.require(auth.Jobs, auth.Read)).Get("/v1/jobs/{jobID}", s.handleGetJob)
		r.With(s.require(auth.Jobs, auth.Write)).Post("/v1/jobs/{jobID}/retry", s.handleRetryJob)
		r.With(s.require(auth.Jobs, auth.Write)).Post("/v1/jobs/{jobID}/cancel", s.handleCancelJob)

		r.With(s.require(auth.Connections, auth.Read)).Get("/v1/connections", s.handleListConnections)
		r.With(s.require(auth.Connections, auth.Write)).Post("/v1/connections/{connectionID}/check", s.handleCheckConnection)

		r.With(s.require(auth.Jobs, auth.Read)).Get("/v1/events", s.handleEvents)

		if s.artifacts != nil {
			r.With(s.require(auth.Jobs, auth.Read)).Get(s.artifacts.URLPrefix()+"/*", s.handleArtifact)
		}
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
