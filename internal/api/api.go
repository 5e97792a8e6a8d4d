// Package api provides Courier's HTTP admin and ingest API.
//
// It exposes job introspection and cancellation, envelope ingest, outgoing message
// submission, identity trust decisions, manual attachment downloads, and a network
// availability switch. Routing uses chi.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/Courier/internal/jobmanager"
	"github.com/BTreeMap/Courier/internal/jobs"
	"github.com/BTreeMap/Courier/internal/network"
	"github.com/BTreeMap/Courier/internal/pipeline"
	"github.com/BTreeMap/Courier/internal/store"
	"github.com/BTreeMap/Courier/internal/telemetry"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// Opts holds optional server configuration.
type Opts struct {
	Addr            string
	Metrics         *telemetry.Metrics
	Network         *network.Monitor
	ShutdownTimeout time.Duration
}

// Option configures the server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithMetrics exposes m on /metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *Opts) {
		o.Metrics = m
	}
}

// WithNetwork enables POST /network and reports availability on /healthz.
func WithNetwork(n *network.Monitor) Option {
	return func(o *Opts) {
		o.Network = n
	}
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.ShutdownTimeout = d
	}
}

// Deps are the collaborators every server needs.
type Deps struct {
	Manager   *jobmanager.Manager
	Sender    *jobs.MessageSender
	Receiver  *pipeline.Receiver
	Processor *pipeline.Processor
	Store     store.Store
	Env       *jobs.Env
}

// Server serves the Courier API.
type Server struct {
	manager   *jobmanager.Manager
	sender    *jobs.MessageSender
	receiver  *pipeline.Receiver
	processor *pipeline.Processor
	store     store.Store
	env       *jobs.Env
	opts      Opts
}

// NewServer creates a server. It does not listen until Run is called.
func NewServer(deps Deps, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, ShutdownTimeout: 10 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{
		manager:   deps.Manager,
		sender:    deps.Sender,
		receiver:  deps.Receiver,
		processor: deps.Processor,
		store:     deps.Store,
		env:       deps.Env,
		opts:      cfg,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.healthHandler)
	r.Mount("/metrics", s.opts.Metrics.Handler())

	r.Get("/jobs", s.listJobsHandler)
	r.Post("/jobs/{id}/cancel", s.cancelJobHandler)
	r.Post("/queues/{key}/cancel", s.cancelQueueHandler)

	r.Post("/envelopes", s.receiveEnvelopeHandler)

	r.Post("/messages", s.sendMessageHandler)
	r.Get("/messages/{id}", s.getMessageHandler)
	r.Post("/messages/{id}/trust", s.trustMessageHandler)

	r.Post("/attachments/{id}/download", s.downloadAttachmentHandler)

	r.Post("/network", s.networkHandler)
	return r
}

// Run listens until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown failed: %w", err)
	}
	slog.Info("Server.Run: API stopped")
	return nil
}
