// Package api serves the control and observability endpoints: device
// start/stop callbacks, the stats snapshot, health probes and the
// prometheus scrape target.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/iotforge/transmission-service/internal/engine"
)

// Controller is the control-plane surface of the engine.
type Controller interface {
	Start(ctx context.Context, deviceID string) error
	Stop(ctx context.Context, deviceID string, resetRowIndex bool) error
}

// StatsProvider produces the engine snapshot served by GET /stats.
type StatsProvider interface {
	Snapshot() engine.Stats
}

// CheckFunc probes one dependency for the health endpoints.
type CheckFunc func(ctx context.Context) error

// Server is the HTTP control server.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	controller Controller
	stats      StatsProvider
	gatherer   prometheus.Gatherer
	checks     map[string]CheckFunc
	service    string
	logger     *zap.Logger
}

// Option configures the server.
type Option func(*Server)

// WithHealthCheck registers a named dependency probe for /health and /ready.
func WithHealthCheck(name string, check CheckFunc) Option {
	return func(s *Server) {
		s.checks[name] = check
	}
}

// WithServiceName sets the service name reported by /health.
func WithServiceName(name string) Option {
	return func(s *Server) {
		s.service = name
	}
}

// New builds the control server. The listener is not opened until Start.
func New(addr string, controller Controller, stats StatsProvider,
	gatherer prometheus.Gatherer, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		controller: controller,
		stats:      stats,
		gatherer:   gatherer,
		checks:     make(map[string]CheckFunc),
		service:    "transmission-service",
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.router = chi.NewRouter()
	s.router.Use(recoverMiddleware(logger))
	s.router.Use(requestIDMiddleware())
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.router.Post("/devices/{deviceID}/start", s.handleStart)
	s.router.Post("/devices/{deviceID}/stop", s.handleStop)
	s.router.Get("/stats", s.handleStats)

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/ready", s.handleReady)
	s.router.Get("/live", handleLive)

	if s.gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("control server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
