// Package api serves the REST and websocket surface: projects, chapter
// jobs, chapters and a live job event stream.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/robertguss/serialforge/internal/config"
	"github.com/robertguss/serialforge/internal/jobs"
	"github.com/robertguss/serialforge/internal/storage"
)

const (
	maxBodyBytes   = 1 << 20
	requestTimeout = 30 * time.Second
	defaultLimit   = 50
	maxLimit       = 200
)

// Deps are the collaborators the server exposes
type Deps struct {
	Store   storage.Storage
	Jobs    *jobs.Manager
	Hub     *Hub                // optional, created from the CORS origins when nil
	Metrics prometheus.Gatherer // optional, /metrics is 404 when nil
	Logger  *slog.Logger
}

// Server is the REST API server
type Server struct {
	cfg      config.ServerConfig
	store    storage.Storage
	jobs     *jobs.Manager
	hub      *Hub
	gatherer prometheus.Gatherer
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	server  *http.Server
	running bool
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	logger := d.Logger.With("component", "api")
	if d.Hub == nil {
		d.Hub = NewHub(cfg.CORSOrigins, logger)
	}
	return &Server{
		cfg:      cfg,
		store:    d.Store,
		jobs:     d.Jobs,
		hub:      d.Hub,
		gatherer: d.Metrics,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
		now:      time.Now,
	}
}

// Hub returns the websocket hub, to be registered as a job event sink
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the routed handler without starting a listener
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start listens on the configured address and serves until Stop
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Stop. It returns nil after a clean shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.server = &http.Server{
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	s.logger.Info("api listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop closes websocket clients and shuts the listener down gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false
	s.hub.Close()

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// IsRunning returns whether the server is running
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(s.cfg.CORSOrigins))

	r.Get("/health", s.healthHandler)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(apiKeyAuthMiddleware(s.cfg.APIKey))

		// long-lived, so outside the request timeout
		r.Get("/ws", s.hub.ServeWs)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(requestTimeout))

			r.Post("/projects", s.createProjectHandler)
			r.Get("/projects", s.listProjectsHandler)
			r.Get("/projects/{id}", s.getProjectHandler)
			r.Post("/projects/{id}/status", s.setProjectStatusHandler)

			r.Post("/projects/{id}/jobs", s.startJobHandler)
			r.Get("/projects/{id}/jobs", s.listJobsHandler)

			r.Get("/projects/{id}/chapters", s.listChaptersHandler)
			r.Get("/projects/{id}/chapters/{number}", s.getChapterHandler)

			r.Get("/jobs/{id}", s.getJobHandler)
			r.Post("/jobs/{id}/stop", s.stopJobHandler)
			r.Get("/jobs/{id}/attempts", s.listAttemptsHandler)

			r.Get("/stats", s.statsHandler)
		})
	})

	return r
}
