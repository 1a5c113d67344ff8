// Package app wires the service together: storage, backend, pipeline, job
// manager and the consuming surfaces (REST API, NATS trigger).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/robertguss/serialforge/internal/api"
	"github.com/robertguss/serialforge/internal/assembler"
	"github.com/robertguss/serialforge/internal/backend"
	"github.com/robertguss/serialforge/internal/config"
	"github.com/robertguss/serialforge/internal/genre"
	"github.com/robertguss/serialforge/internal/jobs"
	"github.com/robertguss/serialforge/internal/metrics"
	"github.com/robertguss/serialforge/internal/pipeline"
	"github.com/robertguss/serialforge/internal/quality"
	"github.com/robertguss/serialforge/internal/storage"
	"github.com/robertguss/serialforge/internal/trigger"
)

// shutdownTimeout bounds graceful shutdown once Run's context ends
const shutdownTimeout = 30 * time.Second

// Option customizes New
type Option func(*App)

// WithBackend replaces the backend built from config
func WithBackend(b backend.Backend) Option {
	return func(a *App) {
		a.backend = b
	}
}

// App owns every long-lived component of the service
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	store    *storage.SQLiteStorage
	backend  backend.Backend
	registry *prometheus.Registry
	genres   *genre.Store
	watcher  *genre.Watcher
	jobs     *jobs.Manager
	api      *api.Server

	nc      *nats.Conn
	trigger *trigger.Trigger

	mu       sync.Mutex
	ln       net.Listener
	serveErr chan error
	started  bool
	closed   bool
}

// New builds the component graph. Nothing runs until Start.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger, serveErr: make(chan error, 1)}
	for _, opt := range opts {
		opt(a)
	}

	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}

	store, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	a.store = store

	var collector metrics.Collector = metrics.NewNop()
	if cfg.Metrics.Enabled {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		collector = metrics.NewPrometheus(a.registry, metrics.DefaultNamespace)
	}

	if a.backend == nil {
		b, err := backend.New(cfg.Backend, logger)
		if err != nil {
			store.Close()
			return nil, err
		}
		a.backend = b
	}
	gen := backend.Instrument(a.backend, collector)

	a.genres = genre.NewStore(cfg.Genres.Dir)
	skipped, err := a.genres.Load()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("loading genres: %w", err)
	}
	for _, f := range skipped {
		logger.Warn("skipped invalid genre file", "file", f)
	}
	if cfg.Genres.Watch && cfg.Genres.Dir != "" {
		a.watcher = genre.NewWatcher(a.genres, time.Duration(cfg.Genres.WatchDebounce)*time.Millisecond, logger)
	}

	a.jobs = jobs.NewManager(cfg.Jobs, jobs.Deps{
		Store:     store,
		Assembler: assembler.New(store, cfg.Context, logger),
		Pipeline:  pipeline.New(gen, cfg.Pipeline, collector, logger),
		Quality:   quality.NewRunner(store, gen, cfg.Quality, collector, logger),
		Genres:    a.genres,
		Metrics:   collector,
		Logger:    logger,
	})

	if cfg.Server.Enabled {
		deps := api.Deps{Store: store, Jobs: a.jobs, Logger: logger}
		if a.registry != nil {
			deps.Metrics = a.registry
		}
		a.api = api.NewServer(cfg.Server, deps)
		a.jobs.AddSink(a.api.Hub())
	}

	return a, nil
}

// Start runs the job manager and opens the configured surfaces
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return errors.New("app already started")
	}
	a.started = true

	if err := a.jobs.Start(ctx); err != nil {
		return fmt.Errorf("starting job manager: %w", err)
	}

	if a.watcher != nil {
		if err := a.watcher.Start(); err != nil {
			// rules still work, they just need a restart to change
			a.logger.Warn("genre hot reload disabled", "error", err)
			a.watcher = nil
		}
	}

	if a.cfg.NATS.Enabled {
		nc, err := trigger.Connect(a.cfg.NATS, a.logger)
		if err != nil {
			return err
		}
		a.nc = nc
		if a.cfg.NATS.EventPrefix != "" {
			a.jobs.AddSink(trigger.NewPublisher(nc, a.cfg.NATS.EventPrefix, a.logger))
		}
		a.trigger = trigger.New(nc, a.cfg.NATS, a.jobs, a.logger)
		if err := a.trigger.Start(); err != nil {
			return err
		}
	}

	if a.api != nil {
		ln, err := net.Listen("tcp", a.cfg.Server.Addr)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", a.cfg.Server.Addr, err)
		}
		a.ln = ln
		go func() {
			a.serveErr <- a.api.Serve(ln)
		}()
	}

	a.logger.Info("serialforge started",
		"api", a.api != nil,
		"nats", a.trigger != nil,
		"metrics", a.registry != nil)
	return nil
}

// Addr is the API listen address, empty when the API is disabled or not started
func (a *App) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ln == nil {
		return ""
	}
	return a.ln.Addr().String()
}

// Store exposes the storage, for tools running next to the service
func (a *App) Store() storage.Storage {
	return a.store
}

// Jobs exposes the job manager
func (a *App) Jobs() *jobs.Manager {
	return a.jobs
}

// Run starts the app and blocks until ctx ends or the API fails, then shuts down
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		a.shutdownWithTimeout()
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
	case err := <-a.serveErr:
		if err != nil {
			runErr = fmt.Errorf("api server: %w", err)
		}
	}

	return errors.Join(runErr, a.shutdownWithTimeout())
}

func (a *App) shutdownWithTimeout() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return a.Shutdown(ctx)
}

// Shutdown stops intake first, then drains running jobs, then closes storage
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	ln := a.ln
	a.mu.Unlock()

	var errs []error

	if a.trigger != nil {
		if err := a.trigger.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stopping trigger: %w", err))
		}
	}
	if a.api != nil {
		if err := a.api.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping api: %w", err))
		}
	}
	if ln != nil {
		// Serve may not have claimed the listener yet
		_ = ln.Close()
	}
	if a.watcher != nil {
		if err := a.watcher.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stopping genre watcher: %w", err))
		}
	}
	if err := a.jobs.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping jobs: %w", err))
	}
	// the publisher may still flush final events until the manager is down
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			errs = append(errs, fmt.Errorf("draining nats: %w", err))
		}
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing storage: %w", err))
	}

	return errors.Join(errs...)
}
