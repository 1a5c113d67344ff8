package quality

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/robertguss/serialforge/internal/backend"
	"github.com/robertguss/serialforge/internal/config"
	"github.com/robertguss/serialforge/internal/metrics"
	"github.com/robertguss/serialforge/internal/storage"
)

// Report lists what happened to each module for one chapter
type Report struct {
	Ran     []string
	Failed  []string
	Skipped []string
}

// Runner executes the due modules for an accepted chapter
type Runner struct {
	modules []Module
	cfg     config.QualityConfig
	metrics metrics.Collector
	logger  *slog.Logger
}

// NewRunner creates a runner over the default module set
func NewRunner(store storage.Storage, b backend.Backend, cfg config.QualityConfig, m metrics.Collector, logger *slog.Logger) *Runner {
	return NewRunnerWith(DefaultModules(store, backend.PinModel(b, cfg.Model)), cfg, m, logger)
}

// NewRunnerWith creates a runner over a custom module set
func NewRunnerWith(modules []Module, cfg config.QualityConfig, m metrics.Collector, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Runner{
		modules: modules,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", "quality"),
	}
}

// Run executes every due module with bounded concurrency. Failures, panics
// included, are logged and counted; they never reach the caller because the
// chapter they follow is already committed.
func (r *Runner) Run(ctx context.Context, in Input) *Report {
	report := &Report{}
	if !r.cfg.Enabled || in.Project == nil || in.Chapter == nil {
		return report
	}

	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	logger := r.logger.With("project_id", in.Project.ID, "chapter", in.Chapter.Number)

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(max(1, r.cfg.Workers))

	for _, mod := range r.modules {
		if !mod.Due(&in) {
			report.Skipped = append(report.Skipped, mod.Name())
			continue
		}
		g.Go(func() error {
			start := time.Now()
			err := runSafely(ctx, mod, &in)
			elapsed := time.Since(start)
			r.metrics.QualityModule(mod.Name(), elapsed, err)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logger.Warn("quality module failed", "module", mod.Name(), "error", err, "duration", elapsed)
				report.Failed = append(report.Failed, mod.Name())
				return nil
			}
			logger.Debug("quality module finished", "module", mod.Name(), "duration", elapsed)
			report.Ran = append(report.Ran, mod.Name())
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(report.Ran)
	sort.Strings(report.Failed)
	sort.Strings(report.Skipped)

	logger.Info("quality modules finished",
		"ran", len(report.Ran),
		"failed", len(report.Failed),
		"skipped", len(report.Skipped))
	return report
}

func runSafely(ctx context.Context, mod Module, in *Input) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return mod.Run(ctx, in)
}
