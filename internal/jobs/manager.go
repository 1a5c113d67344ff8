// Package jobs owns the chapter-writing job lifecycle: creation under the
// single-active-job rule, background execution on a worker pool, stop
// requests and the watchdog that fails abandoned jobs.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/robertguss/serialforge/internal/assembler"
	"github.com/robertguss/serialforge/internal/config"
	"github.com/robertguss/serialforge/internal/domain"
	"github.com/robertguss/serialforge/internal/genre"
	"github.com/robertguss/serialforge/internal/metrics"
	"github.com/robertguss/serialforge/internal/pipeline"
	"github.com/robertguss/serialforge/internal/quality"
	"github.com/robertguss/serialforge/internal/storage"
)

// failTimeout bounds the best-effort write that records a failure
const failTimeout = 10 * time.Second

// recoveryBatch caps how many jobs one startup or sweep pass looks at
const recoveryBatch = 1000

// Deps are the collaborators a Manager drives
type Deps struct {
	Store     storage.Storage
	Assembler *assembler.Assembler
	Pipeline  *pipeline.Pipeline
	Quality   *quality.Runner // optional
	Genres    *genre.Store    // optional, built-in rules when nil
	Metrics   metrics.Collector
	Logger    *slog.Logger
}

// Manager creates, runs, stops and polls jobs
type Manager struct {
	store     storage.Storage
	assembler *assembler.Assembler
	pipeline  *pipeline.Pipeline
	quality   *quality.Runner
	genres    *genre.Store
	cfg       config.JobsConfig
	metrics   metrics.Collector
	logger    *slog.Logger
	now       func() time.Time

	// per-project creation locks and cancel funcs of in-flight runs
	locks    *xsync.Map[string, *sync.Mutex]
	inflight *xsync.Map[string, context.CancelFunc]
	// per-project enrichment locks; memory layers are written in chapter order
	enrich   *xsync.Map[string, *sync.Mutex]

	sinksMu sync.RWMutex
	sinks   []EventSink

	// ctx is the manager's own lifetime; runs never inherit a request context
	ctx     context.Context
	cancel  context.CancelFunc
	queue   chan string
	quit    chan struct{}
	wg      sync.WaitGroup
	started atomic.Bool
	closing atomic.Bool
}

// NewManager creates a manager. Call Start before jobs can run.
func NewManager(cfg config.JobsConfig, d Deps) *Manager {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.NewNop()
	}
	if d.Genres == nil {
		d.Genres = genre.NewStore("")
	}
	if cfg.WatchdogTimeout <= 0 {
		cfg.WatchdogTimeout = config.DefaultWatchdogTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:     d.Store,
		assembler: d.Assembler,
		pipeline:  d.Pipeline,
		quality:   d.Quality,
		genres:    d.Genres,
		cfg:       cfg,
		metrics:   d.Metrics,
		logger:    d.Logger.With("component", "jobs"),
		now:       time.Now,
		locks:     xsync.NewMap[string, *sync.Mutex](),
		inflight:  xsync.NewMap[string, context.CancelFunc](),
		enrich:    xsync.NewMap[string, *sync.Mutex](),
		ctx:       ctx,
		cancel:    cancel,
		queue:     make(chan string, max(1, cfg.QueueSize)),
		quit:      make(chan struct{}),
	}
}

// AddSink registers an event sink
func (m *Manager) AddSink(s EventSink) {
	m.sinksMu.Lock()
	defer m.sinksMu.Unlock()
	m.sinks = append(m.sinks, s)
}

func (m *Manager) emit(e Event) {
	m.sinksMu.RLock()
	defer m.sinksMu.RUnlock()
	for _, s := range m.sinks {
		s.Publish(e)
	}
}

func (m *Manager) projectLock(projectID string) *sync.Mutex {
	mu, _ := m.locks.LoadOrStore(projectID, &sync.Mutex{})
	return mu
}

// Create starts a job for the project's next chapter and returns its id
// without waiting for it to run. A project that already has a pending or
// running job gets a ConflictError and no new row.
func (m *Manager) Create(ctx context.Context, projectID string) (string, error) {
	if projectID == "" {
		return "", &domain.ValidationError{Field: "project_id", Message: "is required"}
	}
	if m.closing.Load() {
		return "", errors.New("job manager is shutting down")
	}

	mu := m.projectLock(projectID)
	mu.Lock()
	defer mu.Unlock()

	project, err := m.store.GetProject(ctx, projectID)
	if errors.Is(err, domain.ErrNotFound) {
		return "", &domain.ValidationError{Field: "project_id", Message: fmt.Sprintf("project %s not found", projectID)}
	}
	if err != nil {
		return "", err
	}
	if !project.IsActive() {
		return "", &domain.ValidationError{Field: "project_id", Message: fmt.Sprintf("project %s is %s", projectID, project.Status)}
	}
	if project.IsFinished() {
		return "", &domain.ValidationError{Field: "project_id", Message: fmt.Sprintf("project %s has all %d chapters", projectID, project.TotalChapters)}
	}

	active, err := m.store.GetActiveJob(ctx, projectID)
	switch {
	case err == nil:
		m.metrics.JobConflict()
		return "", &domain.ConflictError{ProjectID: projectID, JobID: active.ID}
	case !errors.Is(err, domain.ErrNotFound):
		return "", err
	}

	job := domain.NewJob(uuid.NewString(), project, m.now().UTC())
	if err := m.store.InsertJob(ctx, job); err != nil {
		// the unique index is the backstop for writers outside this process
		if errors.Is(err, domain.ErrConflict) {
			m.metrics.JobConflict()
		}
		return "", err
	}

	m.metrics.JobCreated()
	m.logger.Info("job created",
		"job_id", job.ID,
		"project_id", projectID,
		"chapter", job.ChapterNumber)
	m.emit(eventFor(EventCreated, job, job.CreatedAt))

	m.enqueue(job.ID)
	return job.ID, nil
}

// Get returns a job, first failing it with a timeout if it has been active
// without a heartbeat for longer than the watchdog timeout
func (m *Manager) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.IsStale(m.now(), m.cfg.WatchdogTimeout) {
		return job, nil
	}

	if _, err := m.expire(ctx, job); err != nil {
		return nil, err
	}
	return m.store.GetJob(ctx, jobID)
}

// expire fails a stale job. It reports whether this call made the transition.
func (m *Manager) expire(ctx context.Context, job *domain.Job) (bool, error) {
	now := m.now().UTC()
	timeoutErr := &domain.TimeoutError{JobID: job.ID, Idle: job.IdleFor(now)}

	ok, err := m.store.TransitionJob(ctx, storage.Transition{
		JobID:        job.ID,
		From:         domain.ActiveStatuses(),
		To:           domain.JobFailed,
		StepMessage:  "timed out",
		ErrorMessage: domain.JobErrorMessage(timeoutErr),
		At:           now,
	})
	if err != nil || !ok {
		return false, err
	}

	m.metrics.WatchdogTimeout()
	m.logger.Warn("watchdog failed stale job",
		"job_id", job.ID,
		"project_id", job.ProjectID,
		"idle", timeoutErr.Idle.String())
	if cancel, found := m.inflight.Load(job.ID); found {
		cancel()
	}

	job.Status = domain.JobFailed
	job.StepMessage = "timed out"
	e := eventFor(EventFailed, job, now)
	e.Error = domain.JobErrorMessage(timeoutErr)
	m.emit(e)
	return true, nil
}

// Sweep applies the watchdog to every stale active job and returns how many
// were failed
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	cutoff := m.now().Add(-m.cfg.WatchdogTimeout).UTC()
	stale, err := m.store.ListJobs(ctx, &storage.JobFilter{
		Statuses:      domain.ActiveStatuses(),
		UpdatedBefore: &cutoff,
		Limit:         recoveryBatch,
	})
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, job := range stale {
		ok, err := m.expire(ctx, job)
		if err != nil {
			return expired, err
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}

// Stop requests that an active job stop. Stopping a job that already
// finished changes nothing.
func (m *Manager) Stop(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return job, nil
	}

	now := m.now().UTC()
	ok, err := m.store.TransitionJob(ctx, storage.Transition{
		JobID:       jobID,
		From:        domain.ActiveStatuses(),
		To:          domain.JobStopped,
		StepMessage: "stopped by request",
		At:          now,
	})
	if err != nil {
		return nil, err
	}
	if ok {
		if cancel, found := m.inflight.Load(jobID); found {
			cancel()
		}
		m.logger.Info("job stopped", "job_id", jobID, "project_id", job.ProjectID)
	}

	job, err = m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if ok {
		m.emit(eventFor(EventStopped, job, now))
	}
	return job, nil
}

// ListJobs returns a project's most recent jobs, newest first
func (m *Manager) ListJobs(ctx context.Context, projectID string, limit int) ([]*domain.Job, error) {
	return m.store.ListJobs(ctx, &storage.JobFilter{ProjectID: projectID, Limit: limit})
}

// Attempts returns the scored drafts of a job in order
func (m *Manager) Attempts(ctx context.Context, jobID string) ([]*domain.Attempt, error) {
	if _, err := m.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return m.store.ListAttempts(ctx, jobID)
}

// fail records err on a job that is still active. It uses its own context so
// a cancelled run can still write its failure.
func (m *Manager) fail(job *domain.Job, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), failTimeout)
	defer cancel()

	now := m.now().UTC()
	msg := domain.JobErrorMessage(cause)
	ok, err := m.store.TransitionJob(ctx, storage.Transition{
		JobID:        job.ID,
		From:         domain.ActiveStatuses(),
		To:           domain.JobFailed,
		StepMessage:  "failed",
		ErrorMessage: msg,
		At:           now,
	})
	if err != nil {
		m.logger.Error("failed to record job failure", "job_id", job.ID, "cause", cause, "error", err)
		return
	}
	if !ok {
		return
	}

	m.logger.Warn("job failed",
		"job_id", job.ID,
		"project_id", job.ProjectID,
		"chapter", job.ChapterNumber,
		"code", domain.ErrorCode(cause),
		"error", cause)
	job.Status = domain.JobFailed
	job.StepMessage = "failed"
	e := eventFor(EventFailed, job, now)
	e.Error = msg
	m.emit(e)
}
