package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/robertguss/serialforge/internal/domain"
	"github.com/robertguss/serialforge/internal/pipeline"
	"github.com/robertguss/serialforge/internal/quality"
	"github.com/robertguss/serialforge/internal/storage"
	"github.com/robertguss/serialforge/internal/style"
)

// ErrInterrupted is recorded on running jobs found by Start: their process died
var ErrInterrupted = errors.New("interrupted by process restart")

// Start launches the worker pool, fails jobs left running by a previous
// process and re-queues jobs that never started
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return errors.New("job manager already started")
	}

	workers := max(1, m.cfg.Workers)
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.worker(i)
	}

	orphans, err := m.store.ListJobs(ctx, &storage.JobFilter{
		Statuses: []domain.JobStatus{domain.JobRunning},
		Limit:    recoveryBatch,
	})
	if err != nil {
		return fmt.Errorf("listing orphaned jobs: %w", err)
	}
	for _, job := range orphans {
		m.fail(job, ErrInterrupted)
	}

	pending, err := m.store.ListJobs(ctx, &storage.JobFilter{
		Statuses: []domain.JobStatus{domain.JobPending},
		Limit:    recoveryBatch,
	})
	if err != nil {
		return fmt.Errorf("listing pending jobs: %w", err)
	}
	// oldest first
	slices.Reverse(pending)
	for _, job := range pending {
		m.enqueue(job.ID)
	}

	if m.cfg.SweepInterval > 0 {
		m.wg.Add(1)
		go m.sweepLoop()
	}

	m.logger.Info("job manager started",
		"workers", workers,
		"orphans_failed", len(orphans),
		"pending_requeued", len(pending))
	return nil
}

// Shutdown stops taking queued jobs and waits for in-flight runs. When ctx
// ends first the runs are cancelled; their jobs are failed.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.closing.CompareAndSwap(false, true) {
		return nil
	}
	close(m.quit)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.cancel()
		<-done
		return ctx.Err()
	}
}

// enqueue hands a job to the pool without blocking the caller
func (m *Manager) enqueue(jobID string) {
	select {
	case m.queue <- jobID:
		return
	default:
	}

	m.logger.Warn("job queue full, waiting for a free slot", "job_id", jobID)
	go func() {
		select {
		case m.queue <- jobID:
		case <-m.quit:
		}
	}()
}

func (m *Manager) worker(id int) {
	defer m.wg.Done()
	logger := m.logger.With("worker", id)
	for {
		select {
		case <-m.quit:
			return
		case jobID := <-m.queue:
			logger.Debug("picked up job", "job_id", jobID)
			m.execute(jobID)
		}
	}
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.quit:
			return
		case <-ticker.C:
			n, err := m.Sweep(m.ctx)
			if err != nil {
				m.logger.Error("watchdog sweep failed", "error", err)
				continue
			}
			if n > 0 {
				m.logger.Info("watchdog sweep failed stale jobs", "count", n)
			}
		}
	}
}

// execute runs one job under a cancel func that Stop and the watchdog can reach
func (m *Manager) execute(jobID string) {
	ctx, cancel := context.WithCancel(m.ctx)
	defer cancel()
	m.inflight.Store(jobID, cancel)
	defer m.inflight.Delete(jobID)

	start := time.Now()
	m.metrics.RunStarted()
	status := m.run(ctx, jobID)
	m.metrics.RunFinished(string(status), time.Since(start))
}

// run drives one job from pending to a terminal status and returns the status
// it ended in. Panics are recovered and recorded as failures.
func (m *Manager) run(ctx context.Context, jobID string) (status domain.JobStatus) {
	logger := m.logger.With("job_id", jobID)

	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		logger.Error("failed to load queued job", "error", err)
		return domain.JobFailed
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("job run panicked", "panic", r, "stack", string(debug.Stack()))
			m.fail(job, fmt.Errorf("panic: %v", r))
			status = domain.JobFailed
		}
	}()

	now := m.now().UTC()
	ok, err := m.store.TransitionJob(ctx, storage.Transition{
		JobID:       jobID,
		From:        []domain.JobStatus{domain.JobPending},
		To:          domain.JobRunning,
		StepMessage: "starting",
		At:          now,
	})
	if err != nil {
		m.fail(job, err)
		return domain.JobFailed
	}
	if !ok {
		logger.Info("job is no longer pending, skipping")
		return m.statusOf(job)
	}
	job.Status = domain.JobRunning
	job.StepMessage = "starting"
	m.emit(eventFor(EventStarted, job, now))

	logger = logger.With("project_id", job.ProjectID, "chapter", job.ChapterNumber)
	obs := &runObserver{m: m, job: job}

	if err := obs.heartbeat(ctx, domain.ProgressStarted, "assembling context"); err != nil {
		return m.abort(job, err)
	}
	payload, err := m.assembler.Build(ctx, job.ProjectID, job.ChapterNumber)
	if err != nil {
		return m.abort(job, err)
	}
	project, err := m.store.GetProject(ctx, job.ProjectID)
	if err != nil {
		return m.abort(job, err)
	}

	rules := m.genres.Get(project.Genre)
	target := project.TargetWordCount
	if target <= 0 {
		target = rules.TargetWordCount
	}

	res, err := m.pipeline.Run(ctx, pipeline.Input{
		JobID:       job.ID,
		Payload:     payload,
		Rules:       rules,
		TargetWords: target,
	}, obs)
	if err != nil {
		return m.abort(job, err)
	}

	if err := obs.heartbeat(ctx, domain.ProgressPersisted, "saving chapter"); err != nil {
		return m.abort(job, err)
	}
	chapter := m.newChapter(job, res)
	if err := m.store.CompleteJob(ctx, job.ID, chapter, m.now().UTC()); err != nil {
		return m.abort(job, err)
	}

	job.Status = domain.JobCompleted
	job.Progress = domain.ProgressFinished
	job.StepMessage = fmt.Sprintf("chapter %d written", chapter.Number)
	e := eventFor(EventCompleted, job, m.now().UTC())
	e.Attempt = res.Attempts
	e.Score = res.Review.Score
	m.emit(e)
	logger.Info("chapter accepted",
		"title", chapter.Title,
		"words", chapter.WordCount,
		"score", chapter.Score,
		"attempts", res.Attempts,
		"best_effort", res.BestEffort)

	if m.quality != nil {
		project.CurrentChapter = chapter.Number
		// the job is already committed; enrichment outlives a stop request
		m.enrichChapter(quality.Input{Project: project, Chapter: chapter, Outline: res.Outline})
	}
	return domain.JobCompleted
}

// enrichChapter runs the quality modules, one chapter per project at a time
func (m *Manager) enrichChapter(in quality.Input) {
	mu, _ := m.enrich.LoadOrStore(in.Project.ID, &sync.Mutex{})
	mu.Lock()
	defer mu.Unlock()
	m.quality.Run(m.ctx, in)
}

// abort settles a run that ended early. A run cut short by Stop or the
// watchdog keeps the status they wrote; anything else fails the job.
func (m *Manager) abort(job *domain.Job, err error) domain.JobStatus {
	if errors.Is(err, domain.ErrStopped) || errors.Is(err, context.Canceled) || errors.Is(err, storage.ErrNotRunning) {
		if status := m.statusOf(job); status.IsTerminal() {
			m.logger.Info("job run ended early",
				"job_id", job.ID,
				"status", string(status),
				"reason", err)
			return status
		}
	}
	m.fail(job, err)
	return domain.JobFailed
}

// statusOf reads the stored status, ignoring the run's own context
func (m *Manager) statusOf(job *domain.Job) domain.JobStatus {
	ctx, cancel := context.WithTimeout(context.Background(), failTimeout)
	defer cancel()
	current, err := m.store.GetJob(ctx, job.ID)
	if err != nil {
		return job.Status
	}
	return current.Status
}

func (m *Manager) newChapter(job *domain.Job, res *pipeline.Result) *domain.Chapter {
	return &domain.Chapter{
		ID:          uuid.NewString(),
		ProjectID:   job.ProjectID,
		JobID:       job.ID,
		Number:      job.ChapterNumber,
		Title:       res.Draft.Title,
		Content:     res.Draft.Content,
		WordCount:   res.Review.WordCount,
		Score:       res.Review.Score,
		Opening:     style.FirstSentence(res.Draft.Content),
		Cliffhanger: style.LastSentence(res.Draft.Content),
		CreatedAt:   m.now().UTC(),
	}
}

// runObserver persists pipeline progress and attempts, and turns a stop or
// watchdog failure into ErrStopped at the next checkpoint
type runObserver struct {
	m   *Manager
	job *domain.Job
}

var _ pipeline.Observer = (*runObserver)(nil)

func (o *runObserver) heartbeat(ctx context.Context, progress int, step string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := o.m.now().UTC()
	ok, err := o.m.store.UpdateJobProgress(ctx, o.job.ID, progress, step, now)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrStopped
	}

	o.job.Progress = max(o.job.Progress, progress)
	o.job.StepMessage = step
	o.m.emit(eventFor(EventProgress, o.job, now))
	return nil
}

func (o *runObserver) Progress(ctx context.Context, state pipeline.State, _ int, progress int, step string) error {
	return o.heartbeat(ctx, progress, fmt.Sprintf("%s: %s", state, step))
}

func (o *runObserver) Attempt(ctx context.Context, a *domain.Attempt) error {
	if err := o.m.store.RecordAttempt(ctx, a); err != nil {
		return err
	}
	o.job.Attempts = a.Number

	e := eventFor(EventAttempt, o.job, a.CreatedAt)
	e.Attempt = a.Number
	e.Score = a.Score
	o.m.emit(e)
	return nil
}
