package jobs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertguss/serialforge/internal/assembler"
	"github.com/robertguss/serialforge/internal/backend"
	"github.com/robertguss/serialforge/internal/config"
	"github.com/robertguss/serialforge/internal/domain"
	"github.com/robertguss/serialforge/internal/logging"
	"github.com/robertguss/serialforge/internal/pipeline"
	"github.com/robertguss/serialforge/internal/quality"
	"github.com/robertguss/serialforge/internal/storage"
	"github.com/robertguss/serialforge/internal/testutil"
)

const waitFor = 5 * time.Second

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Publish(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) types(jobID string) []EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []EventType
	for _, e := range l.events {
		if e.JobID == jobID {
			out = append(out, e.Type)
		}
	}
	return out
}

func (l *eventLog) progress(jobID string) []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []int
	for _, e := range l.events {
		if e.JobID == jobID && e.Type == EventProgress {
			out = append(out, e.Progress)
		}
	}
	return out
}

type harness struct {
	m      *Manager
	store  *storage.SQLiteStorage
	events *eventLog
}

func newHarness(t *testing.T, b backend.Backend) *harness {
	t.Helper()

	cfg := testutil.NewTestConfig(t)
	s := testutil.NewTestStorage(t)
	logger := logging.Discard()

	m := NewManager(cfg.Jobs, Deps{
		Store:     s,
		Assembler: assembler.New(s, cfg.Context, logger),
		Pipeline:  pipeline.New(b, cfg.Pipeline, nil, logger),
		Quality:   quality.NewRunner(s, b, cfg.Quality, nil, logger),
		Logger:    logger,
	})
	events := &eventLog{}
	m.AddSink(events)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return &harness{m: m, store: s, events: events}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.m.Start(context.Background()))
}

func (h *harness) waitStatus(t *testing.T, jobID string, want domain.JobStatus) *domain.Job {
	t.Helper()
	var job *domain.Job
	require.Eventually(t, func() bool {
		j, err := h.store.GetJob(context.Background(), jobID)
		if err != nil {
			return false
		}
		job = j
		return j.Status == want
	}, waitFor, 10*time.Millisecond, "job %s never reached %s", jobID, want)
	return job
}

func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return h.m.inflight.Size() == 0 }, waitFor, 10*time.Millisecond)
}

// insertJob stores a job directly, bypassing Create
func (h *harness) insertJob(t *testing.T, p *domain.Project, status domain.JobStatus, updated time.Time) *domain.Job {
	t.Helper()
	job := domain.NewJob(uuid.NewString(), p, updated)
	job.Status = status
	require.NoError(t, h.store.InsertJob(context.Background(), job))
	return job
}

func (h *harness) currentChapter(t *testing.T, projectID string) int {
	t.Helper()
	p, err := h.store.GetProject(context.Background(), projectID)
	require.NoError(t, err)
	return p.CurrentChapter
}

func TestCreate_Validation(t *testing.T) {
	h := newHarness(t, backend.NewScripted())
	ctx := context.Background()

	paused := testutil.CreateTestProject(t, h.store, testutil.WithStatus(domain.ProjectPaused))
	finished := testutil.CreateTestProject(t, h.store, testutil.WithTotalChapters(2))
	testutil.SeedChapters(t, h.store, finished.ID, 2)

	tests := []struct {
		name      string
		projectID string
	}{
		{"empty id", ""},
		{"unknown project", "no-such-project"},
		{"paused project", paused.ID},
		{"every chapter written", finished.ID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := h.m.Create(ctx, tt.projectID)
			assert.Empty(t, id)
			assert.ErrorIs(t, err, domain.ErrValidation)
			assert.Equal(t, domain.CodeValidation, domain.ErrorCode(err))
		})
	}
}

func TestCreate_Conflict(t *testing.T) {
	h := newHarness(t, backend.NewScripted())
	ctx := context.Background()
	p := testutil.CreateTestProject(t, h.store)

	// not started: the first job stays pending
	first, err := h.m.Create(ctx, p.ID)
	require.NoError(t, err)

	_, err = h.m.Create(ctx, p.ID)
	require.ErrorIs(t, err, domain.ErrConflict)
	var conflict *domain.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, first, conflict.JobID)

	jobs, err := h.m.ListJobs(ctx, p.ID, 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 1, "a conflicting create inserts no row")

	job, err := h.m.Get(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, job.Status)
	assert.Equal(t, 1, job.ChapterNumber)
}

func TestCreate_ConcurrentCallers(t *testing.T) {
	h := newHarness(t, backend.NewScripted())
	p := testutil.CreateTestProject(t, h.store)

	const callers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		created   int
		conflicts int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.m.Create(context.Background(), p.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, domain.ErrConflict):
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, callers-1, conflicts)
}

func TestRun_WritesChapter(t *testing.T) {
	h := newHarness(t, backend.NewScripted())
	h.start(t)
	ctx := context.Background()
	p := testutil.CreateTestProject(t, h.store)

	id, err := h.m.Create(ctx, p.ID)
	require.NoError(t, err)

	job := h.waitStatus(t, id, domain.JobCompleted)
	h.waitIdle(t)
	assert.Equal(t, domain.ProgressFinished, job.Progress)
	assert.Equal(t, 1, job.Attempts)
	assert.Empty(t, job.ErrorMessage)

	ch, err := h.store.GetChapter(ctx, p.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, backend.MockTitle(1), ch.Title)
	assert.Equal(t, id, ch.JobID)
	assert.NotEmpty(t, ch.Opening)
	assert.NotEmpty(t, ch.Cliffhanger)
	assert.Equal(t, 1, h.currentChapter(t, p.ID))

	attempts, err := h.m.Attempts(ctx, id)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.True(t, attempts[0].Accepted)

	t.Run("events in lifecycle order", func(t *testing.T) {
		types := h.events.types(id)
		require.NotEmpty(t, types)
		assert.Equal(t, EventCreated, types[0])
		assert.Equal(t, EventStarted, types[1])
		assert.Equal(t, EventCompleted, types[len(types)-1])
		assert.Contains(t, types, EventAttempt)
	})

	t.Run("progress never decreases", func(t *testing.T) {
		progress := h.events.progress(id)
		require.NotEmpty(t, progress)
		for i := 1; i < len(progress); i++ {
			assert.GreaterOrEqual(t, progress[i], progress[i-1])
		}
	})

	t.Run("quality modules run after acceptance", func(t *testing.T) {
		require.Eventually(t, func() bool {
			_, err := h.store.GetMemory(ctx, p.ID, domain.LayerSynopsis)
			return err == nil
		}, waitFor, 10*time.Millisecond)
	})

	t.Run("next job writes the next chapter", func(t *testing.T) {
		h.waitIdle(t)
		next, err := h.m.Create(ctx, p.ID)
		require.NoError(t, err)
		job := h.waitStatus(t, next, domain.JobCompleted)
		assert.Equal(t, 2, job.ChapterNumber)
		assert.Equal(t, 2, h.currentChapter(t, p.ID))
	})
}

func TestRun_ProjectWordTarget(t *testing.T) {
	b := backend.NewScripted()
	h := newHarness(t, b)
	h.start(t)
	ctx := context.Background()
	p := testutil.CreateTestProject(t, h.store, testutil.WithTargetWords(1500))

	id, err := h.m.Create(ctx, p.ID)
	require.NoError(t, err)
	h.waitStatus(t, id, domain.JobCompleted)
	h.waitIdle(t)

	sceneWords := 0
	for _, c := range b.Calls() {
		switch c.Stage {
		case backend.StagePlan:
			assert.Equal(t, 1500, c.TargetWords)
		case backend.StageScene:
			sceneWords += c.TargetWords
		}
	}
	assert.Equal(t, 1500, sceneWords)
}

func TestRun_RetriesThenAccepts(t *testing.T) {
	short := `{"title":"The Broken Crown","content":"Far too short."}`
	b := backend.NewScripted().
		PushContent(backend.StageScene, "Too short.", "Still short.", "Barely anything.").
		PushContent(backend.StageRewrite, short)
	h := newHarness(t, b)
	h.start(t)
	ctx := context.Background()
	p := testutil.CreateTestProject(t, h.store)

	id, err := h.m.Create(ctx, p.ID)
	require.NoError(t, err)
	job := h.waitStatus(t, id, domain.JobCompleted)

	assert.Equal(t, 3, job.Attempts)
	chapters, err := h.store.ListChapters(ctx, storage.ChapterQuery{ProjectID: p.ID, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, chapters, 1, "three attempts still write exactly one chapter")

	attempts, err := h.m.Attempts(ctx, id)
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	assert.False(t, attempts[0].Accepted)
	assert.False(t, attempts[1].Accepted)
	assert.True(t, attempts[2].Accepted)
}

func TestRun_Failures(t *testing.T) {
	t.Run("quality rejection after the attempt budget", func(t *testing.T) {
		b := backend.NewScripted().
			PushContent(backend.StageScene, "Short.", "Short.", "Short.").
			PushContent(backend.StageRewrite, `{"title":"A","content":"Short."}`, `{"title":"B","content":"Short."}`)
		h := newHarness(t, b)
		h.start(t)
		p := testutil.CreateTestProject(t, h.store)

		id, err := h.m.Create(context.Background(), p.ID)
		require.NoError(t, err)
		job := h.waitStatus(t, id, domain.JobFailed)

		assert.True(t, strings.HasPrefix(job.ErrorMessage, domain.CodeQualityRejected+": "), job.ErrorMessage)
		assert.Equal(t, 3, job.Attempts)
		assert.Zero(t, h.currentChapter(t, p.ID))
	})

	t.Run("backend failure", func(t *testing.T) {
		b := backend.NewScripted().Push(backend.StagePlan, backend.Reply{Err: errors.New("provider down")})
		h := newHarness(t, b)
		h.start(t)
		p := testutil.CreateTestProject(t, h.store)

		id, err := h.m.Create(context.Background(), p.ID)
		require.NoError(t, err)
		job := h.waitStatus(t, id, domain.JobFailed)
		h.waitIdle(t)

		assert.True(t, strings.HasPrefix(job.ErrorMessage, domain.CodeGeneration+": "), job.ErrorMessage)
		assert.Contains(t, job.ErrorMessage, "provider down")
		assert.Contains(t, h.events.types(id), EventFailed)
	})

	t.Run("panic in a run is recorded", func(t *testing.T) {
		h := newHarness(t, panicBackend{})
		h.start(t)
		p := testutil.CreateTestProject(t, h.store)

		id, err := h.m.Create(context.Background(), p.ID)
		require.NoError(t, err)
		job := h.waitStatus(t, id, domain.JobFailed)
		assert.Contains(t, job.ErrorMessage, "panic")

		// the worker survives
		h.waitIdle(t)
		other := testutil.CreateTestProject(t, h.store)
		id2, err := h.m.Create(context.Background(), other.ID)
		require.NoError(t, err)
		h.waitStatus(t, id2, domain.JobFailed)
	})

	t.Run("quality module failure leaves the job completed", func(t *testing.T) {
		b := backend.NewScripted().Push(backend.StageSynopsis, backend.Reply{Err: errors.New("enrichment down")})
		h := newHarness(t, b)
		h.start(t)
		p := testutil.CreateTestProject(t, h.store)

		id, err := h.m.Create(context.Background(), p.ID)
		require.NoError(t, err)
		h.waitStatus(t, id, domain.JobCompleted)
		h.waitIdle(t)

		job, err := h.m.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, domain.JobCompleted, job.Status)
		assert.Empty(t, job.ErrorMessage)
	})
}

type panicBackend struct{}

func (panicBackend) Generate(context.Context, backend.Request) (*backend.Response, error) {
	panic("backend exploded")
}

func TestStop(t *testing.T) {
	ctx := context.Background()

	t.Run("stopping an in-flight job persists no chapter", func(t *testing.T) {
		b := backend.NewScripted()
		release := b.Block(backend.StageScene)
		defer release()

		h := newHarness(t, b)
		h.start(t)
		p := testutil.CreateTestProject(t, h.store)

		id, err := h.m.Create(ctx, p.ID)
		require.NoError(t, err)
		require.Eventually(t, func() bool { return b.CallCount(backend.StageScene) > 0 }, waitFor, 10*time.Millisecond)

		job, err := h.m.Stop(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStopped, job.Status)

		release()
		h.waitIdle(t)

		job, err = h.m.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStopped, job.Status)
		assert.Empty(t, job.ErrorMessage)

		_, err = h.store.GetChapter(ctx, p.ID, 1)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.Zero(t, h.currentChapter(t, p.ID))
		assert.Contains(t, h.events.types(id), EventStopped)
	})

	t.Run("a stopped pending job never runs", func(t *testing.T) {
		b := backend.NewScripted()
		h := newHarness(t, b)
		p := testutil.CreateTestProject(t, h.store)

		id, err := h.m.Create(ctx, p.ID)
		require.NoError(t, err)
		_, err = h.m.Stop(ctx, id)
		require.NoError(t, err)

		h.start(t)
		h.waitIdle(t)
		assert.Zero(t, b.CallCount(backend.StagePlan))

		job, err := h.m.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStopped, job.Status)

		// the slot is free again
		_, err = h.m.Create(ctx, p.ID)
		assert.NoError(t, err)
	})

	t.Run("stopping a finished job changes nothing", func(t *testing.T) {
		h := newHarness(t, backend.NewScripted())
		p := testutil.CreateTestProject(t, h.store)
		testutil.SeedChapters(t, h.store, p.ID, 1)

		jobs, err := h.m.ListJobs(ctx, p.ID, 1)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		before := jobs[0]

		after, err := h.m.Stop(ctx, before.ID)
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})

	t.Run("unknown job", func(t *testing.T) {
		h := newHarness(t, backend.NewScripted())
		_, err := h.m.Stop(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestWatchdog(t *testing.T) {
	ctx := context.Background()

	t.Run("get fails a job idle past the timeout", func(t *testing.T) {
		h := newHarness(t, backend.NewScripted())
		p := testutil.CreateTestProject(t, h.store)
		job := h.insertJob(t, p, domain.JobRunning, time.Now().Add(-16*time.Minute))

		got, err := h.m.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobFailed, got.Status)
		assert.True(t, strings.HasPrefix(got.ErrorMessage, domain.CodeTimeout+": "), got.ErrorMessage)
		assert.Contains(t, h.events.types(job.ID), EventFailed)
	})

	t.Run("a recent heartbeat keeps the job alive", func(t *testing.T) {
		h := newHarness(t, backend.NewScripted())
		p := testutil.CreateTestProject(t, h.store)
		job := h.insertJob(t, p, domain.JobRunning, time.Now().Add(-14*time.Minute))

		got, err := h.m.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobRunning, got.Status)
	})

	t.Run("timeout is measured from the manager clock", func(t *testing.T) {
		h := newHarness(t, backend.NewScripted())
		p := testutil.CreateTestProject(t, h.store)
		job := h.insertJob(t, p, domain.JobPending, time.Now())
		h.m.now = func() time.Time { return time.Now().Add(16 * time.Minute) }

		got, err := h.m.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobFailed, got.Status)
	})

	t.Run("sweep fails every stale job once", func(t *testing.T) {
		h := newHarness(t, backend.NewScripted())
		stale := time.Now().Add(-time.Hour)
		for i := 0; i < 2; i++ {
			h.insertJob(t, testutil.CreateTestProject(t, h.store), domain.JobRunning, stale)
		}
		h.insertJob(t, testutil.CreateTestProject(t, h.store), domain.JobRunning, time.Now())

		n, err := h.m.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = h.m.Sweep(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestStart_Recovery(t *testing.T) {
	h := newHarness(t, backend.NewScripted())
	ctx := context.Background()

	orphanProject := testutil.CreateTestProject(t, h.store)
	orphan := h.insertJob(t, orphanProject, domain.JobRunning, time.Now())
	queuedProject := testutil.CreateTestProject(t, h.store)
	queued := h.insertJob(t, queuedProject, domain.JobPending, time.Now())

	h.start(t)

	got := h.waitStatus(t, orphan.ID, domain.JobFailed)
	assert.Contains(t, got.ErrorMessage, ErrInterrupted.Error())

	h.waitStatus(t, queued.ID, domain.JobCompleted)
	assert.Equal(t, 1, h.currentChapter(t, queuedProject.ID))

	assert.Error(t, h.m.Start(ctx), "a second start is rejected")
}

func TestShutdown(t *testing.T) {
	b := backend.NewScripted()
	release := b.Block(backend.StageScene)
	defer release()

	h := newHarness(t, b)
	h.start(t)
	p := testutil.CreateTestProject(t, h.store)
	id, err := h.m.Create(context.Background(), p.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return b.CallCount(backend.StageScene) > 0 }, waitFor, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.m.Shutdown(ctx), context.DeadlineExceeded)

	job := h.waitStatus(t, id, domain.JobFailed)
	assert.Zero(t, h.currentChapter(t, p.ID))
	assert.NotEmpty(t, job.ErrorMessage)

	_, err = h.m.Create(context.Background(), p.ID)
	assert.Error(t, err, "no new jobs after shutdown")
}

func TestNewManager_Defaults(t *testing.T) {
	m := NewManager(config.JobsConfig{}, Deps{})
	assert.Equal(t, config.DefaultWatchdogTimeout, m.cfg.WatchdogTimeout)
	assert.Equal(t, 1, cap(m.queue))
}
