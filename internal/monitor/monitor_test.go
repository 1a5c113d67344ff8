package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertguss/serialforge/internal/domain"
	"github.com/robertguss/serialforge/internal/storage"
)

type fakeSource struct {
	jobs     []*domain.Job
	stats    *storage.Stats
	err      error
	lastLim  int
	listHits int
}

func (f *fakeSource) ListJobs(_ context.Context, filter *storage.JobFilter) ([]*domain.Job, error) {
	f.listHits++
	f.lastLim = filter.Limit
	if f.err != nil {
		return nil, f.err
	}
	return f.jobs, nil
}

func (f *fakeSource) GetStats(context.Context) (*storage.Stats, error) {
	return f.stats, nil
}

var fixedNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func sampleSource() *fakeSource {
	return &fakeSource{
		jobs: []*domain.Job{
			{ID: "job-3", ProjectID: "ashfall", ChapterNumber: 3, Status: domain.JobRunning, Progress: 60,
				StepMessage: "generating draft", CreatedAt: fixedNow.Add(-2 * time.Minute), UpdatedAt: fixedNow.Add(-10 * time.Second)},
			{ID: "job-2", ProjectID: "ashfall", ChapterNumber: 2, Status: domain.JobFailed, Progress: 40,
				ErrorMessage: "backend unavailable", CreatedAt: fixedNow.Add(-time.Hour), UpdatedAt: fixedNow.Add(-50 * time.Minute)},
			{ID: "job-1", ProjectID: "ashfall", ChapterNumber: 1, Status: domain.JobCompleted, Progress: 100,
				StepMessage: "done", CreatedAt: fixedNow.Add(-3 * time.Hour), UpdatedAt: fixedNow.Add(-170 * time.Minute)},
		},
		stats: &storage.Stats{TotalJobs: 3, CompletedCount: 1, FailedCount: 1, ActiveCount: 1, SuccessRate: 50, TotalChapters: 1, TotalWords: 3200},
	}
}

func newModel(src Source) Model {
	m := New(src, Options{Limit: 10})
	m.now = func() time.Time { return fixedNow }
	return m
}

// loaded runs the model's load command and feeds the result back in
func loaded(t *testing.T, m Model) Model {
	t.Helper()
	msg := m.load()()
	require.IsType(t, loadedMsg{}, msg)
	next, _ := m.Update(msg)
	return next.(Model)
}

func press(m Model, key string) (Model, tea.Cmd) {
	var msg tea.KeyMsg
	switch key {
	case "up":
		msg = tea.KeyMsg{Type: tea.KeyUp}
	case "down":
		msg = tea.KeyMsg{Type: tea.KeyDown}
	case "ctrl+c":
		msg = tea.KeyMsg{Type: tea.KeyCtrlC}
	default:
		msg = tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(key)}
	}
	next, cmd := m.Update(msg)
	return next.(Model), cmd
}

func TestNew_Defaults(t *testing.T) {
	m := New(&fakeSource{}, Options{})
	assert.Equal(t, defaultInterval, m.interval)
	assert.Equal(t, defaultLimit, m.limit)
	assert.Equal(t, "catppuccin", m.styles.Theme.Name)
	assert.True(t, m.loading)
	assert.Contains(t, m.View(), "Loading")
}

func TestLoad(t *testing.T) {
	src := sampleSource()
	m := loaded(t, newModel(src))

	assert.False(t, m.loading)
	assert.Len(t, m.jobs, 3)
	assert.Equal(t, 10, src.lastLim)
	assert.Equal(t, fixedNow, m.lastRefresh)

	view := m.View()
	assert.Contains(t, view, "running")
	assert.Contains(t, view, "generating draft")
	assert.Contains(t, view, "#3")
	assert.Contains(t, view, "Active:")
	assert.Contains(t, view, "job-3")
}

func TestLoad_Error(t *testing.T) {
	src := sampleSource()
	m := loaded(t, newModel(src))

	src.err = errors.New("database is locked")
	m = loaded(t, m)

	// the last good snapshot stays on screen
	assert.Len(t, m.jobs, 3)
	assert.Contains(t, m.View(), "database is locked")
}

func TestNavigation(t *testing.T) {
	m := loaded(t, newModel(sampleSource()))
	require.Equal(t, "job-3", m.Selected().ID)

	m, _ = press(m, "down")
	assert.Equal(t, "job-2", m.Selected().ID)
	assert.Contains(t, m.View(), "backend unavailable")

	m, _ = press(m, "j")
	m, _ = press(m, "down")
	assert.Equal(t, "job-1", m.Selected().ID, "cursor stops at the last row")

	m, _ = press(m, "up")
	assert.Equal(t, "job-2", m.Selected().ID)

	m, _ = press(m, "g")
	assert.Equal(t, "job-3", m.Selected().ID)

	m, _ = press(m, "G")
	assert.Equal(t, "job-1", m.Selected().ID)
}

func TestCursorClampedWhenListShrinks(t *testing.T) {
	src := sampleSource()
	m := loaded(t, newModel(src))
	m, _ = press(m, "G")

	src.jobs = src.jobs[:1]
	m = loaded(t, m)
	assert.Equal(t, "job-3", m.Selected().ID)
}

func TestScrollFollowsCursor(t *testing.T) {
	src := &fakeSource{stats: &storage.Stats{}}
	for i := 0; i < 20; i++ {
		src.jobs = append(src.jobs, &domain.Job{ID: "job", Status: domain.JobCompleted, ChapterNumber: i + 1})
	}
	m := loaded(t, newModel(src))
	next, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: chromeHeight + 5})
	m = next.(Model)

	for i := 0; i < 7; i++ {
		m, _ = press(m, "down")
	}
	assert.Equal(t, 7, m.cursor)
	assert.Equal(t, 3, m.scroll)

	m, _ = press(m, "g")
	assert.Zero(t, m.scroll)
}

func TestRefreshAndQuit(t *testing.T) {
	src := sampleSource()
	m := loaded(t, newModel(src))

	m, cmd := press(m, "r")
	require.NotNil(t, cmd)
	assert.True(t, m.loading)
	assert.Contains(t, m.View(), "refreshing")

	next, _ := m.Update(cmd())
	m = next.(Model)
	assert.False(t, m.loading)
	assert.Equal(t, 2, src.listHits)

	for _, key := range []string{"q", "ctrl+c"} {
		_, cmd := press(m, key)
		require.NotNil(t, cmd, key)
		assert.IsType(t, tea.QuitMsg{}, cmd(), key)
	}
}

func TestTickReloads(t *testing.T) {
	src := sampleSource()
	m := newModel(src)

	_, cmd := m.Update(tickMsg(fixedNow))
	assert.NotNil(t, cmd)
}

func TestRenderProgressBar(t *testing.T) {
	m := newModel(&fakeSource{})

	tests := []struct {
		percent float64
		want    string
	}{
		{0, "----------"},
		{50, "=====-----"},
		{100, "=========="},
		{150, "=========="},
		{-10, "----------"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, m.renderProgressBar(tt.percent, 10))
	}
}
