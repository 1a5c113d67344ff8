// Package monitor is a terminal dashboard over the job store. It polls
// recent jobs and aggregate stats and renders them with the shared theme.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/robertguss/serialforge/internal/components/header"
	"github.com/robertguss/serialforge/internal/components/statusbar"
	"github.com/robertguss/serialforge/internal/domain"
	"github.com/robertguss/serialforge/internal/storage"
	"github.com/robertguss/serialforge/internal/theme"
	"github.com/robertguss/serialforge/internal/util"
)

const (
	defaultInterval = 2 * time.Second
	defaultLimit    = 50
	loadTimeout     = 5 * time.Second
	chromeHeight    = 9 // header, summary, table header, detail, status bar
)

// Source is the read side of the store the monitor polls
type Source interface {
	ListJobs(ctx context.Context, filter *storage.JobFilter) ([]*domain.Job, error)
	GetStats(ctx context.Context) (*storage.Stats, error)
}

// Options configure the monitor
type Options struct {
	Interval time.Duration
	Limit    int
	Theme    theme.Theme
}

type tickMsg time.Time

type loadedMsg struct {
	jobs  []*domain.Job
	stats *storage.Stats
	err   error
	at    time.Time
}

// Model is the monitor's bubbletea model
type Model struct {
	source   Source
	interval time.Duration
	limit    int
	styles   theme.Styles
	now      func() time.Time

	header    header.Model
	statusbar statusbar.Model

	width  int
	height int

	jobs        []*domain.Job
	stats       *storage.Stats
	cursor      int
	scroll      int
	loading     bool
	lastRefresh time.Time
}

// New creates a monitor model reading from src
func New(src Source, opts Options) Model {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Limit <= 0 {
		opts.Limit = defaultLimit
	}
	if opts.Theme.Name == "" {
		opts.Theme = theme.Catppuccin
	}
	styles := theme.NewStyles(opts.Theme)
	m := Model{
		source:    src,
		interval:  opts.Interval,
		limit:     opts.Limit,
		styles:    styles,
		now:       time.Now,
		header:    header.New(styles, "serialforge monitor"),
		statusbar: statusbar.New(styles),
		loading:   true,
		width:     100,
		height:    30,
	}
	m.header.SetWidth(m.width)
	m.statusbar.SetWidth(m.width)
	return m
}

// Run starts the monitor in the alternate screen until the user quits or ctx ends
func Run(ctx context.Context, src Source, opts Options) error {
	p := tea.NewProgram(New(src, opts), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}

// Init loads the first snapshot and starts the poll timer
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.load(), m.tick())
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) load() tea.Cmd {
	src, limit, now := m.source, m.limit, m.now
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
		defer cancel()

		list, err := src.ListJobs(ctx, &storage.JobFilter{Limit: limit})
		if err != nil {
			return loadedMsg{err: fmt.Errorf("listing jobs: %w", err), at: now()}
		}
		stats, err := src.GetStats(ctx)
		if err != nil {
			return loadedMsg{err: fmt.Errorf("loading stats: %w", err), at: now()}
		}
		return loadedMsg{jobs: list, stats: stats, at: now()}
	}
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.header.SetWidth(msg.Width)
		m.statusbar.SetWidth(msg.Width)
		m.clampScroll()

	case tickMsg:
		return m, tea.Batch(m.load(), m.tick())

	case loadedMsg:
		m.loading = false
		m.lastRefresh = msg.at
		m.header.SetDetail("updated " + msg.at.Local().Format("15:04:05"))
		if msg.err != nil {
			m.statusbar.SetError(msg.err)
			return m, nil
		}
		m.statusbar.ClearMessage()
		m.jobs = msg.jobs
		m.stats = msg.stats
		m.statusbar.SetJobCounts(msg.stats.ActiveCount, msg.stats.CompletedCount, msg.stats.FailedCount)
		if m.cursor >= len(m.jobs) {
			m.cursor = max(len(m.jobs)-1, 0)
		}
		m.clampScroll()
	}

	return m, nil
}

func (m Model) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c", "esc":
		return m, tea.Quit

	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}

	case "down", "j":
		if m.cursor < len(m.jobs)-1 {
			m.cursor++
		}

	case "home", "g":
		m.cursor = 0

	case "end", "G":
		m.cursor = max(len(m.jobs)-1, 0)

	case "pgup":
		m.cursor = max(m.cursor-m.contentHeight(), 0)

	case "pgdown":
		m.cursor = max(min(m.cursor+m.contentHeight(), len(m.jobs)-1), 0)

	case "r":
		m.loading = true
		m.statusbar.SetMessage("refreshing...")
		return m, m.load()
	}

	m.clampScroll()
	return m, nil
}

func (m Model) contentHeight() int {
	return max(m.height-chromeHeight, 1)
}

// clampScroll keeps the cursor row inside the visible window
func (m *Model) clampScroll() {
	h := m.contentHeight()
	if m.cursor < m.scroll {
		m.scroll = m.cursor
	}
	if m.cursor >= m.scroll+h {
		m.scroll = m.cursor - h + 1
	}
	if m.scroll < 0 {
		m.scroll = 0
	}
}

// Selected returns the job under the cursor, or nil
func (m Model) Selected() *domain.Job {
	if m.cursor < 0 || m.cursor >= len(m.jobs) {
		return nil
	}
	return m.jobs[m.cursor]
}

// View renders the monitor
func (m Model) View() string {
	sections := []string{m.header.View(), m.renderSummary(), m.renderJobs(), m.renderDetail()}
	body := lipgloss.JoinVertical(lipgloss.Left, sections...)

	// pin the status bar to the bottom
	pad := m.height - lipgloss.Height(body) - 2
	if pad > 0 {
		body += strings.Repeat("\n", pad)
	}
	return lipgloss.JoinVertical(lipgloss.Left, body, m.statusbar.View())
}

func (m Model) renderSummary() string {
	s := m.stats
	if s == nil {
		return m.styles.Muted.Padding(0, 2).Render("Loading...")
	}
	label := m.styles.Muted
	value := m.styles.Bold
	return lipgloss.NewStyle().Padding(0, 2).Render(fmt.Sprintf(
		"%s %s  %s %s %.1f%%  %s %s  %s %s",
		label.Render("Jobs:"), value.Render(fmt.Sprintf("%d", s.TotalJobs)),
		label.Render("Success:"), m.renderProgressBar(s.SuccessRate, 20), s.SuccessRate,
		label.Render("Chapters:"), value.Render(fmt.Sprintf("%d", s.TotalChapters)),
		label.Render("Words:"), value.Render(fmt.Sprintf("%d", s.TotalWords)),
	))
}

const (
	colStatus   = 11
	colProject  = 14
	colChapter  = 7
	colProgress = 18
	colAge      = 13
)

func (m Model) renderJobs() string {
	if len(m.jobs) == 0 {
		msg := "No jobs yet"
		if m.loading {
			msg = "Loading jobs..."
		}
		return m.styles.Muted.Padding(1, 2).Render(msg)
	}

	stepWidth := max(m.width-colStatus-colProject-colChapter-colProgress-colAge-12, 10)
	headerRow := m.styles.Title.Render(fmt.Sprintf("  %-*s %-*s %-*s %-*s %-*s %s",
		colStatus, "STATUS",
		colProject, "PROJECT",
		colChapter, "CHAPTER",
		colProgress, "PROGRESS",
		colAge, "UPDATED",
		"STEP",
	))

	rows := []string{headerRow}
	end := min(m.scroll+m.contentHeight(), len(m.jobs))
	for i := m.scroll; i < end; i++ {
		rows = append(rows, m.renderJobRow(m.jobs[i], i == m.cursor, stepWidth))
	}
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

func (m Model) renderJobRow(job *domain.Job, selected bool, stepWidth int) string {
	badge := m.styles.Badge(job.Status).Width(colStatus).Render(string(job.Status))
	project := lipgloss.NewStyle().Width(colProject).Render(util.Truncate(job.ProjectID, colProject-1))
	chapter := lipgloss.NewStyle().Width(colChapter).Render(fmt.Sprintf("#%d", job.ChapterNumber))
	progress := lipgloss.NewStyle().Width(colProgress).Render(
		fmt.Sprintf("%s %3d%%", m.renderProgressBar(float64(job.Progress), colProgress-6), job.Progress))
	age := lipgloss.NewStyle().Width(colAge).Render(util.FormatAge(job.UpdatedAt, m.now()))
	step := util.Truncate(job.StepMessage, stepWidth)

	cursor := "  "
	if selected {
		cursor = m.styles.Highlight.Render("> ")
	}
	row := cursor + lipgloss.JoinHorizontal(lipgloss.Top, badge, " ", project, " ", chapter, " ", progress, " ", age, " ", step)
	if selected {
		return m.styles.Selected.Render(row)
	}
	return row
}

func (m Model) renderDetail() string {
	job := m.Selected()
	if job == nil {
		return ""
	}
	lines := []string{
		fmt.Sprintf("%s %s", m.styles.Muted.Render("Job:"), job.ID),
		fmt.Sprintf("%s %d  %s %s",
			m.styles.Muted.Render("Attempts:"), job.Attempts,
			m.styles.Muted.Render("Running for:"), util.FormatDurationExtended(m.elapsed(job))),
	}
	if job.ErrorMessage != "" {
		lines = append(lines, m.styles.Error.Render(util.Truncate(job.ErrorMessage, max(m.width-8, 20))))
	}
	return m.styles.BorderedBox.Render(strings.Join(lines, "\n"))
}

// elapsed is the wall time a job has taken so far, or took in total
func (m Model) elapsed(job *domain.Job) time.Duration {
	if job.Status.IsTerminal() {
		return job.UpdatedAt.Sub(job.CreatedAt)
	}
	return m.now().Sub(job.CreatedAt)
}

// renderProgressBar draws a fixed-width bar colored by how full it is
func (m Model) renderProgressBar(percent float64, width int) string {
	t := m.styles.Theme

	filled := int(percent / 100 * float64(width))
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}
	empty := width - filled

	var color lipgloss.Color
	switch {
	case percent >= 80:
		color = t.Success
	case percent >= 50:
		color = t.Warning
	default:
		color = t.Error
	}

	return lipgloss.NewStyle().Foreground(color).Render(strings.Repeat("=", filled)) +
		lipgloss.NewStyle().Foreground(t.Subtle).Render(strings.Repeat("-", empty))
}
