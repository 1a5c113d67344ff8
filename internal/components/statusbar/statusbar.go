package statusbar

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/robertguss/serialforge/internal/theme"
)

const defaultHelp = "↑/↓ select | r refresh | q quit"

// Model represents the status bar component
type Model struct {
	width     int
	active    int
	completed int
	failed    int
	message   string
	isError   bool
	styles    theme.Styles
}

// New creates a new status bar model
func New(styles theme.Styles) Model {
	return Model{styles: styles}
}

// SetWidth sets the status bar width
func (m *Model) SetWidth(width int) {
	m.width = width
}

// SetJobCounts sets the job counters shown on the left
func (m *Model) SetJobCounts(active, completed, failed int) {
	m.active = active
	m.completed = completed
	m.failed = failed
}

// SetMessage sets a status message that replaces the key help
func (m *Model) SetMessage(msg string) {
	m.message = msg
	m.isError = false
}

// SetError shows err in the error color
func (m *Model) SetError(err error) {
	m.message = err.Error()
	m.isError = true
}

// ClearMessage clears the status message
func (m *Model) ClearMessage() {
	m.message = ""
	m.isError = false
}

// View renders the status bar
func (m Model) View() string {
	t := m.styles.Theme

	border := lipgloss.NewStyle().
		Foreground(t.Border).
		Width(m.width).
		Render(strings.Repeat("─", max(m.width, 0)))

	bold := lipgloss.NewStyle().Foreground(t.Foreground).Bold(true)
	counts := fmt.Sprintf("Active: %s | Completed: %s | Failed: %s",
		bold.Render(fmt.Sprintf("%d", m.active)),
		lipgloss.NewStyle().Foreground(t.Success).Bold(true).Render(fmt.Sprintf("%d", m.completed)),
		lipgloss.NewStyle().Foreground(t.Error).Bold(true).Render(fmt.Sprintf("%d", m.failed)),
	)

	var right string
	switch {
	case m.isError:
		right = lipgloss.NewStyle().Foreground(t.Error).Render(m.message)
	case m.message != "":
		right = lipgloss.NewStyle().Foreground(t.Warning).Render(m.message)
	default:
		right = lipgloss.NewStyle().Foreground(t.Subtle).Render(defaultHelp)
	}

	content := counts + "  " + right
	if gap := m.width - lipgloss.Width(counts) - lipgloss.Width(right) - 4; gap > 2 {
		content = counts + strings.Repeat(" ", gap) + right
	}

	bar := lipgloss.NewStyle().
		Background(t.StatusBar).
		Foreground(t.Subtle).
		Width(m.width).
		Padding(0, 2).
		Render(content)

	return lipgloss.JoinVertical(lipgloss.Left, border, bar)
}
