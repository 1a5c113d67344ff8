package header

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/robertguss/serialforge/internal/theme"
)

// Model represents the header component
type Model struct {
	width  int
	title  string
	detail string
	styles theme.Styles
}

// New creates a header titled title
func New(styles theme.Styles, title string) Model {
	return Model{
		title:  title,
		styles: styles,
	}
}

// SetWidth sets the header width
func (m *Model) SetWidth(width int) {
	m.width = width
}

// SetDetail sets the right-aligned text, typically the last refresh time
func (m *Model) SetDetail(detail string) {
	m.detail = detail
}

// View renders the header
func (m Model) View() string {
	t := m.styles.Theme

	title := lipgloss.NewStyle().
		Foreground(t.Primary).
		Bold(true).
		Render(m.title)

	detail := lipgloss.NewStyle().
		Foreground(t.Subtle).
		Render(m.detail)

	content := title
	gap := m.width - lipgloss.Width(title) - lipgloss.Width(detail) - 4
	if gap > 0 {
		content = title + strings.Repeat(" ", gap) + detail
	} else if m.detail != "" {
		content = title + "  " + detail
	}

	header := lipgloss.NewStyle().
		Background(t.HeaderBg).
		Foreground(t.Foreground).
		Width(m.width).
		Padding(0, 2).
		Render(content)

	border := lipgloss.NewStyle().
		Foreground(t.Border).
		Width(m.width).
		Render(strings.Repeat("─", max(m.width, 0)))

	return lipgloss.JoinVertical(lipgloss.Left, header, border)
}
