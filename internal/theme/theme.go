// Package theme holds the monitor's color palettes and the lipgloss styles
// built from them.
package theme

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/robertguss/serialforge/internal/domain"
)

// Theme is a color palette
type Theme struct {
	Name string

	Background lipgloss.Color
	Foreground lipgloss.Color
	Subtle     lipgloss.Color
	Highlight  lipgloss.Color

	Success lipgloss.Color
	Warning lipgloss.Color
	Error   lipgloss.Color
	Info    lipgloss.Color

	Primary   lipgloss.Color
	Secondary lipgloss.Color
	Accent    lipgloss.Color

	Border    lipgloss.Color
	Selection lipgloss.Color
	StatusBar lipgloss.Color
	HeaderBg  lipgloss.Color
}

// Catppuccin Mocha theme (default)
var Catppuccin = Theme{
	Name:       "catppuccin",
	Background: lipgloss.Color("#1e1e2e"),
	Foreground: lipgloss.Color("#cdd6f4"),
	Subtle:     lipgloss.Color("#6c7086"),
	Highlight:  lipgloss.Color("#f5e0dc"),
	Success:    lipgloss.Color("#a6e3a1"),
	Warning:    lipgloss.Color("#f9e2af"),
	Error:      lipgloss.Color("#f38ba8"),
	Info:       lipgloss.Color("#89b4fa"),
	Primary:    lipgloss.Color("#cba6f7"),
	Secondary:  lipgloss.Color("#f5c2e7"),
	Accent:     lipgloss.Color("#94e2d5"),
	Border:     lipgloss.Color("#313244"),
	Selection:  lipgloss.Color("#45475a"),
	StatusBar:  lipgloss.Color("#181825"),
	HeaderBg:   lipgloss.Color("#181825"),
}

// Dracula theme
var Dracula = Theme{
	Name:       "dracula",
	Background: lipgloss.Color("#282a36"),
	Foreground: lipgloss.Color("#f8f8f2"),
	Subtle:     lipgloss.Color("#6272a4"),
	Highlight:  lipgloss.Color("#f1fa8c"),
	Success:    lipgloss.Color("#50fa7b"),
	Warning:    lipgloss.Color("#ffb86c"),
	Error:      lipgloss.Color("#ff5555"),
	Info:       lipgloss.Color("#8be9fd"),
	Primary:    lipgloss.Color("#bd93f9"),
	Secondary:  lipgloss.Color("#ff79c6"),
	Accent:     lipgloss.Color("#8be9fd"),
	Border:     lipgloss.Color("#44475a"),
	Selection:  lipgloss.Color("#44475a"),
	StatusBar:  lipgloss.Color("#21222c"),
	HeaderBg:   lipgloss.Color("#21222c"),
}

// Nord theme
var Nord = Theme{
	Name:       "nord",
	Background: lipgloss.Color("#2e3440"),
	Foreground: lipgloss.Color("#eceff4"),
	Subtle:     lipgloss.Color("#4c566a"),
	Highlight:  lipgloss.Color("#ebcb8b"),
	Success:    lipgloss.Color("#a3be8c"),
	Warning:    lipgloss.Color("#ebcb8b"),
	Error:      lipgloss.Color("#bf616a"),
	Info:       lipgloss.Color("#81a1c1"),
	Primary:    lipgloss.Color("#88c0d0"),
	Secondary:  lipgloss.Color("#b48ead"),
	Accent:     lipgloss.Color("#8fbcbb"),
	Border:     lipgloss.Color("#3b4252"),
	Selection:  lipgloss.Color("#434c5e"),
	StatusBar:  lipgloss.Color("#242933"),
	HeaderBg:   lipgloss.Color("#242933"),
}

var builtins = map[string]Theme{
	Catppuccin.Name: Catppuccin,
	Dracula.Name:    Dracula,
	Nord.Name:       Nord,
}

// AvailableThemes returns the built-in theme names
func AvailableThemes() []string {
	return []string{Catppuccin.Name, Dracula.Name, Nord.Name}
}

// Load resolves a built-in theme name or a path to a YAML palette. An empty
// name gives the default.
func Load(name string) (Theme, error) {
	if name == "" {
		return Catppuccin, nil
	}
	if t, ok := builtins[strings.ToLower(name)]; ok {
		return t, nil
	}
	if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
		return LoadYAML(name)
	}
	return Theme{}, fmt.Errorf("unknown theme %q (available: %s)", name, strings.Join(AvailableThemes(), ", "))
}

// paletteYAML is the on-disk form of a theme. Missing colors fall back to
// the default palette.
type paletteYAML struct {
	Name       string `yaml:"name"`
	Background string `yaml:"background"`
	Foreground string `yaml:"foreground"`
	Subtle     string `yaml:"subtle"`
	Highlight  string `yaml:"highlight"`
	Success    string `yaml:"success"`
	Warning    string `yaml:"warning"`
	Error      string `yaml:"error"`
	Info       string `yaml:"info"`
	Primary    string `yaml:"primary"`
	Secondary  string `yaml:"secondary"`
	Accent     string `yaml:"accent"`
	Border     string `yaml:"border"`
	Selection  string `yaml:"selection"`
	StatusBar  string `yaml:"status_bar"`
	HeaderBg   string `yaml:"header_bg"`
}

// LoadYAML reads a custom palette from a YAML file
func LoadYAML(path string) (Theme, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Theme{}, err
	}

	var p paletteYAML
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Theme{}, fmt.Errorf("parsing theme %s: %w", path, err)
	}

	t := Catppuccin
	t.Name = p.Name
	set := func(dst *lipgloss.Color, v string) {
		if v != "" {
			*dst = lipgloss.Color(v)
		}
	}
	set(&t.Background, p.Background)
	set(&t.Foreground, p.Foreground)
	set(&t.Subtle, p.Subtle)
	set(&t.Highlight, p.Highlight)
	set(&t.Success, p.Success)
	set(&t.Warning, p.Warning)
	set(&t.Error, p.Error)
	set(&t.Info, p.Info)
	set(&t.Primary, p.Primary)
	set(&t.Secondary, p.Secondary)
	set(&t.Accent, p.Accent)
	set(&t.Border, p.Border)
	set(&t.Selection, p.Selection)
	set(&t.StatusBar, p.StatusBar)
	set(&t.HeaderBg, p.HeaderBg)
	return t, nil
}

// Styles contains pre-built lipgloss styles for one theme
type Styles struct {
	Theme Theme

	Header    lipgloss.Style
	StatusBar lipgloss.Style

	Title     lipgloss.Style
	Muted     lipgloss.Style
	Bold      lipgloss.Style
	Highlight lipgloss.Style

	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Info    lipgloss.Style

	Selected lipgloss.Style
	Shortcut lipgloss.Style

	BorderedBox lipgloss.Style

	// job status badges
	BadgePending   lipgloss.Style
	BadgeRunning   lipgloss.Style
	BadgeCompleted lipgloss.Style
	BadgeFailed    lipgloss.Style
	BadgeStopped   lipgloss.Style
}

// NewStyles builds the styles for t
func NewStyles(t Theme) Styles {
	badge := func(bg lipgloss.Color) lipgloss.Style {
		return lipgloss.NewStyle().
			Foreground(t.Background).
			Background(bg).
			Padding(0, 1)
	}

	return Styles{
		Theme: t,

		Header: lipgloss.NewStyle().
			Background(t.HeaderBg).
			Foreground(t.Foreground).
			Padding(0, 2).
			Bold(true),

		StatusBar: lipgloss.NewStyle().
			Background(t.StatusBar).
			Foreground(t.Subtle).
			Padding(0, 2),

		Title: lipgloss.NewStyle().
			Foreground(t.Primary).
			Bold(true),

		Muted: lipgloss.NewStyle().
			Foreground(t.Subtle),

		Bold: lipgloss.NewStyle().
			Bold(true),

		Highlight: lipgloss.NewStyle().
			Foreground(t.Highlight).
			Bold(true),

		Success: lipgloss.NewStyle().Foreground(t.Success),
		Warning: lipgloss.NewStyle().Foreground(t.Warning),
		Error:   lipgloss.NewStyle().Foreground(t.Error),
		Info:    lipgloss.NewStyle().Foreground(t.Info),

		Selected: lipgloss.NewStyle().
			Background(t.Selection).
			Foreground(t.Foreground).
			Bold(true),

		Shortcut: lipgloss.NewStyle().
			Foreground(t.Accent).
			Bold(true),

		BorderedBox: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(t.Border).
			Padding(0, 1),

		BadgePending:   badge(t.Subtle),
		BadgeRunning:   badge(t.Warning).Bold(true),
		BadgeCompleted: badge(t.Success),
		BadgeFailed:    badge(t.Error).Bold(true),
		BadgeStopped:   badge(t.Info),
	}
}

// Badge returns the badge style for a job status
func (s Styles) Badge(status domain.JobStatus) lipgloss.Style {
	switch status {
	case domain.JobRunning:
		return s.BadgeRunning
	case domain.JobCompleted:
		return s.BadgeCompleted
	case domain.JobFailed:
		return s.BadgeFailed
	case domain.JobStopped:
		return s.BadgeStopped
	default:
		return s.BadgePending
	}
}

// StatusColor returns the foreground color used for a job status
func (s Styles) StatusColor(status domain.JobStatus) lipgloss.Color {
	switch status {
	case domain.JobRunning:
		return s.Theme.Warning
	case domain.JobCompleted:
		return s.Theme.Success
	case domain.JobFailed:
		return s.Theme.Error
	case domain.JobStopped:
		return s.Theme.Info
	default:
		return s.Theme.Subtle
	}
}
