// Package genre loads per-genre writing rules from YAML files and keeps them
// fresh while the service runs.
package genre

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// DefaultName is the genre used when a project's genre has no rules file
const DefaultName = "default"

// Rules shape planning, writing and critique for one genre
type Rules struct {
	Name            string   `yaml:"name"`
	Description     string   `yaml:"description,omitempty"`
	StyleNotes      string   `yaml:"style_notes,omitempty"`
	POV             string   `yaml:"pov,omitempty"`
	TargetWordCount int      `yaml:"target_word_count,omitempty"`
	Temperature     float64  `yaml:"temperature,omitempty"`
	BannedPhrases   []string `yaml:"banned_phrases,omitempty"`
	TensionCurve    []int    `yaml:"tension_curve,omitempty"` // planned tension per quarter of an arc
}

// Default returns the built-in rules
func Default() *Rules {
	return &Rules{
		Name:            DefaultName,
		Description:     "General serialized fiction",
		StyleNotes:      "Show through action and dialogue. Vary sentence length. End on forward momentum.",
		POV:             "third-limited",
		TargetWordCount: 2000,
		Temperature:     0.8,
		BannedPhrases: []string{
			"a chill ran down",
			"little did",
			"let out a breath",
			"couldn't help but",
		},
		TensionCurve: []int{4, 6, 7, 9},
	}
}

// TensionFor returns the planned tension for a chapter, or 0 without a curve
func (r *Rules) TensionFor(chapter, arcLength int) int {
	if len(r.TensionCurve) == 0 || arcLength <= 0 || chapter < 1 {
		return 0
	}
	pos := (chapter - 1) % arcLength
	return r.TensionCurve[pos*len(r.TensionCurve)/arcLength]
}

// Store manages genre rule definitions
type Store struct {
	dir string

	mu    sync.RWMutex
	rules map[string]*Rules
}

// NewStore creates a store reading <dir>/*.yaml
func NewStore(dir string) *Store {
	return &Store{
		dir:   dir,
		rules: map[string]*Rules{DefaultName: Default()},
	}
}

// Dir returns the directory rule files are read from
func (s *Store) Dir() string {
	return s.dir
}

// Load (re)reads every rules file. Invalid files are skipped and reported in
// the returned list; the built-in default is always present.
func (s *Store) Load() (skipped []string, err error) {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create genre directory: %w", err)
	}

	files, err := filepath.Glob(filepath.Join(s.dir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("failed to list genres: %w", err)
	}

	loaded := map[string]*Rules{DefaultName: Default()}
	for _, file := range files {
		r, err := loadRules(file)
		if err != nil {
			skipped = append(skipped, file)
			continue
		}
		loaded[strings.ToLower(r.Name)] = r
	}

	s.mu.Lock()
	s.rules = loaded
	s.mu.Unlock()
	return skipped, nil
}

func loadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, err
	}

	// Use filename as name if not specified
	if r.Name == "" {
		r.Name = strings.TrimSuffix(filepath.Base(path), ".yaml")
	}
	if err := validateName(r.Name); err != nil {
		return nil, err
	}
	return &r, nil
}

// validateName rejects names that would escape the genre directory
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("genre name cannot be empty")
	}
	if strings.Contains(name, "/") || strings.Contains(name, "\\") || strings.Contains(name, "..") {
		return fmt.Errorf("genre name contains invalid characters: must not contain /, \\, or ..")
	}
	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("genre name cannot start with a dot")
	}
	return nil
}

// Get returns the rules for name, falling back to the default. Lookup is
// case-insensitive.
func (s *Store) Get(name string) *Rules {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.rules[strings.ToLower(name)]; ok {
		return r
	}
	return s.rules[DefaultName]
}

// Has reports whether name has its own rules
func (s *Store) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rules[strings.ToLower(name)]
	return ok
}

// List returns all genre names, sorted
func (s *Store) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.rules))
	for name := range s.rules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Save writes r to disk and makes it available immediately
func (s *Store) Save(r *Rules) error {
	if err := validateName(r.Name); err != nil {
		return err
	}
	if strings.EqualFold(r.Name, DefaultName) {
		return fmt.Errorf("cannot overwrite built-in genre %q", DefaultName)
	}

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create genre directory: %w", err)
	}

	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal genre: %w", err)
	}
	path := filepath.Join(s.dir, r.Name+".yaml")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write genre: %w", err)
	}

	s.mu.Lock()
	s.rules[strings.ToLower(r.Name)] = r
	s.mu.Unlock()
	return nil
}
