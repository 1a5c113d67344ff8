// Package testutil provides test utilities and helpers for the serialforge tests.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/robertguss/serialforge/internal/backend"
	"github.com/robertguss/serialforge/internal/config"
	"github.com/robertguss/serialforge/internal/domain"
	"github.com/robertguss/serialforge/internal/storage"
)

// NewTestConfig creates a Config with temp directories and the mock backend.
// All temp directories are automatically cleaned up when the test completes.
func NewTestConfig(t *testing.T) *config.Config {
	t.Helper()

	tempDir := CreateTempDir(t)

	cfg := config.New()
	cfg.DataDir = filepath.Join(tempDir, "data")
	cfg.Storage.DatabasePath = filepath.Join(cfg.DataDir, "test.db")
	cfg.Genres.Dir = filepath.Join(tempDir, "genres")
	cfg.Genres.Watch = false
	cfg.Backend.Provider = config.ProviderMock
	cfg.Jobs.Workers = 1
	cfg.Quality.Workers = 1
	cfg.Log.Level = "error"

	if err := cfg.EnsureDirs(); err != nil {
		t.Fatalf("failed to create dirs: %v", err)
	}
	if err := os.MkdirAll(cfg.Genres.Dir, 0755); err != nil {
		t.Fatalf("failed to create genre dir: %v", err)
	}

	return cfg
}

// NewTestStorage creates an in-memory SQLite storage for testing.
// The storage is automatically closed when the test completes.
func NewTestStorage(t *testing.T) *storage.SQLiteStorage {
	t.Helper()

	s, err := storage.NewInMemoryStorage()
	if err != nil {
		t.Fatalf("failed to create in-memory storage: %v", err)
	}

	t.Cleanup(func() {
		s.Close()
	})

	return s
}

// CreateTempDir creates a temporary directory for testing.
// The directory is automatically removed when the test completes.
func CreateTempDir(t *testing.T) string {
	t.Helper()

	dir, err := os.MkdirTemp("", "serialforge-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	t.Cleanup(func() {
		os.RemoveAll(dir)
	})

	return dir
}

// CreateTempFile creates a temporary file with the given content.
// The file is automatically removed when the test completes.
func CreateTempFile(t *testing.T, content string) string {
	t.Helper()

	f, err := os.CreateTemp("", "serialforge-test-*.yaml")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}

	if _, err := f.WriteString(content); err != nil {
		f.Close()
		t.Fatalf("failed to write temp file: %v", err)
	}

	if err := f.Close(); err != nil {
		t.Fatalf("failed to close temp file: %v", err)
	}

	t.Cleanup(func() {
		os.Remove(f.Name())
	})

	return f.Name()
}

// CreateTempFileInDir creates a file with given content in the specified directory.
func CreateTempFileInDir(t *testing.T, dir, filename, content string) string {
	t.Helper()

	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write file %s: %v", path, err)
	}

	return path
}

// ProjectOption customizes a test project before it is stored
type ProjectOption func(*domain.Project)

// WithTotalChapters sets the planned length
func WithTotalChapters(n int) ProjectOption {
	return func(p *domain.Project) { p.TotalChapters = n }
}

// WithStatus sets the lifecycle status
func WithStatus(s domain.ProjectStatus) ProjectOption {
	return func(p *domain.Project) { p.Status = s }
}

// WithStoryBible sets the story bible
func WithStoryBible(text string) ProjectOption {
	return func(p *domain.Project) { p.StoryBible = text }
}

// WithTargetWords sets the per-chapter word target
func WithTargetWords(n int) ProjectOption {
	return func(p *domain.Project) { p.TargetWordCount = n }
}

// CreateTestProject stores an active fantasy project with no chapters
func CreateTestProject(t *testing.T, s storage.Storage, opts ...ProjectOption) *domain.Project {
	t.Helper()

	now := time.Now().UTC()
	p := &domain.Project{
		ID:              uuid.NewString(),
		Title:           "The Ledger of Ash",
		Genre:           "fantasy",
		Synopsis:        "A courier carries a ledger that can topple the guilds.",
		TotalChapters:   100,
		Status:          domain.ProjectActive,
		TargetWordCount: 900,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for _, opt := range opts {
		opt(p)
	}

	if err := s.CreateProject(context.Background(), p); err != nil {
		t.Fatalf("failed to create project: %v", err)
	}
	return p
}

// SeedChapters writes count accepted chapters through the normal completion
// path, advancing the project's counter. Content is mock prose.
func SeedChapters(t *testing.T, s storage.Storage, projectID string, count int) []*domain.Chapter {
	t.Helper()
	ctx := context.Background()

	var out []*domain.Chapter
	for i := 0; i < count; i++ {
		p, err := s.GetProject(ctx, projectID)
		if err != nil {
			t.Fatalf("failed to load project: %v", err)
		}

		now := time.Now().UTC()
		job := domain.NewJob(uuid.NewString(), p, now)
		job.Status = domain.JobRunning
		if err := s.InsertJob(ctx, job); err != nil {
			t.Fatalf("failed to insert job: %v", err)
		}

		n := job.ChapterNumber
		ch := NewTestChapter(projectID, n)
		ch.JobID = job.ID
		if err := s.CompleteJob(ctx, job.ID, ch, now); err != nil {
			t.Fatalf("failed to complete chapter %d: %v", n, err)
		}
		out = append(out, ch)
	}
	return out
}

// NewTestChapter builds an unsaved chapter with mock prose
func NewTestChapter(projectID string, number int) *domain.Chapter {
	content := backend.MockProse(300, number)
	return &domain.Chapter{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		Number:      number,
		Title:       backend.MockTitle(number),
		Content:     content,
		WordCount:   len(content) / 5,
		Score:       90,
		Opening:     fmt.Sprintf("Chapter %d opens in the rain.", number),
		Cliffhanger: fmt.Sprintf("Chapter %d ends at the gate.", number),
		CreatedAt:   time.Now().UTC(),
	}
}

// PutLayer stores v as the JSON document of a memory layer
func PutLayer(t *testing.T, s storage.Storage, projectID string, layer domain.MemoryLayer, chapter int, v any) {
	t.Helper()

	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal layer %s: %v", layer, err)
	}
	rec := &domain.MemoryRecord{
		ProjectID: projectID,
		Layer:     layer,
		Data:      data,
		Chapter:   chapter,
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.PutMemory(context.Background(), rec); err != nil {
		t.Fatalf("failed to store layer %s: %v", layer, err)
	}
}

// GetLayer decodes a stored memory layer into v, failing the test if absent
func GetLayer(t *testing.T, s storage.Storage, projectID string, layer domain.MemoryLayer, v any) {
	t.Helper()

	rec, err := s.GetMemory(context.Background(), projectID, layer)
	if err != nil {
		t.Fatalf("failed to load layer %s: %v", layer, err)
	}
	if err := json.Unmarshal(rec.Data, v); err != nil {
		t.Fatalf("failed to decode layer %s: %v", layer, err)
	}
}

// TestGenreYAML returns a valid genre rules file
func TestGenreYAML() string {
	return `name: litrpg
style_notes: "Crisp action, visible stat gains."
pov: third-limited
target_word_count: 1500
temperature: 0.8
banned_phrases:
  - "a chill ran down"
  - "little did"
tension_curve: [4, 5, 7, 9]
`
}

// MalformedYAML returns malformed YAML content.
func MalformedYAML() string {
	return `name: broken
  banned_phrases
  - : [
`
}
