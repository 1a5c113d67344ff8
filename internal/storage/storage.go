package storage

import (
	"context"
	"errors"
	"time"

	"github.com/robertguss/serialforge/internal/domain"
)

// ErrNotRunning is returned when a transition that requires a running job
// loses the race against stop, the watchdog, or another writer
var ErrNotRunning = errors.New("job is no longer running")

// JobFilter provides filtering options for listing jobs
type JobFilter struct {
	ProjectID     string             // Filter by project
	Statuses      []domain.JobStatus // Filter by any of these statuses
	UpdatedBefore *time.Time         // Filter by last update (watchdog sweep)
	Limit         int                // Max results (default 100)
	Offset        int                // Pagination offset
}

// ProjectFilter provides filtering options for listing projects
type ProjectFilter struct {
	Status domain.ProjectStatus
	Limit  int
	Offset int
}

// ChapterQuery selects a bounded tail window of chapters
type ChapterQuery struct {
	ProjectID      string
	Before         int  // Only chapters numbered strictly below this
	Limit          int  // Most recent N, required
	IncludeContent bool // Load full text
}

// Transition is a conditional job status change
type Transition struct {
	JobID        string
	From         []domain.JobStatus
	To           domain.JobStatus
	StepMessage  string
	ErrorMessage string
	At           time.Time
}

// Stats represents aggregate job statistics
type Stats struct {
	TotalJobs      int
	CompletedCount int
	FailedCount    int
	StoppedCount   int
	ActiveCount    int
	SuccessRate    float64
	AvgAttempts    float64
	TotalChapters  int
	TotalWords     int
	JobsByDay      map[string]int
	RecentJobs     []*domain.Job
}

// Storage defines the interface for persistence operations
type Storage interface {
	// Lifecycle
	Close() error
	Ping(ctx context.Context) error

	// Projects
	CreateProject(ctx context.Context, p *domain.Project) error
	GetProject(ctx context.Context, id string) (*domain.Project, error)
	ListProjects(ctx context.Context, filter *ProjectFilter) ([]*domain.Project, error)
	UpdateProjectStatus(ctx context.Context, id string, status domain.ProjectStatus, at time.Time) error
	UpdateStoryBible(ctx context.Context, id, storyBible string, at time.Time) error

	// Jobs
	InsertJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	GetActiveJob(ctx context.Context, projectID string) (*domain.Job, error)
	ListJobs(ctx context.Context, filter *JobFilter) ([]*domain.Job, error)
	TransitionJob(ctx context.Context, t Transition) (bool, error)
	UpdateJobProgress(ctx context.Context, id string, progress int, step string, at time.Time) (bool, error)
	CompleteJob(ctx context.Context, jobID string, chapter *domain.Chapter, at time.Time) error

	// Attempts
	RecordAttempt(ctx context.Context, a *domain.Attempt) error
	ListAttempts(ctx context.Context, jobID string) ([]*domain.Attempt, error)

	// Chapters
	GetChapter(ctx context.Context, projectID string, number int) (*domain.Chapter, error)
	ListChapters(ctx context.Context, q ChapterQuery) ([]*domain.Chapter, error)

	// Memory layers
	GetMemory(ctx context.Context, projectID string, layer domain.MemoryLayer) (*domain.MemoryRecord, error)
	PutMemory(ctx context.Context, rec *domain.MemoryRecord) error

	// Statistics
	GetStats(ctx context.Context) (*Stats, error)
}
