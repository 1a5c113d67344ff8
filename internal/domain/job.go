package domain

import (
	"time"
)

// JobStatus represents the lifecycle state of a chapter-writing job
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobStopped   JobStatus = "stopped"
)

// ActiveStatuses are the statuses that hold a project's single job slot
func ActiveStatuses() []JobStatus {
	return []JobStatus{JobPending, JobRunning}
}

// IsActive returns true while the job occupies its project's job slot
func (s JobStatus) IsActive() bool {
	return s == JobPending || s == JobRunning
}

// IsTerminal returns true once the job can no longer change
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobStopped
}

// Valid reports whether s is a known status
func (s JobStatus) Valid() bool {
	return s.IsActive() || s.IsTerminal()
}

// Job is one attempt at writing exactly one chapter for one project
type Job struct {
	ID            string    `json:"id"`
	ProjectID     string    `json:"project_id"`
	ChapterNumber int       `json:"chapter_number"`
	Status        JobStatus `json:"status"`
	Progress      int       `json:"progress"` // 0-100, never decreases while active
	StepMessage   string    `json:"step_message"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	Attempts      int       `json:"attempts"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NewJob creates a pending job for the chapter after the project's current one
func NewJob(id string, project *Project, now time.Time) *Job {
	return &Job{
		ID:            id,
		ProjectID:     project.ID,
		ChapterNumber: project.NextChapter(),
		Status:        JobPending,
		Progress:      0,
		StepMessage:   "queued",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// IdleFor returns how long the job has gone without a status update
func (j *Job) IdleFor(now time.Time) time.Duration {
	return now.Sub(j.UpdatedAt)
}

// IsStale returns true if an active job has not been updated within timeout
func (j *Job) IsStale(now time.Time, timeout time.Duration) bool {
	return j.Status.IsActive() && j.IdleFor(now) > timeout
}

// Progress checkpoints reported by the job runner. Values only ever increase.
const (
	ProgressQueued     = 0
	ProgressStarted    = 5
	ProgressContext    = 15
	ProgressPlanned    = 30
	ProgressDrafted    = 60
	ProgressReviewed   = 80
	ProgressPersisted  = 95
	ProgressFinished   = 100
	progressPerAttempt = 5
)

// AttemptProgress returns the progress checkpoint for a stage within an attempt.
// Later attempts report slightly higher values so progress stays monotonic
// across rewrites.
func AttemptProgress(base, attempt int) int {
	p := base + (attempt-1)*progressPerAttempt
	if p > ProgressPersisted-1 {
		p = ProgressPersisted - 1
	}
	return p
}
