package jobs

import (
	"time"

	"github.com/robertguss/serialforge/internal/domain"
)

// EventType names a job lifecycle event
type EventType string

const (
	EventCreated   EventType = "job.created"
	EventStarted   EventType = "job.started"
	EventProgress  EventType = "job.progress"
	EventAttempt   EventType = "job.attempt"
	EventCompleted EventType = "job.completed"
	EventFailed    EventType = "job.failed"
	EventStopped   EventType = "job.stopped"
)

// Event is published to every registered sink
type Event struct {
	Type      EventType        `json:"type"`
	JobID     string           `json:"job_id"`
	ProjectID string           `json:"project_id"`
	Chapter   int              `json:"chapter"`
	Status    domain.JobStatus `json:"status"`
	Progress  int              `json:"progress"`
	Step      string           `json:"step,omitempty"`
	Attempt   int              `json:"attempt,omitempty"`
	Score     float64          `json:"score,omitempty"`
	Error     string           `json:"error,omitempty"`
	Time      time.Time        `json:"time"`
}

// EventSink receives job events. Publish must not block.
type EventSink interface {
	Publish(e Event)
}

// SinkFunc adapts a function to EventSink
type SinkFunc func(e Event)

// Publish calls f(e)
func (f SinkFunc) Publish(e Event) { f(e) }

func eventFor(t EventType, job *domain.Job, at time.Time) Event {
	return Event{
		Type:      t,
		JobID:     job.ID,
		ProjectID: job.ProjectID,
		Chapter:   job.ChapterNumber,
		Status:    job.Status,
		Progress:  job.Progress,
		Step:      job.StepMessage,
		Time:      at,
	}
}
