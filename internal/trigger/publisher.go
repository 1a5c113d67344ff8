package trigger

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/robertguss/serialforge/internal/jobs"
)

// Publisher forwards job events to <prefix>.<project_id>.<job_id>
type Publisher struct {
	nc     *nats.Conn
	prefix string
	logger *slog.Logger
}

var _ jobs.EventSink = (*Publisher)(nil)

// NewPublisher creates a publisher for subjects under prefix
func NewPublisher(nc *nats.Conn, prefix string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{nc: nc, prefix: prefix, logger: logger.With("component", "trigger")}
}

// Subject returns the subject an event for this project and job is sent on
func (p *Publisher) Subject(projectID, jobID string) string {
	return p.prefix + "." + token(projectID) + "." + token(jobID)
}

// Publish sends e without waiting for delivery. nats.go buffers while
// reconnecting, so a failure here means the connection is closed.
func (p *Publisher) Publish(e jobs.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("failed to encode job event", "error", err)
		return
	}
	if err := p.nc.Publish(p.Subject(e.ProjectID, e.JobID), data); err != nil {
		p.logger.Warn("failed to publish job event",
			"type", string(e.Type),
			"job_id", e.JobID,
			"error", err)
	}
}

// token makes s safe as one subject token
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
