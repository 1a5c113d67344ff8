// Package trigger lets an external scheduler start chapter jobs over NATS
// request/reply and streams job events back out on per-job subjects.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/robertguss/serialforge/internal/config"
	"github.com/robertguss/serialforge/internal/domain"
)

// handleTimeout bounds one start request
const handleTimeout = 15 * time.Second

// Starter creates a job for a project's next chapter
type Starter interface {
	Create(ctx context.Context, projectID string) (string, error)
}

// Request is the body of a start message
type Request struct {
	ProjectID string `json:"project_id"`
}

// Response is the reply to a start message: a job id or an error with its code
type Response struct {
	JobID string `json:"job_id,omitempty"`
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

// Connect dials the configured server, retrying in the background while it is down
func Connect(cfg config.NATSConfig, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("serialforge"),
		nats.Timeout(5*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", cfg.URL, err)
	}
	return nc, nil
}

// Trigger answers start requests on the configured subject. Instances sharing
// a queue group split the requests between them.
type Trigger struct {
	nc      *nats.Conn
	cfg     config.NATSConfig
	starter Starter
	logger  *slog.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

// New creates a trigger. Call Start to begin answering.
func New(nc *nats.Conn, cfg config.NATSConfig, starter Starter, logger *slog.Logger) *Trigger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trigger{
		nc:      nc,
		cfg:     cfg,
		starter: starter,
		logger:  logger.With("component", "trigger"),
	}
}

// Start subscribes to the start subject
func (t *Trigger) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sub != nil {
		return errors.New("trigger already started")
	}

	sub, err := t.nc.QueueSubscribe(t.cfg.StartSubject, t.cfg.QueueGroup, t.handle)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", t.cfg.StartSubject, err)
	}
	t.sub = sub
	t.logger.Info("listening for start requests",
		"subject", t.cfg.StartSubject,
		"queue_group", t.cfg.QueueGroup)
	return nil
}

// Stop drains the subscription so in-flight requests still get replies
func (t *Trigger) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sub == nil {
		return nil
	}
	err := t.sub.Drain()
	t.sub = nil
	return err
}

func (t *Trigger) handle(msg *nats.Msg) {
	resp := t.start(msg.Data)
	if msg.Reply == "" {
		// fire-and-forget publish; nobody to answer
		return
	}

	data, err := json.Marshal(resp)
	if err != nil {
		t.logger.Error("failed to encode reply", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		t.logger.Warn("failed to send reply", "error", err)
	}
}

func (t *Trigger) start(data []byte) Response {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return errorResponse(&domain.ValidationError{Field: "body", Message: err.Error()})
	}

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	jobID, err := t.starter.Create(ctx, req.ProjectID)
	if err != nil {
		t.logger.Info("start request refused",
			"project_id", req.ProjectID,
			"code", domain.ErrorCode(err),
			"error", err)
		return errorResponse(err)
	}

	t.logger.Info("start request accepted", "project_id", req.ProjectID, "job_id", jobID)
	return Response{JobID: jobID}
}

func errorResponse(err error) Response {
	code := domain.ErrorCode(err)
	resp := Response{Error: err.Error(), Code: code}
	if code == domain.CodeInternal {
		resp.Error = "internal error"
	}

	var conflict *domain.ConflictError
	if errors.As(err, &conflict) {
		// the caller can follow the job already running
		resp.JobID = conflict.JobID
	}
	return resp
}
