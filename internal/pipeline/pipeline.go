// Package pipeline turns a context payload into an accepted chapter draft:
// Planner, then Writer, then Critic, with a bounded rewrite loop.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/robertguss/serialforge/internal/backend"
	"github.com/robertguss/serialforge/internal/config"
	"github.com/robertguss/serialforge/internal/domain"
	"github.com/robertguss/serialforge/internal/genre"
	"github.com/robertguss/serialforge/internal/metrics"
)

// StageCritique names the acceptance stage in errors
const StageCritique = "critique"

// State is a node of the generation state machine
type State string

const (
	StatePlanning   State = "planning"
	StateWriting    State = "writing"
	StateCritiquing State = "critiquing"
	StateRetrying   State = "retrying"
	StateAccepted   State = "accepted"
	StateFailed     State = "failed"
)

// IsTerminal reports whether the machine stops in s
func (s State) IsTerminal() bool {
	return s == StateAccepted || s == StateFailed
}

// Observer is told about every state entered and every scored attempt. A
// non-nil error from either method aborts the run with that error; this is
// how a stop request short-circuits generation.
type Observer interface {
	Progress(ctx context.Context, state State, attempt, progress int, step string) error
	Attempt(ctx context.Context, a *domain.Attempt) error
}

// NopObserver ignores everything
type NopObserver struct{}

func (NopObserver) Progress(context.Context, State, int, int, string) error { return nil }
func (NopObserver) Attempt(context.Context, *domain.Attempt) error        { return nil }

// Input is everything one run needs
type Input struct {
	JobID       string
	Payload     *domain.ContextPayload
	Rules       *genre.Rules
	TargetWords int
}

// Result is an accepted draft
type Result struct {
	Outline    *domain.ChapterOutline
	Draft      domain.Draft
	Review     *Review
	Attempts   int
	BestEffort bool // accepted under the accept_best exhaustion policy
}

// Pipeline runs the generation state machine
type Pipeline struct {
	planner *Planner
	writer  *Writer
	critic  *Critic
	cfg     config.PipelineConfig
	metrics metrics.Collector
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a pipeline over b
func New(b backend.Backend, cfg config.PipelineConfig, m metrics.Collector, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	logger = logger.With("component", "pipeline")
	return &Pipeline{
		planner: NewPlanner(b, cfg.TitleSimilarity, cfg.TitleReplans, logger),
		writer:  NewWriter(b),
		critic:  NewCritic(cfg.AcceptThreshold, cfg.WordTolerance, cfg.TitleSimilarity),
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Critic returns the pipeline's critic
func (p *Pipeline) Critic() *Critic {
	return p.critic
}

type candidate struct {
	draft  domain.Draft
	review *Review
}

// Run drives Planning → Writing → Critiquing → (Accepted | Retrying →
// Writing | Failed). Writing on a retry is a targeted rewrite of the previous
// draft fed the critic's violations. At most cfg.MaxAttempts drafts are
// scored.
func (p *Pipeline) Run(ctx context.Context, in Input, obs Observer) (*Result, error) {
	if obs == nil {
		obs = NopObserver{}
	}
	maxAttempts := max(1, p.cfg.MaxAttempts)
	logger := p.logger.With("job_id", in.JobID, "chapter", in.Payload.ChapterNumber)

	var (
		state   = StatePlanning
		attempt = 1
		outline *domain.ChapterOutline
		current candidate
		best    *candidate
		err     error
	)

	for {
		switch state {
		case StatePlanning:
			if err := obs.Progress(ctx, state, attempt, domain.ProgressContext, "planning chapter outline"); err != nil {
				return nil, err
			}
			outline, err = p.planner.Plan(ctx, in.Payload, in.Rules, in.TargetWords)
			if err != nil {
				return nil, err
			}
			logger.Info("chapter planned", "title", outline.Title, "scenes", len(outline.Scenes))
			state = StateWriting

		case StateWriting:
			step := fmt.Sprintf("writing %d scenes", len(outline.Scenes))
			if attempt > 1 {
				step = fmt.Sprintf("rewriting draft (attempt %d of %d)", attempt, maxAttempts)
			}
			if err := obs.Progress(ctx, state, attempt, domain.AttemptProgress(domain.ProgressPlanned, attempt), step); err != nil {
				return nil, err
			}
			if attempt == 1 {
				current.draft, err = p.writer.Write(ctx, outline, in.Payload, in.Rules, attempt)
			} else {
				current.draft, err = p.writer.Rewrite(ctx, current.draft, current.review.Violations, outline, in.Payload, in.Rules, attempt)
			}
			if err != nil {
				return nil, err
			}
			state = StateCritiquing

		case StateCritiquing:
			if err := obs.Progress(ctx, state, attempt, domain.AttemptProgress(domain.ProgressDrafted, attempt), "reviewing draft"); err != nil {
				return nil, err
			}
			current.review = p.critic.Review(current.draft, outline, in.Payload, in.Rules)
			p.metrics.AttemptScored(current.review.Accepted, current.review.Score)

			if err := obs.Attempt(ctx, p.attemptRecord(in.JobID, attempt, current)); err != nil {
				return nil, err
			}
			logger.Info("draft reviewed",
				"attempt", attempt,
				"score", current.review.Score,
				"accepted", current.review.Accepted,
				"violations", len(current.review.Violations))

			if best == nil || better(current.review, best.review) {
				c := current
				best = &c
			}

			switch {
			case current.review.Accepted:
				state = StateAccepted
			case attempt >= maxAttempts:
				state = StateFailed
			default:
				state = StateRetrying
			}

		case StateRetrying:
			attempt++
			state = StateWriting

		case StateAccepted:
			return &Result{Outline: outline, Draft: current.draft, Review: current.review, Attempts: attempt}, nil

		case StateFailed:
			return p.exhausted(logger, outline, best, attempt)

		default:
			return nil, fmt.Errorf("unknown pipeline state %q", state)
		}
	}
}

// exhausted applies the configured policy once the attempt budget is spent.
// This is the only place the policy is consulted.
func (p *Pipeline) exhausted(logger *slog.Logger, outline *domain.ChapterOutline, best *candidate, attempts int) (*Result, error) {
	if p.cfg.ExhaustionPolicy == config.PolicyAcceptBest && !best.review.Blocking() {
		logger.Warn("attempt budget exhausted, accepting best draft",
			"attempts", attempts,
			"score", best.review.Score)
		return &Result{Outline: outline, Draft: best.draft, Review: best.review, Attempts: attempts, BestEffort: true}, nil
	}

	return nil, &domain.GenerationError{
		Stage:   StageCritique,
		Attempt: attempts,
		Cause: &domain.QualityRejection{
			Attempts:   attempts,
			BestScore:  best.review.Score,
			Threshold:  p.cfg.AcceptThreshold,
			Violations: best.review.Violations,
		},
	}
}

// better prefers non-blocking drafts, then higher scores
func better(a, b *Review) bool {
	if a.Blocking() != b.Blocking() {
		return !a.Blocking()
	}
	return a.Score > b.Score
}

func (p *Pipeline) attemptRecord(jobID string, n int, c candidate) *domain.Attempt {
	return &domain.Attempt{
		ID:         uuid.NewString(),
		JobID:      jobID,
		Number:     n,
		Title:      c.draft.Title,
		Score:      c.review.Score,
		Accepted:   c.review.Accepted,
		WordCount:  c.review.WordCount,
		Violations: c.review.Violations,
		CreatedAt:  p.now().UTC(),
	}
}
