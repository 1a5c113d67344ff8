package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/robertguss/serialforge/internal/backend"
	"github.com/robertguss/serialforge/internal/domain"
	"github.com/robertguss/serialforge/internal/genre"
	"github.com/robertguss/serialforge/internal/style"
)

// StagePlan names the planning stage in errors
const StagePlan = "plan"

// Planner turns a context payload into a chapter outline
type Planner struct {
	backend         backend.Backend
	titleSimilarity float64
	replans         int
	logger          *slog.Logger
}

// NewPlanner creates a planner. Titles more similar than titleSimilarity to
// an earlier title are re-planned up to replans times.
func NewPlanner(b backend.Backend, titleSimilarity float64, replans int, logger *slog.Logger) *Planner {
	return &Planner{backend: b, titleSimilarity: titleSimilarity, replans: replans, logger: logger}
}

// Plan produces an outline for payload.ChapterNumber. When every re-plan
// still collides with an earlier title the last outline is returned and the
// critic reports the collision.
func (p *Planner) Plan(ctx context.Context, payload *domain.ContextPayload, rules *genre.Rules, targetWords int) (*domain.ChapterOutline, error) {
	rules = rulesOrDefault(rules)
	if targetWords <= 0 {
		targetWords = rules.TargetWordCount
	}

	data := planData{
		Chapter:     payload.ChapterNumber,
		Title:       payload.Title,
		Genre:       payload.Genre,
		Finale:      payload.IsFinaleArc,
		Threads:     payload.ThreadsToAdvance(),
		POV:         rules.POV,
		StyleNotes:  rules.StyleNotes,
		Tension:     rules.TensionFor(payload.ChapterNumber, domain.ArcLength),
		TargetWords: targetWords,
		Context:     payload.Render(),
	}

	var outline *domain.ChapterOutline
	for round := 0; round <= p.replans; round++ {
		prompt, err := render(planTemplate, data)
		if err != nil {
			return nil, &domain.GenerationError{Stage: StagePlan, Cause: err}
		}

		resp, err := p.backend.Generate(ctx, backend.Request{
			Stage:       backend.StagePlan,
			System:      plannerSystem,
			Prompt:      prompt,
			JSON:        true,
			Temperature: rules.Temperature,
			Chapter:     payload.ChapterNumber,
			TargetWords: targetWords,
		})
		if err != nil {
			return nil, &domain.GenerationError{Stage: StagePlan, Cause: err}
		}

		var o domain.ChapterOutline
		if err := backend.ParseJSON(resp.Content, &o); err != nil {
			return nil, &domain.GenerationError{Stage: StagePlan, Cause: err}
		}
		if err := normalizeOutline(&o, payload.ChapterNumber, targetWords, rules.POV); err != nil {
			return nil, &domain.GenerationError{Stage: StagePlan, Cause: err}
		}
		outline = &o

		match, sim := style.FindMostSimilar(o.Title, payload.PreviousTitles)
		if sim <= p.titleSimilarity {
			return outline, nil
		}

		p.logger.Info("planned title too similar to an earlier chapter, re-planning",
			"chapter", payload.ChapterNumber,
			"title", o.Title,
			"match", match,
			"similarity", sim,
			"round", round)
		data.Rejected = append(data.Rejected, o.Title)
	}

	return outline, nil
}

// normalizeOutline fills defaults the model may leave out and rejects
// outlines that cannot be written. The word target is the caller's, not the
// model's; scene estimates are rescaled to split it.
func normalizeOutline(o *domain.ChapterOutline, chapter, targetWords int, pov string) error {
	o.ChapterNumber = chapter
	o.Title = strings.TrimSpace(o.Title)
	if len(o.Scenes) == 0 {
		return errors.New("outline has no scenes")
	}
	o.TargetWordCount = targetWords

	missing := 0
	for i := range o.Scenes {
		o.Scenes[i].Order = i + 1
		if o.Scenes[i].POV == "" {
			o.Scenes[i].POV = pov
		}
		if o.Scenes[i].EstimatedWords <= 0 {
			missing++
		}
	}
	if missing > 0 {
		share := max(1, (targetWords-o.EstimatedWords())/missing)
		for i := range o.Scenes {
			if o.Scenes[i].EstimatedWords <= 0 {
				o.Scenes[i].EstimatedWords = share
			}
		}
	}
	rescaleScenes(o, targetWords)
	return nil
}

// rescaleScenes scales scene estimates proportionally so they sum to target
func rescaleScenes(o *domain.ChapterOutline, target int) {
	total := o.EstimatedWords()
	if target <= 0 || total <= 0 || total == target || target < len(o.Scenes) {
		return
	}
	sum := 0
	for i := range o.Scenes {
		words := max(1, o.Scenes[i].EstimatedWords*target/total)
		o.Scenes[i].EstimatedWords = words
		sum += words
	}
	last := &o.Scenes[len(o.Scenes)-1]
	last.EstimatedWords = max(1, last.EstimatedWords+target-sum)
}
