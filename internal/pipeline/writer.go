package pipeline

import (
	"context"
	"strings"

	"github.com/robertguss/serialforge/internal/backend"
	"github.com/robertguss/serialforge/internal/domain"
	"github.com/robertguss/serialforge/internal/genre"
	"github.com/robertguss/serialforge/internal/style"
)

// Stage names used in errors
const (
	StageWrite   = "write"
	StageRewrite = "rewrite"
)

const (
	tokensPerWord   = 2
	minSceneTokens  = 512
	previousTailLen = 600
)

// Writer expands outlines into prose
type Writer struct {
	backend backend.Backend
}

// NewWriter creates a writer
func NewWriter(b backend.Backend) *Writer {
	return &Writer{backend: b}
}

// Write drafts the chapter one scene at a time. Each scene sees the tail of
// the one before it.
func (w *Writer) Write(ctx context.Context, outline *domain.ChapterOutline, payload *domain.ContextPayload, rules *genre.Rules, attempt int) (domain.Draft, error) {
	rules = rulesOrDefault(rules)
	rendered := payload.Render()

	scenes := make([]string, 0, len(outline.Scenes))
	previous := ""
	for i, scene := range outline.Scenes {
		prompt, err := render(sceneTemplate, sceneData{
			Chapter:      outline.ChapterNumber,
			ChapterTitle: outline.Title,
			Scene:        scene,
			SceneCount:   len(outline.Scenes),
			Last:         i == len(outline.Scenes)-1,
			Cliffhanger:  outline.Cliffhanger,
			Previous:     previous,
			StyleNotes:   rules.StyleNotes,
			Banned:       rules.BannedPhrases,
			Context:      rendered,
		})
		if err != nil {
			return domain.Draft{}, &domain.GenerationError{Stage: StageWrite, Attempt: attempt, Cause: err}
		}

		resp, err := w.backend.Generate(ctx, backend.Request{
			Stage:       backend.StageScene,
			System:      writerSystem,
			Prompt:      prompt,
			Temperature: rules.Temperature,
			MaxTokens:   max(minSceneTokens, scene.EstimatedWords*tokensPerWord),
			Chapter:     outline.ChapterNumber,
			TargetWords: scene.EstimatedWords,
		})
		if err != nil {
			return domain.Draft{}, &domain.GenerationError{Stage: StageWrite, Attempt: attempt, Cause: err}
		}

		text := strings.TrimSpace(resp.Content)
		if text == "" {
			continue
		}
		scenes = append(scenes, text)
		previous = lastChars(text, previousTailLen)
	}

	return domain.Draft{
		Title:   outline.Title,
		Content: strings.Join(scenes, "\n\n"),
	}, nil
}

// Rewrite asks for a targeted revision of draft that fixes violations.
// A reply that comes back without content keeps the previous text.
func (w *Writer) Rewrite(ctx context.Context, draft domain.Draft, violations []domain.Violation, outline *domain.ChapterOutline, payload *domain.ContextPayload, rules *genre.Rules, attempt int) (domain.Draft, error) {
	rules = rulesOrDefault(rules)

	prompt, err := render(rewriteTemplate, rewriteData{
		Chapter:     outline.ChapterNumber,
		Violations:  violationsJSON(violations),
		TargetWords: outline.TargetWordCount,
		Titles:      payload.PreviousTitles,
		Names:       payload.KnownNames(),
		Title:       draft.Title,
		Content:     draft.Content,
	})
	if err != nil {
		return domain.Draft{}, &domain.GenerationError{Stage: StageRewrite, Attempt: attempt, Cause: err}
	}

	resp, err := w.backend.Generate(ctx, backend.Request{
		Stage:       backend.StageRewrite,
		System:      writerSystem,
		Prompt:      prompt,
		JSON:        true,
		Temperature: rules.Temperature,
		MaxTokens:   max(minSceneTokens, outline.TargetWordCount*tokensPerWord),
		Chapter:     outline.ChapterNumber,
		TargetWords: outline.TargetWordCount,
	})
	if err != nil {
		return domain.Draft{}, &domain.GenerationError{Stage: StageRewrite, Attempt: attempt, Cause: err}
	}

	var revised domain.Draft
	if err := backend.ParseJSON(resp.Content, &revised); err != nil {
		return domain.Draft{}, &domain.GenerationError{Stage: StageRewrite, Attempt: attempt, Cause: err}
	}
	revised.Title = strings.TrimSpace(revised.Title)
	revised.Content = strings.TrimSpace(revised.Content)
	if revised.Title == "" {
		revised.Title = draft.Title
	}
	if style.CountWords(revised.Content) == 0 {
		revised.Content = draft.Content
	}
	return revised, nil
}

func lastChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := len(s) - n
	if i := strings.IndexByte(s[cut:], ' '); i >= 0 {
		cut += i + 1
	}
	return s[cut:]
}
