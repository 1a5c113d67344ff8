// Package quality keeps the narrative memory current after each accepted
// chapter. Every module is an independent read-modify-write of one layer and
// decides from the chapter number alone whether it runs.
package quality

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/robertguss/serialforge/internal/backend"
	"github.com/robertguss/serialforge/internal/domain"
	"github.com/robertguss/serialforge/internal/storage"
	"github.com/robertguss/serialforge/internal/style"
)

// VoiceSampleChapters is how many recent chapters the voice fingerprint measures
const VoiceSampleChapters = 5

// Input is the accepted chapter a module reacts to
type Input struct {
	Project *domain.Project
	Chapter *domain.Chapter
	Outline *domain.ChapterOutline // nil when the outline is unavailable
}

// Module is one memory or quality update
type Module interface {
	Name() string
	Due(in *Input) bool
	Run(ctx context.Context, in *Input) error
}

// base carries what every module needs
type base struct {
	store   storage.Storage
	backend backend.Backend
	now     func() time.Time
}

// DefaultModules returns every module in a stable order
func DefaultModules(store storage.Storage, b backend.Backend) []Module {
	bs := base{store: store, backend: b, now: time.Now}
	return []Module{
		&CharacterArcModule{bs},
		&PowerStateModule{bs},
		&VoiceFingerprintModule{bs},
		&ForeshadowingModule{bs},
		&PacingModule{bs},
		&LocationBibleModule{bs},
		&StoryBibleModule{bs},
		&SynopsisModule{bs},
		&ArcPlanModule{bs},
	}
}

// loadLayer returns the stored document, or the zero value when none exists
func loadLayer[T any](ctx context.Context, store storage.Storage, projectID string, layer domain.MemoryLayer) (T, bool, error) {
	var v T
	rec, err := store.GetMemory(ctx, projectID, layer)
	if errors.Is(err, domain.ErrNotFound) {
		return v, false, nil
	}
	if err != nil {
		return v, false, err
	}
	if err := json.Unmarshal(rec.Data, &v); err != nil {
		// a document that no longer decodes is rebuilt from scratch
		var zero T
		return zero, false, nil
	}
	return v, true, nil
}

func (b base) save(ctx context.Context, in *Input, layer domain.MemoryLayer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", layer, err)
	}
	return b.store.PutMemory(ctx, &domain.MemoryRecord{
		ProjectID: in.Project.ID,
		Layer:     layer,
		Data:      data,
		Chapter:   in.Chapter.Number,
		UpdatedAt: b.now().UTC(),
	})
}

func (b base) generateJSON(ctx context.Context, stage backend.Stage, system, prompt string, chapter int, v any) error {
	resp, err := b.backend.Generate(ctx, backend.Request{
		Stage:       stage,
		System:      system,
		Prompt:      prompt,
		JSON:        true,
		Temperature: 0.3,
		Chapter:     chapter,
	})
	if err != nil {
		return err
	}
	return backend.ParseJSON(resp.Content, v)
}

// CharacterArcModule merges per-chapter character changes into the arc layer
type CharacterArcModule struct{ base }

func (m *CharacterArcModule) Name() string { return string(domain.LayerCharacterArcs) }

func (m *CharacterArcModule) Due(in *Input) bool { return CharacterArcDue(in.Chapter.Number) }

func (m *CharacterArcModule) Run(ctx context.Context, in *Input) error {
	n := in.Chapter.Number
	arcs, _, err := loadLayer[domain.CharacterArcs](ctx, m.store, in.Project.ID, domain.LayerCharacterArcs)
	if err != nil {
		return err
	}

	var reply struct {
		Characters []domain.CharacterArc `json:"characters"`
	}
	prompt := fmt.Sprintf(characterPrompt, n, toJSON(arcs.Characters), chapterBrief(in))
	if err := m.generateJSON(ctx, backend.StageCharacterArcs, continuitySystem, prompt, n, &reply); err != nil {
		return err
	}

	arcs.Merge(reply.Characters, n)
	return m.save(ctx, in, domain.LayerCharacterArcs, arcs)
}

// PowerStateModule replaces the protagonist's capability ledger
type PowerStateModule struct{ base }

func (m *PowerStateModule) Name() string { return string(domain.LayerPowerState) }

func (m *PowerStateModule) Due(in *Input) bool { return PowerStateDue(in.Chapter.Number) }

func (m *PowerStateModule) Run(ctx context.Context, in *Input) error {
	n := in.Chapter.Number
	current, _, err := loadLayer[domain.PowerState](ctx, m.store, in.Project.ID, domain.LayerPowerState)
	if err != nil {
		return err
	}

	var next domain.PowerState
	prompt := fmt.Sprintf(powerStatePrompt, n, toJSON(current), chapterBrief(in))
	if err := m.generateJSON(ctx, backend.StagePowerState, continuitySystem, prompt, n, &next); err != nil {
		return err
	}
	if next.Level == "" && len(next.Abilities) == 0 {
		return errors.New("power state reply is empty")
	}

	next.UpdatedThrough = n
	return m.save(ctx, in, domain.LayerPowerState, next)
}

// VoiceFingerprintModule measures the prose habits of recent chapters. It
// makes no backend calls.
type VoiceFingerprintModule struct{ base }

func (m *VoiceFingerprintModule) Name() string { return string(domain.LayerVoiceFingerprint) }

func (m *VoiceFingerprintModule) Due(in *Input) bool { return VoiceFingerprintDue(in.Chapter.Number) }

func (m *VoiceFingerprintModule) Run(ctx context.Context, in *Input) error {
	n := in.Chapter.Number
	chapters, err := m.store.ListChapters(ctx, storage.ChapterQuery{
		ProjectID:      in.Project.ID,
		Before:         n + 1,
		Limit:          VoiceSampleChapters,
		IncludeContent: true,
	})
	if err != nil {
		return err
	}
	if len(chapters) == 0 {
		return errors.New("no chapters to sample")
	}

	fp := Fingerprint(chapters)
	fp.UpdatedThrough = n
	return m.save(ctx, in, domain.LayerVoiceFingerprint, fp)
}

// Fingerprint averages the style measurements of chapters
func Fingerprint(chapters []*domain.Chapter) domain.VoiceFingerprint {
	var fp domain.VoiceFingerprint
	sampled := 0
	for _, ch := range chapters {
		r := style.AnalyzeStyle(ch.Content)
		if r.WordCount == 0 {
			continue
		}
		sampled++
		fp.AvgSentenceLength += r.SentenceVariety.AvgLength
		fp.SentenceLengthVariance += r.SentenceVariety.LengthVariance
		fp.DialogueRatio += r.DialogueRatio
		fp.AdverbRate += float64(r.AdverbCount) * 100 / float64(r.WordCount)
		fp.WeakVerbRate += r.WeakVerbDensity
		fp.PassiveRatio += r.PassiveRatio
		fp.StyleScore += r.OverallScore
		fp.SampleChapters = append(fp.SampleChapters, ch.Number)
	}
	if sampled == 0 {
		return fp
	}

	avg := func(v float64) float64 { return math.Round(v/float64(sampled)*100) / 100 }
	fp.AvgSentenceLength = avg(fp.AvgSentenceLength)
	fp.SentenceLengthVariance = avg(fp.SentenceLengthVariance)
	fp.DialogueRatio = avg(fp.DialogueRatio)
	fp.AdverbRate = avg(fp.AdverbRate)
	fp.WeakVerbRate = avg(fp.WeakVerbRate)
	fp.PassiveRatio = avg(fp.PassiveRatio)
	fp.StyleScore = avg(fp.StyleScore)
	sort.Ints(fp.SampleChapters)
	return fp
}

// ForeshadowingModule plans the hints of the coming arc
type ForeshadowingModule struct{ base }

func (m *ForeshadowingModule) Name() string { return string(domain.LayerForeshadowingPlan) }

func (m *ForeshadowingModule) Due(in *Input) bool { return ArcBoundary(in.Chapter.Number) }

func (m *ForeshadowingModule) Run(ctx context.Context, in *Input) error {
	n := in.Chapter.Number
	synopsis, _, err := loadLayer[domain.SynopsisStructured](ctx, m.store, in.Project.ID, domain.LayerSynopsis)
	if err != nil {
		return err
	}

	var plan domain.ForeshadowingPlan
	prompt := fmt.Sprintf(foreshadowingPrompt, n, domain.ArcLength, n+1, n+domain.ArcLength,
		joinOrNone(synopsis.OpenThreads), chapterBrief(in))
	if err := m.generateJSON(ctx, backend.StageForeshadowing, plotSystem, prompt, n, &plan); err != nil {
		return err
	}

	plan.Arc = domain.ArcIndex(n + 1)
	seeds := plan.Seeds[:0]
	for _, s := range plan.Seeds {
		if s.Hint == "" {
			continue
		}
		// seeds are only planted in chapters not yet written
		s.PlantChapter = max(s.PlantChapter, n+1)
		s.PayoffChapter = max(s.PayoffChapter, s.PlantChapter)
		seeds = append(seeds, s)
	}
	plan.Seeds = seeds
	return m.save(ctx, in, domain.LayerForeshadowingPlan, plan)
}

// PacingModule plans the tension curve of the coming arc
type PacingModule struct{ base }

func (m *PacingModule) Name() string { return string(domain.LayerPacingBlueprint) }

func (m *PacingModule) Due(in *Input) bool { return ArcBoundary(in.Chapter.Number) }

func (m *PacingModule) Run(ctx context.Context, in *Input) error {
	n := in.Chapter.Number

	var bp domain.PacingBlueprint
	prompt := fmt.Sprintf(pacingPrompt, n, n+1, n+domain.ArcLength, chapterBrief(in))
	if err := m.generateJSON(ctx, backend.StagePacing, plotSystem, prompt, n, &bp); err != nil {
		return err
	}
	if len(bp.Beats) == 0 {
		return errors.New("pacing reply has no beats")
	}

	bp.Arc = domain.ArcIndex(n + 1)
	for i := range bp.Beats {
		bp.Beats[i].Tension = min(10, max(1, bp.Beats[i].Tension))
	}
	sort.SliceStable(bp.Beats, func(i, j int) bool { return bp.Beats[i].Chapter < bp.Beats[j].Chapter })
	return m.save(ctx, in, domain.LayerPacingBlueprint, bp)
}

// LocationBibleModule records settings the story visits
type LocationBibleModule struct{ base }

func (m *LocationBibleModule) Name() string { return string(domain.LayerLocationBible) }

// Due needs the stored bible to know whether a setting is new, so the final
// decision is made in Run
func (m *LocationBibleModule) Due(in *Input) bool {
	return (in.Outline != nil && len(in.Outline.Settings()) > 0) || ArcBoundary(in.Chapter.Number)
}

func (m *LocationBibleModule) Run(ctx context.Context, in *Input) error {
	n := in.Chapter.Number
	bible, _, err := loadLayer[domain.LocationBible](ctx, m.store, in.Project.ID, domain.LayerLocationBible)
	if err != nil {
		return err
	}

	var visited, fresh []string
	if in.Outline != nil {
		visited = in.Outline.Settings()
	}
	for _, s := range visited {
		if !bible.Has(s) {
			fresh = append(fresh, s)
		}
	}
	if !LocationBibleDue(n, len(fresh) > 0) {
		return nil
	}

	known := make([]string, 0, len(bible.Locations))
	for _, loc := range bible.Locations {
		known = append(known, loc.Name)
	}

	var reply struct {
		Locations []domain.Location `json:"locations"`
	}
	prompt := fmt.Sprintf(locationPrompt, n, joinOrNone(visited), joinOrNone(known), chapterBrief(in))
	if err := m.generateJSON(ctx, backend.StageLocations, continuitySystem, prompt, n, &reply); err != nil {
		return err
	}

	for _, s := range visited {
		bible.Touch(s, "", n)
	}
	for _, loc := range reply.Locations {
		if name := strings.TrimSpace(loc.Name); name != "" {
			bible.Touch(name, strings.TrimSpace(loc.Description), n)
		}
	}
	bible.UpdatedThrough = n
	return m.save(ctx, in, domain.LayerLocationBible, bible)
}

// StoryBibleModule rewrites the project's story bible
type StoryBibleModule struct{ base }

func (m *StoryBibleModule) Name() string { return "story_bible" }

func (m *StoryBibleModule) Due(in *Input) bool { return StoryBibleDue(in.Chapter.Number) }

func (m *StoryBibleModule) Run(ctx context.Context, in *Input) error {
	n := in.Chapter.Number
	p := in.Project
	current := p.StoryBible
	if current == "" {
		current = "(none yet)"
	}

	resp, err := m.backend.Generate(ctx, backend.Request{
		Stage:       backend.StageStoryBible,
		System:      plotSystem,
		Prompt:      fmt.Sprintf(storyBiblePrompt, p.Title, p.Genre, n, p.Synopsis, current, chapterBrief(in)),
		Temperature: 0.3,
		Chapter:     n,
	})
	if err != nil {
		return err
	}

	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return errors.New("story bible reply is empty")
	}
	return m.store.UpdateStoryBible(ctx, p.ID, text, m.now().UTC())
}

// SynopsisModule refreshes the structured synopsis
type SynopsisModule struct{ base }

func (m *SynopsisModule) Name() string { return string(domain.LayerSynopsis) }

func (m *SynopsisModule) Due(in *Input) bool { return SynopsisDue(in.Chapter.Number) }

func (m *SynopsisModule) Run(ctx context.Context, in *Input) error {
	n := in.Chapter.Number
	current, _, err := loadLayer[domain.SynopsisStructured](ctx, m.store, in.Project.ID, domain.LayerSynopsis)
	if err != nil {
		return err
	}

	var next domain.SynopsisStructured
	prompt := fmt.Sprintf(synopsisPrompt, n, toJSON(current), chapterBrief(in))
	if err := m.generateJSON(ctx, backend.StageSynopsis, continuitySystem, prompt, n, &next); err != nil {
		return err
	}
	if next.MCCurrentState == "" {
		return errors.New("synopsis reply has no protagonist state")
	}
	return m.save(ctx, in, domain.LayerSynopsis, next)
}

// ArcPlanModule plans the threads of the arc that starts after this chapter
type ArcPlanModule struct{ base }

func (m *ArcPlanModule) Name() string { return string(domain.LayerArcPlan) }

func (m *ArcPlanModule) Due(in *Input) bool { return ArcPlanDue(in.Chapter.Number) }

func (m *ArcPlanModule) Run(ctx context.Context, in *Input) error {
	n := in.Chapter.Number
	synopsis, _, err := loadLayer[domain.SynopsisStructured](ctx, m.store, in.Project.ID, domain.LayerSynopsis)
	if err != nil {
		return err
	}

	arc := domain.ArcIndex(n + 1)
	first := arc*domain.ArcLength + 1
	last := first + domain.ArcLength - 1
	if total := in.Project.TotalChapters; total > 0 {
		last = min(last, total)
	}

	openThreads := len(synopsis.OpenThreads)
	note := ""
	if style.ShouldBeFinaleArc(n, in.Project.TotalChapters, &openThreads) {
		note = finaleNote
	}

	var plan domain.ArcPlanThreads
	prompt := fmt.Sprintf(arcPlanPrompt, arc+1, in.Project.Title, first, last, in.Project.TotalChapters,
		joinOrNone(synopsis.OpenThreads), chapterBrief(in), note)
	if err := m.generateJSON(ctx, backend.StageArcPlan, plotSystem, prompt, n, &plan); err != nil {
		return err
	}

	plan.Arc = arc
	return m.save(ctx, in, domain.LayerArcPlan, plan)
}
