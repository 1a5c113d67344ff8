package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Layer is an optional narrative-memory layer. An absent layer is distinct
// from a present but empty one.
type Layer[T any] struct {
	Present bool
	Value   T
}

// PresentLayer wraps a loaded value
func PresentLayer[T any](v T) Layer[T] {
	return Layer[T]{Present: true, Value: v}
}

// AbsentLayer returns the explicit absent marker
func AbsentLayer[T any]() Layer[T] {
	return Layer[T]{}
}

// Get returns the value and whether it is present
func (l Layer[T]) Get() (T, bool) {
	return l.Value, l.Present
}

// MarshalJSON encodes an absent layer as null
func (l Layer[T]) MarshalJSON() ([]byte, error) {
	if !l.Present {
		return []byte("null"), nil
	}
	return json.Marshal(l.Value)
}

// UnmarshalJSON treats null as absent
func (l *Layer[T]) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*l = Layer[T]{}
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*l = PresentLayer(v)
	return nil
}

// ChapterExcerpt is a trimmed view of a prior chapter
type ChapterExcerpt struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Excerpt string `json:"excerpt"`
}

// ChapterSnippet is a short numbered piece of a prior chapter (an opening or a cliffhanger)
type ChapterSnippet struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
}

// ContextPayload is the bounded narrative-memory snapshot assembled before generation.
// It is built fresh per job and never persisted.
type ContextPayload struct {
	ProjectID     string `json:"project_id"`
	ChapterNumber int    `json:"chapter_number"`
	TotalChapters int    `json:"total_chapters"`
	Title         string `json:"title"`
	Genre         string `json:"genre"`
	Premise       string `json:"premise"`

	StoryBible    Layer[string] `json:"story_bible"`
	MasterOutline Layer[string] `json:"master_outline"`

	RecentChapters     []ChapterExcerpt `json:"recent_chapters"`
	PreviousTitles     []string         `json:"previous_titles"`
	RecentOpenings     []ChapterSnippet `json:"recent_openings"`
	RecentCliffhangers []ChapterSnippet `json:"recent_cliffhangers"`

	KnownCharacterNames Layer[[]string]           `json:"known_character_names"`
	Synopsis            Layer[SynopsisStructured] `json:"synopsis_structured"`
	ArcPlan             Layer[ArcPlanThreads]     `json:"arc_plan_threads"`

	ArcIndex    int  `json:"arc_index"`
	IsFinaleArc bool `json:"is_finale_arc"`
}

// HasStoryBible reports whether a story bible has been generated yet
func (p *ContextPayload) HasStoryBible() bool {
	return p.StoryBible.Present && p.StoryBible.Value != ""
}

// KnownNames returns the known character names, or nil if absent
func (p *ContextPayload) KnownNames() []string {
	names, _ := p.KnownCharacterNames.Get()
	return names
}

// ThreadsToAdvance returns the current arc's threads to advance, or nil if absent
func (p *ContextPayload) ThreadsToAdvance() []string {
	plan, ok := p.ArcPlan.Get()
	if !ok {
		return nil
	}
	return plan.ThreadsToAdvance
}

// MaxReferencedChapter returns the highest chapter number referenced anywhere
// in the payload, or 0 if none.
func (p *ContextPayload) MaxReferencedChapter() int {
	highest := 0
	for _, c := range p.RecentChapters {
		highest = max(highest, c.Number)
	}
	for _, s := range p.RecentOpenings {
		highest = max(highest, s.Number)
	}
	for _, s := range p.RecentCliffhangers {
		highest = max(highest, s.Number)
	}
	return highest
}

// Size returns the byte length of the rendered prompt block. Every field the
// generation stages see counts toward it.
func (p *ContextPayload) Size() int {
	return len(p.Render())
}

const absentMarker = "(absent)"

// Render produces the prompt block handed to the generation stages
func (p *ContextPayload) Render() string {
	var b strings.Builder

	fmt.Fprintf(&b, "STORY: %s (%s)\n", p.Title, p.Genre)
	fmt.Fprintf(&b, "CHAPTER: %d of %d (arc %d", p.ChapterNumber, p.TotalChapters, p.ArcIndex+1)
	if p.IsFinaleArc {
		b.WriteString(", finale arc")
	}
	b.WriteString(")\n")
	if p.Premise != "" {
		fmt.Fprintf(&b, "PREMISE: %s\n", p.Premise)
	}

	b.WriteString("\n## Story bible\n")
	writeOrAbsent(&b, p.StoryBible.Value, p.HasStoryBible())

	b.WriteString("\n## Master outline\n")
	writeOrAbsent(&b, p.MasterOutline.Value, p.MasterOutline.Present && p.MasterOutline.Value != "")

	b.WriteString("\n## Synopsis so far\n")
	if syn, ok := p.Synopsis.Get(); ok {
		fmt.Fprintf(&b, "Protagonist: %s\n", syn.MCCurrentState)
		fmt.Fprintf(&b, "Allies: %s\n", joinOrNone(syn.ActiveAllies))
		fmt.Fprintf(&b, "Enemies: %s\n", joinOrNone(syn.ActiveEnemies))
		fmt.Fprintf(&b, "Open threads: %s\n", joinOrNone(syn.OpenThreads))
	} else {
		b.WriteString(absentMarker + "\n")
	}

	b.WriteString("\n## Arc plan\n")
	if plan, ok := p.ArcPlan.Get(); ok {
		fmt.Fprintf(&b, "Advance: %s\n", joinOrNone(plan.ThreadsToAdvance))
		fmt.Fprintf(&b, "Resolve: %s\n", joinOrNone(plan.ThreadsToResolve))
		fmt.Fprintf(&b, "Introduce: %s\n", joinOrNone(plan.NewThreads))
	} else {
		b.WriteString(absentMarker + "\n")
	}

	b.WriteString("\n## Known characters\n")
	if names, ok := p.KnownCharacterNames.Get(); ok {
		b.WriteString(joinOrNone(names) + "\n")
	} else {
		b.WriteString(absentMarker + "\n")
	}

	if len(p.RecentChapters) > 0 {
		b.WriteString("\n## Recent chapters\n")
		for _, c := range p.RecentChapters {
			fmt.Fprintf(&b, "### Chapter %d: %s\n%s\n", c.Number, c.Title, c.Excerpt)
		}
	}

	if len(p.PreviousTitles) > 0 {
		b.WriteString("\n## Titles already used\n")
		for _, t := range p.PreviousTitles {
			fmt.Fprintf(&b, "- %s\n", t)
		}
	}

	if len(p.RecentOpenings) > 0 {
		b.WriteString("\n## Recent openings (do not repeat)\n")
		for _, s := range p.RecentOpenings {
			fmt.Fprintf(&b, "- [%d] %s\n", s.Number, s.Text)
		}
	}

	if len(p.RecentCliffhangers) > 0 {
		b.WriteString("\n## Recent cliffhangers (do not repeat)\n")
		for _, s := range p.RecentCliffhangers {
			fmt.Fprintf(&b, "- [%d] %s\n", s.Number, s.Text)
		}
	}

	return b.String()
}

func writeOrAbsent(b *strings.Builder, s string, ok bool) {
	if !ok {
		b.WriteString(absentMarker + "\n")
		return
	}
	b.WriteString(s)
	b.WriteString("\n")
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(items, ", ")
}
