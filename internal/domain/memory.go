package domain

import (
	"slices"
	"strings"
	"time"
)

// MemoryLayer names one narrative-memory document stored per project
type MemoryLayer string

const (
	LayerCharacterArcs     MemoryLayer = "character_arcs"
	LayerPowerState        MemoryLayer = "power_state"
	LayerVoiceFingerprint  MemoryLayer = "voice_fingerprint"
	LayerForeshadowingPlan MemoryLayer = "foreshadowing_plan"
	LayerPacingBlueprint   MemoryLayer = "pacing_blueprint"
	LayerLocationBible     MemoryLayer = "location_bible"
	LayerSynopsis          MemoryLayer = "synopsis_structured"
	LayerArcPlan           MemoryLayer = "arc_plan_threads"
)

// AllMemoryLayers returns every known layer
func AllMemoryLayers() []MemoryLayer {
	return []MemoryLayer{
		LayerCharacterArcs,
		LayerPowerState,
		LayerVoiceFingerprint,
		LayerForeshadowingPlan,
		LayerPacingBlueprint,
		LayerLocationBible,
		LayerSynopsis,
		LayerArcPlan,
	}
}

// ArcLength is the number of chapters in one arc
const ArcLength = 20

// ArcIndex returns the zero-based arc a chapter belongs to
func ArcIndex(chapter int) int {
	if chapter < 1 {
		return 0
	}
	return (chapter - 1) / ArcLength
}

// MemoryRecord is the stored form of a layer document
type MemoryRecord struct {
	ProjectID string
	Layer     MemoryLayer
	Data      []byte
	Chapter   int // chapter that produced this revision
	UpdatedAt time.Time
}

// CharacterArc tracks one character across the story
type CharacterArc struct {
	Name     string `json:"name"`
	Role     string `json:"role"`
	Arc      string `json:"arc"`
	Status   string `json:"status"`
	LastSeen int    `json:"last_seen"`
}

// CharacterArcs is the character-arc layer
type CharacterArcs struct {
	Characters     []CharacterArc `json:"characters"`
	UpdatedThrough int            `json:"updated_through"`
}

// Names returns the character names in stored order
func (c *CharacterArcs) Names() []string {
	names := make([]string, 0, len(c.Characters))
	for _, ch := range c.Characters {
		if ch.Name != "" {
			names = append(names, ch.Name)
		}
	}
	return names
}

// RecentNames returns up to n names, most recently seen first. Ties keep
// stored order. n <= 0 means no limit.
func (c *CharacterArcs) RecentNames(n int) []string {
	chars := slices.Clone(c.Characters)
	slices.SortStableFunc(chars, func(a, b CharacterArc) int {
		return b.LastSeen - a.LastSeen
	})
	names := make([]string, 0, min(len(chars), max(n, 0)))
	for _, ch := range chars {
		if n > 0 && len(names) == n {
			break
		}
		if ch.Name != "" {
			names = append(names, ch.Name)
		}
	}
	return names
}

// Merge upserts characters by case-insensitive name
func (c *CharacterArcs) Merge(updates []CharacterArc, chapter int) {
	index := make(map[string]int, len(c.Characters))
	for i, ch := range c.Characters {
		index[strings.ToLower(ch.Name)] = i
	}
	for _, u := range updates {
		if u.Name == "" {
			continue
		}
		u.LastSeen = chapter
		if i, ok := index[strings.ToLower(u.Name)]; ok {
			c.Characters[i] = u
			continue
		}
		index[strings.ToLower(u.Name)] = len(c.Characters)
		c.Characters = append(c.Characters, u)
	}
	c.UpdatedThrough = chapter
}

// PowerState is the protagonist's capability ledger
type PowerState struct {
	Level          string   `json:"level"`
	Abilities      []string `json:"abilities"`
	Resources      []string `json:"resources"`
	Limitations    []string `json:"limitations"`
	UpdatedThrough int      `json:"updated_through"`
}

// VoiceFingerprint captures measurable prose habits of recent chapters
type VoiceFingerprint struct {
	AvgSentenceLength      float64 `json:"avg_sentence_length"`
	SentenceLengthVariance float64 `json:"sentence_length_variance"`
	DialogueRatio          float64 `json:"dialogue_ratio"`
	AdverbRate             float64 `json:"adverb_rate"`
	WeakVerbRate           float64 `json:"weak_verb_rate"`
	PassiveRatio           float64 `json:"passive_ratio"`
	StyleScore             float64 `json:"style_score"`
	SampleChapters         []int   `json:"sample_chapters"`
	UpdatedThrough         int     `json:"updated_through"`
}

// ForeshadowSeed is one planted hint and its intended payoff
type ForeshadowSeed struct {
	Hint          string `json:"hint"`
	Thread        string `json:"thread"`
	PlantChapter  int    `json:"plant_chapter"`
	PayoffChapter int    `json:"payoff_chapter"`
}

// ForeshadowingPlan is regenerated at each arc boundary
type ForeshadowingPlan struct {
	Arc   int              `json:"arc"`
	Seeds []ForeshadowSeed `json:"seeds"`
}

// PacingBeat is the planned intensity for one chapter of an arc
type PacingBeat struct {
	Chapter int    `json:"chapter"`
	Tension int    `json:"tension"`
	Focus   string `json:"focus"`
}

// PacingBlueprint is regenerated at each arc boundary
type PacingBlueprint struct {
	Arc   int          `json:"arc"`
	Beats []PacingBeat `json:"beats"`
}

// Location is one setting in the location bible
type Location struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	FirstSeen   int    `json:"first_seen"`
	LastSeen    int    `json:"last_seen"`
}

// LocationBible is the location layer
type LocationBible struct {
	Locations      []Location `json:"locations"`
	UpdatedThrough int        `json:"updated_through"`
}

// Has reports whether a location with this name is already recorded
func (l *LocationBible) Has(name string) bool {
	for _, loc := range l.Locations {
		if strings.EqualFold(loc.Name, name) {
			return true
		}
	}
	return false
}

// Touch records a visit to name, adding it when new
func (l *LocationBible) Touch(name, description string, chapter int) {
	for i := range l.Locations {
		if strings.EqualFold(l.Locations[i].Name, name) {
			l.Locations[i].LastSeen = chapter
			if description != "" {
				l.Locations[i].Description = description
			}
			return
		}
	}
	l.Locations = append(l.Locations, Location{
		Name:        name,
		Description: description,
		FirstSeen:   chapter,
		LastSeen:    chapter,
	})
}

// SynopsisStructured is the rolling story state
type SynopsisStructured struct {
	MCCurrentState string   `json:"mc_current_state"`
	ActiveAllies   []string `json:"active_allies"`
	ActiveEnemies  []string `json:"active_enemies"`
	OpenThreads    []string `json:"open_threads"`
}

// ArcPlanThreads lists the narrative threads planned for one arc
type ArcPlanThreads struct {
	Arc              int      `json:"arc"`
	ThreadsToAdvance []string `json:"threads_to_advance"`
	ThreadsToResolve []string `json:"threads_to_resolve"`
	NewThreads       []string `json:"new_threads"`
}
