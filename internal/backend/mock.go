package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/robertguss/serialforge/internal/domain"
	"github.com/robertguss/serialforge/internal/style"
)

// DefaultMockWords is the chapter length the mock plans when the request
// carries no target
const DefaultMockWords = 1200

var mockSentences = []string{
	"Rain hammered the slate roofs of the lower city.",
	"Kael ducked under a torn awning.",
	"Somewhere above him a bell tolled the third hour, and the watchmen shifted their spears against the cold stone of the gate.",
	"He waited.",
	`"You came alone," Mira said, stepping out of the shadow with her hood drawn low.`,
	"Smoke curled from the forge behind her.",
	"Neither of them moved for a long breath, and the rain filled the silence between them.",
	`"The ledger," he said.`,
	"She held out a sealed packet wrapped in oilcloth and tied with red cord.",
	"Footsteps echoed from the far end of the alley.",
	"Kael pocketed the packet and ran.",
	"Behind him, lanterns flared one by one along the wall as the alarm spread through the district.",
}

var (
	titleAdjectives = []string{"Broken", "Silent", "Hidden", "Burning", "Hollow", "Crimson", "Frozen", "Iron", "Shattered", "Distant", "Sunken", "Gilded", "Ashen"}
	titleNouns      = []string{"Crown", "Gate", "Ledger", "Tide", "Oath", "Lantern", "Bridge", "Harbor", "Vault", "Market", "Spire"}
	mockSettings    = []string{"Lower City Docks", "Ember Forge", "Watchtower Gate", "Old Archive", "Salt Market"}
)

// Mock is a deterministic offline backend. Its prose passes the style
// heuristics and its JSON matches what each stage expects, so a full job
// can run without a provider.
type Mock struct{}

var _ Backend = Mock{}

// NewMock creates a mock backend
func NewMock() Mock { return Mock{} }

// MockTitle is the title the mock plans for a chapter
func MockTitle(chapter int) string {
	i := chapter - 1
	if i < 0 {
		i = 0
	}
	return fmt.Sprintf("The %s %s", titleAdjectives[i%len(titleAdjectives)], titleNouns[i%len(titleNouns)])
}

// MockProse returns at least words words of clean prose, four sentences to a
// paragraph. seed rotates the starting sentence.
func MockProse(words, seed int) string {
	if words <= 0 {
		return ""
	}
	var b strings.Builder
	count := 0
	for i := 0; count < words; i++ {
		s := mockSentences[(seed+i)%len(mockSentences)]
		switch {
		case i == 0:
		case i%4 == 0:
			b.WriteString("\n\n")
		default:
			b.WriteString(" ")
		}
		b.WriteString(s)
		count += style.CountWords(s)
	}
	return b.String()
}

// Generate returns the canned output for req.Stage
func (Mock) Generate(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	target := req.TargetWords
	if target <= 0 {
		target = DefaultMockWords
	}
	n := req.Chapter
	if n < 1 {
		n = 1
	}

	var out any
	switch req.Stage {
	case StagePlan:
		out = mockOutline(n, target)
	case StageScene:
		return &Response{Content: MockProse(target, n)}, nil
	case StageRewrite:
		out = domain.Draft{Title: MockTitle(n), Content: MockProse(target, n+1)}
	case StageCharacterArcs:
		out = struct {
			Characters []domain.CharacterArc `json:"characters"`
		}{[]domain.CharacterArc{
			{Name: "Kael", Role: "protagonist", Arc: "courier drawn into the ledger conspiracy", Status: "active"},
			{Name: "Mira", Role: "ally", Arc: "smith hiding her guild past", Status: "active"},
		}}
	case StagePowerState:
		out = domain.PowerState{
			Level:       fmt.Sprintf("initiate, tier %d", 1+n/10),
			Abilities:   []string{"shadow step"},
			Resources:   []string{"sealed ledger"},
			Limitations: []string{"cannot cross warded stone"},
		}
	case StageForeshadowing:
		out = domain.ForeshadowingPlan{Seeds: []domain.ForeshadowSeed{
			{Hint: "red cord on the packet", Thread: "the ledger", PlantChapter: n + 1, PayoffChapter: n + 12},
		}}
	case StagePacing:
		beats := make([]domain.PacingBeat, 0, domain.ArcLength)
		for i := 1; i <= domain.ArcLength; i++ {
			beats = append(beats, domain.PacingBeat{Chapter: n + i, Tension: 3 + (i*3)%7, Focus: "pursuit"})
		}
		out = domain.PacingBlueprint{Beats: beats}
	case StageLocations:
		out = struct {
			Locations []domain.Location `json:"locations"`
		}{[]domain.Location{{Name: mockSettings[(n-1)%len(mockSettings)], Description: "rain-slick stone and lantern light"}}}
	case StageStoryBible:
		return &Response{Content: "Kael, a courier in the lower city, carries a ledger that can topple the guilds. Mira arms him."}, nil
	case StageSynopsis:
		out = domain.SynopsisStructured{
			MCCurrentState: fmt.Sprintf("Kael flees with the ledger after chapter %d", n),
			ActiveAllies:   []string{"Mira"},
			ActiveEnemies:  []string{"the Watch"},
			OpenThreads:    []string{"the ledger", "Mira's guild past", "the third bell"},
		}
	case StageArcPlan:
		out = domain.ArcPlanThreads{
			Arc:              domain.ArcIndex(n + 1),
			ThreadsToAdvance: []string{"the ledger"},
			ThreadsToResolve: []string{"the third bell"},
			NewThreads:       []string{"a rival courier"},
		}
	default:
		return &Response{Content: MockProse(target, n)}, nil
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	return &Response{Content: string(data)}, nil
}

func mockOutline(n, target int) domain.ChapterOutline {
	per := target / 3
	scenes := make([]domain.SceneOutline, 3)
	for i := range scenes {
		scenes[i] = domain.SceneOutline{
			Order:          i + 1,
			Setting:        mockSettings[(n-1+i)%len(mockSettings)],
			Characters:     []string{"Kael", "Mira"},
			Goal:           "get the ledger out of the district",
			Conflict:       "the Watch closes the gates",
			Resolution:     "Kael slips through the smoke",
			EstimatedWords: per,
			POV:            "Kael",
		}
	}
	scenes[2].EstimatedWords = target - 2*per

	return domain.ChapterOutline{
		ChapterNumber: n,
		Title:         MockTitle(n),
		Scenes:        scenes,
		EmotionalArc: domain.EmotionalArc{
			Opening:  "unease",
			Midpoint: "resolve",
			Climax:   "desperation",
			Closing:  "dread",
		},
		TensionLevel:    6,
		DopaminePoints:  []string{"the handoff succeeds"},
		Cliffhanger:     "lanterns flare along the wall",
		TargetWordCount: target,
	}
}
