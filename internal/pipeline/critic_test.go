package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertguss/serialforge/internal/backend"
	"github.com/robertguss/serialforge/internal/domain"
	"github.com/robertguss/serialforge/internal/genre"
)

func newTestCritic() *Critic {
	return NewCritic(70, 0.25, 0.85)
}

func outlineFor(target int) *domain.ChapterOutline {
	return &domain.ChapterOutline{ChapterNumber: 1, Title: "The Broken Crown", TargetWordCount: target}
}

func categories(r *Review) []domain.ViolationCategory {
	var out []domain.ViolationCategory
	for _, v := range r.Violations {
		out = append(out, v.Category)
	}
	return out
}

func TestCritic_Review(t *testing.T) {
	c := newTestCritic()
	prose := backend.MockProse(targetWords, 1)
	draft := domain.Draft{Title: "The Broken Crown", Content: prose}

	base := c.Review(draft, outlineFor(targetWords), testPayload(), nil)
	require.True(t, base.Accepted, "clean prose should pass: %+v", base.Violations)
	assert.False(t, base.Blocking())
	assert.GreaterOrEqual(t, base.WordCount, targetWords)

	t.Run("empty draft is blocking with score zero", func(t *testing.T) {
		r := c.Review(domain.Draft{Title: "Anything", Content: "  \n"}, outlineFor(targetWords), testPayload(), nil)
		assert.Zero(t, r.Score)
		assert.False(t, r.Accepted)
		assert.True(t, r.Blocking())
		assert.Equal(t, []domain.ViolationCategory{domain.ViolationEmptyScenes}, categories(r))
	})

	t.Run("word count outside tolerance is blocking", func(t *testing.T) {
		short := domain.Draft{Title: "The Broken Crown", Content: backend.MockProse(300, 1)}
		r := c.Review(short, outlineFor(targetWords), testPayload(), nil)

		assert.False(t, r.Accepted)
		assert.True(t, r.Blocking())
		assert.Contains(t, categories(r), domain.ViolationWordCount)
		assert.GreaterOrEqual(t, r.Score, 70.0, "a high score never overrides a blocking violation")
	})

	t.Run("outline without a target skips the word count check", func(t *testing.T) {
		r := c.Review(draft, outlineFor(0), testPayload(), nil)
		assert.NotContains(t, categories(r), domain.ViolationWordCount)
	})

	t.Run("title similar to an earlier chapter costs points", func(t *testing.T) {
		payload := testPayload()
		payload.PreviousTitles = []string{"The Broken Crown"}

		r := c.Review(draft, outlineFor(targetWords), payload, nil)
		assert.Contains(t, categories(r), domain.ViolationTitle)
		assert.InDelta(t, base.Score-titlePenalty, r.Score, 0.01)
		assert.True(t, r.Accepted, "title collisions are major, not blocking")
	})

	t.Run("missing title costs points", func(t *testing.T) {
		r := c.Review(domain.Draft{Content: prose}, outlineFor(targetWords), testPayload(), nil)
		assert.Contains(t, categories(r), domain.ViolationTitle)
		assert.InDelta(t, base.Score-titlePenalty, r.Score, 0.01)
	})

	t.Run("misspelled character names", func(t *testing.T) {
		text := prose + " Kaell laughed at the rain while Mirra watched."
		withNames := testPayload()
		withNames.KnownCharacterNames = domain.PresentLayer([]string{"Kael", "Mira"})

		plain := c.Review(domain.Draft{Title: "The Broken Crown", Content: text}, outlineFor(targetWords), testPayload(), nil)
		r := c.Review(domain.Draft{Title: "The Broken Crown", Content: text}, outlineFor(targetWords), withNames, nil)

		assert.NotContains(t, categories(plain), domain.ViolationCharacter)
		assert.Contains(t, categories(r), domain.ViolationCharacter)
		assert.InDelta(t, plain.Score-2*namePenalty, r.Score, 0.01)
	})

	t.Run("banned phrases from genre rules", func(t *testing.T) {
		rules := genre.Default()
		rules.BannedPhrases = []string{"Red Cord", "never appears here"}

		r := c.Review(draft, outlineFor(targetWords), testPayload(), rules)
		var banned []domain.Violation
		for _, v := range r.Violations {
			if v.Category == domain.ViolationBanned {
				banned = append(banned, v)
			}
		}
		require.Len(t, banned, 1)
		assert.Equal(t, domain.SeverityMajor, banned[0].Severity)
		assert.InDelta(t, base.Score-bannedPenalty, r.Score, 0.01)
	})

	t.Run("weak prose is scored below the threshold", func(t *testing.T) {
		r := c.Review(domain.Draft{Title: "The Broken Crown", Content: weakProse(targetWords)}, outlineFor(targetWords), testPayload(), nil)
		assert.False(t, r.Accepted)
		assert.False(t, r.Blocking())
		assert.Less(t, r.Score, 70.0)
		for _, v := range r.Violations {
			if v.Category == domain.ViolationProse {
				assert.Equal(t, domain.SeverityMajor, v.Severity)
			}
		}
	})
}

func TestNameSuspects(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		known []string
		want  []NameSuspect
	}{
		{
			name:  "single edit on a short name",
			text:  "Kaell drew his blade.",
			known: []string{"Kael"},
			want:  []NameSuspect{{Found: "Kaell", Known: "Kael"}},
		},
		{
			name:  "exact match is fine",
			text:  "Kael drew his blade.",
			known: []string{"Kael"},
		},
		{
			name:  "lowercase words are ignored",
			text:  "the kaell of the bell",
			known: []string{"Kael"},
		},
		{
			name:  "short tokens are ignored",
			text:  "Kae ran.",
			known: []string{"Kael"},
		},
		{
			name:  "two edits on a short name is a different word",
			text:  "Kaelxx ran.",
			known: []string{"Kael"},
		},
		{
			name:  "two edits allowed on long names",
			text:  "Markos and Marcos argued.",
			known: []string{"Marcus"},
			want: []NameSuspect{
				{Found: "Marcos", Known: "Marcus"},
				{Found: "Markos", Known: "Marcus"},
			},
		},
		{
			name:  "multi-word names match by part",
			text:  "Lady Sarah Vane bowed.",
			known: []string{"Lady Serah Vane"},
			want:  []NameSuspect{{Found: "Sarah", Known: "Serah"}},
		},
		{
			name:  "each token reported once",
			text:  "Mirra smiled. Mirra left.",
			known: []string{"Mira"},
			want:  []NameSuspect{{Found: "Mirra", Known: "Mira"}},
		},
		{
			name: "no known names",
			text: "Kaell drew his blade.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NameSuspects(tt.text, tt.known))
		})
	}
}
