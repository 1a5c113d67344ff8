package pipeline

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/robertguss/serialforge/internal/domain"
	"github.com/robertguss/serialforge/internal/genre"
	"github.com/robertguss/serialforge/internal/style"
)

// Continuity penalties subtracted from the prose score
const (
	titlePenalty     = 10.0
	wordCountPenalty = 15.0
	namePenalty      = 5.0
	nameCap          = 15.0
	bannedPenalty    = 5.0
	bannedCap        = 15.0

	minNameLength = 4
)

// Review is the critic's verdict on one draft
type Review struct {
	Score      float64            `json:"score"`
	Accepted   bool               `json:"accepted"`
	WordCount  int                `json:"word_count"`
	Violations []domain.Violation `json:"violations"`
	Style      style.Result       `json:"style"`
}

// Blocking reports whether any violation rejects the draft outright
func (r *Review) Blocking() bool {
	for _, v := range r.Violations {
		if v.Severity == domain.SeverityBlocking {
			return true
		}
	}
	return false
}

// Critic scores drafts. It is pure: no backend calls, no I/O.
type Critic struct {
	threshold       float64
	wordTolerance   float64
	titleSimilarity float64
}

// NewCritic creates a critic
func NewCritic(threshold, wordTolerance, titleSimilarity float64) *Critic {
	return &Critic{
		threshold:       threshold,
		wordTolerance:   wordTolerance,
		titleSimilarity: titleSimilarity,
	}
}

// Review scores draft against the outline and the story so far. The score is
// the style engine's overall score minus continuity penalties; a draft is
// accepted when the score reaches the threshold and nothing is blocking.
func (c *Critic) Review(draft domain.Draft, outline *domain.ChapterOutline, payload *domain.ContextPayload, rules *genre.Rules) *Review {
	rules = rulesOrDefault(rules)

	analysis := style.AnalyzeStyle(draft.Content)
	r := &Review{
		WordCount:  analysis.WordCount,
		Style:      analysis,
		Violations: []domain.Violation{},
	}
	score := analysis.OverallScore

	if analysis.WordCount == 0 {
		r.add(domain.ViolationEmptyScenes, domain.SeverityBlocking, "draft has no prose")
		r.Score = 0
		return r
	}

	proseSeverity := domain.SeverityMinor
	if analysis.OverallScore < c.threshold {
		proseSeverity = domain.SeverityMajor
	}
	for _, issue := range analysis.Issues {
		r.add(domain.ViolationProse, proseSeverity, issue)
	}

	if target := outline.TargetWordCount; target > 0 {
		low := int(math.Floor(float64(target) * (1 - c.wordTolerance)))
		high := int(math.Ceil(float64(target) * (1 + c.wordTolerance)))
		if r.WordCount < low || r.WordCount > high {
			r.add(domain.ViolationWordCount, domain.SeverityBlocking,
				fmt.Sprintf("%d words, expected %d-%d (target %d)", r.WordCount, low, high, target))
			score -= wordCountPenalty
		}
	}

	if strings.TrimSpace(draft.Title) == "" {
		r.add(domain.ViolationTitle, domain.SeverityMajor, "chapter has no title")
		score -= titlePenalty
	} else if match, sim := style.FindMostSimilar(draft.Title, payload.PreviousTitles); sim > c.titleSimilarity {
		r.add(domain.ViolationTitle, domain.SeverityMajor,
			fmt.Sprintf("title %q is %.0f%% similar to earlier title %q", draft.Title, sim*100, match))
		score -= titlePenalty
	}

	misspelled := NameSuspects(draft.Content, payload.KnownNames())
	for _, s := range misspelled {
		r.add(domain.ViolationCharacter, domain.SeverityMajor,
			fmt.Sprintf("%q looks like a misspelling of %q", s.Found, s.Known))
	}
	score -= math.Min(nameCap, float64(len(misspelled))*namePenalty)

	lower := strings.ToLower(draft.Content)
	banned := 0
	for _, phrase := range rules.BannedPhrases {
		if phrase != "" && strings.Contains(lower, strings.ToLower(phrase)) {
			r.add(domain.ViolationBanned, domain.SeverityMajor, fmt.Sprintf("banned phrase %q", phrase))
			banned++
		}
	}
	score -= math.Min(bannedCap, float64(banned)*bannedPenalty)

	r.Score = math.Round(math.Max(0, math.Min(100, score))*100) / 100
	r.Accepted = r.Score >= c.threshold && !r.Blocking()
	return r
}

func (r *Review) add(cat domain.ViolationCategory, sev domain.Severity, detail string) {
	r.Violations = append(r.Violations, domain.Violation{Category: cat, Severity: sev, Detail: detail})
}

// NameSuspect is a capitalized word that nearly matches a known character name
type NameSuspect struct {
	Found string
	Known string
}

// NameSuspects finds capitalized words within a small edit distance of a
// known name without matching it. Names shorter than six letters tolerate
// one edit, longer names two.
func NameSuspects(text string, known []string) []NameSuspect {
	if len(known) == 0 {
		return nil
	}

	exact := make(map[string]bool, len(known))
	var names []string
	for _, k := range known {
		for _, part := range strings.Fields(k) {
			if !exact[part] {
				exact[part] = true
				names = append(names, part)
			}
		}
	}
	sort.Strings(names)

	seen := make(map[string]bool)
	var out []NameSuspect
	for _, tok := range strings.FieldsFunc(text, func(r rune) bool { return !unicode.IsLetter(r) }) {
		if seen[tok] || exact[tok] || len([]rune(tok)) < minNameLength {
			continue
		}
		seen[tok] = true
		if first := []rune(tok)[0]; !unicode.IsUpper(first) {
			continue
		}
		for _, name := range names {
			if len([]rune(name)) < minNameLength {
				continue
			}
			limit := 1
			if len([]rune(name)) >= 6 {
				limit = 2
			}
			if d := style.EditDistance(tok, name); d >= 1 && d <= limit {
				out = append(out, NameSuspect{Found: tok, Known: name})
				break
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Found < out[j].Found })
	return out
}
