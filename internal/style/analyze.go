// Package style implements deterministic prose heuristics used to gate chapter
// acceptance. Nothing in this package performs I/O.
package style

import (
	"fmt"
	"math"
	"regexp"
	"strings"
)

// NeutralScore is returned for text with nothing to measure
const NeutralScore = 50.0

// ExpositionDumpWords is the paragraph length at which a dialogue-free
// paragraph counts as an exposition dump
const ExpositionDumpWords = 150

// SentenceVariety describes the spread of sentence lengths in words
type SentenceVariety struct {
	AvgLength      float64 `json:"avg_length"`
	LengthVariance float64 `json:"length_variance"`
	Score          float64 `json:"score"`
}

// ExpositionDump is a long paragraph without dialogue
type ExpositionDump struct {
	Paragraph int `json:"paragraph"`
	Words     int `json:"words"`
}

// Result is the outcome of one AnalyzeStyle call
type Result struct {
	OverallScore    float64          `json:"overall_score"`
	WordCount       int              `json:"word_count"`
	SentenceCount   int              `json:"sentence_count"`
	WeakVerbs       []string         `json:"weak_verbs"`
	WeakVerbDensity float64          `json:"weak_verb_density"` // per 100 words
	AdverbCount     int              `json:"adverb_count"`
	AdverbOveruse   []string         `json:"adverb_overuse"` // sentences with clustered -ly adverbs
	TellInstances   []string         `json:"tell_instances"`
	PurpleProse     []string         `json:"purple_prose"`
	PassiveVoice    []string         `json:"passive_voice"`
	PassiveRatio    float64          `json:"passive_ratio"`
	SentenceVariety SentenceVariety  `json:"sentence_variety"`
	ExpositionDumps []ExpositionDump `json:"exposition_dumps"`
	DialogueRatio   float64          `json:"dialogue_ratio"`
	Issues          []string         `json:"issues"`
	Suggestions     []string         `json:"suggestions"`
}

var weakVerbs = map[string]bool{
	"was": true, "were": true, "is": true, "are": true, "be": true, "been": true, "being": true,
	"seem": true, "seemed": true, "seems": true,
	"got": true, "get": true, "gets": true,
	"went": true, "put": true, "made": true,
	"started": true, "began": true,
}

// -ly words that are not adverbs
var lyExceptions = map[string]bool{
	"only": true, "family": true, "early": true, "reply": true, "supply": true, "apply": true,
	"holy": true, "ugly": true, "belly": true, "jelly": true, "silly": true, "lonely": true,
	"friendly": true, "lovely": true, "daily": true, "likely": true, "ally": true, "rally": true,
	"italy": true, "july": true, "lily": true, "emily": true, "bully": true, "curly": true,
	"chilly": true, "oily": true, "costly": true, "deadly": true, "elderly": true, "lively": true,
	"wily": true, "fly": true, "rely": true, "sly": true, "assembly": true, "anomaly": true,
	"butterfly": true, "monopoly": true, "melancholy": true, "kelly": true, "holly": true,
}

var hyperbole = map[string]bool{
	"incredibly": true, "unbelievably": true, "utterly": true, "absolutely": true,
	"infinitely": true, "impossibly": true, "breathtaking": true, "magnificent": true,
	"indescribable": true, "ethereal": true, "resplendent": true, "luminous": true,
	"transcendent": true, "unfathomable": true, "cataclysmic": true, "earth-shattering": true,
	"mind-blowing": true, "overwhelming": true, "eternal": true, "boundless": true,
	"glorious": true, "majestic": true, "sublime": true, "exquisite": true, "otherworldly": true,
}

var (
	tellPattern = regexp.MustCompile(`(?i)\b(felt|feel|feels|realized|realised|realizes|knew|knows|noticed|sensed|understood|wondered)\s+(that|how|as if|as though)\b`)

	tellEmotion = regexp.MustCompile(`(?i)\b(felt|feel|feels|was|were|seemed)\s+(very\s+|so\s+|really\s+)?(angry|sad|happy|afraid|scared|nervous|excited|furious|terrified|jealous|guilty|lonely|anxious|ashamed|relieved|confused)\b`)

	passivePattern = regexp.MustCompile(`(?i)\b(am|is|are|was|were|be|been|being)\s+(\w+ly\s+)?(\w+ed|\w+en|born|built|caught|done|found|given|held|kept|known|left|lost|made|paid|seen|sent|shown|sold|struck|taken|told|thrown|won|written|bound|hidden|bitten|torn|worn)\b`)
)

// AnalyzeStyle scores prose quality. It is deterministic and never fails;
// text with no words gets the neutral result.
func AnalyzeStyle(text string) Result {
	res := Result{
		WeakVerbs:       []string{},
		AdverbOveruse:   []string{},
		TellInstances:   []string{},
		PurpleProse:     []string{},
		PassiveVoice:    []string{},
		ExpositionDumps: []ExpositionDump{},
		Issues:          []string{},
		Suggestions:     []string{},
	}

	words := Words(text)
	if len(words) == 0 {
		res.OverallScore = NeutralScore
		res.SentenceVariety = SentenceVariety{Score: NeutralScore}
		return res
	}
	res.WordCount = len(words)

	sentences := SplitSentences(text)
	res.SentenceCount = len(sentences)

	for _, w := range words {
		if weakVerbs[w] {
			res.WeakVerbs = append(res.WeakVerbs, w)
		}
	}
	res.WeakVerbDensity = float64(len(res.WeakVerbs)) / float64(len(words)) * 100

	passiveSentences := 0
	for _, s := range sentences {
		sw := Words(s)

		adverbs, hyper := 0, 0
		for _, w := range sw {
			if isAdverb(w) {
				adverbs++
			}
			if hyperbole[w] {
				hyper++
			}
		}
		res.AdverbCount += adverbs
		if adverbs >= 2 {
			res.AdverbOveruse = append(res.AdverbOveruse, s)
		}
		if hyper >= 2 {
			res.PurpleProse = append(res.PurpleProse, s)
		}

		for _, m := range tellPattern.FindAllString(s, -1) {
			res.TellInstances = append(res.TellInstances, m)
		}
		for _, m := range tellEmotion.FindAllString(s, -1) {
			res.TellInstances = append(res.TellInstances, m)
		}

		if m := passivePattern.FindString(s); m != "" {
			passiveSentences++
			res.PassiveVoice = append(res.PassiveVoice, m)
		}
	}
	if len(sentences) > 0 {
		res.PassiveRatio = float64(passiveSentences) / float64(len(sentences))
	}

	res.SentenceVariety = sentenceVariety(sentences)

	paragraphs := SplitParagraphs(text)
	withDialogue := 0
	for i, p := range paragraphs {
		if HasDialogue(p) {
			withDialogue++
			continue
		}
		if n := CountWords(p); n >= ExpositionDumpWords {
			res.ExpositionDumps = append(res.ExpositionDumps, ExpositionDump{Paragraph: i, Words: n})
		}
	}
	if len(paragraphs) > 0 {
		res.DialogueRatio = float64(withDialogue) / float64(len(paragraphs))
	}

	res.OverallScore = score(&res)
	return res
}

func sentenceVariety(sentences []string) SentenceVariety {
	if len(sentences) == 0 {
		return SentenceVariety{Score: NeutralScore}
	}

	lengths := make([]float64, len(sentences))
	var sum float64
	for i, s := range sentences {
		lengths[i] = float64(CountWords(s))
		sum += lengths[i]
	}
	avg := sum / float64(len(lengths))

	var sq float64
	for _, l := range lengths {
		sq += (l - avg) * (l - avg)
	}
	variance := sq / float64(len(lengths))

	if len(sentences) == 1 || avg == 0 {
		return SentenceVariety{AvgLength: avg, LengthVariance: variance, Score: NeutralScore}
	}

	// Coefficient of variation around 0.5 reads naturally.
	cv := math.Sqrt(variance) / avg
	s := math.Min(100, cv*200)
	if avg > 28 {
		s -= (avg - 28) * 2
	}
	if avg < 6 {
		s -= (6 - avg) * 5
	}

	return SentenceVariety{
		AvgLength:      round2(avg),
		LengthVariance: round2(variance),
		Score:          round2(clamp(s, 0, 100)),
	}
}

func score(r *Result) float64 {
	s := 100.0

	if r.WeakVerbDensity > 2 {
		p := math.Min(15, (r.WeakVerbDensity-2)*3)
		s -= p
		r.Issues = append(r.Issues, fmt.Sprintf("weak verb density %.1f per 100 words", r.WeakVerbDensity))
		r.Suggestions = append(r.Suggestions, "replace forms of to-be and filler verbs with concrete action verbs")
	}
	if n := len(r.AdverbOveruse); n > 0 {
		s -= math.Min(15, float64(n)*3)
		r.Issues = append(r.Issues, fmt.Sprintf("%d sentences with clustered adverbs", n))
		r.Suggestions = append(r.Suggestions, "cut -ly adverbs or fold them into stronger verbs")
	}
	if n := len(r.TellInstances); n > 0 {
		s -= math.Min(15, float64(n)*2)
		r.Issues = append(r.Issues, fmt.Sprintf("%d telling phrases", n))
		r.Suggestions = append(r.Suggestions, "show emotion through action and dialogue instead of naming it")
	}
	if n := len(r.PurpleProse); n > 0 {
		s -= math.Min(12, float64(n)*4)
		r.Issues = append(r.Issues, fmt.Sprintf("%d purple-prose sentences", n))
		r.Suggestions = append(r.Suggestions, "tone down stacked superlatives")
	}
	if r.PassiveRatio > 0.15 {
		s -= math.Min(15, (r.PassiveRatio-0.15)*60)
		r.Issues = append(r.Issues, fmt.Sprintf("passive voice in %.0f%% of sentences", r.PassiveRatio*100))
		r.Suggestions = append(r.Suggestions, "rewrite passive constructions with an active subject")
	}
	if r.SentenceVariety.Score < 40 {
		r.Issues = append(r.Issues, fmt.Sprintf("low sentence variety (%.0f)", r.SentenceVariety.Score))
		r.Suggestions = append(r.Suggestions, "mix short punchy sentences with longer ones")
	}
	s -= (100 - r.SentenceVariety.Score) * 0.15
	if n := len(r.ExpositionDumps); n > 0 {
		s -= math.Min(15, float64(n)*5)
		r.Issues = append(r.Issues, fmt.Sprintf("%d exposition dumps", n))
		r.Suggestions = append(r.Suggestions, "break long narration with dialogue or action")
	}

	return round2(clamp(s, 0, 100))
}

func isAdverb(w string) bool {
	return len(w) > 4 && strings.HasSuffix(w, "ly") && !lyExceptions[w]
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
