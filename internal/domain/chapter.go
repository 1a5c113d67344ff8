package domain

import "time"

// Chapter is the accepted, immutable result of a successful job
type Chapter struct {
	ID        string  `json:"id"`
	ProjectID string  `json:"project_id"`
	JobID     string  `json:"job_id"`
	Number    int     `json:"number"`
	Title     string  `json:"title"`
	Content   string  `json:"content,omitempty"`
	WordCount int     `json:"word_count"`
	Score     float64 `json:"score"`

	// Opening and Cliffhanger are the first and last sentences, stored so
	// repetition checks never need the full text
	Opening     string    `json:"opening"`
	Cliffhanger string    `json:"cliffhanger"`
	CreatedAt   time.Time `json:"created_at"`
}

// EmotionalArc describes the emotional shape of a chapter
type EmotionalArc struct {
	Opening  string `json:"opening"`
	Midpoint string `json:"midpoint"`
	Climax   string `json:"climax"`
	Closing  string `json:"closing"`
}

// SceneOutline is one planned scene of a chapter
type SceneOutline struct {
	Order          int      `json:"order"`
	Setting        string   `json:"setting"`
	Characters     []string `json:"characters"`
	Goal           string   `json:"goal"`
	Conflict       string   `json:"conflict"`
	Resolution     string   `json:"resolution"`
	EstimatedWords int      `json:"estimated_words"`
	POV            string   `json:"pov"`
}

// ChapterOutline is the planner's output and the writer's input
type ChapterOutline struct {
	ChapterNumber   int            `json:"chapter_number"`
	Title           string         `json:"title"`
	Scenes          []SceneOutline `json:"scenes"`
	EmotionalArc    EmotionalArc   `json:"emotional_arc"`
	TensionLevel    int            `json:"tension_level"`
	DopaminePoints  []string       `json:"dopamine_points"`
	Cliffhanger     string         `json:"cliffhanger"`
	TargetWordCount int            `json:"target_word_count"`
	ThreadsAdvanced []string       `json:"threads_advanced,omitempty"`
}

// EstimatedWords sums the scene estimates
func (o *ChapterOutline) EstimatedWords() int {
	total := 0
	for _, s := range o.Scenes {
		total += s.EstimatedWords
	}
	return total
}

// Settings returns the distinct scene settings in scene order
func (o *ChapterOutline) Settings() []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range o.Scenes {
		if s.Setting == "" || seen[s.Setting] {
			continue
		}
		seen[s.Setting] = true
		out = append(out, s.Setting)
	}
	return out
}

// Draft is a candidate chapter produced by the writer
type Draft struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// ViolationCategory groups critic findings for targeted rewrites
type ViolationCategory string

const (
	ViolationProse       ViolationCategory = "prose"
	ViolationWordCount   ViolationCategory = "word_count"
	ViolationTitle       ViolationCategory = "title_uniqueness"
	ViolationCharacter   ViolationCategory = "character_consistency"
	ViolationBanned      ViolationCategory = "banned_phrase"
	ViolationEmptyScenes ViolationCategory = "empty_content"
)

// Severity of a violation. Blocking violations reject a draft regardless of score.
type Severity string

const (
	SeverityMinor    Severity = "minor"
	SeverityMajor    Severity = "major"
	SeverityBlocking Severity = "blocking"
)

// Violation is one categorized critic finding
type Violation struct {
	Category ViolationCategory `json:"category"`
	Severity Severity          `json:"severity"`
	Detail   string            `json:"detail"`
}

// Attempt records one write/critique round of a job
type Attempt struct {
	ID         string      `json:"id"`
	JobID      string      `json:"job_id"`
	Number     int         `json:"number"`
	Title      string      `json:"title"`
	Score      float64     `json:"score"`
	Accepted   bool        `json:"accepted"`
	WordCount  int         `json:"word_count"`
	Violations []Violation `json:"violations"`
	CreatedAt  time.Time   `json:"created_at"`
}
