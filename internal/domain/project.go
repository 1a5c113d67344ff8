package domain

import "time"

// ProjectStatus represents whether a story is still being written
type ProjectStatus string

const (
	ProjectActive ProjectStatus = "active"
	ProjectPaused ProjectStatus = "paused"
)

// Project is one in-progress story
type Project struct {
	ID              string        `json:"id"`
	Title           string        `json:"title"`
	Genre           string        `json:"genre"`
	Synopsis        string        `json:"synopsis"`
	CurrentChapter  int           `json:"current_chapter"`
	TotalChapters   int           `json:"total_chapters"`
	Status          ProjectStatus `json:"status"`
	StoryBible      string        `json:"story_bible,omitempty"`
	MasterOutline   string        `json:"master_outline,omitempty"`
	TargetWordCount int           `json:"target_word_count"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// IsActive returns true if the project accepts new chapter jobs
func (p *Project) IsActive() bool {
	return p.Status == ProjectActive
}

// NextChapter returns the chapter number the next job will write
func (p *Project) NextChapter() int {
	return p.CurrentChapter + 1
}

// RemainingChapters returns how many planned chapters are still unwritten
func (p *Project) RemainingChapters() int {
	r := p.TotalChapters - p.CurrentChapter
	if r < 0 {
		return 0
	}
	return r
}

// IsFinished returns true once every planned chapter exists
func (p *Project) IsFinished() bool {
	return p.TotalChapters > 0 && p.CurrentChapter >= p.TotalChapters
}
