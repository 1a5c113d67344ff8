package quality

import "github.com/robertguss/serialforge/internal/domain"

// CharacterArcGrace is the number of opening chapters without character-arc updates
const CharacterArcGrace = 2

// Cadence periods, in chapters
const (
	PowerStateEvery       = 3
	VoiceFingerprintEvery = 10
)

// StoryBibleSeedChapter is the chapter after which the first story bible is written
const StoryBibleSeedChapter = 3

// CharacterArcDue reports whether chapter n updates character arcs
func CharacterArcDue(n int) bool {
	return n > CharacterArcGrace
}

// PowerStateDue reports whether chapter n updates the power state
func PowerStateDue(n int) bool {
	return n > 0 && n%PowerStateEvery == 0
}

// VoiceFingerprintDue reports whether chapter n recalculates the voice fingerprint
func VoiceFingerprintDue(n int) bool {
	return n > 0 && n%VoiceFingerprintEvery == 0
}

// ArcBoundary reports whether chapter n closes an arc
func ArcBoundary(n int) bool {
	return n > 0 && n%domain.ArcLength == 0
}

// LocationBibleDue reports whether chapter n updates the location bible:
// whenever it visits a setting the bible does not know, and at arc boundaries
func LocationBibleDue(n int, newSetting bool) bool {
	return n > 0 && (newSetting || ArcBoundary(n))
}

// StoryBibleDue reports whether chapter n rewrites the story bible
func StoryBibleDue(n int) bool {
	return n == StoryBibleSeedChapter || ArcBoundary(n)
}

// SynopsisDue reports whether chapter n refreshes the structured synopsis.
// It runs for every chapter.
func SynopsisDue(n int) bool {
	return n > 0
}

// ArcPlanDue reports whether chapter n plans the threads of the next arc
func ArcPlanDue(n int) bool {
	return n == 1 || ArcBoundary(n)
}
