package style

// Finale thresholds
const (
	FinaleRemainingRatio = 0.05
	FinaleRemainingFloor = 30
	FinaleModerateRatio  = 0.20
	FinaleLowOpenThreads = 2
)

// ShouldBeFinaleArc reports whether the story has entered its closing phase.
// openThreads is optional; without it only the ratio and floor rules apply.
func ShouldBeFinaleArc(current, total int, openThreads *int) bool {
	if total <= 0 {
		return false
	}

	remaining := total - current
	if remaining < 0 {
		remaining = 0
	}
	ratio := float64(remaining) / float64(total)

	if ratio <= FinaleRemainingRatio {
		return true
	}
	if remaining < FinaleRemainingFloor {
		return true
	}
	if openThreads != nil && ratio <= FinaleModerateRatio && *openThreads <= FinaleLowOpenThreads {
		return true
	}
	return false
}
