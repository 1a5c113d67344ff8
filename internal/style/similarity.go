package style

import "strings"

// EditDistance returns the Levenshtein distance between a and b in runes
func EditDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

// Similarity returns a normalized similarity in [0,1] between two titles.
// Comparison ignores case and repeated whitespace.
func Similarity(a, b string) float64 {
	na, nb := normalizeTitle(a), normalizeTitle(b)
	if na == nb {
		return 1
	}
	longest := max(len([]rune(na)), len([]rune(nb)))
	return 1 - float64(EditDistance(na, nb))/float64(longest)
}

// FindMostSimilar returns the entry of existing closest to candidate and its
// similarity. With no existing entries it returns "" and 0.
func FindMostSimilar(candidate string, existing []string) (string, float64) {
	best, bestScore := "", 0.0
	for _, e := range existing {
		s := Similarity(candidate, e)
		if s > bestScore || best == "" {
			best, bestScore = e, s
		}
		if s == 1 {
			break
		}
	}
	return best, bestScore
}

func normalizeTitle(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
