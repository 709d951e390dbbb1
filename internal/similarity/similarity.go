// Package similarity provides the normalized string similarity kernel
// used by the duplicate scorer.
package similarity

import (
	"strings"
)

// Distance computes the Levenshtein edit distance between a and b using
// the standard dynamic-programming recurrence with unit costs for
// deletion, insertion and substitution. It operates on runes and is
// symmetric: Distance(a, b) == Distance(b, a).
func Distance(a, b string) int {
	ra := []rune(a)
	rb := []rune(b)

	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	// Two-row DP keeps the allocation proportional to the shorter input.
	if len(ra) < len(rb) {
		ra, rb = rb, ra
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)

	for j := 0; j <= len(rb); j++ {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(
				prev[j]+1,      // deletion
				curr[j-1]+1,    // insertion
				prev[j-1]+cost, // substitution
			)
		}
		prev, curr = curr, prev
	}

	return prev[len(rb)]
}

// Score returns the normalized similarity of a and b in [0,1]:
// (maxLen - distance) / maxLen. Two empty strings score 1.0 by
// convention. Case-insensitive equality short-circuits to 1.0.
func Score(a, b string) float64 {
	if strings.EqualFold(a, b) {
		return 1.0
	}

	la := len([]rune(a))
	lb := len([]rune(b))
	maxLen := la
	if lb > maxLen {
		maxLen = lb
	}
	if maxLen == 0 {
		return 1.0
	}

	d := Distance(a, b)
	return float64(maxLen-d) / float64(maxLen)
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
