package normalize

// levenshtein computes the edit distance between two strings: the minimum
// number of single-rune insertions, deletions, and substitutions to turn
// one into the other.
//
// Two-row dynamic programming; O(len(a)*len(b)) time, O(min) space.
func levenshtein(a, b string) int {
	ra := []rune(a)
	rb := []rune(b)

	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	// Keep the shorter string in the inner dimension.
	if len(ra) < len(rb) {
		ra, rb = rb, ra
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
			curr[j] = min(
				prev[j]+1,      // deletion
				curr[j-1]+1,    // insertion
				prev[j-1]+cost, // substitution
			)
		}
		prev, curr = curr, prev
	}

	return prev[len(rb)]
}

// similarity converts an edit distance to a [0,1] score relative to the
// longer of the two strings.
func similarity(distance, lenA, lenB int) float64 {
	longest := max(lenA, lenB)
	if longest == 0 {
		return 0
	}
	s := 1 - float64(distance)/float64(longest)
	if s < 0 {
		return 0
	}
	return s
}
