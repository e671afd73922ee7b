package agent

import "strings"

// fuzzyMatch scores how well a candidate tool name matches a query,
// favoring exact and prefix matches before falling back to edit distance.
// Returns a score in [0,1] and whether the candidate clears the minimum
// threshold for inclusion in search results.
func fuzzyMatch(query, candidate string) (score float64, matched bool) {
	q := strings.ToLower(strings.TrimSpace(query))
	c := strings.ToLower(strings.TrimSpace(candidate))
	if q == "" || c == "" {
		return 0, false
	}

	if q == c {
		return 1.0, true
	}
	if strings.Contains(c, q) {
		// Reward matches near the start of the name.
		idx := strings.Index(c, q)
		return 0.85 - 0.1*float64(idx)/float64(len(c)+1), true
	}
	if strings.HasPrefix(c, q) {
		return 0.9, true
	}

	dist := levenshtein(q, c)
	longest := len(q)
	if len(c) > longest {
		longest = len(c)
	}
	if longest == 0 {
		return 0, false
	}
	similarity := 1.0 - float64(dist)/float64(longest)
	return similarity, similarity >= 0.55
}

// levenshtein computes the edit distance between a and b using the
// classic single-row dynamic-programming table.
func levenshtein(a, b string) int {
	if a == b {
		return 0
	}
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
			del := prev[j] + 1
			ins := curr[j-1] + 1
			sub := prev[j-1] + cost
			curr[j] = min3(del, ins, sub)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
