// Package similarity provides text normalization and token similarity scoring.
package similarity

import (
	"math"
	"strings"
)

// Sub-score weights of the combined similarity formula.
const (
	exactWeight   = 0.5
	partialWeight = 0.3
	editWeight    = 0.2

	// maxFullDistanceLen bounds full edit-distance computation; longer tokens
	// are compared on a short prefix only.
	maxFullDistanceLen = 255
	longTokenPrefixLen = 10

	// DefaultKeywordThreshold is the per-token edit similarity a keyword token
	// must reach inside a text for ContainsKeyword.
	DefaultKeywordThreshold = 0.7
)

// Similarity scores how alike two texts are, in [0, 1]. It blends exact token
// overlap (Jaccard), substring partial matches and best-match edit-distance
// similarity: 0.5*exact + 0.3*partial + 0.2*edit, clamped to 1.
func Similarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}

	tokensA := Tokenize(Normalize(a))
	tokensB := Tokenize(Normalize(b))
	if len(tokensA) == 0 || len(tokensB) == 0 {
		return 0
	}

	score := exactWeight*exactMatchScore(tokensA, tokensB) +
		partialWeight*partialMatchScore(tokensA, tokensB) +
		editWeight*editDistanceScore(tokensA, tokensB)

	return math.Min(score, 1.0)
}

// exactMatchScore is the Jaccard coefficient over the two token sets.
func exactMatchScore(tokensA, tokensB []string) float64 {
	setA := toSet(tokensA)
	setB := toSet(tokensB)

	intersection := 0
	for t := range setA {
		if _, ok := setB[t]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// partialMatchScore counts token pairs where one token contains the other,
// scaled by sqrt(|A|*|B|) so long texts do not dominate.
func partialMatchScore(tokensA, tokensB []string) float64 {
	total := len(tokensA) * len(tokensB)
	if total == 0 {
		return 0
	}

	matches := 0
	for _, ta := range tokensA {
		for _, tb := range tokensB {
			if strings.Contains(ta, tb) || strings.Contains(tb, ta) {
				matches++
			}
		}
	}
	return float64(matches) / math.Sqrt(float64(total))
}

// editDistanceScore averages, over A's tokens, the best edit-distance
// similarity against any token of B.
func editDistanceScore(tokensA, tokensB []string) float64 {
	if len(tokensA) == 0 {
		return 0
	}

	total := 0.0
	for _, ta := range tokensA {
		best := 0.0
		for _, tb := range tokensB {
			if sim := WordSimilarity(ta, tb); sim > best {
				best = sim
			}
		}
		total += best
	}
	return total / float64(len(tokensA))
}

// WordSimilarity converts the edit distance between two tokens into a
// normalized similarity 1 - distance/maxLen. Very long tokens are compared on
// a 10-rune prefix to bound cost.
func WordSimilarity(a, b string) float64 {
	runesA := []rune(a)
	runesB := []rune(b)
	lenA, lenB := len(runesA), len(runesB)
	if lenA == 0 || lenB == 0 {
		return 0
	}

	maxLen := lenA
	if lenB > maxLen {
		maxLen = lenB
	}

	if maxLen <= maxFullDistanceLen {
		dist := levenshtein(runesA, runesB)
		return 1 - float64(dist)/float64(maxLen)
	}

	prefixLen := longTokenPrefixLen
	if lenA < prefixLen {
		prefixLen = lenA
	}
	if lenB < prefixLen {
		prefixLen = lenB
	}
	dist := levenshtein(runesA[:prefixLen], runesB[:prefixLen])
	return 1 - float64(dist)/float64(prefixLen)
}

// ContainsKeyword reports whether text contains keyword, tolerating
// morphological variation. A literal substring hit of the normalized keyword
// wins immediately; otherwise some token of the keyword must have a text
// token within the edit-similarity threshold.
func ContainsKeyword(text, keyword string, threshold float64) bool {
	normText := Normalize(text)
	normKeyword := Normalize(keyword)
	if normText == "" || normKeyword == "" {
		return false
	}

	if strings.Contains(normText, normKeyword) {
		return true
	}

	textTokens := Tokenize(normText)
	for _, kw := range Tokenize(normKeyword) {
		for _, tw := range textTokens {
			if WordSimilarity(tw, kw) >= threshold {
				return true
			}
		}
	}
	return false
}

// KeywordWeight scores how strongly keyword features in text, boosting a
// literal containment by 1.5x, clamped to 1.
func KeywordWeight(text, keyword string) float64 {
	score := Similarity(text, keyword)
	if strings.Contains(Normalize(text), Normalize(keyword)) {
		score = math.Min(score*1.5, 1.0)
	}
	return score
}

// levenshtein computes the edit distance between two rune slices using the
// two-row dynamic programming form.
func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = minInt(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func minInt(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}

func toSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}
