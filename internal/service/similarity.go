package service

import "strings"

// similarityThreshold is the minimum token-overlap score for the
// description fallback to link an invoice line to a PO line. The overlap
// is Jaccard (shared tokens over total distinct tokens); 0.5 means at
// least half the combined vocabulary is shared. Tunable.
const similarityThreshold = 0.5

// descriptionSimilarity scores two free-text line descriptions in [0,1].
func descriptionSimilarity(a, b string) float64 {
	ta := tokenize(a)
	tb := tokenize(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	shared := 0
	for tok := range ta {
		if _, ok := tb[tok]; ok {
			shared++
		}
	}
	union := len(ta) + len(tb) - shared
	return float64(shared) / float64(union)
}

func tokenize(s string) map[string]struct{} {
	tokens := make(map[string]struct{})
	var sb strings.Builder
	flush := func() {
		if sb.Len() > 0 {
			tokens[sb.String()] = struct{}{}
			sb.Reset()
		}
	}

	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}
