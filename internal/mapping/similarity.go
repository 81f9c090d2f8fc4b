package mapping

import (
	"strings"

	"github.com/agext/levenshtein"
)

// tokenOverlap computes the Jaccard similarity between the lowercased word
// sets of two texts. Returns a value in [0,1]; empty inputs score zero.
func tokenOverlap(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	intersection := 0
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

// tokenSet splits text into a set of lowercased alphanumeric tokens.
func tokenSet(text string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'))
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// editSimilarity computes a normalized Levenshtein similarity in [0,1]
// between the lowercased texts.
func editSimilarity(a, b string) float64 {
	return levenshtein.Similarity(strings.ToLower(a), strings.ToLower(b), levenshtein.NewParams())
}

// similarity blends token overlap and edit similarity per the configured
// weights. The blend keeps token overlap dominant (robust to OCR noise and
// word order) while edit similarity rewards near-verbatim matches.
func (e *Engine) similarity(segmentText, questionText string) float64 {
	total := e.config.TokenWeight + e.config.EditWeight
	if total <= 0 {
		return 0
	}
	score := (e.config.TokenWeight*tokenOverlap(segmentText, questionText) +
		e.config.EditWeight*editSimilarity(segmentText, questionText)) / total
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
