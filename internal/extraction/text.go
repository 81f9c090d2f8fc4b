package extraction

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/ahrav/go-grader/internal/domain"
)

// questionMarker matches a question-number label at the start of a line:
// "1.", "2a)", "Q3:", "Question 4 -" and similar OCR renderings.
var questionMarker = regexp.MustCompile(`(?mi)^[ \t]*(?:question[ \t]*|q[ \t]*)?([0-9]+[a-z]?)[ \t]*[.):\-]`)

// paragraphBreak splits hint-free text into paragraph segments.
var paragraphBreak = regexp.MustCompile(`\n[ \t]*\n`)

// TextSegmenter segments a submission's already-extracted text into answer
// segments. Segment IDs are derived from the submission ID and segment
// index so repeated runs of the same submission produce identical output,
// which keeps resumed jobs idempotent.
type TextSegmenter struct{}

// NewTextSegmenter returns a segmenter for plain extracted text.
func NewTextSegmenter() *TextSegmenter { return &TextSegmenter{} }

// Extract splits sub.Text on detected question markers, attaching the
// detected label as the segment hint. When no markers are present the text
// falls back to paragraph segmentation without hints. Whitespace-only
// input yields no segments.
func (s *TextSegmenter) Extract(_ context.Context, sub domain.Submission) ([]domain.ExtractedAnswer, error) {
	text := sub.Text
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	markers := questionMarker.FindAllStringSubmatchIndex(text, -1)
	if len(markers) == 0 {
		return paragraphSegments(sub.ID, text), nil
	}

	segments := make([]domain.ExtractedAnswer, 0, len(markers))
	for i, m := range markers {
		start := m[0]
		end := len(text)
		if i+1 < len(markers) {
			end = markers[i+1][0]
		}
		body := strings.TrimSpace(text[start:end])
		if body == "" {
			continue
		}
		segments = append(segments, domain.ExtractedAnswer{
			ID:     segmentID(sub.ID, len(segments)),
			Text:   body,
			Offset: start,
			Hint:   text[m[2]:m[3]],
		})
	}

	// Text before the first marker is an unhinted preamble segment.
	if lead := strings.TrimSpace(text[:markers[0][0]]); lead != "" {
		pre := domain.ExtractedAnswer{
			ID:     segmentID(sub.ID, len(segments)),
			Text:   lead,
			Offset: 0,
		}
		segments = append([]domain.ExtractedAnswer{pre}, segments...)
	}

	return segments, nil
}

// paragraphSegments splits hint-free text on blank lines.
func paragraphSegments(subID, text string) []domain.ExtractedAnswer {
	var segments []domain.ExtractedAnswer
	offset := 0
	for _, para := range paragraphBreak.Split(text, -1) {
		idx := strings.Index(text[offset:], para)
		pos := offset + idx
		offset = pos + len(para)
		if trimmed := strings.TrimSpace(para); trimmed != "" {
			segments = append(segments, domain.ExtractedAnswer{
				ID:     segmentID(subID, len(segments)),
				Text:   trimmed,
				Offset: pos,
			})
		}
	}
	return segments
}

// segmentID derives a stable per-submission segment identifier.
func segmentID(subID string, index int) string {
	return fmt.Sprintf("%s-seg-%03d", subID, index)
}
