// Package extraction defines the OCR-collaborator contract and two local
// adapters: a plain-text segmenter with question-hint detection for
// already-extracted submissions, and a PDF text extractor for digital
// papers. The pipeline depends only on the Extractor interface; concrete
// OCR providers live behind it.
package extraction

import (
	"context"
	"fmt"

	"github.com/ahrav/go-grader/internal/domain"
)

// Extractor produces the ordered answer segments for a submission.
// An empty slice is a valid return and maps to NoContentExtracted
// downstream; implementations reserve errors for actual failures.
type Extractor interface {
	Extract(ctx context.Context, sub domain.Submission) ([]domain.ExtractedAnswer, error)
}

// ExtractionError wraps a failure to extract text from a submission.
type ExtractionError struct {
	SubmissionID string
	Err          error
}

// Error returns the formatted extraction error.
func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction failed for submission %s: %v", e.SubmissionID, e.Err)
}

// Unwrap exposes the wrapped cause for errors.Is/As chains.
func (e *ExtractionError) Unwrap() error { return e.Err }
