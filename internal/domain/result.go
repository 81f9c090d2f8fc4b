package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrMarksOutOfRange indicates an awarded mark outside [0, MaxMarks].
var ErrMarksOutOfRange = errors.New("awarded marks out of range")

// ResultStatus is the terminal status of one question within a job.
// Every question ends in exactly one status after aggregation.
type ResultStatus string

const (
	// StatusGraded means the judge produced an accepted mark for the question.
	StatusGraded ResultStatus = "graded"

	// StatusNeedsReview means no confident mapping or grading was produced.
	// This is a request for human follow-up, not an error.
	StatusNeedsReview ResultStatus = "needs_review"

	// StatusFailed means grading failed permanently or exhausted its retry
	// budget. Failure is isolated to the question, never the whole job.
	StatusFailed ResultStatus = "failed"
)

// GradingResult is the outcome of grading one question of a submission.
type GradingResult struct {
	QuestionID   string       `json:"question_id" validate:"required"`
	AwardedMarks float64      `json:"awarded_marks" validate:"min=0"`
	MaxMarks     float64      `json:"max_marks" validate:"gt=0"`
	Feedback     string       `json:"feedback,omitempty"`
	Status       ResultStatus `json:"status" validate:"required,oneof=graded needs_review failed"`

	// Attempts counts adapter calls made for this question, including retries.
	Attempts int `json:"attempts,omitempty"`

	// Error holds the terminal error message for failed results.
	Error string `json:"error,omitempty"`

	GradedAt time.Time `json:"graded_at"`
}

// Validate checks structural constraints plus the marks invariant
// awarded <= max.
func (r *GradingResult) Validate() error {
	if err := validate.Struct(r); err != nil {
		return err
	}
	if r.AwardedMarks > r.MaxMarks {
		return fmt.Errorf("%w: awarded %.2f, max %.2f", ErrMarksOutOfRange, r.AwardedMarks, r.MaxMarks)
	}
	return nil
}

// IsTerminal reports whether the result should survive a job re-run.
// Graded and failed results are never recomputed on resume; needs_review
// results are recomputed because a later run may map the question.
func (r *GradingResult) IsTerminal() bool {
	return r.Status == StatusGraded || r.Status == StatusFailed
}

// NeedsReviewResult builds the zero-mark placeholder recorded for a
// question that attracted no accepted mapping.
func NeedsReviewResult(q Question, now time.Time) GradingResult {
	return GradingResult{
		QuestionID:   q.ID,
		AwardedMarks: 0,
		MaxMarks:     q.MaxMarks,
		Feedback:     "no answer could be confidently matched to this question",
		Status:       StatusNeedsReview,
		GradedAt:     now,
	}
}

// FailedResult builds the zero-mark result recorded when grading a question
// fails permanently or exhausts its retry budget.
func FailedResult(q Question, attempts int, cause error, now time.Time) GradingResult {
	r := GradingResult{
		QuestionID:   q.ID,
		AwardedMarks: 0,
		MaxMarks:     q.MaxMarks,
		Status:       StatusFailed,
		Attempts:     attempts,
		GradedAt:     now,
	}
	if cause != nil {
		r.Error = cause.Error()
	}
	return r
}
