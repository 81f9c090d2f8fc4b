// Package domain defines the core types of the grading pipeline: marking
// guides, submissions, extracted answers, answer-to-question mappings,
// per-question grading results, and the Job aggregate that the pipeline
// orchestrator drives through its state machine.
//
// Types carry struct-tag validation and expose Validate methods so that
// malformed data is rejected at the boundary rather than deep inside a
// pipeline stage. All types are plain values; the orchestrator is the sole
// mutator of the Job aggregate.
package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Guide-specific errors returned by validation.
var (
	// ErrGuideTotalMismatch indicates the sum of question marks does not
	// equal the guide's declared total.
	ErrGuideTotalMismatch = errors.New("guide total marks do not match sum of question marks")

	// ErrDuplicateQuestionID indicates two questions in a guide share an ID.
	ErrDuplicateQuestionID = errors.New("duplicate question id in guide")

	// ErrQuestionNotFound indicates a referenced question does not exist in the guide.
	ErrQuestionNotFound = errors.New("question not found in guide")
)

// Question is a single gradable item in a marking guide.
type Question struct {
	// ID uniquely identifies the question within its guide.
	ID string `json:"id" validate:"required"`

	// Label is the human-facing question number as it appears on the paper,
	// e.g. "1", "2a", "3(ii)". Extraction hints are matched against it.
	Label string `json:"label" validate:"required"`

	// Text is the question as asked of the student.
	Text string `json:"text" validate:"required"`

	// MaxMarks is the maximum awardable mark for this question.
	MaxMarks float64 `json:"max_marks" validate:"gt=0"`

	// Criteria describes the expected answer or marking criteria used both
	// for similarity mapping and as grading context for the LLM judge.
	Criteria string `json:"criteria,omitempty"`
}

// MarkingGuide is an ordered sequence of questions with a declared total.
// A guide is immutable once a job using it starts; the pipeline only reads it.
type MarkingGuide struct {
	ID         string     `json:"id" validate:"required"`
	Title      string     `json:"title,omitempty"`
	TotalMarks float64    `json:"total_marks" validate:"gt=0"`
	Questions  []Question `json:"questions" validate:"required,min=1,dive"`
}

// Validate checks structural constraints and the marks invariant:
// the sum of per-question MaxMarks must equal TotalMarks exactly.
func (g *MarkingGuide) Validate() error {
	if err := validate.Struct(g); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(g.Questions))
	var sum float64
	for _, q := range g.Questions {
		if _, dup := seen[q.ID]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateQuestionID, q.ID)
		}
		seen[q.ID] = struct{}{}
		sum += q.MaxMarks
	}

	// Tolerate float accumulation noise only; anything larger is a
	// malformed guide and fatal for the whole job.
	const epsilon = 1e-9
	if diff := sum - g.TotalMarks; diff > epsilon || diff < -epsilon {
		return fmt.Errorf("%w: declared %.2f, sum %.2f", ErrGuideTotalMismatch, g.TotalMarks, sum)
	}
	return nil
}

// Question returns the question with the given ID.
func (g *MarkingGuide) Question(id string) (Question, bool) {
	for _, q := range g.Questions {
		if q.ID == id {
			return q, true
		}
	}
	return Question{}, false
}

// QuestionByLabel resolves a detected question-number hint to a question.
// Matching is case-insensitive and ignores surrounding whitespace so that
// "Q1", "1." and " 1 " style hints normalize to the same label.
func (g *MarkingGuide) QuestionByLabel(label string) (Question, bool) {
	want := NormalizeLabel(label)
	if want == "" {
		return Question{}, false
	}
	for _, q := range g.Questions {
		if NormalizeLabel(q.Label) == want {
			return q, true
		}
	}
	return Question{}, false
}

// NormalizeLabel canonicalizes a question label or hint for comparison.
// It lowercases, trims whitespace, and strips a leading "q"/"question"
// marker and trailing punctuation.
func NormalizeLabel(label string) string {
	s := strings.ToLower(strings.TrimSpace(label))
	s = strings.TrimPrefix(s, "question")
	s = strings.TrimPrefix(s, "q")
	s = strings.Trim(s, " .):")
	return s
}
