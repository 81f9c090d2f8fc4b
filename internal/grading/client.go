package grading

import (
	"context"
	"fmt"

	"github.com/ahrav/go-grader/internal/domain"
)

// GradeRequest carries one mapped answer to the judge together with the
// question and its marking criteria.
type GradeRequest struct {
	Question   domain.Question `json:"question"`
	AnswerText string          `json:"answer_text"`
}

// GradeResponse is the judge's verdict for one question.
type GradeResponse struct {
	AwardedMarks float64 `json:"awarded_marks"`
	Feedback     string  `json:"feedback,omitempty"`
}

// Client is the narrow capability interface through which the pipeline
// talks to an LLM judge. Implementations wrap a concrete provider and are
// expected to classify their failures as *TransientError or
// *PermanentError so the retry policy can act on them.
type Client interface {
	Grade(ctx context.Context, req GradeRequest) (*GradeResponse, error)
}

// validateResponse enforces the adapter contract on a judge verdict.
// A mark outside [0, MaxMarks] is a malformed response and therefore a
// permanent error; it must not be silently clamped into a passing grade.
func validateResponse(q domain.Question, resp *GradeResponse) error {
	if resp == nil {
		return &PermanentError{Type: ErrorTypeMalformed, Message: "adapter returned no response"}
	}
	if resp.AwardedMarks < 0 || resp.AwardedMarks > q.MaxMarks {
		return &PermanentError{
			Type:    ErrorTypeMalformed,
			Message: fmt.Sprintf("awarded marks %.2f outside [0, %.2f] for question %s", resp.AwardedMarks, q.MaxMarks, q.ID),
		}
	}
	return nil
}

// Grader wraps a Client with the retry policy and response validation.
// It is the single path through which the orchestrator grades a question.
type Grader struct {
	client Client
	policy *RetryPolicy
}

// NewGrader builds a Grader from a client and a retry policy.
func NewGrader(client Client, policy *RetryPolicy) *Grader {
	return &Grader{client: client, policy: policy}
}

// Grade evaluates one mapped answer, retrying transient failures within
// the policy's budget. It returns the validated verdict and the number of
// adapter attempts made. Permanent errors and retry exhaustion surface as
// errors; the caller records them as a per-question failed result.
func (g *Grader) Grade(ctx context.Context, q domain.Question, answerText string) (*GradeResponse, int, error) {
	if answerText == "" {
		return nil, 0, &PermanentError{Type: ErrorTypeMalformed, Message: "empty answer text", Err: ErrEmptyAnswer}
	}

	var resp *GradeResponse
	attempts, err := g.policy.Do(ctx, func(ctx context.Context) error {
		r, callErr := g.client.Grade(ctx, GradeRequest{Question: q, AnswerText: answerText})
		if callErr != nil {
			return callErr
		}
		if vErr := validateResponse(q, r); vErr != nil {
			return vErr
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, attempts, err
	}
	return resp, attempts, nil
}
