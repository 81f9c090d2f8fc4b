package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job lifecycle errors.
var (
	// ErrInvalidTransition indicates a state change the machine does not allow.
	ErrInvalidTransition = errors.New("invalid job state transition")

	// ErrJobTerminal indicates a mutation attempt on a terminal job.
	ErrJobTerminal = errors.New("job is in a terminal state")
)

// FailureNoContent is the recorded failure reason when extraction yields
// zero segments for a submission.
const FailureNoContent = "NoContentExtracted"

// JobState is one phase of the job state machine.
type JobState string

const (
	JobQueued      JobState = "queued"
	JobExtracting  JobState = "extracting"
	JobMapping     JobState = "mapping"
	JobGrading     JobState = "grading"
	JobAggregating JobState = "aggregating"
	JobDone        JobState = "done"

	// JobPartialFailure is terminal but inspectable: some questions graded,
	// others need review or failed.
	JobPartialFailure JobState = "partial_failure"

	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// IsTerminal reports whether the state admits no further transitions.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobDone, JobPartialFailure, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// stageOrder defines the forward path through the pipeline.
var stageOrder = map[JobState]JobState{
	JobQueued:      JobExtracting,
	JobExtracting:  JobMapping,
	JobMapping:     JobGrading,
	JobGrading:     JobAggregating,
	JobAggregating: JobDone,
}

// CanTransition reports whether the state machine allows from -> to.
// Forward progress follows stageOrder; Failed and Cancelled are reachable
// from any non-terminal state; PartialFailure only from Aggregating.
func CanTransition(from, to JobState) bool {
	if from.IsTerminal() {
		return false
	}
	switch to {
	case JobFailed, JobCancelled:
		return true
	case JobPartialFailure:
		return from == JobAggregating
	case JobDone:
		return from == JobAggregating
	default:
		return stageOrder[from] == to
	}
}

// Job is the aggregate root driven through the pipeline. The orchestrator
// holding the job's lease is the sole mutator of State and Results; every
// other component reads a persisted copy.
type Job struct {
	ID           string   `json:"id" validate:"required"`
	GuideID      string   `json:"guide_id" validate:"required"`
	SubmissionID string   `json:"submission_id" validate:"required"`
	State        JobState `json:"state" validate:"required"`

	// SequenceCounter is the last progress-event sequence number issued for
	// this job. Persisted so resumed runs continue the sequence without gaps
	// going backwards.
	SequenceCounter uint64 `json:"sequence_counter"`

	// Segments holds the extracted answers once the Extracting stage has
	// run, keeping resumed runs from re-invoking the extractor.
	Segments []ExtractedAnswer `json:"segments,omitempty"`

	// Mappings holds the accepted answer-to-question mappings, at most one
	// per question.
	Mappings []Mapping `json:"mappings,omitempty"`

	// Results maps question ID to that question's grading outcome.
	Results map[string]GradingResult `json:"results"`

	// FailureReason is set when the job terminates in Failed.
	FailureReason string `json:"failure_reason,omitempty"`

	// CancelRequested is the cancellation flag polled between stages.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	// RetryFailed makes a re-enqueued run re-attempt questions whose prior
	// result was failed; graded results are always kept.
	RetryFailed bool `json:"retry_failed,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewJob creates a queued job for the given guide and submission.
func NewJob(guideID, submissionID string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:           uuid.New().String(),
		GuideID:      guideID,
		SubmissionID: submissionID,
		State:        JobQueued,
		Results:      make(map[string]GradingResult),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Validate checks structural constraints on the job aggregate.
func (j *Job) Validate() error { return validate.Struct(j) }

// Transition moves the job to the given state, enforcing the state machine.
func (j *Job) Transition(to JobState) error {
	if !CanTransition(j.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.State, to)
	}
	j.State = to
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// Fail moves the job to Failed and records the reason.
func (j *Job) Fail(reason string) error {
	if err := j.Transition(JobFailed); err != nil {
		return err
	}
	j.FailureReason = reason
	return nil
}

// NextSequence issues the next progress-event sequence number. Sequence
// numbers are strictly increasing per job for the lifetime of the aggregate.
func (j *Job) NextSequence() uint64 {
	j.SequenceCounter++
	return j.SequenceCounter
}

// SetResult records the grading outcome for a question, replacing any
// previous result for the same question.
func (j *Job) SetResult(r GradingResult) {
	if j.Results == nil {
		j.Results = make(map[string]GradingResult)
	}
	j.Results[r.QuestionID] = r
	j.UpdatedAt = time.Now().UTC()
}

// HasTerminalResult reports whether the question already carries a result
// a resumed run must not recompute. Failed results stop being terminal
// when the job was re-enqueued with RetryFailed.
func (j *Job) HasTerminalResult(questionID string) bool {
	r, ok := j.Results[questionID]
	if !ok {
		return false
	}
	if j.RetryFailed && r.Status == StatusFailed {
		return false
	}
	return r.IsTerminal()
}

// Reopen returns a failed or partially failed job to the Grading stage so
// a re-enqueued run re-attempts its failed questions. Graded results stay
// terminal. Reopen is the one sanctioned exit from a terminal state; the
// caller must persist the job before re-enqueueing it.
func (j *Job) Reopen() {
	j.State = JobGrading
	j.RetryFailed = true
	j.FailureReason = ""
	j.CancelRequested = false
	j.UpdatedAt = time.Now().UTC()
}

// Totals sums awarded and maximum marks across all recorded results.
func (j *Job) Totals() (awarded, maxMarks float64) {
	for _, r := range j.Results {
		awarded += r.AwardedMarks
		maxMarks += r.MaxMarks
	}
	return awarded, maxMarks
}

// TerminalState classifies the job after aggregation: Done when every
// question graded, Failed when none did, PartialFailure otherwise.
func (j *Job) TerminalState() JobState {
	graded, other := 0, 0
	for _, r := range j.Results {
		if r.Status == StatusGraded {
			graded++
		} else {
			other++
		}
	}
	switch {
	case other == 0 && graded > 0:
		return JobDone
	case graded == 0:
		return JobFailed
	default:
		return JobPartialFailure
	}
}
