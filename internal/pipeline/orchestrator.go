// Package pipeline drives a grading job through its stage state machine:
// Queued -> Extracting -> Mapping -> Grading -> Aggregating -> terminal.
// The orchestrator owns every Job mutation while the scheduler holds the
// job's lease, publishes a progress event for each transition, and
// persists the aggregate after each stage so a crashed run re-does at most
// one stage.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ahrav/go-grader/internal/domain"
	"github.com/ahrav/go-grader/internal/extraction"
	"github.com/ahrav/go-grader/internal/grading"
	"github.com/ahrav/go-grader/internal/mapping"
	"github.com/ahrav/go-grader/internal/progress"
	"github.com/ahrav/go-grader/internal/store"
	"github.com/ahrav/go-grader/pkg/logger"
	"github.com/ahrav/go-grader/pkg/metrics"
)

// Configuration validation errors.
var (
	errStageTimeoutInvalid = errors.New("stage timeout must be greater than 0")
	errConcurrencyInvalid  = errors.New("grade concurrency must be greater than 0")
)

// GuideSource supplies marking guides. Implemented by the guide CRUD
// collaborator; the pipeline only reads.
type GuideSource interface {
	Guide(ctx context.Context, id string) (*domain.MarkingGuide, error)
}

// SubmissionSource supplies ingested submissions.
type SubmissionSource interface {
	Submission(ctx context.Context, id string) (*domain.Submission, error)
}

// Config tunes the orchestrator.
type Config struct {
	// StageTimeout bounds each stage's external work so the per-job lease
	// is never held across unbounded latency.
	StageTimeout time.Duration `koanf:"stage_timeout"`

	// GradeConcurrency bounds concurrent judge calls within one job.
	// Results are merged deterministically by question order regardless.
	GradeConcurrency int `koanf:"grade_concurrency"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		StageTimeout:     2 * time.Minute,
		GradeConcurrency: 4,
	}
}

// Validate checks the configuration bounds.
func (c Config) Validate() error {
	if c.StageTimeout <= 0 {
		return fmt.Errorf("%w, got %v", errStageTimeoutInvalid, c.StageTimeout)
	}
	if c.GradeConcurrency <= 0 {
		return fmt.Errorf("%w, got %d", errConcurrencyInvalid, c.GradeConcurrency)
	}
	return nil
}

// Deps are the constructor-supplied capabilities the orchestrator drives.
// Nothing is looked up globally.
type Deps struct {
	Guides      GuideSource
	Submissions SubmissionSource
	Extractor   extraction.Extractor
	Mapper      *mapping.Engine
	Grader      *grading.Grader
	Retry       *grading.RetryPolicy // wraps extraction fetches
	Bus         *progress.Bus
	Store       store.ResultStore
}

// Orchestrator runs one job at a time through the pipeline. It is safe for
// concurrent use across distinct jobs; per-job exclusivity is the
// scheduler's responsibility.
type Orchestrator struct {
	deps   Deps
	config Config
	log    logger.Logger
}

// New builds an orchestrator from its capabilities and a validated config.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Orchestrator{
		deps:   deps,
		config: cfg,
		log:    logger.Named("pipeline"),
	}, nil
}

// Run loads the job and drives it until it reaches a terminal state.
// A non-nil return means an infrastructure failure (persistence) left the
// job in an indeterminate state; domain failures terminate the job in
// Failed/PartialFailure and return nil.
func (o *Orchestrator) Run(ctx context.Context, jobID string) error {
	job, err := o.deps.Store.Load(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.State.IsTerminal() {
		return nil // re-dequeue of a finished job is a no-op
	}

	guide, err := o.deps.Guides.Guide(ctx, job.GuideID)
	if err == nil {
		err = guide.Validate()
	}
	if err != nil {
		return o.failJob(ctx, job, fmt.Sprintf("guide unavailable or malformed: %v", err))
	}

	sub, err := o.deps.Submissions.Submission(ctx, job.SubmissionID)
	if err != nil {
		return o.failJob(ctx, job, fmt.Sprintf("submission unavailable: %v", err))
	}

	for !job.State.IsTerminal() {
		if o.cancelRequested(ctx, job) {
			return o.cancelJob(ctx, job)
		}

		stage := job.State
		start := time.Now()
		var stageErr error

		switch stage {
		case domain.JobQueued:
			stageErr = o.advance(ctx, job, domain.JobExtracting)
		case domain.JobExtracting:
			stageErr = o.runExtracting(ctx, job, sub)
		case domain.JobMapping:
			stageErr = o.runMapping(ctx, job, guide)
		case domain.JobGrading:
			stageErr = o.runGrading(ctx, job, guide)
		case domain.JobAggregating:
			stageErr = o.runAggregating(ctx, job)
		default:
			stageErr = fmt.Errorf("%w: unexpected state %s", domain.ErrInvalidTransition, stage)
		}

		metrics.ObserveStageDuration(string(stage), time.Since(start))
		if stageErr != nil {
			return stageErr
		}
	}

	return nil
}

// advance transitions the job, publishes the transition event, and
// persists the aggregate. The publish happens before the next stage's
// work begins; the save marks the previous stage complete.
func (o *Orchestrator) advance(ctx context.Context, job *domain.Job, next domain.JobState) error {
	return o.advanceWithDetail(ctx, job, next, "")
}

func (o *Orchestrator) advanceWithDetail(ctx context.Context, job *domain.Job, next domain.JobState, detail string) error {
	if err := job.Transition(next); err != nil {
		return err
	}
	o.deps.Bus.Publish(progress.NewEvent(job.ID, job.State, job.NextSequence(), false, detail))
	if err := o.persist(ctx, job); err != nil {
		return err
	}
	return nil
}

// persist saves the aggregate; a save failure is fatal to the job and
// surfaced to the scheduler, never a partial silent success.
//
// Cancellation requests land on the persisted copy while a stage is
// running, so the stored flag is merged in before every save: otherwise a
// stage-end save would overwrite the flag with false and the next
// boundary poll would never see it.
func (o *Orchestrator) persist(ctx context.Context, job *domain.Job) error {
	if !job.CancelRequested {
		if stored, err := o.deps.Store.Load(ctx, job.ID); err == nil && stored.CancelRequested {
			job.CancelRequested = true
		}
	}
	if err := o.deps.Store.Save(ctx, job); err != nil {
		o.log.Error(ctx, "job persistence failed",
			logger.String("job_id", job.ID),
			logger.String("state", string(job.State)),
			logger.Error(err))
		return fmt.Errorf("persist job %s: %w", job.ID, err)
	}
	return nil
}

// cancelRequested polls the cancellation flag between stages. External
// callers flip the flag on the persisted copy, so the stored aggregate is
// consulted alongside the in-memory one.
func (o *Orchestrator) cancelRequested(ctx context.Context, job *domain.Job) bool {
	if job.CancelRequested {
		return true
	}
	stored, err := o.deps.Store.Load(ctx, job.ID)
	if err != nil {
		return false
	}
	if stored.CancelRequested {
		job.CancelRequested = true
	}
	return job.CancelRequested
}

// cancelJob stops dispatching further work and persists partial results.
func (o *Orchestrator) cancelJob(ctx context.Context, job *domain.Job) error {
	if err := job.Transition(domain.JobCancelled); err != nil {
		return err
	}
	o.deps.Bus.Publish(progress.NewEvent(job.ID, job.State, job.NextSequence(), false, "cancelled on request"))
	if err := o.persist(ctx, job); err != nil {
		return err
	}
	o.finishJob(ctx, job)
	return nil
}

// failJob terminates the whole job on a non-retriable error.
func (o *Orchestrator) failJob(ctx context.Context, job *domain.Job, reason string) error {
	if err := job.Fail(reason); err != nil {
		return err
	}
	o.deps.Bus.Publish(progress.NewEvent(job.ID, job.State, job.NextSequence(), false, reason))
	if err := o.persist(ctx, job); err != nil {
		return err
	}
	o.finishJob(ctx, job)
	return nil
}

// finishJob records terminal metrics and releases the job's subscribers.
func (o *Orchestrator) finishJob(ctx context.Context, job *domain.Job) {
	metrics.RecordJobTerminal(string(job.State))
	awarded, maxMarks := job.Totals()
	o.log.Info(ctx, "job finished",
		logger.String("job_id", job.ID),
		logger.String("state", string(job.State)),
		logger.Any("awarded", awarded),
		logger.Any("max_marks", maxMarks),
		logger.String("failure_reason", job.FailureReason))
	o.deps.Bus.Complete(job.ID)
}

// runExtracting ensures the job has its answer segments. A resumed run
// that already persisted segments skips the extractor entirely; zero
// segments or an extraction failure terminate the job with
// NoContentExtracted.
func (o *Orchestrator) runExtracting(ctx context.Context, job *domain.Job, sub *domain.Submission) error {
	if len(job.Segments) == 0 {
		stageCtx, cancel := context.WithTimeout(ctx, o.config.StageTimeout)
		defer cancel()

		var segments []domain.ExtractedAnswer
		_, err := o.deps.Retry.Do(stageCtx, func(ctx context.Context) error {
			segs, exErr := o.deps.Extractor.Extract(ctx, *sub)
			if exErr != nil {
				return exErr
			}
			segments = segs
			return nil
		})
		if err != nil {
			return o.failJob(ctx, job, fmt.Sprintf("%s: %v", domain.FailureNoContent, err))
		}
		if len(segments) == 0 {
			return o.failJob(ctx, job, domain.FailureNoContent)
		}
		job.Segments = segments
	}

	return o.advanceWithDetail(ctx, job, domain.JobMapping,
		fmt.Sprintf("extracted %d segments", len(job.Segments)))
}

// runMapping matches segments to questions. Mapping always succeeds: an
// unmapped question is recorded, not an error.
func (o *Orchestrator) runMapping(ctx context.Context, job *domain.Job, guide *domain.MarkingGuide) error {
	res := o.deps.Mapper.Map(job.Segments, guide)
	job.Mappings = res.Accepted
	for _, m := range res.Accepted {
		metrics.RecordMappingAccepted(string(m.Method))
	}
	if len(res.UnmappedQuestions) > 0 {
		o.log.Info(ctx, "questions left unmapped",
			logger.String("job_id", job.ID),
			logger.Int("count", len(res.UnmappedQuestions)))
	}

	return o.advanceWithDetail(ctx, job, domain.JobGrading,
		fmt.Sprintf("mapped %d/%d questions", len(res.Accepted), len(guide.Questions)))
}

// runGrading grades every question exactly once. Questions with a kept
// terminal result from a prior run are skipped; questions without an
// accepted mapping are recorded needs_review without an adapter call; the
// rest are dispatched to the judge with bounded concurrency and merged
// deterministically in guide order.
func (o *Orchestrator) runGrading(ctx context.Context, job *domain.Job, guide *domain.MarkingGuide) error {
	stageCtx, cancel := context.WithTimeout(ctx, o.config.StageTimeout)
	defer cancel()

	answerByID := make(map[string]string, len(job.Segments))
	for _, seg := range job.Segments {
		answerByID[seg.ID] = seg.Text
	}
	mappingByQ := make(map[string]domain.Mapping, len(job.Mappings))
	for _, m := range job.Mappings {
		mappingByQ[m.QuestionID] = m
	}

	results := make([]*domain.GradingResult, len(guide.Questions))
	sem := make(chan struct{}, o.config.GradeConcurrency)
	var wg sync.WaitGroup

	for i, q := range guide.Questions {
		if job.HasTerminalResult(q.ID) {
			continue // resumed run keeps prior graded/failed outcomes
		}

		m, mapped := mappingByQ[q.ID]
		answerText := ""
		if mapped {
			answerText = answerByID[m.AnswerID]
		}
		if !mapped || answerText == "" {
			r := domain.NeedsReviewResult(q, time.Now().UTC())
			results[i] = &r
			continue
		}

		wg.Add(1)
		go func(idx int, question domain.Question, text string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if stageCtx.Err() != nil {
				return // stage timed out; question stays pending for a re-run
			}

			resp, attempts, gradeErr := o.deps.Grader.Grade(stageCtx, question, text)
			now := time.Now().UTC()
			if gradeErr != nil {
				r := domain.FailedResult(question, attempts, gradeErr, now)
				results[idx] = &r
				return
			}
			results[idx] = &domain.GradingResult{
				QuestionID:   question.ID,
				AwardedMarks: resp.AwardedMarks,
				MaxMarks:     question.MaxMarks,
				Feedback:     resp.Feedback,
				Status:       domain.StatusGraded,
				Attempts:     attempts,
				GradedAt:     now,
			}
		}(i, q, answerText)
	}
	wg.Wait()

	// Merge in guide order so result recording, heartbeat sequences, and
	// persisted state are identical across runs.
	recorded := 0
	for i, q := range guide.Questions {
		r := results[i]
		if r == nil {
			continue // skipped (kept prior result) or timed out before dispatch
		}
		if err := r.Validate(); err != nil {
			failed := domain.FailedResult(q, r.Attempts, err, time.Now().UTC())
			r = &failed
		}
		job.SetResult(*r)
		recorded++
		metrics.RecordQuestionResult(string(r.Status))
		if r.Attempts > 0 {
			metrics.ObserveGradingAttempts(r.Attempts)
		}
		o.deps.Bus.Publish(progress.NewEvent(job.ID, domain.JobGrading, job.NextSequence(), true,
			fmt.Sprintf("question %s: %s", q.ID, r.Status)))
	}

	// Persist accumulated results before leaving the stage so a crash
	// after grading never repeats judge calls.
	if err := o.persist(ctx, job); err != nil {
		return err
	}

	// A stage timeout with pending questions re-enters Grading on the next
	// dequeue rather than aggregating a short verdict.
	if stageCtx.Err() != nil && len(job.Results) < len(guide.Questions) {
		return fmt.Errorf("grading stage timed out for job %s: %w", job.ID, stageCtx.Err())
	}

	return o.advanceWithDetail(ctx, job, domain.JobAggregating,
		fmt.Sprintf("recorded %d results this run", recorded))
}

// runAggregating sums marks and classifies the terminal state: Done when
// every question graded, Failed when none did, PartialFailure otherwise.
func (o *Orchestrator) runAggregating(ctx context.Context, job *domain.Job) error {
	awarded, maxMarks := job.Totals()
	terminal := job.TerminalState()
	if terminal == domain.JobFailed && job.FailureReason == "" {
		job.FailureReason = "no question could be graded"
	}
	if err := job.Transition(terminal); err != nil {
		return err
	}
	o.deps.Bus.Publish(progress.NewEvent(job.ID, job.State, job.NextSequence(), false,
		fmt.Sprintf("awarded %.2f of %.2f marks", awarded, maxMarks)))
	if err := o.persist(ctx, job); err != nil {
		return err
	}
	o.finishJob(ctx, job)
	return nil
}
