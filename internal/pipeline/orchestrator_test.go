package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-grader/internal/domain"
	"github.com/ahrav/go-grader/internal/extraction"
	"github.com/ahrav/go-grader/internal/grading"
	"github.com/ahrav/go-grader/internal/mapping"
	"github.com/ahrav/go-grader/internal/progress"
	"github.com/ahrav/go-grader/internal/store"
)

// fakeJudge scripts per-question verdicts and records call counts.
type fakeJudge struct {
	mu      sync.Mutex
	grade   map[string]func() (*grading.GradeResponse, error)
	calls   map[string]int
	defMark float64
}

func newFakeJudge() *fakeJudge {
	return &fakeJudge{
		grade:   make(map[string]func() (*grading.GradeResponse, error)),
		calls:   make(map[string]int),
		defMark: 3,
	}
}

func (f *fakeJudge) Grade(_ context.Context, req grading.GradeRequest) (*grading.GradeResponse, error) {
	f.mu.Lock()
	f.calls[req.Question.ID]++
	fn := f.grade[req.Question.ID]
	f.mu.Unlock()

	if fn != nil {
		return fn()
	}
	mark := f.defMark
	if mark > req.Question.MaxMarks {
		mark = req.Question.MaxMarks
	}
	return &grading.GradeResponse{AwardedMarks: mark, Feedback: "ok"}, nil
}

func (f *fakeJudge) callCount(questionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[questionID]
}

// testHarness bundles the orchestrator with its real in-memory
// collaborators and the scripted judge.
type testHarness struct {
	orch        *Orchestrator
	judge       *fakeJudge
	jobs        store.ResultStore
	guides      *store.GuideStore
	submissions *store.SubmissionStore
	bus         *progress.Bus
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	judge := newFakeJudge()
	jobs := store.NewMemoryStore()
	guides := store.NewGuideStore()
	submissions := store.NewSubmissionStore()
	bus := progress.NewBus(progress.WithBufferSize(256))

	retryCfg := grading.RetryConfig{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2.0,
	}
	policy, err := grading.NewRetryPolicy(retryCfg)
	require.NoError(t, err)

	engine, err := mapping.NewEngine(mapping.DefaultConfig())
	require.NoError(t, err)

	orch, err := New(Deps{
		Guides:      guides,
		Submissions: submissions,
		Extractor:   extraction.NewTextSegmenter(),
		Mapper:      engine,
		Grader:      grading.NewGrader(judge, policy),
		Retry:       policy,
		Bus:         bus,
		Store:       jobs,
	}, Config{StageTimeout: 5 * time.Second, GradeConcurrency: 2})
	require.NoError(t, err)

	return &testHarness{
		orch:        orch,
		judge:       judge,
		jobs:        jobs,
		guides:      guides,
		submissions: submissions,
		bus:         bus,
	}
}

func (h *testHarness) registerGuide(t *testing.T) *domain.MarkingGuide {
	t.Helper()
	guide := &domain.MarkingGuide{
		ID:         "guide-1",
		TotalMarks: 15,
		Questions: []domain.Question{
			{ID: "q1", Label: "1", Text: "Define big-O notation.", MaxMarks: 5,
				Criteria: "asymptotic upper bound"},
			{ID: "q2", Label: "2", Text: "Explain quicksort.", MaxMarks: 5,
				Criteria: "pivot partitioning recursion"},
			{ID: "q3", Label: "3", Text: "State the pigeonhole principle.", MaxMarks: 5,
				Criteria: "more items than containers"},
		},
	}
	require.NoError(t, h.guides.Put(context.Background(), guide))
	return guide
}

func (h *testHarness) registerSubmission(t *testing.T, text string) *domain.Submission {
	t.Helper()
	sub := &domain.Submission{
		ID:         "sub-1",
		GuideID:    "guide-1",
		Text:       text,
		ReceivedAt: time.Now().UTC(),
	}
	require.NoError(t, h.submissions.Put(context.Background(), sub))
	return sub
}

func (h *testHarness) newJob(t *testing.T) *domain.Job {
	t.Helper()
	job := domain.NewJob("guide-1", "sub-1")
	require.NoError(t, h.jobs.Save(context.Background(), job))
	return job
}

const answeredPaper = "1. An asymptotic upper bound on growth.\n" +
	"2. Quicksort picks a pivot, partitions, recurses.\n" +
	"3. More items than containers forces sharing.\n"

func TestRunHappyPath(t *testing.T) {
	h := newHarness(t)
	h.registerGuide(t)
	h.registerSubmission(t, answeredPaper)
	job := h.newJob(t)

	require.NoError(t, h.orch.Run(context.Background(), job.ID))

	final, err := h.jobs.Load(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobDone, final.State)
	require.Len(t, final.Results, 3)
	for _, qid := range []string{"q1", "q2", "q3"} {
		assert.Equal(t, domain.StatusGraded, final.Results[qid].Status)
		assert.Equal(t, 1, h.judge.callCount(qid))
	}

	awarded, maxMarks := final.Totals()
	assert.InDelta(t, 9.0, awarded, 1e-9)
	assert.InDelta(t, 15.0, maxMarks, 1e-9)
	assert.Len(t, final.Mappings, 3)
	assert.Len(t, final.Segments, 3)
}

func TestRunPartialFailure(t *testing.T) {
	h := newHarness(t)
	h.registerGuide(t)
	h.registerSubmission(t, answeredPaper)
	job := h.newJob(t)

	h.judge.grade["q2"] = func() (*grading.GradeResponse, error) {
		return nil, &grading.PermanentError{Type: grading.ErrorTypeContent, Message: "filtered"}
	}

	require.NoError(t, h.orch.Run(context.Background(), job.ID))

	final, err := h.jobs.Load(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobPartialFailure, final.State)
	assert.Equal(t, domain.StatusGraded, final.Results["q1"].Status)
	assert.Equal(t, domain.StatusFailed, final.Results["q2"].Status)
	assert.Equal(t, domain.StatusGraded, final.Results["q3"].Status)
	assert.Equal(t, 1, h.judge.callCount("q2"), "permanent errors are not retried")

	awarded, _ := final.Totals()
	assert.InDelta(t, 6.0, awarded, 1e-9, "failed question contributes zero marks")
}

func TestRunRetryExhaustionIsolatedToQuestion(t *testing.T) {
	h := newHarness(t)
	h.registerGuide(t)
	h.registerSubmission(t, answeredPaper)
	job := h.newJob(t)

	h.judge.grade["q3"] = func() (*grading.GradeResponse, error) {
		return nil, &grading.TransientError{Type: grading.ErrorTypeProvider, Message: "outage"}
	}

	require.NoError(t, h.orch.Run(context.Background(), job.ID))

	final, err := h.jobs.Load(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobPartialFailure, final.State)
	assert.Equal(t, domain.StatusFailed, final.Results["q3"].Status)
	assert.Equal(t, 3, final.Results["q3"].Attempts)
	assert.Equal(t, 3, h.judge.callCount("q3"))
	assert.Equal(t, domain.StatusGraded, final.Results["q1"].Status)
}

func TestRunNoContentExtracted(t *testing.T) {
	h := newHarness(t)
	h.registerGuide(t)
	h.registerSubmission(t, "   \n  ")
	job := h.newJob(t)

	require.NoError(t, h.orch.Run(context.Background(), job.ID))

	final, err := h.jobs.Load(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, final.State)
	assert.Equal(t, domain.FailureNoContent, final.FailureReason)
	assert.Empty(t, h.judge.calls, "no grading without content")
}

func TestRunMalformedGuideFailsJob(t *testing.T) {
	h := newHarness(t)
	// Register the guide pre-validated, then corrupt the lookup by using a
	// guide whose referenced ID never existed.
	h.registerSubmission(t, answeredPaper)
	job := h.newJob(t)

	require.NoError(t, h.orch.Run(context.Background(), job.ID))

	final, err := h.jobs.Load(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, final.State)
	assert.Contains(t, final.FailureReason, "guide unavailable")
}

func TestRunUnmappedQuestionNeedsReview(t *testing.T) {
	h := newHarness(t)
	h.registerGuide(t)
	// Only questions 1 and 2 answered; question 3 attracts nothing.
	h.registerSubmission(t, "1. An asymptotic upper bound on growth.\n"+
		"2. Quicksort picks a pivot, partitions, recurses.\n")
	job := h.newJob(t)

	require.NoError(t, h.orch.Run(context.Background(), job.ID))

	final, err := h.jobs.Load(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobPartialFailure, final.State)
	assert.Equal(t, domain.StatusNeedsReview, final.Results["q3"].Status)
	assert.Zero(t, final.Results["q3"].AwardedMarks)
	assert.Zero(t, h.judge.callCount("q3"), "unmapped questions never reach the judge")
}

func TestRunResumeSkipsGradedQuestions(t *testing.T) {
	h := newHarness(t)
	guide := h.registerGuide(t)
	h.registerSubmission(t, answeredPaper)

	// Simulate a run that crashed after grading q1: segments, mappings, and
	// one graded result are already persisted, state is Grading.
	job := domain.NewJob("guide-1", "sub-1")
	segments, err := extraction.NewTextSegmenter().Extract(context.Background(),
		domain.Submission{ID: "sub-1", Text: answeredPaper})
	require.NoError(t, err)
	job.Segments = segments

	engine, err := mapping.NewEngine(mapping.DefaultConfig())
	require.NoError(t, err)
	job.Mappings = engine.Map(segments, guide).Accepted

	job.SetResult(domain.GradingResult{
		QuestionID: "q1", AwardedMarks: 5, MaxMarks: 5,
		Status: domain.StatusGraded, GradedAt: time.Now().UTC(),
	})
	job.State = domain.JobGrading
	job.SequenceCounter = 7
	require.NoError(t, h.jobs.Save(context.Background(), job))

	require.NoError(t, h.orch.Run(context.Background(), job.ID))

	final, err := h.jobs.Load(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobDone, final.State)
	assert.Zero(t, h.judge.callCount("q1"), "graded questions are never re-graded on resume")
	assert.Equal(t, 1, h.judge.callCount("q2"))
	assert.Equal(t, 1, h.judge.callCount("q3"))
	assert.Equal(t, 5.0, final.Results["q1"].AwardedMarks, "prior verdict is preserved")
	assert.Greater(t, final.SequenceCounter, uint64(7), "sequence continues past the persisted counter")
}

func TestRunRetryFailedReopensFailedQuestions(t *testing.T) {
	h := newHarness(t)
	h.registerGuide(t)
	h.registerSubmission(t, answeredPaper)
	job := h.newJob(t)

	h.judge.grade["q2"] = func() (*grading.GradeResponse, error) {
		return nil, &grading.PermanentError{Type: grading.ErrorTypeMalformed, Message: "bad"}
	}
	require.NoError(t, h.orch.Run(context.Background(), job.ID))

	mid, err := h.jobs.Load(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobPartialFailure, mid.State)

	// Operator fixes the judge and retries the job.
	h.judge.mu.Lock()
	delete(h.judge.grade, "q2")
	h.judge.mu.Unlock()
	mid.Reopen()
	require.NoError(t, h.jobs.Save(context.Background(), mid))

	require.NoError(t, h.orch.Run(context.Background(), job.ID))

	final, err := h.jobs.Load(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobDone, final.State)
	assert.Equal(t, domain.StatusGraded, final.Results["q2"].Status)
	assert.Equal(t, 1, h.judge.callCount("q1"), "graded questions stay untouched across the retry")
}

func TestRunCancellation(t *testing.T) {
	h := newHarness(t)
	h.registerGuide(t)
	h.registerSubmission(t, answeredPaper)
	job := h.newJob(t)

	// Cancellation arrives before the run starts.
	stored, err := h.jobs.Load(context.Background(), job.ID)
	require.NoError(t, err)
	stored.CancelRequested = true
	require.NoError(t, h.jobs.Save(context.Background(), stored))

	require.NoError(t, h.orch.Run(context.Background(), job.ID))

	final, err := h.jobs.Load(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCancelled, final.State)
	assert.Empty(t, h.judge.calls)
}

func TestRunCancellationDuringGrading(t *testing.T) {
	h := newHarness(t)
	h.registerGuide(t)
	h.registerSubmission(t, answeredPaper)
	job := h.newJob(t)

	// Cancellation arrives mid-stage: the cancel endpoint flips the flag on
	// the persisted copy while grading is underway. The stage-end saves must
	// not clobber it, so the next boundary poll still cancels the job.
	var once sync.Once
	h.judge.grade["q2"] = func() (*grading.GradeResponse, error) {
		once.Do(func() {
			stored, err := h.jobs.Load(context.Background(), job.ID)
			require.NoError(t, err)
			stored.CancelRequested = true
			require.NoError(t, h.jobs.Save(context.Background(), stored))
		})
		return &grading.GradeResponse{AwardedMarks: 2, Feedback: "ok"}, nil
	}

	require.NoError(t, h.orch.Run(context.Background(), job.ID))

	final, err := h.jobs.Load(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCancelled, final.State)
	assert.True(t, final.CancelRequested, "flag survives the stage-end saves")
}

func TestRunTerminalJobIsNoOp(t *testing.T) {
	h := newHarness(t)
	h.registerGuide(t)
	h.registerSubmission(t, answeredPaper)
	job := h.newJob(t)

	require.NoError(t, h.orch.Run(context.Background(), job.ID))
	firstFinal, err := h.jobs.Load(context.Background(), job.ID)
	require.NoError(t, err)

	// A duplicate dequeue of the finished job changes nothing.
	require.NoError(t, h.orch.Run(context.Background(), job.ID))

	secondFinal, err := h.jobs.Load(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, firstFinal, secondFinal)
	for _, qid := range []string{"q1", "q2", "q3"} {
		assert.Equal(t, 1, h.judge.callCount(qid))
	}
}

func TestRunMissingJob(t *testing.T) {
	h := newHarness(t)

	err := h.orch.Run(context.Background(), "no-such-job")
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrJobNotFound)
}

func TestRunProgressSequencesStrictlyIncrease(t *testing.T) {
	h := newHarness(t)
	h.registerGuide(t)
	h.registerSubmission(t, answeredPaper)
	job := h.newJob(t)

	sub := h.bus.Subscribe(job.ID, 0)

	require.NoError(t, h.orch.Run(context.Background(), job.ID))

	var events []progress.Event
	for ev := range sub.C {
		events = append(events, ev)
	}
	require.NotEmpty(t, events)
	assert.Zero(t, sub.Dropped())

	var last uint64
	for _, ev := range events {
		assert.Greater(t, ev.Sequence, last, "sequence must strictly increase")
		last = ev.Sequence
	}
	assert.Equal(t, domain.JobDone, events[len(events)-1].Stage)
}

func TestRunPersistenceFailureSurfaces(t *testing.T) {
	h := newHarness(t)
	h.registerGuide(t)
	h.registerSubmission(t, answeredPaper)
	job := h.newJob(t)

	failing := &failingStore{ResultStore: h.jobs, failAfter: 1}
	h.orch.deps.Store = failing

	err := h.orch.Run(context.Background(), job.ID)
	require.Error(t, err, "a save failure is infrastructure, not a domain failure")
	assert.Contains(t, err.Error(), "persist job")
}

// failingStore wraps a ResultStore and fails saves after a threshold.
type failingStore struct {
	store.ResultStore
	saves     int
	failAfter int
}

func (f *failingStore) Save(ctx context.Context, job *domain.Job) error {
	f.saves++
	if f.saves > f.failAfter {
		return errors.New("disk full")
	}
	return f.ResultStore.Save(ctx, job)
}
