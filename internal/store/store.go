// Package store persists the Job aggregate and the collaborator-owned
// guides and submissions the pipeline reads. Saves are atomic per job: a
// reader never observes a partially written aggregate.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ahrav/go-grader/internal/domain"
)

// Store errors.
var (
	// ErrJobNotFound indicates no job exists with the requested ID.
	ErrJobNotFound = errors.New("job not found")

	// ErrGuideNotFound indicates no guide exists with the requested ID.
	ErrGuideNotFound = errors.New("guide not found")

	// ErrSubmissionNotFound indicates no submission exists with the requested ID.
	ErrSubmissionNotFound = errors.New("submission not found")
)

// ResultStore persists Job aggregates, enabling resumability. Save must be
// atomic per job; Load returns an isolated copy the caller may mutate.
type ResultStore interface {
	Save(ctx context.Context, job *domain.Job) error
	Load(ctx context.Context, jobID string) (*domain.Job, error)
	Exists(ctx context.Context, jobID string) (bool, error)
}

// MemoryStore is an in-process ResultStore for development and tests.
// Jobs are stored as marshaled snapshots so concurrent readers and the
// owning orchestrator never alias the same aggregate.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string][]byte)}
}

// Save snapshots the job. The marshal happens outside the lock so a slow
// encode cannot stall readers.
func (s *MemoryStore) Save(_ context.Context, job *domain.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	s.mu.Lock()
	s.jobs[job.ID] = raw
	s.mu.Unlock()
	return nil
}

// Load returns an isolated copy of the job.
func (s *MemoryStore) Load(_ context.Context, jobID string) (*domain.Job, error) {
	s.mu.RLock()
	raw, ok := s.jobs[jobID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	var job domain.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", jobID, err)
	}
	return &job, nil
}

// Exists reports whether a job with the given ID has been saved.
func (s *MemoryStore) Exists(_ context.Context, jobID string) (bool, error) {
	s.mu.RLock()
	_, ok := s.jobs[jobID]
	s.mu.RUnlock()
	return ok, nil
}

// GuideStore holds validated marking guides registered by the CRUD
// collaborator. Guides are immutable once registered.
type GuideStore struct {
	mu     sync.RWMutex
	guides map[string]*domain.MarkingGuide
}

// NewGuideStore creates an empty guide store.
func NewGuideStore() *GuideStore {
	return &GuideStore{guides: make(map[string]*domain.MarkingGuide)}
}

// Put validates and registers a guide.
func (s *GuideStore) Put(_ context.Context, guide *domain.MarkingGuide) error {
	if err := guide.Validate(); err != nil {
		return fmt.Errorf("invalid guide %s: %w", guide.ID, err)
	}
	s.mu.Lock()
	s.guides[guide.ID] = guide
	s.mu.Unlock()
	return nil
}

// Guide returns the guide with the given ID.
func (s *GuideStore) Guide(_ context.Context, id string) (*domain.MarkingGuide, error) {
	s.mu.RLock()
	g, ok := s.guides[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGuideNotFound, id)
	}
	return g, nil
}

// SubmissionStore holds ingested submissions.
type SubmissionStore struct {
	mu   sync.RWMutex
	subs map[string]*domain.Submission
}

// NewSubmissionStore creates an empty submission store.
func NewSubmissionStore() *SubmissionStore {
	return &SubmissionStore{subs: make(map[string]*domain.Submission)}
}

// Put validates and registers a submission.
func (s *SubmissionStore) Put(_ context.Context, sub *domain.Submission) error {
	if err := sub.Validate(); err != nil {
		return fmt.Errorf("invalid submission %s: %w", sub.ID, err)
	}
	s.mu.Lock()
	s.subs[sub.ID] = sub
	s.mu.Unlock()
	return nil
}

// Submission returns the submission with the given ID.
func (s *SubmissionStore) Submission(_ context.Context, id string) (*domain.Submission, error) {
	s.mu.RLock()
	sub, ok := s.subs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSubmissionNotFound, id)
	}
	return sub, nil
}
