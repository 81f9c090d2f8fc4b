// Package server exposes the grading service over HTTP: guide and
// submission ingestion, job lifecycle endpoints, a WebSocket progress
// stream, and the Prometheus scrape endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ahrav/go-grader/internal/domain"
	"github.com/ahrav/go-grader/internal/progress"
	"github.com/ahrav/go-grader/internal/scheduler"
	"github.com/ahrav/go-grader/internal/store"
	"github.com/ahrav/go-grader/pkg/logger"
	"github.com/ahrav/go-grader/pkg/metrics"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Enqueuer accepts job IDs for execution. Implemented by the scheduler.
type Enqueuer interface {
	Enqueue(jobID string) error
}

// Server is the HTTP front end for the grading pipeline.
type Server struct {
	jobs        store.ResultStore
	guides      *store.GuideStore
	submissions *store.SubmissionStore
	bus         *progress.Bus
	sched       Enqueuer

	httpServer *http.Server
	log        logger.Logger
}

// New builds a Server listening on addr.
func New(
	addr string,
	jobs store.ResultStore,
	guides *store.GuideStore,
	submissions *store.SubmissionStore,
	bus *progress.Bus,
	sched Enqueuer,
) *Server {
	s := &Server{
		jobs:        jobs,
		guides:      guides,
		submissions: submissions,
		bus:         bus,
		sched:       sched,
		log:         logger.Named("server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /guides", s.handleCreateGuide)
	mux.HandleFunc("POST /submissions", s.handleCreateSubmission)
	mux.HandleFunc("POST /jobs", s.handleCreateJob)
	mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /jobs/{id}/cancel", s.handleCancelJob)
	mux.HandleFunc("POST /jobs/{id}/retry", s.handleRetryJob)
	mux.HandleFunc("GET /jobs/{id}/events", s.handleJobEvents)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// Start runs the HTTP listener until Shutdown. It blocks.
func (s *Server) Start(ctx context.Context) error {
	s.log.Info(ctx, "http server listening", logger.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests, bounded by shutdownTimeout.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// handleCreateGuide registers a marking guide.
func (s *Server) handleCreateGuide(w http.ResponseWriter, r *http.Request) {
	var guide domain.MarkingGuide
	if err := json.NewDecoder(r.Body).Decode(&guide); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode guide: %w", err))
		return
	}
	if err := s.guides.Put(r.Context(), &guide); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": guide.ID})
}

// handleCreateSubmission ingests a submission.
func (s *Server) handleCreateSubmission(w http.ResponseWriter, r *http.Request) {
	var sub domain.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode submission: %w", err))
		return
	}
	if sub.ReceivedAt.IsZero() {
		sub.ReceivedAt = time.Now().UTC()
	}
	if err := s.submissions.Put(r.Context(), &sub); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": sub.ID})
}

type createJobRequest struct {
	GuideID      string `json:"guide_id"`
	SubmissionID string `json:"submission_id"`
}

// handleCreateJob creates a grading job and queues it for execution.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	ctx := r.Context()
	if _, err := s.guides.Guide(ctx, req.GuideID); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if _, err := s.submissions.Submission(ctx, req.SubmissionID); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	job := domain.NewJob(req.GuideID, req.SubmissionID)
	if err := s.jobs.Save(ctx, job); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.sched.Enqueue(job.ID); err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, scheduler.ErrQueueFull) {
			status = http.StatusTooManyRequests
		}
		writeError(w, status, err)
		return
	}

	s.log.Info(ctx, "job accepted",
		logger.String("job_id", job.ID),
		logger.String("guide_id", req.GuideID),
		logger.String("submission_id", req.SubmissionID))
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.ID,
		"state":  string(job.State),
	})
}

// handleGetJob returns the persisted job aggregate, including any
// per-question results recorded so far.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Load(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusForStoreErr(err), err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleCancelJob requests cooperative cancellation. The pipeline honors
// the flag at its next stage boundary; a terminal job is left untouched.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	job, err := s.jobs.Load(ctx, r.PathValue("id"))
	if err != nil {
		writeError(w, statusForStoreErr(err), err)
		return
	}
	if job.State.IsTerminal() {
		writeError(w, http.StatusConflict,
			fmt.Errorf("job %s already %s", job.ID, job.State))
		return
	}

	job.CancelRequested = true
	if err := s.jobs.Save(ctx, job); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.ID,
		"state":  string(job.State),
	})
}

// handleRetryJob re-queues a job that ended in failure or partial
// failure. Failed per-question results are reopened; graded results are
// kept as-is.
func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	job, err := s.jobs.Load(ctx, r.PathValue("id"))
	if err != nil {
		writeError(w, statusForStoreErr(err), err)
		return
	}
	if job.State != domain.JobFailed && job.State != domain.JobPartialFailure {
		writeError(w, http.StatusConflict,
			fmt.Errorf("job %s is %s, only failed jobs can be retried", job.ID, job.State))
		return
	}

	job.Reopen()
	if err := s.jobs.Save(ctx, job); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.sched.Enqueue(job.ID); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.ID,
		"state":  string(job.State),
	})
}

func statusForStoreErr(err error) int {
	if errors.Is(err, store.ErrJobNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
