// Package scheduler owns the bounded worker pool that consumes grading
// jobs. It enforces at-most-one concurrent pipeline run per job ID via an
// expiring lease and defers, rather than drops, a dequeue that races a
// running job.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ahrav/go-grader/pkg/logger"
	"github.com/ahrav/go-grader/pkg/metrics"
)

// Default scheduler configuration.
const (
	defaultWorkers    = 4
	defaultQueueSize  = 256
	defaultLeaseTTL   = 5 * time.Minute
	defaultDeferDelay = 500 * time.Millisecond

	shutdownTimeout = 30 * time.Second
)

// Scheduler errors.
var (
	// ErrQueueFull indicates the job queue cannot accept more work.
	ErrQueueFull = errors.New("job queue is full")

	// ErrShuttingDown indicates the scheduler no longer accepts jobs.
	ErrShuttingDown = errors.New("scheduler is shutting down")
)

// Runner executes one job to a terminal state. Implemented by the
// pipeline orchestrator.
type Runner interface {
	Run(ctx context.Context, jobID string) error
}

// Config tunes the scheduler.
type Config struct {
	// Workers is the fixed worker-pool size.
	Workers int `koanf:"workers"`

	// QueueSize bounds the in-memory job queue.
	QueueSize int `koanf:"queue_size"`

	// LeaseTTL is how long a worker may hold a job before a crash is
	// assumed and the job becomes re-dequeueable.
	LeaseTTL time.Duration `koanf:"lease_ttl"`

	// DeferDelay is how long a deferred dequeue waits before requeueing.
	DeferDelay time.Duration `koanf:"defer_delay"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Workers:    defaultWorkers,
		QueueSize:  defaultQueueSize,
		LeaseTTL:   defaultLeaseTTL,
		DeferDelay: defaultDeferDelay,
	}
}

// Validate checks the configuration bounds.
func (c Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be greater than 0, got %d", c.Workers)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue size must be greater than 0, got %d", c.QueueSize)
	}
	if c.LeaseTTL <= 0 {
		return fmt.Errorf("lease ttl must be greater than 0, got %v", c.LeaseTTL)
	}
	return nil
}

// Scheduler dequeues job IDs and hands them to the runner under a lease.
type Scheduler struct {
	runner Runner
	config Config
	queue  chan string
	leases *leaseTable

	shutdown chan struct{}
	done     chan struct{}
	log      logger.Logger
}

// New builds a scheduler from a runner and a validated configuration.
func New(runner Runner, cfg Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.DeferDelay <= 0 {
		cfg.DeferDelay = defaultDeferDelay
	}
	return &Scheduler{
		runner:   runner,
		config:   cfg,
		queue:    make(chan string, cfg.QueueSize),
		leases:   newLeaseTable(cfg.LeaseTTL),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
		log:      logger.Named("scheduler"),
	}, nil
}

// Enqueue queues a job for execution. A job already queued or running may
// be enqueued again; the lease defers the duplicate run until the current
// one finishes.
func (s *Scheduler) Enqueue(jobID string) error {
	select {
	case <-s.shutdown:
		return ErrShuttingDown
	default:
	}

	select {
	case s.queue <- jobID:
		metrics.UpdateQueueDepth(len(s.queue))
		return nil
	default:
		return fmt.Errorf("%w (capacity %d)", ErrQueueFull, s.config.QueueSize)
	}
}

// Start launches the worker pool. Workers run until ctx is cancelled or
// Shutdown is called.
func (s *Scheduler) Start(ctx context.Context) {
	var workerDone = make(chan struct{}, s.config.Workers)
	for i := 0; i < s.config.Workers; i++ {
		go func(id int) {
			defer func() { workerDone <- struct{}{} }()
			s.workerLoop(ctx, id)
		}(i)
	}
	go func() {
		for i := 0; i < s.config.Workers; i++ {
			<-workerDone
		}
		close(s.done)
	}()
}

// workerLoop consumes jobs until shutdown.
func (s *Scheduler) workerLoop(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdown:
			return
		case jobID := <-s.queue:
			metrics.UpdateQueueDepth(len(s.queue))
			s.runJob(ctx, id, jobID)
		}
	}
}

// runJob acquires the job's lease and runs the pipeline. A held lease
// means another worker is on the job; the dequeue is deferred back onto
// the queue after a short delay instead of running in parallel.
func (s *Scheduler) runJob(ctx context.Context, workerID int, jobID string) {
	if !s.leases.Acquire(jobID) {
		metrics.RecordLeaseConflict()
		s.log.Debug(ctx, "job lease held, deferring dequeue",
			logger.String("job_id", jobID),
			logger.Int("worker", workerID))
		s.requeueLater(jobID)
		return
	}
	defer s.leases.Release(jobID)

	// Renew while the run is in flight so a healthy run longer than the
	// TTL is never re-dequeued as a presumed crash.
	stopRenew := make(chan struct{})
	defer close(stopRenew)
	go s.renewLoop(jobID, stopRenew)

	s.log.Info(ctx, "job dequeued",
		logger.String("job_id", jobID),
		logger.Int("worker", workerID))

	if err := s.runner.Run(ctx, jobID); err != nil {
		s.log.Error(ctx, "pipeline run failed",
			logger.String("job_id", jobID),
			logger.Int("worker", workerID),
			logger.Error(err))
	}
}

// renewLoop extends the job's lease at a third of the TTL until stop
// closes.
func (s *Scheduler) renewLoop(jobID string, stop <-chan struct{}) {
	ticker := time.NewTicker(s.config.LeaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.leases.Renew(jobID)
		}
	}
}

// requeueLater requeues a deferred job after DeferDelay, dropping it if the
// scheduler stops first. The job is not lost: its persisted state makes
// any later enqueue resume where it left off.
func (s *Scheduler) requeueLater(jobID string) {
	time.AfterFunc(s.config.DeferDelay, func() {
		select {
		case <-s.shutdown:
		case s.queue <- jobID:
		default:
			// Queue full; persisted state keeps the job recoverable.
		}
	})
}

// Shutdown stops accepting work and waits for in-flight jobs to finish,
// bounded by shutdownTimeout.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	close(s.shutdown)

	waitCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	select {
	case <-s.done:
		return nil
	case <-waitCtx.Done():
		return fmt.Errorf("scheduler shutdown timed out: %w", waitCtx.Err())
	}
}
