// Package metrics provides Prometheus metrics for the grading pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registry isolates pipeline metrics from default Go collectors registered
// elsewhere in the process.
var registry = prometheus.NewRegistry()

var (
	jobsTotal = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "grader",
		Subsystem: "pipeline",
		Name:      "jobs_total",
		Help:      "Jobs reaching a terminal state, by state.",
	}, []string{"state"})

	stageDuration = promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "grader",
		Subsystem: "pipeline",
		Name:      "stage_duration_seconds",
		Help:      "Wall-clock duration of each pipeline stage.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"stage"})

	questionsTotal = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "grader",
		Subsystem: "pipeline",
		Name:      "questions_total",
		Help:      "Per-question terminal results, by status.",
	}, []string{"status"})

	gradingAttempts = promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: "grader",
		Subsystem: "grading",
		Name:      "attempts_per_question",
		Help:      "Adapter attempts consumed per graded question, retries included.",
		Buckets:   []float64{1, 2, 3, 4, 5},
	})

	mappingsAccepted = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "grader",
		Subsystem: "mapping",
		Name:      "accepted_total",
		Help:      "Accepted answer-to-question mappings, by method.",
	}, []string{"method"})

	progressDropped = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Namespace: "grader",
		Subsystem: "progress",
		Name:      "events_dropped_total",
		Help:      "Progress events dropped for slow subscribers.",
	})

	queueDepth = promauto.With(registry).NewGauge(prometheus.GaugeOpts{
		Namespace: "grader",
		Subsystem: "scheduler",
		Name:      "queue_depth",
		Help:      "Jobs waiting in the scheduler queue.",
	})

	leaseConflicts = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Namespace: "grader",
		Subsystem: "scheduler",
		Name:      "lease_conflicts_total",
		Help:      "Dequeues deferred because the job's lease was held.",
	})
)

// RecordJobTerminal counts a job reaching a terminal state.
func RecordJobTerminal(state string) { jobsTotal.WithLabelValues(state).Inc() }

// ObserveStageDuration records how long a stage ran.
func ObserveStageDuration(stage string, d time.Duration) {
	stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordQuestionResult counts one question's terminal status.
func RecordQuestionResult(status string) { questionsTotal.WithLabelValues(status).Inc() }

// ObserveGradingAttempts records attempts consumed for one question.
func ObserveGradingAttempts(n int) { gradingAttempts.Observe(float64(n)) }

// RecordMappingAccepted counts an accepted mapping by method.
func RecordMappingAccepted(method string) { mappingsAccepted.WithLabelValues(method).Inc() }

// RecordProgressDropped counts a dropped progress event.
func RecordProgressDropped() { progressDropped.Inc() }

// UpdateQueueDepth sets the scheduler queue depth gauge.
func UpdateQueueDepth(n int) { queueDepth.Set(float64(n)) }

// RecordLeaseConflict counts a deferred dequeue.
func RecordLeaseConflict() { leaseConflicts.Inc() }

// Handler exposes the pipeline metrics for scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
