// Package progress publishes ordered stage-transition events per job to
// subscribers such as the WebSocket layer. Sequence numbers are assigned
// by the orchestrator and are strictly increasing per job; delivery is
// at-least-once and publish never blocks the pipeline.
package progress

import (
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/go-grader/internal/domain"
)

// Event is one progress notification for a job. Stage transitions and
// intra-stage heartbeats share the same shape; subscribers distinguish
// them by the Heartbeat flag.
type Event struct {
	// ID uniquely identifies this event instance.
	ID string `json:"id"`

	// JobID is the job the event belongs to.
	JobID string `json:"job_id"`

	// Stage is the job state the event reports.
	Stage domain.JobState `json:"stage"`

	// Sequence is the orchestrator-assigned, strictly increasing per-job
	// sequence number. Subscribers use it to detect gaps and to resume
	// after a reconnect.
	Sequence uint64 `json:"sequence"`

	// Heartbeat marks intra-stage progress (e.g. per-question grading
	// ticks) rather than a stage transition.
	Heartbeat bool `json:"heartbeat,omitempty"`

	// Detail carries a human-readable progress note.
	Detail string `json:"detail,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// NewEvent builds an event with a fresh ID and emission timestamp.
func NewEvent(jobID string, stage domain.JobState, sequence uint64, heartbeat bool, detail string) Event {
	return Event{
		ID:        uuid.New().String(),
		JobID:     jobID,
		Stage:     stage,
		Sequence:  sequence,
		Heartbeat: heartbeat,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}
}
