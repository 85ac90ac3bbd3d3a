// Package audit provides the asynchronous audit queue: fire-and-forget jobs
// persisted to an append-only Postgres log by a bounded worker pool. The
// primary store remains the source of truth; the audit log is history and
// forensics only, and may lose events after exhaustive retries.
package audit

import (
	"context"
	"time"

	"github.com/synckairos/synckairos/pkg/models"
)

// EventType tags an audit job. The queue treats it as opaque.
type EventType string

// Audit event types.
const (
	EventSessionCreated     EventType = "session_created"
	EventSessionUpdated     EventType = "session_updated"
	EventSessionStarted     EventType = "session_started"
	EventCycleSwitched      EventType = "cycle_switched"
	EventSessionPaused      EventType = "session_paused"
	EventSessionResumed     EventType = "session_resumed"
	EventSessionCompleted   EventType = "session_completed"
	EventSessionCancelled   EventType = "session_cancelled"
	EventSessionDeleted     EventType = "session_deleted"
	EventParticipantAdded   EventType = "participant_added"
	EventParticipantRemoved EventType = "participant_removed"
)

// Job is one state transition to be persisted.
type Job struct {
	SessionID       string               `json:"session_id"`
	EventType       EventType            `json:"event_type"`
	Snapshot        *models.SessionState `json:"state_snapshot"`
	ParticipantID   *string              `json:"participant_id,omitempty"`
	TimeRemainingMS *int64               `json:"time_remaining_ms,omitempty"`
	Timestamp       time.Time            `json:"timestamp"`
	Metadata        map[string]any       `json:"metadata,omitempty"`
}

// Writer persists a single job in one atomic transaction.
type Writer interface {
	WriteEvent(ctx context.Context, job *Job) error
}

// Config controls the worker pool and retry policy.
type Config struct {
	// Workers is the number of concurrent job processors.
	Workers int

	// MaxAttempts is the total number of tries per job, including the first.
	MaxAttempts int

	// RetryBase is the delay before the first retry; the delay doubles on
	// each subsequent attempt.
	RetryBase time.Duration

	// QueueSize bounds the pending-job channel. Enqueue never blocks beyond
	// this buffer; overflow drops the job with an error log.
	QueueSize int

	// OnDrop, when set, is invoked once per dropped job.
	OnDrop func()
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:     10,
		MaxAttempts: 5,
		RetryBase:   2 * time.Second,
		QueueSize:   1024,
	}
}

// Stats is a point-in-time snapshot of queue health, surfaced via /health.
type Stats struct {
	QueueDepth int   `json:"queue_depth"`
	Workers    int   `json:"workers"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}
