package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresWriter persists audit jobs to the append-only log. Each job runs as
// one transaction: an upsert into the audit_sessions projection plus an
// insert into the audit_events log. On any failure the transaction rolls
// back; the retry policy in Queue decides what happens next.
type PostgresWriter struct {
	db *sql.DB
}

// NewPostgresWriter creates a writer over an open connection pool.
func NewPostgresWriter(db *sql.DB) *PostgresWriter {
	return &PostgresWriter{db: db}
}

// WriteEvent implements Writer.
func (w *PostgresWriter) WriteEvent(ctx context.Context, job *Job) error {
	snapshot, err := json.Marshal(job.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal state snapshot: %w", err)
	}
	metadata, err := json.Marshal(job.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	st := job.Snapshot
	cycleCount := 0
	for _, p := range st.Participants {
		cycleCount += p.CycleCount
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_sessions (
			session_id, sync_mode, status,
			total_time_ms, time_per_cycle_ms, increment_ms, max_time_ms,
			participant_count, cycle_count,
			session_started_at, session_completed_at,
			metadata, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (session_id) DO UPDATE SET
			status = EXCLUDED.status,
			participant_count = EXCLUDED.participant_count,
			cycle_count = EXCLUDED.cycle_count,
			session_started_at = EXCLUDED.session_started_at,
			session_completed_at = EXCLUDED.session_completed_at,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at`,
		st.SessionID, string(st.SyncMode), string(st.Status),
		st.TotalTimeMS, st.TimePerCycleMS, st.IncrementMS, st.MaxTimeMS,
		len(st.Participants), cycleCount,
		st.SessionStartedAt, st.SessionCompletedAt,
		metadata, st.CreatedAt, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("upsert audit session: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_events (
			event_id, session_id, event_type,
			participant_id, time_remaining_ms,
			occurred_at, state_snapshot, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.NewString(), job.SessionID, string(job.EventType),
		job.ParticipantID, job.TimeRemainingMS,
		job.Timestamp, snapshot, metadata,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit audit transaction: %w", err)
	}
	return nil
}
