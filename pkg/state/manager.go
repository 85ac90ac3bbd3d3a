// Package state composes the primary store and the audit queue into the
// mutation primitives used by the engine and the gateway. Every mutation
// increments the version, refreshes the TTL, publishes on the update channel,
// and enqueues an audit job.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/synckairos/synckairos/pkg/audit"
	"github.com/synckairos/synckairos/pkg/models"
	"github.com/synckairos/synckairos/pkg/store"
)

// Logical names within the store namespace.
const (
	sessionKeyPrefix = "session:"

	// UpdatesChannel carries every state change for every session.
	UpdatesChannel = "session-updates"

	// wsChannelPrefix is the per-session broadcast channel prefix.
	wsChannelPrefix = "ws:"
)

// updateEnvelope is the payload published on UpdatesChannel. A nil State with
// Deleted=true is the deletion sentinel; TTL expiries publish nothing, so
// "absent because deleted" and "absent because expired" are distinguished
// only by this convention.
type updateEnvelope struct {
	SessionID string          `json:"session_id"`
	Deleted   bool            `json:"deleted"`
	State     json.RawMessage `json:"state,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Manager owns the store clients and the audit queue handle.
type Manager struct {
	store *store.Client
	audit *audit.Queue
	ttl   time.Duration
}

// NewManager creates a state manager. ttl <= 0 falls back to the store
// default.
func NewManager(st *store.Client, auditQueue *audit.Queue, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = store.DefaultTTL
	}
	return &Manager{store: st, audit: auditQueue, ttl: ttl}
}

func sessionKey(id string) string { return sessionKeyPrefix + id }

// WSChannel returns the per-session broadcast channel name.
func WSChannel(sessionID string) string { return wsChannelPrefix + sessionID }

// GetSession loads and decodes a session. A missing key returns (nil, nil).
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*models.SessionState, error) {
	raw, found, err := m.store.Get(ctx, sessionKey(sessionID))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	var st models.SessionState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, &DeserializationError{SessionID: sessionID, Raw: raw, Err: err}
	}
	return &st, nil
}

// CreateSession writes a new session unconditionally at version 1, publishes
// it, and enqueues a session_created audit job.
func (m *Manager) CreateSession(ctx context.Context, st *models.SessionState) error {
	st.Version = 1
	now := time.Now().UTC()
	if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}
	st.UpdatedAt = now

	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("serialize session %s: %w", st.SessionID, err)
	}
	if err := m.store.SetWithTTL(ctx, sessionKey(st.SessionID), raw, m.ttl); err != nil {
		return err
	}

	m.publishState(ctx, st.SessionID, raw)
	m.enqueueAudit(st, audit.EventSessionCreated)
	return nil
}

// UpdateSession persists a mutated session. With expectedVersion > 0 the
// write is a compare-and-set against that version; otherwise the current
// stored version is read first. The in-state version field is bumped to match
// the version written. On success the new state is published and an audit job
// with the given event type is enqueued.
func (m *Manager) UpdateSession(ctx context.Context, st *models.SessionState, expectedVersion int64, event audit.EventType) error {
	if expectedVersion <= 0 {
		current, err := m.GetSession(ctx, st.SessionID)
		if err != nil {
			return err
		}
		if current == nil {
			return ErrSessionNotFound
		}
		expectedVersion = current.Version
	}

	st.Version = expectedVersion + 1
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}

	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("serialize session %s: %w", st.SessionID, err)
	}

	err = m.store.CompareAndSetWithTTL(ctx, sessionKey(st.SessionID), expectedVersion, raw, m.ttl)
	if err != nil {
		var mismatch *store.VersionMismatchError
		switch {
		case errors.As(err, &mismatch):
			return &ConcurrencyError{
				SessionID:       st.SessionID,
				ExpectedVersion: mismatch.Expected,
				ActualVersion:   mismatch.Actual,
			}
		case errors.Is(err, store.ErrNotFound):
			return ErrSessionNotFound
		default:
			return err
		}
	}

	m.publishState(ctx, st.SessionID, raw)
	if event == "" {
		event = audit.EventSessionUpdated
	}
	m.enqueueAudit(st, event)
	return nil
}

// DeleteSession removes the key, publishes the deletion sentinel, and
// enqueues the final audit job. snapshot is the last observed state; it may
// be nil when the caller never loaded one.
func (m *Manager) DeleteSession(ctx context.Context, sessionID string, snapshot *models.SessionState) error {
	if err := m.store.Delete(ctx, sessionKey(sessionID)); err != nil {
		return err
	}

	env := updateEnvelope{SessionID: sessionID, Deleted: true, Timestamp: time.Now().UTC()}
	payload, err := json.Marshal(env)
	if err == nil {
		err = m.store.Publish(ctx, UpdatesChannel, payload)
	}
	if err != nil {
		slog.Warn("Failed to publish deletion sentinel", "session_id", sessionID, "error", err)
	}

	if snapshot != nil {
		m.enqueueAudit(snapshot, audit.EventSessionDeleted)
	}
	return nil
}

// SubscribeToUpdates subscribes (once per instance) to the state-update
// channel. The handler receives a nil state for the deletion sentinel. It
// runs on the subscription goroutine and must not block.
func (m *Manager) SubscribeToUpdates(ctx context.Context, handler func(sessionID string, st *models.SessionState)) error {
	return m.store.Subscribe(ctx, UpdatesChannel, func(payload []byte) {
		var env updateEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			slog.Warn("Malformed update envelope, dropping", "error", err)
			return
		}
		if env.Deleted {
			handler(env.SessionID, nil)
			return
		}
		var st models.SessionState
		if err := json.Unmarshal(env.State, &st); err != nil {
			slog.Warn("Malformed state in update envelope, dropping",
				"session_id", env.SessionID, "error", err)
			return
		}
		handler(env.SessionID, &st)
	})
}

// SubscribeToBroadcasts subscribes to the per-session broadcast pattern for
// arbitrary cross-instance payloads not tied to state changes.
func (m *Manager) SubscribeToBroadcasts(ctx context.Context, handler func(sessionID string, payload []byte)) error {
	return m.store.PSubscribe(ctx, wsChannelPrefix+"*", func(channel string, payload []byte) {
		handler(channel[len(wsChannelPrefix):], payload)
	})
}

// BroadcastToSession publishes an opaque payload on the session's broadcast
// channel without touching state.
func (m *Manager) BroadcastToSession(ctx context.Context, sessionID string, payload []byte) error {
	return m.store.Publish(ctx, WSChannel(sessionID), payload)
}

// Ping reports primary-store reachability.
func (m *Manager) Ping(ctx context.Context) error {
	return m.store.Ping(ctx)
}

// AuditStats exposes audit queue health for /health.
func (m *Manager) AuditStats() audit.Stats {
	return m.audit.Stats()
}

// Close tears down subscriptions and both store connections. The audit queue
// is drained separately so shutdown can order it after in-flight mutations.
func (m *Manager) Close() error {
	return m.store.Close()
}

func (m *Manager) publishState(ctx context.Context, sessionID string, raw []byte) {
	env := updateEnvelope{
		SessionID: sessionID,
		State:     raw,
		Timestamp: time.Now().UTC(),
	}
	payload, err := json.Marshal(env)
	if err == nil {
		err = m.store.Publish(ctx, UpdatesChannel, payload)
	}
	if err != nil {
		// Fan-out is best effort; the store remains authoritative and any
		// later update carries a full snapshot.
		slog.Warn("Failed to publish state update", "session_id", sessionID, "error", err)
	}
}

func (m *Manager) enqueueAudit(st *models.SessionState, event audit.EventType) {
	job := &audit.Job{
		SessionID: st.SessionID,
		EventType: event,
		Snapshot:  st.Clone(),
		Timestamp: time.Now().UTC(),
	}
	if p := st.ActiveParticipant(); p != nil {
		id := p.ParticipantID
		remaining := p.TimeRemainingMS
		job.ParticipantID = &id
		job.TimeRemainingMS = &remaining
	}
	m.audit.Enqueue(job)
}
