// Package engine implements the session state machine: create, start,
// switch, pause, resume, complete, cancel, delete, and the time accounting
// performed on transitions. Operations load the current state, mutate a
// clone, and persist through the state manager's version-checked write; all
// cross-instance coordination reduces to that single compare-and-set.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/synckairos/synckairos/pkg/audit"
	"github.com/synckairos/synckairos/pkg/models"
	"github.com/synckairos/synckairos/pkg/state"
)

// Participant time budget bounds (ms).
const (
	MinParticipantTimeMS = 1_000
	MaxParticipantTimeMS = 86_400_000
	MaxParticipants      = 1000
)

// StateManager is the subset of the state manager the engine needs.
// Implemented by *state.Manager; tests substitute an in-memory fake.
type StateManager interface {
	GetSession(ctx context.Context, sessionID string) (*models.SessionState, error)
	CreateSession(ctx context.Context, st *models.SessionState) error
	UpdateSession(ctx context.Context, st *models.SessionState, expectedVersion int64, event audit.EventType) error
	DeleteSession(ctx context.Context, sessionID string, snapshot *models.SessionState) error
}

// Engine performs session operations. It holds no per-session state; any
// instance serves any request.
type Engine struct {
	state StateManager

	// now is the wall clock; injectable for deterministic time-accounting
	// tests.
	now func() time.Time
}

// New creates an engine over a state manager.
func New(sm StateManager) *Engine {
	return &Engine{state: sm, now: time.Now}
}

// ParticipantConfig is one participant in a create request.
type ParticipantConfig struct {
	ParticipantID string  `json:"participant_id"`
	TotalTimeMS   int64   `json:"total_time_ms"`
	GroupID       *string `json:"group_id"`
}

// CreateSessionInput is the session configuration. Timing fields are
// immutable after create.
type CreateSessionInput struct {
	SessionID      string              `json:"session_id"`
	SyncMode       models.SyncMode     `json:"sync_mode"`
	Participants   []ParticipantConfig `json:"participants"`
	TotalTimeMS    int64               `json:"total_time_ms"`
	TimePerCycleMS int64               `json:"time_per_cycle_ms"`
	IncrementMS    int64               `json:"increment_ms"`
	MaxTimeMS      int64               `json:"max_time_ms"`
}

// SwitchResult is returned by SwitchCycle.
type SwitchResult struct {
	SessionID            string                `json:"session_id"`
	ActiveParticipantID  string                `json:"active_participant_id"`
	CycleStartedAt       time.Time             `json:"cycle_started_at"`
	Participants         []*models.Participant `json:"participants"`
	Status               models.SessionStatus  `json:"status"`
	ExpiredParticipantID *string               `json:"expired_participant_id"`
}

// CreateSession validates the configuration and writes the initial state at
// version 1, status pending.
func (e *Engine) CreateSession(ctx context.Context, input *CreateSessionInput) (*models.SessionState, error) {
	if err := validateCreateInput(input); err != nil {
		return nil, err
	}

	existing, err := e.state.GetSession(ctx, input.SessionID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, NewValidationError("session_id", "unique", "session already exists")
	}

	now := e.now().UTC()
	st := &models.SessionState{
		SessionID:      input.SessionID,
		SyncMode:       input.SyncMode,
		Status:         models.StatusPending,
		Participants:   make([]*models.Participant, len(input.Participants)),
		TotalTimeMS:    input.TotalTimeMS,
		TimePerCycleMS: input.TimePerCycleMS,
		IncrementMS:    input.IncrementMS,
		MaxTimeMS:      input.MaxTimeMS,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for i, pc := range input.Participants {
		st.Participants[i] = &models.Participant{
			ParticipantID:    pc.ParticipantID,
			ParticipantIndex: i,
			TotalTimeMS:      pc.TotalTimeMS,
			TimeRemainingMS:  pc.TotalTimeMS,
			GroupID:          pc.GroupID,
		}
	}

	if err := e.state.CreateSession(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// StartSession transitions pending → running and activates the first
// participant.
func (e *Engine) StartSession(ctx context.Context, sessionID string) (*models.SessionState, error) {
	st, err := e.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if st.Status != models.StatusPending {
		return nil, &InvalidTransitionError{SessionID: sessionID, From: st.Status, Operation: "start"}
	}

	now := e.now().UTC()
	expected := st.Version
	work := st.Clone()
	work.Status = models.StatusRunning
	first := work.Participants[0]
	first.IsActive = true
	work.ActiveParticipantID = &first.ParticipantID
	work.CycleStartedAt = &now
	work.SessionStartedAt = &now
	work.UpdatedAt = now

	if err := e.state.UpdateSession(ctx, work, expected, audit.EventSessionStarted); err != nil {
		return nil, err
	}
	return work, nil
}

// SwitchCycle is the hot path: debit the outgoing participant, optionally
// apply the Fischer increment, and transfer the active slot. CAS conflicts
// surface as ConcurrencyError; there is no internal retry — the caller
// decides.
func (e *Engine) SwitchCycle(ctx context.Context, sessionID string, currentParticipantID, nextParticipantID *string) (*SwitchResult, error) {
	st, err := e.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if st.Status != models.StatusRunning {
		return nil, &InvalidTransitionError{SessionID: sessionID, From: st.Status, Operation: "switch"}
	}

	expected := st.Version
	work := st.Clone()
	active := work.ActiveParticipant()
	if active == nil || work.CycleStartedAt == nil {
		return nil, fmt.Errorf("session %s is running without an active participant", sessionID)
	}
	if currentParticipantID != nil && *currentParticipantID != active.ParticipantID {
		return nil, NewValidationError("current_participant_id", "active",
			fmt.Sprintf("participant %s is not the active participant", *currentParticipantID))
	}

	now := e.now().UTC()
	justExpired := e.debit(work, active, now)

	// Fischer increment: only a participant that still has time on the clock
	// earns it back. Expired participants receive nothing.
	if !active.HasExpired {
		active.TotalTimeMS += work.IncrementMS
		active.TimeRemainingMS = active.TotalTimeMS
	}
	active.CycleCount++
	active.IsActive = false

	var next *models.Participant
	if nextParticipantID != nil {
		next = work.Participant(*nextParticipantID)
		if next == nil {
			return nil, NewValidationError("next_participant_id", "exists",
				fmt.Sprintf("participant %s not found in session", *nextParticipantID))
		}
	} else {
		next = work.Participants[(active.ParticipantIndex+1)%len(work.Participants)]
	}

	next.IsActive = true
	work.ActiveParticipantID = &next.ParticipantID
	work.CycleStartedAt = &now
	work.UpdatedAt = now

	if err := e.state.UpdateSession(ctx, work, expected, audit.EventCycleSwitched); err != nil {
		return nil, err
	}

	res := &SwitchResult{
		SessionID:           work.SessionID,
		ActiveParticipantID: next.ParticipantID,
		CycleStartedAt:      now,
		Participants:        work.Participants,
		Status:              work.Status,
	}
	if justExpired {
		id := active.ParticipantID
		res.ExpiredParticipantID = &id
	}
	return res, nil
}

// PauseSession debits the active participant (no rotation, no increment) and
// transitions running → paused. ActiveParticipantID is kept so Resume knows
// whose turn it is.
func (e *Engine) PauseSession(ctx context.Context, sessionID string) (*models.SessionState, error) {
	st, err := e.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if st.Status != models.StatusRunning {
		return nil, &InvalidTransitionError{SessionID: sessionID, From: st.Status, Operation: "pause"}
	}

	expected := st.Version
	work := st.Clone()
	now := e.now().UTC()
	if active := work.ActiveParticipant(); active != nil && work.CycleStartedAt != nil {
		e.debit(work, active, now)
	}
	work.Status = models.StatusPaused
	work.CycleStartedAt = nil
	clearActive(work)
	work.UpdatedAt = now

	if err := e.state.UpdateSession(ctx, work, expected, audit.EventSessionPaused); err != nil {
		return nil, err
	}
	return work, nil
}

// ResumeSession transitions paused → running and re-marks the previously
// active participant.
func (e *Engine) ResumeSession(ctx context.Context, sessionID string) (*models.SessionState, error) {
	st, err := e.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if st.Status != models.StatusPaused {
		return nil, &InvalidTransitionError{SessionID: sessionID, From: st.Status, Operation: "resume"}
	}

	expected := st.Version
	work := st.Clone()
	active := work.ActiveParticipant()
	if active == nil {
		return nil, fmt.Errorf("session %s is paused without a previously-active participant", sessionID)
	}

	now := e.now().UTC()
	work.Status = models.StatusRunning
	active.IsActive = true
	work.CycleStartedAt = &now
	work.UpdatedAt = now

	if err := e.state.UpdateSession(ctx, work, expected, audit.EventSessionResumed); err != nil {
		return nil, err
	}
	return work, nil
}

// CompleteSession transitions running → completed. Completing an
// already-completed session is a no-op returning the stored state (idempotent
// sink, no version bump).
func (e *Engine) CompleteSession(ctx context.Context, sessionID string) (*models.SessionState, error) {
	st, err := e.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if st.Status == models.StatusCompleted {
		return st, nil
	}
	if st.Status != models.StatusRunning {
		return nil, &InvalidTransitionError{SessionID: sessionID, From: st.Status, Operation: "complete"}
	}

	expected := st.Version
	work := st.Clone()
	now := e.now().UTC()
	if active := work.ActiveParticipant(); active != nil && work.CycleStartedAt != nil {
		e.debit(work, active, now)
	}
	work.Status = models.StatusCompleted
	work.SessionCompletedAt = &now
	work.CycleStartedAt = nil
	clearActive(work)
	work.UpdatedAt = now

	if err := e.state.UpdateSession(ctx, work, expected, audit.EventSessionCompleted); err != nil {
		return nil, err
	}
	return work, nil
}

// CancelSession transitions pending, running, or paused → cancelled. A
// running session's active participant is debited first so time accounting
// stays conserved.
func (e *Engine) CancelSession(ctx context.Context, sessionID string) (*models.SessionState, error) {
	st, err := e.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	switch st.Status {
	case models.StatusPending, models.StatusRunning, models.StatusPaused:
	default:
		return nil, &InvalidTransitionError{SessionID: sessionID, From: st.Status, Operation: "cancel"}
	}

	expected := st.Version
	work := st.Clone()
	now := e.now().UTC()
	if work.Status == models.StatusRunning {
		if active := work.ActiveParticipant(); active != nil && work.CycleStartedAt != nil {
			e.debit(work, active, now)
		}
	}
	work.Status = models.StatusCancelled
	work.CycleStartedAt = nil
	clearActive(work)
	work.UpdatedAt = now

	if err := e.state.UpdateSession(ctx, work, expected, audit.EventSessionCancelled); err != nil {
		return nil, err
	}
	return work, nil
}

// DeleteSession removes the session and publishes the deletion sentinel.
func (e *Engine) DeleteSession(ctx context.Context, sessionID string) error {
	st, err := e.load(ctx, sessionID)
	if err != nil {
		return err
	}
	return e.state.DeleteSession(ctx, sessionID, st)
}

// GetCurrentState returns the stored session as-is. Clients compute
// remaining time from cycle_started_at and their own clock.
func (e *Engine) GetCurrentState(ctx context.Context, sessionID string) (*models.SessionState, error) {
	return e.load(ctx, sessionID)
}

// load fetches a session, mapping absence to ErrSessionNotFound.
func (e *Engine) load(ctx context.Context, sessionID string) (*models.SessionState, error) {
	st, err := e.state.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, state.ErrSessionNotFound
	}
	return st, nil
}

// debit charges the elapsed cycle time to p and flags expiry when the budget
// reaches zero. Returns whether has_expired transitioned in this call.
func (e *Engine) debit(st *models.SessionState, p *models.Participant, now time.Time) bool {
	elapsed := now.Sub(*st.CycleStartedAt).Milliseconds()
	if elapsed < 0 {
		elapsed = 0
	}
	p.TimeUsedMS += elapsed
	p.TotalTimeMS -= elapsed
	if p.TotalTimeMS < 0 {
		p.TotalTimeMS = 0
	}
	p.TimeRemainingMS = p.TotalTimeMS

	if p.TotalTimeMS == 0 && !p.HasExpired {
		p.HasExpired = true
		return true
	}
	return false
}

func clearActive(st *models.SessionState) {
	for _, p := range st.Participants {
		p.IsActive = false
	}
}

func validateCreateInput(input *CreateSessionInput) error {
	var details []FieldError

	if u, err := uuid.Parse(input.SessionID); err != nil || u.Version() != 4 {
		details = append(details, FieldError{"session_id", "uuid", "must be a valid UUIDv4"})
	}
	if !models.ValidSyncMode(input.SyncMode) {
		details = append(details, FieldError{"sync_mode", "enum",
			fmt.Sprintf("unknown sync mode %q", input.SyncMode)})
	}
	if len(input.Participants) == 0 {
		details = append(details, FieldError{"participants", "min", "at least one participant is required"})
	}
	if len(input.Participants) > MaxParticipants {
		details = append(details, FieldError{"participants", "max",
			fmt.Sprintf("at most %d participants", MaxParticipants)})
	}

	seen := make(map[string]bool, len(input.Participants))
	for i, pc := range input.Participants {
		field := fmt.Sprintf("participants[%d]", i)
		if pc.ParticipantID == "" || len(pc.ParticipantID) > 128 {
			details = append(details, FieldError{field + ".participant_id", "length",
				"must be a non-empty identifier of at most 128 characters"})
		}
		if seen[pc.ParticipantID] {
			details = append(details, FieldError{field + ".participant_id", "unique",
				fmt.Sprintf("duplicate participant id %q", pc.ParticipantID)})
		}
		seen[pc.ParticipantID] = true
		if pc.TotalTimeMS < MinParticipantTimeMS || pc.TotalTimeMS > MaxParticipantTimeMS {
			details = append(details, FieldError{field + ".total_time_ms", "range",
				fmt.Sprintf("must be between %d and %d", MinParticipantTimeMS, MaxParticipantTimeMS)})
		}
	}

	if len(details) > 0 {
		return &ValidationError{Details: details}
	}
	return nil
}
