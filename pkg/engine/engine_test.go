package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synckairos/synckairos/pkg/audit"
	"github.com/synckairos/synckairos/pkg/models"
	"github.com/synckairos/synckairos/pkg/state"
)

// fakeStateManager is an in-memory StateManager with the same version
// discipline as the real one: create stamps version 1, update requires the
// stored version to match and bumps it.
type fakeStateManager struct {
	sessions map[string]*models.SessionState
	events   []audit.EventType

	// failNextUpdate simulates a concurrent writer winning the race.
	failNextUpdate bool
}

func newFakeStateManager() *fakeStateManager {
	return &fakeStateManager{sessions: make(map[string]*models.SessionState)}
}

func (f *fakeStateManager) GetSession(_ context.Context, sessionID string) (*models.SessionState, error) {
	st, ok := f.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return st.Clone(), nil
}

func (f *fakeStateManager) CreateSession(_ context.Context, st *models.SessionState) error {
	st.Version = 1
	f.sessions[st.SessionID] = st.Clone()
	return nil
}

func (f *fakeStateManager) UpdateSession(_ context.Context, st *models.SessionState, expectedVersion int64, event audit.EventType) error {
	stored, ok := f.sessions[st.SessionID]
	if !ok {
		return state.ErrSessionNotFound
	}
	if f.failNextUpdate {
		f.failNextUpdate = false
		return &state.ConcurrencyError{SessionID: st.SessionID, ExpectedVersion: expectedVersion, ActualVersion: stored.Version + 1}
	}
	if stored.Version != expectedVersion {
		return &state.ConcurrencyError{SessionID: st.SessionID, ExpectedVersion: expectedVersion, ActualVersion: stored.Version}
	}
	st.Version = expectedVersion + 1
	f.sessions[st.SessionID] = st.Clone()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeStateManager) DeleteSession(_ context.Context, sessionID string, _ *models.SessionState) error {
	if _, ok := f.sessions[sessionID]; !ok {
		return state.ErrSessionNotFound
	}
	delete(f.sessions, sessionID)
	return nil
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

const testSessionID = "9b2f64d0-3a1e-4f7b-8c5d-1e2f3a4b5c6d"

func newTestEngine() (*Engine, *fakeStateManager, *fakeClock) {
	sm := newFakeStateManager()
	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	e := New(sm)
	e.now = clk.Now
	return e, sm, clk
}

func createInput(participants int) *CreateSessionInput {
	input := &CreateSessionInput{
		SessionID:   testSessionID,
		SyncMode:    models.SyncModePerParticipant,
		IncrementMS: 2_000,
	}
	ids := []string{"alice", "bob", "carol", "dave"}
	for i := 0; i < participants; i++ {
		input.Participants = append(input.Participants, ParticipantConfig{
			ParticipantID: ids[i],
			TotalTimeMS:   300_000,
		})
	}
	return input
}

func TestCreateSession(t *testing.T) {
	e, _, _ := newTestEngine()

	st, err := e.CreateSession(context.Background(), createInput(2))
	require.NoError(t, err)

	assert.Equal(t, int64(1), st.Version)
	assert.Equal(t, models.StatusPending, st.Status)
	assert.Nil(t, st.ActiveParticipantID)
	require.Len(t, st.Participants, 2)
	assert.Equal(t, 0, st.Participants[0].ParticipantIndex)
	assert.Equal(t, 1, st.Participants[1].ParticipantIndex)
	assert.Equal(t, int64(300_000), st.Participants[0].TimeRemainingMS)
}

func TestCreateSession_Duplicate(t *testing.T) {
	e, _, _ := newTestEngine()

	_, err := e.CreateSession(context.Background(), createInput(2))
	require.NoError(t, err)

	_, err = e.CreateSession(context.Background(), createInput(2))
	var validErr *ValidationError
	require.ErrorAs(t, err, &validErr)
}

func TestCreateSession_Validation(t *testing.T) {
	e, _, _ := newTestEngine()

	longID := make([]byte, 129)
	for i := range longID {
		longID[i] = 'x'
	}

	tests := []struct {
		name   string
		mutate func(*CreateSessionInput)
		field  string
	}{
		{"bad session id", func(in *CreateSessionInput) { in.SessionID = "not-a-uuid" }, "session_id"},
		{"unknown sync mode", func(in *CreateSessionInput) { in.SyncMode = "speedrun" }, "sync_mode"},
		{"no participants", func(in *CreateSessionInput) { in.Participants = nil }, "participants"},
		{"duplicate participant", func(in *CreateSessionInput) {
			in.Participants[1].ParticipantID = in.Participants[0].ParticipantID
		}, "participants[1].participant_id"},
		{"empty participant id", func(in *CreateSessionInput) { in.Participants[0].ParticipantID = "" }, "participants[0].participant_id"},
		{"participant id too long", func(in *CreateSessionInput) { in.Participants[0].ParticipantID = string(longID) }, "participants[0].participant_id"},
		{"time below floor", func(in *CreateSessionInput) { in.Participants[0].TotalTimeMS = 500 }, "participants[0].total_time_ms"},
		{"time above ceiling", func(in *CreateSessionInput) { in.Participants[0].TotalTimeMS = 90_000_000 }, "participants[0].total_time_ms"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := createInput(2)
			tt.mutate(input)

			_, err := e.CreateSession(context.Background(), input)
			var validErr *ValidationError
			require.ErrorAs(t, err, &validErr)

			found := false
			for _, d := range validErr.Details {
				if d.Field == tt.field {
					found = true
				}
			}
			assert.True(t, found, "expected a detail for field %s, got %+v", tt.field, validErr.Details)
		})
	}
}

func TestStartSession(t *testing.T) {
	e, _, _ := newTestEngine()
	ctx := context.Background()

	_, err := e.CreateSession(ctx, createInput(2))
	require.NoError(t, err)

	st, err := e.StartSession(ctx, testSessionID)
	require.NoError(t, err)

	assert.Equal(t, models.StatusRunning, st.Status)
	assert.Equal(t, int64(2), st.Version)
	require.NotNil(t, st.ActiveParticipantID)
	assert.Equal(t, "alice", *st.ActiveParticipantID)
	assert.True(t, st.Participants[0].IsActive)
	assert.Equal(t, 1, st.ActiveCount())
	require.NotNil(t, st.CycleStartedAt)
	require.NotNil(t, st.SessionStartedAt)

	// Starting twice is an invalid transition.
	_, err = e.StartSession(ctx, testSessionID)
	var transErr *InvalidTransitionError
	require.ErrorAs(t, err, &transErr)
	assert.Equal(t, models.StatusRunning, transErr.From)
}

// Two participants alternating with equal turns behaves like a chess clock:
// rotation wraps, both accumulate used time, exactly one is active.
func TestSwitchCycle_Rotation(t *testing.T) {
	e, _, clk := newTestEngine()
	ctx := context.Background()

	input := createInput(3)
	input.IncrementMS = 0
	_, err := e.CreateSession(ctx, input)
	require.NoError(t, err)
	_, err = e.StartSession(ctx, testSessionID)
	require.NoError(t, err)

	want := []string{"bob", "carol", "alice", "bob"}
	for _, next := range want {
		clk.Advance(1 * time.Second)
		res, err := e.SwitchCycle(ctx, testSessionID, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, next, res.ActiveParticipantID)

		active := 0
		for _, p := range res.Participants {
			if p.IsActive {
				active++
				assert.Equal(t, next, p.ParticipantID)
			}
		}
		assert.Equal(t, 1, active)
	}

	st, err := e.GetCurrentState(ctx, testSessionID)
	require.NoError(t, err)
	// 4 switches after start: alice twice, bob and carol once each.
	assert.Equal(t, 2, st.Participants[0].CycleCount)
	assert.Equal(t, 1, st.Participants[1].CycleCount)
	assert.Equal(t, 1, st.Participants[2].CycleCount)
	assert.Equal(t, int64(2_000), st.Participants[0].TimeUsedMS)
}

func TestSwitchCycle_FischerIncrement(t *testing.T) {
	e, _, clk := newTestEngine()
	ctx := context.Background()

	_, err := e.CreateSession(ctx, createInput(2))
	require.NoError(t, err)
	_, err = e.StartSession(ctx, testSessionID)
	require.NoError(t, err)

	clk.Advance(5 * time.Second)
	res, err := e.SwitchCycle(ctx, testSessionID, nil, nil)
	require.NoError(t, err)

	alice := res.Participants[0]
	// 300s - 5s elapsed + 2s increment.
	assert.Equal(t, int64(297_000), alice.TotalTimeMS)
	assert.Equal(t, int64(297_000), alice.TimeRemainingMS)
	assert.Equal(t, int64(5_000), alice.TimeUsedMS)
	assert.False(t, alice.HasExpired)
	assert.Nil(t, res.ExpiredParticipantID)
}

func TestSwitchCycle_Expiration(t *testing.T) {
	e, _, clk := newTestEngine()
	ctx := context.Background()

	input := createInput(2)
	input.Participants[0].TotalTimeMS = 1_000
	_, err := e.CreateSession(ctx, input)
	require.NoError(t, err)
	_, err = e.StartSession(ctx, testSessionID)
	require.NoError(t, err)

	clk.Advance(3 * time.Second)
	res, err := e.SwitchCycle(ctx, testSessionID, nil, nil)
	require.NoError(t, err)

	alice := res.Participants[0]
	assert.True(t, alice.HasExpired)
	// The budget clamps at zero and an expired participant earns no increment.
	assert.Equal(t, int64(0), alice.TotalTimeMS)
	assert.Equal(t, int64(0), alice.TimeRemainingMS)
	assert.Equal(t, int64(3_000), alice.TimeUsedMS)
	require.NotNil(t, res.ExpiredParticipantID)
	assert.Equal(t, "alice", *res.ExpiredParticipantID)

	// The flag transitions exactly once: rotating back through alice again
	// does not re-report the expiry.
	clk.Advance(time.Second)
	res, err = e.SwitchCycle(ctx, testSessionID, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, res.ExpiredParticipantID)
	clk.Advance(time.Second)
	res, err = e.SwitchCycle(ctx, testSessionID, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, res.ExpiredParticipantID)
}

func TestSwitchCycle_Guards(t *testing.T) {
	e, _, clk := newTestEngine()
	ctx := context.Background()

	_, err := e.CreateSession(ctx, createInput(2))
	require.NoError(t, err)

	// Not running yet.
	_, err = e.SwitchCycle(ctx, testSessionID, nil, nil)
	var transErr *InvalidTransitionError
	require.ErrorAs(t, err, &transErr)

	_, err = e.StartSession(ctx, testSessionID)
	require.NoError(t, err)
	clk.Advance(time.Second)

	// Stale caller: claims bob is active while alice is.
	bob := "bob"
	_, err = e.SwitchCycle(ctx, testSessionID, &bob, nil)
	var validErr *ValidationError
	require.ErrorAs(t, err, &validErr)

	// Unknown explicit next participant.
	ghost := "ghost"
	_, err = e.SwitchCycle(ctx, testSessionID, nil, &ghost)
	require.ErrorAs(t, err, &validErr)

	// Explicit next participant overrides rotation order.
	alice := "alice"
	res, err := e.SwitchCycle(ctx, testSessionID, &alice, &alice)
	require.NoError(t, err)
	assert.Equal(t, "alice", res.ActiveParticipantID)
}

func TestSwitchCycle_ConcurrentConflict(t *testing.T) {
	e, sm, clk := newTestEngine()
	ctx := context.Background()

	_, err := e.CreateSession(ctx, createInput(2))
	require.NoError(t, err)
	_, err = e.StartSession(ctx, testSessionID)
	require.NoError(t, err)

	clk.Advance(time.Second)
	sm.failNextUpdate = true

	_, err = e.SwitchCycle(ctx, testSessionID, nil, nil)
	var concErr *state.ConcurrencyError
	require.ErrorAs(t, err, &concErr)

	// No internal retry: the stored state is whatever the winner wrote.
	st, err := e.GetCurrentState(ctx, testSessionID)
	require.NoError(t, err)
	assert.Equal(t, "alice", *st.ActiveParticipantID)
}

func TestPauseResume(t *testing.T) {
	e, _, clk := newTestEngine()
	ctx := context.Background()

	_, err := e.CreateSession(ctx, createInput(2))
	require.NoError(t, err)
	_, err = e.StartSession(ctx, testSessionID)
	require.NoError(t, err)

	clk.Advance(4 * time.Second)
	st, err := e.PauseSession(ctx, testSessionID)
	require.NoError(t, err)

	assert.Equal(t, models.StatusPaused, st.Status)
	assert.Nil(t, st.CycleStartedAt)
	assert.Equal(t, 0, st.ActiveCount())
	assert.Equal(t, int64(4_000), st.Participants[0].TimeUsedMS)
	// Pause is not a cycle boundary: no rotation, no increment, no count.
	assert.Equal(t, int64(296_000), st.Participants[0].TotalTimeMS)
	assert.Equal(t, 0, st.Participants[0].CycleCount)

	// Time while paused costs nothing.
	clk.Advance(10 * time.Minute)
	st, err = e.ResumeSession(ctx, testSessionID)
	require.NoError(t, err)

	assert.Equal(t, models.StatusRunning, st.Status)
	assert.Equal(t, "alice", *st.ActiveParticipantID)
	assert.True(t, st.Participants[0].IsActive)
	assert.Equal(t, int64(4_000), st.Participants[0].TimeUsedMS)
	require.NotNil(t, st.CycleStartedAt)
	assert.Equal(t, clk.Now(), *st.CycleStartedAt)
}

func TestCompleteSession_Idempotent(t *testing.T) {
	e, _, clk := newTestEngine()
	ctx := context.Background()

	_, err := e.CreateSession(ctx, createInput(2))
	require.NoError(t, err)
	_, err = e.StartSession(ctx, testSessionID)
	require.NoError(t, err)

	clk.Advance(2 * time.Second)
	st, err := e.CompleteSession(ctx, testSessionID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, st.Status)
	require.NotNil(t, st.SessionCompletedAt)
	assert.Equal(t, int64(2_000), st.Participants[0].TimeUsedMS)
	completedVersion := st.Version

	// Completing again is a no-op, not an error, and bumps nothing.
	st, err = e.CompleteSession(ctx, testSessionID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, st.Status)
	assert.Equal(t, completedVersion, st.Version)
}

func TestLifecycleGuards(t *testing.T) {
	ctx := context.Background()

	ops := map[string]func(*Engine) error{
		"start":    func(e *Engine) error { _, err := e.StartSession(ctx, testSessionID); return err },
		"switch":   func(e *Engine) error { _, err := e.SwitchCycle(ctx, testSessionID, nil, nil); return err },
		"pause":    func(e *Engine) error { _, err := e.PauseSession(ctx, testSessionID); return err },
		"resume":   func(e *Engine) error { _, err := e.ResumeSession(ctx, testSessionID); return err },
		"complete": func(e *Engine) error { _, err := e.CompleteSession(ctx, testSessionID); return err },
		"cancel":   func(e *Engine) error { _, err := e.CancelSession(ctx, testSessionID); return err },
	}

	tests := []struct {
		status  models.SessionStatus
		allowed map[string]bool
	}{
		{models.StatusPending, map[string]bool{"start": true, "cancel": true}},
		{models.StatusRunning, map[string]bool{"switch": true, "pause": true, "complete": true, "cancel": true}},
		{models.StatusPaused, map[string]bool{"resume": true, "cancel": true}},
		{models.StatusCancelled, map[string]bool{}},
		// complete-on-completed is the idempotent exception.
		{models.StatusCompleted, map[string]bool{"complete": true}},
	}

	for _, tt := range tests {
		for op, fn := range ops {
			t.Run(string(tt.status)+"/"+op, func(t *testing.T) {
				e, _, clk := newTestEngine()
				_, err := e.CreateSession(ctx, createInput(2))
				require.NoError(t, err)

				// Drive the session into the target status through the
				// engine itself.
				switch tt.status {
				case models.StatusRunning:
					_, err = e.StartSession(ctx, testSessionID)
				case models.StatusPaused:
					_, err = e.StartSession(ctx, testSessionID)
					require.NoError(t, err)
					clk.Advance(time.Second)
					_, err = e.PauseSession(ctx, testSessionID)
				case models.StatusCompleted:
					_, err = e.StartSession(ctx, testSessionID)
					require.NoError(t, err)
					_, err = e.CompleteSession(ctx, testSessionID)
				case models.StatusCancelled:
					_, err = e.CancelSession(ctx, testSessionID)
				}
				require.NoError(t, err)
				clk.Advance(time.Second)

				err = fn(e)
				if tt.allowed[op] {
					assert.NoError(t, err)
				} else {
					var transErr *InvalidTransitionError
					assert.ErrorAs(t, err, &transErr, "expected transition error, got %v", err)
				}
			})
		}
	}
}

func TestCancelSession_DebitsWhileRunning(t *testing.T) {
	e, _, clk := newTestEngine()
	ctx := context.Background()

	_, err := e.CreateSession(ctx, createInput(2))
	require.NoError(t, err)
	_, err = e.StartSession(ctx, testSessionID)
	require.NoError(t, err)

	clk.Advance(3 * time.Second)
	st, err := e.CancelSession(ctx, testSessionID)
	require.NoError(t, err)

	assert.Equal(t, models.StatusCancelled, st.Status)
	assert.Equal(t, int64(3_000), st.Participants[0].TimeUsedMS)
	assert.Equal(t, 0, st.ActiveCount())
}

func TestDeleteSession(t *testing.T) {
	e, _, _ := newTestEngine()
	ctx := context.Background()

	_, err := e.CreateSession(ctx, createInput(2))
	require.NoError(t, err)

	require.NoError(t, e.DeleteSession(ctx, testSessionID))

	_, err = e.GetCurrentState(ctx, testSessionID)
	assert.ErrorIs(t, err, state.ErrSessionNotFound)

	err = e.DeleteSession(ctx, testSessionID)
	assert.ErrorIs(t, err, state.ErrSessionNotFound)
}

func TestAuditEventsEmitted(t *testing.T) {
	e, sm, clk := newTestEngine()
	ctx := context.Background()

	_, err := e.CreateSession(ctx, createInput(2))
	require.NoError(t, err)
	_, err = e.StartSession(ctx, testSessionID)
	require.NoError(t, err)
	clk.Advance(time.Second)
	_, err = e.SwitchCycle(ctx, testSessionID, nil, nil)
	require.NoError(t, err)
	_, err = e.PauseSession(ctx, testSessionID)
	require.NoError(t, err)
	_, err = e.ResumeSession(ctx, testSessionID)
	require.NoError(t, err)
	_, err = e.CompleteSession(ctx, testSessionID)
	require.NoError(t, err)

	assert.Equal(t, []audit.EventType{
		audit.EventSessionStarted,
		audit.EventCycleSwitched,
		audit.EventSessionPaused,
		audit.EventSessionResumed,
		audit.EventSessionCompleted,
	}, sm.events)
}
