// Package models defines the session state entity shared by the engine,
// state manager, gateway, and API layers. The session is the single unit of
// read, write, and publish; all timestamps are UTC and serialize as RFC 3339.
package models

import "time"

// SyncMode controls how time budgets are interpreted.
type SyncMode string

// Supported sync modes.
const (
	SyncModePerParticipant SyncMode = "per_participant"
	SyncModePerCycle       SyncMode = "per_cycle"
	SyncModePerGroup       SyncMode = "per_group"
	SyncModeGlobal         SyncMode = "global"
	SyncModeCountUp        SyncMode = "count_up"
)

// ValidSyncMode reports whether m is one of the supported modes.
func ValidSyncMode(m SyncMode) bool {
	switch m {
	case SyncModePerParticipant, SyncModePerCycle, SyncModePerGroup,
		SyncModeGlobal, SyncModeCountUp:
		return true
	}
	return false
}

// SessionStatus is the session state-machine state.
type SessionStatus string

// Session lifecycle states.
const (
	StatusPending   SessionStatus = "pending"
	StatusRunning   SessionStatus = "running"
	StatusPaused    SessionStatus = "paused"
	StatusExpired   SessionStatus = "expired"
	StatusCompleted SessionStatus = "completed"
	StatusCancelled SessionStatus = "cancelled"
)

// Participant is one member of a session's rotation.
type Participant struct {
	ParticipantID    string  `json:"participant_id"`
	ParticipantIndex int     `json:"participant_index"`
	TotalTimeMS      int64   `json:"total_time_ms"`
	TimeUsedMS       int64   `json:"time_used_ms"`
	TimeRemainingMS  int64   `json:"time_remaining_ms"`
	CycleCount       int     `json:"cycle_count"`
	IsActive         bool    `json:"is_active"`
	HasExpired       bool    `json:"has_expired"`
	GroupID          *string `json:"group_id"`
}

// SessionState is the single shared entity. Instances hold no cached copies;
// the serialized form in the primary store is authoritative. Nullable fields
// are pointers and serialize as explicit nulls, never omitted.
type SessionState struct {
	SessionID           string         `json:"session_id"`
	SyncMode            SyncMode       `json:"sync_mode"`
	Status              SessionStatus  `json:"status"`
	Version             int64          `json:"version"`
	Participants        []*Participant `json:"participants"`
	ActiveParticipantID *string        `json:"active_participant_id"`

	// Timing configuration — immutable after create.
	TotalTimeMS    int64 `json:"total_time_ms"`
	TimePerCycleMS int64 `json:"time_per_cycle_ms"`
	IncrementMS    int64 `json:"increment_ms"`
	MaxTimeMS      int64 `json:"max_time_ms"`

	CycleStartedAt     *time.Time `json:"cycle_started_at"`
	SessionStartedAt   *time.Time `json:"session_started_at"`
	SessionCompletedAt *time.Time `json:"session_completed_at"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Participant returns the participant with the given id, or nil.
func (s *SessionState) Participant(id string) *Participant {
	for _, p := range s.Participants {
		if p.ParticipantID == id {
			return p
		}
	}
	return nil
}

// ActiveParticipant returns the participant referenced by
// ActiveParticipantID, or nil when no participant is active.
func (s *SessionState) ActiveParticipant() *Participant {
	if s.ActiveParticipantID == nil {
		return nil
	}
	return s.Participant(*s.ActiveParticipantID)
}

// ActiveCount returns the number of participants flagged is_active.
func (s *SessionState) ActiveCount() int {
	n := 0
	for _, p := range s.Participants {
		if p.IsActive {
			n++
		}
	}
	return n
}

// Clone returns a deep copy. Mutating operations work on a clone so a failed
// compare-and-set leaves the caller's view untouched.
func (s *SessionState) Clone() *SessionState {
	cp := *s
	cp.Participants = make([]*Participant, len(s.Participants))
	for i, p := range s.Participants {
		pc := *p
		pc.GroupID = copyString(p.GroupID)
		cp.Participants[i] = &pc
	}
	cp.ActiveParticipantID = copyString(s.ActiveParticipantID)
	cp.CycleStartedAt = copyTime(s.CycleStartedAt)
	cp.SessionStartedAt = copyTime(s.SessionStartedAt)
	cp.SessionCompletedAt = copyTime(s.SessionCompletedAt)
	return &cp
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
