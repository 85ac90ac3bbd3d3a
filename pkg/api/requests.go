package api

// SwitchCycleRequest is the HTTP request body for POST /v1/sessions/:id/switch.
// Both fields are optional: current_participant_id guards against stale
// clients, next_participant_id overrides round-robin rotation.
type SwitchCycleRequest struct {
	CurrentParticipantID *string `json:"current_participant_id"`
	NextParticipantID    *string `json:"next_participant_id"`
}
