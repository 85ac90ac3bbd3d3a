package gateway

import (
	"time"

	"github.com/synckairos/synckairos/pkg/models"
)

// Server → client message types.
const (
	TypeConnected      = "CONNECTED"
	TypeStateUpdate    = "STATE_UPDATE"
	TypeStateSync      = "STATE_SYNC"
	TypeSessionDeleted = "SESSION_DELETED"
	TypePong           = "PONG"
	TypeError          = "ERROR"
)

// Client → server message types.
const (
	TypePing      = "PING"
	TypeReconnect = "RECONNECT"
)

// Error codes carried in ERROR messages.
const (
	CodeSessionNotFound = "SESSION_NOT_FOUND"
)

// ServerMessage is the tagged union sent to clients. Only the fields relevant
// to the Type are populated.
type ServerMessage struct {
	Type      string               `json:"type"`
	SessionID string               `json:"sessionId,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
	State     *models.SessionState `json:"state,omitempty"`
	Code      string               `json:"code,omitempty"`
	Message   string               `json:"message,omitempty"`
}

// ClientMessage is the envelope for client-originated messages. Unknown types
// are logged and ignored; the connection stays open.
type ClientMessage struct {
	Type string `json:"type"`
}
