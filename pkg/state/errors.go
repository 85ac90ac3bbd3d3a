package state

import (
	"errors"
	"fmt"
)

// ErrSessionNotFound is returned when the session key is absent, whether
// deleted or TTL-expired.
var ErrSessionNotFound = errors.New("session not found")

// ConcurrencyError is returned when a version-checked write loses the race:
// the stored version no longer matches the one the caller observed. The
// caller may retry from a fresh read.
type ConcurrencyError struct {
	SessionID       string
	ExpectedVersion int64
	ActualVersion   int64
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("concurrent modification of session %s: expected version %d, stored %d",
		e.SessionID, e.ExpectedVersion, e.ActualVersion)
}

// DeserializationError is raised when stored bytes cannot be decoded into a
// session state. Session-fatal: the raw payload is attached for forensics.
type DeserializationError struct {
	SessionID string
	Raw       []byte
	Err       error
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("corrupt state for session %s: %v", e.SessionID, e.Err)
}

func (e *DeserializationError) Unwrap() error { return e.Err }
