package consultation

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrSessionNotFound = errors.New("consultation session not found")
	ErrSessionEnded    = errors.New("consultation session has ended")
	ErrStaleDraft      = errors.New("draft is stale, the session has already ended")
	ErrInvalidState    = errors.New("invalid session transition")
	ErrNotJoinable     = errors.New("appointment cannot be joined")
	ErrTooEarly        = errors.New("consultation has not started yet")
	ErrTransport       = errors.New("transport credential unavailable")
)

// TransportError means no session credential could be obtained. The session stays
// connecting until the participant retries.
type TransportError struct {
	SessionID uuid.UUID
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("session %s: transport credential: %v", e.SessionID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// Retryable is always true; retries are left to the participant.
func (e *TransportError) Retryable() bool { return true }
