package session

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned when an id has no live session
	ErrSessionNotFound = errors.New("session not found")
	// ErrStoreUnavailable wraps backend I/O failures seen by request handling
	ErrStoreUnavailable = errors.New("session store unavailable")
	// ErrNotBound is returned when a component is used before it is attached to a server
	ErrNotBound = errors.New("not bound to a server")
	// ErrAlreadyStarted is returned when a binding is changed after start
	ErrAlreadyStarted = errors.New("already started")
	// ErrStopped is returned when a component is used after shutdown
	ErrStopped = errors.New("stopped")
	// ErrAlreadyRegistered is returned on duplicate registration
	ErrAlreadyRegistered = errors.New("already registered")
	// ErrInvalidSessionID is returned when an id cannot be used
	ErrInvalidSessionID = errors.New("invalid session id")
)

func unavailable(op, id string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", ErrStoreUnavailable, op, id, err)
}
