// Package backend holds the storage contract a session store persists
// through, and its memory, redis, SQL and disk implementations.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned by Load when no record exists for an id
var ErrNotFound = errors.New("session record not found")

// Record is the serialized form of a session
type Record struct {
	ID           string          `json:"id"`
	CreatedAt    time.Time       `json:"created_at"`
	LastAccessed time.Time       `json:"last_accessed"`
	MaxInactive  time.Duration   `json:"max_inactive"`
	Attributes   json.RawMessage `json:"attributes,omitempty"`
}

// Backend is the key-value contract a session store delegates to. Listing
// operations return ids only so the store can scan without loading every
// session.
type Backend interface {
	// Load returns the record for id or ErrNotFound.
	Load(ctx context.Context, id string) (*Record, error)

	// Save creates or replaces the record.
	Save(ctx context.Context, rec *Record) error

	// Delete removes the record; deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error

	// Exists reports whether a record is stored for id.
	Exists(ctx context.Context, id string) (bool, error)

	// ListIDs returns every stored id.
	ListIDs(ctx context.Context) ([]string, error)

	// ListByLastAccess returns the ids last accessed strictly before t.
	ListByLastAccess(ctx context.Context, before time.Time) ([]string, error)

	// Persistent reports whether records outlive the process. Stores only
	// write through on check-in for persistent backends.
	Persistent() bool

	// Close releases the backend resources.
	Close() error
}

// Watcher is implemented by backends shared between nodes. fn is called with
// the id of every record deleted by any node until ctx is done.
type Watcher interface {
	Watch(ctx context.Context, fn func(id string)) error
}

func cloneRecord(rec *Record) *Record {
	cp := *rec
	if rec.Attributes != nil {
		cp.Attributes = append(json.RawMessage(nil), rec.Attributes...)
	}
	return &cp
}
