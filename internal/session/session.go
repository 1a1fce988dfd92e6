package session

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/amoylab/sessiond/internal/session/backend"
)

// State is the lifecycle position of a session inside its store
type State int32

const (
	StateActive State = iota
	StateIdle
	StatePassivated
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateIdle:
		return "idle"
	case StatePassivated:
		return "passivated"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Session is owned by the store that created it. Request handlers hold it
// between CheckOut and CheckIn; attribute values must be JSON encodable when
// the store persists them, and numbers read back after passivation are
// float64.
type Session struct {
	mu sync.Mutex

	id           string
	createdAt    time.Time
	lastAccessed time.Time
	maxInactive  time.Duration
	attributes   map[string]any
	state        State
	inflight     int
}

func (s *Session) ID() string { return s.id }

func (s *Session) CreatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createdAt
}

func (s *Session) LastAccessed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccessed
}

// MaxInactive returns the per-session inactivity limit, zero or less means none
func (s *Session) MaxInactive() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInactive
}

func (s *Session) SetMaxInactive(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxInactive = d
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// InFlight returns the number of requests currently holding the session
func (s *Session) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}

func (s *Session) Attribute(name string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.attributes[name]
	return v, ok
}

func (s *Session) SetAttribute(name string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attributes == nil {
		s.attributes = make(map[string]any)
	}
	s.attributes[name] = value
}

func (s *Session) RemoveAttribute(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attributes, name)
}

// AttributeNames returns the attribute names in sorted order
func (s *Session) AttributeNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.attributes))
	for name := range s.attributes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// recordLocked snapshots the session for the backend. s.mu must be held.
func (s *Session) recordLocked() (*backend.Record, error) {
	rec := &backend.Record{
		ID:           s.id,
		CreatedAt:    s.createdAt,
		LastAccessed: s.lastAccessed,
		MaxInactive:  s.maxInactive,
	}
	if len(s.attributes) > 0 {
		data, err := json.Marshal(s.attributes)
		if err != nil {
			return nil, err
		}
		rec.Attributes = data
	}
	return rec, nil
}

// restoreLocked loads rec into a passivated session. s.mu must be held.
func (s *Session) restoreLocked(rec *backend.Record) error {
	attrs := make(map[string]any)
	if len(rec.Attributes) > 0 {
		if err := json.Unmarshal(rec.Attributes, &attrs); err != nil {
			return err
		}
	}
	if s.createdAt.IsZero() {
		s.createdAt = rec.CreatedAt
		s.lastAccessed = rec.LastAccessed
		s.maxInactive = rec.MaxInactive
	}
	s.attributes = attrs
	s.state = StateIdle
	return nil
}

// staleAt reports whether the session has been idle longer than timeout at now
func staleAt(lastAccessed, now time.Time, timeout time.Duration) bool {
	return timeout > 0 && now.Sub(lastAccessed) > timeout
}
