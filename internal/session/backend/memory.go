package backend

import (
	"context"
	"sync"
	"time"
)

// Memory keeps records in process memory. It only ever holds the state of
// passivated sessions.
type Memory struct {
	mu      sync.RWMutex
	records map[string]*Record
}

var _ Backend = (*Memory)(nil)

// NewMemory creates an empty in-memory backend
func NewMemory() *Memory {
	return &Memory{records: make(map[string]*Record)}
}

// Load implements Backend.Load
func (m *Memory) Load(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(rec), nil
}

// Save implements Backend.Save
func (m *Memory) Save(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records[rec.ID] = cloneRecord(rec)
	return nil
}

// Delete implements Backend.Delete
func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records, id)
	return nil
}

// Exists implements Backend.Exists
func (m *Memory) Exists(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.records[id]
	return ok, nil
}

// ListIDs implements Backend.ListIDs
func (m *Memory) ListIDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	return ids, nil
}

// ListByLastAccess implements Backend.ListByLastAccess
func (m *Memory) ListByLastAccess(_ context.Context, before time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for id, rec := range m.records {
		if rec.LastAccessed.Before(before) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Persistent implements Backend.Persistent
func (m *Memory) Persistent() bool { return false }

// Close implements Backend.Close
func (m *Memory) Close() error { return nil }
