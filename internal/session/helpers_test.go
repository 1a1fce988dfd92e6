package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/amoylab/sessiond/internal/session/backend"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testServer string

func (s testServer) Name() string { return string(s) }

// faultyBackend wraps a memory backend and fails the operations told to
type faultyBackend struct {
	*backend.Memory
	persistent bool

	mu        sync.Mutex
	loadErr   error
	saveErr   error
	deleteErr error
	listErr   error
}

func newFaultyBackend(persistent bool) *faultyBackend {
	return &faultyBackend{Memory: backend.NewMemory(), persistent: persistent}
}

func (b *faultyBackend) fail(load, save, del, list error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loadErr, b.saveErr, b.deleteErr, b.listErr = load, save, del, list
}

func (b *faultyBackend) errs() (load, save, del, list error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loadErr, b.saveErr, b.deleteErr, b.listErr
}

func (b *faultyBackend) Load(ctx context.Context, id string) (*backend.Record, error) {
	if err, _, _, _ := b.errs(); err != nil {
		return nil, err
	}
	return b.Memory.Load(ctx, id)
}

func (b *faultyBackend) Save(ctx context.Context, rec *backend.Record) error {
	if _, err, _, _ := b.errs(); err != nil {
		return err
	}
	return b.Memory.Save(ctx, rec)
}

func (b *faultyBackend) Delete(ctx context.Context, id string) error {
	if _, _, err, _ := b.errs(); err != nil {
		return err
	}
	return b.Memory.Delete(ctx, id)
}

func (b *faultyBackend) ListByLastAccess(ctx context.Context, before time.Time) ([]string, error) {
	if _, _, _, err := b.errs(); err != nil {
		return nil, err
	}
	return b.Memory.ListByLastAccess(ctx, before)
}

func (b *faultyBackend) Persistent() bool { return b.persistent }

func newTestStore(t *testing.T, clock *fakeClock, b backend.Backend, idle, expiry time.Duration) *DefaultStore {
	t.Helper()
	if b == nil {
		b = backend.NewMemory()
	}
	return NewStore(zap.NewNop(), "/test", b, WithClock(clock.Now), WithTimeouts(idle, expiry))
}

// newBoundManager returns a started manager wired to a bound authority and
// inspector
func newBoundManager(t *testing.T, store Store, opts ...AuthorityOption) (*Manager, *Authority, *Inspector) {
	t.Helper()
	logger := zap.NewNop()
	srv := testServer("test")

	authority := NewAuthority(logger, opts...)
	inspector := NewInspector(logger, time.Hour)
	require.NoError(t, authority.SetServer(srv))
	require.NoError(t, inspector.SetServer(srv))
	require.NoError(t, authority.SetInspector(inspector))

	m := NewManager(logger, store.Name(), store)
	require.NoError(t, m.SetSessionIDManager(authority))
	require.NoError(t, m.Start())
	return m, authority, inspector
}

// touch checks a new session out and in again so it starts idle at now
func touch(t *testing.T, s Store, id string) *Session {
	t.Helper()
	ctx := context.Background()
	sess, err := s.CheckOut(ctx, id)
	require.NoError(t, err)
	require.NoError(t, s.CheckIn(ctx, sess))
	return sess
}
