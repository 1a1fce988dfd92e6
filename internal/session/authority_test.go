package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubUser struct {
	mu    sync.Mutex
	calls int
	busy  int
	err   error
}

func (u *stubUser) IDInUse(context.Context, string) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	if u.err != nil {
		return false, u.err
	}
	return u.calls <= u.busy, nil
}

func TestAuthority_FailsBeforeBinding(t *testing.T) {
	a := NewAuthority(zap.NewNop())

	_, err := a.NewSessionID(context.Background())
	assert.ErrorIs(t, err, ErrNotBound)
	assert.ErrorIs(t, a.Register(&stubUser{}), ErrNotBound)
	assert.ErrorIs(t, a.Start(), ErrNotBound)
	_, err = a.Inspector()
	assert.ErrorIs(t, err, ErrNotBound)
}

func TestAuthority_BindingFrozenAfterStart(t *testing.T) {
	a := NewAuthority(zap.NewNop())
	require.NoError(t, a.SetServer(testServer("one")))
	require.NoError(t, a.SetServer(testServer("two")))
	require.NoError(t, a.SetInspector(NewInspector(zap.NewNop(), time.Second)))
	require.NoError(t, a.Start())

	assert.ErrorIs(t, a.SetServer(testServer("three")), ErrAlreadyStarted)
	assert.ErrorIs(t, a.SetInspector(NewInspector(zap.NewNop(), time.Second)), ErrAlreadyStarted)

	_, err := a.NewSessionID(context.Background())
	require.NoError(t, err)

	a.Stop()
	_, err = a.NewSessionID(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, a.SetServer(testServer("four")), ErrStopped)
	assert.ErrorIs(t, a.Register(&stubUser{}), ErrStopped)
}

func TestAuthority_RetriesIDsInUse(t *testing.T) {
	a := NewAuthority(zap.NewNop())
	require.NoError(t, a.SetServer(testServer("s")))

	u := &stubUser{busy: 2}
	require.NoError(t, a.Register(u))
	assert.ErrorIs(t, a.Register(u), ErrAlreadyRegistered)

	id, err := a.NewSessionID(context.Background())
	require.NoError(t, err)
	assert.Len(t, id, 32)
	assert.Equal(t, 3, u.calls)

	u.busy = maxIssueAttempts + 10
	_, err = a.NewSessionID(context.Background())
	assert.ErrorIs(t, err, ErrInvalidSessionID)

	a.Unregister(u)
	a.Unregister(u)
	_, err = a.NewSessionID(context.Background())
	assert.NoError(t, err)
}

func TestAuthority_PropagatesLookupFailure(t *testing.T) {
	a := NewAuthority(zap.NewNop())
	require.NoError(t, a.SetServer(testServer("s")))
	require.NoError(t, a.Register(&stubUser{err: errBackendDown}))

	_, err := a.NewSessionID(context.Background())
	assert.ErrorIs(t, err, errBackendDown)
}

func TestAuthority_ValidateAndExtend(t *testing.T) {
	a := NewAuthority(zap.NewNop(), WithWorkerName("node1"), WithCookieName("JSESSIONID"))
	assert.Equal(t, "node1", a.WorkerName())
	assert.Equal(t, "JSESSIONID", a.CookieName())

	id, suffix := a.Validate("JSESSIONID=abc123.node7;Path=/")
	assert.Equal(t, "abc123", id)
	assert.Equal(t, "node7", suffix)

	id, _ = a.Validate("   ")
	assert.Empty(t, id)

	assert.Equal(t, "abc123.node1", a.ExtendedID("abc123"))
	assert.Equal(t, "", a.ExtendedID(""))
	assert.Equal(t, "abc123", NewAuthority(zap.NewNop()).ExtendedID("abc123"))
}

func TestAuthority_ConcurrentIssuanceIsUnique(t *testing.T) {
	clock := newFakeClock()
	first := newTestStore(t, clock, nil, 0, 0)
	m1, a, _ := newBoundManager(t, first)

	second := NewStore(zap.NewNop(), "/other", first.backend, WithClock(clock.Now))
	m2 := NewManager(zap.NewNop(), "/other", second)
	require.NoError(t, m2.SetSessionIDManager(a))

	const n = 200
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = make(map[string]bool)
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		m := m1
		if i%2 == 1 {
			m = m2
		}
		go func() {
			defer wg.Done()
			<-start
			sess, err := m.NewSession(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			ids[sess.ID()] = true
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()

	assert.Len(t, ids, n)
	for id := range ids {
		inUse, err := a.IDInUse(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, inUse)
	}
}
