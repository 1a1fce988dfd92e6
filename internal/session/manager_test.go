package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestManager_RequiresAuthority(t *testing.T) {
	m := NewManager(zap.NewNop(), "/app", newTestStore(t, newFakeClock(), nil, 0, 0))

	assert.ErrorIs(t, m.Start(), ErrNotBound)
	_, err := m.NewSession(context.Background())
	assert.ErrorIs(t, err, ErrNotBound)
	_, err = m.GetSession(context.Background(), "abc")
	assert.ErrorIs(t, err, ErrNotBound)
}

func TestManager_NewAndGetSession(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(t, clock, nil, 0, 0)
	m, _, _ := newBoundManager(t, store, WithWorkerName("node1"))
	ctx := context.Background()

	m.SetMaxInactiveInterval(45 * time.Second)
	assert.Equal(t, 45*time.Second, m.MaxInactiveInterval())

	sess, err := m.NewSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, sess.MaxInactive())
	assert.Equal(t, StateActive, sess.State())

	got, err := m.GetSession(ctx, "SESSIONID="+sess.ID()+".node1;Path=/")
	require.NoError(t, err)
	assert.Same(t, sess, got)

	_, err = m.GetSession(ctx, "   ")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = m.GetSession(ctx, ";garbage")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = m.GetSession(ctx, "SESSIONID=unknown")
	assert.True(t, IsNotFound(err))

	inUse, err := m.IDInUse(ctx, sess.ID())
	require.NoError(t, err)
	assert.True(t, inUse)

	require.NoError(t, m.Invalidate(ctx, sess.ID()))
	require.NoError(t, m.Invalidate(ctx, sess.ID()))
	_, err = m.GetSession(ctx, sess.ID())
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManager_MaxInactiveExpiresOnAccess(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(t, clock, nil, 0, 0)
	m, _, _ := newBoundManager(t, store)
	ctx := context.Background()

	m.SetMaxInactiveInterval(5 * time.Second)
	sess, err := m.NewSession(ctx)
	require.NoError(t, err)

	clock.Advance(6 * time.Second)
	_, err = m.GetSession(ctx, sess.ID())
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManager_BindingsFrozenAfterStart(t *testing.T) {
	store := newTestStore(t, newFakeClock(), nil, 0, 0)
	m, a, _ := newBoundManager(t, store)

	assert.ErrorIs(t, m.Start(), ErrAlreadyStarted)
	assert.ErrorIs(t, m.SetSessionIDManager(NewAuthority(zap.NewNop())), ErrAlreadyStarted)
	assert.Same(t, a, m.Authority())

	_, err := NewHandler(zap.NewNop(), m)
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestManager_SingleHandler(t *testing.T) {
	store := newTestStore(t, newFakeClock(), nil, 0, 0)
	m := NewManager(zap.NewNop(), "/app", store)

	h, err := NewHandler(zap.NewNop(), m)
	require.NoError(t, err)
	assert.Same(t, h, m.Handler())
	require.NoError(t, m.SetHandler(h))

	_, err = NewHandler(zap.NewNop(), m)
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestManager_StartStopRegistersStore(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(t, clock, nil, 0, 10*time.Second)
	m, a, insp := newBoundManager(t, store)
	ctx := context.Background()

	assert.ErrorIs(t, insp.Register(store), ErrAlreadyRegistered)

	_, err := m.NewSession(ctx)
	require.NoError(t, err)
	clock.Advance(11 * time.Second)
	require.NoError(t, insp.Inspect(ctx))
	assert.Equal(t, 0, store.Len())

	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop())
	assert.ErrorIs(t, m.Start(), ErrStopped)

	// the store is no longer registered and the manager no longer consulted
	require.NoError(t, insp.Register(store))
	inUse, err := a.IDInUse(ctx, "anything")
	require.NoError(t, err)
	assert.False(t, inUse)
}
