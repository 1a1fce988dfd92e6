package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager binds one store and one handler to a context and issues sessions
// through the server's authority
type Manager struct {
	logger *zap.Logger
	path   string
	store  Store

	mu          sync.RWMutex
	authority   *Authority
	handler     *Handler
	maxInactive time.Duration
	started     bool
	stopped     bool
}

var _ IDUser = (*Manager)(nil)

// NewManager creates a manager for the context at path
func NewManager(logger *zap.Logger, path string, store Store) *Manager {
	return &Manager{
		logger: logger.Named("session.manager").With(zap.String("context", path)),
		path:   path,
		store:  store,
	}
}

// Path returns the context path
func (m *Manager) Path() string { return m.path }

// Store returns the bound store
func (m *Manager) Store() Store { return m.store }

// SetSessionIDManager binds the authority ids are issued by and registers the
// manager for uniqueness checks
func (m *Manager) SetSessionIDManager(a *Authority) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return ErrAlreadyStarted
	}
	if m.authority == a {
		return nil
	}
	if err := a.Register(m); err != nil {
		return err
	}
	if m.authority != nil {
		m.authority.Unregister(m)
	}
	m.authority = a
	return nil
}

// SetMaxInactiveInterval applies to sessions created afterwards. Zero or less
// means sessions never expire on their own.
func (m *Manager) SetMaxInactiveInterval(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxInactive = d
}

func (m *Manager) MaxInactiveInterval() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxInactive
}

// SetHandler binds h. A manager serves exactly one handler.
func (m *Manager) SetHandler(h *Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return ErrAlreadyStarted
	}
	if m.handler != nil && m.handler != h {
		return ErrAlreadyRegistered
	}
	m.handler = h
	return nil
}

// Handler returns the bound handler, nil if none
func (m *Manager) Handler() *Handler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handler
}

// Authority returns the bound authority, nil if none
func (m *Manager) Authority() *Authority {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.authority
}

// Start registers the store with the authority's inspector and freezes the
// bindings
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrStopped
	}
	if m.started {
		return ErrAlreadyStarted
	}
	if m.authority == nil {
		return ErrNotBound
	}

	insp, err := m.authority.Inspector()
	if err != nil {
		return err
	}
	if err := insp.Register(m.store); err != nil {
		return err
	}
	m.started = true
	m.logger.Info("session manager started",
		zap.Duration("max_inactive", m.maxInactive),
		zap.Duration("idle_passivation_timeout", m.store.IdlePassivationTimeout()),
		zap.Duration("expiry_timeout", m.store.ExpiryTimeout()))
	return nil
}

// Stop unregisters the store from the inspector and the manager from the
// authority, then closes the store
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	authority := m.authority
	m.mu.Unlock()

	if authority != nil {
		if insp, err := authority.Inspector(); err == nil {
			insp.Unregister(m.store)
		}
		authority.Unregister(m)
	}
	err := m.store.Close()
	m.logger.Info("session manager stopped")
	return err
}

// IDInUse implements IDUser
func (m *Manager) IDInUse(ctx context.Context, id string) (bool, error) {
	return m.store.Exists(ctx, id)
}

// GetSession resolves a raw token to a live session. Malformed tokens and
// unknown ids yield ErrSessionNotFound.
func (m *Manager) GetSession(ctx context.Context, raw string) (*Session, error) {
	a := m.Authority()
	if a == nil {
		return nil, ErrNotBound
	}
	id, _ := a.Validate(raw)
	if id == "" {
		return nil, ErrSessionNotFound
	}
	return m.store.Get(ctx, id)
}

// NewSession creates a session under a fresh id
func (m *Manager) NewSession(ctx context.Context) (*Session, error) {
	a := m.Authority()
	if a == nil {
		return nil, ErrNotBound
	}
	id, err := a.NewSessionID(ctx)
	if err != nil {
		return nil, err
	}
	return m.store.Create(ctx, id, m.MaxInactiveInterval())
}

// Invalidate deletes the session
func (m *Manager) Invalidate(ctx context.Context, id string) error {
	if err := m.store.Delete(ctx, id); err != nil {
		return err
	}
	m.logger.Debug("session invalidated", zap.String("id", id))
	return nil
}

// CheckOut marks the session in use
func (m *Manager) CheckOut(ctx context.Context, id string) (*Session, error) {
	return m.store.CheckOut(ctx, id)
}

// CheckIn releases a session checked out through CheckOut
func (m *Manager) CheckIn(ctx context.Context, sess *Session) error {
	return m.store.CheckIn(ctx, sess)
}

// IsNotFound reports whether err means the session does not exist
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSessionNotFound)
}
