package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amoylab/sessiond/internal/session/backend"
	"github.com/amoylab/sessiond/pkg/metrics"

	"github.com/ifuryst/lol"
	"go.uber.org/zap"
)

// lazyExpireTimeout bounds the background deletion scheduled by an access
// that finds a stale session
const lazyExpireTimeout = 10 * time.Second

// Store is the capability set every session store offers to managers,
// handlers and the inspector
type Store interface {
	// Name identifies the store in logs and metrics, usually the context path.
	Name() string

	// Get returns a live session without checking it out.
	Get(ctx context.Context, id string) (*Session, error)

	// CheckOut marks the session in use and refreshes its access time.
	CheckOut(ctx context.Context, id string) (*Session, error)

	// CheckIn releases a checked out session. Extra check-ins are no-ops.
	CheckIn(ctx context.Context, sess *Session) error

	// Create allocates an active session under an id issued by the authority.
	Create(ctx context.Context, id string, maxInactive time.Duration) (*Session, error)

	// Delete removes the session. Deleting an absent id is not an error.
	Delete(ctx context.Context, id string) error

	// Exists reports whether the id is known to the store in any state.
	Exists(ctx context.Context, id string) (bool, error)

	// ScanIdle returns resident sessions eligible for passivation.
	ScanIdle(ctx context.Context) ([]string, error)

	// ScanExpired returns sessions eligible for deletion.
	ScanExpired(ctx context.Context) ([]string, error)

	// Passivate evicts the in-memory state of an idle session.
	Passivate(ctx context.Context, id string) (bool, error)

	// Expire deletes a session past its expiry timeout.
	Expire(ctx context.Context, id string) (bool, error)

	SetIdlePassivationTimeout(d time.Duration)
	IdlePassivationTimeout() time.Duration
	SetExpiryTimeout(d time.Duration)
	ExpiryTimeout() time.Duration

	// Close waits for background work and releases the backend.
	Close() error
}

// StoreOption configures a DefaultStore
type StoreOption func(*DefaultStore)

// WithClock replaces the time source
func WithClock(now func() time.Time) StoreOption {
	return func(s *DefaultStore) {
		s.now = now
	}
}

// WithMetrics records session transitions
func WithMetrics(m *metrics.Metrics) StoreOption {
	return func(s *DefaultStore) {
		s.metrics = m
	}
}

// WithTimeouts sets the initial passivation and expiry timeouts
func WithTimeouts(idle, expiry time.Duration) StoreOption {
	return func(s *DefaultStore) {
		s.idleTimeout.Store(int64(idle))
		s.expiryTimeout.Store(int64(expiry))
	}
}

// DefaultStore keeps resident sessions in memory and delegates passivated
// and persisted state to a backend.
//
// Lock order is session before store: s.mu only guards the map and is never
// held while waiting for a session lock.
type DefaultStore struct {
	logger  *zap.Logger
	name    string
	backend backend.Backend
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	idleTimeout   atomic.Int64
	expiryTimeout atomic.Int64

	pending   sync.WaitGroup
	stopWatch context.CancelFunc
}

var _ Store = (*DefaultStore)(nil)

// NewStore creates a store over b. When b can watch remote deletions the
// store drops its resident copies of sessions deleted by other nodes.
func NewStore(logger *zap.Logger, name string, b backend.Backend, opts ...StoreOption) *DefaultStore {
	s := &DefaultStore{
		logger:   logger.Named("session.store").With(zap.String("context", name)),
		name:     name,
		backend:  b,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(s)
	}

	if w, ok := b.(backend.Watcher); ok {
		ctx, cancel := context.WithCancel(context.Background())
		if err := w.Watch(ctx, s.evict); err != nil {
			cancel()
			s.logger.Warn("failed to watch session invalidations", zap.Error(err))
		} else {
			s.stopWatch = cancel
		}
	}
	return s
}

// Name implements Store.Name
func (s *DefaultStore) Name() string { return s.name }

// SetIdlePassivationTimeout implements Store.SetIdlePassivationTimeout.
// Zero or less disables passivation.
func (s *DefaultStore) SetIdlePassivationTimeout(d time.Duration) { s.idleTimeout.Store(int64(d)) }

// IdlePassivationTimeout implements Store.IdlePassivationTimeout
func (s *DefaultStore) IdlePassivationTimeout() time.Duration {
	return time.Duration(s.idleTimeout.Load())
}

// SetExpiryTimeout implements Store.SetExpiryTimeout. Zero or less disables
// scavenging.
func (s *DefaultStore) SetExpiryTimeout(d time.Duration) { s.expiryTimeout.Store(int64(d)) }

// ExpiryTimeout implements Store.ExpiryTimeout
func (s *DefaultStore) ExpiryTimeout() time.Duration {
	return time.Duration(s.expiryTimeout.Load())
}

// Len returns the number of resident entries, passivated ones included
func (s *DefaultStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *DefaultStore) resident(id string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

func (s *DefaultStore) snapshot() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// removeIfSame drops the map entry for id only if it still points at sess
func (s *DefaultStore) removeIfSame(id string, sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions[id] == sess {
		delete(s.sessions, id)
	}
}

// lock returns the session for id with its lock held and its state
// materialized. Ids that are not resident get a passivated placeholder that
// is loaded from the backend.
func (s *DefaultStore) lock(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, ErrSessionNotFound
	}

	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		sess = &Session{id: id, state: StatePassivated}
		s.sessions[id] = sess
	}
	s.mu.Unlock()

	sess.mu.Lock()
	switch sess.state {
	case StateExpired:
		sess.mu.Unlock()
		return nil, ErrSessionNotFound
	case StatePassivated:
		if err := s.materializeLocked(ctx, sess); err != nil {
			sess.mu.Unlock()
			return nil, err
		}
	}
	return sess, nil
}

func (s *DefaultStore) materializeLocked(ctx context.Context, sess *Session) error {
	rec, err := s.backend.Load(ctx, sess.id)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			sess.state = StateExpired
			s.removeIfSame(sess.id, sess)
			return ErrSessionNotFound
		}
		if sess.createdAt.IsZero() {
			sess.state = StateExpired
			s.removeIfSame(sess.id, sess)
		}
		return unavailable("load", sess.id, err)
	}

	if err := sess.restoreLocked(rec); err != nil {
		return unavailable("decode", sess.id, err)
	}
	if !s.backend.Persistent() {
		// the stash only holds passivated state
		if err := s.backend.Delete(ctx, sess.id); err != nil {
			s.logger.Warn("failed to drop passivated copy", zap.String("id", sess.id), zap.Error(err))
		}
	}

	s.metrics.SessionRematerialized(s.name)
	s.logger.Debug("session rematerialized", zap.String("id", sess.id))
	return nil
}

// staleOnAccess applies the expiry timeout and the per-session inactivity
// limit. sess.mu must be held.
func (s *DefaultStore) staleOnAccess(sess *Session, now time.Time) bool {
	if sess.inflight > 0 {
		return false
	}
	return staleAt(sess.lastAccessed, now, s.ExpiryTimeout()) ||
		staleAt(sess.lastAccessed, now, sess.maxInactive)
}

// Get implements Store.Get
func (s *DefaultStore) Get(ctx context.Context, id string) (*Session, error) {
	sess, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	stale := s.staleOnAccess(sess, s.now())
	sess.mu.Unlock()

	if stale {
		s.expireLazily(id)
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// CheckOut implements Store.CheckOut. With a persistent backend the new
// access time is written through, so nodes sharing the backend do not scavenge
// a session that is in use here.
func (s *DefaultStore) CheckOut(ctx context.Context, id string) (*Session, error) {
	sess, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer sess.mu.Unlock()

	now := s.now()
	if s.staleOnAccess(sess, now) {
		s.expireLazily(id)
		return nil, ErrSessionNotFound
	}

	prevState, prevAccess := sess.state, sess.lastAccessed
	sess.inflight++
	sess.state = StateActive
	sess.lastAccessed = now

	if s.backend.Persistent() {
		if err := s.touchLocked(ctx, sess); err != nil {
			sess.inflight--
			sess.state, sess.lastAccessed = prevState, prevAccess
			return nil, err
		}
	}

	s.metrics.CheckedOut(s.name)
	return sess, nil
}

// touchLocked writes the session through to the backend. sess.mu must be held.
func (s *DefaultStore) touchLocked(ctx context.Context, sess *Session) error {
	rec, err := sess.recordLocked()
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", sess.id, err)
	}
	if err := s.backend.Save(ctx, rec); err != nil {
		return unavailable("save", sess.id, err)
	}
	return nil
}

// CheckIn implements Store.CheckIn
func (s *DefaultStore) CheckIn(ctx context.Context, sess *Session) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.inflight == 0 {
		return nil
	}
	sess.inflight--
	s.metrics.CheckedIn(s.name)

	if sess.state == StateExpired {
		return nil
	}
	sess.lastAccessed = s.now()
	if sess.inflight == 0 {
		sess.state = StateIdle
	}

	if !s.backend.Persistent() {
		return nil
	}
	return s.touchLocked(ctx, sess)
}

// Create implements Store.Create
func (s *DefaultStore) Create(ctx context.Context, id string, maxInactive time.Duration) (*Session, error) {
	if id == "" {
		return nil, ErrInvalidSessionID
	}
	now := s.now()
	sess := &Session{
		id:           id,
		createdAt:    now,
		lastAccessed: now,
		maxInactive:  maxInactive,
		attributes:   make(map[string]any),
		state:        StateActive,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	if _, ok := s.sessions[id]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is in use", ErrInvalidSessionID, id)
	}
	s.sessions[id] = sess
	s.mu.Unlock()

	if s.backend.Persistent() {
		sess.mu.Lock()
		rec, _ := sess.recordLocked()
		err := s.backend.Save(ctx, rec)
		if err != nil {
			sess.state = StateExpired
		}
		sess.mu.Unlock()
		if err != nil {
			s.removeIfSame(id, sess)
			return nil, unavailable("create", id, err)
		}
	}

	s.metrics.SessionCreated(s.name)
	s.logger.Debug("session created", zap.String("id", id))
	return sess, nil
}

// Delete implements Store.Delete. A resident session becomes a tombstone
// until the backend delete succeeds.
func (s *DefaultStore) Delete(ctx context.Context, id string) error {
	sess := s.resident(id)
	if sess != nil {
		sess.mu.Lock()
		sess.state = StateExpired
		sess.attributes = nil
		sess.mu.Unlock()
	}

	if err := s.backend.Delete(ctx, id); err != nil {
		return unavailable("delete", id, err)
	}
	if sess != nil {
		s.removeIfSame(id, sess)
	}
	return nil
}

// Exists implements Store.Exists
func (s *DefaultStore) Exists(ctx context.Context, id string) (bool, error) {
	if s.resident(id) != nil {
		return true, nil
	}
	if !s.backend.Persistent() {
		return false, nil
	}
	ok, err := s.backend.Exists(ctx, id)
	if err != nil {
		return false, unavailable("exists", id, err)
	}
	return ok, nil
}

// ScanIdle implements Store.ScanIdle
func (s *DefaultStore) ScanIdle(_ context.Context) ([]string, error) {
	timeout := s.IdlePassivationTimeout()
	if timeout <= 0 {
		return nil, nil
	}
	now := s.now()

	var ids []string
	for _, sess := range s.snapshot() {
		sess.mu.Lock()
		if s.idleLocked(sess, now, timeout) {
			ids = append(ids, sess.id)
		}
		sess.mu.Unlock()
	}
	return ids, nil
}

func (s *DefaultStore) idleLocked(sess *Session, now time.Time, timeout time.Duration) bool {
	if sess.inflight > 0 {
		return false
	}
	if sess.state != StateActive && sess.state != StateIdle {
		return false
	}
	return staleAt(sess.lastAccessed, now, timeout)
}

// ScanExpired implements Store.ScanExpired. Resident entries are
// authoritative; backend ids are only added for sessions this store does not
// hold in memory.
func (s *DefaultStore) ScanExpired(ctx context.Context) ([]string, error) {
	timeout := s.ExpiryTimeout()
	if timeout <= 0 {
		return nil, nil
	}
	now := s.now()

	var ids []string
	residentIDs := make(map[string]bool)
	for _, sess := range s.snapshot() {
		sess.mu.Lock()
		residentIDs[sess.id] = true
		if sess.inflight == 0 && (sess.state == StateExpired || staleAt(sess.lastAccessed, now, timeout)) {
			ids = append(ids, sess.id)
		}
		sess.mu.Unlock()
	}

	if !s.backend.Persistent() {
		return ids, nil
	}
	stored, err := s.backend.ListByLastAccess(ctx, now.Add(-timeout))
	if err != nil {
		return ids, unavailable("scan", s.name, err)
	}
	for _, id := range stored {
		if !residentIDs[id] {
			ids = append(ids, id)
		}
	}
	return lol.UniqSlice(ids), nil
}

// Passivate implements Store.Passivate. The session lock is held across the
// backend write so a concurrent check-out sees either the resident state or
// the saved one.
func (s *DefaultStore) Passivate(ctx context.Context, id string) (bool, error) {
	timeout := s.IdlePassivationTimeout()
	if timeout <= 0 {
		return false, nil
	}
	sess := s.resident(id)
	if sess == nil {
		return false, nil
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if !s.idleLocked(sess, s.now(), timeout) {
		return false, nil
	}

	rec, err := sess.recordLocked()
	if err != nil {
		return false, fmt.Errorf("failed to encode session %s: %w", id, err)
	}
	if err := s.backend.Save(ctx, rec); err != nil {
		return false, unavailable("passivate", id, err)
	}
	sess.attributes = nil
	sess.state = StatePassivated

	s.metrics.SessionPassivated(s.name)
	s.logger.Debug("session passivated", zap.String("id", id))
	return true, nil
}

// Expire implements Store.Expire
func (s *DefaultStore) Expire(ctx context.Context, id string) (bool, error) {
	timeout := s.ExpiryTimeout()
	if timeout <= 0 {
		return false, nil
	}
	return s.expire(ctx, id, func(lastAccessed time.Time, _ time.Duration) bool {
		return staleAt(lastAccessed, s.now(), timeout)
	})
}

// expireLazily schedules the deletion of a session found stale on access
func (s *DefaultStore) expireLazily(id string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pending.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), lazyExpireTimeout)
		defer cancel()

		_, err := s.expire(ctx, id, func(lastAccessed time.Time, maxInactive time.Duration) bool {
			now := s.now()
			return staleAt(lastAccessed, now, s.ExpiryTimeout()) || staleAt(lastAccessed, now, maxInactive)
		})
		if err != nil {
			s.logger.Warn("failed to expire stale session", zap.String("id", id), zap.Error(err))
		}
	}()
}

func (s *DefaultStore) expire(ctx context.Context, id string, stale func(time.Time, time.Duration) bool) (bool, error) {
	sess := s.resident(id)
	if sess == nil {
		return s.expireStored(ctx, id, stale)
	}

	sess.mu.Lock()
	if sess.inflight > 0 {
		sess.mu.Unlock()
		return false, nil
	}
	if sess.state != StateExpired {
		if !stale(sess.lastAccessed, sess.maxInactive) {
			sess.mu.Unlock()
			return false, nil
		}
		sess.state = StateExpired
		sess.attributes = nil
	}
	sess.mu.Unlock()

	return s.finishExpire(ctx, id, sess)
}

// expireStored handles sessions only present in a persistent backend. A
// tombstone keeps concurrent requests from rematerializing the session while
// it is deleted.
func (s *DefaultStore) expireStored(ctx context.Context, id string, stale func(time.Time, time.Duration) bool) (bool, error) {
	if !s.backend.Persistent() {
		return false, nil
	}
	rec, err := s.backend.Load(ctx, id)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return false, nil
		}
		return false, unavailable("load", id, err)
	}
	if !stale(rec.LastAccessed, rec.MaxInactive) {
		return false, nil
	}

	tomb := &Session{
		id:           id,
		createdAt:    rec.CreatedAt,
		lastAccessed: rec.LastAccessed,
		maxInactive:  rec.MaxInactive,
		state:        StateExpired,
	}
	s.mu.Lock()
	if _, ok := s.sessions[id]; ok {
		// became resident meanwhile, the next tick decides
		s.mu.Unlock()
		return false, nil
	}
	s.sessions[id] = tomb
	s.mu.Unlock()

	return s.finishExpire(ctx, id, tomb)
}

func (s *DefaultStore) finishExpire(ctx context.Context, id string, sess *Session) (bool, error) {
	if err := s.backend.Delete(ctx, id); err != nil {
		return false, unavailable("expire", id, err)
	}
	s.removeIfSame(id, sess)

	s.metrics.SessionExpired(s.name)
	s.logger.Debug("session expired", zap.String("id", id))
	return true, nil
}

// evict drops the resident copy of a session deleted by another node. A
// session checked out here is kept; its check-in writes it back.
func (s *DefaultStore) evict(id string) {
	sess := s.resident(id)
	if sess == nil {
		return
	}
	sess.mu.Lock()
	if sess.inflight > 0 || sess.state == StateExpired {
		sess.mu.Unlock()
		return
	}
	sess.state = StateExpired
	sess.attributes = nil
	sess.mu.Unlock()
	s.removeIfSame(id, sess)
}

// Close implements Store.Close
func (s *DefaultStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.stopWatch != nil {
		s.stopWatch()
	}
	s.pending.Wait()
	return s.backend.Close()
}
