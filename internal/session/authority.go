package session

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/amoylab/sessiond/internal/common/cnst"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// maxIssueAttempts bounds the retries when a generated id collides
const maxIssueAttempts = 8

// Server is the process-level owner the authority and the inspector are
// bound to
type Server interface {
	Name() string
}

// IDUser is anything that can hold sessions under ids issued by an
// authority. Managers register themselves so ids stay unique across every
// context of a server.
type IDUser interface {
	IDInUse(ctx context.Context, id string) (bool, error)
}

// AuthorityOption configures an Authority
type AuthorityOption func(*Authority)

// WithWorkerName sets the routing suffix appended to issued ids
func WithWorkerName(name string) AuthorityOption {
	return func(a *Authority) {
		a.workerName = name
	}
}

// WithCookieName sets the token name stripped during validation
func WithCookieName(name string) AuthorityOption {
	return func(a *Authority) {
		a.cookieName = name
	}
}

// Authority issues and validates session ids for every context of one server
type Authority struct {
	logger     *zap.Logger
	workerName string
	cookieName string

	mu        sync.RWMutex
	server    Server
	inspector *Inspector
	users     []IDUser
	started   bool
	stopped   bool
}

// NewAuthority creates an unbound authority
func NewAuthority(logger *zap.Logger, opts ...AuthorityOption) *Authority {
	a := &Authority{
		logger:     logger.Named("session.authority"),
		cookieName: cnst.DefaultCookieName,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// WorkerName returns the routing suffix, empty when none is configured
func (a *Authority) WorkerName() string { return a.workerName }

// CookieName returns the name session tokens are carried under
func (a *Authority) CookieName() string { return a.cookieName }

// SetServer binds the authority to srv. The binding cannot change once the
// authority is started.
func (a *Authority) SetServer(srv Server) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.mutableLocked(); err != nil {
		return err
	}
	a.server = srv
	a.logger.Info("authority bound", zap.String("server", srv.Name()))
	return nil
}

// SetInspector attaches the inspector stores register with
func (a *Authority) SetInspector(insp *Inspector) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.mutableLocked(); err != nil {
		return err
	}
	a.inspector = insp
	return nil
}

func (a *Authority) mutableLocked() error {
	if a.stopped {
		return ErrStopped
	}
	if a.started {
		return ErrAlreadyStarted
	}
	return nil
}

// Inspector returns the attached inspector
func (a *Authority) Inspector() (*Inspector, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if err := a.usableLocked(); err != nil {
		return nil, err
	}
	if a.inspector == nil {
		return nil, fmt.Errorf("%w: no inspector attached", ErrNotBound)
	}
	return a.inspector, nil
}

func (a *Authority) usableLocked() error {
	if a.stopped {
		return ErrStopped
	}
	if a.server == nil {
		return ErrNotBound
	}
	return nil
}

// Start freezes the bindings
func (a *Authority) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.usableLocked(); err != nil {
		return err
	}
	a.started = true
	return nil
}

// Stop makes every further operation fail with ErrStopped
func (a *Authority) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	a.users = nil
}

// Register adds u to the set consulted for uniqueness
func (a *Authority) Register(u IDUser) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.usableLocked(); err != nil {
		return err
	}
	for _, existing := range a.users {
		if existing == u {
			return ErrAlreadyRegistered
		}
	}
	a.users = append(a.users, u)
	return nil
}

// Unregister removes u. Unknown users are ignored.
func (a *Authority) Unregister(u IDUser) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, existing := range a.users {
		if existing == u {
			a.users = append(a.users[:i], a.users[i+1:]...)
			return
		}
	}
}

// NewSessionID returns an id not in use by any registered context
func (a *Authority) NewSessionID(ctx context.Context) (string, error) {
	a.mu.RLock()
	err := a.usableLocked()
	a.mu.RUnlock()
	if err != nil {
		return "", err
	}

	for i := 0; i < maxIssueAttempts; i++ {
		id := strings.ReplaceAll(uuid.NewString(), "-", "")
		inUse, err := a.IDInUse(ctx, id)
		if err != nil {
			return "", err
		}
		if !inUse {
			return id, nil
		}
		a.logger.Warn("generated session id already in use, retrying")
	}
	return "", fmt.Errorf("%w: no unused id after %d attempts", ErrInvalidSessionID, maxIssueAttempts)
}

// IDInUse reports whether any registered context holds id
func (a *Authority) IDInUse(ctx context.Context, id string) (bool, error) {
	a.mu.RLock()
	users := append([]IDUser(nil), a.users...)
	a.mu.RUnlock()

	for _, u := range users {
		inUse, err := u.IDInUse(ctx, id)
		if err != nil {
			return false, err
		}
		if inUse {
			return true, nil
		}
	}
	return false, nil
}

// Validate parses a raw token into its base id and routing suffix. Malformed
// or empty input yields an empty id.
func (a *Authority) Validate(candidate string) (id, suffix string) {
	return splitToken(a.cookieName, candidate)
}

// ExtendedID appends the worker routing suffix to id
func (a *Authority) ExtendedID(id string) string {
	if a.workerName == "" || id == "" {
		return id
	}
	return id + "." + a.workerName
}
