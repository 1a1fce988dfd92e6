package session

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/amoylab/sessiond/internal/common/cnst"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// HandlerOption configures a Handler
type HandlerOption func(*Handler)

// WithFailOnUnavailable rejects requests with 503 when the store cannot be
// reached instead of serving them without a session
func WithFailOnUnavailable() HandlerOption {
	return func(h *Handler) {
		h.failOnUnavailable = true
	}
}

// WithCookiePath sets the path attribute of the session cookie
func WithCookiePath(path string) HandlerOption {
	return func(h *Handler) {
		h.cookiePath = path
	}
}

// WithoutCreate only attaches existing sessions
func WithoutCreate() HandlerOption {
	return func(h *Handler) {
		h.create = false
	}
}

// Handler is the per-request entry point of a context
type Handler struct {
	logger            *zap.Logger
	manager           *Manager
	cookiePath        string
	create            bool
	failOnUnavailable bool
}

// NewHandler creates a handler and binds it to manager
func NewHandler(logger *zap.Logger, manager *Manager, opts ...HandlerOption) (*Handler, error) {
	h := &Handler{
		logger:     logger.Named("session.handler").With(zap.String("context", manager.Path())),
		manager:    manager,
		cookiePath: manager.Path(),
		create:     true,
	}
	for _, opt := range opts {
		opt(h)
	}
	if err := manager.SetHandler(h); err != nil {
		return nil, err
	}
	return h, nil
}

// Lease is a checked out session together with its release
type Lease struct {
	Session *Session
	Created bool

	once    sync.Once
	manager *Manager
}

// Release checks the session back in. Calling it again does nothing.
func (l *Lease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		err = l.manager.CheckIn(ctx, l.Session)
	})
	return err
}

// Acquire resolves raw to a session and checks it out. When no live session
// exists and create is true a new one is issued.
func (h *Handler) Acquire(ctx context.Context, raw string, create bool) (*Lease, error) {
	sess, err := h.manager.GetSession(ctx, raw)
	if err == nil {
		sess, err = h.manager.CheckOut(ctx, sess.ID())
	}
	if err == nil {
		return &Lease{Session: sess, manager: h.manager}, nil
	}
	if !IsNotFound(err) || !create {
		return nil, err
	}

	sess, err = h.manager.NewSession(ctx)
	if err != nil {
		return nil, err
	}
	sess, err = h.manager.CheckOut(ctx, sess.ID())
	if err != nil {
		return nil, err
	}
	return &Lease{Session: sess, Created: true, manager: h.manager}, nil
}

// Handle runs fn with a checked out session and always checks it in
// afterwards, whatever fn returns
func (h *Handler) Handle(ctx context.Context, raw string, create bool, fn func(context.Context, *Session) error) (err error) {
	lease, err := h.Acquire(ctx, raw, create)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, lease.Release(context.WithoutCancel(ctx)))
	}()
	return fn(ctx, lease.Session)
}

// Middleware attaches the request's session to the gin context
func (h *Handler) Middleware() gin.HandlerFunc {
	authority := h.manager.Authority()
	name := authority.CookieName()

	return func(c *gin.Context) {
		raw, _ := c.Cookie(name)

		lease, err := h.Acquire(c.Request.Context(), raw, h.create)
		if err != nil {
			switch {
			case IsNotFound(err):
			case errors.Is(err, ErrStoreUnavailable) && !h.failOnUnavailable:
				h.logger.Warn("serving request without session", zap.Error(err))
			default:
				h.logger.Error("failed to acquire session", zap.Error(err))
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "session store unavailable"})
				return
			}
			c.Next()
			return
		}

		id := lease.Session.ID()
		if current, _ := authority.Validate(raw); current != id {
			c.SetCookie(name, authority.ExtendedID(id), 0, h.cookiePath, "", false, true)
		}
		c.Set(cnst.CtxKeySession, lease.Session)

		defer func() {
			if err := lease.Release(context.WithoutCancel(c.Request.Context())); err != nil {
				h.logger.Warn("failed to check in session", zap.String("id", id), zap.Error(err))
			}
		}()
		c.Next()
	}
}

// FromContext returns the session attached by Middleware
func FromContext(c *gin.Context) (*Session, bool) {
	v, ok := c.Get(cnst.CtxKeySession)
	if !ok {
		return nil, false
	}
	sess, ok := v.(*Session)
	return sess, ok
}
