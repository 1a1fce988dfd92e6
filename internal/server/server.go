package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/amoylab/sessiond/internal/common/config"
	"github.com/amoylab/sessiond/internal/session"
	"github.com/amoylab/sessiond/internal/session/backend"
	"github.com/amoylab/sessiond/pkg/metrics"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

// Context is one session-tracked path prefix of the server
type Context struct {
	Path    string
	Store   *session.DefaultStore
	Manager *session.Manager
	Handler *session.Handler
}

// Server owns one session id authority and one inspector shared by every
// context it serves
type Server struct {
	logger    *zap.Logger
	cfg       *config.SessiondConfig
	metrics   *metrics.Metrics
	authority *session.Authority
	inspector *session.Inspector
	router    *gin.Engine

	mu         sync.Mutex
	contexts   []*Context
	httpServer *http.Server
	listener   net.Listener
	running    bool
	stopped    bool
	done       chan struct{}
	serveErr   error
}

// New builds a server and registers the configured contexts. Nothing is
// served until Start.
func New(ctx context.Context, logger *zap.Logger, cfg *config.SessiondConfig) (*Server, error) {
	logger = logger.Named("server")

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics)
	}

	s := &Server{
		logger:  logger,
		cfg:     cfg,
		metrics: m,
		authority: session.NewAuthority(logger,
			session.WithWorkerName(cfg.Server.WorkerName),
			session.WithCookieName(cfg.Session.CookieName)),
		inspector: session.NewInspector(logger, cfg.Session.InspectionPeriod,
			session.WithConcurrency(cfg.Session.InspectorConcurrency),
			session.WithInspectorMetrics(m)),
		done: make(chan struct{}),
	}
	if err := s.authority.SetServer(s); err != nil {
		return nil, err
	}
	if err := s.inspector.SetServer(s); err != nil {
		return nil, err
	}
	if err := s.authority.SetInspector(s.inspector); err != nil {
		return nil, err
	}

	s.router = gin.New()
	s.router.Use(s.recoveryMiddleware(), s.loggerMiddleware())
	if cfg.Tracing.Enabled {
		s.router.Use(otelgin.Middleware(cfg.Tracing.ServiceName))
	}
	if m != nil {
		s.router.Use(m.Middleware())
		s.router.GET(cfg.Metrics.Path, gin.WrapH(m.Handler()))
	}

	for _, c := range cfg.Contexts {
		if _, err := s.AddContext(ctx, c); err != nil {
			s.closeContexts()
			return nil, err
		}
	}
	return s, nil
}

// Name implements session.Server
func (s *Server) Name() string {
	return s.addr()
}

// Addr returns the address being served, empty before Start
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) addr() string {
	return fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
}

// Authority returns the server's session id authority
func (s *Server) Authority() *session.Authority { return s.authority }

// Inspector returns the server's inspector
func (s *Server) Inspector() *session.Inspector { return s.inspector }

// Handler returns the HTTP handler serving every context
func (s *Server) Handler() http.Handler { return s.router }

// Contexts returns the registered contexts
func (s *Server) Contexts() []*Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Context(nil), s.contexts...)
}

// AddContext creates the backend, store, manager and handler of a context
// and mounts it under its path. Contexts can only be added before Start.
func (s *Server) AddContext(ctx context.Context, c config.ContextConfig) (*Context, error) {
	rc := c.Resolve(s.cfg.Session)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.stopped {
		return nil, session.ErrAlreadyStarted
	}
	for _, existing := range s.contexts {
		if existing.Path == rc.Path {
			return nil, fmt.Errorf("context %s: %w", rc.Path, session.ErrAlreadyRegistered)
		}
	}

	if rc.IdlePassivatePeriod > 0 && rc.ScavengePeriod > 0 && rc.IdlePassivatePeriod >= rc.ScavengePeriod {
		s.logger.Warn("idle passivation period is not shorter than the scavenge period, sessions may expire before passivating",
			zap.String("context", rc.Path),
			zap.Duration("idle_passivate_period", rc.IdlePassivatePeriod),
			zap.Duration("scavenge_period", rc.ScavengePeriod))
	}

	b, err := backend.New(ctx, s.logger, rc.Store, rc.Path)
	if err != nil {
		return nil, fmt.Errorf("context %s: %w", rc.Path, err)
	}
	store := session.NewStore(s.logger, rc.Path, b,
		session.WithMetrics(s.metrics),
		session.WithTimeouts(rc.IdlePassivatePeriod, rc.ScavengePeriod))

	manager := session.NewManager(s.logger, rc.Path, store)
	manager.SetMaxInactiveInterval(rc.MaxInactive)
	if err := manager.SetSessionIDManager(s.authority); err != nil {
		_ = store.Close()
		return nil, err
	}
	handler, err := session.NewHandler(s.logger, manager, session.WithCookiePath(rc.Path))
	if err != nil {
		_ = manager.Stop()
		return nil, err
	}

	group := s.router.Group(rc.Path)
	group.Use(handler.Middleware())
	group.GET("/session", s.handleSession)
	group.DELETE("/session", s.handleInvalidate(manager))

	sc := &Context{Path: rc.Path, Store: store, Manager: manager, Handler: handler}
	s.contexts = append(s.contexts, sc)
	s.logger.Info("context added",
		zap.String("context", rc.Path),
		zap.String("store", rc.Store.Type),
		zap.Duration("max_inactive", rc.MaxInactive),
		zap.Duration("scavenge_period", rc.ScavengePeriod),
		zap.Duration("idle_passivate_period", rc.IdlePassivatePeriod))
	return sc, nil
}

// Start listens on the configured address and serves in the background
func (s *Server) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr(), err)
	}
	if err := s.StartOn(ln); err != nil {
		_ = ln.Close()
		return err
	}
	return nil
}

// StartOn serves on ln. It freezes the bindings, starts every context and
// the inspector.
func (s *Server) StartOn(ln net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return session.ErrStopped
	}
	if s.running {
		return session.ErrAlreadyStarted
	}

	if err := s.authority.Start(); err != nil {
		return err
	}
	for _, c := range s.contexts {
		if err := c.Manager.Start(); err != nil {
			return fmt.Errorf("context %s: %w", c.Path, err)
		}
	}
	if err := s.inspector.Start(); err != nil {
		return err
	}

	s.listener = ln
	s.httpServer = &http.Server{Handler: s.router}
	s.running = true
	go func() {
		defer close(s.done)
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server stopped unexpectedly", zap.Error(err))
			s.serveErr = err
		}
	}()

	s.logger.Info("server started",
		zap.String("addr", ln.Addr().String()),
		zap.Int("contexts", len(s.contexts)))
	return nil
}

// Stop stops accepting requests, lets in-flight ones drain, stops the
// inspector and closes every context
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	running := s.running
	s.running = false
	httpServer := s.httpServer
	s.mu.Unlock()

	var errs []error
	if running {
		if err := httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown http server: %w", err))
		}
	} else {
		close(s.done)
	}
	if err := s.inspector.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop inspector: %w", err))
	}
	errs = append(errs, s.closeContexts())
	s.authority.Stop()

	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

func (s *Server) closeContexts() error {
	var errs []error
	for _, c := range s.contexts {
		if err := c.Manager.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("context %s: %w", c.Path, err))
		}
	}
	return errors.Join(errs...)
}

// Wait blocks until the server stops serving
func (s *Server) Wait() error {
	<-s.done
	return s.serveErr
}
