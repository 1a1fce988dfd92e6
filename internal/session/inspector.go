package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amoylab/sessiond/pkg/metrics"
	"github.com/amoylab/sessiond/pkg/trace"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type inspectorState int32

const (
	inspectorNew inspectorState = iota
	inspectorRunning
	inspectorStopped
)

func (s inspectorState) String() string {
	switch s {
	case inspectorNew:
		return "new"
	case inspectorRunning:
		return "running"
	default:
		return "stopped"
	}
}

// InspectorOption configures an Inspector
type InspectorOption func(*Inspector)

// WithConcurrency scans up to n stores in parallel within a tick
func WithConcurrency(n int) InspectorOption {
	return func(i *Inspector) {
		if n > 0 {
			i.concurrency = n
		}
	}
}

// WithInspectorMetrics records tick durations and scan failures
func WithInspectorMetrics(m *metrics.Metrics) InspectorOption {
	return func(i *Inspector) {
		i.metrics = m
	}
}

// registration is the inspector's handle on a store. Its lock is held for
// the whole scan so Unregister waits for an in-progress scan to finish.
type registration struct {
	mu     sync.Mutex
	store  Store
	active bool
}

// Inspector periodically passivates idle sessions and scavenges expired ones
// in every registered store. It does not own the stores.
type Inspector struct {
	logger      *zap.Logger
	metrics     *metrics.Metrics
	tracer      *trace.Builder
	concurrency int
	interval    atomic.Int64

	mu     sync.Mutex
	state  inspectorState
	server Server
	regs   []*registration
	stopCh chan struct{}
	done   chan struct{}
}

// NewInspector creates an inspector ticking every interval once started
func NewInspector(logger *zap.Logger, interval time.Duration, opts ...InspectorOption) *Inspector {
	i := &Inspector{
		logger:      logger.Named("session.inspector"),
		tracer:      trace.Tracer("sessiond/inspector"),
		concurrency: 1,
	}
	i.interval.Store(int64(interval))
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// SetServer binds the inspector. The binding cannot change once started.
func (i *Inspector) SetServer(srv Server) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	switch i.state {
	case inspectorRunning:
		return ErrAlreadyStarted
	case inspectorStopped:
		return ErrStopped
	}
	i.server = srv
	return nil
}

// SetInterval changes the tick interval, effective from the next tick
func (i *Inspector) SetInterval(d time.Duration) {
	i.interval.Store(int64(d))
}

// Interval returns the current tick interval
func (i *Inspector) Interval() time.Duration {
	return time.Duration(i.interval.Load())
}

// Running reports whether the tick loop is active
func (i *Inspector) Running() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state == inspectorRunning
}

// Register adds a store to the sweep
func (i *Inspector) Register(store Store) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state == inspectorStopped {
		return ErrStopped
	}
	for _, reg := range i.regs {
		if reg.store == store {
			return fmt.Errorf("%w: store %s", ErrAlreadyRegistered, store.Name())
		}
	}
	i.regs = append(i.regs, &registration{store: store, active: true})
	i.logger.Info("store registered", zap.String("store", store.Name()))
	return nil
}

// Unregister removes a store. Once it returns the inspector no longer acts on
// the store, waiting for a scan in progress if needed.
func (i *Inspector) Unregister(store Store) {
	i.mu.Lock()
	var found *registration
	for idx, reg := range i.regs {
		if reg.store == store {
			found = reg
			i.regs = append(i.regs[:idx], i.regs[idx+1:]...)
			break
		}
	}
	i.mu.Unlock()

	if found == nil {
		return
	}
	found.mu.Lock()
	found.active = false
	found.mu.Unlock()
	i.logger.Info("store unregistered", zap.String("store", store.Name()))
}

// Start launches the tick loop. A stopped inspector cannot be restarted.
func (i *Inspector) Start() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	switch i.state {
	case inspectorRunning:
		return ErrAlreadyStarted
	case inspectorStopped:
		return ErrStopped
	}
	if i.server == nil {
		return ErrNotBound
	}
	if i.Interval() <= 0 {
		return fmt.Errorf("inspection interval must be positive, got %s", i.Interval())
	}

	i.state = inspectorRunning
	i.stopCh = make(chan struct{})
	i.done = make(chan struct{})
	go i.loop(i.stopCh, i.done)

	i.logger.Info("inspector started",
		zap.String("server", i.server.Name()),
		zap.Duration("interval", i.Interval()),
		zap.Int("concurrency", i.concurrency))
	return nil
}

// Stop ends the tick loop. A tick in progress completes first unless ctx is
// done before that.
func (i *Inspector) Stop(ctx context.Context) error {
	i.mu.Lock()
	prev := i.state
	i.state = inspectorStopped
	stopCh, done := i.stopCh, i.done
	i.mu.Unlock()

	if prev != inspectorRunning {
		return nil
	}
	close(stopCh)

	select {
	case <-done:
		i.logger.Info("inspector stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (i *Inspector) loop(stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	timer := time.NewTimer(i.Interval())
	defer timer.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-timer.C:
			// ticks are not cancelled by Stop
			_ = i.tick(context.Background())
			timer.Reset(i.Interval())
		}
	}
}

// Inspect runs one tick synchronously and returns the joined store failures
func (i *Inspector) Inspect(ctx context.Context) error {
	i.mu.Lock()
	stopped := i.state == inspectorStopped
	i.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	return i.tick(ctx)
}

func (i *Inspector) tick(ctx context.Context) error {
	start := time.Now()
	defer i.metrics.InspectorTick(start)

	i.mu.Lock()
	regs := append([]*registration(nil), i.regs...)
	i.mu.Unlock()

	scope := i.tracer.Start(ctx, "inspector.tick").
		WithAttrs(attribute.Int("stores", len(regs)))
	defer scope.End()

	var (
		mu   sync.Mutex
		errs []error
	)
	collect := func(err error) {
		if err == nil {
			return
		}
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	if i.concurrency <= 1 || len(regs) <= 1 {
		for _, reg := range regs {
			collect(i.inspectStore(scope.Ctx, reg))
		}
	} else {
		var g errgroup.Group
		g.SetLimit(i.concurrency)
		for _, reg := range regs {
			reg := reg
			g.Go(func() error {
				collect(i.inspectStore(scope.Ctx, reg))
				return nil
			})
		}
		_ = g.Wait()
	}

	err := errors.Join(errs...)
	scope.Fail(err)
	return err
}

// inspectStore passivates then scavenges one store. Failures are logged and
// returned, never propagated to other stores.
func (i *Inspector) inspectStore(ctx context.Context, reg *registration) (err error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if !reg.active {
		return nil
	}
	store := reg.store

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("store %s: panic during inspection: %v", store.Name(), r)
			i.logger.Error("inspection panicked", zap.String("store", store.Name()), zap.Any("panic", r))
			i.metrics.InspectorStoreError(store.Name(), "panic")
		}
	}()

	scope := i.tracer.Start(ctx, "inspector.store").
		WithAttrs(attribute.String("store", store.Name()))
	defer scope.End()

	idleErr := i.sweep(scope.Ctx, store, "idle", store.ScanIdle, store.Passivate)
	expiryErr := i.sweep(scope.Ctx, store, "expiry", store.ScanExpired, store.Expire)

	err = errors.Join(idleErr, expiryErr)
	scope.Fail(err)
	return err
}

func (i *Inspector) sweep(
	ctx context.Context,
	store Store,
	phase string,
	scan func(context.Context) ([]string, error),
	apply func(context.Context, string) (bool, error),
) error {
	var errs []error

	ids, err := scan(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("store %s: %s scan: %w", store.Name(), phase, err))
		i.logger.Error("session scan failed",
			zap.String("store", store.Name()),
			zap.String("phase", phase),
			zap.Error(err))
		i.metrics.InspectorStoreError(store.Name(), phase)
	}

	applied := 0
	for _, id := range ids {
		ok, err := apply(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("store %s: %s %s: %w", store.Name(), phase, id, err))
			i.logger.Error("session transition failed",
				zap.String("store", store.Name()),
				zap.String("phase", phase),
				zap.String("id", id),
				zap.Error(err))
			i.metrics.InspectorStoreError(store.Name(), phase)
			continue
		}
		if ok {
			applied++
		}
	}

	if applied > 0 {
		i.logger.Debug("sessions swept",
			zap.String("store", store.Name()),
			zap.String("phase", phase),
			zap.Int("count", applied))
	}
	return errors.Join(errs...)
}
