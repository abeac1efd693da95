// Package lifecycle provides graceful shutdown and lifecycle management.
// Runs in flight get a chance to stop between pages before outputs and
// backends are closed.
package lifecycle

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	rerrors "github.com/logflow/logrecon/pkg/errors"
)

// Closer is a resource released during shutdown.
type Closer interface {
	Close(ctx context.Context) error
}

// CloserFunc adapts a function to Closer.
type CloserFunc func(ctx context.Context) error

// Close calls f.
func (f CloserFunc) Close(ctx context.Context) error {
	return f(ctx)
}

// CloseFunc adapts a context-free Close method, such as a redis client's.
func CloseFunc(close func() error) Closer {
	return CloserFunc(func(context.Context) error { return close() })
}

type namedCloser struct {
	name string
	c    Closer
}

// ShutdownConfig configures the shutdown manager.
type ShutdownConfig struct {
	// DrainTimeout is how long to wait for in-flight runs to stop.
	DrainTimeout time.Duration
	// ForceTimeout bounds the time spent closing resources.
	ForceTimeout time.Duration
	// OnForce runs on a second signal. Defaults to exiting with status 130.
	OnForce func()
	Logger  *slog.Logger
}

// DefaultShutdownConfig returns sensible defaults.
func DefaultShutdownConfig() ShutdownConfig {
	return ShutdownConfig{
		DrainTimeout: 30 * time.Second,
		ForceTimeout: 60 * time.Second,
	}
}

// ShutdownManager tracks in-flight runs and closes registered resources in
// reverse registration order.
type ShutdownManager struct {
	mu sync.Mutex

	drainTimeout time.Duration
	forceTimeout time.Duration
	onForce      func()
	logger       *slog.Logger

	draining   bool
	shutdownAt time.Time

	inFlight      sync.WaitGroup
	inFlightCount int64

	closers []namedCloser
	done    chan struct{}
}

// NewShutdownManager creates a new shutdown manager.
func NewShutdownManager(cfg ShutdownConfig) *ShutdownManager {
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	if cfg.ForceTimeout == 0 {
		cfg.ForceTimeout = 60 * time.Second
	}
	if cfg.OnForce == nil {
		cfg.OnForce = func() { os.Exit(130) }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &ShutdownManager{
		drainTimeout: cfg.DrainTimeout,
		forceTimeout: cfg.ForceTimeout,
		onForce:      cfg.OnForce,
		logger:       cfg.Logger.With("component", "lifecycle"),
		done:         make(chan struct{}),
	}
}

// Register adds a resource to be closed during shutdown. Resources close in
// reverse order, so register dependencies first.
func (m *ShutdownManager) Register(name string, c Closer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closers = append(m.closers, namedCloser{name: name, c: c})
}

// StartRun marks the start of an in-flight run.
// Returns false once shutdown has begun.
func (m *ShutdownManager) StartRun() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.draining {
		return false
	}
	m.inFlightCount++
	m.inFlight.Add(1)
	return true
}

// EndRun marks the end of an in-flight run.
func (m *ShutdownManager) EndRun() {
	m.mu.Lock()
	m.inFlightCount--
	m.mu.Unlock()
	m.inFlight.Done()
}

// InFlightCount returns the number of in-flight runs.
func (m *ShutdownManager) InFlightCount() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inFlightCount
}

// IsDraining returns whether shutdown has begun.
func (m *ShutdownManager) IsDraining() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.draining
}

// Shutdown waits for in-flight runs, then closes every registered resource.
// It is safe to call more than once; later calls return nil.
func (m *ShutdownManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return nil
	}
	m.draining = true
	m.shutdownAt = time.Now()
	closers := append([]namedCloser(nil), m.closers...)
	m.mu.Unlock()
	defer close(m.done)

	drainDone := make(chan struct{})
	go func() {
		m.inFlight.Wait()
		close(drainDone)
	}()

	select {
	case <-drainDone:
	case <-time.After(m.drainTimeout):
		m.logger.Warn("drain timeout reached", "in_flight", m.InFlightCount())
	case <-ctx.Done():
	}

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.forceTimeout)
	defer cancel()

	var errs rerrors.MultiError
	for i := len(closers) - 1; i >= 0; i-- {
		nc := closers[i]
		if err := nc.c.Close(closeCtx); err != nil {
			m.logger.Error("close failed", "resource", nc.name, "error", err)
			errs.Add(rerrors.Wrapf(err, rerrors.CodeUnknown, "failed to close %s", nc.name))
		}
	}
	return errs.Combined()
}

// Wait blocks until shutdown is complete.
func (m *ShutdownManager) Wait() {
	<-m.done
}

// HandleSignals returns a context canceled on the first SIGINT or SIGTERM.
// A second signal calls OnForce. The returned stop function releases the
// signal handler.
func (m *ShutdownManager) HandleSignals(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	stopped := make(chan struct{})
	go func() {
		select {
		case sig := <-sigChan:
			m.logger.Info("signal received, stopping after the current page", "signal", sig.String())
			cancel()
		case <-stopped:
			return
		}
		select {
		case sig := <-sigChan:
			m.logger.Warn("second signal received, forcing exit", "signal", sig.String())
			m.onForce()
		case <-stopped:
		}
	}()

	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			signal.Stop(sigChan)
			close(stopped)
			cancel()
		})
	}
}

// ShutdownStatus is a snapshot of the manager.
type ShutdownStatus struct {
	Draining      bool
	InFlightCount int64
	ShutdownAt    time.Time
	Resources     []string
}

// Status returns the current status.
func (m *ShutdownManager) Status() ShutdownStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, len(m.closers))
	for i, nc := range m.closers {
		names[i] = nc.name
	}
	return ShutdownStatus{
		Draining:      m.draining,
		InFlightCount: m.inFlightCount,
		ShutdownAt:    m.shutdownAt,
		Resources:     names,
	}
}
