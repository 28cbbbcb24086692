// Package server coordinates graceful shutdown of the node's listeners:
// in-flight HTTP and gRPC calls are drained before the ledger is closed.
package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ShutdownConfig holds configuration for the shutdown manager.
type ShutdownConfig struct {
	// ShutdownTimeout bounds the whole shutdown. Default: 30 seconds.
	ShutdownTimeout time.Duration
	// DrainTimeout bounds the wait for in-flight calls. Default: 15 seconds.
	DrainTimeout time.Duration
	Logger       *slog.Logger
}

// DefaultShutdownConfig returns the default shutdown configuration.
func DefaultShutdownConfig() ShutdownConfig {
	return ShutdownConfig{
		ShutdownTimeout: 30 * time.Second,
		DrainTimeout:    15 * time.Second,
	}
}

// ShutdownManager tracks in-flight calls and closes registered resources
// in reverse order once they have drained.
type ShutdownManager struct {
	shutdownTimeout time.Duration
	drainTimeout    time.Duration
	logger          *slog.Logger

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	inFlight     atomic.Int64
	shuttingDown atomic.Bool

	mu      sync.Mutex
	closers []namedCloser
}

type namedCloser struct {
	name string
	io.Closer
}

// NewShutdownManager creates a shutdown manager.
func NewShutdownManager(cfg ShutdownConfig) *ShutdownManager {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ShutdownManager{
		shutdownTimeout: cfg.ShutdownTimeout,
		drainTimeout:    cfg.DrainTimeout,
		logger:          cfg.Logger.With("component", "shutdown"),
		shutdownCh:      make(chan struct{}),
	}
}

// RegisterCloser adds a resource to close on shutdown. Closers run LIFO,
// so register the ledger before the listeners that use it.
func (sm *ShutdownManager) RegisterCloser(name string, c io.Closer) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.closers = append(sm.closers, namedCloser{name: name, Closer: c})
}

// ListenForSignals blocks until SIGTERM/SIGINT, ctx cancellation or a
// direct Shutdown call, then shuts down.
func (sm *ShutdownManager) ListenForSignals(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		return sm.Shutdown(context.Background(), fmt.Sprintf("received signal: %v", sig))
	case <-ctx.Done():
		return sm.Shutdown(context.Background(), "context cancelled")
	case <-sm.shutdownCh:
		return nil
	}
}

// Shutdown stops accepting calls, drains in-flight ones and closes every
// registered resource. Only the first call does any work.
func (sm *ShutdownManager) Shutdown(ctx context.Context, reason string) error {
	var shutdownErr error
	sm.shutdownOnce.Do(func() {
		sm.shuttingDown.Store(true)
		close(sm.shutdownCh)
		sm.logger.Info("shutting down", "reason", reason, "in_flight", sm.inFlight.Load())

		ctx, cancel := context.WithTimeout(ctx, sm.shutdownTimeout)
		defer cancel()

		if err := sm.drain(ctx); err != nil {
			shutdownErr = fmt.Errorf("drain failed: %w", err)
		}

		sm.mu.Lock()
		closers := sm.closers
		sm.mu.Unlock()
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				sm.logger.Error("close failed", "resource", closers[i].name, "error", err)
				if shutdownErr == nil {
					shutdownErr = fmt.Errorf("close %s: %w", closers[i].name, err)
				}
			}
		}
	})
	return shutdownErr
}

func (sm *ShutdownManager) drain(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, sm.drainTimeout)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if sm.inFlight.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			if n := sm.inFlight.Load(); n > 0 {
				return fmt.Errorf("timeout waiting for %d in-flight calls", n)
			}
			return nil
		case <-ticker.C:
		}
	}
}

// TrackRequest counts a call in. It returns false once shutdown started.
func (sm *ShutdownManager) TrackRequest() bool {
	if sm.shuttingDown.Load() {
		return false
	}
	sm.inFlight.Add(1)
	return true
}

// UntrackRequest counts a call out.
func (sm *ShutdownManager) UntrackRequest() {
	sm.inFlight.Add(-1)
}

// IsShuttingDown reports whether shutdown has begun.
func (sm *ShutdownManager) IsShuttingDown() bool {
	return sm.shuttingDown.Load()
}

// InFlightCount returns the number of tracked calls.
func (sm *ShutdownManager) InFlightCount() int64 {
	return sm.inFlight.Load()
}

// ShutdownCh is closed when shutdown begins.
func (sm *ShutdownManager) ShutdownCh() <-chan struct{} {
	return sm.shutdownCh
}

// ShutdownMiddleware tracks HTTP calls and answers 503 during shutdown.
func ShutdownMiddleware(sm *ShutdownManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !sm.TrackRequest() {
				w.Header().Set("Connection", "close")
				http.Error(w, "Service Unavailable - Shutting Down", http.StatusServiceUnavailable)
				return
			}
			defer sm.UntrackRequest()
			next.ServeHTTP(w, r)
		})
	}
}

// UnaryInterceptor tracks gRPC calls and fails them with Unavailable
// during shutdown.
func UnaryInterceptor(sm *ShutdownManager) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if !sm.TrackRequest() {
			return nil, status.Error(codes.Unavailable, "shutting down")
		}
		defer sm.UntrackRequest()
		return handler(ctx, req)
	}
}

// HTTPCloser shuts srv down gracefully within timeout.
func HTTPCloser(srv *http.Server, timeout time.Duration) io.Closer {
	return CloserFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return srv.Shutdown(ctx)
	})
}

// CloserFunc adapts a function to io.Closer.
type CloserFunc func() error

// Close calls f.
func (f CloserFunc) Close() error {
	return f()
}
