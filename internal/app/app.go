// Package app wires the node, its HTTP and gRPC surfaces and the snapshot
// daemon into one process lifecycle.
package app

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	grpcapi "github.com/arkilian/eds/internal/api/grpc"
	httpapi "github.com/arkilian/eds/internal/api/http"
	"github.com/arkilian/eds/internal/config"
	"github.com/arkilian/eds/internal/events"
	"github.com/arkilian/eds/internal/node"
	"github.com/arkilian/eds/internal/server"
	"github.com/arkilian/eds/internal/snapshot"
	"github.com/arkilian/eds/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/grpc"
)

// App manages the EDS service lifecycle.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	node     *node.Node
	notifier *events.Notifier
	registry *prometheus.Registry
	storage  storage.ObjectStorage
	shutdown *server.ShutdownManager

	httpServer    *http.Server
	grpcServer    *grpc.Server
	grpcListener  net.Listener
	snapshotter   *snapshot.Daemon

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New validates cfg and prepares its directories.
func New(cfg *config.Config) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return &App{cfg: cfg, logger: logger}, nil
}

// Logger returns the process logger.
func (a *App) Logger() *slog.Logger {
	return a.logger
}

// OpenStorage builds the object store cfg names.
func OpenStorage(ctx context.Context, cfg *config.Config) (storage.ObjectStorage, error) {
	switch cfg.Storage.Type {
	case "local":
		return storage.NewLocalStorage(cfg.Storage.Path)
	case "s3":
		s3Cfg := storage.DefaultS3Config()
		if cfg.Storage.S3.Region != "" {
			s3Cfg.Region = cfg.Storage.S3.Region
		}
		s3Cfg.Endpoint = cfg.Storage.S3.Endpoint
		s3Cfg.UsePathStyle = cfg.Storage.S3.UsePathStyle
		return storage.NewS3Storage(ctx, cfg.Storage.S3.Bucket, s3Cfg)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}
}

// Start opens the ledger, bootstraps the node and starts every configured
// service.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.initNode(ctx); err != nil {
		a.cleanup()
		return fmt.Errorf("failed to initialize node: %w", err)
	}
	if a.cfg.Snapshot.Enabled {
		if err := a.startSnapshots(ctx); err != nil {
			a.cleanup()
			return fmt.Errorf("failed to start snapshots: %w", err)
		}
	}
	if err := a.startHTTP(); err != nil {
		a.cleanup()
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if a.cfg.GRPC.Enabled {
		if err := a.startGRPC(); err != nil {
			a.cleanup()
			return fmt.Errorf("failed to start gRPC server: %w", err)
		}
	}

	log.Printf("EDS started: operator=%s data_dir=%s", a.cfg.Operator, a.cfg.DataDir)
	return nil
}

func (a *App) initNode(ctx context.Context) error {
	a.notifier = events.NewNotifier(a.cfg.Events.BufferSize)
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.shutdown = server.NewShutdownManager(server.ShutdownConfig{Logger: a.logger})

	n, err := node.Open(a.cfg.LedgerPath(), node.Options{
		Operator:       a.cfg.Operator,
		Metrics:        a.registry,
		Notifier:       a.notifier,
		Logger:         a.logger,
		FilterCapacity: a.cfg.Filter.Capacity,
		FilterFPR:      a.cfg.Filter.FPR,
	})
	if err != nil {
		return err
	}
	a.node = n
	a.shutdown.RegisterCloser("ledger", n)
	log.Printf("Ledger opened: %s", a.cfg.LedgerPath())

	index, home, err := n.Bootstrap(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap failed: %w", err)
	}
	log.Printf("Node bootstrapped: code_index=%s distributor=%s", index, home)
	return nil
}

func (a *App) startSnapshots(ctx context.Context) error {
	store, err := OpenStorage(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.storage = store
	log.Printf("Storage initialized: type=%s", a.cfg.Storage.Type)
	if a.cfg.Storage.Type == "s3" {
		log.Printf("S3 Config: Bucket=%s, Region=%s, Endpoint=%s",
			a.cfg.Storage.S3.Bucket, a.cfg.Storage.S3.Region, a.cfg.Storage.S3.Endpoint)
	}

	a.snapshotter = snapshot.NewDaemon(snapshot.Config{
		Interval: a.cfg.Snapshot.Interval,
		Retain:   a.cfg.Snapshot.Retain,
		Prefix:   a.cfg.Snapshot.Prefix,
		WorkDir:  a.cfg.Snapshot.WorkDir,
	}, a.node.Ledger(), store)
	if err := a.snapshotter.Start(ctx); err != nil {
		return err
	}
	a.shutdown.RegisterCloser("snapshots", server.CloserFunc(a.snapshotter.Stop))
	log.Printf("Snapshot daemon started: interval=%s retain=%d", a.cfg.Snapshot.Interval, a.cfg.Snapshot.Retain)
	return nil
}

func (a *App) startHTTP() error {
	router := httpapi.NewRouter(a.node, httpapi.Options{
		Gatherer: a.registry,
		Notifier: a.notifier,
		Logger:   a.logger,
	})
	a.httpServer = &http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      server.ShutdownMiddleware(a.shutdown)(router),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}
	lis, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on HTTP address: %w", err)
	}
	a.shutdown.RegisterCloser("http", server.HTTPCloser(a.httpServer, 10*time.Second))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		log.Printf("HTTP server listening on %s", a.cfg.HTTP.Addr)
		if err := a.httpServer.Serve(lis); err != nil && err != http.ErrServerClosed {
			log.Printf("HTTP server error: %v", err)
		}
	}()
	return nil
}

func (a *App) startGRPC() error {
	a.grpcServer = grpc.NewServer(grpc.UnaryInterceptor(server.UnaryInterceptor(a.shutdown)))
	grpcapi.Register(a.grpcServer, grpcapi.NewServer(a.node, a.logger))

	var err error
	a.grpcListener, err = net.Listen("tcp", a.cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on gRPC address: %w", err)
	}
	a.shutdown.RegisterCloser("grpc", server.CloserFunc(func() error {
		a.grpcServer.GracefulStop()
		return nil
	}))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		log.Printf("gRPC server listening on %s", a.cfg.GRPC.Addr)
		if err := a.grpcServer.Serve(a.grpcListener); err != nil {
			log.Printf("gRPC server error: %v", err)
		}
	}()
	return nil
}

// Stop drains in-flight calls, stops every service and closes the ledger.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	log.Printf("Initiating graceful shutdown...")
	if a.cancel != nil {
		a.cancel()
	}

	err := a.shutdown.Shutdown(ctx, "stop requested")

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Printf("Shutdown timeout, some goroutines may not have finished")
	}

	log.Printf("EDS stopped")
	return err
}

// cleanup releases what a failed Start opened.
func (a *App) cleanup() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.shutdown != nil {
		if err := a.shutdown.Shutdown(context.Background(), "start failed"); err != nil {
			log.Printf("Cleanup error: %v", err)
		}
	} else if a.node != nil {
		a.node.Close()
	}
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
}

// WaitForShutdown blocks until a signal arrives, then shuts down.
func (a *App) WaitForShutdown(ctx context.Context) error {
	if err := a.shutdown.ListenForSignals(ctx); err != nil {
		return err
	}
	return a.Stop(context.Background())
}
