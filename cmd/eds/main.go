// Package main implements the eds server binary: the distribution ledger
// with its HTTP and gRPC APIs and the snapshot daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/arkilian/eds/internal/app"
	"github.com/arkilian/eds/internal/config"
	"github.com/arkilian/eds/internal/snapshot"
	"github.com/arkilian/eds/pkg/types"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		dataDir     string
		operator    string
		httpAddr    string
		grpcAddr    string
		restore     bool
		showVersion bool
		showHelp    bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	flag.StringVar(&operator, "operator", "", "Operator account owning the bootstrap code index and distributor")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP listen address")
	flag.StringVar(&grpcAddr, "grpc-addr", "", "gRPC listen address")
	flag.BoolVar(&restore, "restore", false, "Replace the ledger with the newest snapshot before starting")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "eds - distribution and upgrade ledger\n\n")
		fmt.Fprintf(os.Stderr, "Usage: eds [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  eds --data-dir /data/eds\n")
		fmt.Fprintf(os.Stderr, "  eds --config /etc/eds/config.yaml\n")
		fmt.Fprintf(os.Stderr, "  eds --config /etc/eds/config.yaml --restore\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  EDS_DATA_DIR       Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  EDS_OPERATOR       Operator address\n")
		fmt.Fprintf(os.Stderr, "  EDS_HTTP_ADDR      HTTP listen address\n")
		fmt.Fprintf(os.Stderr, "  EDS_GRPC_ADDR      gRPC listen address\n")
		fmt.Fprintf(os.Stderr, "  EDS_STORAGE_TYPE   Snapshot storage type (local, s3)\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}
	if showVersion {
		fmt.Printf("eds version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := loadConfig(configFile, dataDir, operator, httpAddr, grpcAddr)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	printBanner(cfg)

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if restore {
		if err := restoreLedger(ctx, cfg); err != nil {
			log.Fatalf("Failed to restore snapshot: %v", err)
		}
	}

	if err := application.Start(ctx); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	if err := application.WaitForShutdown(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
		os.Exit(1)
	}
}

// loadConfig layers defaults or the file, the environment and flags.
func loadConfig(configFile, dataDir, operator, httpAddr, grpcAddr string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	if err := config.LoadFromEnv(cfg); err != nil {
		return nil, err
	}

	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if operator != "" {
		addr, err := types.ParseAddress(operator)
		if err != nil {
			return nil, fmt.Errorf("invalid -operator: %w", err)
		}
		cfg.Operator = addr
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}
	if grpcAddr != "" {
		cfg.GRPC.Addr = grpcAddr
	}
	return cfg, nil
}

func restoreLedger(ctx context.Context, cfg *config.Config) error {
	store, err := app.OpenStorage(ctx, cfg)
	if err != nil {
		return err
	}
	info, key, err := snapshot.Restore(ctx, store, cfg.Snapshot.Prefix, cfg.LedgerPath())
	if err != nil {
		return err
	}
	log.Printf("Restored %s: head=%d code=%d", key, info.Head, info.CodeCount)
	return nil
}

func printBanner(cfg *config.Config) {
	log.Printf("EDS %s (%s)", version, commit)
	log.Printf("Configuration:")
	log.Printf("  Data Dir: %s", cfg.DataDir)
	log.Printf("  Operator: %s", cfg.Operator)
	log.Printf("  HTTP:     %s", cfg.HTTP.Addr)
	if cfg.GRPC.Enabled {
		log.Printf("  gRPC:     %s", cfg.GRPC.Addr)
	}
	if cfg.Snapshot.Enabled {
		log.Printf("  Snapshots: every %v to %s storage, keep %d", cfg.Snapshot.Interval, cfg.Storage.Type, cfg.Snapshot.Retain)
	}
	log.Printf("")
}
