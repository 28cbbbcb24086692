// Package config provides the configuration for the EDS server and CLI.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/arkilian/eds/pkg/types"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "EDS_"

// DefaultOperator is the account that owns the bootstrap code index and
// distributor when no operator is configured.
var DefaultOperator = types.BytesToAddress([]byte{0x01})

// Config holds the configuration for the EDS services.
type Config struct {
	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Operator owns the code index and distributor created on first start.
	Operator types.Address `json:"operator" yaml:"operator"`

	// LogLevel is one of debug, info, warn, error
	LogLevel string `json:"log_level" yaml:"log_level"`

	// HTTP configuration
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// gRPC configuration
	GRPC GRPCConfig `json:"grpc" yaml:"grpc"`

	// Snapshot configuration
	Snapshot SnapshotConfig `json:"snapshot" yaml:"snapshot"`

	// Storage configuration
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Filter sizes the distributor's component membership filter
	Filter FilterConfig `json:"filter" yaml:"filter"`

	// Events configuration
	Events EventsConfig `json:"events" yaml:"events"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Addr is the HTTP listen address
	Addr string `json:"addr" yaml:"addr"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// GRPCConfig holds gRPC server configuration.
type GRPCConfig struct {
	// Addr is the gRPC server address
	Addr string `json:"addr" yaml:"addr"`

	// Enabled controls whether gRPC is enabled
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// SnapshotConfig controls periodic ledger snapshots.
type SnapshotConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Interval between snapshot checks. A snapshot is only taken when
	// events were committed since the previous one.
	Interval time.Duration `json:"interval" yaml:"interval"`

	// Retain is the number of snapshots kept in storage
	Retain int `json:"retain" yaml:"retain"`

	// Prefix is the object key prefix
	Prefix string `json:"prefix" yaml:"prefix"`

	// WorkDir stages snapshot files before upload
	WorkDir string `json:"work_dir" yaml:"work_dir"`
}

// StorageConfig holds storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// UsePathStyle is required by MinIO and LocalStack
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`
}

// FilterConfig sizes the bloom filter.
type FilterConfig struct {
	Capacity int     `json:"capacity" yaml:"capacity"`
	FPR      float64 `json:"fpr" yaml:"fpr"`
}

// EventsConfig holds event fan-out configuration.
type EventsConfig struct {
	// BufferSize is the per-subscriber channel size for the event stream
	BufferSize int `json:"buffer_size" yaml:"buffer_size"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir:  "./data/eds",
		Operator: DefaultOperator,
		LogLevel: "info",
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		GRPC: GRPCConfig{
			Addr:    ":9090",
			Enabled: true,
		},
		Snapshot: SnapshotConfig{
			Enabled:  true,
			Interval: 15 * time.Minute,
			Retain:   24,
			Prefix:   "snapshots",
		},
		Storage: StorageConfig{
			Type: "local",
		},
		Filter: FilterConfig{
			Capacity: 10000,
			FPR:      0.01,
		},
		Events: EventsConfig{
			BufferSize: 256,
		},
	}
}

// Resolve fills paths derived from DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/eds"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "storage")
	}
	if c.Snapshot.WorkDir == "" {
		c.Snapshot.WorkDir = filepath.Join(c.DataDir, "snapshots")
	}
}

// LedgerPath returns the path to the ledger database.
func (c *Config) LedgerPath() string {
	return filepath.Join(c.DataDir, "ledger.db")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Operator.IsZero() {
		return fmt.Errorf("operator must be a non-zero address")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	if c.GRPC.Enabled && c.GRPC.Addr == "" {
		return fmt.Errorf("grpc.addr is required when grpc is enabled")
	}

	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}
	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	if c.Snapshot.Enabled {
		if c.Snapshot.Interval < time.Second {
			return fmt.Errorf("snapshot.interval must be at least 1s, got %s", c.Snapshot.Interval)
		}
		if c.Snapshot.Retain < 1 {
			return fmt.Errorf("snapshot.retain must be positive, got %d", c.Snapshot.Retain)
		}
	}

	if c.Filter.Capacity <= 0 {
		return fmt.Errorf("filter.capacity must be positive, got %d", c.Filter.Capacity)
	}
	if c.Filter.FPR <= 0 || c.Filter.FPR >= 1 {
		return fmt.Errorf("filter.fpr must be in (0, 1), got %g", c.Filter.FPR)
	}
	return nil
}

// ParseLogLevel maps a level name to its slog level.
func ParseLogLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log_level %q", s)
	}
	return lvl, nil
}

// LoadFromFile loads configuration from a YAML or JSON file on top of the
// defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv applies EDS_* environment overrides. Malformed values are
// reported rather than ignored.
func LoadFromEnv(cfg *Config) error {
	env := func(key string) (string, bool) {
		v := os.Getenv(EnvPrefix + key)
		return v, v != ""
	}

	if v, ok := env("DATA_DIR"); ok {
		cfg.DataDir = v
	}
	if v, ok := env("OPERATOR"); ok {
		addr, err := types.ParseAddress(v)
		if err != nil {
			return fmt.Errorf("%sOPERATOR: %w", EnvPrefix, err)
		}
		cfg.Operator = addr
	}
	if v, ok := env("LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}

	// HTTP configuration
	if v, ok := env("HTTP_ADDR"); ok {
		cfg.HTTP.Addr = v
	}
	if err := envDuration(env, "HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout); err != nil {
		return err
	}
	if err := envDuration(env, "HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout); err != nil {
		return err
	}

	// gRPC configuration
	if v, ok := env("GRPC_ADDR"); ok {
		cfg.GRPC.Addr = v
	}
	if v, ok := env("GRPC_ENABLED"); ok {
		cfg.GRPC.Enabled = v == "true" || v == "1"
	}

	// Snapshot configuration
	if v, ok := env("SNAPSHOT_ENABLED"); ok {
		cfg.Snapshot.Enabled = v == "true" || v == "1"
	}
	if err := envDuration(env, "SNAPSHOT_INTERVAL", &cfg.Snapshot.Interval); err != nil {
		return err
	}
	if v, ok := env("SNAPSHOT_RETAIN"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sSNAPSHOT_RETAIN: %w", EnvPrefix, err)
		}
		cfg.Snapshot.Retain = n
	}

	// Storage configuration
	if v, ok := env("STORAGE_TYPE"); ok {
		cfg.Storage.Type = v
	}
	if v, ok := env("STORAGE_PATH"); ok {
		cfg.Storage.Path = v
	}
	if v, ok := env("S3_BUCKET"); ok {
		cfg.Storage.S3.Bucket = v
	}
	if v, ok := env("S3_REGION"); ok {
		cfg.Storage.S3.Region = v
	}
	if v, ok := env("S3_ENDPOINT"); ok {
		cfg.Storage.S3.Endpoint = v
	}
	if v, ok := env("S3_USE_PATH_STYLE"); ok {
		cfg.Storage.S3.UsePathStyle = v == "true" || v == "1"
	}

	// Filter configuration
	if v, ok := env("FILTER_CAPACITY"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sFILTER_CAPACITY: %w", EnvPrefix, err)
		}
		cfg.Filter.Capacity = n
	}
	if v, ok := env("FILTER_FPR"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%sFILTER_FPR: %w", EnvPrefix, err)
		}
		cfg.Filter.FPR = f
	}
	return nil
}

func envDuration(env func(string) (string, bool), key string, dst *time.Duration) error {
	v, ok := env(key)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	*dst = d
	return nil
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir, c.Snapshot.WorkDir}
	if c.Storage.Type == "local" {
		dirs = append(dirs, c.Storage.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
