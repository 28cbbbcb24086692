package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arkilian/eds/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resolve()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, filepath.Join("data", "eds", "ledger.db"), filepath.Clean(cfg.LedgerPath()))
	assert.Equal(t, filepath.Join(cfg.DataDir, "storage"), cfg.Storage.Path)
	assert.Equal(t, filepath.Join(cfg.DataDir, "snapshots"), cfg.Snapshot.WorkDir)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing data dir", func(c *Config) { c.DataDir = "" }},
		{"zero operator", func(c *Config) { c.Operator = types.Address{} }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
		{"bad storage", func(c *Config) { c.Storage.Type = "gcs" }},
		{"s3 without bucket", func(c *Config) { c.Storage.Type = "s3" }},
		{"tiny snapshot interval", func(c *Config) { c.Snapshot.Interval = time.Millisecond }},
		{"no retention", func(c *Config) { c.Snapshot.Retain = 0 }},
		{"grpc without addr", func(c *Config) { c.GRPC.Addr = "" }},
		{"filter fpr", func(c *Config) { c.Filter.FPR = 1 }},
		{"filter capacity", func(c *Config) { c.Filter.Capacity = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	t.Run("snapshot checks skipped when disabled", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Snapshot.Enabled = false
		cfg.Snapshot.Retain = 0
		assert.NoError(t, cfg.Validate())
	})
}

func TestLoadFromFileYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eds.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /var/lib/eds
operator: "0x00000000000000000000000000000000000000aa"
http:
  addr: ":9000"
  read_timeout: 5s
snapshot:
  interval: 1m
storage:
  type: s3
  s3:
    bucket: eds-snapshots
    use_path_style: true
`), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/eds", cfg.DataDir)
	assert.Equal(t, types.MustParseAddress("0x00000000000000000000000000000000000000aa"), cfg.Operator)
	assert.Equal(t, ":9000", cfg.HTTP.Addr)
	assert.Equal(t, 5*time.Second, cfg.HTTP.ReadTimeout)
	assert.Equal(t, 60*time.Second, cfg.HTTP.WriteTimeout, "unset keys keep defaults")
	assert.Equal(t, time.Minute, cfg.Snapshot.Interval)
	assert.Equal(t, "eds-snapshots", cfg.Storage.S3.Bucket)
	assert.True(t, cfg.Storage.S3.UsePathStyle)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromFileRejectsUnknownFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eds.toml")
	require.NoError(t, os.WriteFile(path, []byte(`x = 1`), 0644))
	_, err := LoadFromFile(path)
	assert.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("EDS_DATA_DIR", "/tmp/eds")
	t.Setenv("EDS_OPERATOR", "0x00000000000000000000000000000000000000bb")
	t.Setenv("EDS_GRPC_ENABLED", "false")
	t.Setenv("EDS_SNAPSHOT_INTERVAL", "2m")
	t.Setenv("EDS_SNAPSHOT_RETAIN", "3")
	t.Setenv("EDS_FILTER_FPR", "0.001")

	cfg := DefaultConfig()
	require.NoError(t, LoadFromEnv(cfg))
	assert.Equal(t, "/tmp/eds", cfg.DataDir)
	assert.Equal(t, types.MustParseAddress("0x00000000000000000000000000000000000000bb"), cfg.Operator)
	assert.False(t, cfg.GRPC.Enabled)
	assert.Equal(t, 2*time.Minute, cfg.Snapshot.Interval)
	assert.Equal(t, 3, cfg.Snapshot.Retain)
	assert.InDelta(t, 0.001, cfg.Filter.FPR, 1e-12)
}

func TestLoadFromEnvReportsMalformedValues(t *testing.T) {
	for key, val := range map[string]string{
		"EDS_OPERATOR":          "nope",
		"EDS_SNAPSHOT_INTERVAL": "soon",
		"EDS_SNAPSHOT_RETAIN":   "many",
		"EDS_FILTER_CAPACITY":   "big",
	} {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			assert.Error(t, LoadFromEnv(DefaultConfig()))
		})
	}
}

func TestEnsureDirectories(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = filepath.Join(t.TempDir(), "eds")
	cfg.Resolve()
	require.NoError(t, cfg.EnsureDirectories())
	for _, dir := range []string{cfg.DataDir, cfg.Storage.Path, cfg.Snapshot.WorkDir} {
		st, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, st.IsDir())
	}
}
