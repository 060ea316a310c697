package broker

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlagSet(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("broker", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(nil)
	require.NoError(t, err)

	d := DefaultConfig()
	assert.Equal(t, d.Listen, cfg.Listen)
	assert.Equal(t, d.Database.Type, cfg.Database.Type)
	assert.Equal(t, d.Events.MaxRetries, cfg.Events.MaxRetries)
	assert.Equal(t, d.MatrixConcurrency, cfg.MatrixConcurrency)
	assert.Equal(t, d.PacticipantCache.TTL, cfg.PacticipantCache.TTL)
}

func TestLoadConfigPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":7000"
database:
  dsn: "file.db"
events:
  maxRetries: 9
  pollInterval: 10s
matrix:
  concurrency: 2
`), 0o600))

	t.Setenv("BROKER_EVENTS_MAXRETRIES", "5")

	cfg, err := LoadConfig(newFlagSet(t, "--config", path, "--listen", ":8000"))
	require.NoError(t, err)

	assert.Equal(t, ":8000", cfg.Listen, "flag beats file")
	assert.Equal(t, "file.db", cfg.Database.DSN)
	assert.Equal(t, 5, cfg.Events.MaxRetries, "env beats file")
	assert.Equal(t, 10*time.Second, cfg.Events.PollInterval)
	assert.Equal(t, 2, cfg.MatrixConcurrency)
}

func TestLoadConfigEnvOnly(t *testing.T) {
	t.Setenv("BROKER_DATABASE_TYPE", "postgres")
	t.Setenv("BROKER_DATABASE_DSN", "host=db user=broker")
	t.Setenv("BROKER_MIGRATION_LOCK", "false")

	cfg, err := LoadConfig(newFlagSet(t))
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Database.Type)
	assert.Equal(t, "host=db user=broker", cfg.Database.DSN)
	assert.False(t, cfg.HA.MigrationLockEnabled)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(newFlagSet(t, "--config", filepath.Join(t.TempDir(), "missing.yaml")))
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen", func(c *Config) { c.Listen = "" }},
		{"unknown database", func(c *Config) { c.Database.Type = "oracle" }},
		{"empty dsn", func(c *Config) { c.Database.DSN = "" }},
		{"no event workers", func(c *Config) { c.Events.Concurrency = 0 }},
		{"no matrix workers", func(c *Config) { c.MatrixConcurrency = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, DefaultConfig().Validate())
}
