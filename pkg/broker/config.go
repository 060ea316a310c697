package broker

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/contract-ledger/broker/pkg/cache"
	"github.com/contract-ledger/broker/pkg/db"
	"github.com/contract-ledger/broker/pkg/events"
	"github.com/contract-ledger/broker/pkg/ha"
	"github.com/contract-ledger/broker/pkg/matrix"
)

// EnvPrefix prefixes every environment variable the broker reads, e.g.
// BROKER_DATABASE_DSN for database.dsn.
const EnvPrefix = "BROKER"

// Config is the complete broker server configuration.
type Config struct {
	Listen            string
	Database          *db.Config
	HA                *ha.Config
	Events            *events.Config
	PacticipantCache  *cache.CacheConfig
	ResponseCache     *cache.CacheConfig
	MatrixConcurrency int
	CORSOrigins       []string
	ShutdownTimeout   time.Duration
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() *Config {
	return &Config{
		Listen:            ":9292",
		Database:          db.DefaultConfig(),
		HA:                ha.DefaultConfig(),
		Events:            events.DefaultConfig(),
		PacticipantCache:  cache.DefaultCacheConfig(),
		ResponseCache:     &cache.CacheConfig{Enabled: true, TTL: 5 * time.Minute, MaxSize: 5000},
		MatrixConcurrency: matrix.DefaultConcurrency,
		CORSOrigins:       []string{"https://*", "http://*"},
		ShutdownTimeout:   30 * time.Second,
	}
}

// flagKeys maps command-line flags to configuration keys.
var flagKeys = map[string]string{
	"listen":             "listen",
	"db-type":            "database.type",
	"db-dsn":             "database.dsn",
	"migration-lock":     "migration.lock",
	"events":             "events.enabled",
	"matrix-concurrency": "matrix.concurrency",
}

// RegisterFlags adds the server flags to fs. The --config flag names an
// optional YAML, JSON or TOML file.
func RegisterFlags(fs *pflag.FlagSet) {
	d := DefaultConfig()
	fs.String("config", "", "Path to a config file")
	fs.String("listen", d.Listen, "Address to listen on")
	fs.String("db-type", d.Database.Type, "Database type (sqlite, postgres or mysql)")
	fs.String("db-dsn", d.Database.DSN, "Database connection string")
	fs.Bool("migration-lock", d.HA.MigrationLockEnabled, "Serialize schema migration across replicas")
	fs.Bool("events", d.Events.Enabled, "Run the event dispatcher")
	fs.Int("matrix-concurrency", d.MatrixConcurrency, "Pair resolutions a matrix query runs in parallel")
}

// LoadConfig merges defaults, the optional config file, BROKER_* environment
// variables and flags, in increasing order of precedence. fs may be nil.
func LoadConfig(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for flag, key := range flagKeys {
			if f := fs.Lookup(flag); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", flag, err)
				}
			}
		}
		if f := fs.Lookup("config"); f != nil && f.Value.String() != "" {
			v.SetConfigFile(f.Value.String())
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("listen", d.Listen)
	v.SetDefault("shutdownTimeout", d.ShutdownTimeout)
	v.SetDefault("cors.origins", d.CORSOrigins)

	v.SetDefault("database.type", d.Database.Type)
	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("database.maxOpenConns", d.Database.MaxOpenConns)
	v.SetDefault("database.maxIdleConns", d.Database.MaxIdleConns)
	v.SetDefault("database.connMaxLifetime", d.Database.ConnMaxLifetime)
	v.SetDefault("database.logQueries", d.Database.LogQueries)

	v.SetDefault("migration.lock", d.HA.MigrationLockEnabled)
	v.SetDefault("migration.acquireTimeout", d.HA.AcquireTimeout)
	v.SetDefault("migration.staleLockAge", d.HA.StaleLockAge)

	v.SetDefault("events.enabled", d.Events.Enabled)
	v.SetDefault("events.concurrency", d.Events.Concurrency)
	v.SetDefault("events.maxRetries", d.Events.MaxRetries)
	v.SetDefault("events.pollInterval", d.Events.PollInterval)
	v.SetDefault("events.claimTimeout", d.Events.ClaimTimeout)
	v.SetDefault("events.retentionDays", d.Events.RetentionDays)

	v.SetDefault("cache.enabled", d.PacticipantCache.Enabled)
	v.SetDefault("cache.pacticipantTTL", d.PacticipantCache.TTL)
	v.SetDefault("cache.maxSize", d.PacticipantCache.MaxSize)
	v.SetDefault("cache.responses.enabled", d.ResponseCache.Enabled)
	v.SetDefault("cache.responses.ttl", d.ResponseCache.TTL)
	v.SetDefault("cache.responses.maxSize", d.ResponseCache.MaxSize)

	v.SetDefault("matrix.concurrency", d.MatrixConcurrency)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()
	cfg.Listen = v.GetString("listen")
	cfg.ShutdownTimeout = v.GetDuration("shutdownTimeout")
	cfg.CORSOrigins = v.GetStringSlice("cors.origins")

	cfg.Database.Type = v.GetString("database.type")
	cfg.Database.DSN = v.GetString("database.dsn")
	cfg.Database.MaxOpenConns = v.GetInt("database.maxOpenConns")
	cfg.Database.MaxIdleConns = v.GetInt("database.maxIdleConns")
	cfg.Database.ConnMaxLifetime = v.GetDuration("database.connMaxLifetime")
	cfg.Database.LogQueries = v.GetBool("database.logQueries")

	cfg.HA.MigrationLockEnabled = v.GetBool("migration.lock")
	cfg.HA.AcquireTimeout = v.GetDuration("migration.acquireTimeout")
	cfg.HA.StaleLockAge = v.GetDuration("migration.staleLockAge")

	cfg.Events.Enabled = v.GetBool("events.enabled")
	cfg.Events.Concurrency = v.GetInt("events.concurrency")
	cfg.Events.MaxRetries = v.GetInt("events.maxRetries")
	cfg.Events.PollInterval = v.GetDuration("events.pollInterval")
	cfg.Events.ClaimTimeout = v.GetDuration("events.claimTimeout")
	cfg.Events.RetentionDays = v.GetInt("events.retentionDays")

	cfg.PacticipantCache.Enabled = v.GetBool("cache.enabled")
	cfg.PacticipantCache.TTL = v.GetDuration("cache.pacticipantTTL")
	cfg.PacticipantCache.MaxSize = v.GetInt("cache.maxSize")
	cfg.ResponseCache.Enabled = v.GetBool("cache.responses.enabled")
	cfg.ResponseCache.TTL = v.GetDuration("cache.responses.ttl")
	cfg.ResponseCache.MaxSize = v.GetInt("cache.responses.maxSize")

	cfg.MatrixConcurrency = v.GetInt("matrix.concurrency")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports configuration values the server cannot run with.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	switch strings.ToLower(c.Database.Type) {
	case db.TypeSQLite, "sqlite3", db.TypePostgres, "postgresql", "pg", db.TypeMySQL:
	default:
		return fmt.Errorf("unsupported database type %q", c.Database.Type)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN is required")
	}
	if c.Events.Enabled && c.Events.Concurrency <= 0 {
		return fmt.Errorf("events.concurrency must be positive")
	}
	if c.Events.Enabled && c.Events.PollInterval <= 0 {
		return fmt.Errorf("events.pollInterval must be positive")
	}
	if c.MatrixConcurrency <= 0 {
		return fmt.Errorf("matrix.concurrency must be positive")
	}
	return nil
}
