// Package ha provides primitives for running several broker replicas against
// one database. Schema migration is serialized with a database lock so two
// replicas starting together never run AutoMigrate concurrently.
package ha

import (
	"os"
	"time"
)

// Config holds configuration for multi-replica operation.
type Config struct {
	// MigrationLockEnabled controls whether migrations run under the lock.
	MigrationLockEnabled bool

	// Identity is recorded as the holder of the table-based lock.
	// Defaults to the hostname.
	Identity string

	// AcquireTimeout bounds how long a replica waits for the table-based
	// lock before giving up.
	AcquireTimeout time.Duration

	// StaleLockAge is the age after which a table-based lock left behind by
	// a crashed replica is discarded.
	StaleLockAge time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MigrationLockEnabled: true,
		Identity:             defaultIdentity(),
		AcquireTimeout:       30 * time.Second,
		StaleLockAge:         5 * time.Minute,
	}
}

func defaultIdentity() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "unknown"
	}
	return hostname
}
