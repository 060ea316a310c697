package ha

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if !cfg.MigrationLockEnabled {
		t.Error("MigrationLockEnabled should be true by default")
	}
	if cfg.Identity == "" {
		t.Error("Identity should default to the hostname")
	}
	if cfg.AcquireTimeout != 30*time.Second {
		t.Errorf("AcquireTimeout = %v, want %v", cfg.AcquireTimeout, 30*time.Second)
	}
	if cfg.StaleLockAge != 5*time.Minute {
		t.Errorf("StaleLockAge = %v, want %v", cfg.StaleLockAge, 5*time.Minute)
	}
}
