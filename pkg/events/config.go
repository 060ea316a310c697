package events

import "time"

// Config controls the outbox dispatcher.
type Config struct {
	Enabled       bool          // Whether the dispatcher runs. Default true.
	Concurrency   int           // Max concurrent workers. Default 2.
	MaxRetries    int           // Max delivery attempts per event. Default 3.
	PollInterval  time.Duration // How often workers poll for events. Default 2s.
	ClaimTimeout  time.Duration // Max time an event can be "delivering" before considered stuck. Default 5m.
	RetentionDays int           // How long to keep delivered/failed events. Default 7.
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled:       true,
		Concurrency:   2,
		MaxRetries:    3,
		PollInterval:  2 * time.Second,
		ClaimTimeout:  5 * time.Minute,
		RetentionDays: 7,
	}
}
