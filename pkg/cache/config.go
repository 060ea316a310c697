package cache

import "time"

// CacheConfig controls one of the broker caches.
type CacheConfig struct {
	// Enabled turns the cache on. When false every lookup hits the database.
	Enabled bool

	// TTL bounds how long a renamed pacticipant can still resolve under its
	// old name, in lookups or in cached URLs.
	TTL time.Duration

	// MaxSize is the maximum number of cached entries.
	MaxSize int
}

// DefaultCacheConfig returns the default cache configuration.
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		Enabled: true,
		TTL:     30 * time.Second,
		MaxSize: 1000,
	}
}
