package ledger

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/contract-ledger/broker/pkg/cache"
)

// Store provides the Version Ledger operations.
type Store struct {
	db           *gorm.DB
	pacticipants *cache.LRUCache[string, Pacticipant]
}

// Option configures a Store.
type Option func(*Store)

// WithPacticipantCache caches name lookups according to cfg.
func WithPacticipantCache(cfg *cache.CacheConfig) Option {
	return func(s *Store) {
		if cfg == nil || !cfg.Enabled {
			return
		}
		s.pacticipants = cache.NewLRUCache[string, Pacticipant](cfg.MaxSize, cfg.TTL)
	}
}

// NewStore creates a new ledger Store.
func NewStore(db *gorm.DB, opts ...Option) *Store {
	s := &Store{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB exposes the underlying handle for packages that join against ledger tables.
func (s *Store) DB() *gorm.DB { return s.db }

// AutoMigrate creates or updates the pacticipants, versions and tags tables.
func (s *Store) AutoMigrate() error {
	if err := s.db.AutoMigrate(&Pacticipant{}, &Version{}, &Tag{}); err != nil {
		return fmt.Errorf("auto-migrate ledger: %w", err)
	}
	return nil
}
