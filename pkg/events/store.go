package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/contract-ledger/broker/pkg/db"
)

// Store provides database operations for outbox events.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore creates a new Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// AutoMigrate creates or updates the events table.
func (s *Store) AutoMigrate() error {
	if err := s.db.AutoMigrate(&Event{}); err != nil {
		return fmt.Errorf("auto-migrate events: %w", err)
	}
	return nil
}

// ListFilter defines filters for listing events.
type ListFilter struct {
	Type  string
	State string
}

// EnqueueVerificationPublished queues the announcement of a recorded
// verification. Enqueuing the same verification twice returns the existing
// event.
func (s *Store) EnqueueVerificationPublished(ctx context.Context, p VerificationPublished) (*Event, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode verification event: %w", err)
	}
	return s.Enqueue(ctx, TypeVerificationPublished, p.Key(), string(payload))
}

// Enqueue inserts a queued event unless one with the same idempotency key
// already exists, in which case that one is returned. Safe for concurrent
// use.
func (s *Store) Enqueue(ctx context.Context, eventType, key, payload string) (*Event, error) {
	if key == "" {
		return nil, fmt.Errorf("idempotency key is required")
	}
	event := &Event{
		ID:             uuid.New().String(),
		Type:           eventType,
		IdempotencyKey: key,
		Payload:        payload,
		State:          StateQueued,
		CreatedAt:      s.now(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "idempotency_key"}}, DoNothing: true}).
		Create(event).Error
	if err != nil {
		return nil, fmt.Errorf("enqueue event: %w", err)
	}

	var stored Event
	if err := s.db.WithContext(ctx).First(&stored, "idempotency_key = ?", key).Error; err != nil {
		return nil, fmt.Errorf("reload event: %w", err)
	}
	return &stored, nil
}

// Claim atomically picks the oldest queued event and marks it delivering.
// PostgreSQL and MySQL lock the row with SKIP LOCKED so concurrent
// dispatchers in other processes pass over it. Returns nil if no events are
// queued.
func (s *Store) Claim(ctx context.Context, maxRetries int) (*Event, error) {
	var event Event
	claimed := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("state = ? AND attempt_count < ?", StateQueued, maxRetries).
			Order("created_at ASC").
			Limit(1)
		switch tx.Dialector.Name() {
		case db.TypePostgres, db.TypeMySQL:
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		var found []Event
		if err := q.Find(&found).Error; err != nil {
			return err
		}
		if len(found) == 0 {
			return nil
		}
		event = found[0]

		res := tx.Model(&Event{}).
			Where("id = ? AND state = ?", event.ID, StateQueued).
			Updates(map[string]any{
				"state":         StateDelivering,
				"started_at":    s.now(),
				"attempt_count": gorm.Expr("attempt_count + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		claimed = res.RowsAffected == 1
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim event: %w", err)
	}
	if !claimed {
		return nil, nil
	}

	if err := s.db.WithContext(ctx).First(&event, "id = ?", event.ID).Error; err != nil {
		return nil, fmt.Errorf("reload claimed event: %w", err)
	}
	return &event, nil
}

// Complete marks an event as delivered.
func (s *Store) Complete(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Model(&Event{}).Where("id = ?", id).Updates(map[string]any{
		"state":       StateDelivered,
		"finished_at": s.now(),
		"last_error":  "",
	}).Error
	if err != nil {
		return fmt.Errorf("complete event: %w", err)
	}
	return nil
}

// Fail records a delivery error. The event is queued again while it has
// attempts left and marked failed otherwise.
func (s *Store) Fail(ctx context.Context, id string, errMsg string, maxRetries int) error {
	var event Event
	if err := s.db.WithContext(ctx).First(&event, "id = ?", id).Error; err != nil {
		return fmt.Errorf("load event for fail: %w", err)
	}

	updates := map[string]any{"last_error": errMsg}
	if event.AttemptCount < maxRetries {
		updates["state"] = StateQueued
		updates["started_at"] = nil
	} else {
		updates["state"] = StateFailed
		updates["finished_at"] = s.now()
	}

	if err := s.db.WithContext(ctx).Model(&Event{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fmt.Errorf("fail event: %w", err)
	}
	return nil
}

// Get retrieves an event by ID. Returns nil, nil if it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*Event, error) {
	var event Event
	if err := s.db.WithContext(ctx).First(&event, "id = ?", id).Error; err != nil {
		if db.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get event: %w", err)
	}
	return &event, nil
}

// List returns events matching filter, newest first, with a page token for
// the next page.
func (s *Store) List(ctx context.Context, filter ListFilter, pageSize int, pageToken string) ([]Event, string, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	query := s.db.WithContext(ctx).Model(&Event{})
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}
	if filter.State != "" {
		query = query.Where("state = ?", filter.State)
	}
	if pageToken != "" {
		t, err := time.Parse(time.RFC3339Nano, pageToken)
		if err != nil {
			return nil, "", fmt.Errorf("invalid page token: %w", err)
		}
		query = query.Where("created_at < ?", t)
	}

	var records []Event
	if err := query.Order("created_at DESC").Limit(pageSize + 1).Find(&records).Error; err != nil {
		return nil, "", fmt.Errorf("list events: %w", err)
	}

	var nextToken string
	if len(records) > pageSize {
		nextToken = records[pageSize-1].CreatedAt.Format(time.RFC3339Nano)
		records = records[:pageSize]
	}
	return records, nextToken, nil
}

// RequeueStuck moves events that have been delivering longer than
// claimTimeout back to queued.
func (s *Store) RequeueStuck(ctx context.Context, claimTimeout time.Duration) (int64, error) {
	cutoff := s.now().Add(-claimTimeout)
	res := s.db.WithContext(ctx).Model(&Event{}).
		Where("state = ? AND started_at < ?", StateDelivering, cutoff).
		Updates(map[string]any{
			"state":      StateQueued,
			"started_at": nil,
			"last_error": "delivery timed out",
		})
	if res.Error != nil {
		return 0, fmt.Errorf("requeue stuck events: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// DeleteOlderThan removes terminal events finished before cutoff.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("state IN ? AND finished_at < ?", []State{StateDelivered, StateFailed}, cutoff).
		Delete(&Event{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete old events: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Retry queues a failed event again with a fresh attempt budget.
func (s *Store) Retry(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&Event{}).
		Where("id = ? AND state = ?", id, StateFailed).
		Updates(map[string]any{
			"state":         StateQueued,
			"attempt_count": 0,
			"started_at":    nil,
			"finished_at":   nil,
		})
	if res.Error != nil {
		return fmt.Errorf("retry event: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		event, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if event == nil {
			return fmt.Errorf("event not found: %s", id)
		}
		return fmt.Errorf("event %s is in state %s, only failed events can be retried", id, event.State)
	}
	return nil
}
