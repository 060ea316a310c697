// Package events is an outbox for broker events. Recording a verification
// enqueues a row here; a dispatcher claims rows and hands them to a
// Notifier, retrying failures, so the webhook seam never slows the write
// path.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// TypeVerificationPublished is emitted after a verification is recorded.
const TypeVerificationPublished = "verification_published"

// State is the delivery state of an event.
type State string

const (
	StateQueued     State = "queued"
	StateDelivering State = "delivering"
	StateDelivered  State = "delivered"
	StateFailed     State = "failed"
)

// Event is the GORM model for an outbox row.
type Event struct {
	ID             string     `gorm:"primaryKey;column:id;type:varchar(36)"`
	Type           string     `gorm:"column:type;size:64;index:idx_event_type;not null"`
	IdempotencyKey string     `gorm:"column:idempotency_key;size:128;uniqueIndex:idx_event_idemp_key;not null"`
	Payload        string     `gorm:"column:payload;type:text;not null"`
	State          State      `gorm:"column:state;size:16;index:idx_event_state;not null;default:queued"`
	CreatedAt      time.Time  `gorm:"column:created_at;index:idx_event_created;not null"`
	StartedAt      *time.Time `gorm:"column:started_at"`
	FinishedAt     *time.Time `gorm:"column:finished_at"`
	AttemptCount   int        `gorm:"column:attempt_count;default:0"`
	LastError      string     `gorm:"column:last_error;type:text"`
}

// TableName returns the GORM table name.
func (Event) TableName() string { return "broker_events" }

// IsTerminal returns true if the event will not be delivered again.
func (e *Event) IsTerminal() bool {
	return e.State == StateDelivered || e.State == StateFailed
}

// VerificationPublished is the payload of TypeVerificationPublished.
type VerificationPublished struct {
	VerificationNumber int64     `json:"verificationNumber"`
	Consumer           string    `json:"consumer"`
	Provider           string    `json:"provider"`
	ProviderVersion    string    `json:"providerVersion"`
	PactSHA            string    `json:"pactSha"`
	Success            bool      `json:"success"`
	ExecutionDate      time.Time `json:"executionDate"`
	BuildURL           string    `json:"buildUrl,omitempty"`
}

// Key returns the idempotency key of the event announcing this verification.
func (p VerificationPublished) Key() string {
	return fmt.Sprintf("%s:%d", TypeVerificationPublished, p.VerificationNumber)
}

// DecodeVerificationPublished reads the payload of a verification event.
func DecodeVerificationPublished(e *Event) (*VerificationPublished, error) {
	if e.Type != TypeVerificationPublished {
		return nil, fmt.Errorf("event %s has type %q", e.ID, e.Type)
	}
	var p VerificationPublished
	if err := json.Unmarshal([]byte(e.Payload), &p); err != nil {
		return nil, fmt.Errorf("decode event %s: %w", e.ID, err)
	}
	return &p, nil
}
