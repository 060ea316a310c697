package verifications

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/contract-ledger/broker/pkg/db"
)

const sequenceRowID = 1

// Sequence issues verification numbers from a counter row shared by every
// broker process. A number is handed out before its verification is stored,
// so an abandoned request leaves a gap; numbers are never issued twice.
type Sequence struct {
	db *gorm.DB
}

// NewSequence creates a Sequence.
func NewSequence(db *gorm.DB) *Sequence {
	return &Sequence{db: db}
}

// Init ensures the counter row exists and is not behind the highest stored
// verification number. Call after the verifications table is migrated.
func (s *Sequence) Init(ctx context.Context) error {
	var maxNumber int64
	err := s.db.WithContext(ctx).Model(&Verification{}).
		Select("COALESCE(MAX(number), 0)").
		Scan(&maxNumber).Error
	if err != nil {
		return fmt.Errorf("read max verification number: %w", err)
	}

	row := &sequenceRecord{ID: sequenceRowID, Value: maxNumber}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error; err != nil {
		return fmt.Errorf("seed verification sequence: %w", err)
	}

	err = s.db.WithContext(ctx).Model(&sequenceRecord{}).
		Where("id = ? AND value < ?", sequenceRowID, maxNumber).
		Update("value", maxNumber).Error
	if err != nil {
		return fmt.Errorf("advance verification sequence: %w", err)
	}
	return nil
}

// Next increments the counter and returns the new value. The increment and
// the read share a transaction, so the row lock taken by the UPDATE keeps
// concurrent callers from observing the same value.
func (s *Sequence) Next(ctx context.Context) (int64, error) {
	var next int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Exec("UPDATE verification_sequence SET value = value + 1 WHERE id = ?", sequenceRowID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("%w: verification sequence row missing", db.ErrInvariantViolation)
		}
		return tx.Raw("SELECT value FROM verification_sequence WHERE id = ?", sequenceRowID).Scan(&next).Error
	})
	if err != nil {
		return 0, fmt.Errorf("next verification number: %w", err)
	}
	return next, nil
}
