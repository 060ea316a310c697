package ledger

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm/clause"

	"github.com/contract-ledger/broker/pkg/db"
)

// FindPacticipant returns the pacticipant with the given name.
// Returns nil, nil if no record exists.
func (s *Store) FindPacticipant(ctx context.Context, name string) (*Pacticipant, error) {
	if s.pacticipants != nil {
		if p, ok := s.pacticipants.Get(name); ok {
			return &p, nil
		}
	}

	var p Pacticipant
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&p).Error
	if err != nil {
		if db.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("find pacticipant: %w", err)
	}

	if s.pacticipants != nil {
		s.pacticipants.Set(name, p)
	}
	return &p, nil
}

// FindPacticipantByID returns the pacticipant with the given ID.
// Returns nil, nil if no record exists.
func (s *Store) FindPacticipantByID(ctx context.Context, id int64) (*Pacticipant, error) {
	var p Pacticipant
	err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error
	if err != nil {
		if db.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("find pacticipant by id: %w", err)
	}
	return &p, nil
}

// FindOrCreatePacticipant returns the named pacticipant, creating it if
// needed. Concurrent callers converge on a single row.
func (s *Store) FindOrCreatePacticipant(ctx context.Context, name string) (*Pacticipant, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("pacticipant name is required")
	}

	existing, err := s.FindPacticipant(ctx, name)
	if err != nil || existing != nil {
		return existing, err
	}

	record := &Pacticipant{Name: name}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(record).Error; err != nil {
		return nil, fmt.Errorf("create pacticipant: %w", err)
	}

	p, err := s.FindPacticipant(ctx, name)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: pacticipant %q missing after insert", db.ErrInvariantViolation, name)
	}
	return p, nil
}

// RenamePacticipant changes a pacticipant's name. Returns nil, nil when the
// old name does not exist.
func (s *Store) RenamePacticipant(ctx context.Context, oldName, newName string) (*Pacticipant, error) {
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return nil, fmt.Errorf("new pacticipant name is required")
	}

	p, err := s.FindPacticipant(ctx, oldName)
	if err != nil || p == nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Model(&Pacticipant{}).Where("id = ?", p.ID).Update("name", newName).Error
	if s.pacticipants != nil {
		s.pacticipants.Invalidate(oldName)
	}
	if err != nil {
		if db.IsUniqueViolation(err) {
			return nil, fmt.Errorf("pacticipant %q already exists: %w", newName, db.ErrConflict)
		}
		return nil, fmt.Errorf("rename pacticipant: %w", err)
	}

	p.Name = newName
	return p, nil
}

// ListPacticipants returns all pacticipants ordered by name.
func (s *Store) ListPacticipants(ctx context.Context) ([]Pacticipant, error) {
	var records []Pacticipant
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list pacticipants: %w", err)
	}
	return records, nil
}
