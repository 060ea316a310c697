package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/contract-ledger/broker/pkg/db"
)

// CreateOrFindVersion returns the version of the named pacticipant, creating
// the pacticipant and the version as needed. A new version gets
// order = max(existing orders) + 1, starting at 1.
func (s *Store) CreateOrFindVersion(ctx context.Context, pacticipantName, number string) (*Version, error) {
	p, err := s.FindOrCreatePacticipant(ctx, pacticipantName)
	if err != nil {
		return nil, err
	}
	return s.CreateOrFindVersionForPacticipant(ctx, p.ID, number)
}

// CreateOrFindVersionForPacticipant is CreateOrFindVersion for a known
// pacticipant ID.
//
// Both (pacticipant, number) and (pacticipant, order) are unique, so two
// writers racing on the same number or on the same next order cannot both
// succeed. The loser re-reads: either its number now exists, or it computes
// a fresh order and tries again. Every lost race means another writer
// committed, so the loop only ends on success, a non-conflict error or the
// end of ctx.
func (s *Store) CreateOrFindVersionForPacticipant(ctx context.Context, pacticipantID int64, number string) (*Version, error) {
	number = strings.TrimSpace(number)
	if number == "" {
		return nil, fmt.Errorf("version number is required")
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("create version %q after %d attempts: %w", number, attempt-1, err)
		}
		existing, err := s.findVersion(ctx, pacticipantID, number)
		if err != nil || existing != nil {
			return existing, err
		}

		var maxOrder int
		err = s.db.WithContext(ctx).Model(&Version{}).
			Where("pacticipant_id = ?", pacticipantID).
			Select("COALESCE(MAX(version_order), 0)").
			Scan(&maxOrder).Error
		if err != nil {
			return nil, fmt.Errorf("compute next version order: %w", err)
		}

		record := &Version{
			PacticipantID: pacticipantID,
			Number:        number,
			Order:         maxOrder + 1,
		}
		err = s.db.WithContext(ctx).Create(record).Error
		if err == nil {
			return record, nil
		}
		if !db.IsUniqueViolation(err) {
			return nil, fmt.Errorf("create version: %w", err)
		}
	}
}

// FindVersion returns the version of the named pacticipant.
// Returns nil, nil if the pacticipant or version does not exist.
func (s *Store) FindVersion(ctx context.Context, pacticipantName, number string) (*Version, error) {
	p, err := s.FindPacticipant(ctx, pacticipantName)
	if err != nil || p == nil {
		return nil, err
	}
	return s.findVersion(ctx, p.ID, number)
}

// FindVersionByID returns the version with the given ID.
// Returns nil, nil if no record exists.
func (s *Store) FindVersionByID(ctx context.Context, id int64) (*Version, error) {
	var v Version
	if err := s.db.WithContext(ctx).First(&v, "id = ?", id).Error; err != nil {
		if db.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("find version by id: %w", err)
	}
	return &v, nil
}

// LatestVersion returns the pacticipant's version with the highest order.
// Returns nil, nil if the pacticipant has no versions.
func (s *Store) LatestVersion(ctx context.Context, pacticipantID int64) (*Version, error) {
	var v Version
	err := s.db.WithContext(ctx).
		Where("pacticipant_id = ?", pacticipantID).
		Order("version_order DESC").
		First(&v).Error
	if err != nil {
		if db.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("find latest version: %w", err)
	}
	return &v, nil
}

// LatestVersionWithTag returns the highest-ordered version currently
// carrying the tag. Returns nil, nil if none does.
func (s *Store) LatestVersionWithTag(ctx context.Context, pacticipantID int64, tag string) (*Version, error) {
	var v Version
	err := s.db.WithContext(ctx).
		Select("versions.*").
		Joins("JOIN tags ON tags.version_id = versions.id AND tags.removed_at IS NULL").
		Where("versions.pacticipant_id = ? AND tags.name = ?", pacticipantID, tag).
		Order("versions.version_order DESC").
		First(&v).Error
	if err != nil {
		if db.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("find latest version with tag: %w", err)
	}
	return &v, nil
}

// ListVersions returns a pacticipant's versions, newest first.
func (s *Store) ListVersions(ctx context.Context, pacticipantID int64) ([]Version, error) {
	var records []Version
	err := s.db.WithContext(ctx).
		Where("pacticipant_id = ?", pacticipantID).
		Order("version_order DESC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	return records, nil
}

func (s *Store) findVersion(ctx context.Context, pacticipantID int64, number string) (*Version, error) {
	var v Version
	err := s.db.WithContext(ctx).
		Where("pacticipant_id = ? AND number = ?", pacticipantID, number).
		First(&v).Error
	if err != nil {
		if db.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("find version: %w", err)
	}
	return &v, nil
}
