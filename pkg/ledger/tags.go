package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm/clause"

	"github.com/contract-ledger/broker/pkg/db"
)

// AttachTag adds the tag to the version. It is a no-op returning the
// existing record when the tag is already active.
func (s *Store) AttachTag(ctx context.Context, version *Version, name string) (*Tag, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("tag name is required")
	}

	key := activeTagKey(version.ID, name)
	record := &Tag{
		VersionID: version.ID,
		Name:      name,
		ActiveKey: &key,
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(record).Error; err != nil {
		return nil, fmt.Errorf("attach tag: %w", err)
	}

	active, err := s.activeTag(ctx, version.ID, name)
	if err != nil {
		return nil, err
	}
	if active == nil {
		// Removed concurrently between our insert and read; the remove won.
		return record, nil
	}
	return active, nil
}

// RemoveTag detaches the active tag from the version. Removing a tag that is
// not attached is not an error.
func (s *Store) RemoveTag(ctx context.Context, version *Version, name string) error {
	now := time.Now()
	err := s.db.WithContext(ctx).Model(&Tag{}).
		Where("active_key = ?", activeTagKey(version.ID, name)).
		Updates(map[string]any{
			"removed_at": now,
			"active_key": nil,
		}).Error
	if err != nil {
		return fmt.Errorf("remove tag: %w", err)
	}
	return nil
}

// HasTag reports whether the tag is currently attached to the version.
func (s *Store) HasTag(ctx context.Context, versionID int64, name string) (bool, error) {
	t, err := s.activeTag(ctx, versionID, name)
	return t != nil, err
}

// EverTagged reports whether the tag was attached to the version at any
// point, including tags that have since been removed.
func (s *Store) EverTagged(ctx context.Context, versionID int64, name string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Tag{}).
		Where("version_id = ? AND name = ?", versionID, name).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("count tags: %w", err)
	}
	return count > 0, nil
}

// TagHistory returns every record of the tag on the version, oldest first.
func (s *Store) TagHistory(ctx context.Context, versionID int64, name string) ([]Tag, error) {
	var records []Tag
	err := s.db.WithContext(ctx).
		Where("version_id = ? AND name = ?", versionID, name).
		Order("id ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("tag history: %w", err)
	}
	return records, nil
}

// TagNames returns the names of the tags currently on the version, sorted.
func (s *Store) TagNames(ctx context.Context, versionID int64) ([]string, error) {
	byVersion, err := s.TagNamesForVersions(ctx, []int64{versionID})
	if err != nil {
		return nil, err
	}
	return byVersion[versionID], nil
}

// TagNamesForVersions returns active tag names keyed by version ID. Versions
// without tags are absent from the map.
func (s *Store) TagNamesForVersions(ctx context.Context, versionIDs []int64) (map[int64][]string, error) {
	result := make(map[int64][]string)
	if len(versionIDs) == 0 {
		return result, nil
	}

	var records []Tag
	err := s.db.WithContext(ctx).
		Where("version_id IN ? AND removed_at IS NULL", versionIDs).
		Order("name ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	for _, t := range records {
		result[t.VersionID] = append(result[t.VersionID], t.Name)
	}
	return result, nil
}

func (s *Store) activeTag(ctx context.Context, versionID int64, name string) (*Tag, error) {
	var t Tag
	err := s.db.WithContext(ctx).Where("active_key = ?", activeTagKey(versionID, name)).First(&t).Error
	if err != nil {
		if db.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("find tag: %w", err)
	}
	return &t, nil
}
