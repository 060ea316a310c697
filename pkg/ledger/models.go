// Package ledger records pacticipants, their versions, and the tags attached
// to those versions. Versions are append-only and carry a per-pacticipant
// order number that is the only reliable way to compare them, since version
// strings are owner-defined and not generally sortable.
package ledger

import (
	"fmt"
	"time"
)

// Pacticipant is a service taking part in contract testing.
type Pacticipant struct {
	ID        int64     `gorm:"primaryKey;column:id;autoIncrement"`
	Name      string    `gorm:"column:name;size:255;uniqueIndex:idx_pacticipant_name;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName returns the GORM table name.
func (Pacticipant) TableName() string { return "pacticipants" }

// Version is one release of a pacticipant.
type Version struct {
	ID            int64     `gorm:"primaryKey;column:id;autoIncrement"`
	PacticipantID int64     `gorm:"column:pacticipant_id;uniqueIndex:idx_version_number,priority:1;uniqueIndex:idx_version_order,priority:1;not null"`
	Number        string    `gorm:"column:number;size:255;uniqueIndex:idx_version_number,priority:2;not null"`
	Order         int       `gorm:"column:version_order;uniqueIndex:idx_version_order,priority:2;not null"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName returns the GORM table name.
func (Version) TableName() string { return "versions" }

// Tag is a label on a version. Removing a tag stamps RemovedAt and clears
// ActiveKey; attaching it again creates a new row. The unique index on
// ActiveKey allows at most one active tag per (version, name) while keeping
// any number of removed ones, because NULLs never collide.
type Tag struct {
	ID        int64      `gorm:"primaryKey;column:id;autoIncrement"`
	VersionID int64      `gorm:"column:version_id;index:idx_tag_version_name,priority:1;not null"`
	Name      string     `gorm:"column:name;size:255;index:idx_tag_version_name,priority:2;index:idx_tag_name;not null"`
	ActiveKey *string    `gorm:"column:active_key;size:300;uniqueIndex:idx_tag_active"`
	CreatedAt time.Time  `gorm:"column:created_at;autoCreateTime"`
	RemovedAt *time.Time `gorm:"column:removed_at"`
}

// TableName returns the GORM table name.
func (Tag) TableName() string { return "tags" }

// Active reports whether the tag is currently attached.
func (t *Tag) Active() bool { return t.RemovedAt == nil }

func activeTagKey(versionID int64, name string) string {
	return fmt.Sprintf("%d/%s", versionID, name)
}
