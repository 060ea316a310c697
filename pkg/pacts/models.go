// Package pacts stores pact content and the publications that attach that
// content to a consumer version. Publications are append-only; for each
// (consumer version, provider) the one with the highest revision is current
// and earlier ones are kept as shadowed history.
package pacts

import (
	"fmt"
	"time"
)

// PactVersion is a distinct piece of pact content between a consumer and a
// provider, identified by the SHA-256 of its bytes. Publishing identical
// content again reuses the row, which lets verifications of that content
// carry over to the new publication.
type PactVersion struct {
	ID         int64     `gorm:"primaryKey;column:id;autoIncrement"`
	ConsumerID int64     `gorm:"column:consumer_id;uniqueIndex:idx_pact_version_sha,priority:1;not null"`
	ProviderID int64     `gorm:"column:provider_id;uniqueIndex:idx_pact_version_sha,priority:2;not null"`
	SHA        string    `gorm:"column:sha;size:64;uniqueIndex:idx_pact_version_sha,priority:3;not null"`
	Content    string    `gorm:"column:content;type:text;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName returns the GORM table name.
func (PactVersion) TableName() string { return "pact_versions" }

// Publication is one revision of the pact a consumer version published for
// a provider.
type Publication struct {
	ID                int64     `gorm:"primaryKey;column:id;autoIncrement"`
	ConsumerID        int64     `gorm:"column:consumer_id;index:idx_publication_consumer;not null"`
	ConsumerVersionID int64     `gorm:"column:consumer_version_id;uniqueIndex:idx_publication_revision,priority:1;not null"`
	ProviderID        int64     `gorm:"column:provider_id;uniqueIndex:idx_publication_revision,priority:2;index:idx_publication_provider;not null"`
	RevisionNumber    int       `gorm:"column:revision_number;uniqueIndex:idx_publication_revision,priority:3;not null"`
	PactVersionID     int64     `gorm:"column:pact_version_id;index:idx_publication_pact_version;not null"`
	CreatedAt         time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName returns the GORM table name.
func (Publication) TableName() string { return "pact_publications" }

// CurrentRevisionCondition restricts a query over pact_publications aliased
// as alias to rows holding the highest revision of their (consumer version,
// provider) pair.
func CurrentRevisionCondition(alias string) string {
	return fmt.Sprintf("%[1]s.revision_number = (SELECT MAX(shadow.revision_number) FROM pact_publications shadow"+
		" WHERE shadow.consumer_version_id = %[1]s.consumer_version_id AND shadow.provider_id = %[1]s.provider_id)", alias)
}
