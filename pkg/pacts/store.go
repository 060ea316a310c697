package pacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/contract-ledger/broker/pkg/db"
	"github.com/contract-ledger/broker/pkg/ledger"
)

// Store provides the Pact Publication Log operations.
type Store struct {
	db     *gorm.DB
	ledger *ledger.Store
}

// NewStore creates a new pacts Store.
func NewStore(db *gorm.DB, ledgerStore *ledger.Store) *Store {
	return &Store{db: db, ledger: ledgerStore}
}

// AutoMigrate creates or updates the pact_versions and pact_publications tables.
func (s *Store) AutoMigrate() error {
	if err := s.db.AutoMigrate(&PactVersion{}, &Publication{}); err != nil {
		return fmt.Errorf("auto-migrate pacts: %w", err)
	}
	return nil
}

// ContentSHA returns the content identifier used for pact versions.
func ContentSHA(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Publish records a new revision of the pact between consumerVersion and the
// named provider. It always creates a new revision, even when the content
// matches the current one, so the audit trail is complete. A writer that
// loses the race for the next revision retries until it wins or ctx ends.
func (s *Store) Publish(ctx context.Context, consumerVersion *ledger.Version, providerName string, content []byte) (*Publication, error) {
	if consumerVersion == nil {
		return nil, fmt.Errorf("consumer version is required")
	}
	provider, err := s.ledger.FindOrCreatePacticipant(ctx, providerName)
	if err != nil {
		return nil, err
	}

	pv, err := s.findOrCreatePactVersion(ctx, consumerVersion.PacticipantID, provider.ID, content)
	if err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("publish pact after %d attempts: %w", attempt-1, err)
		}
		var maxRevision int
		err := s.db.WithContext(ctx).Model(&Publication{}).
			Where("consumer_version_id = ? AND provider_id = ?", consumerVersion.ID, provider.ID).
			Select("COALESCE(MAX(revision_number), 0)").
			Scan(&maxRevision).Error
		if err != nil {
			return nil, fmt.Errorf("compute next revision: %w", err)
		}

		record := &Publication{
			ConsumerID:        consumerVersion.PacticipantID,
			ConsumerVersionID: consumerVersion.ID,
			ProviderID:        provider.ID,
			RevisionNumber:    maxRevision + 1,
			PactVersionID:     pv.ID,
		}
		err = s.db.WithContext(ctx).Create(record).Error
		if err == nil {
			return record, nil
		}
		if !db.IsUniqueViolation(err) {
			return nil, fmt.Errorf("create publication: %w", err)
		}
	}
}

// CurrentPublication returns the highest revision published by
// consumerVersion for the named provider. Returns nil, nil if there is none.
func (s *Store) CurrentPublication(ctx context.Context, consumerVersion *ledger.Version, providerName string) (*Publication, error) {
	provider, err := s.ledger.FindPacticipant(ctx, providerName)
	if err != nil || provider == nil {
		return nil, err
	}
	return s.CurrentPublicationFor(ctx, consumerVersion.ID, provider.ID)
}

// CurrentPublicationFor is CurrentPublication by IDs.
func (s *Store) CurrentPublicationFor(ctx context.Context, consumerVersionID, providerID int64) (*Publication, error) {
	var p Publication
	err := s.db.WithContext(ctx).
		Where("consumer_version_id = ? AND provider_id = ?", consumerVersionID, providerID).
		Order("revision_number DESC").
		First(&p).Error
	if err != nil {
		if db.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("find current publication: %w", err)
	}
	return &p, nil
}

// CurrentPublicationsForConsumerVersion returns the current publication for
// every provider the consumer version has published to, ordered by provider
// name.
func (s *Store) CurrentPublicationsForConsumerVersion(ctx context.Context, consumerVersion *ledger.Version) ([]Publication, error) {
	var records []Publication
	err := s.db.WithContext(ctx).
		Table("pact_publications AS pp").
		Select("pp.*").
		Joins("JOIN pacticipants provider ON provider.id = pp.provider_id").
		Where("pp.consumer_version_id = ?", consumerVersion.ID).
		Where(CurrentRevisionCondition("pp")).
		Order("provider.name ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("list current publications: %w", err)
	}
	return records, nil
}

// CurrentPublicationsForPactVersion returns current publications whose
// content is the given pact version, newest consumer version first.
func (s *Store) CurrentPublicationsForPactVersion(ctx context.Context, pactVersionID int64) ([]Publication, error) {
	var records []Publication
	err := s.db.WithContext(ctx).
		Table("pact_publications AS pp").
		Select("pp.*").
		Joins("JOIN versions cv ON cv.id = pp.consumer_version_id").
		Where("pp.pact_version_id = ?", pactVersionID).
		Where(CurrentRevisionCondition("pp")).
		Order("cv.version_order DESC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("list publications for pact version: %w", err)
	}
	return records, nil
}

// Revisions returns every publication for the pair, oldest revision first.
func (s *Store) Revisions(ctx context.Context, consumerVersionID, providerID int64) ([]Publication, error) {
	var records []Publication
	err := s.db.WithContext(ctx).
		Where("consumer_version_id = ? AND provider_id = ?", consumerVersionID, providerID).
		Order("revision_number ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("list revisions: %w", err)
	}
	for i := 1; i < len(records); i++ {
		if records[i].RevisionNumber <= records[i-1].RevisionNumber {
			return nil, fmt.Errorf("%w: revision %d follows %d for consumer version %d",
				db.ErrInvariantViolation, records[i].RevisionNumber, records[i-1].RevisionNumber, consumerVersionID)
		}
	}
	return records, nil
}

// FindPactVersion looks up pact content by consumer, provider and SHA.
// Returns nil, nil if the pacticipants or content are unknown.
func (s *Store) FindPactVersion(ctx context.Context, consumerName, providerName, sha string) (*PactVersion, error) {
	consumer, err := s.ledger.FindPacticipant(ctx, consumerName)
	if err != nil || consumer == nil {
		return nil, err
	}
	provider, err := s.ledger.FindPacticipant(ctx, providerName)
	if err != nil || provider == nil {
		return nil, err
	}

	var pv PactVersion
	err = s.db.WithContext(ctx).
		Where("consumer_id = ? AND provider_id = ? AND sha = ?", consumer.ID, provider.ID, sha).
		First(&pv).Error
	if err != nil {
		if db.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("find pact version: %w", err)
	}
	return &pv, nil
}

// FindPublicationByContent returns the newest current publication of the
// content identified by sha between the named pacticipants. Returns nil, nil
// if the content was never published or its publications were superseded.
func (s *Store) FindPublicationByContent(ctx context.Context, consumerName, providerName, sha string) (*Publication, error) {
	pv, err := s.FindPactVersion(ctx, consumerName, providerName, sha)
	if err != nil || pv == nil {
		return nil, err
	}
	current, err := s.CurrentPublicationsForPactVersion(ctx, pv.ID)
	if err != nil || len(current) == 0 {
		return nil, err
	}
	return &current[0], nil
}

// FindPactVersionByID returns the pact content with the given ID.
// Returns nil, nil if no record exists.
func (s *Store) FindPactVersionByID(ctx context.Context, id int64) (*PactVersion, error) {
	var pv PactVersion
	if err := s.db.WithContext(ctx).First(&pv, "id = ?", id).Error; err != nil {
		if db.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("find pact version by id: %w", err)
	}
	return &pv, nil
}

// PactVersionsByID loads the given pact versions keyed by ID.
func (s *Store) PactVersionsByID(ctx context.Context, ids []int64) (map[int64]PactVersion, error) {
	result := make(map[int64]PactVersion, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	var records []PactVersion
	if err := s.db.WithContext(ctx).Omit("content").Where("id IN ?", ids).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("load pact versions: %w", err)
	}
	for _, pv := range records {
		result[pv.ID] = pv
	}
	return result, nil
}

func (s *Store) findOrCreatePactVersion(ctx context.Context, consumerID, providerID int64, content []byte) (*PactVersion, error) {
	sha := ContentSHA(content)
	record := &PactVersion{
		ConsumerID: consumerID,
		ProviderID: providerID,
		SHA:        sha,
		Content:    string(content),
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(record).Error; err != nil {
		return nil, fmt.Errorf("create pact version: %w", err)
	}

	var pv PactVersion
	err := s.db.WithContext(ctx).
		Where("consumer_id = ? AND provider_id = ? AND sha = ?", consumerID, providerID, sha).
		First(&pv).Error
	if err != nil {
		return nil, fmt.Errorf("reload pact version: %w", err)
	}
	return &pv, nil
}
