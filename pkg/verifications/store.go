package verifications

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/contract-ledger/broker/pkg/db"
	"github.com/contract-ledger/broker/pkg/ledger"
	"github.com/contract-ledger/broker/pkg/pacts"
)

const rebuildBatchSize = 500

// Store provides the Verification Log operations.
type Store struct {
	db       *gorm.DB
	sequence *Sequence
	pacts    *pacts.Store
}

// NewStore creates a new verifications Store.
func NewStore(db *gorm.DB, pactStore *pacts.Store) *Store {
	return &Store{
		db:       db,
		sequence: NewSequence(db),
		pacts:    pactStore,
	}
}

// AutoMigrate creates or updates the verification tables and seeds the
// number sequence.
func (s *Store) AutoMigrate() error {
	if err := s.db.AutoMigrate(&Verification{}, &LatestVerification{}, &sequenceRecord{}); err != nil {
		return fmt.Errorf("auto-migrate verifications: %w", err)
	}
	return s.sequence.Init(context.Background())
}

// NextNumber reserves the number for a verification that is about to be
// recorded.
func (s *Store) NextNumber(ctx context.Context) (int64, error) {
	return s.sequence.Next(ctx)
}

// Record stores a verification of pactVersion by providerVersion under a
// number obtained from NextNumber, and points the latest-verification index
// for the pair at it.
func (s *Store) Record(ctx context.Context, number int64, pactVersion *pacts.PactVersion, providerVersion *ledger.Version, in RecordInput) (*Verification, error) {
	if number <= 0 {
		return nil, fmt.Errorf("%w: verification number %d was not issued by the sequence", db.ErrInvariantViolation, number)
	}
	if pactVersion == nil || providerVersion == nil {
		return nil, fmt.Errorf("pact version and provider version are required")
	}
	if providerVersion.PacticipantID != pactVersion.ProviderID {
		return nil, fmt.Errorf("provider version %q does not belong to the pact's provider", providerVersion.Number)
	}

	executed := in.ExecutionDate
	if executed.IsZero() {
		executed = time.Now()
	}

	record := &Verification{
		Number:            number,
		PactVersionID:     pactVersion.ID,
		ConsumerID:        pactVersion.ConsumerID,
		ProviderID:        pactVersion.ProviderID,
		ProviderVersionID: providerVersion.ID,
		Success:           in.Success,
		ExecutionDate:     executed.UTC(),
		BuildURL:          in.BuildURL,
		Log:               in.Log,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(record).Error; err != nil {
			if db.IsUniqueViolation(err) {
				return fmt.Errorf("%w: verification number %d already used", db.ErrInvariantViolation, number)
			}
			return fmt.Errorf("create verification: %w", err)
		}
		return upsertLatest(tx, record)
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// upsertLatest points the index entry for the verification's pair at it in
// a single statement, so concurrent recorders cannot interleave a read and
// a write. The entry only moves to a higher verification number: a run that
// reserved its number earlier but commits later leaves the entry alone.
func upsertLatest(tx *gorm.DB, v *Verification) error {
	row := &LatestVerification{
		PactVersionID:      v.PactVersionID,
		ProviderVersionID:  v.ProviderVersionID,
		ProviderID:         v.ProviderID,
		VerificationID:     v.ID,
		VerificationNumber: v.Number,
	}
	if err := tx.Clauses(latestConflict(tx.Dialector.Name())).Create(row).Error; err != nil {
		return fmt.Errorf("upsert latest verification: %w", err)
	}
	return nil
}

// latestConflict builds the monotonic upsert clause for the index.
// PostgreSQL and SQLite take a WHERE on the DO UPDATE. MySQL has no such
// form, so each assignment keeps the stored value unless the incoming number
// is higher, with verification_number assigned last because MySQL evaluates
// the assignments in order against the partially updated row.
func latestConflict(dialect string) clause.OnConflict {
	target := []clause.Column{{Name: "pact_version_id"}, {Name: "provider_version_id"}}
	if dialect == "mysql" {
		const newer = "VALUES(verification_number) > verification_number"
		set := clause.Set{}
		for _, col := range []string{"provider_id", "verification_id", "updated_at", "verification_number"} {
			set = append(set, clause.Assignment{
				Column: clause.Column{Name: col},
				Value:  gorm.Expr(fmt.Sprintf("IF(%s, VALUES(%s), %s)", newer, col, col)),
			})
		}
		return clause.OnConflict{Columns: target, DoUpdates: set}
	}
	return clause.OnConflict{
		Columns: target,
		DoUpdates: clause.AssignmentColumns([]string{
			"provider_id", "verification_id", "verification_number", "updated_at",
		}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "latest_verifications.verification_number < excluded.verification_number"},
		}},
	}
}

// Find returns the verification with the given number for the pact content
// identified by consumer, provider and SHA. Returns nil, nil if any part
// does not exist.
func (s *Store) Find(ctx context.Context, consumerName, providerName, pactSHA string, number int64) (*Verification, error) {
	pv, err := s.pacts.FindPactVersion(ctx, consumerName, providerName, pactSHA)
	if err != nil || pv == nil {
		return nil, err
	}

	var v Verification
	err = s.db.WithContext(ctx).
		Where("pact_version_id = ? AND number = ?", pv.ID, number).
		Where("EXISTS (SELECT 1 FROM pact_publications pp WHERE pp.pact_version_id = verifications.pact_version_id)").
		First(&v).Error
	if err != nil {
		if db.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("find verification: %w", err)
	}
	return &v, nil
}

// FindByID returns the verification with the given ID.
// Returns nil, nil if no record exists.
func (s *Store) FindByID(ctx context.Context, id int64) (*Verification, error) {
	var v Verification
	if err := s.db.WithContext(ctx).First(&v, "id = ?", id).Error; err != nil {
		if db.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("find verification by id: %w", err)
	}
	return &v, nil
}

// LatestForPactVersionAndProviderVersion returns the verification the index holds for the pair.
// Returns nil, nil if the provider version never verified the pact version.
func (s *Store) LatestForPactVersionAndProviderVersion(ctx context.Context, pactVersionID, providerVersionID int64) (*Verification, error) {
	var v Verification
	err := s.db.WithContext(ctx).
		Select("verifications.*").
		Joins("JOIN latest_verifications lv ON lv.verification_id = verifications.id").
		Where("lv.pact_version_id = ? AND lv.provider_version_id = ?", pactVersionID, providerVersionID).
		First(&v).Error
	if err != nil {
		if db.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("find latest verification: %w", err)
	}
	return &v, nil
}

// LatestForPactVersion returns the index's verification for every provider
// version that verified the pact version.
func (s *Store) LatestForPactVersion(ctx context.Context, pactVersionID int64) ([]Verification, error) {
	var records []Verification
	err := s.db.WithContext(ctx).
		Select("verifications.*").
		Joins("JOIN latest_verifications lv ON lv.verification_id = verifications.id").
		Where("lv.pact_version_id = ?", pactVersionID).
		Order("verifications.number DESC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("list latest verifications for pact version: %w", err)
	}
	return records, nil
}

// LatestForProviderVersion returns the index's verification for every pact
// version the provider version verified.
func (s *Store) LatestForProviderVersion(ctx context.Context, providerVersionID int64) ([]Verification, error) {
	var records []Verification
	err := s.db.WithContext(ctx).
		Select("verifications.*").
		Joins("JOIN latest_verifications lv ON lv.verification_id = verifications.id").
		Where("lv.provider_version_id = ?", providerVersionID).
		Order("verifications.number DESC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("list latest verifications for provider version: %w", err)
	}
	return records, nil
}

// RebuildLatestIndex discards the latest-verification index and replays the
// verifications in number order. It returns the number of index entries.
func (s *Store) RebuildLatestIndex(ctx context.Context) (int64, error) {
	var entries int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&LatestVerification{}).Error; err != nil {
			return fmt.Errorf("clear latest verifications: %w", err)
		}

		var last int64
		for {
			var batch []Verification
			err := tx.Where("number > ?", last).Order("number ASC").Limit(rebuildBatchSize).Find(&batch).Error
			if err != nil {
				return fmt.Errorf("replay verifications: %w", err)
			}
			for i := range batch {
				if err := upsertLatest(tx, &batch[i]); err != nil {
					return err
				}
				last = batch[i].Number
			}
			if len(batch) < rebuildBatchSize {
				break
			}
		}

		return tx.Model(&LatestVerification{}).Count(&entries).Error
	})
	if err != nil {
		return 0, err
	}
	return entries, nil
}
