// Package resolution answers "what is the latest verification" for a
// consumer, optionally narrowed by provider and by consumer or provider tags.
//
// Resolution never falls back to older consumer versions: the highest-ordered
// consumer version matching the filters decides the answer, and if its pact
// was never verified the result is not found rather than an older success.
package resolution

import (
	"context"
	"fmt"
	"sort"

	"gorm.io/gorm"

	"github.com/contract-ledger/broker/pkg/ledger"
	"github.com/contract-ledger/broker/pkg/pacts"
	"github.com/contract-ledger/broker/pkg/verifications"
)

// Query selects the consumer side of a resolution.
type Query struct {
	Consumer string
	// Provider is optional; empty means every provider of the consumer.
	Provider string
	Tag      TagFilter
}

// Result is a resolved verification with the records it was resolved through.
type Result struct {
	Verification    *verifications.Verification
	Publication     *pacts.Publication
	ConsumerVersion *ledger.Version
	ProviderVersion *ledger.Version
}

// Resolver implements the latest-verification queries.
type Resolver struct {
	db            *gorm.DB
	ledger        *ledger.Store
	pacts         *pacts.Store
	verifications *verifications.Store
}

// NewResolver creates a Resolver.
func NewResolver(db *gorm.DB, ledgerStore *ledger.Store, pactStore *pacts.Store, verificationStore *verifications.Store) *Resolver {
	return &Resolver{db: db, ledger: ledgerStore, pacts: pactStore, verifications: verificationStore}
}

// LatestVerification returns the most recent verification of the pacts
// published by the highest-ordered consumer version matching q. Returns
// nil, nil when nothing matches or that version's pacts are unverified.
func (r *Resolver) LatestVerification(ctx context.Context, q Query) (*Result, error) {
	consumer, providerID, ok, err := r.lookupPair(ctx, q.Consumer, q.Provider)
	if err != nil || !ok {
		return nil, err
	}

	candidates, err := r.topCandidates(ctx, consumer.ID, providerID, q.Tag)
	if err != nil || len(candidates) == 0 {
		return nil, err
	}

	byPactVersion := make(map[int64]pacts.Publication, len(candidates))
	pactVersionIDs := make([]int64, 0, len(candidates))
	for _, c := range candidates {
		byPactVersion[c.PactVersionID] = c
		pactVersionIDs = append(pactVersionIDs, c.PactVersionID)
	}

	var found []verifications.Verification
	err = r.db.WithContext(ctx).
		Where("pact_version_id IN ?", pactVersionIDs).
		Find(&found).Error
	if err != nil {
		return nil, fmt.Errorf("load verifications for candidates: %w", err)
	}
	if len(found) == 0 {
		return nil, nil
	}

	sort.Slice(found, func(i, j int) bool {
		ri := byPactVersion[found[i].PactVersionID].RevisionNumber
		rj := byPactVersion[found[j].PactVersionID].RevisionNumber
		if ri != rj {
			return ri > rj
		}
		return found[i].Number > found[j].Number
	})

	best := found[0]
	pub := byPactVersion[best.PactVersionID]
	return r.result(ctx, &best, &pub)
}

// LatestVerificationForTags returns the most recent verification between the
// highest-ordered consumer version carrying consumerTag and any provider
// version currently carrying providerTag. Provider versions are ranked by
// order, then by execution date. Returns nil, nil when nothing matches.
func (r *Resolver) LatestVerificationForTags(ctx context.Context, consumerName, providerName string, consumerTag TagFilter, providerTag string) (*Result, error) {
	if providerName == "" {
		return nil, fmt.Errorf("provider is required")
	}
	consumer, providerID, ok, err := r.lookupPair(ctx, consumerName, providerName)
	if err != nil || !ok {
		return nil, err
	}

	candidates, err := r.topCandidates(ctx, consumer.ID, providerID, consumerTag)
	if err != nil || len(candidates) == 0 {
		return nil, err
	}
	// With the provider fixed there is a single current publication.
	pub := candidates[0]

	query := r.db.WithContext(ctx).
		Table("verifications AS v").
		Select("v.*").
		Joins("JOIN versions pv ON pv.id = v.provider_version_id").
		Where("v.pact_version_id = ?", pub.PactVersionID)
	if providerTag != "" {
		query = query.Where("EXISTS (SELECT 1 FROM tags t WHERE t.version_id = pv.id AND t.name = ? AND t.removed_at IS NULL)", providerTag)
	}

	var found []verifications.Verification
	err = query.
		Order("pv.version_order DESC").
		Order("v.execution_date DESC").
		Order("v.number DESC").
		Limit(1).
		Find(&found).Error
	if err != nil {
		return nil, fmt.Errorf("find verification for tags: %w", err)
	}
	if len(found) == 0 {
		return nil, nil
	}
	return r.result(ctx, &found[0], &pub)
}

// LatestVerificationForPair returns the index's verification of the pact the
// consumer version currently publishes for the provider, verified by the
// given provider version. Returns nil, nil if there is none.
func (r *Resolver) LatestVerificationForPair(ctx context.Context, consumerVersion, providerVersion *ledger.Version) (*Result, error) {
	res, err := r.ResolvePair(ctx, consumerVersion, providerVersion)
	if err != nil || res == nil || res.Verification == nil {
		return nil, err
	}
	return res, nil
}

// ResolvePair is LatestVerificationForPair that also reports a pact the
// provider version has not verified: the Result then has a nil
// Verification. Returns nil, nil if the consumer version never published
// for the provider.
func (r *Resolver) ResolvePair(ctx context.Context, consumerVersion, providerVersion *ledger.Version) (*Result, error) {
	pub, err := r.pacts.CurrentPublicationFor(ctx, consumerVersion.ID, providerVersion.PacticipantID)
	if err != nil || pub == nil {
		return nil, err
	}
	v, err := r.verifications.LatestForPactVersionAndProviderVersion(ctx, pub.PactVersionID, providerVersion.ID)
	if err != nil {
		return nil, err
	}
	return &Result{
		Verification:    v,
		Publication:     pub,
		ConsumerVersion: consumerVersion,
		ProviderVersion: providerVersion,
	}, nil
}

// lookupPair resolves the consumer and optional provider. ok is false when
// either named pacticipant does not exist.
func (r *Resolver) lookupPair(ctx context.Context, consumerName, providerName string) (*ledger.Pacticipant, int64, bool, error) {
	consumer, err := r.ledger.FindPacticipant(ctx, consumerName)
	if err != nil || consumer == nil {
		return nil, 0, false, err
	}
	if providerName == "" {
		return consumer, 0, true, nil
	}
	provider, err := r.ledger.FindPacticipant(ctx, providerName)
	if err != nil || provider == nil {
		return nil, 0, false, err
	}
	return consumer, provider.ID, true, nil
}

// topCandidates returns the current publications of the highest-ordered
// consumer version that matches the filters and has published at all.
func (r *Resolver) topCandidates(ctx context.Context, consumerID, providerID int64, tag TagFilter) ([]pacts.Publication, error) {
	base := func() *gorm.DB {
		q := r.db.WithContext(ctx).
			Table("pact_publications AS pp").
			Joins("JOIN versions cv ON cv.id = pp.consumer_version_id").
			Where("pp.consumer_id = ?", consumerID).
			Where(pacts.CurrentRevisionCondition("pp"))
		if providerID != 0 {
			q = q.Where("pp.provider_id = ?", providerID)
		}
		if cond, args := tag.condition("cv"); cond != "" {
			q = q.Where(cond, args...)
		}
		return q
	}

	var top []int64
	err := base().
		Order("cv.version_order DESC").
		Limit(1).
		Pluck("cv.id", &top).Error
	if err != nil {
		return nil, fmt.Errorf("find latest consumer version: %w", err)
	}
	if len(top) == 0 {
		return nil, nil
	}

	var candidates []pacts.Publication
	err = base().
		Select("pp.*").
		Where("pp.consumer_version_id = ?", top[0]).
		Order("pp.revision_number DESC").
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("load candidate publications: %w", err)
	}
	return candidates, nil
}

func (r *Resolver) result(ctx context.Context, v *verifications.Verification, pub *pacts.Publication) (*Result, error) {
	cv, err := r.ledger.FindVersionByID(ctx, pub.ConsumerVersionID)
	if err != nil {
		return nil, err
	}
	pv, err := r.ledger.FindVersionByID(ctx, v.ProviderVersionID)
	if err != nil {
		return nil, err
	}
	return &Result{
		Verification:    v,
		Publication:     pub,
		ConsumerVersion: cv,
		ProviderVersion: pv,
	}, nil
}
