// Package broker ties the ledger, pact log, verification log, resolution
// engine and matrix builder into one service and serves it over HTTP.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/contract-ledger/broker/pkg/db"
	"github.com/contract-ledger/broker/pkg/events"
	"github.com/contract-ledger/broker/pkg/ha"
	"github.com/contract-ledger/broker/pkg/ledger"
	"github.com/contract-ledger/broker/pkg/matrix"
	"github.com/contract-ledger/broker/pkg/metrics"
	"github.com/contract-ledger/broker/pkg/pacts"
	"github.com/contract-ledger/broker/pkg/resolution"
	"github.com/contract-ledger/broker/pkg/verifications"
)

var (
	// ErrNotFound reports that a named pacticipant, version, pact or
	// verification does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput reports a malformed request.
	ErrInvalidInput = errors.New("invalid input")
)

// Service is the broker's application layer.
type Service struct {
	db            *gorm.DB
	ledger        *ledger.Store
	pacts         *pacts.Store
	verifications *verifications.Store
	resolver      *resolution.Resolver
	matrix        *matrix.Builder
	events        *events.Store
	metrics       *metrics.Metrics
	logger        *slog.Logger
	publishEvents bool
}

// NewService wires the stores on top of db. m may be nil.
func NewService(db *gorm.DB, cfg *Config, m *metrics.Metrics, logger *slog.Logger) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	ls := ledger.NewStore(db, ledger.WithPacticipantCache(cfg.PacticipantCache))
	ps := pacts.NewStore(db, ls)
	vs := verifications.NewStore(db, ps)
	resolver := resolution.NewResolver(db, ls, ps, vs)

	return &Service{
		db:            db,
		ledger:        ls,
		pacts:         ps,
		verifications: vs,
		resolver:      resolver,
		matrix: matrix.NewBuilder(ls, ps, vs, resolver,
			matrix.WithConcurrency(cfg.MatrixConcurrency),
			matrix.WithLogger(logger),
		),
		events:        events.NewStore(db),
		metrics:       m,
		logger:        logger,
		publishEvents: cfg.Events.Enabled,
	}
}

// Events returns the outbox store.
func (s *Service) Events() *events.Store { return s.events }

// Migrate creates or updates the schema while holding the migration lock.
func (s *Service) Migrate(ctx context.Context, haCfg *ha.Config) error {
	locker, err := ha.NewMigrationLocker(s.db, haCfg)
	if err != nil {
		return fmt.Errorf("create migration locker: %w", err)
	}
	return locker.WithLock(ctx, func() error {
		if err := s.ledger.AutoMigrate(); err != nil {
			return fmt.Errorf("migrate ledger: %w", err)
		}
		if err := s.pacts.AutoMigrate(); err != nil {
			return fmt.Errorf("migrate pacts: %w", err)
		}
		if err := s.verifications.AutoMigrate(); err != nil {
			return fmt.Errorf("migrate verifications: %w", err)
		}
		if err := s.events.AutoMigrate(); err != nil {
			return fmt.Errorf("migrate events: %w", err)
		}
		return nil
	})
}

// Ready pings the database.
func (s *Service) Ready(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// CreateOrFindVersion returns the named version, creating the pacticipant
// and the version as needed.
func (s *Service) CreateOrFindVersion(ctx context.Context, pacticipant, number string) (*ledger.Version, error) {
	if err := requireNames(pacticipant, number); err != nil {
		return nil, err
	}
	return s.ledger.CreateOrFindVersion(ctx, pacticipant, number)
}

// AttachTag tags the named version, creating it if needed.
func (s *Service) AttachTag(ctx context.Context, pacticipant, number, tag string) (*ledger.Tag, error) {
	if err := requireNames(pacticipant, number, tag); err != nil {
		return nil, err
	}
	if strings.EqualFold(tag, resolution.UntaggedSelector) {
		return nil, fmt.Errorf("%w: %q is reserved", ErrInvalidInput, tag)
	}
	v, err := s.ledger.CreateOrFindVersion(ctx, pacticipant, number)
	if err != nil {
		return nil, err
	}
	return s.ledger.AttachTag(ctx, v, tag)
}

// RemoveTag removes an active tag. Removing a tag the version does not
// carry is not an error; an unknown version is.
func (s *Service) RemoveTag(ctx context.Context, pacticipant, number, tag string) error {
	if err := requireNames(pacticipant, number, tag); err != nil {
		return err
	}
	v, err := s.ledger.FindVersion(ctx, pacticipant, number)
	if err != nil {
		return err
	}
	if v == nil {
		return fmt.Errorf("%w: version %s of %s", ErrNotFound, number, pacticipant)
	}
	return s.ledger.RemoveTag(ctx, v, tag)
}

// PublishedPact is a publication with the identities it was published under.
type PublishedPact struct {
	Consumer        string `json:"consumer"`
	ConsumerVersion string `json:"consumerVersion"`
	Provider        string `json:"provider"`
	RevisionNumber  int    `json:"revisionNumber"`
	SHA             string `json:"sha"`
}

// PublishPact appends a revision of the pact consumerVersion publishes for
// provider. The content must be a JSON document.
func (s *Service) PublishPact(ctx context.Context, consumer, consumerVersion, provider string, content []byte) (*PublishedPact, error) {
	if err := requireNames(consumer, consumerVersion, provider); err != nil {
		return nil, err
	}
	if len(content) == 0 || !json.Valid(content) {
		return nil, fmt.Errorf("%w: pact content must be a JSON document", ErrInvalidInput)
	}
	cv, err := s.ledger.CreateOrFindVersion(ctx, consumer, consumerVersion)
	if err != nil {
		return nil, err
	}
	pub, err := s.pacts.Publish(ctx, cv, provider, content)
	if err != nil {
		return nil, err
	}
	s.metrics.PactPublished()
	s.logger.Info("pact published",
		"consumer", consumer, "consumerVersion", consumerVersion,
		"provider", provider, "revision", pub.RevisionNumber)
	return &PublishedPact{
		Consumer:        consumer,
		ConsumerVersion: consumerVersion,
		Provider:        provider,
		RevisionNumber:  pub.RevisionNumber,
		SHA:             pacts.ContentSHA(content),
	}, nil
}

// PactView is pact content with the publication currently carrying it.
type PactView struct {
	Consumer        string          `json:"consumer"`
	Provider        string          `json:"provider"`
	ConsumerVersion string          `json:"consumerVersion"`
	RevisionNumber  int             `json:"revisionNumber"`
	SHA             string          `json:"sha"`
	Content         json.RawMessage `json:"content"`
}

// FindPact returns the content identified by sha and the newest consumer
// version currently publishing it.
func (s *Service) FindPact(ctx context.Context, consumer, provider, sha string) (*PactView, error) {
	pub, err := s.pacts.FindPublicationByContent(ctx, consumer, provider, sha)
	if err != nil {
		return nil, err
	}
	if pub == nil {
		return nil, fmt.Errorf("%w: pact %s between %s and %s", ErrNotFound, sha, consumer, provider)
	}
	pv, err := s.pacts.FindPactVersionByID(ctx, pub.PactVersionID)
	if err != nil {
		return nil, err
	}
	cv, err := s.ledger.FindVersionByID(ctx, pub.ConsumerVersionID)
	if err != nil {
		return nil, err
	}
	if pv == nil || cv == nil {
		return nil, fmt.Errorf("%w: dangling references from publication %d", db.ErrInvariantViolation, pub.ID)
	}
	return &PactView{
		Consumer:        consumer,
		Provider:        provider,
		ConsumerVersion: cv.Number,
		RevisionNumber:  pub.RevisionNumber,
		SHA:             pv.SHA,
		Content:         json.RawMessage(pv.Content),
	}, nil
}

// VerificationInput is a provider's report of one verification run.
type VerificationInput struct {
	ProviderVersion string
	Success         bool
	ExecutionDate   time.Time
	BuildURL        string
	Log             string
}

// VerificationView is a verification with the names it refers to.
type VerificationView struct {
	Number          int64     `json:"number"`
	Consumer        string    `json:"consumer"`
	Provider        string    `json:"provider"`
	ProviderVersion string    `json:"providerVersion"`
	PactSHA         string    `json:"pactSha"`
	Success         bool      `json:"success"`
	ExecutionDate   time.Time `json:"executionDate"`
	BuildURL        string    `json:"buildUrl,omitempty"`
}

// RecordVerification reserves a verification number, then records the
// result against the pact content identified by sha. The provider version is
// created if it does not exist.
func (s *Service) RecordVerification(ctx context.Context, consumer, provider, sha string, in VerificationInput) (*VerificationView, error) {
	if err := requireNames(consumer, provider, sha, in.ProviderVersion); err != nil {
		return nil, err
	}
	pv, err := s.pacts.FindPactVersion(ctx, consumer, provider, sha)
	if err != nil {
		return nil, err
	}
	if pv == nil {
		return nil, fmt.Errorf("%w: pact %s between %s and %s", ErrNotFound, sha, consumer, provider)
	}

	number, err := s.verifications.NextNumber(ctx)
	if err != nil {
		return nil, err
	}
	providerVersion, err := s.ledger.CreateOrFindVersion(ctx, provider, in.ProviderVersion)
	if err != nil {
		return nil, err
	}
	v, err := s.verifications.Record(ctx, number, pv, providerVersion, verifications.RecordInput{
		Success:       in.Success,
		ExecutionDate: in.ExecutionDate,
		BuildURL:      in.BuildURL,
		Log:           in.Log,
	})
	if err != nil {
		return nil, err
	}
	s.metrics.VerificationRecorded(v.Success)

	view := &VerificationView{
		Number:          v.Number,
		Consumer:        consumer,
		Provider:        provider,
		ProviderVersion: providerVersion.Number,
		PactSHA:         pv.SHA,
		Success:         v.Success,
		ExecutionDate:   v.ExecutionDate,
		BuildURL:        v.BuildURL,
	}
	s.logger.Info("verification recorded",
		"verificationNumber", v.Number, "consumer", consumer, "provider", provider,
		"providerVersion", providerVersion.Number, "success", v.Success)

	if s.publishEvents {
		// The verification is already committed; a lost event only skips
		// a notification.
		if _, err := s.events.EnqueueVerificationPublished(ctx, events.VerificationPublished{
			VerificationNumber: view.Number,
			Consumer:           view.Consumer,
			Provider:           view.Provider,
			ProviderVersion:    view.ProviderVersion,
			PactSHA:            view.PactSHA,
			Success:            view.Success,
			ExecutionDate:      view.ExecutionDate,
			BuildURL:           view.BuildURL,
		}); err != nil {
			s.logger.Error("failed to enqueue verification event", "verificationNumber", v.Number, "error", err)
		}
	}
	return view, nil
}

// FindVerification returns the verification with the given number of the
// pact content identified by sha.
func (s *Service) FindVerification(ctx context.Context, consumer, provider, sha string, number int64) (*VerificationView, error) {
	v, err := s.verifications.Find(ctx, consumer, provider, sha, number)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, fmt.Errorf("%w: verification %d", ErrNotFound, number)
	}
	providerVersion, err := s.ledger.FindVersionByID(ctx, v.ProviderVersionID)
	if err != nil {
		return nil, err
	}
	if providerVersion == nil {
		return nil, fmt.Errorf("%w: provider version %d of verification %d", db.ErrInvariantViolation, v.ProviderVersionID, v.Number)
	}
	return &VerificationView{
		Number:          v.Number,
		Consumer:        consumer,
		Provider:        provider,
		ProviderVersion: providerVersion.Number,
		PactSHA:         sha,
		Success:         v.Success,
		ExecutionDate:   v.ExecutionDate,
		BuildURL:        v.BuildURL,
	}, nil
}

// Resolution is a resolved latest verification.
type Resolution struct {
	Consumer        string           `json:"consumer"`
	ConsumerVersion string           `json:"consumerVersion"`
	Provider        string           `json:"provider"`
	ProviderVersion string           `json:"providerVersion"`
	PactRevision    int              `json:"pactRevision"`
	Status          string           `json:"status"`
	Verification    VerificationView `json:"verification"`
}

// LatestVerification resolves the latest verification for a consumer. A nil
// Resolution with a nil error means no verification matches.
func (s *Service) LatestVerification(ctx context.Context, q resolution.Query) (*Resolution, error) {
	if err := requireNames(q.Consumer); err != nil {
		return nil, err
	}
	res, err := s.resolver.LatestVerification(ctx, q)
	if err != nil {
		return nil, err
	}
	s.metrics.Resolution("latest", res != nil)
	return s.describe(ctx, res)
}

// LatestVerificationForTags resolves the latest verification between the
// newest consumer version matching consumerTag and provider versions tagged
// providerTag.
func (s *Service) LatestVerificationForTags(ctx context.Context, consumer, provider string, consumerTag resolution.TagFilter, providerTag string) (*Resolution, error) {
	if err := requireNames(consumer, provider); err != nil {
		return nil, err
	}
	res, err := s.resolver.LatestVerificationForTags(ctx, consumer, provider, consumerTag, providerTag)
	if err != nil {
		return nil, err
	}
	s.metrics.Resolution("latest_for_tags", res != nil)
	return s.describe(ctx, res)
}

// Matrix builds the compatibility matrix for the selectors.
func (s *Service) Matrix(ctx context.Context, selectors []matrix.Selector) (*matrix.Result, error) {
	if len(selectors) == 0 {
		return nil, fmt.Errorf("%w: at least one selector is required", ErrInvalidInput)
	}
	start := time.Now()
	result, err := s.matrix.Build(ctx, selectors)
	if err != nil {
		return nil, err
	}
	s.metrics.MatrixBuilt(time.Since(start), len(result.Rows))
	return result, nil
}

// RebuildLatestIndex re-derives the latest-verification index.
func (s *Service) RebuildLatestIndex(ctx context.Context) (int64, error) {
	n, err := s.verifications.RebuildLatestIndex(ctx)
	if err != nil {
		return 0, err
	}
	s.metrics.IndexRebuilt(n)
	s.logger.Info("latest verification index rebuilt", "entries", n)
	return n, nil
}

func (s *Service) describe(ctx context.Context, res *resolution.Result) (*Resolution, error) {
	if res == nil || res.Verification == nil {
		return nil, nil
	}
	consumer, err := s.ledger.FindPacticipantByID(ctx, res.Publication.ConsumerID)
	if err != nil {
		return nil, err
	}
	provider, err := s.ledger.FindPacticipantByID(ctx, res.Publication.ProviderID)
	if err != nil {
		return nil, err
	}
	pv, err := s.pacts.FindPactVersionByID(ctx, res.Publication.PactVersionID)
	if err != nil {
		return nil, err
	}
	if consumer == nil || provider == nil || pv == nil || res.ConsumerVersion == nil || res.ProviderVersion == nil {
		return nil, fmt.Errorf("%w: dangling references from verification %d", db.ErrInvariantViolation, res.Verification.Number)
	}

	v := res.Verification
	return &Resolution{
		Consumer:        consumer.Name,
		ConsumerVersion: res.ConsumerVersion.Number,
		Provider:        provider.Name,
		ProviderVersion: res.ProviderVersion.Number,
		PactRevision:    res.Publication.RevisionNumber,
		Status:          matrix.StatusOf(&v.Success),
		Verification: VerificationView{
			Number:          v.Number,
			Consumer:        consumer.Name,
			Provider:        provider.Name,
			ProviderVersion: res.ProviderVersion.Number,
			PactSHA:         pv.SHA,
			Success:         v.Success,
			ExecutionDate:   v.ExecutionDate,
			BuildURL:        v.BuildURL,
		},
	}, nil
}

func requireNames(values ...string) error {
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%w: names and versions must not be empty", ErrInvalidInput)
		}
	}
	return nil
}
