// Package matrix builds the consumer version × provider version grid of
// verification results for a set of version selectors.
package matrix

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/sync/errgroup"

	"github.com/contract-ledger/broker/pkg/ledger"
	"github.com/contract-ledger/broker/pkg/pacts"
	"github.com/contract-ledger/broker/pkg/resolution"
	"github.com/contract-ledger/broker/pkg/verifications"
)

// DefaultConcurrency bounds the pair resolutions one Build runs at once.
const DefaultConcurrency = 4

// Result is a built matrix.
type Result struct {
	Rows    []Row    `json:"rows" yaml:"rows"`
	Notices []Notice `json:"notices,omitempty" yaml:"notices,omitempty"`
	Summary Summary  `json:"summary" yaml:"summary"`
}

// Builder builds matrices on top of the resolution engine.
type Builder struct {
	ledger        *ledger.Store
	pacts         *pacts.Store
	verifications *verifications.Store
	resolver      *resolution.Resolver
	concurrency   int
	logger        *slog.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithConcurrency sets how many pair resolutions run in parallel.
func WithConcurrency(n int) Option {
	return func(b *Builder) {
		if n > 0 {
			b.concurrency = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Builder) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewBuilder creates a Builder.
func NewBuilder(ledgerStore *ledger.Store, pactStore *pacts.Store, verificationStore *verifications.Store, resolver *resolution.Resolver, opts ...Option) *Builder {
	b := &Builder{
		ledger:        ledgerStore,
		pacts:         pactStore,
		verifications: verificationStore,
		resolver:      resolver,
		concurrency:   DefaultConcurrency,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// cell is a row before names and tags are attached. providerVersion is nil
// for a pact nobody has verified yet.
type cell struct {
	consumerVersion *ledger.Version
	providerVersion *ledger.Version
	publication     *pacts.Publication
	verification    *verifications.Verification
}

func (c cell) key() string {
	if c.providerVersion == nil {
		return fmt.Sprintf("%d/-%d", c.consumerVersion.ID, c.publication.ProviderID)
	}
	return fmt.Sprintf("%d/%d", c.consumerVersion.ID, c.providerVersion.ID)
}

// Build resolves the selectors and returns every combination of the selected
// versions that has pact or verification history. With selectors for a
// single pacticipant the selected versions are matched against every
// counterpart they have history with. Selectors that match nothing produce
// notices, not errors.
func (b *Builder) Build(ctx context.Context, selectors []Selector) (*Result, error) {
	selected, pinned, notices, err := b.resolveSelectors(ctx, selectors)
	if err != nil {
		return nil, err
	}

	var cells []cell
	switch len(selected) {
	case 0:
	case 1:
		for _, versions := range selected {
			cells, err = b.singlePacticipantCells(ctx, versions)
		}
	default:
		cells, err = b.pairCells(ctx, selected, pinned)
	}
	if err != nil {
		return nil, err
	}

	rows, err := b.toRows(ctx, dedupe(cells))
	if err != nil {
		return nil, err
	}
	b.logger.Debug("matrix built", "selectors", len(selectors), "rows", len(rows), "notices", len(notices))
	return &Result{Rows: rows, Notices: notices, Summary: Summarize(rows)}, nil
}

// resolveSelectors maps selectors to versions grouped by pacticipant ID.
// pinned holds the IDs of versions named by a version, tag or latest
// selector, as opposed to versions reached through a bare pacticipant name.
func (b *Builder) resolveSelectors(ctx context.Context, selectors []Selector) (selected map[int64][]*ledger.Version, pinned mapset.Set[int64], notices []Notice, err error) {
	selected = make(map[int64][]*ledger.Version)
	pinned = mapset.NewSet[int64]()
	seen := mapset.NewSet[int64]()

	for _, sel := range selectors {
		p, err := b.ledger.FindPacticipant(ctx, sel.Pacticipant)
		if err != nil {
			return nil, nil, nil, err
		}
		if p == nil {
			notices = append(notices, Notice{Selector: sel.String(), Message: fmt.Sprintf("pacticipant %q not found", sel.Pacticipant)})
			continue
		}

		versions, err := b.versionsFor(ctx, p, sel)
		if err != nil {
			return nil, nil, nil, err
		}
		if len(versions) == 0 {
			notices = append(notices, Notice{Selector: sel.String(), Message: noMatchMessage(sel)})
			continue
		}
		if _, ok := selected[p.ID]; !ok {
			selected[p.ID] = nil
		}
		for i := range versions {
			if sel.single() {
				pinned.Add(versions[i].ID)
			}
			if seen.Add(versions[i].ID) {
				selected[p.ID] = append(selected[p.ID], &versions[i])
			}
		}
	}
	return selected, pinned, notices, nil
}

func (b *Builder) versionsFor(ctx context.Context, p *ledger.Pacticipant, sel Selector) ([]ledger.Version, error) {
	var (
		v   *ledger.Version
		err error
	)
	switch {
	case sel.Version != "":
		v, err = b.ledger.FindVersion(ctx, p.Name, sel.Version)
	case sel.Tag != "":
		v, err = b.ledger.LatestVersionWithTag(ctx, p.ID, sel.Tag)
	case sel.Latest:
		v, err = b.ledger.LatestVersion(ctx, p.ID)
	default:
		return b.ledger.ListVersions(ctx, p.ID)
	}
	if err != nil || v == nil {
		return nil, err
	}
	return []ledger.Version{*v}, nil
}

func noMatchMessage(sel Selector) string {
	switch {
	case sel.Version != "":
		return fmt.Sprintf("version %q of %q not found", sel.Version, sel.Pacticipant)
	case sel.Tag != "":
		return fmt.Sprintf("no version of %q is tagged %q", sel.Pacticipant, sel.Tag)
	default:
		return fmt.Sprintf("%q has no versions", sel.Pacticipant)
	}
}

// pairCells resolves every selected version against every selected version
// of each other pacticipant, in both consumer/provider directions. A pair
// the provider version never verified only becomes a row when that provider
// version was pinned by its selector. A pact left unverified by every
// selected provider version becomes one row with no provider version.
func (b *Builder) pairCells(ctx context.Context, selected map[int64][]*ledger.Version, pinned mapset.Set[int64]) ([]cell, error) {
	var (
		mu      sync.Mutex
		cells   []cell
		covered = mapset.NewThreadUnsafeSet[string]()
		pending = make(map[string]cell)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)

	for consumerID, consumerVersions := range selected {
		for providerID, providerVersions := range selected {
			if consumerID == providerID {
				continue
			}
			for _, cv := range consumerVersions {
				for _, pv := range providerVersions {
					cv, pv := cv, pv
					g.Go(func() error {
						res, err := b.resolver.ResolvePair(gctx, cv, pv)
						if err != nil {
							return fmt.Errorf("resolve %s %s against %d: %w", cv.Number, pv.Number, pv.PacticipantID, err)
						}
						if res == nil {
							return nil
						}
						c := cell{
							consumerVersion: cv,
							providerVersion: pv,
							publication:     res.Publication,
							verification:    res.Verification,
						}
						unverified := cell{consumerVersion: cv, publication: res.Publication}

						mu.Lock()
						defer mu.Unlock()
						if res.Verification == nil && !pinned.Contains(pv.ID) {
							pending[unverified.key()] = unverified
							return nil
						}
						covered.Add(unverified.key())
						cells = append(cells, c)
						return nil
					})
				}
			}
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for key, c := range pending {
		if !covered.Contains(key) {
			cells = append(cells, c)
		}
	}
	return cells, nil
}

// singlePacticipantCells matches the versions against everything they have
// history with: as a consumer through their current pacts, and as a
// provider through the verifications they performed.
func (b *Builder) singlePacticipantCells(ctx context.Context, versions []*ledger.Version) ([]cell, error) {
	var (
		mu    sync.Mutex
		cells []cell
	)
	add := func(c cell) {
		mu.Lock()
		cells = append(cells, c)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for _, v := range versions {
		v := v
		g.Go(func() error { return b.consumerSide(gctx, v, add) })
		g.Go(func() error { return b.providerSide(gctx, v, add) })
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return cells, nil
}

func (b *Builder) consumerSide(ctx context.Context, cv *ledger.Version, add func(cell)) error {
	pubs, err := b.pacts.CurrentPublicationsForConsumerVersion(ctx, cv)
	if err != nil {
		return err
	}
	for i := range pubs {
		pub := &pubs[i]
		verified, err := b.verifications.LatestForPactVersion(ctx, pub.PactVersionID)
		if err != nil {
			return err
		}
		if len(verified) == 0 {
			add(cell{consumerVersion: cv, publication: pub})
			continue
		}
		for j := range verified {
			pv, err := b.ledger.FindVersionByID(ctx, verified[j].ProviderVersionID)
			if err != nil {
				return err
			}
			if pv == nil {
				continue
			}
			add(cell{consumerVersion: cv, providerVersion: pv, publication: pub, verification: &verified[j]})
		}
	}
	return nil
}

func (b *Builder) providerSide(ctx context.Context, pv *ledger.Version, add func(cell)) error {
	verified, err := b.verifications.LatestForProviderVersion(ctx, pv.ID)
	if err != nil {
		return err
	}
	for i := range verified {
		pubs, err := b.pacts.CurrentPublicationsForPactVersion(ctx, verified[i].PactVersionID)
		if err != nil {
			return err
		}
		for j := range pubs {
			cv, err := b.ledger.FindVersionByID(ctx, pubs[j].ConsumerVersionID)
			if err != nil {
				return err
			}
			if cv == nil {
				continue
			}
			add(cell{consumerVersion: cv, providerVersion: pv, publication: &pubs[j], verification: &verified[i]})
		}
	}
	return nil
}

// dedupe drops repeated (consumer version, provider version) pairs, which
// arise when several selectors or both sides of a pacticipant reach the
// same combination.
func dedupe(cells []cell) []cell {
	seen := mapset.NewSet[string]()
	out := cells[:0]
	for _, c := range cells {
		if seen.Add(c.key()) {
			out = append(out, c)
		}
	}
	return out
}

func (b *Builder) toRows(ctx context.Context, cells []cell) ([]Row, error) {
	if len(cells) == 0 {
		return []Row{}, nil
	}

	versionIDs := mapset.NewSet[int64]()
	pacticipantIDs := mapset.NewSet[int64]()
	pactVersionIDs := mapset.NewSet[int64]()
	for _, c := range cells {
		versionIDs.Add(c.consumerVersion.ID)
		pacticipantIDs.Add(c.consumerVersion.PacticipantID)
		pacticipantIDs.Add(c.publication.ProviderID)
		pactVersionIDs.Add(c.publication.PactVersionID)
		if c.providerVersion != nil {
			versionIDs.Add(c.providerVersion.ID)
		}
	}

	tags, err := b.ledger.TagNamesForVersions(ctx, versionIDs.ToSlice())
	if err != nil {
		return nil, err
	}
	contents, err := b.pacts.PactVersionsByID(ctx, pactVersionIDs.ToSlice())
	if err != nil {
		return nil, err
	}
	names := make(map[int64]string, pacticipantIDs.Cardinality())
	for _, id := range pacticipantIDs.ToSlice() {
		p, err := b.ledger.FindPacticipantByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if p != nil {
			names[id] = p.Name
		}
	}

	rows := make([]Row, 0, len(cells))
	for _, c := range cells {
		row := Row{
			Consumer:             names[c.consumerVersion.PacticipantID],
			ConsumerVersion:      c.consumerVersion.Number,
			ConsumerVersionOrder: c.consumerVersion.Order,
			ConsumerTags:         nonNil(tags[c.consumerVersion.ID]),
			Provider:             names[c.publication.ProviderID],
			ProviderTags:         []string{},
			PactRevision:         c.publication.RevisionNumber,
			PactSHA:              contents[c.publication.PactVersionID].SHA,
		}
		if c.providerVersion != nil {
			row.ProviderVersion = c.providerVersion.Number
			row.ProviderVersionOrder = c.providerVersion.Order
			row.ProviderTags = nonNil(tags[c.providerVersion.ID])
		}
		if c.verification != nil {
			success := c.verification.Success
			executed := c.verification.ExecutionDate
			row.Success = &success
			row.VerificationNumber = c.verification.Number
			row.VerifiedAt = &executed
		}
		row.Status = StatusOf(row.Success)
		rows = append(rows, row)
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].ConsumerVersionOrder != rows[j].ConsumerVersionOrder {
			return rows[i].ConsumerVersionOrder > rows[j].ConsumerVersionOrder
		}
		if rows[i].Provider != rows[j].Provider {
			return rows[i].Provider < rows[j].Provider
		}
		// Versions of different consumers can share an order.
		if rows[i].Consumer != rows[j].Consumer {
			return rows[i].Consumer < rows[j].Consumer
		}
		return rows[i].ProviderVersionOrder > rows[j].ProviderVersionOrder
	})
	return rows, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
