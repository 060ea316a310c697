package matrix

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/contract-ledger/broker/pkg/ledger"
	"github.com/contract-ledger/broker/pkg/pacts"
	"github.com/contract-ledger/broker/pkg/resolution"
	"github.com/contract-ledger/broker/pkg/verifications"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

type harness struct {
	t             *testing.T
	ctx           context.Context
	ledger        *ledger.Store
	pacts         *pacts.Store
	verifications *verifications.Store
	builder       *Builder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := setupTestDB(t)
	ls := ledger.NewStore(db)
	require.NoError(t, ls.AutoMigrate())
	ps := pacts.NewStore(db, ls)
	require.NoError(t, ps.AutoMigrate())
	vs := verifications.NewStore(db, ps)
	require.NoError(t, vs.AutoMigrate())
	resolver := resolution.NewResolver(db, ls, ps, vs)
	return &harness{
		t:             t,
		ctx:           context.Background(),
		ledger:        ls,
		pacts:         ps,
		verifications: vs,
		builder:       NewBuilder(ls, ps, vs, resolver, WithConcurrency(2)),
	}
}

func (h *harness) version(pacticipant, number string, tags ...string) *ledger.Version {
	h.t.Helper()
	v, err := h.ledger.CreateOrFindVersion(h.ctx, pacticipant, number)
	require.NoError(h.t, err)
	for _, tag := range tags {
		_, err := h.ledger.AttachTag(h.ctx, v, tag)
		require.NoError(h.t, err)
	}
	return v
}

func (h *harness) publish(consumerVersion *ledger.Version, provider, content string) *pacts.Publication {
	h.t.Helper()
	pub, err := h.pacts.Publish(h.ctx, consumerVersion, provider, []byte(content))
	require.NoError(h.t, err)
	return pub
}

func (h *harness) verify(pub *pacts.Publication, providerVersion *ledger.Version, success bool) {
	h.t.Helper()
	pv, err := h.pacts.FindPactVersionByID(h.ctx, pub.PactVersionID)
	require.NoError(h.t, err)
	number, err := h.verifications.NextNumber(h.ctx)
	require.NoError(h.t, err)
	_, err = h.verifications.Record(h.ctx, number, pv, providerVersion, verifications.RecordInput{
		Success:       success,
		ExecutionDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(h.t, err)
}

func (h *harness) build(raw ...string) *Result {
	h.t.Helper()
	selectors := make([]Selector, 0, len(raw))
	for _, r := range raw {
		sel, err := ParseSelector(r)
		require.NoError(h.t, err)
		selectors = append(selectors, sel)
	}
	res, err := h.builder.Build(h.ctx, selectors)
	require.NoError(h.t, err)
	return res
}

func TestBuildVersionAgainstLatest(t *testing.T) {
	h := newHarness(t)

	fooV1 := h.version("Foo", "1")
	barV1 := h.version("Bar", "1", "prod")
	h.verify(h.publish(fooV1, "Bar", `{"v":1}`), barV1, true)
	h.publish(h.version("Foo", "2"), "Bar", `{"v":2}`)

	res := h.build("Foo@1", "Bar@latest")
	require.Len(t, res.Rows, 1)
	row := res.Rows[0]
	assert.Equal(t, "Foo", row.Consumer)
	assert.Equal(t, "1", row.ConsumerVersion)
	assert.Equal(t, "Bar", row.Provider)
	assert.Equal(t, "1", row.ProviderVersion)
	assert.Equal(t, []string{"prod"}, row.ProviderTags)
	assert.Equal(t, 1, row.PactRevision)
	require.NotNil(t, row.Success)
	assert.True(t, *row.Success)
	assert.Equal(t, StatusSuccess, row.Status)

	require.NotNil(t, res.Summary.Deployable)
	assert.True(t, *res.Summary.Deployable)
	assert.Empty(t, res.Notices)
}

func TestBuildUnverifiedPairIsUnknown(t *testing.T) {
	h := newHarness(t)

	fooV1 := h.version("Foo", "1")
	barV1 := h.version("Bar", "1")
	h.verify(h.publish(fooV1, "Bar", `{}`), barV1, true)
	h.version("Bar", "2")

	res := h.build("Foo@1", "Bar@latest")
	require.Len(t, res.Rows, 1)
	assert.Nil(t, res.Rows[0].Success)
	assert.Equal(t, StatusUnknown, res.Rows[0].Status)
	assert.Equal(t, "2", res.Rows[0].ProviderVersion)
	assert.Nil(t, res.Summary.Deployable)
}

func TestBuildMergesDuplicateCombinations(t *testing.T) {
	h := newHarness(t)

	fooV1 := h.version("Foo", "1")
	barV1 := h.version("Bar", "1", "prod")
	h.verify(h.publish(fooV1, "Bar", `{}`), barV1, false)

	res := h.build("Foo@1", "Bar@latest", "Bar#prod", "Bar@1")
	require.Len(t, res.Rows, 1)
	assert.Equal(t, StatusFailed, res.Rows[0].Status)
	require.NotNil(t, res.Summary.Deployable)
	assert.False(t, *res.Summary.Deployable)
}

func TestBuildUnknownSelectorsBecomeNotices(t *testing.T) {
	h := newHarness(t)

	fooV1 := h.version("Foo", "1")
	barV1 := h.version("Bar", "1")
	h.verify(h.publish(fooV1, "Bar", `{}`), barV1, true)

	res := h.build("Foo@1", "Bar@latest", "Nobody@1", "Bar@9", "Bar#missing")
	assert.Len(t, res.Rows, 1)
	require.Len(t, res.Notices, 3)
	assert.Equal(t, "Nobody@1", res.Notices[0].Selector)
	assert.Equal(t, "Bar@9", res.Notices[1].Selector)
	assert.Equal(t, "Bar#missing", res.Notices[2].Selector)
}

func TestBuildSinglePacticipant(t *testing.T) {
	h := newHarness(t)

	fooV1 := h.version("Foo", "1")
	fooV2 := h.version("Foo", "2")
	barV1 := h.version("Bar", "1")
	bazV1 := h.version("Baz", "1")

	h.verify(h.publish(fooV1, "Bar", `{"foo":1}`), barV1, true)
	h.verify(h.publish(fooV2, "Bar", `{"foo":2}`), barV1, false)
	h.publish(bazV1, "Bar", `{"baz":1}`)

	res := h.build("Bar")
	require.Len(t, res.Rows, 2)
	assert.Equal(t, "2", res.Rows[0].ConsumerVersion, "newest consumer version first")
	assert.Equal(t, StatusFailed, res.Rows[0].Status)
	assert.Equal(t, "1", res.Rows[1].ConsumerVersion)
	assert.Equal(t, StatusSuccess, res.Rows[1].Status)

	res = h.build("Baz@1")
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "Bar", res.Rows[0].Provider)
	assert.Empty(t, res.Rows[0].ProviderVersion)
	assert.Equal(t, StatusUnknown, res.Rows[0].Status)
}

func TestBuildOrdersByConsumerVersionThenProvider(t *testing.T) {
	h := newHarness(t)

	fooV1 := h.version("Foo", "1")
	fooV2 := h.version("Foo", "2")
	barV1 := h.version("Bar", "1")
	alphaV1 := h.version("Alpha", "1")

	h.verify(h.publish(fooV1, "Bar", `{"bar":1}`), barV1, true)
	h.verify(h.publish(fooV2, "Bar", `{"bar":2}`), barV1, true)
	h.verify(h.publish(fooV2, "Alpha", `{"alpha":2}`), alphaV1, true)

	res := h.build("Foo")
	require.Len(t, res.Rows, 3)
	assert.Equal(t, []string{"2", "2", "1"}, []string{res.Rows[0].ConsumerVersion, res.Rows[1].ConsumerVersion, res.Rows[2].ConsumerVersion})
	assert.Equal(t, "Alpha", res.Rows[0].Provider)
	assert.Equal(t, "Bar", res.Rows[1].Provider)
	assert.True(t, *res.Summary.Deployable)
}

func TestBuildEmpty(t *testing.T) {
	h := newHarness(t)

	res := h.build("Nobody")
	assert.Empty(t, res.Rows)
	assert.Len(t, res.Notices, 1)
	assert.Nil(t, res.Summary.Deployable)
}

func TestBuildUnpinnedProviderOnlyContributesVerifiedPairs(t *testing.T) {
	h := newHarness(t)

	for _, n := range []string{"1", "2", "3"} {
		fooV := h.version("Foo", n)
		barV := h.version("Bar", n)
		h.verify(h.publish(fooV, "Bar", fmt.Sprintf(`{"foo":%s}`, n)), barV, true)
	}

	t.Run("all versions on both sides", func(t *testing.T) {
		res := h.build("Foo", "Bar")
		require.Len(t, res.Rows, 3)
		for _, row := range res.Rows {
			assert.Equal(t, row.ConsumerVersion, row.ProviderVersion)
			assert.Equal(t, StatusSuccess, row.Status)
		}
		require.NotNil(t, res.Summary.Deployable)
		assert.True(t, *res.Summary.Deployable)
	})

	t.Run("pinned consumer against every provider version", func(t *testing.T) {
		res := h.build("Foo@1", "Bar")
		require.Len(t, res.Rows, 1)
		assert.Equal(t, "1", res.Rows[0].ProviderVersion)
		require.NotNil(t, res.Summary.Deployable)
		assert.True(t, *res.Summary.Deployable)
	})

	t.Run("pinned provider keeps unverified pairs", func(t *testing.T) {
		res := h.build("Foo", "Bar@latest")
		require.Len(t, res.Rows, 3)
		assert.Equal(t, StatusSuccess, res.Rows[0].Status)
		assert.Equal(t, StatusUnknown, res.Rows[1].Status)
		assert.Equal(t, StatusUnknown, res.Rows[2].Status)
		assert.Nil(t, res.Summary.Deployable)
	})

	t.Run("pact no selected provider version verified", func(t *testing.T) {
		h.publish(h.version("Foo", "4"), "Bar", `{"foo":4}`)

		res := h.build("Foo@4", "Bar")
		require.Len(t, res.Rows, 1)
		assert.Equal(t, "Bar", res.Rows[0].Provider)
		assert.Empty(t, res.Rows[0].ProviderVersion)
		assert.Equal(t, StatusUnknown, res.Rows[0].Status)
		assert.Nil(t, res.Summary.Deployable)
	})
}

func TestBuildOrdersEqualConsumerOrdersByProvider(t *testing.T) {
	h := newHarness(t)

	zedV1 := h.version("Zed", "1")
	aceV1 := h.version("Ace", "1")
	alphaV1 := h.version("Alpha", "1")
	betaV1 := h.version("Beta", "1")

	h.verify(h.publish(aceV1, "Beta", `{"ace":1}`), betaV1, true)
	h.verify(h.publish(zedV1, "Alpha", `{"zed":1}`), alphaV1, true)

	res := h.build("Zed@1", "Ace@1", "Alpha@1", "Beta@1")
	require.Len(t, res.Rows, 2)
	assert.Equal(t, "Alpha", res.Rows[0].Provider)
	assert.Equal(t, "Zed", res.Rows[0].Consumer)
	assert.Equal(t, "Beta", res.Rows[1].Provider)
	assert.Equal(t, "Ace", res.Rows[1].Consumer)
}
