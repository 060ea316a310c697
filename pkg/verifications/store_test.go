package verifications

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/contract-ledger/broker/pkg/db"
	"github.com/contract-ledger/broker/pkg/ledger"
	"github.com/contract-ledger/broker/pkg/pacts"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return gdb
}

type fixture struct {
	db      *gorm.DB
	ledger  *ledger.Store
	pacts   *pacts.Store
	store   *Store
	ctx     context.Context
	pact    *pacts.PactVersion
	barV1   *ledger.Version
	content []byte
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gdb := setupTestDB(t)
	ls := ledger.NewStore(gdb)
	require.NoError(t, ls.AutoMigrate())
	ps := pacts.NewStore(gdb, ls)
	require.NoError(t, ps.AutoMigrate())
	vs := NewStore(gdb, ps)
	require.NoError(t, vs.AutoMigrate())

	ctx := context.Background()
	fooV1, err := ls.CreateOrFindVersion(ctx, "Foo", "1")
	require.NoError(t, err)
	content := []byte(`{"interactions":["get /thing"]}`)
	pub, err := ps.Publish(ctx, fooV1, "Bar", content)
	require.NoError(t, err)
	pv, err := ps.FindPactVersionByID(ctx, pub.PactVersionID)
	require.NoError(t, err)
	barV1, err := ls.CreateOrFindVersion(ctx, "Bar", "1")
	require.NoError(t, err)

	return &fixture{db: gdb, ledger: ls, pacts: ps, store: vs, ctx: ctx, pact: pv, barV1: barV1, content: content}
}

func (f *fixture) record(t *testing.T, providerVersion *ledger.Version, success bool) *Verification {
	t.Helper()
	number, err := f.store.NextNumber(f.ctx)
	require.NoError(t, err)
	v, err := f.store.Record(f.ctx, number, f.pact, providerVersion, RecordInput{Success: success})
	require.NoError(t, err)
	return v
}

func TestNextNumberIsStrictlyIncreasing(t *testing.T) {
	f := newFixture(t)

	first, err := f.store.NextNumber(f.ctx)
	require.NoError(t, err)
	second, err := f.store.NextNumber(f.ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(1), first)
	assert.Equal(t, int64(2), second)
}

func TestNextNumberConcurrentCallersGetDistinctValues(t *testing.T) {
	f := newFixture(t)
	const callers = 16

	var wg sync.WaitGroup
	results := make(chan int64, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := f.store.NextNumber(f.ctx)
			assert.NoError(t, err)
			results <- n
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int64]bool)
	for n := range results {
		assert.False(t, seen[n], "number %d issued twice", n)
		seen[n] = true
	}
	assert.Len(t, seen, callers)
}

func TestSequenceInitCatchesUpWithStoredNumbers(t *testing.T) {
	f := newFixture(t)

	_, err := f.store.Record(f.ctx, 41, f.pact, f.barV1, RecordInput{Success: true})
	require.NoError(t, err)
	require.NoError(t, f.store.sequence.Init(f.ctx))

	next, err := f.store.NextNumber(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(42), next)
}

func TestRecordUpdatesLatestIndex(t *testing.T) {
	f := newFixture(t)

	first := f.record(t, f.barV1, false)
	second := f.record(t, f.barV1, true)
	assert.Greater(t, second.Number, first.Number)

	latest, err := f.store.LatestForPactVersionAndProviderVersion(f.ctx, f.pact.ID, f.barV1.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, second.Number, latest.Number)
	assert.True(t, latest.Success)

	var entries int64
	require.NoError(t, f.db.Model(&LatestVerification{}).Count(&entries).Error)
	assert.Equal(t, int64(1), entries)
}

func TestRecordOutOfOrderCommitKeepsHigherNumber(t *testing.T) {
	f := newFixture(t)

	older, err := f.store.NextNumber(f.ctx)
	require.NoError(t, err)
	newer, err := f.store.NextNumber(f.ctx)
	require.NoError(t, err)
	require.Less(t, older, newer)

	// The run holding the higher number commits first.
	_, err = f.store.Record(f.ctx, newer, f.pact, f.barV1, RecordInput{Success: true})
	require.NoError(t, err)
	_, err = f.store.Record(f.ctx, older, f.pact, f.barV1, RecordInput{Success: false})
	require.NoError(t, err)

	latest, err := f.store.LatestForPactVersionAndProviderVersion(f.ctx, f.pact.ID, f.barV1.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, newer, latest.Number)
	assert.True(t, latest.Success)

	_, err = f.store.RebuildLatestIndex(f.ctx)
	require.NoError(t, err)
	rebuilt, err := f.store.LatestForPactVersionAndProviderVersion(f.ctx, f.pact.ID, f.barV1.ID)
	require.NoError(t, err)
	require.NotNil(t, rebuilt)
	assert.Equal(t, latest.ID, rebuilt.ID)
}

func TestRecordRejectsReusedNumber(t *testing.T) {
	f := newFixture(t)

	v := f.record(t, f.barV1, true)
	_, err := f.store.Record(f.ctx, v.Number, f.pact, f.barV1, RecordInput{Success: false})
	require.Error(t, err)
	assert.True(t, errors.Is(err, db.ErrInvariantViolation))
}

func TestRecordRejectsForeignProviderVersion(t *testing.T) {
	f := newFixture(t)

	bazV1, err := f.ledger.CreateOrFindVersion(f.ctx, "Baz", "1")
	require.NoError(t, err)
	_, err = f.store.Record(f.ctx, 1, f.pact, bazV1, RecordInput{Success: true})
	assert.Error(t, err)
}

func TestRecordRejectsUnissuedNumber(t *testing.T) {
	f := newFixture(t)

	_, err := f.store.Record(f.ctx, 0, f.pact, f.barV1, RecordInput{Success: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, db.ErrInvariantViolation))
}

func TestFind(t *testing.T) {
	f := newFixture(t)
	executed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	number, err := f.store.NextNumber(f.ctx)
	require.NoError(t, err)
	_, err = f.store.Record(f.ctx, number, f.pact, f.barV1, RecordInput{
		Success:       true,
		ExecutionDate: executed,
		BuildURL:      "https://ci.example.com/builds/7",
	})
	require.NoError(t, err)

	found, err := f.store.Find(f.ctx, "Foo", "Bar", f.pact.SHA, number)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "https://ci.example.com/builds/7", found.BuildURL)
	assert.True(t, found.ExecutionDate.Equal(executed))

	missing, err := f.store.Find(f.ctx, "Foo", "Bar", f.pact.SHA, number+100)
	require.NoError(t, err)
	assert.Nil(t, missing)

	wrongSHA, err := f.store.Find(f.ctx, "Foo", "Bar", "deadbeef", number)
	require.NoError(t, err)
	assert.Nil(t, wrongSHA)
}

func TestIdenticalContentSharesVerifications(t *testing.T) {
	f := newFixture(t)
	f.record(t, f.barV1, true)

	fooV2, err := f.ledger.CreateOrFindVersion(f.ctx, "Foo", "2")
	require.NoError(t, err)
	pub, err := f.pacts.Publish(f.ctx, fooV2, "Bar", f.content)
	require.NoError(t, err)
	assert.Equal(t, f.pact.ID, pub.PactVersionID)

	latest, err := f.store.LatestForPactVersionAndProviderVersion(f.ctx, pub.PactVersionID, f.barV1.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.True(t, latest.Success)
}

func TestLatestForProviderVersion(t *testing.T) {
	f := newFixture(t)
	f.record(t, f.barV1, false)
	want := f.record(t, f.barV1, true)

	barV2, err := f.ledger.CreateOrFindVersion(f.ctx, "Bar", "2")
	require.NoError(t, err)
	f.record(t, barV2, false)

	rows, err := f.store.LatestForProviderVersion(f.ctx, f.barV1.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, want.Number, rows[0].Number)

	rows, err = f.store.LatestForPactVersion(f.ctx, f.pact.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestRebuildLatestIndex(t *testing.T) {
	f := newFixture(t)
	f.record(t, f.barV1, true)
	want := f.record(t, f.barV1, false)

	barV2, err := f.ledger.CreateOrFindVersion(f.ctx, "Bar", "2")
	require.NoError(t, err)
	f.record(t, barV2, true)

	// Corrupt the index so the rebuild has something to repair.
	require.NoError(t, f.db.Where("1 = 1").Delete(&LatestVerification{}).Error)

	entries, err := f.store.RebuildLatestIndex(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), entries)

	latest, err := f.store.LatestForPactVersionAndProviderVersion(f.ctx, f.pact.ID, f.barV1.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, want.Number, latest.Number)
	assert.False(t, latest.Success)
}
