package detector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/RIDCorix/Amazcope-sub000/internal/storage"
)

type recordingAlertStore struct {
	inserted  []storage.Alert
	dedupSeen map[string]bool
	failAll   bool
}

func newRecordingAlertStore() *recordingAlertStore {
	return &recordingAlertStore{dedupSeen: make(map[string]bool)}
}

func (r *recordingAlertStore) InsertAlert(ctx context.Context, alert storage.Alert) (bool, error) {
	if r.failAll {
		return false, errors.New("insert failed")
	}
	if r.dedupSeen[alert.DedupKey] {
		return false, nil
	}
	r.dedupSeen[alert.DedupKey] = true
	r.inserted = append(r.inserted, alert)
	return true, nil
}

func (r *recordingAlertStore) ListUnnotifiedAlerts(ctx context.Context, limit int) ([]storage.Alert, error) {
	return r.inserted, nil
}

func (r *recordingAlertStore) ListRecentAlerts(ctx context.Context, limit int) ([]storage.Alert, error) {
	return r.inserted, nil
}

func (r *recordingAlertStore) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	return nil
}

var _ storage.AlertStore = (*recordingAlertStore)(nil)

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func priceEntity(thresholdPct string) storage.Entity {
	return storage.Entity{
		ID:                1,
		ASIN:              "B0EXAMPLE",
		Marketplace:       "US",
		PriceThresholdPct: dec(thresholdPct),
	}
}

func priceSnapshots(prevPrice, newPrice string) (storage.Snapshot, storage.Snapshot) {
	p1 := dec(prevPrice)
	p2 := dec(newPrice)
	prev := storage.Snapshot{ID: 10, EntityID: 1, Price: &p1}
	next := storage.Snapshot{ID: 11, EntityID: 1, Price: &p2}
	return prev, next
}

func watcherProfile(userID int64, override *storage.ThresholdOverride) storage.WatcherProfile {
	return storage.WatcherProfile{
		Watcher:  storage.Watcher{UserID: userID, EntityID: 1},
		Override: override,
	}
}

func TestEvaluatePriceIncreaseCrossesThreshold(t *testing.T) {
	d := New(newRecordingAlertStore(), zerolog.Nop())

	// $20 -> $25 is +25% against a 10% threshold
	prev, next := priceSnapshots("20", "25")
	alerts := d.Evaluate(priceEntity("10"), prev, next, []storage.WatcherProfile{watcherProfile(1, nil)})

	require.Len(t, alerts, 1)
	a := alerts[0]
	require.Equal(t, storage.MetricPrice, a.Metric)
	require.Equal(t, storage.DirectionUp, a.Direction)
	require.True(t, a.DeltaRel.Equal(dec("0.25")), "delta 应为 0.25, 实际 %s", a.DeltaRel)
	require.True(t, a.DeltaAbs.Equal(dec("5")))
	require.True(t, a.ThresholdPct.Equal(dec("10")))
	// 25% is at least twice the 10% threshold
	require.Equal(t, storage.SeverityCritical, a.Severity)
	require.Equal(t, "1:1:price:up:11", a.DedupKey)
}

func TestEvaluateBoundaryEqualsThresholdFires(t *testing.T) {
	d := New(newRecordingAlertStore(), zerolog.Nop())

	// exactly 10% qualifies
	prev, next := priceSnapshots("20", "22")
	alerts := d.Evaluate(priceEntity("10"), prev, next, []storage.WatcherProfile{watcherProfile(1, nil)})

	require.Len(t, alerts, 1)
	require.Equal(t, storage.SeverityWarning, alerts[0].Severity)
}

func TestEvaluateBelowThresholdIsQuiet(t *testing.T) {
	d := New(newRecordingAlertStore(), zerolog.Nop())

	prev, next := priceSnapshots("20", "21.50")
	alerts := d.Evaluate(priceEntity("10"), prev, next, []storage.WatcherProfile{watcherProfile(1, nil)})
	require.Empty(t, alerts)
}

func TestEvaluateDecreaseDirectionDown(t *testing.T) {
	d := New(newRecordingAlertStore(), zerolog.Nop())

	prev, next := priceSnapshots("20", "15")
	alerts := d.Evaluate(priceEntity("10"), prev, next, []storage.WatcherProfile{watcherProfile(1, nil)})

	require.Len(t, alerts, 1)
	require.Equal(t, storage.DirectionDown, alerts[0].Direction)
	require.True(t, alerts[0].DeltaRel.Equal(dec("-0.25")))
}

func TestEvaluateMutedWatcherSkipped(t *testing.T) {
	d := New(newRecordingAlertStore(), zerolog.Nop())

	prev, next := priceSnapshots("20", "40")
	alerts := d.Evaluate(priceEntity("10"), prev, next, []storage.WatcherProfile{
		watcherProfile(1, &storage.ThresholdOverride{Muted: true}),
		watcherProfile(2, nil),
	})

	require.Len(t, alerts, 1)
	require.Equal(t, int64(2), alerts[0].UserID)
}

func TestEvaluateOverrideTightensThreshold(t *testing.T) {
	d := New(newRecordingAlertStore(), zerolog.Nop())

	pct := dec("2")
	prev, next := priceSnapshots("20", "21")
	// +5% is under the 10% default but over user 1's 2% override
	alerts := d.Evaluate(priceEntity("10"), prev, next, []storage.WatcherProfile{
		watcherProfile(1, &storage.ThresholdOverride{PricePct: &pct}),
		watcherProfile(2, nil),
	})

	require.Len(t, alerts, 1)
	require.Equal(t, int64(1), alerts[0].UserID)
	require.True(t, alerts[0].ThresholdPct.Equal(pct))
}

func TestEvaluateZeroThresholdDisablesMetric(t *testing.T) {
	d := New(newRecordingAlertStore(), zerolog.Nop())

	prev, next := priceSnapshots("20", "200")
	alerts := d.Evaluate(priceEntity("0"), prev, next, []storage.WatcherProfile{watcherProfile(1, nil)})
	require.Empty(t, alerts)
}

func TestEvaluateNullOrZeroPrevSkipsMetric(t *testing.T) {
	d := New(newRecordingAlertStore(), zerolog.Nop())

	newPrice := dec("25")
	prev := storage.Snapshot{ID: 10, EntityID: 1}
	next := storage.Snapshot{ID: 11, EntityID: 1, Price: &newPrice}
	require.Empty(t, d.Evaluate(priceEntity("10"), prev, next, []storage.WatcherProfile{watcherProfile(1, nil)}))

	zero := decimal.Zero
	prev.Price = &zero
	require.Empty(t, d.Evaluate(priceEntity("10"), prev, next, []storage.WatcherProfile{watcherProfile(1, nil)}))
}

func TestEvaluateRankUsesRelativeDelta(t *testing.T) {
	d := New(newRecordingAlertStore(), zerolog.Nop())

	entity := storage.Entity{ID: 1, RankThresholdPct: dec("30")}
	r1, r2 := int64(1000), int64(1500)
	prev := storage.Snapshot{ID: 10, EntityID: 1, Rank: &r1}
	next := storage.Snapshot{ID: 11, EntityID: 1, Rank: &r2}

	alerts := d.Evaluate(entity, prev, next, []storage.WatcherProfile{watcherProfile(1, nil)})
	require.Len(t, alerts, 1)
	require.Equal(t, storage.MetricRank, alerts[0].Metric)
	// rank grew, i.e. the listing got worse
	require.Equal(t, storage.DirectionUp, alerts[0].Direction)
	require.True(t, alerts[0].DeltaRel.Equal(dec("0.5")))
}

func TestEvaluateStockTransitionFiresUnconditionally(t *testing.T) {
	d := New(newRecordingAlertStore(), zerolog.Nop())

	inStock, outOfStock := true, false
	entity := storage.Entity{ID: 1} // all thresholds zero
	prev := storage.Snapshot{ID: 10, EntityID: 1, InStock: &inStock}
	next := storage.Snapshot{ID: 11, EntityID: 1, InStock: &outOfStock}

	alerts := d.Evaluate(entity, prev, next, []storage.WatcherProfile{watcherProfile(1, nil)})
	require.Len(t, alerts, 1)
	require.Equal(t, storage.MetricStock, alerts[0].Metric)
	require.Equal(t, storage.SeverityCritical, alerts[0].Severity)

	// back in stock is not a transition worth alerting on
	require.Empty(t, d.Evaluate(entity, next, prev, []storage.WatcherProfile{watcherProfile(1, nil)}))
}

func TestRecordAssignsIDsAndIsIdempotent(t *testing.T) {
	store := newRecordingAlertStore()
	d := New(store, zerolog.Nop())

	prev, next := priceSnapshots("20", "25")
	candidates := d.Evaluate(priceEntity("10"), prev, next, []storage.WatcherProfile{watcherProfile(1, nil)})

	created, err := d.Record(context.Background(), candidates)
	require.NoError(t, err)
	require.Equal(t, 1, created)
	require.NotEmpty(t, store.inserted[0].ID)

	// re-running the same evaluation creates nothing new
	again := d.Evaluate(priceEntity("10"), prev, next, []storage.WatcherProfile{watcherProfile(1, nil)})
	created, err = d.Record(context.Background(), again)
	require.NoError(t, err)
	require.Zero(t, created)
	require.Len(t, store.inserted, 1)
}

func TestRecordIsolatesInsertFailures(t *testing.T) {
	store := newRecordingAlertStore()
	store.failAll = true
	d := New(store, zerolog.Nop())

	prev, next := priceSnapshots("20", "25")
	candidates := d.Evaluate(priceEntity("10"), prev, next, []storage.WatcherProfile{
		watcherProfile(1, nil),
		watcherProfile(2, nil),
	})
	require.Len(t, candidates, 2)

	created, err := d.Record(context.Background(), candidates)
	require.Error(t, err)
	require.Zero(t, created)
}
