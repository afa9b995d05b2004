package normalizer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/RIDCorix/Amazcope-sub000/internal/fetcher"
	"github.com/RIDCorix/Amazcope-sub000/internal/storage"
)

type fakeEntityStore struct {
	unlisted map[int64]time.Time
}

func newFakeEntityStore() *fakeEntityStore {
	return &fakeEntityStore{unlisted: make(map[int64]time.Time)}
}

func (f *fakeEntityStore) UpsertEntity(ctx context.Context, entity storage.Entity) (storage.Entity, error) {
	return entity, nil
}

func (f *fakeEntityStore) GetEntityByASIN(ctx context.Context, asin, marketplace string) (storage.Entity, error) {
	return storage.Entity{}, storage.ErrEntityNotFound
}

func (f *fakeEntityStore) GetEntity(ctx context.Context, entityID int64) (storage.Entity, error) {
	return storage.Entity{}, storage.ErrEntityNotFound
}

func (f *fakeEntityStore) ListDueEntities(ctx context.Context, now time.Time) ([]storage.Entity, error) {
	return nil, nil
}

func (f *fakeEntityStore) ListEntities(ctx context.Context, limit int) ([]storage.Entity, error) {
	return nil, nil
}

func (f *fakeEntityStore) MarkEntityUnlisted(ctx context.Context, entityID int64, at time.Time) error {
	f.unlisted[entityID] = at
	return nil
}

func (f *fakeEntityStore) DeactivateEntity(ctx context.Context, entityID int64) error {
	return nil
}

type fakeSnapshotStore struct {
	committed []storage.Snapshot
	prev      *storage.Snapshot
	commitErr error
}

func (f *fakeSnapshotStore) CommitSnapshot(ctx context.Context, snapshot storage.Snapshot) (storage.Snapshot, *storage.Snapshot, error) {
	if f.commitErr != nil {
		return storage.Snapshot{}, nil, f.commitErr
	}
	snapshot.ID = int64(len(f.committed) + 1)
	f.committed = append(f.committed, snapshot)
	return snapshot, f.prev, nil
}

func (f *fakeSnapshotStore) LatestSnapshot(ctx context.Context, entityID int64) (*storage.Snapshot, error) {
	return f.prev, nil
}

func (f *fakeSnapshotStore) ListSnapshotsBetween(ctx context.Context, entityID int64, from, to time.Time) ([]storage.Snapshot, error) {
	return nil, nil
}

var (
	_ storage.EntityStore   = (*fakeEntityStore)(nil)
	_ storage.SnapshotStore = (*fakeSnapshotStore)(nil)
)

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int64) *int64       { return &v }
func boolPtr(v bool) *bool        { return &v }

func testListing() *fetcher.Listing {
	return &fetcher.Listing{
		ASIN:         "B0EXAMPLE",
		Marketplace:  "US",
		Price:        floatPtr(19.99),
		Rating:       floatPtr(4.5),
		Rank:         intPtr(1200),
		ReviewCount:  intPtr(3400),
		InStock:      boolPtr(true),
		Availability: "In Stock",
		Raw:          json.RawMessage(`{"price":19.99}`),
		FetchedAt:    time.Now().UTC(),
	}
}

func TestCommitValidListing(t *testing.T) {
	entities := newFakeEntityStore()
	snapshots := &fakeSnapshotStore{}
	n := New(entities, snapshots, zerolog.Nop())

	result, err := n.Commit(context.Background(), storage.Entity{ID: 1}, testListing())
	require.NoError(t, err)

	require.Equal(t, FieldValid, result.Fields[storage.MetricPrice])
	require.Equal(t, FieldValid, result.Fields[storage.MetricRating])
	require.Equal(t, FieldValid, result.Fields[storage.MetricRank])
	require.Equal(t, FieldValid, result.Fields[storage.MetricReviews])
	require.Equal(t, FieldValid, result.Fields[storage.MetricStock])

	snap := result.Snapshot
	require.NotNil(t, snap.Price)
	require.Equal(t, "19.99", snap.Price.String())
	require.NotNil(t, snap.Rank)
	require.Equal(t, int64(1200), *snap.Rank)
	require.NotEmpty(t, snap.Raw)
}

func TestCommitNullsInvalidFields(t *testing.T) {
	entities := newFakeEntityStore()
	snapshots := &fakeSnapshotStore{}
	n := New(entities, snapshots, zerolog.Nop())

	listing := testListing()
	listing.Rating = floatPtr(6.2)
	listing.Rank = intPtr(0)
	listing.ReviewCount = intPtr(-5)

	result, err := n.Commit(context.Background(), storage.Entity{ID: 1}, listing)
	require.NoError(t, err)

	require.Equal(t, FieldInvalid, result.Fields[storage.MetricRating])
	require.Equal(t, FieldInvalid, result.Fields[storage.MetricRank])
	require.Equal(t, FieldInvalid, result.Fields[storage.MetricReviews])
	require.Nil(t, result.Snapshot.Rating)
	require.Nil(t, result.Snapshot.Rank)
	require.Nil(t, result.Snapshot.ReviewCount)

	// price survived, so the snapshot still commits
	require.Equal(t, FieldValid, result.Fields[storage.MetricPrice])
	require.Len(t, snapshots.committed, 1)
}

func TestCommitRejectsUnusablePayload(t *testing.T) {
	entities := newFakeEntityStore()
	snapshots := &fakeSnapshotStore{}
	n := New(entities, snapshots, zerolog.Nop())

	listing := testListing()
	listing.Price = floatPtr(-3)
	listing.Rating = nil
	listing.Availability = ""

	_, err := n.Commit(context.Background(), storage.Entity{ID: 1}, listing)
	require.ErrorIs(t, err, ErrUnusablePayload)
	require.Empty(t, snapshots.committed)
}

func TestCommitAvailabilityOnlyIsUsable(t *testing.T) {
	entities := newFakeEntityStore()
	snapshots := &fakeSnapshotStore{}
	n := New(entities, snapshots, zerolog.Nop())

	listing := &fetcher.Listing{
		ASIN:         "B0EXAMPLE",
		Marketplace:  "US",
		Availability: "Temporarily out of stock",
		FetchedAt:    time.Now().UTC(),
	}

	result, err := n.Commit(context.Background(), storage.Entity{ID: 1}, listing)
	require.NoError(t, err)
	require.Equal(t, FieldAbsent, result.Fields[storage.MetricPrice])
	require.Len(t, snapshots.committed, 1)
}

func TestCommitSurfacesStaleSnapshot(t *testing.T) {
	entities := newFakeEntityStore()
	snapshots := &fakeSnapshotStore{commitErr: storage.ErrStaleSnapshot}
	n := New(entities, snapshots, zerolog.Nop())

	_, err := n.Commit(context.Background(), storage.Entity{ID: 1}, testListing())
	require.ErrorIs(t, err, storage.ErrStaleSnapshot)
}

func TestCommitUnreachableMarksUnlisted(t *testing.T) {
	entities := newFakeEntityStore()
	n := New(entities, &fakeSnapshotStore{}, zerolog.Nop())

	at := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	require.NoError(t, n.CommitUnreachable(context.Background(), storage.Entity{ID: 7, ASIN: "B0GONE"}, at))
	require.Equal(t, at, entities.unlisted[7])
}
