package normalizer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/RIDCorix/Amazcope-sub000/internal/fetcher"
	"github.com/RIDCorix/Amazcope-sub000/internal/storage"
)

// ErrUnusablePayload indicates no usable field survived validation, so no
// snapshot was written.
var ErrUnusablePayload = errors.New("normalizer: payload wholly unusable")

// FieldOutcome classifies one payload field's validation result.
type FieldOutcome int

const (
	FieldAbsent FieldOutcome = iota
	FieldValid
	FieldInvalid
)

// CommitResult reports a committed snapshot together with its predecessor
// and the per-field validation outcomes.
type CommitResult struct {
	Snapshot storage.Snapshot
	Previous *storage.Snapshot
	Fields   map[storage.Metric]FieldOutcome
}

// Normalizer turns raw listings into canonical snapshots. Fields failing
// validation are nulled rather than rejecting the commit; only a wholly
// unusable payload refuses to write.
type Normalizer struct {
	entities  storage.EntityStore
	snapshots storage.SnapshotStore
	validate  *validator.Validate
	logger    zerolog.Logger
}

// New constructs a Normalizer.
func New(entities storage.EntityStore, snapshots storage.SnapshotStore, logger zerolog.Logger) *Normalizer {
	return &Normalizer{
		entities:  entities,
		snapshots: snapshots,
		validate:  validator.New(),
		logger:    logger.With().Str("component", "normalizer").Logger(),
	}
}

// Commit validates the listing and atomically writes the snapshot plus the
// entity's denormalized fields. The snapshot timestamp must be strictly
// greater than the entity's latest; storage.ErrStaleSnapshot surfaces
// otherwise.
func (n *Normalizer) Commit(ctx context.Context, entity storage.Entity, listing *fetcher.Listing) (*CommitResult, error) {
	if listing == nil {
		return nil, errors.New("normalizer: nil listing")
	}

	fields := make(map[storage.Metric]FieldOutcome, 5)
	snapshot := storage.Snapshot{
		EntityID:     entity.ID,
		ObservedAt:   observedAt(listing),
		Availability: listing.Availability,
		Raw:          listing.Raw,
	}

	fields[storage.MetricPrice] = n.checkFloat(entity.ID, "price", listing.Price, "gt=0")
	if fields[storage.MetricPrice] == FieldValid {
		v := decimal.NewFromFloat(*listing.Price)
		snapshot.Price = &v
		snapshot.Currency = listing.Currency
	}

	fields[storage.MetricRating] = n.checkFloat(entity.ID, "rating", listing.Rating, "gte=0,lte=5")
	if fields[storage.MetricRating] == FieldValid {
		v := decimal.NewFromFloat(*listing.Rating)
		snapshot.Rating = &v
	}

	fields[storage.MetricRank] = n.checkInt(entity.ID, "rank", listing.Rank, "gte=1")
	if fields[storage.MetricRank] == FieldValid {
		snapshot.Rank = listing.Rank
	}

	fields[storage.MetricReviews] = n.checkInt(entity.ID, "review_count", listing.ReviewCount, "gte=0")
	if fields[storage.MetricReviews] == FieldValid {
		snapshot.ReviewCount = listing.ReviewCount
	}

	if listing.InStock != nil {
		fields[storage.MetricStock] = FieldValid
		snapshot.InStock = listing.InStock
	} else {
		fields[storage.MetricStock] = FieldAbsent
	}

	if !usable(snapshot) {
		return nil, ErrUnusablePayload
	}

	committed, prev, err := n.snapshots.CommitSnapshot(ctx, snapshot)
	if err != nil {
		return nil, fmt.Errorf("commit snapshot: %w", err)
	}

	n.logger.Debug().
		Int64("entity_id", entity.ID).
		Time("observed_at", committed.ObservedAt).
		Msg("snapshot committed")

	return &CommitResult{Snapshot: committed, Previous: prev, Fields: fields}, nil
}

// CommitUnreachable marks the entity unlisted. No snapshot is written since
// there is no data to store.
func (n *Normalizer) CommitUnreachable(ctx context.Context, entity storage.Entity, at time.Time) error {
	if err := n.entities.MarkEntityUnlisted(ctx, entity.ID, at.UTC()); err != nil {
		return fmt.Errorf("mark entity unlisted: %w", err)
	}
	n.logger.Info().
		Int64("entity_id", entity.ID).
		Str("asin", entity.ASIN).
		Time("at", at).
		Msg("entity marked unlisted")
	return nil
}

func (n *Normalizer) checkFloat(entityID int64, name string, value *float64, rule string) FieldOutcome {
	if value == nil {
		return FieldAbsent
	}
	if err := n.validate.Var(*value, rule); err != nil {
		n.logger.Warn().
			Int64("entity_id", entityID).
			Str("field", name).
			Float64("value", *value).
			Msg("payload field out of bounds, nulled")
		return FieldInvalid
	}
	return FieldValid
}

func (n *Normalizer) checkInt(entityID int64, name string, value *int64, rule string) FieldOutcome {
	if value == nil {
		return FieldAbsent
	}
	if err := n.validate.Var(*value, rule); err != nil {
		n.logger.Warn().
			Int64("entity_id", entityID).
			Str("field", name).
			Int64("value", *value).
			Msg("payload field out of bounds, nulled")
		return FieldInvalid
	}
	return FieldValid
}

// usable requires at least one of the required fields (price, rating,
// availability) to have survived validation.
func usable(s storage.Snapshot) bool {
	return s.Price != nil || s.Rating != nil || s.Availability != ""
}

func observedAt(listing *fetcher.Listing) time.Time {
	if !listing.FetchedAt.IsZero() {
		return listing.FetchedAt.UTC()
	}
	return time.Now().UTC()
}
