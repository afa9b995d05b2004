package detector

import (
	"context"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/RIDCorix/Amazcope-sub000/internal/storage"
)

var decHundred = decimal.NewFromInt(100)

// Detector compares a newly committed snapshot to its immediate predecessor
// and materialises qualifying threshold crossings as alerts.
type Detector struct {
	alerts storage.AlertStore
	logger zerolog.Logger
}

// New constructs a Detector.
func New(alerts storage.AlertStore, logger zerolog.Logger) *Detector {
	return &Detector{
		alerts: alerts,
		logger: logger.With().Str("component", "detector").Logger(),
	}
}

// Evaluate computes per-metric relative deltas between prev and next and
// tests them against each watcher's effective threshold. Pure: no writes.
// The caller must pass the immediate predecessor; a first observation has
// none and yields no candidates.
func (d *Detector) Evaluate(entity storage.Entity, prev, next storage.Snapshot, watchers []storage.WatcherProfile) []storage.Alert {
	candidates := make([]storage.Alert, 0)

	for _, profile := range watchers {
		for _, metric := range storage.DeltaMetrics {
			eff := Resolve(entity.DefaultThreshold(metric), profile.Override, metric)
			if eff.Muted || eff.ThresholdPct.IsZero() {
				continue
			}

			prevValue := prev.MetricValue(metric)
			newValue := next.MetricValue(metric)
			if prevValue == nil || newValue == nil || prevValue.IsZero() {
				// divide-by-zero guard: zero or null previous skips the
				// metric for this pair
				continue
			}

			deltaAbs := newValue.Sub(*prevValue)
			deltaRel := deltaAbs.Div(*prevValue)

			// lower-is-better metrics invert the sign but keep the same
			// magnitude test
			magnitude := deltaRel.Abs().Mul(decHundred)
			if magnitude.LessThan(eff.ThresholdPct) {
				continue
			}

			candidates = append(candidates, d.candidate(entity, profile, metric,
				prev, next, *prevValue, *newValue, deltaAbs, deltaRel, eff.ThresholdPct))
		}

		if alert, ok := d.stockTransition(entity, profile, prev, next); ok {
			candidates = append(candidates, alert)
		}
	}

	return candidates
}

// stockTransition fires on in-stock → out-of-stock regardless of threshold;
// a boolean has no meaningful relative delta.
func (d *Detector) stockTransition(entity storage.Entity, profile storage.WatcherProfile, prev, next storage.Snapshot) (storage.Alert, bool) {
	if profile.Override != nil && profile.Override.Muted {
		return storage.Alert{}, false
	}
	if prev.InStock == nil || next.InStock == nil {
		return storage.Alert{}, false
	}
	if !*prev.InStock || *next.InStock {
		return storage.Alert{}, false
	}

	one := decimal.NewFromInt(1)
	return storage.Alert{
		EntityID:       entity.ID,
		UserID:         profile.Watcher.UserID,
		Metric:         storage.MetricStock,
		PrevSnapshotID: prev.ID,
		NewSnapshotID:  next.ID,
		PrevValue:      one,
		NewValue:       decimal.Zero,
		DeltaAbs:       one.Neg(),
		DeltaRel:       one.Neg(),
		ThresholdPct:   decimal.Zero,
		Direction:      storage.DirectionDown,
		Severity:       storage.SeverityCritical,
		DedupKey:       dedupKey(entity.ID, profile.Watcher.UserID, storage.MetricStock, storage.DirectionDown, next.ID),
	}, true
}

func (d *Detector) candidate(entity storage.Entity, profile storage.WatcherProfile, metric storage.Metric,
	prev, next storage.Snapshot, prevValue, newValue, deltaAbs, deltaRel, thresholdPct decimal.Decimal) storage.Alert {

	direction := storage.DirectionUp
	if deltaAbs.Sign() < 0 {
		direction = storage.DirectionDown
	}

	severity := storage.SeverityWarning
	if deltaRel.Abs().Mul(decHundred).GreaterThanOrEqual(thresholdPct.Mul(decimal.NewFromInt(2))) {
		severity = storage.SeverityCritical
	}

	return storage.Alert{
		EntityID:       entity.ID,
		UserID:         profile.Watcher.UserID,
		Metric:         metric,
		PrevSnapshotID: prev.ID,
		NewSnapshotID:  next.ID,
		PrevValue:      prevValue,
		NewValue:       newValue,
		DeltaAbs:       deltaAbs,
		DeltaRel:       deltaRel,
		ThresholdPct:   thresholdPct,
		Direction:      direction,
		Severity:       severity,
		DedupKey:       dedupKey(entity.ID, profile.Watcher.UserID, metric, direction, next.ID),
	}
}

// dedupKey identifies a unique alert-worthy transition. Anchoring on the new
// snapshot id makes re-runs over the same pair collide on the unique index.
func dedupKey(entityID, userID int64, metric storage.Metric, direction string, newSnapshotID int64) string {
	return fmt.Sprintf("%d:%d:%s:%s:%d", entityID, userID, metric, direction, newSnapshotID)
}

// Record inserts candidates idempotently and returns how many were newly
// created. A failing insert is isolated; remaining candidates still commit.
func (d *Detector) Record(ctx context.Context, candidates []storage.Alert) (int, error) {
	created := 0
	var errs []error
	for _, candidate := range candidates {
		if candidate.ID == "" {
			candidate.ID = ulid.Make().String()
		}
		inserted, err := d.alerts.InsertAlert(ctx, candidate)
		if err != nil {
			errs = append(errs, err)
			d.logger.Error().Err(err).Str("dedup_key", candidate.DedupKey).Msg("failed to persist alert")
			continue
		}
		if inserted {
			created++
			d.logger.Info().
				Int64("entity_id", candidate.EntityID).
				Int64("user_id", candidate.UserID).
				Str("metric", string(candidate.Metric)).
				Str("direction", candidate.Direction).
				Str("delta_rel", candidate.DeltaRel.String()).
				Msg("alert created")
		}
	}
	return created, errors.Join(errs...)
}
