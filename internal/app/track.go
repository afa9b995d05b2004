package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/shopspring/decimal"

	"github.com/RIDCorix/Amazcope-sub000/internal/storage"
)

// Track registers a listing for monitoring, or deactivates it. Re-tracking an
// existing listing reactivates it and refreshes its interval.
func (a *App) Track(ctx context.Context, opts TrackOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot track listings")
	}
	defer closeStore()

	if opts.Deactivate {
		entity, err := store.GetEntityByASIN(ctx, opts.ASIN, opts.Marketplace)
		if err != nil {
			return err
		}
		if err := store.DeactivateEntity(ctx, entity.ID); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "stopped tracking %s (%s)\n", opts.ASIN, opts.Marketplace)
		return nil
	}

	refresh := opts.RefreshEvery
	if refresh <= 0 {
		refresh = a.Config.Tracking.RefreshInterval
	}

	entity := storage.Entity{
		ASIN:                opts.ASIN,
		Marketplace:         opts.Marketplace,
		Title:               opts.Title,
		RefreshInterval:     refresh,
		PriceThresholdPct:   decimal.NewFromFloat(a.Config.Tracking.PriceThresholdPct),
		RankThresholdPct:    decimal.NewFromFloat(a.Config.Tracking.RankThresholdPct),
		RatingThresholdPct:  decimal.NewFromFloat(a.Config.Tracking.RatingThresholdPct),
		ReviewsThresholdPct: decimal.NewFromFloat(a.Config.Tracking.ReviewsThresholdPct),
	}

	stored, err := store.UpsertEntity(ctx, entity)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "tracking %s (%s) as entity %d, refresh every %s\n",
		stored.ASIN, stored.Marketplace, stored.ID, stored.RefreshInterval)
	return nil
}
