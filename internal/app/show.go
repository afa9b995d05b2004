package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"github.com/RIDCorix/Amazcope-sub000/internal/storage"
)

// Show prints recent entities, alerts, or notifications.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show records")
	}
	defer closeStore()

	switch opts.What {
	case "entities":
		return showEntities(ctx, store, opts.Limit)
	case "alerts":
		return showAlerts(ctx, store, opts.Limit)
	case "notifications":
		return showNotifications(ctx, store, opts.Limit)
	default:
		return fmt.Errorf("unknown record kind %q (want entities, alerts, or notifications)", opts.What)
	}
}

func showEntities(ctx context.Context, store *storage.Store, limit int) error {
	entities, err := store.ListEntities(ctx, limit)
	if err != nil {
		return err
	}
	if len(entities) == 0 {
		fmt.Fprintln(os.Stdout, "no tracked listings found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tASIN\tMarketplace\tTitle\tPrice\tRank\tRating\tReviews\tIn Stock\tLast Seen")

	for _, e := range entities {
		fmt.Fprintf(
			writer,
			"%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.ID,
			e.ASIN,
			e.Marketplace,
			sanitizeInline(e.Title),
			formatDecimalPtr(e.LastPrice, 2),
			formatInt64Ptr(e.LastRank),
			formatDecimalPtr(e.LastRating, 1),
			formatInt64Ptr(e.LastReviewCount),
			formatBoolPtr(e.LastInStock),
			formatTimePtr(e.LastSnapshotAt),
		)
	}

	return writer.Flush()
}

func showAlerts(ctx context.Context, store *storage.Store, limit int) error {
	alerts, err := store.ListRecentAlerts(ctx, limit)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintln(os.Stdout, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tEntity\tUser\tMetric\tPrev\tNew\tDelta%\tThreshold%\tDirection\tSeverity")

	for _, alert := range alerts {
		fmt.Fprintf(
			writer,
			"%s\t%d\t%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			alert.CreatedAt.UTC().Format(time.RFC3339),
			alert.EntityID,
			alert.UserID,
			alert.Metric,
			alert.PrevValue.String(),
			alert.NewValue.String(),
			alert.DeltaRel.Mul(decimal.NewFromInt(100)).StringFixed(2),
			alert.ThresholdPct.StringFixed(1),
			alert.Direction,
			alert.Severity,
		)
	}

	return writer.Flush()
}

func showNotifications(ctx context.Context, store *storage.Store, limit int) error {
	notifications, err := store.ListRecentNotifications(ctx, limit)
	if err != nil {
		return err
	}
	if len(notifications) == 0 {
		fmt.Fprintln(os.Stdout, "no notifications found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tUser\tEntity\tChannel\tStatus\tAttempts\tSubject\tError")

	for _, n := range notifications {
		errMsg := ""
		if n.LastError != nil {
			errMsg = sanitizeInline(*n.LastError)
		}
		fmt.Fprintf(
			writer,
			"%s\t%d\t%d\t%s\t%s\t%d\t%s\t%s\n",
			n.CreatedAt.UTC().Format(time.RFC3339),
			n.UserID,
			n.EntityID,
			n.Channel,
			n.Status,
			n.Attempts,
			sanitizeInline(n.Subject),
			errMsg,
		)
	}

	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func formatDecimalPtr(d *decimal.Decimal, places int32) string {
	if d == nil {
		return "-"
	}
	return d.StringFixed(places)
}

func formatInt64Ptr(v *int64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *v)
}

func formatBoolPtr(v *bool) string {
	if v == nil {
		return "-"
	}
	if *v {
		return "yes"
	}
	return "no"
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
