package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"github.com/RIDCorix/Amazcope-sub000/internal/storage"
)

// Export renders one entity's snapshot history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	defer closeStore()

	entity, err := store.GetEntityByASIN(ctx, opts.ASIN, opts.Marketplace)
	if err != nil {
		return err
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * entity.RefreshInterval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	snapshots, err := store.ListSnapshotsBetween(ctx, entity.ID, from, to)
	if err != nil {
		return err
	}
	if len(snapshots) == 0 {
		a.Logger.Info().Str("asin", opts.ASIN).Msg("no snapshots found for export window")
		return nil
	}

	downsampled := downsampleSnapshots(snapshots, opts.MaxPoints)
	a.Logger.Info().
		Str("asin", opts.ASIN).
		Int("total", len(snapshots)).
		Int("exported", len(downsampled)).
		Msg("exporting snapshots")

	if opts.CSVPath != "" {
		if err := writeSnapshotsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeSnapshotsPNG(opts.PNGPath, entity, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleSnapshots(snapshots []storage.Snapshot, max int) []storage.Snapshot {
	if max <= 0 || len(snapshots) <= max {
		return snapshots
	}

	result := make([]storage.Snapshot, 0, max)
	step := float64(len(snapshots)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(snapshots) {
			idx = len(snapshots) - 1
		}
		result = append(result, snapshots[idx])
	}
	return result
}

func writeSnapshotsCSV(path string, snapshots []storage.Snapshot) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"observed_at", "price", "currency", "rank", "rating", "review_count", "in_stock", "availability"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, snap := range snapshots {
		record := []string{
			snap.ObservedAt.Format(time.RFC3339),
			csvDecimal(snap.Price),
			csvString(snap.Currency),
			csvInt64(snap.Rank),
			csvDecimal(snap.Rating),
			csvInt64(snap.ReviewCount),
			csvBool(snap.InStock),
			snap.Availability,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

// writeSnapshotsPNG charts price on the primary axis and category rank on
// the secondary. Gaps (nulled fields) are carried forward so the series stay
// continuous.
func writeSnapshotsPNG(path string, entity storage.Entity, snapshots []storage.Snapshot) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(snapshots))
	price := make([]float64, len(snapshots))
	rank := make([]float64, len(snapshots))

	var lastPrice, lastRank float64
	for i, snap := range snapshots {
		x[i] = snap.ObservedAt
		if snap.Price != nil {
			lastPrice = snap.Price.InexactFloat64()
		}
		if snap.Rank != nil {
			lastRank = float64(*snap.Rank)
		}
		price[i] = lastPrice
		rank[i] = lastRank
	}

	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Title:  entity.ASIN + " (" + entity.Marketplace + ")",
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price",
			ValueFormatter: valueFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Category rank",
			ValueFormatter: valueFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Price",
				XValues: x,
				YValues: price,
			},
			chart.TimeSeries{
				Name:    "Rank",
				XValues: x,
				YValues: rank,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func csvDecimal(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.String()
}

func csvString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func csvInt64(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

func csvBool(v *bool) string {
	if v == nil {
		return ""
	}
	return strconv.FormatBool(*v)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
