package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Metric identifies one tracked listing metric.
type Metric string

const (
	MetricPrice   Metric = "price"
	MetricRank    Metric = "rank"
	MetricRating  Metric = "rating"
	MetricReviews Metric = "reviews"
	MetricStock   Metric = "stock"
)

// DeltaMetrics are the metrics evaluated as relative deltas between
// consecutive snapshots. Stock is handled separately as a transition.
var DeltaMetrics = []Metric{MetricPrice, MetricRank, MetricRating, MetricReviews}

// LowerIsBetter reports whether a decrease in the metric is an improvement.
// Category rank is the only such metric: rank 1 is the best seller.
func (m Metric) LowerIsBetter() bool {
	return m == MetricRank
}

// Entity is one monitored marketplace listing. Never hard-deleted;
// Active=false deactivates it.
type Entity struct {
	ID          int64
	ASIN        string
	Marketplace string
	Title       string
	Active      bool

	RefreshInterval time.Duration

	PriceThresholdPct   decimal.Decimal
	RankThresholdPct    decimal.Decimal
	RatingThresholdPct  decimal.Decimal
	ReviewsThresholdPct decimal.Decimal

	LastPrice       *decimal.Decimal
	LastCurrency    *string
	LastRank        *int64
	LastRating      *decimal.Decimal
	LastReviewCount *int64
	LastInStock     *bool
	LastSnapshotAt  *time.Time

	Unlisted   bool
	UnlistedAt *time.Time

	CreatedAt time.Time
}

// DefaultThreshold returns the entity-level threshold percentage for a metric.
func (e Entity) DefaultThreshold(m Metric) decimal.Decimal {
	switch m {
	case MetricPrice:
		return e.PriceThresholdPct
	case MetricRank:
		return e.RankThresholdPct
	case MetricRating:
		return e.RatingThresholdPct
	case MetricReviews:
		return e.ReviewsThresholdPct
	default:
		return decimal.Zero
	}
}

// Snapshot is one point-in-time observation of an entity. Immutable once
// written; snapshots for an entity form an append-only series strictly
// ordered by ObservedAt.
type Snapshot struct {
	ID           int64
	EntityID     int64
	ObservedAt   time.Time
	Price        *decimal.Decimal
	Currency     *string
	Rank         *int64
	Rating       *decimal.Decimal
	ReviewCount  *int64
	InStock      *bool
	Availability string
	Raw          json.RawMessage
	CreatedAt    time.Time
}

// MetricValue returns the snapshot's value for a delta metric, or nil when
// the field was absent or failed validation.
func (s Snapshot) MetricValue(m Metric) *decimal.Decimal {
	switch m {
	case MetricPrice:
		return s.Price
	case MetricRank:
		if s.Rank == nil {
			return nil
		}
		v := decimal.NewFromInt(*s.Rank)
		return &v
	case MetricRating:
		return s.Rating
	case MetricReviews:
		if s.ReviewCount == nil {
			return nil
		}
		v := decimal.NewFromInt(*s.ReviewCount)
		return &v
	default:
		return nil
	}
}

// Watcher is a user subscription to an entity, carrying contact details and
// an optional do-not-disturb window (hour-of-day, local to the service).
type Watcher struct {
	UserID     int64
	EntityID   int64
	Email      string
	WebhookURL string
	Channels   []string
	QuietStart *int
	QuietEnd   *int
	CreatedAt  time.Time
}

// ThresholdOverride customises alert sensitivity per (user, entity).
// Nil percentages fall through to the entity defaults; Muted wins over all.
type ThresholdOverride struct {
	UserID     int64
	EntityID   int64
	PricePct   *decimal.Decimal
	RankPct    *decimal.Decimal
	RatingPct  *decimal.Decimal
	ReviewsPct *decimal.Decimal
	Muted      bool
}

// MetricOverride returns the override percentage for a metric, nil if unset.
func (o ThresholdOverride) MetricOverride(m Metric) *decimal.Decimal {
	switch m {
	case MetricPrice:
		return o.PricePct
	case MetricRank:
		return o.RankPct
	case MetricRating:
		return o.RatingPct
	case MetricReviews:
		return o.ReviewsPct
	default:
		return nil
	}
}

// WatcherProfile bundles a watcher with its threshold override, if any.
type WatcherProfile struct {
	Watcher  Watcher
	Override *ThresholdOverride
}

// Alert severities.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alert directions.
const (
	DirectionUp   = "up"
	DirectionDown = "down"
)

// Alert records that a metric crossed its effective threshold between two
// specific snapshots. Append-only; the DedupKey unique index makes
// recomputing the same transition a no-op. DeltaRel is the relative delta
// as a fraction (0.25 for +25%); ThresholdPct is a percentage (10 for 10%).
type Alert struct {
	ID             string
	EntityID       int64
	UserID         int64
	Metric         Metric
	PrevSnapshotID int64
	NewSnapshotID  int64
	PrevValue      decimal.Decimal
	NewValue       decimal.Decimal
	DeltaAbs       decimal.Decimal
	DeltaRel       decimal.Decimal
	ThresholdPct   decimal.Decimal
	Direction      string
	Severity       string
	DedupKey       string
	CreatedAt      time.Time
}

// Notification statuses.
const (
	StatusQueued     = "queued"
	StatusSent       = "sent"
	StatusFailed     = "failed"
	StatusSuppressed = "suppressed"
	StatusDeferred   = "deferred"
)

// Notification is a delivery-oriented projection of one or more alerts to a
// single (user, channel). Retained for audit; status transitions are the
// only mutations.
type Notification struct {
	ID           string
	UserID       int64
	EntityID     int64
	Channel      string
	Status       string
	AlertIDs     []string
	Subject      string
	Body         string
	Attempts     int
	DeliverAfter *time.Time
	LastError    *string
	CreatedAt    time.Time
	DeliveredAt  *time.Time
}
