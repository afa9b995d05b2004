package dispatcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/RIDCorix/Amazcope-sub000/internal/storage"
)

// Options tune dispatch behaviour.
type Options struct {
	RateLimit        int
	RateWindow       time.Duration
	DeliveryAttempts int
	RetryDelay       time.Duration
}

// Stats summarise one dispatch pass.
type Stats struct {
	Notifications int
	Sent          int
	Failed        int
	Suppressed    int
	Deferred      int
}

// Item pairs an alert with its recipient and entity for rendering.
type Item struct {
	Alert   storage.Alert
	Entity  storage.Entity
	Watcher storage.Watcher
}

// Dispatcher converts alerts into deduplicated, rate-limited notifications
// and fans them out to the configured channels. Alerts for the same
// (recipient, entity) within one pass collapse into a single notification
// per channel to avoid floods.
type Dispatcher struct {
	notifications storage.NotificationStore
	watchers      storage.WatcherStore
	transports    map[string]Transport
	limiter       *RecipientLimiter
	opts          Options
	logger        zerolog.Logger

	now func() time.Time
}

// New constructs a Dispatcher.
func New(notifications storage.NotificationStore, watchers storage.WatcherStore, transports []Transport, opts Options, logger zerolog.Logger) *Dispatcher {
	if opts.DeliveryAttempts <= 0 {
		opts.DeliveryAttempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}

	byChannel := make(map[string]Transport, len(transports))
	for _, transport := range transports {
		byChannel[transport.Channel()] = transport
	}

	return &Dispatcher{
		notifications: notifications,
		watchers:      watchers,
		transports:    byChannel,
		limiter:       NewRecipientLimiter(opts.RateLimit, opts.RateWindow),
		opts:          opts,
		logger:        logger.With().Str("component", "dispatcher").Logger(),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

type groupKey struct {
	userID   int64
	entityID int64
}

// Dispatch processes the given alerts. Overflow past the recipient's rate
// limit is recorded as suppressed, quiet-window hits are deferred, and
// transport failures on one channel never block the others.
func (d *Dispatcher) Dispatch(ctx context.Context, items []Item) Stats {
	var stats Stats

	groups := make(map[groupKey][]Item)
	order := make([]groupKey, 0)
	for _, item := range items {
		key := groupKey{userID: item.Alert.UserID, entityID: item.Alert.EntityID}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], item)
	}

	for _, key := range order {
		group := groups[key]
		watcher := group[0].Watcher
		entity := group[0].Entity

		alertIDs := make([]string, 0, len(group))
		for _, item := range group {
			alertIDs = append(alertIDs, item.Alert.ID)
		}

		subject := renderSubject(entity, group)
		body := renderBody(entity, group)

		for _, channel := range watcher.Channels {
			transport, ok := d.transports[channel]
			if !ok {
				d.logger.Warn().Str("channel", channel).Int64("user_id", watcher.UserID).Msg("channel not configured, skipping")
				continue
			}

			n := storage.Notification{
				ID:       ulid.Make().String(),
				UserID:   watcher.UserID,
				EntityID: entity.ID,
				Channel:  channel,
				Status:   storage.StatusQueued,
				AlertIDs: alertIDs,
				Subject:  subject,
				Body:     body,
			}
			stats.Notifications++

			now := d.now()
			if inQuietWindow(now, watcher) {
				deliverAfter := quietWindowEnd(now, watcher)
				n.Status = storage.StatusDeferred
				n.DeliverAfter = &deliverAfter
				if err := d.notifications.InsertNotification(ctx, n); err != nil {
					d.logger.Error().Err(err).Str("notification_id", n.ID).Msg("failed to record deferred notification")
					continue
				}
				stats.Deferred++
				continue
			}

			if !d.limiter.Allow(watcher.UserID) {
				n.Status = storage.StatusSuppressed
				if err := d.notifications.InsertNotification(ctx, n); err != nil {
					d.logger.Error().Err(err).Str("notification_id", n.ID).Msg("failed to record suppressed notification")
					continue
				}
				stats.Suppressed++
				d.logger.Info().Int64("user_id", watcher.UserID).Str("channel", channel).Msg("notification suppressed by rate limit")
				continue
			}

			if err := d.notifications.InsertNotification(ctx, n); err != nil {
				d.logger.Error().Err(err).Str("notification_id", n.ID).Msg("failed to record notification")
				continue
			}

			d.deliver(ctx, transport, &n, watcher)
			if err := d.notifications.UpdateNotificationDelivery(ctx, n); err != nil {
				d.logger.Error().Err(err).Str("notification_id", n.ID).Msg("failed to update notification status")
			}
			switch n.Status {
			case storage.StatusSent:
				stats.Sent++
			case storage.StatusFailed:
				stats.Failed++
			}
		}
	}

	return stats
}

// FlushDeferred delivers deferred notifications whose quiet window has
// passed. Rate limiting applies at delivery time.
func (d *Dispatcher) FlushDeferred(ctx context.Context) Stats {
	var stats Stats

	due, err := d.notifications.ListDueDeferred(ctx, d.now())
	if err != nil {
		d.logger.Error().Err(err).Msg("failed to list deferred notifications")
		return stats
	}

	for i := range due {
		n := due[i]
		transport, ok := d.transports[n.Channel]
		if !ok {
			d.logger.Warn().Str("channel", n.Channel).Str("notification_id", n.ID).Msg("channel no longer configured")
			continue
		}

		watcher, err := d.watchers.GetWatcher(ctx, n.UserID, n.EntityID)
		if err != nil {
			d.logger.Error().Err(err).Str("notification_id", n.ID).Msg("failed to resolve watcher for deferred notification")
			continue
		}

		if !d.limiter.Allow(n.UserID) {
			n.Status = storage.StatusSuppressed
			n.DeliverAfter = nil
			if err := d.notifications.UpdateNotificationDelivery(ctx, n); err != nil {
				d.logger.Error().Err(err).Str("notification_id", n.ID).Msg("failed to mark deferred notification suppressed")
			}
			stats.Suppressed++
			continue
		}

		n.DeliverAfter = nil
		d.deliver(ctx, transport, &n, watcher)
		if err := d.notifications.UpdateNotificationDelivery(ctx, n); err != nil {
			d.logger.Error().Err(err).Str("notification_id", n.ID).Msg("failed to update deferred notification")
		}
		switch n.Status {
		case storage.StatusSent:
			stats.Sent++
		case storage.StatusFailed:
			stats.Failed++
		}
	}

	return stats
}

// deliver attempts the transport with bounded retries, mutating the
// notification's status, attempts, and error fields in place.
func (d *Dispatcher) deliver(ctx context.Context, transport Transport, n *storage.Notification, watcher storage.Watcher) {
	delivery := &Delivery{Notification: n, Watcher: watcher}

	var lastErr error
	for attempt := 1; attempt <= d.opts.DeliveryAttempts; attempt++ {
		n.Attempts = attempt
		err := transport.Send(ctx, delivery)
		if err == nil {
			now := d.now()
			n.Status = storage.StatusSent
			n.DeliveredAt = &now
			n.LastError = nil
			return
		}

		lastErr = err
		if !IsRetryable(err) || attempt == d.opts.DeliveryAttempts {
			break
		}

		timer := time.NewTimer(d.opts.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			lastErr = ctx.Err()
			attempt = d.opts.DeliveryAttempts
		case <-timer.C:
		}
	}

	n.Status = storage.StatusFailed
	msg := lastErr.Error()
	n.LastError = &msg
	d.logger.Error().Err(lastErr).
		Str("notification_id", n.ID).
		Str("channel", n.Channel).
		Int("attempts", n.Attempts).
		Msg("delivery failed")
}

// inQuietWindow reports whether now falls in the watcher's do-not-disturb
// hours. The window may wrap midnight; equal start and end disables it.
func inQuietWindow(now time.Time, w storage.Watcher) bool {
	if w.QuietStart == nil || w.QuietEnd == nil {
		return false
	}
	start, end := *w.QuietStart, *w.QuietEnd
	if start == end {
		return false
	}
	h := now.Hour()
	if start < end {
		return h >= start && h < end
	}
	return h >= start || h < end
}

// quietWindowEnd returns the next time the watcher's quiet window closes.
func quietWindowEnd(now time.Time, w storage.Watcher) time.Time {
	end := *w.QuietEnd
	candidate := time.Date(now.Year(), now.Month(), now.Day(), end, 0, 0, 0, now.Location())
	if !candidate.After(now) {
		candidate = candidate.Add(24 * time.Hour)
	}
	return candidate
}

func renderSubject(entity storage.Entity, group []Item) string {
	title := entity.Title
	if title == "" {
		title = entity.ASIN
	}
	if len(group) == 1 {
		return fmt.Sprintf("[Amazcope] %s alert for %s", metricLabel(group[0].Alert.Metric), title)
	}
	return fmt.Sprintf("[Amazcope] %d alerts for %s", len(group), title)
}

func renderBody(entity storage.Entity, group []Item) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("Listing: %s (%s, %s)\n", entity.Title, entity.ASIN, entity.Marketplace))
	for _, item := range group {
		a := item.Alert
		if a.Metric == storage.MetricStock {
			builder.WriteString("- Stock: listing went out of stock\n")
			continue
		}
		builder.WriteString(fmt.Sprintf("- %s: %s -> %s (%s%%, threshold %s%%, %s)\n",
			metricLabel(a.Metric),
			a.PrevValue.String(),
			a.NewValue.String(),
			a.DeltaRel.Mul(decimal.NewFromInt(100)).StringFixed(1),
			a.ThresholdPct.StringFixed(1),
			a.Severity,
		))
	}
	return builder.String()
}

func metricLabel(m storage.Metric) string {
	switch m {
	case storage.MetricPrice:
		return "Price"
	case storage.MetricRank:
		return "Category rank"
	case storage.MetricRating:
		return "Rating"
	case storage.MetricReviews:
		return "Review count"
	case storage.MetricStock:
		return "Stock"
	default:
		return string(m)
	}
}
