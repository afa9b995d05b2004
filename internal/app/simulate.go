package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/RIDCorix/Amazcope-sub000/internal/detector"
	"github.com/RIDCorix/Amazcope-sub000/internal/dispatcher"
	"github.com/RIDCorix/Amazcope-sub000/internal/storage"
)

// SimulateAlert 用给定的新旧价格模拟一次检测与告警投递，全程不落库。
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}
	if opts.PrevPrice <= 0 || opts.NewPrice <= 0 {
		return errors.New("prices must be greater than zero")
	}

	now := time.Now().UTC()
	prevPrice := decimal.NewFromFloat(opts.PrevPrice)
	newPrice := decimal.NewFromFloat(opts.NewPrice)

	entity := storage.Entity{
		ID:                1,
		ASIN:              "SIMULATED",
		Marketplace:       "sim",
		Title:             "Simulated listing",
		Active:            true,
		PriceThresholdPct: decimal.NewFromFloat(a.Config.Tracking.PriceThresholdPct),
	}
	prev := storage.Snapshot{ID: 1, EntityID: entity.ID, ObservedAt: now.Add(-time.Hour), Price: &prevPrice}
	next := storage.Snapshot{ID: 2, EntityID: entity.ID, ObservedAt: now, Price: &newPrice}

	watcher := storage.Watcher{
		UserID:     1,
		EntityID:   entity.ID,
		Email:      opts.Email,
		WebhookURL: opts.WebhookURL,
	}
	switch {
	case opts.WebhookURL != "":
		watcher.Channels = []string{dispatcher.ChannelWebhook}
	case opts.Email != "":
		watcher.Channels = []string{dispatcher.ChannelEmail}
	default:
		watcher.Channels = []string{dispatcher.ChannelInApp}
	}

	alertStore := &memAlertStore{}
	det := detector.New(alertStore, a.Logger)

	candidates := det.Evaluate(entity, prev, next, []storage.WatcherProfile{{Watcher: watcher}})
	if len(candidates) == 0 {
		fmt.Fprintf(os.Stdout, "no alert: %s -> %s stays under the %.1f%% threshold\n",
			prevPrice.StringFixed(2), newPrice.StringFixed(2), a.Config.Tracking.PriceThresholdPct)
		return nil
	}

	created, err := det.Record(ctx, candidates)
	if err != nil {
		return err
	}

	notificationStore := &memNotificationStore{}
	disp := dispatcher.New(notificationStore, &memWatcherStore{watcher: watcher}, a.newTransports(), dispatcher.Options{
		RateLimit:        a.Config.Alerting.RateLimit,
		RateWindow:       a.Config.Alerting.RateWindow,
		DeliveryAttempts: a.Config.Alerting.DeliveryAttempts,
		RetryDelay:       a.Config.Alerting.RetryDelay,
	}, a.Logger)

	items := make([]dispatcher.Item, 0, len(alertStore.alerts))
	for _, alert := range alertStore.alerts {
		items = append(items, dispatcher.Item{Alert: alert, Entity: entity, Watcher: watcher})
	}
	stats := disp.Dispatch(ctx, items)

	fmt.Fprintf(os.Stdout, "alerts created: %d, notifications: %d (sent %d, failed %d, suppressed %d, deferred %d)\n",
		created, stats.Notifications, stats.Sent, stats.Failed, stats.Suppressed, stats.Deferred)
	return nil
}

// memAlertStore holds alerts in memory for the simulation run.
type memAlertStore struct {
	alerts []storage.Alert
}

func (m *memAlertStore) InsertAlert(ctx context.Context, alert storage.Alert) (bool, error) {
	for _, existing := range m.alerts {
		if existing.DedupKey == alert.DedupKey {
			return false, nil
		}
	}
	m.alerts = append(m.alerts, alert)
	return true, nil
}

func (m *memAlertStore) ListUnnotifiedAlerts(ctx context.Context, limit int) ([]storage.Alert, error) {
	return m.alerts, nil
}

func (m *memAlertStore) ListRecentAlerts(ctx context.Context, limit int) ([]storage.Alert, error) {
	return m.alerts, nil
}

func (m *memAlertStore) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	return nil
}

type memNotificationStore struct {
	notifications []storage.Notification
}

func (m *memNotificationStore) InsertNotification(ctx context.Context, n storage.Notification) error {
	m.notifications = append(m.notifications, n)
	return nil
}

func (m *memNotificationStore) UpdateNotificationDelivery(ctx context.Context, n storage.Notification) error {
	for i := range m.notifications {
		if m.notifications[i].ID == n.ID {
			m.notifications[i] = n
			return nil
		}
	}
	return nil
}

func (m *memNotificationStore) ListDueDeferred(ctx context.Context, now time.Time) ([]storage.Notification, error) {
	return nil, nil
}

func (m *memNotificationStore) ListRecentNotifications(ctx context.Context, limit int) ([]storage.Notification, error) {
	return m.notifications, nil
}

type memWatcherStore struct {
	watcher storage.Watcher
}

func (m *memWatcherStore) ListWatcherProfiles(ctx context.Context, entityID int64) ([]storage.WatcherProfile, error) {
	return []storage.WatcherProfile{{Watcher: m.watcher}}, nil
}

func (m *memWatcherStore) GetWatcher(ctx context.Context, userID, entityID int64) (storage.Watcher, error) {
	return m.watcher, nil
}

var (
	_ storage.AlertStore        = (*memAlertStore)(nil)
	_ storage.NotificationStore = (*memNotificationStore)(nil)
	_ storage.WatcherStore      = (*memWatcherStore)(nil)
)
