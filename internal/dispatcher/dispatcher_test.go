package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/RIDCorix/Amazcope-sub000/internal/storage"
)

type memNotificationStore struct {
	mu            sync.Mutex
	notifications map[string]storage.Notification
	order         []string
}

func newMemNotificationStore() *memNotificationStore {
	return &memNotificationStore{notifications: make(map[string]storage.Notification)}
}

func (m *memNotificationStore) InsertNotification(ctx context.Context, n storage.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications[n.ID] = n
	m.order = append(m.order, n.ID)
	return nil
}

func (m *memNotificationStore) UpdateNotificationDelivery(ctx context.Context, n storage.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications[n.ID] = n
	return nil
}

func (m *memNotificationStore) ListDueDeferred(ctx context.Context, now time.Time) ([]storage.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	due := make([]storage.Notification, 0)
	for _, id := range m.order {
		n := m.notifications[id]
		if n.Status == storage.StatusDeferred && n.DeliverAfter != nil && !n.DeliverAfter.After(now) {
			due = append(due, n)
		}
	}
	return due, nil
}

func (m *memNotificationStore) ListRecentNotifications(ctx context.Context, limit int) ([]storage.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]storage.Notification, 0, len(m.order))
	for _, id := range m.order {
		all = append(all, m.notifications[id])
	}
	return all, nil
}

func (m *memNotificationStore) byStatus(status string) []storage.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	matched := make([]storage.Notification, 0)
	for _, id := range m.order {
		if n := m.notifications[id]; n.Status == status {
			matched = append(matched, n)
		}
	}
	return matched
}

type stubWatcherStore struct {
	watchers map[int64]storage.Watcher
}

func (s *stubWatcherStore) ListWatcherProfiles(ctx context.Context, entityID int64) ([]storage.WatcherProfile, error) {
	return nil, nil
}

func (s *stubWatcherStore) GetWatcher(ctx context.Context, userID, entityID int64) (storage.Watcher, error) {
	w, ok := s.watchers[userID]
	if !ok {
		return storage.Watcher{}, errors.New("watcher not found")
	}
	return w, nil
}

type fakeTransport struct {
	channel string
	mu      sync.Mutex
	sent    []string
	errs    []error
}

func (f *fakeTransport) Channel() string { return f.channel }

func (f *fakeTransport) Send(ctx context.Context, delivery *Delivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return err
		}
	}
	f.sent = append(f.sent, delivery.Notification.ID)
	return nil
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

var (
	_ storage.NotificationStore = (*memNotificationStore)(nil)
	_ storage.WatcherStore      = (*stubWatcherStore)(nil)
	_ Transport                 = (*fakeTransport)(nil)
)

func inAppWatcher(userID int64) storage.Watcher {
	return storage.Watcher{UserID: userID, EntityID: 1, Channels: []string{ChannelInApp}}
}

func testItem(userID, entityID int64, alertID string, watcher storage.Watcher) Item {
	return Item{
		Alert: storage.Alert{
			ID:           alertID,
			EntityID:     entityID,
			UserID:       userID,
			Metric:       storage.MetricPrice,
			PrevValue:    decimal.NewFromInt(20),
			NewValue:     decimal.NewFromInt(25),
			DeltaAbs:     decimal.NewFromInt(5),
			DeltaRel:     decimal.RequireFromString("0.25"),
			ThresholdPct: decimal.NewFromInt(10),
			Direction:    storage.DirectionUp,
			Severity:     storage.SeverityCritical,
		},
		Entity:  storage.Entity{ID: entityID, ASIN: "B0EXAMPLE", Marketplace: "US", Title: "Example product"},
		Watcher: watcher,
	}
}

func newTestDispatcher(store *memNotificationStore, watchers storage.WatcherStore, transports []Transport, opts Options) *Dispatcher {
	if opts.RateLimit == 0 {
		opts.RateLimit = 100
	}
	if opts.RateWindow == 0 {
		opts.RateWindow = time.Hour
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = time.Millisecond
	}
	return New(store, watchers, transports, opts, zerolog.Nop())
}

func TestDispatchGroupsAlertsPerRecipientAndEntity(t *testing.T) {
	store := newMemNotificationStore()
	transport := &fakeTransport{channel: ChannelInApp}
	watcher := inAppWatcher(1)
	d := newTestDispatcher(store, &stubWatcherStore{}, []Transport{transport}, Options{})

	items := []Item{
		testItem(1, 1, "alert-a", watcher),
		testItem(1, 1, "alert-b", watcher),
		testItem(2, 1, "alert-c", inAppWatcher(2)),
	}
	stats := d.Dispatch(context.Background(), items)

	require.Equal(t, 2, stats.Notifications)
	require.Equal(t, 2, stats.Sent)

	sent := store.byStatus(storage.StatusSent)
	require.Len(t, sent, 2)
	require.ElementsMatch(t, []string{"alert-a", "alert-b"}, sent[0].AlertIDs)
	require.Contains(t, sent[0].Body, "Price")
	require.Contains(t, sent[0].Body, "25.0%")
}

func TestDispatchSuppressesPastRateLimit(t *testing.T) {
	store := newMemNotificationStore()
	transport := &fakeTransport{channel: ChannelInApp}
	d := newTestDispatcher(store, &stubWatcherStore{}, []Transport{transport}, Options{RateLimit: 2, RateWindow: time.Hour})

	items := []Item{
		testItem(1, 1, "alert-a", storage.Watcher{UserID: 1, EntityID: 1, Channels: []string{ChannelInApp}}),
		testItem(1, 2, "alert-b", storage.Watcher{UserID: 1, EntityID: 2, Channels: []string{ChannelInApp}}),
		testItem(1, 3, "alert-c", storage.Watcher{UserID: 1, EntityID: 3, Channels: []string{ChannelInApp}}),
	}

	stats := d.Dispatch(context.Background(), items)

	require.Equal(t, 2, stats.Sent)
	require.Equal(t, 1, stats.Suppressed)

	suppressed := store.byStatus(storage.StatusSuppressed)
	require.Len(t, suppressed, 1)
	require.Equal(t, []string{"alert-c"}, suppressed[0].AlertIDs)
}

func TestDispatchDefersDuringQuietWindow(t *testing.T) {
	store := newMemNotificationStore()
	transport := &fakeTransport{channel: ChannelInApp}
	d := newTestDispatcher(store, &stubWatcherStore{}, []Transport{transport}, Options{})

	frozen := time.Date(2026, 8, 30, 23, 30, 0, 0, time.UTC)
	d.now = func() time.Time { return frozen }

	start, end := 22, 6
	watcher := storage.Watcher{UserID: 1, EntityID: 1, Channels: []string{ChannelInApp}, QuietStart: &start, QuietEnd: &end}

	stats := d.Dispatch(context.Background(), []Item{testItem(1, 1, "alert-a", watcher)})

	require.Equal(t, 1, stats.Deferred)
	require.Zero(t, stats.Sent)
	require.Zero(t, transport.sentCount())

	deferred := store.byStatus(storage.StatusDeferred)
	require.Len(t, deferred, 1)
	require.NotNil(t, deferred[0].DeliverAfter)
	require.Equal(t, time.Date(2026, 8, 31, 6, 0, 0, 0, time.UTC), *deferred[0].DeliverAfter)
}

func TestDispatchRetriesRetryableFailures(t *testing.T) {
	store := newMemNotificationStore()
	transport := &fakeTransport{
		channel: ChannelInApp,
		errs:    []error{&RetryableError{Err: errors.New("temporarily down")}, nil},
	}
	d := newTestDispatcher(store, &stubWatcherStore{}, []Transport{transport}, Options{DeliveryAttempts: 3, RetryDelay: time.Millisecond})

	stats := d.Dispatch(context.Background(), []Item{testItem(1, 1, "alert-a", inAppWatcher(1))})

	require.Equal(t, 1, stats.Sent)
	sent := store.byStatus(storage.StatusSent)
	require.Len(t, sent, 1)
	require.Equal(t, 2, sent[0].Attempts)
	require.NotNil(t, sent[0].DeliveredAt)
}

func TestDispatchPermanentFailureDoesNotRetry(t *testing.T) {
	store := newMemNotificationStore()
	transport := &fakeTransport{
		channel: ChannelInApp,
		errs:    []error{errors.New("watcher has no webhook url"), nil},
	}
	d := newTestDispatcher(store, &stubWatcherStore{}, []Transport{transport}, Options{DeliveryAttempts: 3, RetryDelay: time.Millisecond})

	stats := d.Dispatch(context.Background(), []Item{testItem(1, 1, "alert-a", inAppWatcher(1))})

	require.Equal(t, 1, stats.Failed)
	failed := store.byStatus(storage.StatusFailed)
	require.Len(t, failed, 1)
	require.Equal(t, 1, failed[0].Attempts)
	require.NotNil(t, failed[0].LastError)
}

func TestDispatchChannelFailureDoesNotBlockOthers(t *testing.T) {
	store := newMemNotificationStore()
	broken := &fakeTransport{channel: ChannelWebhook, errs: []error{errors.New("bad url")}}
	healthy := &fakeTransport{channel: ChannelInApp}
	d := newTestDispatcher(store, &stubWatcherStore{}, []Transport{broken, healthy}, Options{DeliveryAttempts: 1})

	watcher := storage.Watcher{UserID: 1, EntityID: 1, Channels: []string{ChannelWebhook, ChannelInApp}}
	stats := d.Dispatch(context.Background(), []Item{testItem(1, 1, "alert-a", watcher)})

	require.Equal(t, 2, stats.Notifications)
	require.Equal(t, 1, stats.Sent)
	require.Equal(t, 1, stats.Failed)
	require.Equal(t, 1, healthy.sentCount())
}

func TestFlushDeferredDeliversDueNotifications(t *testing.T) {
	store := newMemNotificationStore()
	transport := &fakeTransport{channel: ChannelInApp}
	watchers := &stubWatcherStore{watchers: map[int64]storage.Watcher{1: inAppWatcher(1)}}
	d := newTestDispatcher(store, watchers, []Transport{transport}, Options{})

	frozen := time.Date(2026, 8, 30, 23, 30, 0, 0, time.UTC)
	d.now = func() time.Time { return frozen }

	start, end := 22, 6
	watcher := storage.Watcher{UserID: 1, EntityID: 1, Channels: []string{ChannelInApp}, QuietStart: &start, QuietEnd: &end}
	d.Dispatch(context.Background(), []Item{testItem(1, 1, "alert-a", watcher)})
	require.Len(t, store.byStatus(storage.StatusDeferred), 1)

	// nothing due while the window is still open
	stats := d.FlushDeferred(context.Background())
	require.Zero(t, stats.Sent)

	// past the window end the notification goes out
	d.now = func() time.Time { return time.Date(2026, 8, 31, 6, 5, 0, 0, time.UTC) }
	stats = d.FlushDeferred(context.Background())
	require.Equal(t, 1, stats.Sent)
	require.Len(t, store.byStatus(storage.StatusSent), 1)
	require.Empty(t, store.byStatus(storage.StatusDeferred))
}

func TestQuietWindowWrapsMidnight(t *testing.T) {
	start, end := 22, 6
	w := storage.Watcher{QuietStart: &start, QuietEnd: &end}

	require.True(t, inQuietWindow(time.Date(2026, 8, 30, 23, 0, 0, 0, time.UTC), w))
	require.True(t, inQuietWindow(time.Date(2026, 8, 30, 3, 0, 0, 0, time.UTC), w))
	require.False(t, inQuietWindow(time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC), w))
	require.False(t, inQuietWindow(time.Date(2026, 8, 30, 6, 0, 0, 0, time.UTC), w))

	// equal start and end disables the window
	same := 8
	require.False(t, inQuietWindow(time.Date(2026, 8, 30, 8, 0, 0, 0, time.UTC), storage.Watcher{QuietStart: &same, QuietEnd: &same}))
}

func TestRecipientLimiterAllowsBurstThenBlocks(t *testing.T) {
	limiter := NewRecipientLimiter(3, time.Hour)
	for i := 0; i < 3; i++ {
		require.True(t, limiter.Allow(1), "第 %d 次应放行", i+1)
	}
	require.False(t, limiter.Allow(1), "超出限额应拦截")

	// other recipients are unaffected
	require.True(t, limiter.Allow(2))
}
