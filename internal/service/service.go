package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/RIDCorix/Amazcope-sub000/internal/config"
	"github.com/RIDCorix/Amazcope-sub000/internal/detector"
	"github.com/RIDCorix/Amazcope-sub000/internal/dispatcher"
	"github.com/RIDCorix/Amazcope-sub000/internal/normalizer"
	"github.com/RIDCorix/Amazcope-sub000/internal/scheduler"
	"github.com/RIDCorix/Amazcope-sub000/internal/scraper"
	"github.com/RIDCorix/Amazcope-sub000/internal/storage"
)

// maxDispatchBatch bounds how many pending alerts one sweep will convert to
// notifications; leftovers are picked up by the next sweep.
const maxDispatchBatch = 500

// Service drives the sweep cycle: select due entities, scrape and commit
// their snapshots, detect threshold crossings, and dispatch notifications.
type Service struct {
	scheduler  *scheduler.Scheduler
	runner     *scraper.Runner
	normalizer *normalizer.Normalizer
	detector   *detector.Detector
	dispatcher *dispatcher.Dispatcher

	entities storage.EntityStore
	watchers storage.WatcherStore
	alerts   storage.AlertStore
	locker   storage.AdvisoryLocker
	logger   zerolog.Logger

	sweepDeadline time.Duration
	retention     time.Duration
	alertsOn      bool
	lockKey       int64
}

// New constructs the monitoring service.
func New(
	cfg *config.Config,
	sched *scheduler.Scheduler,
	runner *scraper.Runner,
	norm *normalizer.Normalizer,
	det *detector.Detector,
	disp *dispatcher.Dispatcher,
	entities storage.EntityStore,
	watchers storage.WatcherStore,
	alerts storage.AlertStore,
	logger zerolog.Logger,
) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := entities.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		scheduler:     sched,
		runner:        runner,
		normalizer:    norm,
		detector:      det,
		dispatcher:    disp,
		entities:      entities,
		watchers:      watchers,
		alerts:        alerts,
		locker:        locker,
		logger:        logger.With().Str("component", "service").Logger(),
		sweepDeadline: cfg.Scheduler.SweepDeadline,
		retention:     cfg.Alerting.Retention,
		alertsOn:      cfg.Alerting.Enabled,
		lockKey:       cfg.Scheduler.AdvisoryLockKey,
	}
}

// Run begins the scheduled sweep loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.Sweep)
}

// TriggerSweep requests an out-of-band sweep on the running loop.
func (s *Service) TriggerSweep() {
	if s.scheduler != nil {
		s.scheduler.Trigger()
	}
}

// Sweep 执行单个采集周期。Exactly one instance proceeds per cycle; the
// advisory lock makes concurrent deployments skip instead of double-scraping.
func (s *Service) Sweep(ctx context.Context, cycle time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("cycle", cycle).Msg("skip sweep because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	return s.executeSweep(ctx, cycle)
}

func (s *Service) executeSweep(ctx context.Context, cycle time.Time) error {
	due, err := s.entities.ListDueEntities(ctx, cycle)
	if err != nil {
		return fmt.Errorf("select due entities: %w", err)
	}

	s.logger.Info().Time("cycle", cycle).Int("due", len(due)).Msg("sweep selecting done")

	var summary scraper.Summary
	if len(due) > 0 {
		sweepCtx, cancel := context.WithTimeout(ctx, s.sweepDeadline)
		summary = s.runner.RunBatch(sweepCtx, due, s.commitOutcome)
		cancel()
	}

	var stats dispatcher.Stats
	if s.alertsOn && s.dispatcher != nil {
		stats = s.dispatchPending(ctx)
	}

	s.reconcile(ctx, cycle, summary, stats)
	return nil
}

// commitOutcome is the per-entity pipeline tail: normalize and commit the
// snapshot, then evaluate alerts against the previous one. Runs on scrape
// worker goroutines.
func (s *Service) commitOutcome(ctx context.Context, outcome scraper.Outcome) error {
	if outcome.Unreachable {
		return s.normalizer.CommitUnreachable(ctx, outcome.Entity, outcome.At)
	}

	result, err := s.normalizer.Commit(ctx, outcome.Entity, outcome.Listing)
	switch {
	case errors.Is(err, storage.ErrStaleSnapshot):
		// Another commit won the race with a newer observation; nothing lost.
		s.logger.Debug().Int64("entity_id", outcome.Entity.ID).Msg("stale snapshot discarded")
		return nil
	case err != nil:
		return err
	}

	if result.Previous == nil {
		return nil
	}

	profiles, err := s.watchers.ListWatcherProfiles(ctx, outcome.Entity.ID)
	if err != nil {
		return fmt.Errorf("list watcher profiles: %w", err)
	}
	if len(profiles) == 0 {
		return nil
	}

	candidates := s.detector.Evaluate(outcome.Entity, *result.Previous, result.Snapshot, profiles)
	if len(candidates) == 0 {
		return nil
	}

	if _, err := s.detector.Record(ctx, candidates); err != nil {
		return fmt.Errorf("record alerts: %w", err)
	}
	return nil
}

// dispatchPending converts alerts without a notification into deliveries.
// Alerts committed by stragglers after their sweep's deadline surface here on
// the next cycle.
func (s *Service) dispatchPending(ctx context.Context) dispatcher.Stats {
	pending, err := s.alerts.ListUnnotifiedAlerts(ctx, maxDispatchBatch)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list pending alerts")
		return dispatcher.Stats{}
	}
	if len(pending) == 0 {
		return dispatcher.Stats{}
	}

	entityCache := make(map[int64]storage.Entity)
	items := make([]dispatcher.Item, 0, len(pending))
	for _, alert := range pending {
		entity, ok := entityCache[alert.EntityID]
		if !ok {
			entity, err = s.entities.GetEntity(ctx, alert.EntityID)
			if err != nil {
				s.logger.Error().Err(err).Int64("entity_id", alert.EntityID).Msg("failed to resolve entity for alert")
				continue
			}
			entityCache[alert.EntityID] = entity
		}

		watcher, err := s.watchers.GetWatcher(ctx, alert.UserID, alert.EntityID)
		if err != nil {
			s.logger.Error().Err(err).
				Int64("user_id", alert.UserID).
				Int64("entity_id", alert.EntityID).
				Msg("failed to resolve watcher for alert")
			continue
		}

		items = append(items, dispatcher.Item{Alert: alert, Entity: entity, Watcher: watcher})
	}

	return s.dispatcher.Dispatch(ctx, items)
}

// reconcile closes the cycle: flush deferred notifications whose quiet
// window passed, prune expired alerts, and log the sweep totals.
func (s *Service) reconcile(ctx context.Context, cycle time.Time, summary scraper.Summary, stats dispatcher.Stats) {
	if s.alertsOn && s.dispatcher != nil {
		flushed := s.dispatcher.FlushDeferred(ctx)
		stats.Sent += flushed.Sent
		stats.Failed += flushed.Failed
		stats.Suppressed += flushed.Suppressed
	}

	if s.retention > 0 {
		cutoff := time.Now().UTC().Add(-s.retention)
		if err := s.alerts.DeleteAlertsBefore(ctx, cutoff); err != nil {
			s.logger.Error().Err(err).Msg("failed to prune expired alerts")
		}
	}

	event := s.logger.Info().Time("cycle", cycle).
		Int("attempted", summary.Attempted).
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Int("unreachable", summary.Unreachable).
		Int("abandoned", summary.Abandoned).
		Int("coalesced", summary.Coalesced).
		Int("notifications", stats.Notifications).
		Int("sent", stats.Sent).
		Int("delivery_failed", stats.Failed).
		Int("suppressed", stats.Suppressed).
		Int("deferred", stats.Deferred)
	for entityID, err := range summary.Errors {
		event = event.AnErr(fmt.Sprintf("entity_%d", entityID), err)
	}
	event.Msg("sweep reconciled")
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
