package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrEntityNotFound indicates no entity matched the lookup.
	ErrEntityNotFound = errors.New("storage: entity not found")
	// ErrStaleSnapshot indicates a snapshot commit with a timestamp not
	// strictly greater than the entity's current latest observation.
	ErrStaleSnapshot = errors.New("storage: snapshot timestamp not after latest")
)

const (
	entityColumns = `id, asin, marketplace, title, active, refresh_interval_secs,
        price_threshold_pct, rank_threshold_pct, rating_threshold_pct, reviews_threshold_pct,
        last_price, last_currency, last_rank, last_rating, last_review_count, last_in_stock,
        last_snapshot_at, unlisted, unlisted_at, created_at`

	insertEntitySQL = `INSERT INTO entities (
        asin, marketplace, title, active, refresh_interval_secs,
        price_threshold_pct, rank_threshold_pct, rating_threshold_pct, reviews_threshold_pct
    ) VALUES ($1,$2,$3,TRUE,$4,$5,$6,$7,$8)
    ON CONFLICT (asin, marketplace) DO UPDATE
    SET active = TRUE,
        refresh_interval_secs = EXCLUDED.refresh_interval_secs
    RETURNING ` + entityColumns + `;`

	getEntityByASINSQL = `SELECT ` + entityColumns + `
    FROM entities
    WHERE asin = $1 AND marketplace = $2;`

	getEntityByIDSQL = `SELECT ` + entityColumns + `
    FROM entities
    WHERE id = $1;`

	listDueEntitiesSQL = `SELECT ` + entityColumns + `
    FROM entities
    WHERE active
      AND NOT unlisted
      AND (last_snapshot_at IS NULL
           OR last_snapshot_at <= $1::timestamptz - make_interval(secs => refresh_interval_secs))
    ORDER BY last_snapshot_at NULLS FIRST;`

	listEntitiesSQL = `SELECT ` + entityColumns + `
    FROM entities
    WHERE active
    ORDER BY id
    LIMIT $1;`

	markEntityUnlistedSQL = `UPDATE entities
    SET unlisted = TRUE, unlisted_at = $2
    WHERE id = $1 AND NOT unlisted;`

	deactivateEntitySQL = `UPDATE entities SET active = FALSE WHERE id = $1;`

	listWatcherProfilesSQL = `SELECT
        w.user_id, w.entity_id, w.email, w.webhook_url, w.channels,
        w.quiet_start, w.quiet_end, w.created_at,
        o.price_pct, o.rank_pct, o.rating_pct, o.reviews_pct, o.muted
    FROM watchers w
    LEFT JOIN threshold_overrides o
      ON o.user_id = w.user_id AND o.entity_id = w.entity_id
    WHERE w.entity_id = $1
    ORDER BY w.user_id;`

	getWatcherSQL = `SELECT user_id, entity_id, email, webhook_url, channels,
        quiet_start, quiet_end, created_at
    FROM watchers
    WHERE user_id = $1 AND entity_id = $2;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// EntityStore defines operations over tracked entities.
type EntityStore interface {
	UpsertEntity(ctx context.Context, entity Entity) (Entity, error)
	GetEntityByASIN(ctx context.Context, asin, marketplace string) (Entity, error)
	GetEntity(ctx context.Context, entityID int64) (Entity, error)
	ListDueEntities(ctx context.Context, now time.Time) ([]Entity, error)
	ListEntities(ctx context.Context, limit int) ([]Entity, error)
	MarkEntityUnlisted(ctx context.Context, entityID int64, at time.Time) error
	DeactivateEntity(ctx context.Context, entityID int64) error
}

// SnapshotStore defines operations for the snapshot time series.
type SnapshotStore interface {
	CommitSnapshot(ctx context.Context, snapshot Snapshot) (Snapshot, *Snapshot, error)
	LatestSnapshot(ctx context.Context, entityID int64) (*Snapshot, error)
	ListSnapshotsBetween(ctx context.Context, entityID int64, from, to time.Time) ([]Snapshot, error)
}

// WatcherStore exposes per-entity subscriptions with resolved overrides.
type WatcherStore interface {
	ListWatcherProfiles(ctx context.Context, entityID int64) ([]WatcherProfile, error)
	GetWatcher(ctx context.Context, userID, entityID int64) (Watcher, error)
}

// AlertStore defines operations for the append-only alert log.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert Alert) (bool, error)
	ListUnnotifiedAlerts(ctx context.Context, limit int) ([]Alert, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]Alert, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
}

// NotificationStore defines operations over delivery records.
type NotificationStore interface {
	InsertNotification(ctx context.Context, notification Notification) error
	UpdateNotificationDelivery(ctx context.Context, notification Notification) error
	ListDueDeferred(ctx context.Context, now time.Time) ([]Notification, error)
	ListRecentNotifications(ctx context.Context, limit int) ([]Notification, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to entities, snapshots, alerts, and notifications.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; log omitted in storage package
		}
		conn.Release()
	}
	return unlock, true, nil
}

// UpsertEntity registers a listing for tracking, reactivating it when it
// already exists.
func (s *Store) UpsertEntity(ctx context.Context, entity Entity) (Entity, error) {
	pool, err := s.getPool()
	if err != nil {
		return Entity{}, err
	}

	row := pool.QueryRow(ctx, insertEntitySQL,
		entity.ASIN,
		entity.Marketplace,
		entity.Title,
		int64(entity.RefreshInterval/time.Second),
		entity.PriceThresholdPct.String(),
		entity.RankThresholdPct.String(),
		entity.RatingThresholdPct.String(),
		entity.ReviewsThresholdPct.String(),
	)
	stored, scanErr := scanEntity(row)
	if scanErr != nil {
		return Entity{}, fmt.Errorf("upsert entity: %w", scanErr)
	}
	return stored, nil
}

// GetEntityByASIN looks up a tracked listing by its marketplace identifier.
func (s *Store) GetEntityByASIN(ctx context.Context, asin, marketplace string) (Entity, error) {
	pool, err := s.getPool()
	if err != nil {
		return Entity{}, err
	}

	row := pool.QueryRow(ctx, getEntityByASINSQL, asin, marketplace)
	entity, scanErr := scanEntity(row)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return Entity{}, ErrEntityNotFound
		}
		return Entity{}, fmt.Errorf("get entity by asin: %w", scanErr)
	}
	return entity, nil
}

// GetEntity looks up a tracked listing by primary key.
func (s *Store) GetEntity(ctx context.Context, entityID int64) (Entity, error) {
	pool, err := s.getPool()
	if err != nil {
		return Entity{}, err
	}

	row := pool.QueryRow(ctx, getEntityByIDSQL, entityID)
	entity, scanErr := scanEntity(row)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return Entity{}, ErrEntityNotFound
		}
		return Entity{}, fmt.Errorf("get entity: %w", scanErr)
	}
	return entity, nil
}

// ListDueEntities returns active, listed entities whose last successful
// observation is older than their refresh interval.
func (s *Store) ListDueEntities(ctx context.Context, now time.Time) ([]Entity, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listDueEntitiesSQL, now)
	if queryErr != nil {
		return nil, fmt.Errorf("list due entities: %w", queryErr)
	}
	defer rows.Close()

	return collectEntities(rows)
}

// ListEntities lists active entities ordered by id.
func (s *Store) ListEntities(ctx context.Context, limit int) ([]Entity, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listEntitiesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list entities: %w", queryErr)
	}
	defer rows.Close()

	return collectEntities(rows)
}

// MarkEntityUnlisted flags an entity as gone from the marketplace.
func (s *Store) MarkEntityUnlisted(ctx context.Context, entityID int64, at time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, markEntityUnlistedSQL, entityID, at); execErr != nil {
		return fmt.Errorf("mark entity unlisted: %w", execErr)
	}
	return nil
}

// DeactivateEntity stops tracking without deleting history.
func (s *Store) DeactivateEntity(ctx context.Context, entityID int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, deactivateEntitySQL, entityID)
	if execErr != nil {
		return fmt.Errorf("deactivate entity: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrEntityNotFound
	}
	return nil
}

// ListWatcherProfiles returns the entity's watchers joined with their
// threshold overrides.
func (s *Store) ListWatcherProfiles(ctx context.Context, entityID int64) ([]WatcherProfile, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listWatcherProfilesSQL, entityID)
	if queryErr != nil {
		return nil, fmt.Errorf("list watcher profiles: %w", queryErr)
	}
	defer rows.Close()

	profiles := make([]WatcherProfile, 0)
	for rows.Next() {
		var (
			w          Watcher
			quietStart sql.NullInt32
			quietEnd   sql.NullInt32
			pricePct   sql.NullString
			rankPct    sql.NullString
			ratingPct  sql.NullString
			reviewsPct sql.NullString
			muted      sql.NullBool
		)
		if err := rows.Scan(
			&w.UserID,
			&w.EntityID,
			&w.Email,
			&w.WebhookURL,
			&w.Channels,
			&quietStart,
			&quietEnd,
			&w.CreatedAt,
			&pricePct,
			&rankPct,
			&ratingPct,
			&reviewsPct,
			&muted,
		); err != nil {
			return nil, fmt.Errorf("scan watcher profile: %w", err)
		}

		if quietStart.Valid {
			v := int(quietStart.Int32)
			w.QuietStart = &v
		}
		if quietEnd.Valid {
			v := int(quietEnd.Int32)
			w.QuietEnd = &v
		}

		profile := WatcherProfile{Watcher: w}
		if muted.Valid {
			override := ThresholdOverride{
				UserID:   w.UserID,
				EntityID: w.EntityID,
				Muted:    muted.Bool,
			}
			var convErr error
			if override.PricePct, convErr = nullDecimal(pricePct); convErr != nil {
				return nil, convErr
			}
			if override.RankPct, convErr = nullDecimal(rankPct); convErr != nil {
				return nil, convErr
			}
			if override.RatingPct, convErr = nullDecimal(ratingPct); convErr != nil {
				return nil, convErr
			}
			if override.ReviewsPct, convErr = nullDecimal(reviewsPct); convErr != nil {
				return nil, convErr
			}
			profile.Override = &override
		}
		profiles = append(profiles, profile)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return profiles, nil
}

// GetWatcher fetches one subscription's contact details.
func (s *Store) GetWatcher(ctx context.Context, userID, entityID int64) (Watcher, error) {
	pool, err := s.getPool()
	if err != nil {
		return Watcher{}, err
	}

	var (
		w          Watcher
		quietStart sql.NullInt32
		quietEnd   sql.NullInt32
	)
	if err := pool.QueryRow(ctx, getWatcherSQL, userID, entityID).Scan(
		&w.UserID,
		&w.EntityID,
		&w.Email,
		&w.WebhookURL,
		&w.Channels,
		&quietStart,
		&quietEnd,
		&w.CreatedAt,
	); err != nil {
		return Watcher{}, fmt.Errorf("get watcher: %w", err)
	}

	if quietStart.Valid {
		v := int(quietStart.Int32)
		w.QuietStart = &v
	}
	if quietEnd.Valid {
		v := int(quietEnd.Int32)
		w.QuietEnd = &v
	}
	return w, nil
}

func collectEntities(rows pgx.Rows) ([]Entity, error) {
	entities := make([]Entity, 0)
	for rows.Next() {
		entity, scanErr := scanEntity(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		entities = append(entities, entity)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return entities, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (Entity, error) {
	var (
		entity       Entity
		refreshSecs  int64
		priceThr     string
		rankThr      string
		ratingThr    string
		reviewsThr   string
		lastPrice    sql.NullString
		lastCurrency sql.NullString
		lastRank     sql.NullInt64
		lastRating   sql.NullString
		lastReviews  sql.NullInt64
		lastInStock  sql.NullBool
		lastSnapAt   sql.NullTime
		unlistedAt   sql.NullTime
	)

	if err := row.Scan(
		&entity.ID,
		&entity.ASIN,
		&entity.Marketplace,
		&entity.Title,
		&entity.Active,
		&refreshSecs,
		&priceThr,
		&rankThr,
		&ratingThr,
		&reviewsThr,
		&lastPrice,
		&lastCurrency,
		&lastRank,
		&lastRating,
		&lastReviews,
		&lastInStock,
		&lastSnapAt,
		&entity.Unlisted,
		&unlistedAt,
		&entity.CreatedAt,
	); err != nil {
		return Entity{}, err
	}

	entity.RefreshInterval = time.Duration(refreshSecs) * time.Second

	var err error
	if entity.PriceThresholdPct, err = decimal.NewFromString(priceThr); err != nil {
		return Entity{}, fmt.Errorf("parse price threshold: %w", err)
	}
	if entity.RankThresholdPct, err = decimal.NewFromString(rankThr); err != nil {
		return Entity{}, fmt.Errorf("parse rank threshold: %w", err)
	}
	if entity.RatingThresholdPct, err = decimal.NewFromString(ratingThr); err != nil {
		return Entity{}, fmt.Errorf("parse rating threshold: %w", err)
	}
	if entity.ReviewsThresholdPct, err = decimal.NewFromString(reviewsThr); err != nil {
		return Entity{}, fmt.Errorf("parse reviews threshold: %w", err)
	}

	if entity.LastPrice, err = nullDecimal(lastPrice); err != nil {
		return Entity{}, err
	}
	if lastCurrency.Valid {
		v := lastCurrency.String
		entity.LastCurrency = &v
	}
	if lastRank.Valid {
		v := lastRank.Int64
		entity.LastRank = &v
	}
	if entity.LastRating, err = nullDecimal(lastRating); err != nil {
		return Entity{}, err
	}
	if lastReviews.Valid {
		v := lastReviews.Int64
		entity.LastReviewCount = &v
	}
	if lastInStock.Valid {
		v := lastInStock.Bool
		entity.LastInStock = &v
	}
	if lastSnapAt.Valid {
		v := lastSnapAt.Time
		entity.LastSnapshotAt = &v
	}
	if unlistedAt.Valid {
		v := unlistedAt.Time
		entity.UnlistedAt = &v
	}

	return entity, nil
}

func nullDecimal(v sql.NullString) (*decimal.Decimal, error) {
	if !v.Valid {
		return nil, nil
	}
	parsed, err := decimal.NewFromString(v.String)
	if err != nil {
		return nil, fmt.Errorf("parse decimal column: %w", err)
	}
	return &parsed, nil
}

func decimalArg(v *decimal.Decimal) interface{} {
	if v == nil {
		return nil
	}
	return v.String()
}
