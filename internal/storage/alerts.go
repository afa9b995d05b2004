package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const (
	alertColumns = `id, entity_id, user_id, metric, prev_snapshot_id, new_snapshot_id,
        prev_value, new_value, delta_abs, delta_rel, threshold_pct,
        direction, severity, dedup_key, created_at`

	insertAlertSQL = `INSERT INTO alerts (
        id, entity_id, user_id, metric, prev_snapshot_id, new_snapshot_id,
        prev_value, new_value, delta_abs, delta_rel, threshold_pct,
        direction, severity, dedup_key
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
    ON CONFLICT (dedup_key) DO NOTHING;`

	listUnnotifiedAlertsSQL = `SELECT ` + alertColumns + `
    FROM alerts a
    WHERE NOT EXISTS (
        SELECT 1 FROM notifications n WHERE a.id = ANY(n.alert_ids)
    )
    ORDER BY a.created_at
    LIMIT $1;`

	listRecentAlertsSQL = `SELECT ` + alertColumns + `
    FROM alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	deleteAlertsBeforeSQL = `DELETE FROM alerts WHERE created_at < $1;`

	notificationColumns = `id, user_id, entity_id, channel, status, alert_ids,
        subject, body, attempts, deliver_after, last_error, created_at, delivered_at`

	insertNotificationSQL = `INSERT INTO notifications (
        id, user_id, entity_id, channel, status, alert_ids,
        subject, body, attempts, deliver_after, last_error, delivered_at
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12);`

	updateNotificationSQL = `UPDATE notifications
    SET status = $2, attempts = $3, deliver_after = $4, last_error = $5, delivered_at = $6
    WHERE id = $1;`

	listDueDeferredSQL = `SELECT ` + notificationColumns + `
    FROM notifications
    WHERE status = 'deferred'
      AND deliver_after IS NOT NULL
      AND deliver_after <= $1
    ORDER BY deliver_after;`

	listRecentNotificationsSQL = `SELECT ` + notificationColumns + `
    FROM notifications
    ORDER BY created_at DESC
    LIMIT $1;`
)

// InsertAlert appends an alert. Returns false when the dedup key already
// exists, which makes detector re-runs idempotent.
func (s *Store) InsertAlert(ctx context.Context, alert Alert) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	cmdTag, execErr := pool.Exec(ctx, insertAlertSQL,
		alert.ID,
		alert.EntityID,
		alert.UserID,
		string(alert.Metric),
		alert.PrevSnapshotID,
		alert.NewSnapshotID,
		alert.PrevValue.String(),
		alert.NewValue.String(),
		alert.DeltaAbs.String(),
		alert.DeltaRel.String(),
		alert.ThresholdPct.String(),
		alert.Direction,
		alert.Severity,
		alert.DedupKey,
	)
	if execErr != nil {
		return false, fmt.Errorf("insert alert: %w", execErr)
	}
	return cmdTag.RowsAffected() > 0, nil
}

// ListUnnotifiedAlerts lists alerts not yet attached to any notification,
// oldest first. Stragglers committed after a sweep deadline surface here on
// the next sweep.
func (s *Store) ListUnnotifiedAlerts(ctx context.Context, limit int) ([]Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listUnnotifiedAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list unnotified alerts: %w", queryErr)
	}
	defer rows.Close()

	return collectAlerts(rows)
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	return collectAlerts(rows)
}

// DeleteAlertsBefore prunes historical alerts past retention.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete alerts before: %w", execErr)
	}
	return nil
}

// InsertNotification records a delivery attempt projection.
func (s *Store) InsertNotification(ctx context.Context, n Notification) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var deliverAfter, lastErr, deliveredAt interface{}
	if n.DeliverAfter != nil {
		deliverAfter = *n.DeliverAfter
	}
	if n.LastError != nil {
		lastErr = *n.LastError
	}
	if n.DeliveredAt != nil {
		deliveredAt = *n.DeliveredAt
	}

	if _, execErr := pool.Exec(ctx, insertNotificationSQL,
		n.ID,
		n.UserID,
		n.EntityID,
		n.Channel,
		n.Status,
		n.AlertIDs,
		n.Subject,
		n.Body,
		n.Attempts,
		deliverAfter,
		lastErr,
		deliveredAt,
	); execErr != nil {
		return fmt.Errorf("insert notification: %w", execErr)
	}
	return nil
}

// UpdateNotificationDelivery records a status transition.
func (s *Store) UpdateNotificationDelivery(ctx context.Context, n Notification) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var deliverAfter, lastErr, deliveredAt interface{}
	if n.DeliverAfter != nil {
		deliverAfter = *n.DeliverAfter
	}
	if n.LastError != nil {
		lastErr = *n.LastError
	}
	if n.DeliveredAt != nil {
		deliveredAt = *n.DeliveredAt
	}

	cmdTag, execErr := pool.Exec(ctx, updateNotificationSQL,
		n.ID,
		n.Status,
		n.Attempts,
		deliverAfter,
		lastErr,
		deliveredAt,
	)
	if execErr != nil {
		return fmt.Errorf("update notification: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ListDueDeferred lists deferred notifications whose quiet window has passed.
func (s *Store) ListDueDeferred(ctx context.Context, now time.Time) ([]Notification, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listDueDeferredSQL, now)
	if queryErr != nil {
		return nil, fmt.Errorf("list due deferred: %w", queryErr)
	}
	defer rows.Close()

	return collectNotifications(rows)
}

// ListRecentNotifications lists most recent notifications, suppressed ones
// included.
func (s *Store) ListRecentNotifications(ctx context.Context, limit int) ([]Notification, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentNotificationsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent notifications: %w", queryErr)
	}
	defer rows.Close()

	return collectNotifications(rows)
}

func collectAlerts(rows pgx.Rows) ([]Alert, error) {
	alerts := make([]Alert, 0)
	for rows.Next() {
		var (
			rec       Alert
			metric    string
			prevValue string
			newValue  string
			deltaAbs  string
			deltaRel  string
			threshold string
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.EntityID,
			&rec.UserID,
			&metric,
			&rec.PrevSnapshotID,
			&rec.NewSnapshotID,
			&prevValue,
			&newValue,
			&deltaAbs,
			&deltaRel,
			&threshold,
			&rec.Direction,
			&rec.Severity,
			&rec.DedupKey,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}

		rec.Metric = Metric(metric)

		var convErr error
		if rec.PrevValue, convErr = parseDecimalField(prevValue, "prev value"); convErr != nil {
			return nil, convErr
		}
		if rec.NewValue, convErr = parseDecimalField(newValue, "new value"); convErr != nil {
			return nil, convErr
		}
		if rec.DeltaAbs, convErr = parseDecimalField(deltaAbs, "delta abs"); convErr != nil {
			return nil, convErr
		}
		if rec.DeltaRel, convErr = parseDecimalField(deltaRel, "delta rel"); convErr != nil {
			return nil, convErr
		}
		if rec.ThresholdPct, convErr = parseDecimalField(threshold, "threshold pct"); convErr != nil {
			return nil, convErr
		}

		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

func parseDecimalField(v, name string) (decimal.Decimal, error) {
	parsed, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse %s: %w", name, err)
	}
	return parsed, nil
}

func collectNotifications(rows pgx.Rows) ([]Notification, error) {
	notifications := make([]Notification, 0)
	for rows.Next() {
		var (
			n            Notification
			deliverAfter sql.NullTime
			lastErr      sql.NullString
			deliveredAt  sql.NullTime
		)
		if err := rows.Scan(
			&n.ID,
			&n.UserID,
			&n.EntityID,
			&n.Channel,
			&n.Status,
			&n.AlertIDs,
			&n.Subject,
			&n.Body,
			&n.Attempts,
			&deliverAfter,
			&lastErr,
			&n.CreatedAt,
			&deliveredAt,
		); err != nil {
			return nil, err
		}

		if deliverAfter.Valid {
			v := deliverAfter.Time
			n.DeliverAfter = &v
		}
		if lastErr.Valid {
			v := lastErr.String
			n.LastError = &v
		}
		if deliveredAt.Valid {
			v := deliveredAt.Time
			n.DeliveredAt = &v
		}

		notifications = append(notifications, n)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return notifications, nil
}
