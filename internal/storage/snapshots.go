package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	snapshotColumns = `id, entity_id, observed_at, price, currency, rank, rating,
        review_count, in_stock, availability, raw, created_at`

	lockEntitySQL = `SELECT last_snapshot_at FROM entities WHERE id = $1 FOR UPDATE;`

	latestSnapshotSQL = `SELECT ` + snapshotColumns + `
    FROM snapshots
    WHERE entity_id = $1
    ORDER BY observed_at DESC
    LIMIT 1;`

	insertSnapshotSQL = `INSERT INTO snapshots (
        entity_id, observed_at, price, currency, rank, rating,
        review_count, in_stock, availability, raw
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
    RETURNING id, created_at;`

	updateEntityDenormSQL = `UPDATE entities
    SET last_price = COALESCE($2, last_price),
        last_currency = COALESCE($3, last_currency),
        last_rank = COALESCE($4, last_rank),
        last_rating = COALESCE($5, last_rating),
        last_review_count = COALESCE($6, last_review_count),
        last_in_stock = COALESCE($7, last_in_stock),
        last_snapshot_at = $8,
        unlisted = FALSE,
        unlisted_at = NULL
    WHERE id = $1;`

	listSnapshotsBetweenSQL = `SELECT ` + snapshotColumns + `
    FROM snapshots
    WHERE entity_id = $1
      AND observed_at >= $2
      AND observed_at < $3
    ORDER BY observed_at;`
)

// CommitSnapshot appends a snapshot and refreshes the entity's denormalized
// fields in one transaction. The entity row is locked first so concurrent
// commits for the same entity serialise, and a snapshot whose timestamp is
// not strictly greater than the current latest is rejected with
// ErrStaleSnapshot. Returns the committed snapshot and its immediate
// predecessor (nil on first observation).
func (s *Store) CommitSnapshot(ctx context.Context, snapshot Snapshot) (Snapshot, *Snapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return Snapshot{}, nil, err
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Snapshot{}, nil, fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var lastSnapAt sql.NullTime
	if err := tx.QueryRow(ctx, lockEntitySQL, snapshot.EntityID).Scan(&lastSnapAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Snapshot{}, nil, ErrEntityNotFound
		}
		return Snapshot{}, nil, fmt.Errorf("lock entity: %w", err)
	}

	var prev *Snapshot
	row := tx.QueryRow(ctx, latestSnapshotSQL, snapshot.EntityID)
	latest, scanErr := scanSnapshot(row)
	switch {
	case scanErr == nil:
		if !snapshot.ObservedAt.After(latest.ObservedAt) {
			return Snapshot{}, nil, ErrStaleSnapshot
		}
		prev = &latest
	case errors.Is(scanErr, pgx.ErrNoRows):
		// first observation establishes the baseline
	default:
		return Snapshot{}, nil, fmt.Errorf("read latest snapshot: %w", scanErr)
	}

	raw := snapshot.Raw
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}

	var rank, reviews interface{}
	if snapshot.Rank != nil {
		rank = *snapshot.Rank
	}
	if snapshot.ReviewCount != nil {
		reviews = *snapshot.ReviewCount
	}
	var currency, inStock interface{}
	if snapshot.Currency != nil {
		currency = *snapshot.Currency
	}
	if snapshot.InStock != nil {
		inStock = *snapshot.InStock
	}

	committed := snapshot
	if err := tx.QueryRow(ctx, insertSnapshotSQL,
		snapshot.EntityID,
		snapshot.ObservedAt,
		decimalArg(snapshot.Price),
		currency,
		rank,
		decimalArg(snapshot.Rating),
		reviews,
		inStock,
		snapshot.Availability,
		[]byte(raw),
	).Scan(&committed.ID, &committed.CreatedAt); err != nil {
		return Snapshot{}, nil, fmt.Errorf("insert snapshot: %w", err)
	}

	if _, err := tx.Exec(ctx, updateEntityDenormSQL,
		snapshot.EntityID,
		decimalArg(snapshot.Price),
		currency,
		rank,
		decimalArg(snapshot.Rating),
		reviews,
		inStock,
		snapshot.ObservedAt,
	); err != nil {
		return Snapshot{}, nil, fmt.Errorf("update entity denorm: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Snapshot{}, nil, fmt.Errorf("commit snapshot tx: %w", err)
	}
	return committed, prev, nil
}

// LatestSnapshot returns the newest snapshot for an entity, nil when none.
func (s *Store) LatestSnapshot(ctx context.Context, entityID int64) (*Snapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	row := pool.QueryRow(ctx, latestSnapshotSQL, entityID)
	snapshot, scanErr := scanSnapshot(row)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest snapshot: %w", scanErr)
	}
	return &snapshot, nil
}

// ListSnapshotsBetween lists one entity's snapshots within a time window.
func (s *Store) ListSnapshotsBetween(ctx context.Context, entityID int64, from, to time.Time) ([]Snapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSnapshotsBetweenSQL, entityID, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list snapshots between: %w", queryErr)
	}
	defer rows.Close()

	snapshots := make([]Snapshot, 0)
	for rows.Next() {
		snapshot, scanErr := scanSnapshot(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		snapshots = append(snapshots, snapshot)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return snapshots, nil
}

func scanSnapshot(row rowScanner) (Snapshot, error) {
	var (
		snapshot Snapshot
		price    sql.NullString
		currency sql.NullString
		rank     sql.NullInt64
		rating   sql.NullString
		reviews  sql.NullInt64
		inStock  sql.NullBool
		raw      json.RawMessage
	)

	if err := row.Scan(
		&snapshot.ID,
		&snapshot.EntityID,
		&snapshot.ObservedAt,
		&price,
		&currency,
		&rank,
		&rating,
		&reviews,
		&inStock,
		&snapshot.Availability,
		&raw,
		&snapshot.CreatedAt,
	); err != nil {
		return Snapshot{}, err
	}

	var err error
	if snapshot.Price, err = nullDecimal(price); err != nil {
		return Snapshot{}, err
	}
	if currency.Valid {
		v := currency.String
		snapshot.Currency = &v
	}
	if rank.Valid {
		v := rank.Int64
		snapshot.Rank = &v
	}
	if snapshot.Rating, err = nullDecimal(rating); err != nil {
		return Snapshot{}, err
	}
	if reviews.Valid {
		v := reviews.Int64
		snapshot.ReviewCount = &v
	}
	if inStock.Valid {
		v := inStock.Bool
		snapshot.InStock = &v
	}
	snapshot.Raw = raw

	return snapshot, nil
}
