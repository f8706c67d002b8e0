package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const itemColumns = `id, profile_id, kind, external_id, captured_at, caption, media_path, media_type,
	status, delivered_at, purged_at, created_at`

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Seen reports whether key is already in the dedup ledger. It is a read-only
// pre-check used to avoid downloads; CheckAndInsert remains the gate.
func (s *Store) Seen(ctx context.Context, key DedupKey) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ingested_ids WHERE profile_id = ? AND kind = ? AND external_id = ?`,
		key.ProfileID, string(key.Kind), key.ExternalID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking dedup key: %w", err)
	}
	return n > 0, nil
}

// CheckAndInsert atomically records key in the dedup ledger. It returns true
// when the key was newly inserted and false when it was already present.
func (s *Store) CheckAndInsert(ctx context.Context, key DedupKey) (bool, error) {
	return s.checkAndInsert(ctx, s.db, key)
}

func (s *Store) checkAndInsert(ctx context.Context, ex execer, key DedupKey) (bool, error) {
	res, err := ex.ExecContext(ctx, `
		INSERT OR IGNORE INTO ingested_ids (profile_id, kind, external_id, ingested_at)
		VALUES (?, ?, ?, ?)`,
		key.ProfileID, string(key.Kind), key.ExternalID, formatTime(s.now()),
	)
	if err != nil {
		return false, fmt.Errorf("inserting dedup key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RecordIngest gates on CheckAndInsert and writes the item rows in the same
// transaction. When the key already exists nothing is written and false is
// returned, so a key is never present without its items and vice versa.
func (s *Store) RecordIngest(ctx context.Context, key DedupKey, items []Item) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning ingest transaction: %w", err)
	}
	defer tx.Rollback()

	inserted, err := s.checkAndInsert(ctx, tx, key)
	if err != nil {
		return false, err
	}
	if !inserted {
		return false, nil
	}

	now := formatTime(s.now())
	for _, it := range items {
		status := it.Status
		if status == "" {
			status = StatusPending
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO media_items (id, profile_id, kind, external_id, captured_at, caption, media_path, media_type, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			it.ID, key.ProfileID, string(key.Kind), key.ExternalID, formatTime(it.CapturedAt),
			it.Caption, it.MediaPath, it.MediaType, status, now,
		); err != nil {
			return false, fmt.Errorf("inserting item %s: %w", it.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing ingest: %w", err)
	}
	return true, nil
}

// GetItem loads a single item by id.
func (s *Store) GetItem(ctx context.Context, id string) (Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM media_items WHERE id = ?`, id)
	it, err := scanItem(row)
	if err == sql.ErrNoRows {
		return Item{}, ErrNotFound
	}
	return it, err
}

// ListItems returns items newest first.
func (s *Store) ListItems(ctx context.Context, f ItemFilter) ([]Item, error) {
	query := `SELECT ` + itemColumns + ` FROM media_items WHERE 1 = 1`
	var args []any
	if f.ProfileID != "" {
		query += ` AND profile_id = ?`
		args = append(args, f.ProfileID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY captured_at DESC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return s.queryItems(ctx, query, args...)
}

// MarkDelivered moves a pending item to delivered. Calling it on an item
// that is already delivered is a no-op; there is no way back to pending.
func (s *Store) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE media_items SET status = ?, delivered_at = ? WHERE id = ? AND status = ?`,
		StatusDelivered, formatTime(at), id, StatusPending,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetItem(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// ListPurgeable returns delivered items whose artifacts are still on disk and
// whose delivery happened at or before cutoff. Pending items are never returned.
func (s *Store) ListPurgeable(ctx context.Context, cutoff time.Time, limit int) ([]Item, error) {
	query := `SELECT ` + itemColumns + ` FROM media_items
		WHERE status = ? AND purged_at IS NULL AND delivered_at IS NOT NULL AND delivered_at <= ?
		ORDER BY delivered_at ASC`
	args := []any{StatusDelivered, formatTime(cutoff)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryItems(ctx, query, args...)
}

// MarkPurged records that an item's artifact has been removed from disk.
func (s *Store) MarkPurged(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE media_items SET purged_at = ? WHERE id = ? AND status = ?`,
		formatTime(at), id, StatusDelivered,
	)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (s *Store) queryItems(ctx context.Context, query string, args ...any) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, it)
	}
	return results, rows.Err()
}

func scanItem(r rowScanner) (Item, error) {
	var it Item
	var kind, capturedAt, createdAt string
	var deliveredAt, purgedAt sql.NullString
	if err := r.Scan(&it.ID, &it.ProfileID, &kind, &it.ExternalID, &capturedAt, &it.Caption,
		&it.MediaPath, &it.MediaType, &it.Status, &deliveredAt, &purgedAt, &createdAt); err != nil {
		return Item{}, err
	}
	it.Kind = Kind(kind)

	var err error
	if it.CapturedAt, err = parseTime(capturedAt); err != nil {
		return Item{}, fmt.Errorf("parsing captured_at: %w", err)
	}
	if it.DeliveredAt, err = parseNullTime(deliveredAt); err != nil {
		return Item{}, fmt.Errorf("parsing delivered_at: %w", err)
	}
	if it.PurgedAt, err = parseNullTime(purgedAt); err != nil {
		return Item{}, fmt.Errorf("parsing purged_at: %w", err)
	}
	if it.CreatedAt, err = parseTime(createdAt); err != nil {
		return Item{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return it, nil
}
