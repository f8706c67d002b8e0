package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SaveLog persists a system log record. CreatedAt defaults to now.
func (s *Store) SaveLog(ctx context.Context, e LogEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_logs (id, level, message, details, profile_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Level, e.Message, e.Details, e.ProfileID, formatTime(e.CreatedAt),
	)
	return err
}

// ListLogs returns log records newest first.
func (s *Store) ListLogs(ctx context.Context, f LogFilter) ([]LogEntry, error) {
	query := `SELECT id, level, message, details, profile_id, created_at FROM system_logs WHERE 1 = 1`
	var args []any
	if f.Level != "" {
		query += ` AND level = ?`
		args = append(args, f.Level)
	}
	if f.ProfileID != "" {
		query += ` AND profile_id = ?`
		args = append(args, f.ProfileID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []LogEntry
	for rows.Next() {
		var e LogEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Level, &e.Message, &e.Details, &e.ProfileID, &createdAt); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

// PruneLogs deletes log records created before cutoff.
func (s *Store) PruneLogs(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM system_logs WHERE created_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Stats aggregates profile, item and error counts.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	var lastCheck sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM profiles),
			(SELECT COUNT(*) FROM profiles WHERE active = 1),
			(SELECT COUNT(*) FROM media_items WHERE kind = ?),
			(SELECT COUNT(*) FROM media_items WHERE kind = ?),
			(SELECT COUNT(*) FROM system_logs WHERE level = ?),
			(SELECT MAX(last_checked_at) FROM profiles)`,
		string(KindPost), string(KindStory), LevelError,
	).Scan(&st.TotalProfiles, &st.ActiveProfiles, &st.TotalPosts, &st.TotalStories, &st.TotalErrors, &lastCheck)
	if err != nil {
		return Stats{}, err
	}
	if st.LastCheck, err = parseNullTime(lastCheck); err != nil {
		return Stats{}, fmt.Errorf("parsing last_check: %w", err)
	}
	return st, nil
}
