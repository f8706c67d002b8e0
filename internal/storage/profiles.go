package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const profileColumns = `id, username, webhook_url, check_interval, download_posts, download_stories,
	active, last_checked_at, created_at, updated_at`

// CreateProfile inserts a new profile. CreatedAt and UpdatedAt are stamped
// when zero. Returns ErrConflict when the username is taken.
//
// When a deleted profile had the same username, its watermarks, dedup keys
// and items are rebound to the new profile, so the account's history is not
// ingested a second time.
func (s *Store) CreateProfile(ctx context.Context, p Profile) error {
	now := s.now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning create transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO profiles (id, username, webhook_url, check_interval, download_posts, download_stories, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Username, p.WebhookURL, p.CheckInterval,
		boolInt(p.DownloadPosts), boolInt(p.DownloadStories), boolInt(p.Active),
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrConflict
	}
	if err != nil {
		return err
	}

	if err := adoptRetired(ctx, tx, p.Username, p.ID); err != nil {
		return err
	}
	return tx.Commit()
}

// adoptRetired moves the history of a deleted profile with the same username
// onto profileID.
func adoptRetired(ctx context.Context, tx *sql.Tx, username, profileID string) error {
	var oldID string
	err := tx.QueryRowContext(ctx, `SELECT profile_id FROM retired_profiles WHERE username = ?`, username).Scan(&oldID)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("looking up retired profile: %w", err)
	}

	for _, table := range []string{"profile_watermarks", "ingested_ids", "media_items"} {
		if _, err := tx.ExecContext(ctx,
			`UPDATE `+table+` SET profile_id = ? WHERE profile_id = ?`, profileID, oldID); err != nil {
			return fmt.Errorf("rebinding %s: %w", table, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM retired_profiles WHERE username = ?`, username); err != nil {
		return fmt.Errorf("clearing retired profile: %w", err)
	}
	return nil
}

// GetProfile loads a profile together with its per-kind watermarks.
func (s *Store) GetProfile(ctx context.Context, id string) (Profile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE id = ?`, id)
	p, err := scanProfile(row)
	if err == sql.ErrNoRows {
		return Profile{}, ErrNotFound
	}
	if err != nil {
		return Profile{}, err
	}
	if p.LastSeen, err = s.watermarks(ctx, p.ID); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// ListProfiles returns profiles ordered by username.
func (s *Store) ListProfiles(ctx context.Context, activeOnly bool) ([]Profile, error) {
	query := `SELECT ` + profileColumns + ` FROM profiles`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY username ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	for i := range results {
		if results[i].LastSeen, err = s.watermarks(ctx, results[i].ID); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// UpdateProfile overwrites the mutable configuration fields of a profile.
// Watermarks are never touched here.
func (s *Store) UpdateProfile(ctx context.Context, p Profile) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE profiles SET webhook_url = ?, check_interval = ?, download_posts = ?,
			download_stories = ?, active = ?, updated_at = ?
		WHERE id = ?`,
		p.WebhookURL, p.CheckInterval, boolInt(p.DownloadPosts), boolInt(p.DownloadStories),
		boolInt(p.Active), formatTime(s.now()), p.ID,
	)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// DeleteProfile removes a profile. Its watermarks, items and dedup keys are
// kept: delivered artifacts are still reclaimed by the sweeper, and a profile
// later created for the same username picks the history back up.
func (s *Store) DeleteProfile(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	var username string
	err = tx.QueryRowContext(ctx, `SELECT username FROM profiles WHERE id = ?`, id).Scan(&username)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM profiles WHERE id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO retired_profiles (username, profile_id, retired_at) VALUES (?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET profile_id = excluded.profile_id, retired_at = excluded.retired_at`,
		username, id, formatTime(s.now()),
	); err != nil {
		return fmt.Errorf("retiring profile: %w", err)
	}
	return tx.Commit()
}

// MarkChecked stamps the time of the profile's latest completed run.
func (s *Store) MarkChecked(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE profiles SET last_checked_at = ? WHERE id = ?`, formatTime(at), id)
	return err
}

// AdvanceWatermark moves lastSeen[kind] forward to ts. Older or equal values
// are ignored by the upsert guard, so the watermark never regresses.
func (s *Store) AdvanceWatermark(ctx context.Context, profileID string, kind Kind, ts time.Time) error {
	if ts.IsZero() {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profile_watermarks (profile_id, kind, last_seen) VALUES (?, ?, ?)
		ON CONFLICT(profile_id, kind) DO UPDATE SET last_seen = excluded.last_seen
		WHERE excluded.last_seen > profile_watermarks.last_seen`,
		profileID, string(kind), formatTime(ts),
	)
	if err != nil {
		return fmt.Errorf("advancing %s watermark: %w", kind, err)
	}
	return nil
}

// Watermark returns lastSeen[kind], or the zero time when none is recorded.
func (s *Store) Watermark(ctx context.Context, profileID string, kind Kind) (time.Time, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT last_seen FROM profile_watermarks WHERE profile_id = ? AND kind = ?`,
		profileID, string(kind),
	).Scan(&v)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return parseTime(v)
}

func (s *Store) watermarks(ctx context.Context, profileID string) (map[Kind]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, last_seen FROM profile_watermarks WHERE profile_id = ?`, profileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[Kind]time.Time)
	for rows.Next() {
		var kind, lastSeen string
		if err := rows.Scan(&kind, &lastSeen); err != nil {
			return nil, err
		}
		t, err := parseTime(lastSeen)
		if err != nil {
			return nil, fmt.Errorf("parsing last_seen: %w", err)
		}
		out[Kind(kind)] = t
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(r rowScanner) (Profile, error) {
	var p Profile
	var posts, stories, active int
	var lastChecked sql.NullString
	var createdAt, updatedAt string
	if err := r.Scan(&p.ID, &p.Username, &p.WebhookURL, &p.CheckInterval, &posts, &stories,
		&active, &lastChecked, &createdAt, &updatedAt); err != nil {
		return Profile{}, err
	}
	p.DownloadPosts = posts != 0
	p.DownloadStories = stories != 0
	p.Active = active != 0

	var err error
	if p.LastCheckedAt, err = parseNullTime(lastChecked); err != nil {
		return Profile{}, fmt.Errorf("parsing last_checked_at: %w", err)
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return Profile{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Profile{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return p, nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
