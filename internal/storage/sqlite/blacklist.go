package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/danielalanbates/github-helper/internal/types"
)

// AddToBlacklist excludes a repo from selection. Re-adding a forgiven repo
// replaces its row and blocks it again.
func (s *SQLiteStorage) AddToBlacklist(ctx context.Context, entry *types.BlacklistEntry) error {
	if entry.FullName == "" {
		return fmt.Errorf("full_name is required")
	}
	if entry.Reason == "" {
		return fmt.Errorf("reason is required")
	}
	details := entry.Details
	if details == "" {
		details = "{}"
	}
	now := s.nowUTC()

	if _, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO repo_blacklist (repo_id, full_name, reason, details, blacklisted_at, forgiven_at)
		VALUES (?, ?, ?, ?, ?, NULL)
	`, nullableInt64(entry.RepoID), entry.FullName, entry.Reason, details, ts(now)); err != nil {
		return fmt.Errorf("failed to blacklist %s: %w", entry.FullName, err)
	}
	entry.BlacklistedAt = now
	entry.ForgivenAt = nil
	return nil
}

// ForgiveRepo lifts a blacklist entry while keeping it for the record
func (s *SQLiteStorage) ForgiveRepo(ctx context.Context, fullName string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE repo_blacklist SET forgiven_at = ? WHERE full_name = ? AND forgiven_at IS NULL",
		ts(s.nowUTC()), fullName,
	)
	if err != nil {
		return fmt.Errorf("failed to forgive %s: %w", fullName, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s is not blacklisted", fullName)
	}
	return nil
}

// IsBlacklisted reports whether an unforgiven entry exists for the repo
func (s *SQLiteStorage) IsBlacklisted(ctx context.Context, fullName string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM repo_blacklist WHERE full_name = ? AND forgiven_at IS NULL", fullName,
	).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check blacklist for %s: %w", fullName, err)
	}
	return n > 0, nil
}

// ListBlacklist returns every entry, active ones first
func (s *SQLiteStorage) ListBlacklist(ctx context.Context) ([]*types.BlacklistEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT repo_id, full_name, reason, details, blacklisted_at, forgiven_at
		FROM repo_blacklist
		ORDER BY forgiven_at IS NOT NULL, blacklisted_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query blacklist: %w", err)
	}
	defer rows.Close()

	var entries []*types.BlacklistEntry
	for rows.Next() {
		var (
			e             types.BlacklistEntry
			repoID        sql.NullInt64
			details       sql.NullString
			blacklistedAt sql.NullTime
			forgivenAt    sql.NullTime
		)
		if err := rows.Scan(&repoID, &e.FullName, &e.Reason, &details, &blacklistedAt, &forgivenAt); err != nil {
			return nil, fmt.Errorf("failed to scan blacklist entry: %w", err)
		}
		e.RepoID = int64Ptr(repoID)
		e.Details = details.String
		if blacklistedAt.Valid {
			e.BlacklistedAt = blacklistedAt.Time.UTC()
		}
		e.ForgivenAt = timePtr(forgivenAt)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
