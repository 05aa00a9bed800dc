package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/danielalanbates/github-helper/internal/types"
)

// RecordPRSubmitted notes that a PR went out to a repo
func (s *SQLiteStorage) RecordPRSubmitted(ctx context.Context, repoID int64, fullName string) error {
	now := ts(s.nowUTC())
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO repo_strikes (repo_id, full_name, last_pr_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(repo_id) DO UPDATE SET
			last_pr_at = excluded.last_pr_at,
			updated_at = excluded.updated_at
	`, repoID, fullName, now, now); err != nil {
		return fmt.Errorf("failed to record PR for %s: %w", fullName, err)
	}
	return nil
}

// RecordPRMerged counts a merge and clears any cooldown. Merges raise the
// repo in the loyalty ranking.
func (s *SQLiteStorage) RecordPRMerged(ctx context.Context, repoID int64, fullName string) error {
	now := ts(s.nowUTC())
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO repo_strikes (repo_id, full_name, merges, last_merge_at, updated_at)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(repo_id) DO UPDATE SET
			merges = repo_strikes.merges + 1,
			last_merge_at = excluded.last_merge_at,
			cooldown_until = NULL,
			updated_at = excluded.updated_at
	`, repoID, fullName, now, now); err != nil {
		return fmt.Errorf("failed to record merge for %s: %w", fullName, err)
	}
	return nil
}

// RecordPRRejected adds a strike and puts the repo in cooldown
func (s *SQLiteStorage) RecordPRRejected(ctx context.Context, repoID int64, fullName string, cooldown time.Duration) error {
	now := s.nowUTC()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO repo_strikes (repo_id, full_name, strikes, last_rejection_at, cooldown_until, updated_at)
		VALUES (?, ?, 1, ?, ?, ?)
		ON CONFLICT(repo_id) DO UPDATE SET
			strikes = repo_strikes.strikes + 1,
			last_rejection_at = excluded.last_rejection_at,
			cooldown_until = excluded.cooldown_until,
			updated_at = excluded.updated_at
	`, repoID, fullName, ts(now), ts(now.Add(cooldown)), ts(now)); err != nil {
		return fmt.Errorf("failed to record rejection for %s: %w", fullName, err)
	}
	return nil
}

// RedeemStrikes removes up to count strikes and lifts the cooldown
func (s *SQLiteStorage) RedeemStrikes(ctx context.Context, repoID int64, count int) error {
	if count <= 0 {
		return fmt.Errorf("redeem count must be positive (got %d)", count)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE repo_strikes
		SET strikes = MAX(0, strikes - ?), cooldown_until = NULL, updated_at = ?
		WHERE repo_id = ?
	`, count, ts(s.nowUTC()), repoID)
	if err != nil {
		return fmt.Errorf("failed to redeem strikes for repo %d: %w", repoID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("no strike record for repo %d", repoID)
	}
	return nil
}

const strikeColumns = `
	repo_id, full_name, strikes, merges, last_pr_at, last_merge_at,
	last_rejection_at, cooldown_until, updated_at
`

func scanStrikes(row rowScanner) (*types.RepoStrikes, error) {
	var (
		r                          types.RepoStrikes
		lastPR, lastMerge, lastRej sql.NullTime
		cooldownUntil, updatedAt   sql.NullTime
	)
	if err := row.Scan(&r.RepoID, &r.FullName, &r.Strikes, &r.Merges,
		&lastPR, &lastMerge, &lastRej, &cooldownUntil, &updatedAt); err != nil {
		return nil, err
	}
	r.LastPRAt = timePtr(lastPR)
	r.LastMergeAt = timePtr(lastMerge)
	r.LastRejectionAt = timePtr(lastRej)
	r.CooldownUntil = timePtr(cooldownUntil)
	r.UpdatedAt = timePtr(updatedAt)
	return &r, nil
}

// GetRepoStrikes returns the strike record for a repo, or nil if it has none
func (s *SQLiteStorage) GetRepoStrikes(ctx context.Context, fullName string) (*types.RepoStrikes, error) {
	r, err := scanStrikes(s.db.QueryRowContext(ctx,
		"SELECT "+strikeColumns+" FROM repo_strikes WHERE full_name = ?", fullName))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get strikes for %s: %w", fullName, err)
	}
	return r, nil
}

// ListLoyaltyRepos returns repos with at least one merge and fewer than
// maxStrikes strikes, most loyal first
func (s *SQLiteStorage) ListLoyaltyRepos(ctx context.Context, maxStrikes, limit int) ([]*types.RepoStrikes, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+strikeColumns+` FROM repo_strikes
		WHERE merges > 0 AND strikes < ?
		ORDER BY merges DESC, last_merge_at DESC
		LIMIT ?
	`, maxStrikes, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query loyalty repos: %w", err)
	}
	defer rows.Close()

	var out []*types.RepoStrikes
	for rows.Next() {
		r, err := scanStrikes(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan strikes: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
