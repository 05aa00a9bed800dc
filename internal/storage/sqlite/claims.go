package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/danielalanbates/github-helper/internal/types"
)

// ClaimIssue tries to take the exclusive lease on an issue.
//
// The protocol is two statements: purge every claim row that is no longer
// active or whose expiry has passed (so crashed agents free their items),
// then INSERT OR IGNORE an active row. issue_id is the primary key, so at
// most one insert can land; the loser sees zero rows affected and gets false.
// Losing is normal contention, not an error.
func (s *SQLiteStorage) ClaimIssue(ctx context.Context, issueID int64, agentID string, ttl time.Duration) (bool, error) {
	now := s.nowUTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM issue_claims WHERE status != 'active' OR expires_at < ?", ts(now),
	); err != nil {
		return false, fmt.Errorf("failed to purge stale claims: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO issue_claims (issue_id, agent_id, claimed_at, expires_at, status)
		VALUES (?, ?, ?, ?, 'active')
	`, issueID, agentID, ts(now), ts(now.Add(ttl)))
	if err != nil {
		return false, fmt.Errorf("failed to insert claim: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit claim: %w", err)
	}
	return rows > 0, nil
}

// ReleaseClaim moves a claim to a terminal status. The row stays as an audit
// trail until the next claim attempt purges it.
func (s *SQLiteStorage) ReleaseClaim(ctx context.Context, issueID int64, agentID string, status types.ClaimStatus) error {
	if status == "" {
		status = types.ClaimCompleted
	}
	if !status.IsTerminal() {
		return fmt.Errorf("cannot release claim with non-terminal status %q", status)
	}

	if _, err := s.db.ExecContext(ctx,
		"UPDATE issue_claims SET status = ? WHERE issue_id = ? AND agent_id = ?",
		string(status), issueID, agentID,
	); err != nil {
		return fmt.Errorf("failed to release claim on issue %d: %w", issueID, err)
	}
	return nil
}

// GetActiveClaims lists claims that are active and not yet expired
func (s *SQLiteStorage) GetActiveClaims(ctx context.Context) ([]*types.Claim, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT issue_id, agent_id, claimed_at, expires_at, status
		FROM issue_claims
		WHERE status = 'active' AND expires_at >= ?
		ORDER BY claimed_at
	`, ts(s.nowUTC()))
	if err != nil {
		return nil, fmt.Errorf("failed to query active claims: %w", err)
	}
	defer rows.Close()

	var claims []*types.Claim
	for rows.Next() {
		var (
			c         types.Claim
			claimedAt sql.NullTime
			status    string
		)
		if err := rows.Scan(&c.IssueID, &c.AgentID, &claimedAt, &c.ExpiresAt, &status); err != nil {
			return nil, fmt.Errorf("failed to scan claim: %w", err)
		}
		if claimedAt.Valid {
			c.ClaimedAt = claimedAt.Time
		}
		c.Status = types.ClaimStatus(status)
		claims = append(claims, &c)
	}
	return claims, rows.Err()
}

// GetClaim returns the claim row for an issue regardless of status, or nil
func (s *SQLiteStorage) GetClaim(ctx context.Context, issueID int64) (*types.Claim, error) {
	var (
		c         types.Claim
		claimedAt sql.NullTime
		status    string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT issue_id, agent_id, claimed_at, expires_at, status
		FROM issue_claims WHERE issue_id = ?
	`, issueID).Scan(&c.IssueID, &c.AgentID, &claimedAt, &c.ExpiresAt, &status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get claim for issue %d: %w", issueID, err)
	}
	if claimedAt.Valid {
		c.ClaimedAt = claimedAt.Time
	}
	c.Status = types.ClaimStatus(status)
	return &c, nil
}
