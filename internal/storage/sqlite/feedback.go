package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/danielalanbates/github-helper/internal/types"
)

// NextFeedbackRevision returns the oldest contribution waiting on a revision,
// or nil when the queue is empty
func (s *SQLiteStorage) NextFeedbackRevision(ctx context.Context) (*types.FeedbackItem, error) {
	var (
		item                     types.FeedbackItem
		issueID, repoID          sql.NullInt64
		fullName, prURL          sql.NullString
		text, reviewer, required sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT c.id, c.issue_id, c.repo_id, r.full_name, c.pr_url,
		       c.feedback_text, c.feedback_reviewer, c.mandatory_model
		FROM contributions c
		LEFT JOIN repositories r ON c.repo_id = r.id
		WHERE c.feedback_status = ?
		ORDER BY c.updated_at ASC, c.id ASC
		LIMIT 1
	`, string(types.FeedbackNeedsRevision)).Scan(
		&item.ContributionID, &issueID, &repoID, &fullName, &prURL,
		&text, &reviewer, &required,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query feedback queue: %w", err)
	}
	item.IssueID = int64Ptr(issueID)
	item.RepoID = int64Ptr(repoID)
	item.FullName = fullName.String
	item.PRURL = prURL.String
	item.FeedbackText = text.String
	item.Reviewer = reviewer.String
	item.MandatoryModel = required.String
	return &item, nil
}

// UpdateFeedbackStatus moves a contribution through the revision states
func (s *SQLiteStorage) UpdateFeedbackStatus(ctx context.Context, contributionID int64, status types.FeedbackStatus) error {
	if !status.IsValid() {
		return fmt.Errorf("invalid feedback status: %s", status)
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE contributions SET feedback_status = ?, updated_at = ? WHERE id = ?",
		string(status), ts(s.nowUTC()), contributionID,
	)
	if err != nil {
		return fmt.Errorf("failed to update feedback status for contribution %d: %w", contributionID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("contribution not found: %d", contributionID)
	}
	return nil
}
