package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/danielalanbates/github-helper/internal/types"
)

// RecordAgentRun inserts the audit row for a new subprocess run
func (s *SQLiteStorage) RecordAgentRun(ctx context.Context, run *types.AgentRun) error {
	if err := run.Validate(); err != nil {
		return fmt.Errorf("invalid agent run: %w", err)
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = s.nowUTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_runs (id, issue_id, repo_id, model, effort, status, work_dir, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID, nullableInt64(run.IssueID), nullableInt64(run.RepoID),
		run.Model, run.Effort, string(run.Status), nullableString(run.WorkDir),
		ts(run.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record agent run %s: %w", run.ID, err)
	}
	return nil
}

// UpdateAgentRun applies the non-nil fields of update. Moving to a terminal
// status stamps finished_at unless the update carries one.
func (s *SQLiteStorage) UpdateAgentRun(ctx context.Context, id string, update types.RunUpdate) error {
	var (
		sets []string
		args []interface{}
	)
	if update.Status != nil {
		if !update.Status.IsValid() {
			return fmt.Errorf("invalid run status: %s", *update.Status)
		}
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
		if update.Status.IsTerminal() && update.FinishedAt == nil {
			now := s.nowUTC()
			update.FinishedAt = &now
		}
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *update.Error)
	}
	if update.PRURL != nil {
		sets = append(sets, "pr_url = ?")
		args = append(args, *update.PRURL)
	}
	if update.CostUSD != nil {
		sets = append(sets, "cost_usd = ?")
		args = append(args, *update.CostUSD)
	}
	if update.FinishedAt != nil {
		sets = append(sets, "finished_at = ?")
		args = append(args, ts(*update.FinishedAt))
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		"UPDATE agent_runs SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("failed to update agent run %s: %w", id, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("agent run not found: %s", id)
	}
	return nil
}

const agentRunColumns = `
	a.id, a.issue_id, a.repo_id, a.model, a.effort, a.status, a.work_dir,
	a.started_at, a.finished_at, a.cost_usd, a.pr_url, a.error,
	r.full_name, i.number, i.title
	FROM agent_runs a
	LEFT JOIN repositories r ON a.repo_id = r.id
	LEFT JOIN issues i ON a.issue_id = i.id
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAgentRun(row rowScanner) (*types.AgentRun, error) {
	var (
		r                   types.AgentRun
		issueID, repoID     sql.NullInt64
		status              string
		workDir, prURL, msg sql.NullString
		startedAt, finished sql.NullTime
		cost                sql.NullFloat64
		fullName, title     sql.NullString
		number              sql.NullInt64
	)
	if err := row.Scan(
		&r.ID, &issueID, &repoID, &r.Model, &r.Effort, &status, &workDir,
		&startedAt, &finished, &cost, &prURL, &msg,
		&fullName, &number, &title,
	); err != nil {
		return nil, err
	}
	r.IssueID = int64Ptr(issueID)
	r.RepoID = int64Ptr(repoID)
	r.Status = types.RunStatus(status)
	r.WorkDir = workDir.String
	if startedAt.Valid {
		r.StartedAt = startedAt.Time.UTC()
	}
	r.FinishedAt = timePtr(finished)
	r.CostUSD = cost.Float64
	r.PRURL = prURL.String
	r.Error = msg.String
	r.FullName = fullName.String
	r.IssueNumber = int(number.Int64)
	r.IssueTitle = title.String
	return &r, nil
}

// GetAgentRun returns one run by id, or nil if unknown
func (s *SQLiteStorage) GetAgentRun(ctx context.Context, id string) (*types.AgentRun, error) {
	run, err := scanAgentRun(s.db.QueryRowContext(ctx, "SELECT "+agentRunColumns+" WHERE a.id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent run %s: %w", id, err)
	}
	return run, nil
}

// ListAgentRuns returns runs newest first. activeOnly keeps only runs that
// have not reached a terminal status.
func (s *SQLiteStorage) ListAgentRuns(ctx context.Context, activeOnly bool, limit int) ([]*types.AgentRun, error) {
	query := "SELECT " + agentRunColumns
	if activeOnly {
		query += " WHERE a.status NOT IN ('pr_created', 'failed', 'escalated', 'skipped')"
	}
	query += " ORDER BY a.started_at DESC, a.rowid DESC"
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query agent runs: %w", err)
	}
	defer rows.Close()

	var runs []*types.AgentRun
	for rows.Next() {
		run, err := scanAgentRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// TopTierAttemptsForIssue counts non-skipped runs of model against an issue.
// The tier distributor uses it to stop retrying the top tier forever.
func (s *SQLiteStorage) TopTierAttemptsForIssue(ctx context.Context, issueID int64, model string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM agent_runs
		WHERE issue_id = ? AND model = ? AND status != 'skipped'
	`, issueID, model).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count attempts for issue %d: %w", issueID, err)
	}
	return n, nil
}
