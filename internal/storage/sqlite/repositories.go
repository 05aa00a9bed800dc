package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/danielalanbates/github-helper/internal/types"
)

// UpsertRepository inserts or refreshes a repository keyed by full_name and
// returns its row id. Empty incoming values never overwrite known ones.
func (s *SQLiteStorage) UpsertRepository(ctx context.Context, repo *types.Repository) (int64, error) {
	repo.Normalize()
	if err := repo.Validate(); err != nil {
		return 0, fmt.Errorf("invalid repository: %w", err)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO repositories (
			github_id, owner, name, full_name, url, stars, description,
			topics, language, combined_score, pushed_at, last_scanned
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(full_name) DO UPDATE SET
			github_id = COALESCE(excluded.github_id, repositories.github_id),
			url = COALESCE(excluded.url, repositories.url),
			stars = excluded.stars,
			description = COALESCE(excluded.description, repositories.description),
			topics = CASE WHEN excluded.topics != '[]' THEN excluded.topics ELSE repositories.topics END,
			language = COALESCE(excluded.language, repositories.language),
			pushed_at = COALESCE(excluded.pushed_at, repositories.pushed_at),
			last_scanned = excluded.last_scanned
	`,
		nullableInt64(repo.GitHubID), repo.Owner, repo.Name, repo.FullName,
		nullableString(repo.URL), repo.Stars, nullableString(repo.Description),
		encodeList(repo.Topics), nullableString(repo.Language), repo.CombinedScore,
		nullableTS(repo.PushedAt), ts(s.nowUTC()),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert repository %s: %w", repo.FullName, err)
	}

	var id int64
	if err := s.db.QueryRowContext(ctx,
		"SELECT id FROM repositories WHERE full_name = ?", repo.FullName,
	).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to read repository id: %w", err)
	}
	repo.ID = id

	if len(repo.Tags) > 0 {
		if err := s.SetRepoTags(ctx, id, repo.Tags); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// GetRepository returns a repository by full name, or nil if unknown
func (s *SQLiteStorage) GetRepository(ctx context.Context, fullName string) (*types.Repository, error) {
	var (
		r                     types.Repository
		githubID              sql.NullInt64
		url, desc, lang       sql.NullString
		topics, tags          sql.NullString
		pushedAt, lastScanned sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, github_id, owner, name, full_name, url, stars, description,
		       topics, tags, language, combined_score, pushed_at, last_scanned
		FROM repositories WHERE full_name = ?
	`, fullName).Scan(
		&r.ID, &githubID, &r.Owner, &r.Name, &r.FullName, &url, &r.Stars, &desc,
		&topics, &tags, &lang, &r.CombinedScore, &pushedAt, &lastScanned,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get repository %s: %w", fullName, err)
	}

	r.GitHubID = int64Ptr(githubID)
	r.URL = url.String
	r.Description = desc.String
	r.Language = lang.String
	r.Topics = decodeList(topics)
	r.Tags = decodeList(tags)
	r.PushedAt = timePtr(pushedAt)
	r.LastScanned = timePtr(lastScanned)
	return &r, nil
}

// SetRepoTags replaces the tag list used by the reserved-tag selection
func (s *SQLiteStorage) SetRepoTags(ctx context.Context, repoID int64, tags []string) error {
	if _, err := s.db.ExecContext(ctx,
		"UPDATE repositories SET tags = ? WHERE id = ?", encodeList(tags), repoID,
	); err != nil {
		return fmt.Errorf("failed to set tags for repo %d: %w", repoID, err)
	}
	return nil
}

// UpdateScores records the scoring collaborator's desirability score
func (s *SQLiteStorage) UpdateScores(ctx context.Context, repoID int64, combinedScore float64) error {
	if _, err := s.db.ExecContext(ctx,
		"UPDATE repositories SET combined_score = ? WHERE id = ?", combinedScore, repoID,
	); err != nil {
		return fmt.Errorf("failed to update scores for repo %d: %w", repoID, err)
	}
	return nil
}

// UpsertIssue inserts or refreshes an issue keyed by (repo_id, number)
func (s *SQLiteStorage) UpsertIssue(ctx context.Context, issue *types.Issue) (int64, error) {
	if err := issue.Validate(); err != nil {
		return 0, fmt.Errorf("invalid issue: %w", err)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO issues (
			github_id, repo_id, number, title, body, labels, state,
			created_at, updated_at, is_assigned, priority_score
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(repo_id, number) DO UPDATE SET
			title = excluded.title,
			body = excluded.body,
			labels = excluded.labels,
			state = excluded.state,
			updated_at = excluded.updated_at,
			is_assigned = excluded.is_assigned
	`,
		nullableInt64(issue.GitHubID), issue.RepoID, issue.Number, issue.Title,
		issue.Body, encodeList(issue.Labels), string(issue.State),
		nullableTS(issue.CreatedAt), nullableTS(issue.UpdatedAt),
		issue.IsAssigned, issue.PriorityScore,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert issue %d#%d: %w", issue.RepoID, issue.Number, err)
	}

	var id int64
	if err := s.db.QueryRowContext(ctx,
		"SELECT id FROM issues WHERE repo_id = ? AND number = ?", issue.RepoID, issue.Number,
	).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to read issue id: %w", err)
	}
	issue.ID = id
	return id, nil
}

// SetIssuePriority records the scoring collaborator's per-issue score
func (s *SQLiteStorage) SetIssuePriority(ctx context.Context, issueID int64, priorityScore float64) error {
	if _, err := s.db.ExecContext(ctx,
		"UPDATE issues SET priority_score = ? WHERE id = ?", priorityScore, issueID,
	); err != nil {
		return fmt.Errorf("failed to set priority for issue %d: %w", issueID, err)
	}
	return nil
}

// RecordContribution logs an action taken against an issue. Any
// contribution makes the issue permanently ineligible for selection.
func (s *SQLiteStorage) RecordContribution(ctx context.Context, c *types.Contribution) (int64, error) {
	status := c.Status
	if status == "" {
		status = "pending"
	}
	var feedback interface{}
	if c.FeedbackStatus != "" {
		feedback = string(c.FeedbackStatus)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO contributions (
			issue_id, repo_id, action, status, pr_url, agent_id, model_used,
			feedback_status, feedback_text, feedback_reviewer, mandatory_model, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		nullableInt64(c.IssueID), nullableInt64(c.RepoID), c.Action, status,
		nullableString(c.PRURL), nullableString(c.AgentID), nullableString(c.ModelUsed),
		feedback, nullableString(c.FeedbackText), nullableString(c.Reviewer),
		nullableString(c.MandatoryModel), ts(s.nowUTC()),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to record contribution: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read contribution id: %w", err)
	}
	c.ID = id
	return id, nil
}
