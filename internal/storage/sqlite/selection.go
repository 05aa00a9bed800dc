package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/danielalanbates/github-helper/internal/types"
)

// NextUnclaimedIssue returns the single best eligible issue under policy, or
// nil when nothing is eligible. It is evaluated fresh on every call against
// current claim, blacklist and strike state; there is no cursor.
func (s *SQLiteStorage) NextUnclaimedIssue(ctx context.Context, policy types.SelectionPolicy) (*types.Candidate, error) {
	return s.nextCandidate(ctx, "", policy)
}

// NextTaggedIssue is NextUnclaimedIssue restricted to repos carrying tag
func (s *SQLiteStorage) NextTaggedIssue(ctx context.Context, tag string, policy types.SelectionPolicy) (*types.Candidate, error) {
	if tag == "" {
		return nil, fmt.Errorf("tag is required")
	}
	c, err := s.nextCandidate(ctx, tag, policy)
	if c != nil {
		c.Tag = tag
	}
	return c, err
}

// selectionQuery accumulates SQL fragments with their bound parameters in order
type selectionQuery struct {
	sb   strings.Builder
	args []interface{}
}

func (q *selectionQuery) add(fragment string, args ...interface{}) {
	q.sb.WriteString(fragment)
	q.args = append(q.args, args...)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func lowerAll(items []string) []interface{} {
	out := make([]interface{}, len(items))
	for i, s := range items {
		out[i] = strings.ToLower(s)
	}
	return out
}

func likeAll(items []string) []interface{} {
	out := make([]interface{}, len(items))
	for i, s := range items {
		out[i] = "%" + strings.ToLower(s) + "%"
	}
	return out
}

func (s *SQLiteStorage) nextCandidate(ctx context.Context, tag string, p types.SelectionPolicy) (*types.Candidate, error) {
	now := s.nowUTC()
	nowTS := ts(now)

	focusCount := p.FocusRepoCount
	if focusCount <= 0 {
		focusCount = 20
	}
	maxStrikes := p.MaxStrikes
	if maxStrikes <= 0 {
		maxStrikes = 10
	}

	q := &selectionQuery{}

	bounty := "0"
	if len(p.BountyLabels) > 0 {
		checks := make([]string, len(p.BountyLabels))
		for i := range checks {
			checks[i] = "LOWER(i.labels) LIKE ?"
		}
		bounty = "(" + strings.Join(checks, " OR ") + ")"
	}

	q.add(`
		SELECT i.id, i.github_id, i.repo_id, i.number, i.title, i.body, i.labels,
		       i.state, i.is_assigned, i.priority_score, i.created_at, i.updated_at,
		       r.full_name, r.owner, r.name, r.url, r.language, r.stars, r.combined_score,
		       CASE WHEN s.github_username IS NOT NULL THEN 1 ELSE 0 END AS is_sponsor,
		       CASE WHEN `+bounty+` THEN 1 ELSE 0 END AS is_bounty,
		       CASE WHEN r.id IN (
		           SELECT id FROM repositories
		           WHERE combined_score > 0
		             AND full_name NOT IN (SELECT full_name FROM repo_blacklist WHERE forgiven_at IS NULL)
		           ORDER BY combined_score DESC
		           LIMIT ?
		       ) THEN 1 ELSE 0 END AS is_focus_repo,
		       COALESCE(rs.merges, 0) AS repo_merges,
		       COALESCE(rs.strikes, 0) AS repo_strikes,
		       rs.last_merge_at
		FROM issues i
		JOIN repositories r ON i.repo_id = r.id
		LEFT JOIN sponsors s ON r.owner = s.github_username
		LEFT JOIN repo_strikes rs ON r.id = rs.repo_id
		WHERE i.state = 'open'
		  AND i.is_assigned = 0
		  AND r.stars >= ?
		  AND r.full_name NOT IN (SELECT full_name FROM repo_blacklist WHERE forgiven_at IS NULL)
		  AND i.id NOT IN (SELECT issue_id FROM issue_claims WHERE status = 'active' AND expires_at >= ?)
		  AND i.id NOT IN (SELECT issue_id FROM contributions WHERE issue_id IS NOT NULL)
		  AND COALESCE(rs.strikes, 0) < ?
		  AND (rs.cooldown_until IS NULL OR rs.cooldown_until < ?)
	`, append(likeAll(p.BountyLabels), focusCount, p.MinStars, nowTS, maxStrikes, nowTS)...)

	if p.StaleAfter > 0 {
		q.add(" AND i.updated_at > ?", ts(now.Add(-p.StaleAfter)))
	}
	if p.RepoActiveWithin > 0 {
		q.add(" AND (r.pushed_at IS NULL OR r.pushed_at > ?)", ts(now.Add(-p.RepoActiveWithin)))
	}
	if len(p.SupportedLanguages) > 0 {
		q.add(" AND r.language IN ("+placeholders(len(p.SupportedLanguages))+")", toArgs(p.SupportedLanguages)...)
	}
	for _, label := range likeAll(p.ExcludedLabels) {
		q.add(" AND LOWER(i.labels) NOT LIKE ?", label)
	}
	if len(p.BlockedOwners) > 0 {
		clause := " AND (LOWER(r.owner) NOT IN (" + placeholders(len(p.BlockedOwners)) + ")"
		args := lowerAll(p.BlockedOwners)
		if len(p.ExemptOwners) > 0 {
			clause += " OR LOWER(r.owner) IN (" + placeholders(len(p.ExemptOwners)) + ")"
			args = append(args, lowerAll(p.ExemptOwners)...)
		}
		q.add(clause+")", args...)
	}
	if len(p.ExcludeIssueIDs) > 0 {
		args := make([]interface{}, len(p.ExcludeIssueIDs))
		for i, id := range p.ExcludeIssueIDs {
			args[i] = id
		}
		q.add(" AND i.id NOT IN ("+placeholders(len(args))+")", args...)
	}
	if tag != "" {
		q.add(` AND EXISTS (
			SELECT 1 FROM json_each(COALESCE(r.tags, '[]')) t WHERE LOWER(t.value) = ?
		)`, strings.ToLower(tag))
	}

	q.add(`
		ORDER BY
		  is_bounty DESC,
		  is_sponsor DESC,
		  is_focus_repo DESC,
		  repo_merges DESC,
		  CASE WHEN rs.last_merge_at IS NOT NULL
		       THEN julianday(?) - julianday(rs.last_merge_at)
		       ELSE 9999 END ASC,
		  r.combined_score DESC,
		  i.priority_score DESC
		LIMIT 1
	`, nowTS)

	var (
		c                    types.Candidate
		githubID             sql.NullInt64
		title, body, labels  sql.NullString
		state                string
		createdAt, updatedAt sql.NullTime
		url, lang            sql.NullString
		lastMerge            sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, q.sb.String(), q.args...).Scan(
		&c.ID, &githubID, &c.RepoID, &c.Number, &title, &body, &labels,
		&state, &c.IsAssigned, &c.PriorityScore, &createdAt, &updatedAt,
		&c.FullName, &c.Owner, &c.RepoName, &url, &lang, &c.Stars, &c.CombinedScore,
		&c.IsSponsor, &c.IsBounty, &c.IsFocusRepo,
		&c.RepoMerges, &c.RepoStrikes, &lastMerge,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select next issue: %w", err)
	}

	c.GitHubID = int64Ptr(githubID)
	c.Title = title.String
	c.Body = body.String
	c.Labels = decodeList(labels)
	c.State = types.IssueState(state)
	c.CreatedAt = timePtr(createdAt)
	c.UpdatedAt = timePtr(updatedAt)
	c.RepoURL = url.String
	c.Language = lang.String
	c.LastMergeAt = timePtr(lastMerge)
	return &c, nil
}

func toArgs(items []string) []interface{} {
	out := make([]interface{}, len(items))
	for i, s := range items {
		out[i] = s
	}
	return out
}
