package sqlite

import (
	"context"
	"fmt"

	"github.com/danielalanbates/github-helper/internal/types"
)

// AddSponsor records a supporter. Repos owned by a sponsor rank ahead of
// everything except bounties.
func (s *SQLiteStorage) AddSponsor(ctx context.Context, sponsor *types.Sponsor) error {
	if sponsor.Username == "" {
		return fmt.Errorf("github_username is required")
	}
	if sponsor.Source == "" {
		sponsor.Source = types.SponsorMention
	}
	if !sponsor.Source.IsValid() {
		return fmt.Errorf("invalid sponsor source: %s", sponsor.Source)
	}
	details := sponsor.Details
	if details == "" {
		details = "{}"
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sponsors (github_username, repo_full_name, detected_at, source, details)
		VALUES (?, ?, ?, ?, ?)
	`, sponsor.Username, nullableString(sponsor.RepoFullName), ts(s.nowUTC()),
		string(sponsor.Source), details); err != nil {
		return fmt.Errorf("failed to add sponsor %s: %w", sponsor.Username, err)
	}
	return nil
}

// ListSponsorRepos returns the full names of repos owned by sponsors
func (s *SQLiteStorage) ListSponsorRepos(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.full_name
		FROM repositories r
		JOIN sponsors s ON r.owner = s.github_username
		ORDER BY r.combined_score DESC, r.full_name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sponsor repos: %w", err)
	}
	defer rows.Close()

	var repos []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan sponsor repo: %w", err)
		}
		repos = append(repos, name)
	}
	return repos, rows.Err()
}
