package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/danielalanbates/github-helper/internal/types"
)

// GetRateWindow returns the counter row for a resource, or nil when the
// resource is unmanaged
func (s *SQLiteStorage) GetRateWindow(ctx context.Context, resource string) (*types.RateWindow, error) {
	var (
		w     types.RateWindow
		start sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT resource, requests_made, window_start, limit_per_window
		FROM rate_limit_state WHERE resource = ?
	`, resource).Scan(&w.Resource, &w.RequestsMade, &start, &w.Limit)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rate window for %s: %w", resource, err)
	}
	if start.Valid {
		w.WindowStart = start.Time.UTC()
	}
	return &w, nil
}

// ResetRateWindow starts a new window at start with one request counted
func (s *SQLiteStorage) ResetRateWindow(ctx context.Context, resource string, start time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		"UPDATE rate_limit_state SET requests_made = 1, window_start = ? WHERE resource = ?",
		ts(start), resource,
	); err != nil {
		return fmt.Errorf("failed to reset rate window for %s: %w", resource, err)
	}
	return nil
}

// IncrementRateWindow counts one request in the current window
func (s *SQLiteStorage) IncrementRateWindow(ctx context.Context, resource string) error {
	if _, err := s.db.ExecContext(ctx,
		"UPDATE rate_limit_state SET requests_made = requests_made + 1 WHERE resource = ?",
		resource,
	); err != nil {
		return fmt.Errorf("failed to increment rate window for %s: %w", resource, err)
	}
	return nil
}

// SetRateLimit creates or adjusts the per-window limit of a resource
func (s *SQLiteStorage) SetRateLimit(ctx context.Context, resource string, limit int) error {
	if limit <= 0 {
		return fmt.Errorf("limit must be positive (got %d)", limit)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_limit_state (resource, requests_made, window_start, limit_per_window)
		VALUES (?, 0, ?, ?)
		ON CONFLICT(resource) DO UPDATE SET limit_per_window = excluded.limit_per_window
	`, resource, ts(s.nowUTC()), limit); err != nil {
		return fmt.Errorf("failed to set rate limit for %s: %w", resource, err)
	}
	return nil
}
