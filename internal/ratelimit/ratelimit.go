// Package ratelimit enforces fixed-window request quotas whose counters live
// in the shared database, so every scheduler process draws from one budget.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/danielalanbates/github-helper/internal/types"
)

// WindowStore is the persistence the limiter needs. SQLiteStorage implements it.
type WindowStore interface {
	GetRateWindow(ctx context.Context, resource string) (*types.RateWindow, error)
	ResetRateWindow(ctx context.Context, resource string, start time.Time) error
	IncrementRateWindow(ctx context.Context, resource string) error
}

// Resource names seeded by the schema
const (
	ResourceGitHubAPI    = "github_api"
	ResourceGitHubSearch = "github_search"
	ResourceAnthropicAPI = "anthropic_api"
)

// Config holds limiter configuration
type Config struct {
	Windows       map[string]time.Duration // Per-resource window length (default: github_search=60s)
	DefaultWindow time.Duration            // Window for resources not in Windows (default: 1h)
	PollInterval  time.Duration            // Sleep between WaitForSlot attempts (default: 1s)
	Now           func() time.Time         // Clock (default: time.Now)
}

// DefaultConfig returns the production window layout
func DefaultConfig() Config {
	return Config{
		Windows: map[string]time.Duration{
			ResourceGitHubSearch: 60 * time.Second,
		},
		DefaultWindow: time.Hour,
		PollInterval:  time.Second,
		Now:           time.Now,
	}
}

// SharedRateLimiter is a fixed-window counter over WindowStore.
// Bursts across a window boundary are accepted, and two processes racing on
// the same window may each admit one extra request; the in-process mutex
// only serializes goroutines of this process.
type SharedRateLimiter struct {
	mu    sync.Mutex
	store WindowStore
	cfg   Config
}

// New creates a limiter, filling unset config fields with defaults
func New(store WindowStore, cfg Config) *SharedRateLimiter {
	def := DefaultConfig()
	if cfg.Windows == nil {
		cfg.Windows = def.Windows
	}
	if cfg.DefaultWindow <= 0 {
		cfg.DefaultWindow = def.DefaultWindow
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	return &SharedRateLimiter{store: store, cfg: cfg}
}

func (l *SharedRateLimiter) window(resource string) time.Duration {
	if w, ok := l.cfg.Windows[resource]; ok && w > 0 {
		return w
	}
	return l.cfg.DefaultWindow
}

// TryAcquire takes one request from the resource's current window if any
// remain. Unmanaged resources (no counter row) are always allowed.
func (l *SharedRateLimiter) TryAcquire(ctx context.Context, resource string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, err := l.store.GetRateWindow(ctx, resource)
	if err != nil {
		return false, fmt.Errorf("failed to read rate window: %w", err)
	}
	if w == nil {
		return true, nil
	}

	now := l.cfg.Now().UTC()
	if now.Sub(w.WindowStart) >= l.window(resource) {
		if err := l.store.ResetRateWindow(ctx, resource, now); err != nil {
			return false, fmt.Errorf("failed to reset rate window: %w", err)
		}
		return true, nil
	}

	if w.RequestsMade < w.Limit {
		if err := l.store.IncrementRateWindow(ctx, resource); err != nil {
			return false, fmt.Errorf("failed to increment rate window: %w", err)
		}
		return true, nil
	}
	return false, nil
}

// WaitForSlot blocks until TryAcquire succeeds or ctx is done
func (l *SharedRateLimiter) WaitForSlot(ctx context.Context, resource string) error {
	for {
		ok, err := l.TryAcquire(ctx, resource)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		timer := time.NewTimer(l.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
