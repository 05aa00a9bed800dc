package factory

import (
	"fmt"
	"time"

	"github.com/danielalanbates/github-helper/internal/types"
)

// Config holds the scheduler's policy constants
type Config struct {
	// MaxConcurrent is the starting concurrency limit (default: 3)
	MaxConcurrent int

	// SpawnStagger is the pause after launching an issue agent (default: 60s)
	SpawnStagger time.Duration

	// FeedbackStagger is the pause after launching a feedback agent (default: 10s)
	FeedbackStagger time.Duration

	// CooldownGrace is added to the remaining cooldown before retrying (default: 5s)
	CooldownGrace time.Duration

	// PriorityPause is how long to yield while priority agents run (default: 60s)
	PriorityPause time.Duration

	// ProbeInterval throttles the interactive-session probe (default: 30s)
	ProbeInterval time.Duration

	// ModelSignalMaxAge bounds how old a model signal may be (default: 120s)
	ModelSignalMaxAge time.Duration

	// ClaimTTL is the lease length on a claimed issue (default: 2h)
	ClaimTTL time.Duration

	// MaxTopTierPerIssue caps top-tier attempts on one bounty (default: 2)
	MaxTopTierPerIssue int

	// MaxFeedbackRetries skips a contribution after this many failed revisions (default: 3)
	MaxFeedbackRetries int

	// ReservedTag names the repo tag that gets one reserved slot (default: "christian")
	// Empty disables the reserved slot
	ReservedTag string

	// SkipExitCode is the solver exit code meaning "skipped" (default: 2)
	SkipExitCode int

	// WorkRoot holds per-agent work dirs (default: $TMPDIR/dogood-workdir)
	WorkRoot string

	// InstanceID identifies this scheduler in the status document (default: random uuid)
	InstanceID string

	// Policy is the selection rule set re-applied on every pick
	Policy types.SelectionPolicy
}

// DefaultConfig returns the production scheduler constants
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:      3,
		SpawnStagger:       60 * time.Second,
		FeedbackStagger:    10 * time.Second,
		CooldownGrace:      5 * time.Second,
		PriorityPause:      60 * time.Second,
		ProbeInterval:      30 * time.Second,
		ModelSignalMaxAge:  120 * time.Second,
		ClaimTTL:           2 * time.Hour,
		MaxTopTierPerIssue: 2,
		MaxFeedbackRetries: 3,
		ReservedTag:        "christian",
		SkipExitCode:       2,
		Policy:             types.DefaultSelectionPolicy(),
	}
}

// Validate checks that the configuration has safe and reasonable values
func (c Config) Validate() error {
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", c.MaxConcurrent)
	}
	if c.ClaimTTL <= 0 {
		return fmt.Errorf("claim_ttl must be positive, got %v", c.ClaimTTL)
	}
	if c.ModelSignalMaxAge <= 0 {
		return fmt.Errorf("model_signal_max_age must be positive, got %v", c.ModelSignalMaxAge)
	}
	if c.MaxTopTierPerIssue < 0 {
		return fmt.Errorf("max_top_tier_per_issue must be non-negative, got %d", c.MaxTopTierPerIssue)
	}
	if c.MaxFeedbackRetries < 1 {
		return fmt.Errorf("max_feedback_retries must be at least 1, got %d", c.MaxFeedbackRetries)
	}
	if c.SkipExitCode == 0 {
		return fmt.Errorf("skip_exit_code cannot be 0 (that is success)")
	}
	for name, d := range map[string]time.Duration{
		"spawn_stagger":    c.SpawnStagger,
		"feedback_stagger": c.FeedbackStagger,
		"cooldown_grace":   c.CooldownGrace,
		"priority_pause":   c.PriorityPause,
		"probe_interval":   c.ProbeInterval,
	} {
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %v", name, d)
		}
	}
	return nil
}
