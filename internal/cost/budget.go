// Package cost tracks USD spend of agent runs against a run-wide and an
// hourly budget.
package cost

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// BudgetStatus represents the current budget state
type BudgetStatus int

const (
	// BudgetHealthy indicates normal operation - under budget limits
	BudgetHealthy BudgetStatus = iota
	// BudgetWarning indicates approaching budget limits (>80% by default)
	BudgetWarning
	// BudgetExceeded indicates budget limits have been exceeded
	BudgetExceeded
)

// String returns a human-readable string representation of the budget status
func (s BudgetStatus) String() string {
	switch s {
	case BudgetHealthy:
		return "HEALTHY"
	case BudgetWarning:
		return "WARNING"
	case BudgetExceeded:
		return "EXCEEDED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// BudgetState represents the persisted budget tracking state
type BudgetState struct {
	// Hourly tracking
	HourlyCostUsed  float64   `json:"hourly_cost_used"`
	WindowStartTime time.Time `json:"window_start_time"`

	// Per-issue spend, keyed by "owner/repo#number"
	IssueCostUsed map[string]float64 `json:"issue_cost_used"`

	TotalCostUsed float64 `json:"total_cost_used"`
	RunsRecorded  int     `json:"runs_recorded"`

	LastUpdated time.Time `json:"last_updated"`
}

// Tracker tracks agent spend and reports budget status
type Tracker struct {
	config *Config
	state  *BudgetState
	mu     sync.Mutex
	now    func() time.Time
}

// Option configures a Tracker
type Option func(*Tracker)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a new cost budget tracker
func NewTracker(cfg *Config, opts ...Option) (*Tracker, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	t := &Tracker{config: cfg, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	t.state = &BudgetState{
		WindowStartTime: t.now(),
		IssueCostUsed:   make(map[string]float64),
		LastUpdated:     t.now(),
	}

	// Restart recovery; a broken file starts fresh
	if err := t.loadState(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to load cost state from %s: %v (starting fresh)\n", cfg.PersistStatePath, err)
	}

	t.checkAndResetWindow()

	return t, nil
}

// Record adds usd of spend for issueKey and returns the resulting status
func (t *Tracker) Record(issueKey string, usd float64) BudgetStatus {
	if !t.config.Enabled {
		return BudgetHealthy
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.checkAndResetWindow()

	t.state.HourlyCostUsed += usd
	t.state.TotalCostUsed += usd
	t.state.RunsRecorded++
	t.state.LastUpdated = t.now()
	if issueKey != "" {
		t.state.IssueCostUsed[issueKey] += usd
	}

	if err := t.persistState(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to persist cost state: %v\n", err)
	}

	return t.statusLocked()
}

// Status returns the current budget status without recording spend
func (t *Tracker) Status() BudgetStatus {
	if !t.config.Enabled {
		return BudgetHealthy
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.checkAndResetWindow()
	return t.statusLocked()
}

// CanProceed returns false with a reason when a budget is exhausted
func (t *Tracker) CanProceed() (bool, string) {
	if t.Status() != BudgetExceeded {
		return true, ""
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.isTotalLimitExceeded() {
		return false, fmt.Sprintf("run budget exhausted ($%.2f/$%.2f used)",
			t.state.TotalCostUsed, t.config.MaxCostUSD)
	}
	resetIn := t.state.WindowStartTime.Add(t.config.BudgetResetInterval).Sub(t.now())
	return false, fmt.Sprintf("hourly budget exhausted ($%.2f/$%.2f used, resets in %v)",
		t.state.HourlyCostUsed, t.config.MaxCostPerHour, resetIn.Round(time.Minute))
}

// Stats returns current budget statistics
func (t *Tracker) Stats() BudgetStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.checkAndResetWindow()

	status := BudgetHealthy
	if t.config.Enabled {
		status = t.statusLocked()
	}
	return BudgetStats{
		Status:          status,
		HourlyCostUsed:  t.state.HourlyCostUsed,
		TotalCostUsed:   t.state.TotalCostUsed,
		RunsRecorded:    t.state.RunsRecorded,
		IssuesCharged:   len(t.state.IssueCostUsed),
		WindowStartTime: t.state.WindowStartTime,
		LastUpdated:     t.state.LastUpdated,
		Config:          *t.config,
	}
}

// IssueCost returns the recorded spend for issueKey
func (t *Tracker) IssueCost(issueKey string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.IssueCostUsed[issueKey]
}

// BudgetStats contains budget statistics
type BudgetStats struct {
	Status          BudgetStatus `json:"status"`
	HourlyCostUsed  float64      `json:"hourly_cost_used"`
	TotalCostUsed   float64      `json:"total_cost_used"`
	RunsRecorded    int          `json:"runs_recorded"`
	IssuesCharged   int          `json:"issues_charged"`
	WindowStartTime time.Time    `json:"window_start_time"`
	LastUpdated     time.Time    `json:"last_updated"`
	Config          Config       `json:"config"`
}

// Summary renders spend against the run budget, e.g. "$4.00 / $10.00"
func (s BudgetStats) Summary() string {
	if s.Config.MaxCostUSD <= 0 {
		return fmt.Sprintf("$%.2f (no limit)", s.TotalCostUsed)
	}
	return fmt.Sprintf("$%.2f / $%.2f", s.TotalCostUsed, s.Config.MaxCostUSD)
}

// statusLocked must be called with mu held
func (t *Tracker) statusLocked() BudgetStatus {
	if t.isTotalLimitExceeded() || t.isHourlyLimitExceeded() {
		return BudgetExceeded
	}

	if t.config.MaxCostUSD > 0 && t.state.TotalCostUsed/t.config.MaxCostUSD >= t.config.AlertThreshold {
		return BudgetWarning
	}
	if t.config.MaxCostPerHour > 0 && t.state.HourlyCostUsed/t.config.MaxCostPerHour >= t.config.AlertThreshold {
		return BudgetWarning
	}

	return BudgetHealthy
}

func (t *Tracker) isTotalLimitExceeded() bool {
	return t.config.MaxCostUSD > 0 && t.state.TotalCostUsed >= t.config.MaxCostUSD
}

func (t *Tracker) isHourlyLimitExceeded() bool {
	return t.config.MaxCostPerHour > 0 && t.state.HourlyCostUsed >= t.config.MaxCostPerHour
}

// checkAndResetWindow resets the hourly counters once the window expires
// MUST be called with mu lock held (or before the tracker is shared)
func (t *Tracker) checkAndResetWindow() {
	now := t.now()
	if now.Sub(t.state.WindowStartTime) >= t.config.BudgetResetInterval {
		t.state.HourlyCostUsed = 0
		t.state.WindowStartTime = now
	}
}

// persistState saves the budget state to disk
func (t *Tracker) persistState() error {
	if t.config.PersistStatePath == "" {
		return nil
	}

	data, err := json.MarshalIndent(t.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if err := os.WriteFile(t.config.PersistStatePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}

	return nil
}

// loadState loads the budget state from disk
func (t *Tracker) loadState() error {
	if t.config.PersistStatePath == "" {
		return nil
	}

	data, err := os.ReadFile(t.config.PersistStatePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read state file: %w", err)
	}

	var state BudgetState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to unmarshal state: %w", err)
	}

	if state.IssueCostUsed == nil {
		state.IssueCostUsed = make(map[string]float64)
	}

	t.state = &state
	return nil
}
