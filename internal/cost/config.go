package cost

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds cost budgeting configuration
type Config struct {
	// MaxCostUSD is the total spend allowed for one factory run
	// 0 = unlimited
	// Default: 0
	MaxCostUSD float64 `json:"max_cost_usd"`

	// MaxCostPerHour caps spend inside one reset window
	// 0 = unlimited
	// Default: 0
	MaxCostPerHour float64 `json:"max_cost_per_hour"`

	// AlertThreshold is the fraction of a budget that flips status to WARNING
	// Default: 0.80 (80%)
	AlertThreshold float64 `json:"alert_threshold"`

	// BudgetResetInterval is how often the hourly counters reset
	// Default: 1 hour
	BudgetResetInterval time.Duration `json:"budget_reset_interval"`

	// PersistStatePath is where budget state is persisted (for restart recovery)
	// Empty disables persistence, which makes MaxCostUSD a per-process budget
	// Default: ""
	PersistStatePath string `json:"persist_state_path"`

	// Enabled controls whether cost budgeting is active
	// Default: true
	Enabled bool `json:"enabled"`
}

// DefaultConfig returns default cost budgeting configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled:             true,
		AlertThreshold:      0.80,
		BudgetResetInterval: time.Hour,
	}
}

// LoadFromEnv loads cost configuration from environment variables
// Environment variables override default values
// Prefix: DOGOOD_COST_
func LoadFromEnv() *Config {
	cfg := DefaultConfig()

	if val := os.Getenv("DOGOOD_COST_ENABLED"); val != "" {
		cfg.Enabled = parseBool(val)
	}

	if val := os.Getenv("DOGOOD_COST_MAX_COST_USD"); val != "" {
		if usd, err := strconv.ParseFloat(val, 64); err == nil && usd >= 0 {
			cfg.MaxCostUSD = usd
		}
	}

	if val := os.Getenv("DOGOOD_COST_MAX_COST_PER_HOUR"); val != "" {
		if usd, err := strconv.ParseFloat(val, 64); err == nil && usd >= 0 {
			cfg.MaxCostPerHour = usd
		}
	}

	if val := os.Getenv("DOGOOD_COST_ALERT_THRESHOLD"); val != "" {
		if threshold, err := strconv.ParseFloat(val, 64); err == nil && threshold > 0 && threshold <= 1.0 {
			cfg.AlertThreshold = threshold
		}
	}

	if val := os.Getenv("DOGOOD_COST_BUDGET_RESET_INTERVAL"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil && duration > 0 {
			cfg.BudgetResetInterval = duration
		}
	}

	if val := os.Getenv("DOGOOD_COST_PERSIST_STATE_PATH"); val != "" {
		cfg.PersistStatePath = val
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: invalid cost config from environment: %v (using defaults)\n", err)
		return DefaultConfig()
	}

	return cfg
}

// Validate checks that the configuration has safe and reasonable values
func (c *Config) Validate() error {
	if c.MaxCostUSD < 0 {
		return fmt.Errorf("max_cost_usd must be non-negative, got %.2f", c.MaxCostUSD)
	}

	if c.MaxCostPerHour < 0 {
		return fmt.Errorf("max_cost_per_hour must be non-negative, got %.2f", c.MaxCostPerHour)
	}

	if c.AlertThreshold <= 0 || c.AlertThreshold > 1.0 {
		return fmt.Errorf("alert_threshold must be between 0 and 1, got %.2f", c.AlertThreshold)
	}

	if c.BudgetResetInterval <= 0 {
		return fmt.Errorf("budget_reset_interval must be positive, got %v", c.BudgetResetInterval)
	}

	return nil
}

// parseBool parses a boolean string
func parseBool(val string) bool {
	switch val {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		return true
	}
}
