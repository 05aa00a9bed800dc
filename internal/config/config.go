// Package config loads dogood settings from flags, the environment, an
// optional dogood.yaml and built-in defaults, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/danielalanbates/github-helper/internal/coord"
	"github.com/danielalanbates/github-helper/internal/cost"
	"github.com/danielalanbates/github-helper/internal/factory"
	"github.com/danielalanbates/github-helper/internal/notify"
	"github.com/danielalanbates/github-helper/internal/ratelimit"
	"github.com/danielalanbates/github-helper/internal/telemetry"
	"github.com/danielalanbates/github-helper/internal/tiers"
	"github.com/danielalanbates/github-helper/internal/types"
)

// EnvPrefix prefixes every environment override, e.g. DOGOOD_FACTORY_MAX_CONCURRENT
const EnvPrefix = "DOGOOD"

// Coordination backends
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Config is the complete dogood configuration
type Config struct {
	Database     DatabaseConfig     `mapstructure:"database"`
	Factory      FactoryConfig      `mapstructure:"factory"`
	Selection    SelectionConfig    `mapstructure:"selection"`
	Coordination CoordinationConfig `mapstructure:"coordination"`
	RateLimit    RateLimitConfig    `mapstructure:"rate_limit"`
	Tiers        TiersConfig        `mapstructure:"tiers"`
	Budget       BudgetConfig       `mapstructure:"budget"`
	Notify       NotifyConfig       `mapstructure:"notify"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
	WorkLog      WorkLogConfig      `mapstructure:"worklog"`

	// File is the config file that was read, empty when none was found
	File string `mapstructure:"-"`
}

// DatabaseConfig locates the shared SQLite database
type DatabaseConfig struct {
	// Default: data/dogood.db
	Path string `mapstructure:"path"`
}

// FactoryConfig holds scheduler settings
type FactoryConfig struct {
	MaxConcurrent      int           `mapstructure:"max_concurrent"`
	SpawnStagger       time.Duration `mapstructure:"spawn_stagger"`
	FeedbackStagger    time.Duration `mapstructure:"feedback_stagger"`
	CooldownGrace      time.Duration `mapstructure:"cooldown_grace"`
	PriorityPause      time.Duration `mapstructure:"priority_pause"`
	ProbeInterval      time.Duration `mapstructure:"probe_interval"`
	ModelSignalMaxAge  time.Duration `mapstructure:"model_signal_max_age"`
	ClaimTTL           time.Duration `mapstructure:"claim_ttl"`
	MaxTopTierPerIssue int           `mapstructure:"max_top_tier_per_issue"`
	MaxFeedbackRetries int           `mapstructure:"max_feedback_retries"`
	ReservedTag        string        `mapstructure:"reserved_tag"`
	SkipExitCode       int           `mapstructure:"skip_exit_code"`
	WorkRoot           string        `mapstructure:"work_root"`

	// SolverCommand is the argv prefix of the per-agent solver
	// Default: [dogood-solve]
	SolverCommand []string `mapstructure:"solver_command"`

	// AgentTimeout is the hard wall-clock limit per agent
	// Default: 45m
	AgentTimeout time.Duration `mapstructure:"agent_timeout"`

	// MaxOutputLines caps captured solver output per stream
	// Default: 10000
	MaxOutputLines int `mapstructure:"max_output_lines"`

	// YieldToInteractive throttles to one agent while an interactive
	// session runs on this machine
	// Default: true
	YieldToInteractive bool `mapstructure:"yield_to_interactive"`
}

// SelectionConfig mirrors types.SelectionPolicy
type SelectionConfig struct {
	SupportedLanguages []string      `mapstructure:"supported_languages"`
	MinStars           int           `mapstructure:"min_stars"`
	ExcludedLabels     []string      `mapstructure:"excluded_labels"`
	BountyLabels       []string      `mapstructure:"bounty_labels"`
	FocusRepoCount     int           `mapstructure:"focus_repo_count"`
	MaxStrikes         int           `mapstructure:"max_strikes"`
	StaleAfter         time.Duration `mapstructure:"stale_after"`
	RepoActiveWithin   time.Duration `mapstructure:"repo_active_within"`
	BlockedOwners      []string      `mapstructure:"blocked_owners"`
	ExemptOwners       []string      `mapstructure:"exempt_owners"`
}

// CoordinationConfig selects where cross-process documents live
type CoordinationConfig struct {
	// Backend is "file" (one JSON file per document in Dir) or "sqlite"
	// (the coord_documents table)
	// Default: file
	Backend string `mapstructure:"backend"`

	// Dir holds the documents for the file backend
	// Default: the system temp dir
	Dir string `mapstructure:"dir"`

	Cooldown        time.Duration `mapstructure:"cooldown"`
	SlotSpacing     time.Duration `mapstructure:"slot_spacing"`
	MaxSlots        int           `mapstructure:"max_slots"`
	EscalationStep  time.Duration `mapstructure:"escalation_step"`
	Jitter          time.Duration `mapstructure:"jitter"`
	MinRetryDelay   time.Duration `mapstructure:"min_retry_delay"`
	MaxRetryDelay   time.Duration `mapstructure:"max_retry_delay"`
	DedupeWindow    time.Duration `mapstructure:"dedupe_window"`
	ReportersKept   int           `mapstructure:"reporters_kept"`
	NotifyThreshold int           `mapstructure:"notify_threshold"`
	NotifyWindow    time.Duration `mapstructure:"notify_window"`
	NotifyCooldown  time.Duration `mapstructure:"notify_cooldown"`
	ReductionExpiry time.Duration `mapstructure:"reduction_expiry"`
}

// RateLimitConfig holds the shared request quota windows
type RateLimitConfig struct {
	Windows       map[string]time.Duration `mapstructure:"windows"`
	DefaultWindow time.Duration            `mapstructure:"default_window"`
	PollInterval  time.Duration            `mapstructure:"poll_interval"`
}

// TiersConfig points at an optional tier table and tunes the distributor
type TiersConfig struct {
	// File is a YAML tier table; empty uses the built-in ladder
	File string `mapstructure:"file"`

	HighOffset     int           `mapstructure:"high_offset"`
	HighSlots      int           `mapstructure:"high_slots"`
	FloorRaiseHits int           `mapstructure:"floor_raise_hits"`
	HitWindow      time.Duration `mapstructure:"hit_window"`
}

// BudgetConfig mirrors cost.Config. Its defaults honour the DOGOOD_COST_*
// variables.
type BudgetConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	MaxCostUSD     float64       `mapstructure:"max_cost_usd"`
	MaxCostPerHour float64       `mapstructure:"max_cost_per_hour"`
	AlertThreshold float64       `mapstructure:"alert_threshold"`
	ResetInterval  time.Duration `mapstructure:"reset_interval"`
	StatePath      string        `mapstructure:"state_path"`
}

// NotifyConfig holds alert channels
type NotifyConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig holds the bot settings; TELEGRAM_BOT_TOKEN and
// TELEGRAM_CHAT_ID are honoured as well
type TelegramConfig struct {
	BotToken    string        `mapstructure:"bot_token"`
	ChatID      string        `mapstructure:"chat_id"`
	BaseURL     string        `mapstructure:"base_url"`
	MinInterval time.Duration `mapstructure:"min_interval"`
}

// TelemetryConfig mirrors telemetry.Config
type TelemetryConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Exporter    string        `mapstructure:"exporter"`
	Endpoint    string        `mapstructure:"endpoint"`
	Interval    time.Duration `mapstructure:"interval"`
	ServiceName string        `mapstructure:"service_name"`
}

// WorkLogConfig locates the markdown work log
type WorkLogConfig struct {
	// Path of the log; empty disables it
	// Default: data/worklog.md
	Path string `mapstructure:"path"`
}

// SetDefaults registers every key with its default so that environment
// overrides are seen by Unmarshal
func SetDefaults(v *viper.Viper) {
	fac := factory.DefaultConfig()
	v.SetDefault("database.path", "data/dogood.db")

	v.SetDefault("factory.max_concurrent", fac.MaxConcurrent)
	v.SetDefault("factory.spawn_stagger", fac.SpawnStagger)
	v.SetDefault("factory.feedback_stagger", fac.FeedbackStagger)
	v.SetDefault("factory.cooldown_grace", fac.CooldownGrace)
	v.SetDefault("factory.priority_pause", fac.PriorityPause)
	v.SetDefault("factory.probe_interval", fac.ProbeInterval)
	v.SetDefault("factory.model_signal_max_age", fac.ModelSignalMaxAge)
	v.SetDefault("factory.claim_ttl", fac.ClaimTTL)
	v.SetDefault("factory.max_top_tier_per_issue", fac.MaxTopTierPerIssue)
	v.SetDefault("factory.max_feedback_retries", fac.MaxFeedbackRetries)
	v.SetDefault("factory.reserved_tag", fac.ReservedTag)
	v.SetDefault("factory.skip_exit_code", fac.SkipExitCode)
	v.SetDefault("factory.work_root", factory.DefaultWorkRoot())
	v.SetDefault("factory.solver_command", []string{"dogood-solve"})
	v.SetDefault("factory.agent_timeout", 45*time.Minute)
	v.SetDefault("factory.max_output_lines", 10000)
	v.SetDefault("factory.yield_to_interactive", true)

	pol := types.DefaultSelectionPolicy()
	v.SetDefault("selection.supported_languages", pol.SupportedLanguages)
	v.SetDefault("selection.min_stars", pol.MinStars)
	v.SetDefault("selection.excluded_labels", pol.ExcludedLabels)
	v.SetDefault("selection.bounty_labels", pol.BountyLabels)
	v.SetDefault("selection.focus_repo_count", pol.FocusRepoCount)
	v.SetDefault("selection.max_strikes", pol.MaxStrikes)
	v.SetDefault("selection.stale_after", pol.StaleAfter)
	v.SetDefault("selection.repo_active_within", pol.RepoActiveWithin)
	v.SetDefault("selection.blocked_owners", []string{})
	v.SetDefault("selection.exempt_owners", []string{})

	co := coord.DefaultConfig()
	v.SetDefault("coordination.backend", BackendFile)
	v.SetDefault("coordination.dir", os.TempDir())
	v.SetDefault("coordination.cooldown", co.Cooldown)
	v.SetDefault("coordination.slot_spacing", co.SlotSpacing)
	v.SetDefault("coordination.max_slots", co.MaxSlots)
	v.SetDefault("coordination.escalation_step", co.EscalationStep)
	v.SetDefault("coordination.jitter", co.Jitter)
	v.SetDefault("coordination.min_retry_delay", co.MinRetryDelay)
	v.SetDefault("coordination.max_retry_delay", co.MaxRetryDelay)
	v.SetDefault("coordination.dedupe_window", co.DedupeWindow)
	v.SetDefault("coordination.reporters_kept", co.ReportersKept)
	v.SetDefault("coordination.notify_threshold", co.NotifyThreshold)
	v.SetDefault("coordination.notify_window", co.NotifyWindow)
	v.SetDefault("coordination.notify_cooldown", co.NotifyCooldown)
	v.SetDefault("coordination.reduction_expiry", co.ReductionExpiry)

	rl := ratelimit.DefaultConfig()
	v.SetDefault("rate_limit.windows", rl.Windows)
	v.SetDefault("rate_limit.default_window", rl.DefaultWindow)
	v.SetDefault("rate_limit.poll_interval", rl.PollInterval)

	tp := tiers.DefaultPolicy()
	v.SetDefault("tiers.file", "")
	v.SetDefault("tiers.high_offset", tp.HighOffset)
	v.SetDefault("tiers.high_slots", tp.HighSlots)
	v.SetDefault("tiers.floor_raise_hits", tp.FloorRaiseHits)
	v.SetDefault("tiers.hit_window", tp.HitWindow)

	budget := cost.LoadFromEnv()
	v.SetDefault("budget.enabled", budget.Enabled)
	v.SetDefault("budget.max_cost_usd", budget.MaxCostUSD)
	v.SetDefault("budget.max_cost_per_hour", budget.MaxCostPerHour)
	v.SetDefault("budget.alert_threshold", budget.AlertThreshold)
	v.SetDefault("budget.reset_interval", budget.BudgetResetInterval)
	v.SetDefault("budget.state_path", budget.PersistStatePath)

	v.SetDefault("notify.telegram.bot_token", "")
	v.SetDefault("notify.telegram.chat_id", "")
	v.SetDefault("notify.telegram.base_url", "https://api.telegram.org")
	v.SetDefault("notify.telegram.min_interval", time.Second)

	tel := telemetry.DefaultConfig()
	v.SetDefault("telemetry.enabled", tel.Enabled)
	v.SetDefault("telemetry.exporter", tel.Exporter)
	v.SetDefault("telemetry.endpoint", tel.Endpoint)
	v.SetDefault("telemetry.interval", tel.Interval)
	v.SetDefault("telemetry.service_name", tel.ServiceName)

	v.SetDefault("worklog.path", "data/worklog.md")
}

// New returns a viper instance wired with defaults and environment
// overrides but no config file
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("notify.telegram.bot_token", "DOGOOD_NOTIFY_TELEGRAM_BOT_TOKEN", "TELEGRAM_BOT_TOKEN")
	_ = v.BindEnv("notify.telegram.chat_id", "DOGOOD_NOTIFY_TELEGRAM_CHAT_ID", "TELEGRAM_CHAT_ID")
	_ = v.BindEnv("telemetry.enabled", "DOGOOD_TELEMETRY_ENABLED", "DOGOOD_OTEL_ENABLED")
	return v
}

// Load reads path (or dogood.yaml from . and ~/.config/dogood when path is
// empty) over the defaults. A missing default file is not an error; a
// missing explicit one is.
func Load(path string) (*Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("dogood")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "dogood"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate checks every section, reporting the first problem found
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if err := c.Scheduler().Validate(); err != nil {
		return fmt.Errorf("factory: %w", err)
	}
	if len(c.Factory.SolverCommand) == 0 || c.Factory.SolverCommand[0] == "" {
		return fmt.Errorf("factory.solver_command is required")
	}
	if c.Factory.AgentTimeout <= 0 {
		return fmt.Errorf("factory.agent_timeout must be positive, got %v", c.Factory.AgentTimeout)
	}
	if c.Selection.MinStars < 0 {
		return fmt.Errorf("selection.min_stars must be non-negative, got %d", c.Selection.MinStars)
	}

	switch c.Coordination.Backend {
	case BackendFile:
		if c.Coordination.Dir == "" {
			return fmt.Errorf("coordination.dir is required for the file backend")
		}
	case BackendSQLite:
	default:
		return fmt.Errorf("coordination.backend must be %q or %q, got %q",
			BackendFile, BackendSQLite, c.Coordination.Backend)
	}
	if c.Coordination.Cooldown <= 0 {
		return fmt.Errorf("coordination.cooldown must be positive, got %v", c.Coordination.Cooldown)
	}
	if c.Coordination.MaxSlots < 1 {
		return fmt.Errorf("coordination.max_slots must be at least 1, got %d", c.Coordination.MaxSlots)
	}
	if c.Coordination.MinRetryDelay > c.Coordination.MaxRetryDelay {
		return fmt.Errorf("coordination.min_retry_delay (%v) exceeds max_retry_delay (%v)",
			c.Coordination.MinRetryDelay, c.Coordination.MaxRetryDelay)
	}

	for resource, window := range c.RateLimit.Windows {
		if window <= 0 {
			return fmt.Errorf("rate_limit.windows.%s must be positive, got %v", resource, window)
		}
	}
	if c.RateLimit.PollInterval <= 0 {
		return fmt.Errorf("rate_limit.poll_interval must be positive, got %v", c.RateLimit.PollInterval)
	}

	if err := c.DistributorPolicy().Validate(); err != nil {
		return fmt.Errorf("tiers: %w", err)
	}
	if err := c.CostConfig().Validate(); err != nil {
		return fmt.Errorf("budget: %w", err)
	}
	if err := c.MetricsConfig().Validate(); err != nil {
		return err
	}
	return nil
}

// Scheduler returns the factory settings
func (c *Config) Scheduler() factory.Config {
	f := c.Factory
	return factory.Config{
		MaxConcurrent:      f.MaxConcurrent,
		SpawnStagger:       f.SpawnStagger,
		FeedbackStagger:    f.FeedbackStagger,
		CooldownGrace:      f.CooldownGrace,
		PriorityPause:      f.PriorityPause,
		ProbeInterval:      f.ProbeInterval,
		ModelSignalMaxAge:  f.ModelSignalMaxAge,
		ClaimTTL:           f.ClaimTTL,
		MaxTopTierPerIssue: f.MaxTopTierPerIssue,
		MaxFeedbackRetries: f.MaxFeedbackRetries,
		ReservedTag:        f.ReservedTag,
		SkipExitCode:       f.SkipExitCode,
		WorkRoot:           f.WorkRoot,
		Policy:             c.Policy(),
	}
}

// Spawner returns the solver subprocess runner
func (c *Config) Spawner() *factory.SubprocessSpawner {
	return &factory.SubprocessSpawner{
		Command:        append([]string(nil), c.Factory.SolverCommand...),
		Timeout:        c.Factory.AgentTimeout,
		MaxOutputLines: c.Factory.MaxOutputLines,
	}
}

// Policy returns the selection rules
func (c *Config) Policy() types.SelectionPolicy {
	s := c.Selection
	return types.SelectionPolicy{
		SupportedLanguages: s.SupportedLanguages,
		MinStars:           s.MinStars,
		ExcludedLabels:     s.ExcludedLabels,
		BountyLabels:       s.BountyLabels,
		FocusRepoCount:     s.FocusRepoCount,
		MaxStrikes:         s.MaxStrikes,
		StaleAfter:         s.StaleAfter,
		RepoActiveWithin:   s.RepoActiveWithin,
		BlockedOwners:      s.BlockedOwners,
		ExemptOwners:       s.ExemptOwners,
	}
}

// CoordinatorConfig returns the cross-process coordination constants
func (c *Config) CoordinatorConfig() coord.Config {
	co := c.Coordination
	return coord.Config{
		Cooldown:        co.Cooldown,
		SlotSpacing:     co.SlotSpacing,
		MaxSlots:        co.MaxSlots,
		EscalationStep:  co.EscalationStep,
		Jitter:          co.Jitter,
		MinRetryDelay:   co.MinRetryDelay,
		MaxRetryDelay:   co.MaxRetryDelay,
		DedupeWindow:    co.DedupeWindow,
		ReportersKept:   co.ReportersKept,
		NotifyThreshold: co.NotifyThreshold,
		NotifyWindow:    co.NotifyWindow,
		NotifyCooldown:  co.NotifyCooldown,
		ReductionExpiry: co.ReductionExpiry,
	}
}

// LimiterConfig returns the shared quota windows
func (c *Config) LimiterConfig() ratelimit.Config {
	windows := make(map[string]time.Duration, len(c.RateLimit.Windows))
	for resource, window := range c.RateLimit.Windows {
		windows[resource] = window
	}
	return ratelimit.Config{
		Windows:       windows,
		DefaultWindow: c.RateLimit.DefaultWindow,
		PollInterval:  c.RateLimit.PollInterval,
	}
}

// DistributorPolicy returns the tier distributor tuning
func (c *Config) DistributorPolicy() tiers.Policy {
	return tiers.Policy{
		HighOffset:     c.Tiers.HighOffset,
		HighSlots:      c.Tiers.HighSlots,
		FloorRaiseHits: c.Tiers.FloorRaiseHits,
		HitWindow:      c.Tiers.HitWindow,
	}
}

// CostConfig returns the budget settings
func (c *Config) CostConfig() *cost.Config {
	b := c.Budget
	return &cost.Config{
		Enabled:             b.Enabled,
		MaxCostUSD:          b.MaxCostUSD,
		MaxCostPerHour:      b.MaxCostPerHour,
		AlertThreshold:      b.AlertThreshold,
		BudgetResetInterval: b.ResetInterval,
		PersistStatePath:    b.StatePath,
	}
}

// NotifierConfig returns the Telegram settings
func (c *Config) NotifierConfig() notify.TelegramConfig {
	t := c.Notify.Telegram
	return notify.TelegramConfig{
		BotToken:    t.BotToken,
		ChatID:      t.ChatID,
		BaseURL:     t.BaseURL,
		MinInterval: t.MinInterval,
	}
}

// MetricsConfig returns the telemetry settings
func (c *Config) MetricsConfig() telemetry.Config {
	t := c.Telemetry
	return telemetry.Config{
		Enabled:     t.Enabled,
		Exporter:    t.Exporter,
		Endpoint:    t.Endpoint,
		Interval:    t.Interval,
		ServiceName: t.ServiceName,
	}
}
