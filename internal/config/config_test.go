package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danielalanbates/github-helper/internal/ratelimit"
)

// isolate keeps the developer's own dogood.yaml and environment out of a test
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(name, EnvPrefix+"_") || strings.HasPrefix(name, "TELEGRAM_") {
			t.Setenv(name, "")
			os.Unsetenv(name)
		}
	}
	return home
}

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.File != "" {
		t.Errorf("expected no config file, got %q", cfg.File)
	}
	if cfg.Database.Path != "data/dogood.db" {
		t.Errorf("Database.Path = %q, want data/dogood.db", cfg.Database.Path)
	}
	if cfg.Factory.MaxConcurrent != 3 {
		t.Errorf("Factory.MaxConcurrent = %d, want 3", cfg.Factory.MaxConcurrent)
	}
	if cfg.Factory.SpawnStagger != 60*time.Second {
		t.Errorf("Factory.SpawnStagger = %v, want 60s", cfg.Factory.SpawnStagger)
	}
	if cfg.Factory.ReservedTag != "christian" {
		t.Errorf("Factory.ReservedTag = %q, want christian", cfg.Factory.ReservedTag)
	}
	if len(cfg.Factory.SolverCommand) != 1 || cfg.Factory.SolverCommand[0] != "dogood-solve" {
		t.Errorf("Factory.SolverCommand = %v, want [dogood-solve]", cfg.Factory.SolverCommand)
	}
	if !cfg.Factory.YieldToInteractive {
		t.Error("Factory.YieldToInteractive should default to true")
	}
	if cfg.Coordination.Backend != BackendFile || cfg.Coordination.Dir == "" {
		t.Errorf("unexpected coordination defaults: %+v", cfg.Coordination)
	}
	if cfg.Coordination.Cooldown != 75*time.Second {
		t.Errorf("Coordination.Cooldown = %v, want 75s", cfg.Coordination.Cooldown)
	}
	if cfg.Policy().MinStars != 1000 {
		t.Errorf("Policy().MinStars = %d, want 1000", cfg.Policy().MinStars)
	}
	if got := cfg.LimiterConfig().Windows[ratelimit.ResourceGitHubSearch]; got != 60*time.Second {
		t.Errorf("github_search window = %v, want 60s", got)
	}
	if !cfg.Budget.Enabled || cfg.Budget.AlertThreshold != 0.8 || cfg.Budget.MaxCostUSD != 0 {
		t.Errorf("unexpected budget defaults: %+v", cfg.Budget)
	}
	if cfg.NotifierConfig().Enabled() {
		t.Error("Telegram should be disabled without credentials")
	}
	if cfg.Telemetry.Enabled {
		t.Error("telemetry should be disabled by default")
	}
}

func TestLoadFile(t *testing.T) {
	isolate(t)
	path := writeFile(t, filepath.Join(t.TempDir(), "custom.yaml"), `
database:
  path: /var/lib/dogood/state.db
factory:
  max_concurrent: 5
  spawn_stagger: 30s
  solver_command: [python3, -m, dogood.solve]
selection:
  min_stars: 50
  supported_languages: [Go]
coordination:
  backend: sqlite
rate_limit:
  windows:
    github_api: 2h
tiers:
  file: tiers.yaml
budget:
  max_cost_usd: 40
worklog:
  path: ""
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.File != path {
		t.Errorf("File = %q, want %q", cfg.File, path)
	}
	if cfg.Database.Path != "/var/lib/dogood/state.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	sched := cfg.Scheduler()
	if sched.MaxConcurrent != 5 || sched.SpawnStagger != 30*time.Second {
		t.Errorf("unexpected scheduler config: %+v", sched)
	}
	if sched.FeedbackStagger != 10*time.Second {
		t.Errorf("unset keys should keep defaults, FeedbackStagger = %v", sched.FeedbackStagger)
	}
	if sched.Policy.MinStars != 50 || len(sched.Policy.SupportedLanguages) != 1 {
		t.Errorf("unexpected policy: %+v", sched.Policy)
	}
	if got := cfg.Spawner().Command; len(got) != 3 || got[2] != "dogood.solve" {
		t.Errorf("Spawner().Command = %v", got)
	}
	if cfg.Coordination.Backend != BackendSQLite {
		t.Errorf("Coordination.Backend = %q, want sqlite", cfg.Coordination.Backend)
	}
	if got := cfg.LimiterConfig().Windows[ratelimit.ResourceGitHubAPI]; got != 2*time.Hour {
		t.Errorf("github_api window = %v, want 2h", got)
	}
	if p := cfg.DistributorPolicy(); p.HighOffset != 2 || p.HitWindow != 5*time.Minute {
		t.Errorf("unexpected distributor policy: %+v", p)
	}
	if cfg.Tiers.File != "tiers.yaml" {
		t.Errorf("Tiers.File = %q", cfg.Tiers.File)
	}
	if cfg.CostConfig().MaxCostUSD != 40 {
		t.Errorf("CostConfig().MaxCostUSD = %v, want 40", cfg.CostConfig().MaxCostUSD)
	}
	if cfg.WorkLog.Path != "" {
		t.Errorf("WorkLog.Path = %q, want empty", cfg.WorkLog.Path)
	}
}

func TestLoadSearchesHomeConfigDir(t *testing.T) {
	home := isolate(t)
	writeFile(t, filepath.Join(home, ".config", "dogood", "dogood.yaml"), "factory:\n  max_concurrent: 8\n")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Factory.MaxConcurrent != 8 {
		t.Errorf("Factory.MaxConcurrent = %d, want 8", cfg.Factory.MaxConcurrent)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	isolate(t)
	path := writeFile(t, filepath.Join(t.TempDir(), "dogood.yaml"), "factory:\n  max_concurrent: 5\n")

	t.Setenv("DOGOOD_FACTORY_MAX_CONCURRENT", "7")
	t.Setenv("DOGOOD_FACTORY_CLAIM_TTL", "90m")
	t.Setenv("DOGOOD_COORDINATION_BACKEND", "sqlite")
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("TELEGRAM_CHAT_ID", "42")
	t.Setenv("DOGOOD_OTEL_ENABLED", "true")
	t.Setenv("DOGOOD_COST_MAX_COST_USD", "25")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Factory.MaxConcurrent != 7 {
		t.Errorf("Factory.MaxConcurrent = %d, want 7", cfg.Factory.MaxConcurrent)
	}
	if cfg.Factory.ClaimTTL != 90*time.Minute {
		t.Errorf("Factory.ClaimTTL = %v, want 90m", cfg.Factory.ClaimTTL)
	}
	if cfg.Coordination.Backend != BackendSQLite {
		t.Errorf("Coordination.Backend = %q, want sqlite", cfg.Coordination.Backend)
	}
	tg := cfg.NotifierConfig()
	if !tg.Enabled() || tg.BotToken != "123:abc" || tg.ChatID != "42" {
		t.Errorf("unexpected telegram config: %+v", tg)
	}
	if !cfg.MetricsConfig().Enabled {
		t.Error("DOGOOD_OTEL_ENABLED should enable telemetry")
	}
	if cfg.Budget.MaxCostUSD != 25 {
		t.Errorf("Budget.MaxCostUSD = %v, want 25 from DOGOOD_COST_MAX_COST_USD", cfg.Budget.MaxCostUSD)
	}
}

func TestLoadErrors(t *testing.T) {
	isolate(t)

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for a missing explicit config file")
	}

	bad := writeFile(t, filepath.Join(t.TempDir(), "bad.yaml"), "factory:\n  max_concurrent: 0\n")
	if _, err := Load(bad); err == nil || !strings.Contains(err.Error(), "max_concurrent") {
		t.Errorf("expected max_concurrent validation error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	isolate(t)

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"no database", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"no solver", func(c *Config) { c.Factory.SolverCommand = nil }, "solver_command"},
		{"zero timeout", func(c *Config) { c.Factory.AgentTimeout = 0 }, "agent_timeout"},
		{"bad backend", func(c *Config) { c.Coordination.Backend = "redis" }, "coordination.backend"},
		{"file backend without dir", func(c *Config) { c.Coordination.Dir = "" }, "coordination.dir"},
		{"retry bounds", func(c *Config) { c.Coordination.MinRetryDelay = time.Hour }, "min_retry_delay"},
		{"bad window", func(c *Config) { c.RateLimit.Windows["github_api"] = 0 }, "rate_limit.windows.github_api"},
		{"bad floor raise", func(c *Config) { c.Tiers.FloorRaiseHits = 0 }, "floor_raise_hits"},
		{"bad threshold", func(c *Config) { c.Budget.AlertThreshold = 1.5 }, "alert_threshold"},
		{"otlp without endpoint", func(c *Config) {
			c.Telemetry.Enabled = true
			c.Telemetry.Exporter = "otlp"
		}, "telemetry.endpoint"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			tt.mutate(cfg)

			err = cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
