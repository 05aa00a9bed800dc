package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/danielalanbates/github-helper/internal/cost"
	"github.com/danielalanbates/github-helper/internal/factory"
	"github.com/danielalanbates/github-helper/internal/ratelimit"
	"github.com/danielalanbates/github-helper/internal/telemetry"
	"github.com/danielalanbates/github-helper/internal/tiers"
	"github.com/danielalanbates/github-helper/internal/worklog"
)

var (
	runMaxItems      int
	runMaxConcurrent int
	runBudget        float64
	runNoYield       bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent factory",
	Long: `Start the agent factory. It claims eligible issues, spawns one solver per
issue up to the concurrency limit, and stops when no work is left, the
budget is exhausted, --max-items agents have started, or it is interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("max-concurrent") {
			cfg.Factory.MaxConcurrent = runMaxConcurrent
		}
		if cmd.Flags().Changed("budget") {
			cfg.Budget.MaxCostUSD = runBudget
		}
		if runNoYield {
			cfg.Factory.YieldToInteractive = false
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		return runFactory(rootCtx, runMaxItems)
	},
}

func init() {
	runCmd.Flags().IntVar(&runMaxItems, "max-items", 0, "Stop after starting this many agents (0 = no limit)")
	runCmd.Flags().IntVar(&runMaxConcurrent, "max-concurrent", 0, "Concurrent agents (overrides factory.max_concurrent)")
	runCmd.Flags().Float64Var(&runBudget, "budget", 0, "Run budget in USD (overrides budget.max_cost_usd, 0 = no limit)")
	runCmd.Flags().BoolVar(&runNoYield, "no-yield", false, "Do not throttle while an interactive session is running")
	rootCmd.AddCommand(runCmd)
}

func runFactory(ctx context.Context, maxItems int) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	co, err := coordinator()
	if err != nil {
		return err
	}

	table, err := tiers.LoadTable(cfg.Tiers.File)
	if err != nil {
		return fmt.Errorf("failed to load tier table: %w", err)
	}
	learning := tiers.NewLearning(co.Store())
	dist := tiers.NewDistributor(table, tiers.WithPolicy(cfg.DistributorPolicy()), tiers.WithLearning(learning))

	shutdown, err := telemetry.Init(ctx, cfg.MetricsConfig(), Version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			fmt.Fprintf(os.Stderr, "warning: telemetry shutdown: %v\n", err)
		}
	}()

	deps := factory.Deps{
		Store:       db,
		Coordinator: co,
		Distributor: dist,
		Spawner:     cfg.Spawner(),
		Limiter:     ratelimit.New(db, cfg.LimiterConfig()),
		Metrics:     telemetry.NewMetrics(nil),
		Out:         os.Stdout,
	}
	if cfg.Budget.Enabled {
		tracker, err := cost.NewTracker(cfg.CostConfig())
		if err != nil {
			return fmt.Errorf("failed to initialize cost tracker: %w", err)
		}
		deps.Budget = tracker
	}
	if cfg.WorkLog.Path != "" {
		deps.WorkLog = worklog.New(cfg.WorkLog.Path)
	}
	if cfg.Factory.YieldToInteractive {
		deps.Probe = factory.NewProcessProbe()
	}

	f, err := factory.New(cfg.Scheduler(), deps)
	if err != nil {
		return err
	}

	learning.Report(ctx, os.Stdout)
	stats, err := f.Run(ctx, maxItems)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	fmt.Printf("\n%s succeeded, %s failed, %d skipped, %d escalated\n",
		green(stats.Succeeded), red(stats.Failed), stats.Skipped, stats.Escalated)
	return nil
}
