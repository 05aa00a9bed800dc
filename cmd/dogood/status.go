package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/danielalanbates/github-helper/internal/cost"
	"github.com/danielalanbates/github-helper/internal/types"
)

var statusRuns int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show factory status, cooldown, claims and budget",
	Long:  `Display the live factory snapshot, the shared rate-limit cooldown, active claims, recent agent runs and the cost budget.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		co, err := coordinator()
		if err != nil {
			return err
		}
		ctx := rootCtx

		var (
			claims []*types.Claim
			runs   []*types.AgentRun
		)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			claims, err = db.GetActiveClaims(gctx)
			if err != nil {
				return fmt.Errorf("failed to get claims: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			var err error
			runs, err = db.ListAgentRuns(gctx, false, statusRuns)
			if err != nil {
				return fmt.Errorf("failed to list agent runs: %w", err)
			}
			return nil
		})
		if err := g.Wait(); err != nil {
			return err
		}

		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		green := color.New(color.FgGreen).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()

		fmt.Printf("\n%s\n\n", cyan("=== dogood Factory Status ==="))

		fmt.Printf("%s\n", yellow("Factory:"))
		status, ok := co.ReadStatus(ctx)
		switch {
		case !ok:
			fmt.Printf("  %s\n", gray("No factory has reported"))
		default:
			state := red("stopped")
			if status.FactoryRunning {
				state = green("running")
			}
			fmt.Printf("  State:      %s (instance %s)\n", state, status.InstanceID)
			fmt.Printf("  Agents:     %d / %d\n", status.ActiveAgents, status.MaxConcurrent)
			if status.TierFloor > 1 {
				fmt.Printf("  Tier floor: %d\n", status.TierFloor)
			}
			fmt.Printf("  Totals:     started=%d succeeded=%d failed=%d skipped=%d escalated=%d\n",
				status.Stats.Started, status.Stats.Succeeded, status.Stats.Failed,
				status.Stats.Skipped, status.Stats.Escalated)
			fmt.Printf("  Updated:    %s (%v ago)\n",
				status.Updated.Local().Format("15:04:05"),
				time.Since(status.Updated).Round(time.Second))

			ids := make([]string, 0, len(status.Agents))
			for id := range status.Agents {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				a := status.Agents[id]
				fmt.Printf("    %s %-8s %s#%d %s (%v)\n", green("●"), a.Type, a.Repo, a.Issue,
					gray(a.Tier), time.Since(a.Started).Round(time.Second))
			}
		}
		fmt.Println()

		fmt.Printf("%s\n", yellow("Rate Limit:"))
		rl := co.RateLimitState(ctx)
		if wait := co.SecondsUntilClear(ctx); wait > 0 {
			fmt.Printf("  %s cooling down, %v remaining\n", red("●"), wait.Round(time.Second))
		} else {
			fmt.Printf("  %s clear\n", green("●"))
		}
		if rl.HitCount > 0 {
			fmt.Printf("  Hits:       %d (last %s)\n", rl.HitCount, rl.LastHit.Local().Format("15:04:05"))
		}
		if n := co.PriorityAgentCount(ctx); n > 0 {
			fmt.Printf("  Priority:   %d agents running\n", n)
		}
		fmt.Println()

		fmt.Printf("%s\n", yellow("Active Claims:"))
		if len(claims) == 0 {
			fmt.Printf("  %s\n", gray("None"))
		}
		for _, c := range claims {
			fmt.Printf("  issue %-6d agent %s  expires in %v\n", c.IssueID, c.AgentID,
				time.Until(c.ExpiresAt).Round(time.Second))
		}
		fmt.Println()

		fmt.Printf("%s\n", yellow("Recent Runs:"))
		if len(runs) == 0 {
			fmt.Printf("  %s\n", gray("None"))
		}
		for _, r := range runs {
			target := r.FullName
			if r.IssueNumber > 0 {
				target = fmt.Sprintf("%s#%d", r.FullName, r.IssueNumber)
			}
			fmt.Printf("  %s %-12s %-10s %s %s\n", runIcon(r.Status), r.ID, r.Status, target, gray(r.Model+"/"+r.Effort))
			if r.PRURL != "" {
				fmt.Printf("      %s\n", r.PRURL)
			} else if r.Error != "" {
				fmt.Printf("      %s\n", gray(r.Error))
			}
		}
		fmt.Println()

		if cfg.Budget.Enabled && cfg.Budget.StatePath != "" {
			tracker, err := cost.NewTracker(cfg.CostConfig())
			if err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to read budget: %v\n", err)
				return nil
			}
			stats := tracker.Stats()
			fmt.Printf("%s\n", yellow("Budget:"))
			fmt.Printf("  Status:     %s\n", stats.Status)
			fmt.Printf("  Spend:      %s\n", stats.Summary())
			fmt.Printf("  Runs:       %d charged across %d issues\n", stats.RunsRecorded, stats.IssuesCharged)
			fmt.Println()
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().IntVar(&statusRuns, "runs", 10, "Number of recent agent runs to show")
	rootCmd.AddCommand(statusCmd)
}

func runIcon(s types.RunStatus) string {
	switch s {
	case types.RunPRCreated:
		return color.New(color.FgGreen).Sprint("✓")
	case types.RunFailed, types.RunEscalated:
		return color.New(color.FgRed).Sprint("✗")
	case types.RunSkipped:
		return color.New(color.FgHiBlack).Sprint("○")
	}
	return color.New(color.FgYellow).Sprint("●")
}
