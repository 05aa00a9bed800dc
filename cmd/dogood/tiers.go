package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/danielalanbates/github-helper/internal/tiers"
)

var tiersCmd = &cobra.Command{
	Use:   "tiers",
	Short: "Show the model tier ladder and learned rate limits",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		table, err := tiers.LoadTable(cfg.Tiers.File)
		if err != nil {
			return fmt.Errorf("failed to load tier table: %w", err)
		}

		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		source := "built-in"
		if cfg.Tiers.File != "" {
			source = cfg.Tiers.File
		}
		fmt.Printf("\n%s (%s)\n\n", cyan("=== Model Tiers ==="), source)
		for _, t := range table {
			fmt.Printf("  %d  %-16s %-8s %-7s $%.2f/run\n", t.Number, t.Label, t.Model, t.Effort, t.MaxBudgetUSD)
		}
		p := cfg.DistributorPolicy()
		fmt.Printf("\n  high slot: %d agents at floor+%d\n", p.HighSlots, p.HighOffset)
		fmt.Printf("  floor rises after %d hits in %s\n", p.FloorRaiseHits, p.HitWindow)
		fmt.Println()

		docs, err := coordinationStore()
		if err != nil {
			return err
		}
		fmt.Printf("%s\n", yellow("Learned limits:"))
		learning := tiers.NewLearning(docs)
		if len(learning.Load(rootCtx)) == 0 {
			fmt.Println("  none recorded")
		}
		learning.Report(rootCtx, os.Stdout)
		fmt.Println()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tiersCmd)
}
