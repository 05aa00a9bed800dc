package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	signalAgentID string
	signalModel   string

	cooldownAgentID string
	cooldownAttempt int
	cooldownWait    bool
)

func defaultAgentID() string {
	return fmt.Sprintf("cli-%d", os.Getpid())
}

var signalCmd = &cobra.Command{
	Use:   "signal",
	Short: "Publish coordination signals for running factories",
	Long:  `Publish the shared coordination documents that solver subprocesses and operators use to talk to running factories.`,
}

var signalRateLimitCmd = &cobra.Command{
	Use:   "rate-limit",
	Short: "Report an API rate-limit hit",
	Long:  `Record a rate-limit hit in the shared state, starting the global cooldown. With --model, also ask factories to raise their tier floor past that model.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		co, err := coordinator()
		if err != nil {
			return err
		}
		agentID := signalAgentID
		if agentID == "" {
			agentID = defaultAgentID()
		}
		co.ReportRateLimit(rootCtx, agentID)
		if signalModel != "" {
			co.SignalModelRateLimit(rootCtx, signalModel)
		}
		fmt.Printf("%s Rate limit reported by %s, cooldown %v\n",
			color.New(color.FgYellow).Sprint("⚠"), agentID, co.SecondsUntilClear(rootCtx).Round(time.Second))
		return nil
	},
}

var signalReduceCmd = &cobra.Command{
	Use:   "reduce",
	Short: "Ask running factories to drop one concurrency slot",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		co, err := coordinator()
		if err != nil {
			return err
		}
		co.RequestConcurrencyReduction(rootCtx)
		fmt.Println("Concurrency reduction requested")
		return nil
	},
}

var signalPriorityCmd = &cobra.Command{
	Use:   "priority <count>",
	Short: "Publish how many priority agents are running (0 clears)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 0 {
			return fmt.Errorf("count must be a non-negative integer, got %q", args[0])
		}
		co, err := coordinator()
		if err != nil {
			return err
		}
		co.SetPriorityAgentCount(rootCtx, n)
		if n == 0 {
			fmt.Println("Priority agents cleared")
			return nil
		}
		fmt.Printf("%d priority agents running, factories will yield\n", n)
		return nil
	},
}

var cooldownCmd = &cobra.Command{
	Use:   "cooldown",
	Short: "Print the shared cooldown or an agent's retry delay in seconds",
	Long: `Print the seconds left in the shared rate-limit cooldown. With --agent-id,
print that agent's staggered retry delay for --attempt instead. --wait
sleeps until the delay has passed. Output is a bare number for scripts.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		co, err := coordinator()
		if err != nil {
			return err
		}
		wait := co.SecondsUntilClear(rootCtx)
		if cooldownAgentID != "" {
			wait = co.RetryDelay(rootCtx, co.SlotForAgent(cooldownAgentID), cooldownAttempt)
		}
		fmt.Println(int(wait.Round(time.Second).Seconds()))
		if !cooldownWait || wait <= 0 {
			return nil
		}
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-rootCtx.Done():
			return rootCtx.Err()
		case <-t.C:
			return nil
		}
	},
}

func init() {
	signalRateLimitCmd.Flags().StringVar(&signalAgentID, "agent-id", "", "Reporting agent (default: cli-<pid>)")
	signalRateLimitCmd.Flags().StringVar(&signalModel, "model", "", "Model that hit its limit")
	signalCmd.AddCommand(signalRateLimitCmd, signalReduceCmd, signalPriorityCmd)

	cooldownCmd.Flags().StringVar(&cooldownAgentID, "agent-id", "", "Agent whose retry slot to use")
	cooldownCmd.Flags().IntVar(&cooldownAttempt, "attempt", 0, "Retry attempt number (0-based)")
	cooldownCmd.Flags().BoolVar(&cooldownWait, "wait", false, "Sleep until the delay has passed")

	rootCmd.AddCommand(signalCmd, cooldownCmd)
}
