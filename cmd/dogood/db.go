package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Long:  `Create the database if needed and apply any schema migrations that have not run yet. Opening the database for any command does this too; migrate reports what it did.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		applied, err := db.Migrate(rootCtx)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		green := color.New(color.FgGreen).SprintFunc()
		if applied == 0 {
			fmt.Printf("%s Database %s is up to date\n", green("✓"), cfg.Database.Path)
			return nil
		}
		fmt.Printf("%s Applied %d migrations to %s\n", green("✓"), applied, cfg.Database.Path)
		return nil
	},
}

var claimsCmd = &cobra.Command{
	Use:   "claims",
	Short: "List active issue claims",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		claims, err := db.GetActiveClaims(rootCtx)
		if err != nil {
			return fmt.Errorf("failed to get claims: %w", err)
		}
		if len(claims) == 0 {
			fmt.Println("No active claims")
			return nil
		}
		gray := color.New(color.FgHiBlack).SprintFunc()
		for _, c := range claims {
			fmt.Printf("issue %-8d agent %-14s claimed %s  %s\n",
				c.IssueID, c.AgentID,
				c.ClaimedAt.Local().Format("2006-01-02 15:04:05"),
				gray(fmt.Sprintf("expires in %v", time.Until(c.ExpiresAt).Round(time.Second))))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(claimsCmd)
}
