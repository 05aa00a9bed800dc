package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/danielalanbates/github-helper/internal/storage"
	"github.com/danielalanbates/github-helper/internal/types"
)

var (
	blacklistReason string
	blacklistNote   string

	strikeCooldown time.Duration
	loyaltyLimit   int

	sponsorRepo   string
	sponsorSource string
	sponsorNote   string
)

// noteDetails renders a free-form note as the JSON details column
func noteDetails(note string) string {
	if note == "" {
		return ""
	}
	data, _ := json.Marshal(map[string]string{"note": note})
	return string(data)
}

// lookupRepo resolves owner/name to a known repository
func lookupRepo(ctx context.Context, db storage.Storage, fullName string) (*types.Repository, error) {
	repo, err := db.GetRepository(ctx, fullName)
	if err != nil {
		return nil, err
	}
	if repo == nil {
		return nil, fmt.Errorf("unknown repository %s", fullName)
	}
	return repo, nil
}

var blacklistCmd = &cobra.Command{
	Use:   "blacklist",
	Short: "Manage repositories excluded from selection",
}

var blacklistAddCmd = &cobra.Command{
	Use:   "add <owner/name>",
	Short: "Exclude a repository from selection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		entry := &types.BlacklistEntry{
			FullName: args[0],
			Reason:   blacklistReason,
			Details:  noteDetails(blacklistNote),
		}
		repo, err := db.GetRepository(rootCtx, args[0])
		if err != nil {
			return err
		}
		if repo != nil {
			entry.RepoID = &repo.ID
		}
		if err := db.AddToBlacklist(rootCtx, entry); err != nil {
			return err
		}
		fmt.Printf("%s Blacklisted %s (%s)\n", color.New(color.FgRed).Sprint("✗"), entry.FullName, entry.Reason)
		return nil
	},
}

var blacklistForgiveCmd = &cobra.Command{
	Use:   "forgive <owner/name>",
	Short: "Lift a repository's blacklist entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		if err := db.ForgiveRepo(rootCtx, args[0]); err != nil {
			return err
		}
		fmt.Printf("%s Forgave %s\n", color.New(color.FgGreen).Sprint("✓"), args[0])
		return nil
	},
}

var blacklistListCmd = &cobra.Command{
	Use:   "list",
	Short: "List blacklist entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		entries, err := db.ListBlacklist(rootCtx)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("Blacklist is empty")
			return nil
		}
		gray := color.New(color.FgHiBlack).SprintFunc()
		for _, e := range entries {
			state := color.New(color.FgRed).Sprint("active")
			if !e.Active() {
				state = gray("forgiven " + e.ForgivenAt.Local().Format("2006-01-02"))
			}
			fmt.Printf("%-40s %-20s %s %s\n", e.FullName, e.Reason, state,
				gray(e.BlacklistedAt.Local().Format("2006-01-02")))
		}
		return nil
	},
}

var strikesCmd = &cobra.Command{
	Use:   "strikes",
	Short: "Record PR outcomes and inspect repository strikes",
}

var strikesMergedCmd = &cobra.Command{
	Use:   "merged <owner/name>",
	Short: "Record a merged PR",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		repo, err := lookupRepo(rootCtx, db, args[0])
		if err != nil {
			return err
		}
		if err := db.RecordPRMerged(rootCtx, repo.ID, repo.FullName); err != nil {
			return err
		}
		fmt.Printf("%s Recorded merge for %s\n", color.New(color.FgGreen).Sprint("✓"), repo.FullName)
		return nil
	},
}

var strikesRejectedCmd = &cobra.Command{
	Use:   "rejected <owner/name>",
	Short: "Record a rejected PR (adds a strike and a cooldown)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		repo, err := lookupRepo(rootCtx, db, args[0])
		if err != nil {
			return err
		}
		if err := db.RecordPRRejected(rootCtx, repo.ID, repo.FullName, strikeCooldown); err != nil {
			return err
		}
		fmt.Printf("%s Strike recorded for %s, cooling down for %v\n",
			color.New(color.FgYellow).Sprint("⚠"), repo.FullName, strikeCooldown)
		return nil
	},
}

var strikesRedeemCmd = &cobra.Command{
	Use:   "redeem <owner/name> [count]",
	Short: "Remove strikes and lift the cooldown",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		count := 1
		if len(args) == 2 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n < 1 {
				return fmt.Errorf("count must be a positive integer, got %q", args[1])
			}
			count = n
		}
		db, err := openStore()
		if err != nil {
			return err
		}
		repo, err := lookupRepo(rootCtx, db, args[0])
		if err != nil {
			return err
		}
		if err := db.RedeemStrikes(rootCtx, repo.ID, count); err != nil {
			return err
		}
		fmt.Printf("%s Redeemed %d strikes for %s\n", color.New(color.FgGreen).Sprint("✓"), count, repo.FullName)
		return nil
	},
}

var strikesShowCmd = &cobra.Command{
	Use:   "show [owner/name]",
	Short: "Show one repository's strikes, or the loyalty ranking",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		if len(args) == 1 {
			s, err := db.GetRepoStrikes(rootCtx, args[0])
			if err != nil {
				return err
			}
			if s == nil {
				fmt.Printf("%s has no strike record\n", args[0])
				return nil
			}
			printStrikes(s)
			return nil
		}

		repos, err := db.ListLoyaltyRepos(rootCtx, cfg.Selection.MaxStrikes, loyaltyLimit)
		if err != nil {
			return err
		}
		if len(repos) == 0 {
			fmt.Println("No repositories have merged PRs yet")
			return nil
		}
		for _, s := range repos {
			printStrikes(s)
		}
		return nil
	},
}

func printStrikes(s *types.RepoStrikes) {
	line := fmt.Sprintf("%-40s merges=%d strikes=%d", s.FullName, s.Merges, s.Strikes)
	if s.InCooldown(time.Now()) {
		line += color.New(color.FgYellow).Sprintf(" cooldown until %s", s.CooldownUntil.Local().Format("2006-01-02 15:04"))
	}
	fmt.Println(line)
}

var sponsorCmd = &cobra.Command{
	Use:   "sponsor",
	Short: "Manage sponsors",
}

var sponsorAddCmd = &cobra.Command{
	Use:   "add <github-username>",
	Short: "Record a sponsor; repos they own are preferred by selection",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		sponsor := &types.Sponsor{
			Username:     args[0],
			RepoFullName: sponsorRepo,
			Source:       types.SponsorSource(sponsorSource),
			Details:      noteDetails(sponsorNote),
		}
		if err := db.AddSponsor(rootCtx, sponsor); err != nil {
			return err
		}
		fmt.Printf("%s Added sponsor %s\n", color.New(color.FgGreen).Sprint("✓"), sponsor.Username)
		return nil
	},
}

func init() {
	blacklistAddCmd.Flags().StringVar(&blacklistReason, "reason", "manual", "Why the repository is excluded")
	blacklistAddCmd.Flags().StringVar(&blacklistNote, "note", "", "Free-form details")
	blacklistCmd.AddCommand(blacklistAddCmd, blacklistForgiveCmd, blacklistListCmd)

	strikesRejectedCmd.Flags().DurationVar(&strikeCooldown, "cooldown", types.StrikeCooldown, "How long the repository rests")
	strikesShowCmd.Flags().IntVar(&loyaltyLimit, "limit", 20, "Repositories to list in the loyalty ranking")
	strikesCmd.AddCommand(strikesMergedCmd, strikesRejectedCmd, strikesRedeemCmd, strikesShowCmd)

	sponsorAddCmd.Flags().StringVar(&sponsorRepo, "repo", "", "Repository the sponsor owns (owner/name)")
	sponsorAddCmd.Flags().StringVar(&sponsorSource, "source", string(types.SponsorMention), "Where the sponsor was seen (comment, mention, email)")
	sponsorAddCmd.Flags().StringVar(&sponsorNote, "note", "", "Free-form details")
	sponsorCmd.AddCommand(sponsorAddCmd)

	rootCmd.AddCommand(blacklistCmd, strikesCmd, sponsorCmd)
}
