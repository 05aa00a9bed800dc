package types

import "time"

// StrikeCooldown is how long a repo rests after a rejected PR
const StrikeCooldown = 7 * 24 * time.Hour

// SelectionPolicy holds the business rules the selection query encodes.
// Every field is re-applied on each call; nothing is cached between picks.
type SelectionPolicy struct {
	// SupportedLanguages restricts candidates to repos whose primary language is listed
	SupportedLanguages []string

	// MinStars is the minimum repository star count
	MinStars int

	// ExcludedLabels are label substrings (case-insensitive) reserved for a
	// lower-effort pipeline, e.g. "good first issue"
	ExcludedLabels []string

	// BountyLabels mark time-sensitive/high-value items, ranked first
	BountyLabels []string

	// FocusRepoCount is N in "top N repos by combined score"
	// Default: 20
	FocusRepoCount int

	// MaxStrikes is the hard cap; repos at or above it are ineligible
	// Default: 10
	MaxStrikes int

	// StaleAfter drops issues not updated within this period
	// Default: 2 years
	StaleAfter time.Duration

	// RepoActiveWithin drops repos with no upstream push in this period
	// (repos with unknown push time stay eligible)
	// Default: 30 days
	RepoActiveWithin time.Duration

	// BlockedOwners are owners known to block outside contributions (e.g. CLA orgs)
	BlockedOwners []string

	// ExemptOwners re-admits blocked owners (e.g. CLA already signed)
	ExemptOwners []string

	// ExcludeIssueIDs are issues the caller already tried and will not
	// pick again, whatever their claim state
	ExcludeIssueIDs []int64
}

// DefaultSelectionPolicy returns the production selection rules
func DefaultSelectionPolicy() SelectionPolicy {
	return SelectionPolicy{
		SupportedLanguages: []string{"Python", "JavaScript", "TypeScript", "Go", "Rust", "Ruby", "Java"},
		MinStars:           1000,
		ExcludedLabels:     []string{"good first issue", "good-first-issue", "beginner", "first-timers-only", "easy"},
		BountyLabels:       []string{"bounty", "💎 bounty", "💰"},
		FocusRepoCount:     20,
		MaxStrikes:         10,
		StaleAfter:         2 * 365 * 24 * time.Hour,
		RepoActiveWithin:   30 * 24 * time.Hour,
	}
}
