package types

import (
	"fmt"
	"strings"
	"time"
)

// Repository is an upstream GitHub repository discovered by the scanner
type Repository struct {
	ID            int64      `json:"id"`
	GitHubID      *int64     `json:"github_id,omitempty"`
	Owner         string     `json:"owner"`
	Name          string     `json:"name"`
	FullName      string     `json:"full_name"`
	URL           string     `json:"url,omitempty"`
	Stars         int        `json:"stars"`
	Language      string     `json:"language,omitempty"`
	Description   string     `json:"description,omitempty"`
	Topics        []string   `json:"topics,omitempty"`
	Tags          []string   `json:"tags,omitempty"`
	CombinedScore float64    `json:"combined_score"`
	PushedAt      *time.Time `json:"pushed_at,omitempty"`
	LastScanned   *time.Time `json:"last_scanned,omitempty"`
}

// Validate checks if the repository has valid field values
func (r *Repository) Validate() error {
	if r.FullName == "" && (r.Owner == "" || r.Name == "") {
		return fmt.Errorf("full_name or owner/name is required")
	}
	if r.FullName != "" && !strings.Contains(r.FullName, "/") {
		return fmt.Errorf("full_name must be owner/name (got %q)", r.FullName)
	}
	if r.Stars < 0 {
		return fmt.Errorf("stars cannot be negative")
	}
	return nil
}

// Normalize fills FullName from Owner/Name or the other way around
func (r *Repository) Normalize() {
	if r.FullName == "" {
		r.FullName = r.Owner + "/" + r.Name
		return
	}
	owner, name, ok := strings.Cut(r.FullName, "/")
	if !ok {
		return
	}
	if r.Owner == "" {
		r.Owner = owner
	}
	if r.Name == "" {
		r.Name = name
	}
}

// IssueState is the upstream state of a work item
type IssueState string

const (
	IssueOpen   IssueState = "open"
	IssueClosed IssueState = "closed"
)

// IsValid checks if the state value is valid
func (s IssueState) IsValid() bool {
	switch s {
	case IssueOpen, IssueClosed:
		return true
	}
	return false
}

// Issue is an externally sourced unit of work identified by (repo, number)
type Issue struct {
	ID            int64      `json:"id"`
	GitHubID      *int64     `json:"github_id,omitempty"`
	RepoID        int64      `json:"repo_id"`
	Number        int        `json:"number"`
	Title         string     `json:"title"`
	Body          string     `json:"body,omitempty"`
	Labels        []string   `json:"labels"`
	State         IssueState `json:"state"`
	IsAssigned    bool       `json:"is_assigned"`
	PriorityScore float64    `json:"priority_score"`
	CreatedAt     *time.Time `json:"created_at,omitempty"`
	UpdatedAt     *time.Time `json:"updated_at,omitempty"`
}

// Validate checks if the issue has valid field values
func (i *Issue) Validate() error {
	if i.RepoID <= 0 {
		return fmt.Errorf("repo_id is required")
	}
	if i.Number <= 0 {
		return fmt.Errorf("number must be positive (got %d)", i.Number)
	}
	if i.State == "" {
		i.State = IssueOpen
	}
	if !i.State.IsValid() {
		return fmt.Errorf("invalid state: %s", i.State)
	}
	return nil
}

// Candidate is one row of the selection query: the issue joined with the
// repo facts the ranking used
type Candidate struct {
	Issue
	FullName      string     `json:"full_name"`
	Owner         string     `json:"owner"`
	RepoName      string     `json:"repo_name"`
	RepoURL       string     `json:"repo_url,omitempty"`
	Language      string     `json:"language"`
	Stars         int        `json:"stars"`
	CombinedScore float64    `json:"combined_score"`
	IsSponsor     bool       `json:"is_sponsor"`
	IsBounty      bool       `json:"is_bounty"`
	IsFocusRepo   bool       `json:"is_focus_repo"`
	RepoMerges    int        `json:"repo_merges"`
	RepoStrikes   int        `json:"repo_strikes"`
	LastMergeAt   *time.Time `json:"last_merge_at,omitempty"`
	// Tag is set when the candidate came from the reserved-tag query
	Tag string `json:"tag,omitempty"`
}

// Ref renders owner/name#number for log lines
func (c *Candidate) Ref() string {
	return fmt.Sprintf("%s#%d", c.FullName, c.Number)
}

// ClaimStatus is the state of a lease on a work item
type ClaimStatus string

const (
	ClaimActive    ClaimStatus = "active"
	ClaimCompleted ClaimStatus = "completed"
	ClaimReleased  ClaimStatus = "released"
	ClaimExpired   ClaimStatus = "expired"
)

// IsValid checks if the claim status value is valid
func (s ClaimStatus) IsValid() bool {
	switch s {
	case ClaimActive, ClaimCompleted, ClaimReleased, ClaimExpired:
		return true
	}
	return false
}

// IsTerminal reports whether the status ends a claim
func (s ClaimStatus) IsTerminal() bool {
	return s.IsValid() && s != ClaimActive
}

// Claim is a short-lived exclusive lease on one work item
type Claim struct {
	IssueID   int64       `json:"issue_id"`
	AgentID   string      `json:"agent_id"`
	ClaimedAt time.Time   `json:"claimed_at"`
	ExpiresAt time.Time   `json:"expires_at"`
	Status    ClaimStatus `json:"status"`
}

// Expired reports whether the claim is logically free at now
func (c *Claim) Expired(now time.Time) bool {
	return c.ExpiresAt.Before(now)
}

// RunStatus tracks one agent subprocess execution
type RunStatus string

const (
	RunStarting  RunStatus = "starting"
	RunCloning   RunStatus = "cloning"
	RunFixing    RunStatus = "fixing"
	RunPushing   RunStatus = "pushing"
	RunPRCreated RunStatus = "pr_created"
	RunFailed    RunStatus = "failed"
	RunEscalated RunStatus = "escalated"
	RunSkipped   RunStatus = "skipped"
)

// IsValid checks if the run status value is valid
func (s RunStatus) IsValid() bool {
	switch s {
	case RunStarting, RunCloning, RunFixing, RunPushing,
		RunPRCreated, RunFailed, RunEscalated, RunSkipped:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions happen after s
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunPRCreated, RunFailed, RunEscalated, RunSkipped:
		return true
	}
	return false
}

// AgentRun is the audit record of one subprocess execution
type AgentRun struct {
	ID         string     `json:"id"`
	IssueID    *int64     `json:"issue_id,omitempty"`
	RepoID     *int64     `json:"repo_id,omitempty"`
	Model      string     `json:"model"`
	Effort     string     `json:"effort"`
	Status     RunStatus  `json:"status"`
	WorkDir    string     `json:"work_dir,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	CostUSD    float64    `json:"cost_usd"`
	PRURL      string     `json:"pr_url,omitempty"`
	Error      string     `json:"error,omitempty"`

	// Joined for display
	FullName    string `json:"full_name,omitempty"`
	IssueNumber int    `json:"issue_number,omitempty"`
	IssueTitle  string `json:"issue_title,omitempty"`
}

// Validate checks if the agent run has valid field values
func (r *AgentRun) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if r.Model == "" {
		return fmt.Errorf("model is required")
	}
	if r.Effort == "" {
		return fmt.Errorf("effort is required")
	}
	if r.Status == "" {
		r.Status = RunStarting
	}
	if !r.Status.IsValid() {
		return fmt.Errorf("invalid run status: %s", r.Status)
	}
	return nil
}

// RunUpdate is a partial update of an agent run; nil fields are left alone
type RunUpdate struct {
	Status     *RunStatus
	Error      *string
	PRURL      *string
	CostUSD    *float64
	FinishedAt *time.Time
}

// RepoStrikes is the per-repository loyalty/strike record
type RepoStrikes struct {
	RepoID          int64      `json:"repo_id"`
	FullName        string     `json:"full_name"`
	Strikes         int        `json:"strikes"`
	Merges          int        `json:"merges"`
	LastPRAt        *time.Time `json:"last_pr_at,omitempty"`
	LastMergeAt     *time.Time `json:"last_merge_at,omitempty"`
	LastRejectionAt *time.Time `json:"last_rejection_at,omitempty"`
	CooldownUntil   *time.Time `json:"cooldown_until,omitempty"`
	UpdatedAt       *time.Time `json:"updated_at,omitempty"`
}

// InCooldown reports whether the repo is still cooling down at now
func (s *RepoStrikes) InCooldown(now time.Time) bool {
	return s.CooldownUntil != nil && s.CooldownUntil.After(now)
}

// BlacklistEntry is a durable repo-level exclusion
type BlacklistEntry struct {
	RepoID        *int64     `json:"repo_id,omitempty"`
	FullName      string     `json:"full_name"`
	Reason        string     `json:"reason"`
	Details       string     `json:"details,omitempty"`
	BlacklistedAt time.Time  `json:"blacklisted_at"`
	ForgivenAt    *time.Time `json:"forgiven_at,omitempty"`
}

// Active reports whether the entry still blocks the repo
func (b *BlacklistEntry) Active() bool {
	return b.ForgivenAt == nil
}

// SponsorSource records where a sponsor was detected
type SponsorSource string

const (
	SponsorComment SponsorSource = "comment"
	SponsorMention SponsorSource = "mention"
	SponsorEmail   SponsorSource = "email"
)

// IsValid checks if the sponsor source value is valid
func (s SponsorSource) IsValid() bool {
	switch s {
	case SponsorComment, SponsorMention, SponsorEmail:
		return true
	}
	return false
}

// Sponsor is a GitHub user who supports the project
type Sponsor struct {
	Username     string        `json:"github_username"`
	RepoFullName string        `json:"repo_full_name,omitempty"`
	Source       SponsorSource `json:"source"`
	Details      string        `json:"details,omitempty"`
}

// RateWindow is the DB-backed fixed-window counter for one resource
type RateWindow struct {
	Resource     string    `json:"resource"`
	RequestsMade int       `json:"requests_made"`
	WindowStart  time.Time `json:"window_start"`
	Limit        int       `json:"limit_per_window"`
}

// FeedbackStatus is the revision state of a submitted contribution
type FeedbackStatus string

const (
	FeedbackNeedsRevision FeedbackStatus = "needs_revision"
	FeedbackInProgress    FeedbackStatus = "in_progress"
	FeedbackAddressed     FeedbackStatus = "addressed"
	FeedbackSkipped       FeedbackStatus = "skipped"
)

// IsValid checks if the feedback status value is valid
func (s FeedbackStatus) IsValid() bool {
	switch s {
	case FeedbackNeedsRevision, FeedbackInProgress, FeedbackAddressed, FeedbackSkipped:
		return true
	}
	return false
}

// Contribution is a prior action taken against an issue (usually a PR)
type Contribution struct {
	ID             int64          `json:"id"`
	IssueID        *int64         `json:"issue_id,omitempty"`
	RepoID         *int64         `json:"repo_id,omitempty"`
	Action         string         `json:"action"`
	Status         string         `json:"status"`
	PRURL          string         `json:"pr_url,omitempty"`
	AgentID        string         `json:"agent_id,omitempty"`
	ModelUsed      string         `json:"model_used,omitempty"`
	FeedbackStatus FeedbackStatus `json:"feedback_status,omitempty"`
	FeedbackText   string         `json:"feedback_text,omitempty"`
	Reviewer       string         `json:"feedback_reviewer,omitempty"`
	MandatoryModel string         `json:"mandatory_model,omitempty"`
}

// FeedbackItem is a contribution queued for an automated revision
type FeedbackItem struct {
	ContributionID int64  `json:"contribution_id"`
	IssueID        *int64 `json:"issue_id,omitempty"`
	RepoID         *int64 `json:"repo_id,omitempty"`
	FullName       string `json:"full_name"`
	PRURL          string `json:"pr_url,omitempty"`
	FeedbackText   string `json:"feedback_text,omitempty"`
	Reviewer       string `json:"feedback_reviewer,omitempty"`
	MandatoryModel string `json:"mandatory_model,omitempty"`
}

// RunStats counts what one factory run did
type RunStats struct {
	Started   int `json:"started"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Escalated int `json:"escalated"`
}
