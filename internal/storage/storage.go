package storage

import (
	"context"
	"time"

	"github.com/danielalanbates/github-helper/internal/storage/sqlite"
	"github.com/danielalanbates/github-helper/internal/types"
)

// Storage defines the interface for the shared state store
type Storage interface {
	// Repositories and issues (written by the discovery collaborator)
	UpsertRepository(ctx context.Context, repo *types.Repository) (int64, error)
	UpsertIssue(ctx context.Context, issue *types.Issue) (int64, error)
	GetRepository(ctx context.Context, fullName string) (*types.Repository, error)
	SetRepoTags(ctx context.Context, repoID int64, tags []string) error
	UpdateScores(ctx context.Context, repoID int64, combinedScore float64) error
	SetIssuePriority(ctx context.Context, issueID int64, priorityScore float64) error
	RecordContribution(ctx context.Context, c *types.Contribution) (int64, error)

	// Issue selection
	NextUnclaimedIssue(ctx context.Context, policy types.SelectionPolicy) (*types.Candidate, error)
	NextTaggedIssue(ctx context.Context, tag string, policy types.SelectionPolicy) (*types.Candidate, error)

	// Claims
	ClaimIssue(ctx context.Context, issueID int64, agentID string, ttl time.Duration) (bool, error)
	ReleaseClaim(ctx context.Context, issueID int64, agentID string, status types.ClaimStatus) error
	GetActiveClaims(ctx context.Context) ([]*types.Claim, error)

	// Agent runs
	RecordAgentRun(ctx context.Context, run *types.AgentRun) error
	UpdateAgentRun(ctx context.Context, id string, update types.RunUpdate) error
	GetAgentRun(ctx context.Context, id string) (*types.AgentRun, error)
	ListAgentRuns(ctx context.Context, activeOnly bool, limit int) ([]*types.AgentRun, error)
	TopTierAttemptsForIssue(ctx context.Context, issueID int64, model string) (int, error)

	// Feedback revisions
	NextFeedbackRevision(ctx context.Context) (*types.FeedbackItem, error)
	UpdateFeedbackStatus(ctx context.Context, contributionID int64, status types.FeedbackStatus) error

	// Blacklist
	AddToBlacklist(ctx context.Context, entry *types.BlacklistEntry) error
	ForgiveRepo(ctx context.Context, fullName string) error
	IsBlacklisted(ctx context.Context, fullName string) (bool, error)
	ListBlacklist(ctx context.Context) ([]*types.BlacklistEntry, error)

	// Sponsors
	AddSponsor(ctx context.Context, sponsor *types.Sponsor) error
	ListSponsorRepos(ctx context.Context) ([]string, error)

	// Strikes and loyalty
	RecordPRSubmitted(ctx context.Context, repoID int64, fullName string) error
	RecordPRMerged(ctx context.Context, repoID int64, fullName string) error
	RecordPRRejected(ctx context.Context, repoID int64, fullName string, cooldown time.Duration) error
	RedeemStrikes(ctx context.Context, repoID int64, count int) error
	GetRepoStrikes(ctx context.Context, fullName string) (*types.RepoStrikes, error)
	ListLoyaltyRepos(ctx context.Context, maxStrikes, limit int) ([]*types.RepoStrikes, error)

	// Rate limit windows
	GetRateWindow(ctx context.Context, resource string) (*types.RateWindow, error)
	ResetRateWindow(ctx context.Context, resource string, start time.Time) error
	IncrementRateWindow(ctx context.Context, resource string) error
	SetRateLimit(ctx context.Context, resource string, limit int) error

	// Coordination documents
	LoadDocument(ctx context.Context, name string) ([]byte, error)
	SaveDocument(ctx context.Context, name string, body []byte) error
	DeleteDocument(ctx context.Context, name string) error

	// Lifecycle
	Migrate(ctx context.Context) (int, error)
	Close() error
}

// Config holds database configuration
type Config struct {
	// Path is the SQLite database file path
	// Default: "data/dogood.db"
	Path string

	// Clock overrides the time source used in SQL comparisons (tests)
	Clock func() time.Time
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Path: "data/dogood.db",
	}
}

// NewStorage opens the SQLite store, bootstrapping the schema and applying
// pending migrations before it returns
func NewStorage(ctx context.Context, cfg *Config) (Storage, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	// Default to standard path if not specified
	if cfg.Path == "" {
		cfg.Path = "data/dogood.db"
	}

	var opts []sqlite.Option
	if cfg.Clock != nil {
		opts = append(opts, sqlite.WithClock(cfg.Clock))
	}
	return sqlite.New(ctx, cfg.Path, opts...)
}
