package factory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielalanbates/github-helper/internal/coord"
	"github.com/danielalanbates/github-helper/internal/cost"
	"github.com/danielalanbates/github-helper/internal/storage/sqlite"
	"github.com/danielalanbates/github-helper/internal/tiers"
	"github.com/danielalanbates/github-helper/internal/types"
	"github.com/danielalanbates/github-helper/internal/worklog"
)

// syncBuffer is a bytes.Buffer safe for the scheduler and its agents to
// write concurrently
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// fakeSpawner answers every spawn with fn and remembers the requests
type fakeSpawner struct {
	mu   sync.Mutex
	reqs []Request
	fn   func(req Request) (Result, error)
}

func (s *fakeSpawner) Spawn(_ context.Context, req Request) (Result, error) {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()
	if _, err := os.Stat(req.WorkDir); err != nil {
		return Result{}, fmt.Errorf("work dir missing: %w", err)
	}
	return s.fn(req)
}

func (s *fakeSpawner) requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.reqs...)
}

func exitWith(code int, stdout, stderr string) *fakeSpawner {
	return &fakeSpawner{fn: func(Request) (Result, error) {
		return Result{ExitCode: code, Stdout: stdout, Stderr: stderr, Duration: time.Second}, nil
	}}
}

type fakeProbe bool

func (p fakeProbe) InteractiveSession(context.Context) bool { return bool(p) }

// movableClock drives the coordinator through cooldowns without waiting
type movableClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *movableClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *movableClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	store   *sqlite.SQLiteStorage
	coord   *coord.Coordinator
	dist    *tiers.Distributor
	out     *syncBuffer
	cfg     Config
	deps    Deps
	sleeps  []time.Duration
	sleepMu sync.Mutex
	onSleep func(d time.Duration)
}

func newHarness(t *testing.T, coordOpts ...coord.Option) *harness {
	t.Helper()
	store, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), "dogood.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	out := &syncBuffer{}
	coordOpts = append([]coord.Option{coord.WithWarnings(out)}, coordOpts...)
	h := &harness{
		store: store,
		coord: coord.New(coord.NewMemoryStore(), coord.DefaultConfig(), coordOpts...),
		dist:  tiers.NewDistributor(tiers.DefaultTable(), tiers.WithOutput(out)),
		out:   out,
	}
	h.cfg = DefaultConfig()
	h.cfg.WorkRoot = t.TempDir()
	h.cfg.InstanceID = "test-instance"
	h.deps = Deps{
		Store:       store,
		Coordinator: h.coord,
		Distributor: h.dist,
		Out:         out,
	}
	return h
}

func (h *harness) factory(t *testing.T, spawner Spawner) *Factory {
	t.Helper()
	h.deps.Spawner = spawner
	n := 0
	var idMu sync.Mutex
	f, err := New(h.cfg, h.deps,
		WithSleep(func(ctx context.Context, d time.Duration) error {
			h.sleepMu.Lock()
			h.sleeps = append(h.sleeps, d)
			hook := h.onSleep
			h.sleepMu.Unlock()
			if hook != nil {
				hook(d)
			}
			return ctx.Err()
		}),
		WithIDGenerator(func() string {
			idMu.Lock()
			defer idMu.Unlock()
			n++
			return fmt.Sprintf("agent%04d", n)
		}),
	)
	require.NoError(t, err)
	return f
}

func (h *harness) seedIssue(t *testing.T, fullName string, number int, labels ...string) int64 {
	t.Helper()
	ctx := context.Background()
	recent := time.Now().Add(-24 * time.Hour)
	repoID, err := h.store.UpsertRepository(ctx, &types.Repository{
		FullName:      fullName,
		Stars:         5000,
		Language:      "Go",
		CombinedScore: 10,
		PushedAt:      &recent,
	})
	require.NoError(t, err)
	issueID, err := h.store.UpsertIssue(ctx, &types.Issue{
		RepoID:    repoID,
		Number:    number,
		Title:     "Fix the widget",
		Labels:    labels,
		CreatedAt: &recent,
		UpdatedAt: &recent,
	})
	require.NoError(t, err)
	return issueID
}

func (h *harness) onlyRun(t *testing.T) *types.AgentRun {
	t.Helper()
	runs, err := h.store.ListAgentRuns(context.Background(), false, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	return runs[0]
}

func (h *harness) claimStatus(t *testing.T, issueID int64) types.ClaimStatus {
	t.Helper()
	claim, err := h.store.GetClaim(context.Background(), issueID)
	require.NoError(t, err)
	require.NotNil(t, claim)
	return claim.Status
}

func TestNewRequiresCollaborators(t *testing.T) {
	h := newHarness(t)
	_, err := New(h.cfg, Deps{Store: h.store})
	assert.Error(t, err)

	bad := h.cfg
	bad.MaxConcurrent = 0
	_, err = New(bad, h.deps)
	assert.Error(t, err)
}

func TestRunEmptySelection(t *testing.T) {
	h := newHarness(t)
	spawner := exitWith(0, "", "")
	f := h.factory(t, spawner)

	stats, err := f.Run(context.Background(), 0)
	require.NoError(t, err)

	assert.Equal(t, types.RunStats{}, stats)
	assert.Empty(t, spawner.requests())
	assert.Contains(t, h.out.String(), "No eligible issues found.")

	claims, err := h.store.GetActiveClaims(context.Background())
	require.NoError(t, err)
	assert.Empty(t, claims)

	status, ok := h.coord.ReadStatus(context.Background())
	require.True(t, ok)
	assert.False(t, status.FactoryRunning)
	assert.Equal(t, "test-instance", status.InstanceID)
	assert.Equal(t, 0, status.ActiveAgents)
}

func TestRunSingleSuccess(t *testing.T) {
	h := newHarness(t)
	logPath := filepath.Join(t.TempDir(), "worklog.md")
	h.deps.WorkLog = worklog.New(logPath)
	budget, err := cost.NewTracker(&cost.Config{
		Enabled:             true,
		MaxCostUSD:          100,
		AlertThreshold:      0.8,
		BudgetResetInterval: time.Hour,
	})
	require.NoError(t, err)
	h.deps.Budget = budget

	issueID := h.seedIssue(t, "acme/widgets", 7, "bug")
	spawner := exitWith(0, "working...\nCreated https://github.com/acme/widgets/pull/99\n", "")
	f := h.factory(t, spawner)

	stats, err := f.Run(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, types.RunStats{Started: 1, Succeeded: 1}, stats)

	reqs := spawner.requests()
	require.Len(t, reqs, 1)
	req := reqs[0]
	assert.Equal(t, coord.AgentKindIssue, req.Kind)
	assert.Equal(t, issueID, req.IssueID)
	assert.Equal(t, "agent0001", req.AgentID)
	assert.False(t, req.Bounty)
	assert.Equal(t, WorkDirFor(h.cfg.WorkRoot, "agent0001"), req.WorkDir)

	assert.Equal(t, types.ClaimCompleted, h.claimStatus(t, issueID))

	run := h.onlyRun(t)
	assert.Equal(t, types.RunPRCreated, run.Status)
	assert.Equal(t, "https://github.com/acme/widgets/pull/99", run.PRURL)
	assert.Equal(t, req.Tier.Model, run.Model)
	assert.InDelta(t, req.Tier.MaxBudgetUSD, run.CostUSD, 0.001)
	assert.NotNil(t, run.FinishedAt)

	assert.InDelta(t, req.Tier.MaxBudgetUSD, budget.IssueCost("acme/widgets#7"), 0.001)

	_, err = os.Stat(req.WorkDir)
	assert.True(t, os.IsNotExist(err), "work dir should be removed")

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "PR SUBMITTED")
	assert.Contains(t, string(data), "https://github.com/acme/widgets/pull/99")

	assert.Equal(t, "none active", h.dist.Summary())
	status, ok := h.coord.ReadStatus(context.Background())
	require.True(t, ok)
	assert.Equal(t, 1, status.Stats.Succeeded)
	assert.Empty(t, status.Agents)
}

func TestRunOutcomes(t *testing.T) {
	tests := []struct {
		name      string
		spawner   *fakeSpawner
		wantStats types.RunStats
		wantClaim types.ClaimStatus
		wantRun   types.RunStatus
		wantError string
	}{
		{
			name:      "skip",
			spawner:   exitWith(2, "looking\nalready fixed upstream\n", ""),
			wantStats: types.RunStats{Started: 1, Skipped: 1},
			wantClaim: types.ClaimCompleted,
			wantRun:   types.RunSkipped,
			wantError: "skipped: already fixed upstream",
		},
		{
			name:      "no change",
			spawner:   exitWith(0, "No changes needed\n", ""),
			wantStats: types.RunStats{Started: 1, Failed: 1},
			wantClaim: types.ClaimReleased,
			wantRun:   types.RunFailed,
			wantError: "No changes made",
		},
		{
			name:      "error",
			spawner:   exitWith(1, "", "fatal: boom"),
			wantStats: types.RunStats{Started: 1, Failed: 1},
			wantClaim: types.ClaimReleased,
			wantRun:   types.RunFailed,
			wantError: "fatal: boom",
		},
		{
			name:      "rate limited",
			spawner:   exitWith(1, "", "Error: rate limit exceeded, resets 5pm"),
			wantStats: types.RunStats{Started: 1, Failed: 1, Escalated: 1},
			wantClaim: types.ClaimReleased,
			wantRun:   types.RunFailed,
			wantError: "Rate limited - resets 5pm",
		},
		{
			name: "spawn error",
			spawner: &fakeSpawner{fn: func(Request) (Result, error) {
				return Result{}, errors.New("failed to start agent: no such file")
			}},
			wantStats: types.RunStats{Started: 1, Failed: 1},
			wantClaim: types.ClaimReleased,
			wantRun:   types.RunFailed,
			wantError: "failed to start agent: no such file",
		},
		{
			name: "panic",
			spawner: &fakeSpawner{fn: func(Request) (Result, error) {
				panic("solver exploded")
			}},
			wantStats: types.RunStats{Started: 1, Failed: 1},
			wantClaim: types.ClaimReleased,
			wantRun:   types.RunFailed,
			wantError: "agent panic: solver exploded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			issueID := h.seedIssue(t, "acme/widgets", 1)
			f := h.factory(t, tt.spawner)

			stats, err := f.Run(context.Background(), 1)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStats, stats)
			assert.Equal(t, tt.wantClaim, h.claimStatus(t, issueID))

			run := h.onlyRun(t)
			assert.Equal(t, tt.wantRun, run.Status)
			assert.Equal(t, tt.wantError, run.Error)

			entries, err := os.ReadDir(h.cfg.WorkRoot)
			require.NoError(t, err)
			assert.Empty(t, entries, "work dirs should be cleaned up")
			assert.Equal(t, "none active", h.dist.Summary())
		})
	}
}

func TestRunLaunchesEachIssueOncePerRun(t *testing.T) {
	tests := []struct {
		name      string
		spawner   *fakeSpawner
		wantStats types.RunStats
		wantClaim types.ClaimStatus
	}{
		{
			name:      "failed",
			spawner:   exitWith(1, "", "fatal: boom"),
			wantStats: types.RunStats{Started: 2, Failed: 2},
			wantClaim: types.ClaimReleased,
		},
		{
			name:      "skipped",
			spawner:   exitWith(2, "nothing to do\n", ""),
			wantStats: types.RunStats{Started: 2, Skipped: 2},
			wantClaim: types.ClaimCompleted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.cfg.MaxConcurrent = 1
			first := h.seedIssue(t, "acme/widgets", 1)
			second := h.seedIssue(t, "acme/widgets", 2)
			f := h.factory(t, tt.spawner)

			stats, err := f.Run(context.Background(), 6)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStats, stats)

			var launched []int64
			for _, req := range tt.spawner.requests() {
				launched = append(launched, req.IssueID)
			}
			assert.ElementsMatch(t, []int64{first, second}, launched)

			runs, err := h.store.ListAgentRuns(context.Background(), false, 0)
			require.NoError(t, err)
			assert.Len(t, runs, 2)
			assert.Equal(t, tt.wantClaim, h.claimStatus(t, first))
			assert.Equal(t, tt.wantClaim, h.claimStatus(t, second))
			assert.Contains(t, h.out.String(), "No eligible issues found.")
		})
	}
}

func TestRunAttemptsResetBetweenRuns(t *testing.T) {
	h := newHarness(t)
	issueID := h.seedIssue(t, "acme/widgets", 1)
	spawner := exitWith(1, "", "fatal: boom")
	f := h.factory(t, spawner)

	stats, err := f.Run(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Started)

	stats, err = f.Run(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Started, "a later run may retry the issue")

	reqs := spawner.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, issueID, reqs[1].IssueID)
}

// runRecordFailingStore fails the first n RecordAgentRun calls
type runRecordFailingStore struct {
	*sqlite.SQLiteStorage
	mu   sync.Mutex
	fail int
}

func (s *runRecordFailingStore) RecordAgentRun(ctx context.Context, run *types.AgentRun) error {
	s.mu.Lock()
	if s.fail > 0 {
		s.fail--
		s.mu.Unlock()
		return errors.New("disk I/O error")
	}
	s.mu.Unlock()
	return s.SQLiteStorage.RecordAgentRun(ctx, run)
}

func TestRunLaunchFailureMovesToNextIssue(t *testing.T) {
	h := newHarness(t)
	first := h.seedIssue(t, "acme/widgets", 1)
	second := h.seedIssue(t, "acme/widgets", 2)
	h.deps.Store = &runRecordFailingStore{SQLiteStorage: h.store, fail: 1}
	spawner := exitWith(2, "skip", "")
	f := h.factory(t, spawner)

	stats, err := f.Run(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, types.RunStats{Started: 1, Skipped: 1}, stats)

	reqs := spawner.requests()
	require.Len(t, reqs, 1)
	launched := reqs[0].IssueID
	dropped := first
	if launched == first {
		dropped = second
	}
	assert.Equal(t, types.ClaimReleased, h.claimStatus(t, dropped))
	assert.Equal(t, "none active", h.dist.Summary())
}

func TestRunRateLimitReportsEverywhere(t *testing.T) {
	h := newHarness(t)
	h.seedIssue(t, "acme/widgets", 1)
	f := h.factory(t, exitWith(1, "You've hit your limit", ""))

	_, err := f.Run(context.Background(), 1)
	require.NoError(t, err)

	model := h.onlyRun(t).Model
	assert.True(t, h.dist.IsSaturated(model))
	assert.True(t, h.coord.IsInCooldown(context.Background()))
	state := h.coord.RateLimitState(context.Background())
	require.Len(t, state.Reporters, 1)
	assert.Equal(t, "agent0001", state.Reporters[0].AgentID)
}

func TestRunBountyGetsTopTier(t *testing.T) {
	h := newHarness(t)
	h.seedIssue(t, "acme/widgets", 3, "bounty")
	spawner := exitWith(2, "skip", "")
	f := h.factory(t, spawner)

	_, err := f.Run(context.Background(), 1)
	require.NoError(t, err)

	reqs := spawner.requests()
	require.Len(t, reqs, 1)
	assert.True(t, reqs[0].Bounty)
	assert.Equal(t, coord.AgentKindBounty, reqs[0].Kind)
	assert.Equal(t, tiers.DefaultTable().Top(), reqs[0].Tier)
}

func TestRunBountyTopTierCap(t *testing.T) {
	h := newHarness(t)
	issueID := h.seedIssue(t, "acme/widgets", 3, "bounty")
	top := tiers.DefaultTable().Top()
	for i := 0; i < h.cfg.MaxTopTierPerIssue; i++ {
		require.NoError(t, h.store.RecordAgentRun(context.Background(), &types.AgentRun{
			ID:      fmt.Sprintf("old-%d", i),
			IssueID: &issueID,
			Model:   top.Model,
			Effort:  top.Effort,
			Status:  types.RunFailed,
		}))
	}
	spawner := exitWith(2, "skip", "")
	f := h.factory(t, spawner)

	_, err := f.Run(context.Background(), 1)
	require.NoError(t, err)

	reqs := spawner.requests()
	require.Len(t, reqs, 1)
	assert.Less(t, reqs[0].Tier.Number, top.Number)
}

func TestRunReservedTagGoesFirst(t *testing.T) {
	h := newHarness(t)
	h.seedIssue(t, "acme/popular", 1)
	taggedIssue := h.seedIssue(t, "faith/app", 2)
	repo, err := h.store.GetRepository(context.Background(), "faith/app")
	require.NoError(t, err)
	require.NoError(t, h.store.SetRepoTags(context.Background(), repo.ID, []string{"christian"}))

	spawner := exitWith(2, "skip", "")
	f := h.factory(t, spawner)

	_, err = f.Run(context.Background(), 1)
	require.NoError(t, err)

	reqs := spawner.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, taggedIssue, reqs[0].IssueID)
	assert.Equal(t, coord.AgentKindTagged, reqs[0].Kind)
}

// contendedStore loses the first n claims to another scheduler
type contendedStore struct {
	*sqlite.SQLiteStorage
	mu   sync.Mutex
	lose int
}

func (s *contendedStore) ClaimIssue(ctx context.Context, issueID int64, agentID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	if s.lose > 0 {
		s.lose--
		s.mu.Unlock()
		return false, nil
	}
	s.mu.Unlock()
	return s.SQLiteStorage.ClaimIssue(ctx, issueID, agentID, ttl)
}

func TestRunClaimContention(t *testing.T) {
	h := newHarness(t)
	issueID := h.seedIssue(t, "acme/widgets", 1)
	h.deps.Store = &contendedStore{SQLiteStorage: h.store, lose: 1}
	spawner := exitWith(2, "skip", "")
	f := h.factory(t, spawner)

	stats, err := f.Run(context.Background(), 1)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Started)
	assert.Contains(t, h.out.String(), "Claim lost on acme/widgets#1")
	reqs := spawner.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, issueID, reqs[0].IssueID)
	assert.Equal(t, "agent0002", reqs[0].AgentID)
}

// failingStore breaks selection
type failingStore struct {
	*sqlite.SQLiteStorage
}

func (failingStore) NextUnclaimedIssue(context.Context, types.SelectionPolicy) (*types.Candidate, error) {
	return nil, errors.New("database is locked")
}

func TestRunSelectionErrorIsFatal(t *testing.T) {
	h := newHarness(t)
	h.deps.Store = failingStore{h.store}
	f := h.factory(t, exitWith(0, "", ""))

	_, err := f.Run(context.Background(), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")

	status, ok := h.coord.ReadStatus(context.Background())
	require.True(t, ok)
	assert.False(t, status.FactoryRunning)
}

func (h *harness) seedFeedback(t *testing.T, mandatory string) int64 {
	t.Helper()
	ctx := context.Background()
	repoID, err := h.store.UpsertRepository(ctx, &types.Repository{FullName: "acme/review", Stars: 5000, Language: "Go"})
	require.NoError(t, err)
	id, err := h.store.RecordContribution(ctx, &types.Contribution{
		RepoID:         &repoID,
		Action:         "pr",
		PRURL:          "https://github.com/acme/review/pull/5",
		FeedbackStatus: types.FeedbackNeedsRevision,
		FeedbackText:   "please add tests",
		Reviewer:       "maintainer",
		MandatoryModel: mandatory,
	})
	require.NoError(t, err)
	return id
}

func (h *harness) feedbackStatus(t *testing.T, contributionID int64) types.FeedbackStatus {
	t.Helper()
	var status string
	err := h.store.DB().QueryRowContext(context.Background(),
		"SELECT feedback_status FROM contributions WHERE id = ?", contributionID).Scan(&status)
	require.NoError(t, err)
	return types.FeedbackStatus(status)
}

func TestRunFeedbackAddressed(t *testing.T) {
	h := newHarness(t)
	logPath := filepath.Join(t.TempDir(), "worklog.md")
	h.deps.WorkLog = worklog.New(logPath)
	id := h.seedFeedback(t, "sonnet-high")
	spawner := exitWith(0, "pushed revision\n", "")
	f := h.factory(t, spawner)

	stats, err := f.Run(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, types.RunStats{Started: 1, Succeeded: 1}, stats)

	reqs := spawner.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, coord.AgentKindFeedback, reqs[0].Kind)
	assert.Equal(t, id, reqs[0].ContributionID)
	assert.Equal(t, "sonnet-high", reqs[0].Tier.Label)

	assert.Equal(t, types.FeedbackAddressed, h.feedbackStatus(t, id))
	run := h.onlyRun(t)
	assert.Equal(t, types.RunPRCreated, run.Status)
	assert.Equal(t, "https://github.com/acme/review/pull/5", run.PRURL)

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "FEEDBACK ADDRESSED")
	assert.Contains(t, h.out.String(), "[FEEDBACK]")
}

func TestRunFeedbackRetryCap(t *testing.T) {
	h := newHarness(t)
	id := h.seedFeedback(t, "")
	spawner := exitWith(1, "", "tests still failing")
	f := h.factory(t, spawner)

	for i := 0; i < h.cfg.MaxFeedbackRetries && len(spawner.requests()) < h.cfg.MaxFeedbackRetries; i++ {
		_, err := f.Run(context.Background(), 0)
		require.NoError(t, err)
	}

	reqs := spawner.requests()
	require.Len(t, reqs, h.cfg.MaxFeedbackRetries)
	assert.Equal(t, tiers.DefaultTable().Top(), reqs[0].Tier)
	assert.Equal(t, types.FeedbackSkipped, h.feedbackStatus(t, id))
	assert.Equal(t, h.cfg.MaxFeedbackRetries, f.Stats().Failed)

	// Skipped contributions leave the queue for good
	_, err := f.Run(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, spawner.requests(), h.cfg.MaxFeedbackRetries)
}

func TestRunPriorityPause(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.coord.SetPriorityAgentCount(ctx, 2)
	h.onSleep = func(d time.Duration) {
		if d == h.cfg.PriorityPause {
			h.coord.SetPriorityAgentCount(ctx, 0)
		}
	}
	f := h.factory(t, exitWith(0, "", ""))

	_, err := f.Run(ctx, 0)
	require.NoError(t, err)
	assert.Contains(t, h.out.String(), "[PAUSED] 2 priority agents running")
	assert.Contains(t, h.sleeps, h.cfg.PriorityPause)
}

func TestRunWaitsOutCooldown(t *testing.T) {
	clock := &movableClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	h := newHarness(t, coord.WithClock(clock.Now))
	ctx := context.Background()
	h.coord.ReportRateLimit(ctx, "sibling")
	h.onSleep = clock.Advance
	f := h.factory(t, exitWith(0, "", ""))

	_, err := f.Run(ctx, 0)
	require.NoError(t, err)
	assert.Contains(t, h.out.String(), "[COOLDOWN]")
	require.NotEmpty(t, h.sleeps)
	assert.Equal(t, coord.DefaultConfig().Cooldown+h.cfg.CooldownGrace, h.sleeps[0])
}

func TestRunStopsWhenBudgetExhausted(t *testing.T) {
	h := newHarness(t)
	budget, err := cost.NewTracker(&cost.Config{
		Enabled:             true,
		MaxCostUSD:          1,
		AlertThreshold:      0.8,
		BudgetResetInterval: time.Hour,
	})
	require.NoError(t, err)
	budget.Record("earlier", 1)
	h.deps.Budget = budget
	h.seedIssue(t, "acme/widgets", 1)
	spawner := exitWith(0, "", "")
	f := h.factory(t, spawner)

	stats, err := f.Run(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Started)
	assert.Empty(t, spawner.requests())
	assert.Contains(t, h.out.String(), "Budget exhausted: run budget exhausted ($1.00/$1.00 used)")
}

func TestRunThrottlesForInteractiveSession(t *testing.T) {
	h := newHarness(t)
	h.deps.Probe = fakeProbe(true)
	f := h.factory(t, exitWith(0, "", ""))

	_, err := f.Run(context.Background(), 0)
	require.NoError(t, err)
	assert.Contains(t, h.out.String(), "[THROTTLE] Interactive session detected - concurrency 3 -> 1")
	assert.Equal(t, 3, f.MaxConcurrent(), "the configured limit survives the throttle")
}

func TestRunAppliesConcurrencyReduction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.coord.RequestConcurrencyReduction(ctx)
	h.coord.RequestConcurrencyReduction(ctx)
	h.coord.RequestConcurrencyReduction(ctx)
	f := h.factory(t, exitWith(0, "", ""))

	_, err := f.Run(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, f.MaxConcurrent())
	assert.Contains(t, h.out.String(), "[THROTTLE] Reduction requested - concurrency 3 -> 1")
}

func TestRunShedsSlotWhenAllTiersSaturated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	table := tiers.DefaultTable()
	for _, model := range []string{table[0].Model, table.Top().Model} {
		h.dist.ReportRateLimit(ctx, model)
		h.dist.ReportRateLimit(ctx, model)
	}
	require.True(t, h.dist.IsAtMaxTier())
	h.coord.SignalModelRateLimit(ctx, table.Top().Model)
	f := h.factory(t, exitWith(0, "", ""))

	_, err := f.Run(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, f.MaxConcurrent())
	assert.Contains(t, h.out.String(), "All tiers saturated - reducing concurrency 3 -> 2")
	assert.False(t, h.coord.PeekModelSignal(ctx, h.cfg.ModelSignalMaxAge))
}

func TestRunModelSignalRaisesFloor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sonnet := tiers.DefaultTable()[0].Model
	h.dist.ReportRateLimit(ctx, sonnet)
	h.coord.SignalModelRateLimit(ctx, sonnet)
	f := h.factory(t, exitWith(0, "", ""))

	_, err := f.Run(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, h.dist.Floor())
	assert.Equal(t, 3, f.MaxConcurrent())
	assert.Contains(t, h.out.String(), "[TIER SHIFT]")
}

func TestRunCancelled(t *testing.T) {
	h := newHarness(t)
	h.seedIssue(t, "acme/widgets", 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	spawner := exitWith(0, "", "")
	f := h.factory(t, spawner)

	stats, err := f.Run(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Started)
	assert.Empty(t, spawner.requests())
	assert.Contains(t, h.out.String(), "Interrupted")
}
