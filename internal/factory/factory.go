// Package factory is the scheduler: it picks work from the shared store,
// claims it, assigns a model tier and supervises one solver subprocess per
// agent while yielding to rate limits, budgets and priority work.
package factory

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/danielalanbates/github-helper/internal/coord"
	"github.com/danielalanbates/github-helper/internal/cost"
	"github.com/danielalanbates/github-helper/internal/telemetry"
	"github.com/danielalanbates/github-helper/internal/tiers"
	"github.com/danielalanbates/github-helper/internal/types"
	"github.com/danielalanbates/github-helper/internal/worklog"
)

// Store is the slice of the shared database the scheduler uses.
// SQLiteStorage implements it.
type Store interface {
	NextUnclaimedIssue(ctx context.Context, policy types.SelectionPolicy) (*types.Candidate, error)
	NextTaggedIssue(ctx context.Context, tag string, policy types.SelectionPolicy) (*types.Candidate, error)
	ClaimIssue(ctx context.Context, issueID int64, agentID string, ttl time.Duration) (bool, error)
	ReleaseClaim(ctx context.Context, issueID int64, agentID string, status types.ClaimStatus) error
	RecordAgentRun(ctx context.Context, run *types.AgentRun) error
	UpdateAgentRun(ctx context.Context, id string, update types.RunUpdate) error
	TopTierAttemptsForIssue(ctx context.Context, issueID int64, model string) (int, error)
	NextFeedbackRevision(ctx context.Context) (*types.FeedbackItem, error)
	UpdateFeedbackStatus(ctx context.Context, contributionID int64, status types.FeedbackStatus) error
}

// SlotWaiter blocks until a shared request quota has room.
// *ratelimit.SharedRateLimiter implements it.
type SlotWaiter interface {
	WaitForSlot(ctx context.Context, resource string) error
}

// WorkLog records human-readable outcomes. *worklog.LogWriter implements it.
type WorkLog interface {
	Log(title string, fields ...worklog.Field) error
}

// Deps are the collaborators a Factory drives
type Deps struct {
	Store       Store              // Required
	Coordinator *coord.Coordinator // Required
	Distributor *tiers.Distributor // Required
	Spawner     Spawner            // Required
	Limiter     SlotWaiter         // Optional, no quota wait when nil
	Budget      *cost.Tracker      // Optional, unlimited when nil
	WorkLog     WorkLog            // Optional
	Probe       Probe              // Optional, never throttles when nil
	Metrics     *telemetry.Metrics // Optional
	Out         io.Writer          // Progress lines (default: stdout)
}

// Factory runs agents until the work, the budget or the context runs out
type Factory struct {
	cfg   Config
	deps  Deps
	out   io.Writer
	outMu sync.Mutex

	sleep     func(ctx context.Context, d time.Duration) error
	newID     func() string
	probeGate rate.Sometimes
	wake      <-chan string
	wg        sync.WaitGroup

	mu              sync.Mutex
	stats           types.RunStats
	maxConcurrent   int
	sem             *semaphore.Weighted
	semCap          int
	throttled       bool
	active          map[string]coord.ActiveAgent
	reservedActive  bool
	feedbackRetries map[int64]int

	// attempted holds the issues this run has already launched or failed
	// to launch; a run never picks one twice
	attempted map[int64]struct{}
}

// Option configures a Factory
type Option func(*Factory)

// WithSleep replaces the scheduler's sleeps (staggers, cooldowns, pauses)
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(f *Factory) { f.sleep = sleep }
}

// WithIDGenerator replaces agent id generation
func WithIDGenerator(newID func() string) Option {
	return func(f *Factory) { f.newID = newID }
}

// New validates cfg and wires a Factory
func New(cfg Config, deps Deps, opts ...Option) (*Factory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid factory config: %w", err)
	}
	if deps.Store == nil || deps.Coordinator == nil || deps.Distributor == nil || deps.Spawner == nil {
		return nil, fmt.Errorf("store, coordinator, distributor and spawner are required")
	}
	if cfg.WorkRoot == "" {
		cfg.WorkRoot = DefaultWorkRoot()
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if deps.Probe == nil {
		deps.Probe = noProbe{}
	}
	out := deps.Out
	if out == nil {
		out = os.Stdout
	}

	f := &Factory{
		cfg:             cfg,
		deps:            deps,
		out:             out,
		sleep:           sleepCtx,
		newID:           newAgentID,
		maxConcurrent:   cfg.MaxConcurrent,
		sem:             semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		semCap:          cfg.MaxConcurrent,
		active:          make(map[string]coord.ActiveAgent),
		feedbackRetries: make(map[int64]int),
		attempted:       make(map[int64]struct{}),
	}
	if cfg.ProbeInterval > 0 {
		f.probeGate = rate.Sometimes{Interval: cfg.ProbeInterval}
	} else {
		f.probeGate = rate.Sometimes{Every: 1}
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// newAgentID returns a short hex id
func newAgentID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (f *Factory) logf(format string, args ...any) {
	f.outMu.Lock()
	defer f.outMu.Unlock()
	fmt.Fprintf(f.out, format+"\n", args...)
}

func (f *Factory) warnf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "warning: "+format+"\n", args...)
}

// Stats returns a copy of the counters so far
func (f *Factory) Stats() types.RunStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

// MaxConcurrent returns the current concurrency limit
func (f *Factory) MaxConcurrent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxConcurrent
}

func (f *Factory) currentSem() *semaphore.Weighted {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sem
}

// replaceSemLocked swaps in a fresh semaphore. Agents holding the old one
// release the old one. Caller holds f.mu.
func (f *Factory) replaceSemLocked(capacity int) {
	f.sem = semaphore.NewWeighted(int64(capacity))
	f.semCap = capacity
}

// setConcurrencyLocked changes the limit. While an interactive session holds
// the factory at one slot the new limit only applies on restore. Caller
// holds f.mu.
func (f *Factory) setConcurrencyLocked(n int) {
	f.maxConcurrent = n
	if !f.throttled {
		f.replaceSemLocked(n)
	}
}

func (f *Factory) inFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.active)
}

func (f *Factory) bumpStats(fn func(s *types.RunStats)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(&f.stats)
}

// writeStatus publishes the live snapshot; failures are logged by the coordinator
func (f *Factory) writeStatus(ctx context.Context, running bool) {
	f.mu.Lock()
	agents := make(map[string]coord.ActiveAgent, len(f.active))
	for id, a := range f.active {
		agents[id] = a
	}
	status := coord.FactoryStatus{
		InstanceID:     f.cfg.InstanceID,
		ActiveAgents:   len(agents),
		Agents:         agents,
		Stats:          f.stats,
		MaxConcurrent:  f.maxConcurrent,
		FactoryRunning: running,
	}
	f.mu.Unlock()

	status.TierFloor = f.deps.Distributor.Floor()
	status.Updated = time.Now().UTC()
	f.deps.Coordinator.WriteStatus(ctx, status)
}
