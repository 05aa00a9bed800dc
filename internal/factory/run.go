package factory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/danielalanbates/github-helper/internal/coord"
	"github.com/danielalanbates/github-helper/internal/cost"
	"github.com/danielalanbates/github-helper/internal/tiers"
	"github.com/danielalanbates/github-helper/internal/types"
)

// job is one launched agent and everything its goroutine needs to finish
type job struct {
	kind     string
	agentID  string
	tier     tiers.Tier
	cand     *types.Candidate    // issue agents
	feedback *types.FeedbackItem // feedback agents
	sem      *semaphore.Weighted
	workDir  string
	reserved bool
	started  time.Time
}

// Run launches agents until maxItems have started (0 means no limit), the
// queue is empty, the budget is spent or ctx is done. It waits for every
// launched agent before returning. Each issue is launched at most once per
// run. Only selection and feedback database failures are errors.
func (f *Factory) Run(ctx context.Context, maxItems int) (types.RunStats, error) {
	f.logf("Factory starting: instance=%s max_concurrent=%d tiers=%d",
		f.cfg.InstanceID, f.MaxConcurrent(), len(f.deps.Distributor.Table()))
	f.mu.Lock()
	f.attempted = make(map[int64]struct{})
	f.mu.Unlock()
	f.writeStatus(ctx, true)
	f.deps.Metrics.Concurrency(ctx, f.MaxConcurrent())

	if w, ok := f.deps.Coordinator.Store().(coord.Watcher); ok {
		ch, err := w.Watch(ctx)
		if err != nil {
			f.warnf("coordination store watch unavailable, pauses use the full timer: %v", err)
		} else {
			f.wake = ch
		}
	}

	err := f.loop(ctx, maxItems)

	f.wg.Wait()
	final := context.WithoutCancel(ctx)
	f.writeStatus(final, false)

	stats := f.Stats()
	f.logf("Factory complete: started=%d succeeded=%d failed=%d skipped=%d escalated=%d",
		stats.Started, stats.Succeeded, stats.Failed, stats.Skipped, stats.Escalated)
	if f.deps.Budget != nil {
		f.logf("Spend: %s", f.deps.Budget.Stats().Summary())
	}
	return stats, err
}

func (f *Factory) loop(ctx context.Context, maxItems int) error {
	budgetWarned := false
	for {
		if ctx.Err() != nil {
			f.logf("Interrupted. Waiting for %d active agents...", f.inFlight())
			return nil
		}
		if maxItems > 0 && f.Stats().Started >= maxItems {
			f.logf("Reached max items (%d). Waiting for active agents to finish...", maxItems)
			return nil
		}

		f.probeGate.Do(func() { f.checkInteractive(ctx) })

		if n := f.deps.Coordinator.PriorityAgentCount(ctx); n > 0 {
			f.logf("  [PAUSED] %d priority agents running - yielding for %v", n, f.cfg.PriorityPause)
			_ = f.pause(ctx, f.cfg.PriorityPause)
			continue
		}

		f.checkModelSignals(ctx)

		if n := f.deps.Coordinator.CheckConcurrencyReduction(ctx); n > 0 {
			f.mu.Lock()
			old := f.maxConcurrent
			f.setConcurrencyLocked(max(1, old-n))
			cur := f.maxConcurrent
			f.mu.Unlock()
			if cur != old {
				f.logf("  [THROTTLE] Reduction requested - concurrency %d -> %d", old, cur)
				f.deps.Metrics.Concurrency(ctx, cur)
			}
		}

		if remaining := f.deps.Coordinator.SecondsUntilClear(ctx); remaining > 0 {
			wait := remaining + f.cfg.CooldownGrace
			f.logf("  [COOLDOWN] API rate limit cooldown - waiting %v", wait.Round(time.Second))
			_ = f.sleep(ctx, wait)
			continue
		}

		if f.deps.Budget != nil {
			switch f.deps.Budget.Status() {
			case cost.BudgetExceeded:
				_, reason := f.deps.Budget.CanProceed()
				f.logf("Budget exhausted: %s", reason)
				return nil
			case cost.BudgetWarning:
				if !budgetWarned {
					budgetWarned = true
					stats := f.deps.Budget.Stats()
					f.logf("WARNING: At %.0f%% budget (%s)", stats.Config.AlertThreshold*100, stats.Summary())
				}
			}
		}

		sem := f.currentSem()
		if err := sem.Acquire(ctx, 1); err != nil {
			continue
		}

		launched, err := f.launchNext(ctx, sem)
		if err != nil {
			sem.Release(1)
			return err
		}
		if !launched {
			sem.Release(1)
			if n := f.inFlight(); n > 0 {
				f.logf("No more issues. Waiting for %d active agents to finish...", n)
			} else {
				f.logf("No eligible issues found.")
			}
			return nil
		}
	}
}

// launchNext picks the next piece of work in priority order and starts an
// agent on it. It reports false when nothing is eligible. On success the
// slot in sem belongs to the agent. An issue that fails to launch is left
// for a later run and the next candidate is tried.
func (f *Factory) launchNext(ctx context.Context, sem *semaphore.Weighted) (bool, error) {
	fb, err := f.deps.Store.NextFeedbackRevision(ctx)
	if err != nil {
		return false, fmt.Errorf("select feedback revision: %w", err)
	}
	if fb != nil {
		if err := f.launchFeedback(ctx, sem, fb); err != nil {
			return false, err
		}
		_ = f.sleep(ctx, f.cfg.FeedbackStagger)
		return true, nil
	}

	for {
		cand, reserved, err := f.selectIssue(ctx)
		if err != nil {
			return false, err
		}
		if cand == nil {
			return false, nil
		}

		agentID := f.newID()
		ok, err := f.deps.Store.ClaimIssue(ctx, cand.ID, agentID, f.cfg.ClaimTTL)
		if err != nil {
			return false, fmt.Errorf("claim %s: %w", cand.Ref(), err)
		}
		if !ok {
			f.logf("  Claim lost on %s, trying next", cand.Ref())
			f.deps.Metrics.ClaimContention(ctx)
			continue
		}
		f.markAttempted(cand.ID)

		if err := f.launchIssue(ctx, sem, cand, agentID, reserved); err != nil {
			f.warnf("failed to launch agent on %s, trying next: %v", cand.Ref(), err)
			continue
		}
		_ = f.sleep(ctx, f.cfg.SpawnStagger)
		return true, nil
	}
}

// selectIssue returns the reserved-tag candidate when that slot is free,
// else the best unclaimed issue
func (f *Factory) selectIssue(ctx context.Context) (*types.Candidate, bool, error) {
	f.mu.Lock()
	reservedFree := f.cfg.ReservedTag != "" && !f.reservedActive
	f.mu.Unlock()

	policy := f.cfg.Policy
	policy.ExcludeIssueIDs = f.attemptedIssues()

	if reservedFree {
		cand, err := f.deps.Store.NextTaggedIssue(ctx, f.cfg.ReservedTag, policy)
		if err != nil {
			return nil, false, fmt.Errorf("select %s issue: %w", f.cfg.ReservedTag, err)
		}
		if cand != nil {
			return cand, true, nil
		}
	}

	cand, err := f.deps.Store.NextUnclaimedIssue(ctx, policy)
	if err != nil {
		return nil, false, fmt.Errorf("select issue: %w", err)
	}
	return cand, false, nil
}

func (f *Factory) markAttempted(issueID int64) {
	f.mu.Lock()
	f.attempted[issueID] = struct{}{}
	f.mu.Unlock()
}

func (f *Factory) attemptedIssues() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]int64, 0, len(f.attempted))
	for id := range f.attempted {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// pickTier gives a bounty the top tier while it has top-tier attempts
// left; everything else gets the distributor's choice
func (f *Factory) pickTier(ctx context.Context, cand *types.Candidate, agentID string) (tiers.Tier, error) {
	if cand.IsBounty && f.cfg.MaxTopTierPerIssue > 0 {
		top := f.deps.Distributor.Table().Top()
		attempts, err := f.deps.Store.TopTierAttemptsForIssue(ctx, cand.ID, top.Model)
		if err != nil {
			return tiers.Tier{}, fmt.Errorf("count top-tier attempts for %s: %w", cand.Ref(), err)
		}
		if attempts < f.cfg.MaxTopTierPerIssue {
			f.deps.Distributor.Pin(agentID, top)
			return top, nil
		}
	}
	return f.deps.Distributor.AssignTier(agentID), nil
}

func (f *Factory) launchIssue(ctx context.Context, sem *semaphore.Weighted, cand *types.Candidate, agentID string, reserved bool) error {
	kind := coord.AgentKindIssue
	switch {
	case reserved:
		kind = coord.AgentKindTagged
	case cand.IsBounty:
		kind = coord.AgentKindBounty
	}

	tier, err := f.pickTier(ctx, cand, agentID)
	if err != nil {
		f.abandonClaim(ctx, cand, agentID)
		return err
	}

	now := time.Now().UTC()
	j := &job{
		kind:     kind,
		agentID:  agentID,
		tier:     tier,
		cand:     cand,
		sem:      sem,
		workDir:  WorkDirFor(f.cfg.WorkRoot, agentID),
		reserved: reserved,
		started:  now,
	}

	issueID, repoID := cand.ID, cand.RepoID
	run := &types.AgentRun{
		ID:        agentID,
		IssueID:   &issueID,
		RepoID:    &repoID,
		Model:     tier.Model,
		Effort:    tier.Effort,
		Status:    types.RunStarting,
		WorkDir:   j.workDir,
		StartedAt: now,
	}
	if err := f.deps.Store.RecordAgentRun(ctx, run); err != nil {
		f.deps.Distributor.ReleaseAgent(agentID)
		f.abandonClaim(ctx, cand, agentID)
		return fmt.Errorf("record run for %s: %w", cand.Ref(), err)
	}

	f.start(ctx, j, coord.ActiveAgent{
		Repo:    cand.FullName,
		Issue:   cand.Number,
		Type:    kind,
		Tier:    tier.Label,
		Started: now,
	})
	f.logf("  [%s] %s: %s (tier %d %s) agent=%s",
		kind, cand.Ref(), cand.Title, tier.Number, tier.Label, agentID)

	f.wg.Add(1)
	go f.runAgent(ctx, j)
	return nil
}

func (f *Factory) launchFeedback(ctx context.Context, sem *semaphore.Weighted, fb *types.FeedbackItem) error {
	agentID := f.newID()
	table := f.deps.Distributor.Table()
	tier := table.Top()
	if fb.MandatoryModel != "" {
		if t, ok := table.ByLabel(fb.MandatoryModel); ok {
			tier = t
		} else {
			f.warnf("unknown mandatory model %q for contribution %d, using %s",
				fb.MandatoryModel, fb.ContributionID, tier.Label)
		}
	}

	if err := f.deps.Store.UpdateFeedbackStatus(ctx, fb.ContributionID, types.FeedbackInProgress); err != nil {
		return fmt.Errorf("mark contribution %d in progress: %w", fb.ContributionID, err)
	}

	now := time.Now().UTC()
	j := &job{
		kind:     coord.AgentKindFeedback,
		agentID:  agentID,
		tier:     tier,
		feedback: fb,
		sem:      sem,
		workDir:  WorkDirFor(f.cfg.WorkRoot, agentID),
		started:  now,
	}
	run := &types.AgentRun{
		ID:        agentID,
		IssueID:   fb.IssueID,
		RepoID:    fb.RepoID,
		Model:     tier.Model,
		Effort:    tier.Effort,
		Status:    types.RunFixing,
		WorkDir:   j.workDir,
		StartedAt: now,
	}
	if err := f.deps.Store.RecordAgentRun(ctx, run); err != nil {
		f.resetFeedback(context.WithoutCancel(ctx), fb.ContributionID)
		return fmt.Errorf("record feedback run for contribution %d: %w", fb.ContributionID, err)
	}

	f.deps.Distributor.Pin(agentID, tier)
	f.start(ctx, j, coord.ActiveAgent{
		Repo:    fb.FullName,
		Type:    coord.AgentKindFeedback,
		Tier:    tier.Label,
		Started: now,
	})
	f.logf("  [FEEDBACK] %s: revising %s (tier %d %s) agent=%s",
		fb.FullName, fb.PRURL, tier.Number, tier.Label, agentID)

	f.wg.Add(1)
	go f.runFeedbackAgent(ctx, j)
	return nil
}

// start books a launched agent into the counters and the status snapshot
func (f *Factory) start(ctx context.Context, j *job, agent coord.ActiveAgent) {
	f.mu.Lock()
	f.stats.Started++
	f.active[j.agentID] = agent
	if j.reserved {
		f.reservedActive = true
	}
	f.mu.Unlock()

	f.writeStatus(ctx, true)
	f.deps.Metrics.AgentStarted(ctx, j.kind, j.tier.Label)
}

func (f *Factory) abandonClaim(ctx context.Context, cand *types.Candidate, agentID string) {
	if err := f.deps.Store.ReleaseClaim(context.WithoutCancel(ctx), cand.ID, agentID, types.ClaimReleased); err != nil {
		f.warnf("failed to release claim on %s: %v", cand.Ref(), err)
	}
}

// checkInteractive drops to one slot while someone works interactively on
// this machine and restores the limit once they stop
func (f *Factory) checkInteractive(ctx context.Context) {
	interactive := f.deps.Probe.InteractiveSession(ctx)

	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case interactive && !f.throttled && f.semCap > 1:
		f.throttled = true
		f.replaceSemLocked(1)
		f.logf("  [THROTTLE] Interactive session detected - concurrency %d -> 1", f.maxConcurrent)
	case !interactive && f.throttled:
		f.throttled = false
		f.replaceSemLocked(f.maxConcurrent)
		f.logf("  [RESTORE] Interactive session ended - concurrency restored to %d", f.maxConcurrent)
	}
}

// checkModelSignals feeds agent-reported model limits to the distributor
// and sheds one slot when even the top tier is saturated
func (f *Factory) checkModelSignals(ctx context.Context) {
	maxAge := f.cfg.ModelSignalMaxAge
	signaled := false
	if model, ok := f.deps.Coordinator.TakeModelSignal(ctx, maxAge); ok {
		signaled = true
		f.deps.Distributor.ReportRateLimit(ctx, model)
		f.deps.Metrics.RateLimitHit(ctx, model)
	}
	f.deps.Metrics.TierFloor(ctx, f.deps.Distributor.Floor())

	if !f.deps.Distributor.IsAtMaxTier() {
		return
	}
	if !signaled && !f.deps.Coordinator.PeekModelSignal(ctx, maxAge) {
		return
	}

	f.mu.Lock()
	old := f.maxConcurrent
	if old > 1 {
		f.setConcurrencyLocked(old - 1)
	}
	cur := f.maxConcurrent
	f.mu.Unlock()

	f.deps.Coordinator.TakeModelSignal(ctx, maxAge)
	if cur != old {
		f.logf("  [THROTTLE] All tiers saturated - reducing concurrency %d -> %d", old, cur)
		f.deps.Metrics.Concurrency(ctx, cur)
	}
}

// pause sleeps d, returning early when the priority document changes
func (f *Factory) pause(ctx context.Context, d time.Duration) error {
	if f.wake == nil {
		return f.sleep(ctx, d)
	}

	pctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		for {
			select {
			case <-pctx.Done():
				return
			case name, ok := <-f.wake:
				if !ok {
					return
				}
				if name == coord.DocPriorityAgents {
					cancel()
					return
				}
			}
		}
	}()

	_ = f.sleep(pctx, d)
	return ctx.Err()
}
