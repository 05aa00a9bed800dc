package factory

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/danielalanbates/github-helper/internal/cost"
	"github.com/danielalanbates/github-helper/internal/ratelimit"
	"github.com/danielalanbates/github-helper/internal/types"
	"github.com/danielalanbates/github-helper/internal/worklog"
)

// runAgent supervises one issue agent from "fixing" to its terminal state.
// Store writes use a context detached from cancellation so an interrupted
// run still leaves a consistent record.
func (f *Factory) runAgent(ctx context.Context, j *job) {
	defer f.wg.Done()

	db := context.WithoutCancel(ctx)
	claim := types.ClaimReleased
	outcome := string(OutcomeError)
	defer func() { f.finalize(db, j, claim, outcome) }()
	defer func() {
		if r := recover(); r != nil {
			f.failRun(db, j, fmt.Sprintf("agent panic: %v", r))
			claim, outcome = types.ClaimReleased, string(OutcomeError)
		}
	}()

	res, err := f.execute(ctx, db, j)
	if err != nil {
		f.failRun(db, j, err.Error())
		return
	}

	oc := ClassifyExit(res, f.cfg.SkipExitCode)
	outcome = string(oc.Kind)
	claim = f.applyOutcome(db, j, oc)
}

// execute prepares the work dir, waits for API quota and runs the solver
func (f *Factory) execute(ctx, db context.Context, j *job) (Result, error) {
	f.updateRun(db, j.agentID, types.RunUpdate{Status: ptr(types.RunFixing)})

	if f.deps.Limiter != nil {
		if err := f.deps.Limiter.WaitForSlot(ctx, ratelimit.ResourceGitHubAPI); err != nil {
			return Result{}, fmt.Errorf("waiting for %s quota: %w", ratelimit.ResourceGitHubAPI, err)
		}
	}
	if err := os.MkdirAll(j.workDir, 0755); err != nil {
		return Result{}, fmt.Errorf("create work dir: %w", err)
	}

	req := Request{
		Kind:    j.kind,
		AgentID: j.agentID,
		Tier:    j.tier,
		WorkDir: j.workDir,
	}
	if j.cand != nil {
		req.IssueID = j.cand.ID
		req.Bounty = j.cand.IsBounty
	}
	if j.feedback != nil {
		req.ContributionID = j.feedback.ContributionID
	}
	return f.deps.Spawner.Spawn(ctx, req)
}

// applyOutcome records a classified issue run and returns the claim status
// it ends with
func (f *Factory) applyOutcome(ctx context.Context, j *job, oc Outcome) types.ClaimStatus {
	ref := j.cand.Ref()
	switch oc.Kind {
	case OutcomeSuccess:
		spend := j.tier.MaxBudgetUSD
		f.finishRun(ctx, j.agentID, types.RunPRCreated, "", oc.PRURL, spend)
		f.charge(ctx, ref, spend)
		f.deps.Distributor.ClearSaturation(j.tier.Model)
		f.bumpStats(func(s *types.RunStats) { s.Succeeded++ })
		f.logf("  [DONE] %s -> %s", ref, oc.PRURL)
		f.record("PR SUBMITTED",
			worklog.Field{Key: "Issue", Value: ref},
			worklog.Field{Key: "Title", Value: j.cand.Title},
			worklog.Field{Key: "PR", Value: oc.PRURL},
			worklog.Field{Key: "Tier", Value: j.tier.String()},
			worklog.Field{Key: "Agent", Value: j.agentID},
		)
		return types.ClaimCompleted

	case OutcomeSkip:
		f.finishRun(ctx, j.agentID, types.RunSkipped, "skipped: "+oc.Reason, "", 0)
		f.deps.Distributor.ClearSaturation(j.tier.Model)
		f.bumpStats(func(s *types.RunStats) { s.Skipped++ })
		f.logf("  [SKIP] %s: %s", ref, oc.Reason)
		return types.ClaimCompleted

	case OutcomeNoChange:
		f.finishRun(ctx, j.agentID, types.RunFailed, oc.Reason, "", 0)
		f.deps.Distributor.ClearSaturation(j.tier.Model)
		f.bumpStats(func(s *types.RunStats) { s.Failed++ })
		f.logf("  [FAIL] %s: %s", ref, oc.Reason)
		return types.ClaimReleased

	case OutcomeRateLimited:
		f.finishRun(ctx, j.agentID, types.RunFailed, oc.Reason, "", 0)
		f.bumpStats(func(s *types.RunStats) { s.Escalated++; s.Failed++ })
		f.logf("  [RATE LIMIT] %s: %s on %s", ref, oc.Reason, j.tier.Model)
		f.reportRateLimit(ctx, j)
		return types.ClaimReleased
	}

	f.finishRun(ctx, j.agentID, types.RunFailed, oc.Reason, "", 0)
	f.bumpStats(func(s *types.RunStats) { s.Failed++ })
	f.logf("  [FAIL] %s: %s", ref, oc.Reason)
	return types.ClaimReleased
}

// runFeedbackAgent supervises one revision of a submitted contribution.
// Feedback agents hold no claim; the contribution status is their lease.
func (f *Factory) runFeedbackAgent(ctx context.Context, j *job) {
	defer f.wg.Done()

	db := context.WithoutCancel(ctx)
	fb := j.feedback
	outcome := string(OutcomeError)
	defer func() { f.finalize(db, j, types.ClaimReleased, outcome) }()
	defer func() {
		if r := recover(); r != nil {
			f.failRun(db, j, fmt.Sprintf("agent panic: %v", r))
			f.resetFeedback(db, fb.ContributionID)
			outcome = string(OutcomeError)
		}
	}()

	res, err := f.execute(ctx, db, j)
	if err != nil {
		// Never reached the solver, so the attempt does not count
		f.failRun(db, j, err.Error())
		f.resetFeedback(db, fb.ContributionID)
		return
	}

	if res.ExitCode == 0 && !res.TimedOut {
		outcome = string(OutcomeSuccess)
		spend := j.tier.MaxBudgetUSD
		f.finishRun(db, j.agentID, types.RunPRCreated, "", fb.PRURL, spend)
		f.charge(db, "feedback:"+strconv.FormatInt(fb.ContributionID, 10), spend)
		f.setFeedback(db, fb.ContributionID, types.FeedbackAddressed)
		f.deps.Distributor.ClearSaturation(j.tier.Model)
		f.bumpStats(func(s *types.RunStats) { s.Succeeded++ })

		f.mu.Lock()
		delete(f.feedbackRetries, fb.ContributionID)
		f.mu.Unlock()

		f.logf("  [DONE] feedback addressed on %s", fb.PRURL)
		f.record("FEEDBACK ADDRESSED",
			worklog.Field{Key: "Repo", Value: fb.FullName},
			worklog.Field{Key: "PR", Value: fb.PRURL},
			worklog.Field{Key: "Reviewer", Value: fb.Reviewer},
			worklog.Field{Key: "Tier", Value: j.tier.String()},
			worklog.Field{Key: "Agent", Value: j.agentID},
		)
		return
	}

	oc := ClassifyExit(res, f.cfg.SkipExitCode)
	outcome = string(oc.Kind)
	f.finishRun(db, j.agentID, types.RunFailed, oc.Reason, "", 0)
	f.bumpStats(func(s *types.RunStats) {
		s.Failed++
		if oc.Kind == OutcomeRateLimited {
			s.Escalated++
		}
	})
	if oc.Kind == OutcomeRateLimited {
		f.reportRateLimit(db, j)
	}

	f.mu.Lock()
	f.feedbackRetries[fb.ContributionID]++
	attempts := f.feedbackRetries[fb.ContributionID]
	f.mu.Unlock()

	if attempts >= f.cfg.MaxFeedbackRetries {
		f.logf("  [FAIL] feedback on %s failed %d times, giving up: %s", fb.PRURL, attempts, oc.Reason)
		f.setFeedback(db, fb.ContributionID, types.FeedbackSkipped)
		return
	}
	f.logf("  [FAIL] feedback on %s (attempt %d/%d): %s", fb.PRURL, attempts, f.cfg.MaxFeedbackRetries, oc.Reason)
	f.setFeedback(db, fb.ContributionID, types.FeedbackNeedsRevision)
}

// reportRateLimit spreads a model refusal to the distributor, sibling
// processes and, when nothing cheaper is left, every running factory
func (f *Factory) reportRateLimit(ctx context.Context, j *job) {
	f.deps.Distributor.ReportRateLimit(ctx, j.tier.Model)
	f.deps.Coordinator.ReportRateLimit(ctx, j.agentID)
	f.deps.Metrics.RateLimitHit(ctx, j.tier.Model)
	if f.deps.Distributor.IsAtMaxTier() {
		f.deps.Coordinator.RequestConcurrencyReduction(ctx)
	}
}

// finalize runs on every exit path of an agent goroutine
func (f *Factory) finalize(ctx context.Context, j *job, claim types.ClaimStatus, outcome string) {
	f.mu.Lock()
	if j.reserved {
		f.reservedActive = false
	}
	delete(f.active, j.agentID)
	f.mu.Unlock()

	f.deps.Distributor.ReleaseAgent(j.agentID)
	if j.cand != nil {
		if err := f.deps.Store.ReleaseClaim(ctx, j.cand.ID, j.agentID, claim); err != nil {
			f.warnf("failed to release claim on %s: %v", j.cand.Ref(), err)
		}
	}
	if err := CleanupWorkDir(f.cfg.WorkRoot, j.agentID); err != nil {
		f.warnf("failed to remove work dir for agent %s: %v", j.agentID, err)
	}

	f.writeStatus(ctx, true)
	f.deps.Metrics.AgentFinished(ctx, j.kind, outcome, time.Since(j.started))
	j.sem.Release(1)
}

func (f *Factory) failRun(ctx context.Context, j *job, msg string) {
	f.finishRun(ctx, j.agentID, types.RunFailed, msg, "", 0)
	f.bumpStats(func(s *types.RunStats) { s.Failed++ })
	f.logf("  [FAIL] agent %s: %s", j.agentID, msg)
}

func (f *Factory) finishRun(ctx context.Context, agentID string, status types.RunStatus, errMsg, prURL string, spend float64) {
	update := types.RunUpdate{
		Status:     ptr(status),
		FinishedAt: ptr(time.Now().UTC()),
	}
	if errMsg != "" {
		update.Error = ptr(errMsg)
	}
	if prURL != "" {
		update.PRURL = ptr(prURL)
	}
	if spend > 0 {
		update.CostUSD = ptr(spend)
	}
	f.updateRun(ctx, agentID, update)
}

func (f *Factory) updateRun(ctx context.Context, agentID string, update types.RunUpdate) {
	if err := f.deps.Store.UpdateAgentRun(ctx, agentID, update); err != nil {
		f.warnf("failed to update run %s: %v", agentID, err)
	}
}

// charge books spend against the budget and reports threshold crossings
func (f *Factory) charge(ctx context.Context, key string, usd float64) {
	f.deps.Metrics.Spend(ctx, usd)
	if f.deps.Budget == nil {
		return
	}
	switch f.deps.Budget.Record(key, usd) {
	case cost.BudgetExceeded:
		f.logf("  Budget exhausted after %s: %s", key, f.deps.Budget.Stats().Summary())
	case cost.BudgetWarning:
		f.logf("  WARNING: budget at %s", f.deps.Budget.Stats().Summary())
	}
}

func (f *Factory) setFeedback(ctx context.Context, contributionID int64, status types.FeedbackStatus) {
	if err := f.deps.Store.UpdateFeedbackStatus(ctx, contributionID, status); err != nil {
		f.warnf("failed to set contribution %d to %s: %v", contributionID, status, err)
	}
}

func (f *Factory) resetFeedback(ctx context.Context, contributionID int64) {
	f.setFeedback(ctx, contributionID, types.FeedbackNeedsRevision)
}

func (f *Factory) record(title string, fields ...worklog.Field) {
	if f.deps.WorkLog == nil {
		return
	}
	if err := f.deps.WorkLog.Log(title, fields...); err != nil {
		f.warnf("failed to write work log: %v", err)
	}
}

func ptr[T any](v T) *T { return &v }
