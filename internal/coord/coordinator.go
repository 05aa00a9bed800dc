// Package coord coordinates API rate-limit backoff across every scheduler
// and agent process on one host through a shared document store.
//
// Every read fails open: a missing, unreadable or corrupt document means
// "no information" (no cooldown, no reduction, no priority agents). Writes
// that fail are reported as warnings and never stop the caller.
package coord

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/danielalanbates/github-helper/internal/notify"
)

// Document names
const (
	DocRateLimit      = "anthropic-rate-limit"
	DocNotified       = "anthropic-rate-limit-notified"
	DocReduce         = "dogood-reduce-concurrency"
	DocModelSignal    = "dogood-rate-limit-signal"
	DocPriorityAgents = "bounty-agent-active"
	DocFactoryStatus  = "dogood-factory-status"
	DocLearning       = "dogood-rate-learning"
)

// Config holds the coordination constants
type Config struct {
	Cooldown        time.Duration // Global pause after a hit (default: 75s)
	SlotSpacing     time.Duration // Offset between retry slots (default: 15s)
	MaxSlots        int           // Number of retry slots (default: 6)
	EscalationStep  time.Duration // Extra delay per attempt (default: 60s)
	Jitter          time.Duration // Uniform +/- jitter (default: 5s, negative disables)
	MinRetryDelay   time.Duration // Retry delay floor (default: 10s)
	MaxRetryDelay   time.Duration // Retry delay ceiling (default: 600s)
	DedupeWindow    time.Duration // Hits this close to the last one are ignored (default: 10s)
	ReportersKept   int           // Reporter ring size (default: 10)
	NotifyThreshold int           // Reporters needed to alert (default: 3)
	NotifyWindow    time.Duration // Window the reporters must fall in (default: 10m)
	NotifyCooldown  time.Duration // Minimum gap between alerts (default: 30m)
	ReductionExpiry time.Duration // Unclaimed reduction requests expire (default: 5m)
}

// DefaultConfig returns the production constants
func DefaultConfig() Config {
	return Config{
		Cooldown:        75 * time.Second,
		SlotSpacing:     15 * time.Second,
		MaxSlots:        6,
		EscalationStep:  60 * time.Second,
		Jitter:          5 * time.Second,
		MinRetryDelay:   10 * time.Second,
		MaxRetryDelay:   600 * time.Second,
		DedupeWindow:    10 * time.Second,
		ReportersKept:   10,
		NotifyThreshold: 3,
		NotifyWindow:    10 * time.Minute,
		NotifyCooldown:  30 * time.Minute,
		ReductionExpiry: 5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Cooldown <= 0 {
		c.Cooldown = def.Cooldown
	}
	if c.SlotSpacing <= 0 {
		c.SlotSpacing = def.SlotSpacing
	}
	if c.MaxSlots <= 0 {
		c.MaxSlots = def.MaxSlots
	}
	if c.EscalationStep <= 0 {
		c.EscalationStep = def.EscalationStep
	}
	if c.Jitter == 0 {
		c.Jitter = def.Jitter
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.MinRetryDelay <= 0 {
		c.MinRetryDelay = def.MinRetryDelay
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = def.MaxRetryDelay
	}
	if c.DedupeWindow <= 0 {
		c.DedupeWindow = def.DedupeWindow
	}
	if c.ReportersKept <= 0 {
		c.ReportersKept = def.ReportersKept
	}
	if c.NotifyThreshold <= 0 {
		c.NotifyThreshold = def.NotifyThreshold
	}
	if c.NotifyWindow <= 0 {
		c.NotifyWindow = def.NotifyWindow
	}
	if c.NotifyCooldown <= 0 {
		c.NotifyCooldown = def.NotifyCooldown
	}
	if c.ReductionExpiry <= 0 {
		c.ReductionExpiry = def.ReductionExpiry
	}
	return c
}

// Reporter is one entry in the rate-limit reporter ring
type Reporter struct {
	AgentID string    `json:"agent_id"`
	Time    time.Time `json:"time"`
}

// RateLimitState is the anthropic-rate-limit document
type RateLimitState struct {
	LastHit   time.Time  `json:"last_hit"`
	HitCount  int        `json:"hit_count"`
	Reporters []Reporter `json:"reporters"`
}

type notifiedDoc struct {
	Time time.Time `json:"time"`
}

type reductionDoc struct {
	RequestedAt    time.Time `json:"requested_at"`
	ReductionCount int       `json:"reduction_count"`
}

type modelSignalDoc struct {
	Model string    `json:"model"`
	Time  time.Time `json:"time"`
}

type priorityDoc struct {
	Count int `json:"count"`
}

// Coordinator implements the coordination operations over a Store
type Coordinator struct {
	store    Store
	cfg      Config
	now      func() time.Time
	notifier notify.Notifier
	warn     io.Writer

	// mu serializes read-modify-write cycles within this process; other
	// processes may still interleave, which at worst loses one count
	mu sync.Mutex

	randMu sync.Mutex
	rand   *rand.Rand
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithNotifier sets the alert channel for rate-limit storms
func WithNotifier(n notify.Notifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}

// WithRandSeed makes jitter deterministic
func WithRandSeed(seed int64) Option {
	return func(c *Coordinator) { c.rand = rand.New(rand.NewSource(seed)) }
}

// WithWarnings redirects warning output (default: stderr)
func WithWarnings(w io.Writer) Option {
	return func(c *Coordinator) { c.warn = w }
}

// New creates a coordinator over store
func New(store Store, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    store,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		notifier: notify.Nop{},
		warn:     os.Stderr,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Store returns the underlying document store
func (c *Coordinator) Store() Store {
	return c.store
}

// Config returns the effective constants
func (c *Coordinator) Config() Config {
	return c.cfg
}

func (c *Coordinator) warnf(format string, args ...any) {
	fmt.Fprintf(c.warn, "warning: "+format+"\n", args...)
}

// load reads a document, reporting failures and treating them as absent
func (c *Coordinator) load(ctx context.Context, name string, v any) bool {
	ok, err := c.store.Load(ctx, name, v)
	if err != nil {
		c.warnf("coordination: %v", err)
		return false
	}
	return ok
}

func (c *Coordinator) save(ctx context.Context, name string, v any) {
	if err := c.store.Save(ctx, name, v); err != nil {
		c.warnf("coordination: failed to save %s: %v", name, err)
	}
}

func (c *Coordinator) remove(ctx context.Context, name string) {
	if err := c.store.Remove(ctx, name); err != nil {
		c.warnf("coordination: failed to remove %s: %v", name, err)
	}
}

// ReportRateLimit records that agentID hit the API limit. Reports within
// DedupeWindow of the previous hit are the same event seen by another agent
// and are dropped.
func (c *Coordinator) ReportRateLimit(ctx context.Context, agentID string) {
	msg := c.recordHit(ctx, agentID)
	if msg == "" {
		return
	}
	if err := c.notifier.Notify(ctx, msg); err != nil {
		c.warnf("rate-limit notification failed: %v", err)
	}
}

// recordHit updates the hit record and returns an alert message when the
// notification threshold is crossed outside the notify cooldown
func (c *Coordinator) recordHit(ctx context.Context, agentID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().UTC()
	var state RateLimitState
	if !c.load(ctx, DocRateLimit, &state) {
		state = RateLimitState{}
	}
	if !state.LastHit.IsZero() && now.Sub(state.LastHit) < c.cfg.DedupeWindow {
		return ""
	}

	state.LastHit = now
	state.HitCount++
	state.Reporters = append(state.Reporters, Reporter{AgentID: agentID, Time: now})
	if n := len(state.Reporters); n > c.cfg.ReportersKept {
		state.Reporters = state.Reporters[n-c.cfg.ReportersKept:]
	}
	c.save(ctx, DocRateLimit, state)

	recent := 0
	for _, r := range state.Reporters {
		if now.Sub(r.Time) <= c.cfg.NotifyWindow {
			recent++
		}
	}
	if recent < c.cfg.NotifyThreshold {
		return ""
	}

	var last notifiedDoc
	if c.load(ctx, DocNotified, &last) && now.Sub(last.Time) < c.cfg.NotifyCooldown {
		return ""
	}

	// Recorded before sending so a failing channel is not hammered
	c.save(ctx, DocNotified, notifiedDoc{Time: now})
	return fmt.Sprintf("dogood: %d agents hit the API rate limit in the last %s (total hits: %d)",
		recent, c.cfg.NotifyWindow, state.HitCount)
}

// RateLimitState returns the current hit record, or a zero value
func (c *Coordinator) RateLimitState(ctx context.Context) RateLimitState {
	var state RateLimitState
	c.load(ctx, DocRateLimit, &state)
	return state
}

// SecondsUntilClear returns how long the global cooldown still has to run
func (c *Coordinator) SecondsUntilClear(ctx context.Context) time.Duration {
	state := c.RateLimitState(ctx)
	if state.LastHit.IsZero() {
		return 0
	}
	remaining := c.cfg.Cooldown - c.now().UTC().Sub(state.LastHit)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// IsInCooldown reports whether a hit happened less than Cooldown ago
func (c *Coordinator) IsInCooldown(ctx context.Context) bool {
	return c.SecondsUntilClear(ctx) > 0
}

// SlotForAgent maps an agent id to a retry slot. The mapping is stable
// across processes so sibling agents spread out without talking.
func (c *Coordinator) SlotForAgent(agentID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(agentID))
	return int(h.Sum32() % uint32(c.cfg.MaxSlots))
}

// RetryDelay is how long an agent in slot should wait before attempt
func (c *Coordinator) RetryDelay(ctx context.Context, slot, attempt int) time.Duration {
	if slot < 0 {
		slot = -slot
	}
	if attempt < 0 {
		attempt = 0
	}
	delay := c.SecondsUntilClear(ctx) +
		time.Duration(slot%c.cfg.MaxSlots)*c.cfg.SlotSpacing +
		time.Duration(attempt)*c.cfg.EscalationStep +
		c.jitter()

	if delay < c.cfg.MinRetryDelay {
		return c.cfg.MinRetryDelay
	}
	if delay > c.cfg.MaxRetryDelay {
		return c.cfg.MaxRetryDelay
	}
	return delay
}

func (c *Coordinator) jitter() time.Duration {
	if c.cfg.Jitter == 0 {
		return 0
	}
	c.randMu.Lock()
	defer c.randMu.Unlock()
	span := int64(2*c.cfg.Jitter) + 1
	return time.Duration(c.rand.Int63n(span)) - c.cfg.Jitter
}

// RequestConcurrencyReduction asks every running factory to shed one agent
func (c *Coordinator) RequestConcurrencyReduction(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var doc reductionDoc
	c.load(ctx, DocReduce, &doc)
	doc.ReductionCount++
	doc.RequestedAt = c.now().UTC()
	c.save(ctx, DocReduce, doc)
}

// CheckConcurrencyReduction consumes a pending reduction request and returns
// how many agents to shed. Requests older than ReductionExpiry are dropped.
func (c *Coordinator) CheckConcurrencyReduction(ctx context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var doc reductionDoc
	if !c.load(ctx, DocReduce, &doc) {
		return 0
	}
	c.remove(ctx, DocReduce)
	if c.now().UTC().Sub(doc.RequestedAt) > c.cfg.ReductionExpiry {
		return 0
	}
	return doc.ReductionCount
}

// SignalModelRateLimit tells the factory that model is saturated. Agents
// call it (through the CLI) when the API refuses them mid-run.
func (c *Coordinator) SignalModelRateLimit(ctx context.Context, model string) {
	c.save(ctx, DocModelSignal, modelSignalDoc{Model: model, Time: c.now().UTC()})
}

func (c *Coordinator) freshSignal(ctx context.Context, maxAge time.Duration) (modelSignalDoc, bool) {
	var doc modelSignalDoc
	if !c.load(ctx, DocModelSignal, &doc) {
		return doc, false
	}
	if c.now().UTC().Sub(doc.Time) >= maxAge {
		return doc, false
	}
	return doc, true
}

// PeekModelSignal reports whether a signal younger than maxAge exists
func (c *Coordinator) PeekModelSignal(ctx context.Context, maxAge time.Duration) bool {
	_, ok := c.freshSignal(ctx, maxAge)
	return ok
}

// TakeModelSignal returns and consumes a signal younger than maxAge
func (c *Coordinator) TakeModelSignal(ctx context.Context, maxAge time.Duration) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, ok := c.freshSignal(ctx, maxAge)
	if !ok {
		return "", false
	}
	c.remove(ctx, DocModelSignal)
	return doc.Model, true
}

// PriorityAgentCount returns how many priority (bounty) agents are running
// outside the factory
func (c *Coordinator) PriorityAgentCount(ctx context.Context) int {
	var doc priorityDoc
	c.load(ctx, DocPriorityAgents, &doc)
	if doc.Count < 0 {
		return 0
	}
	return doc.Count
}

// SetPriorityAgentCount publishes the priority agent count; zero removes it
func (c *Coordinator) SetPriorityAgentCount(ctx context.Context, n int) {
	if n <= 0 {
		c.remove(ctx, DocPriorityAgents)
		return
	}
	c.save(ctx, DocPriorityAgents, priorityDoc{Count: n})
}

// WriteStatus publishes the factory status snapshot
func (c *Coordinator) WriteStatus(ctx context.Context, status FactoryStatus) {
	c.save(ctx, DocFactoryStatus, status)
}

// ReadStatus returns the last published snapshot
func (c *Coordinator) ReadStatus(ctx context.Context) (FactoryStatus, bool) {
	var status FactoryStatus
	ok := c.load(ctx, DocFactoryStatus, &status)
	return status, ok
}
