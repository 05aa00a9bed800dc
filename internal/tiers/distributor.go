package tiers

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danielalanbates/github-helper/internal/coord"
)

// maxEvents bounds the in-memory event log
const maxEvents = 50

// Policy holds the distributor's tuning constants
type Policy struct {
	// HighOffset is how far above the floor the high slot sits (default: 2)
	HighOffset int
	// HighSlots is how many active agents may hold the high slot at once (default: 1)
	HighSlots int
	// FloorRaiseHits is the number of hits on one model inside HitWindow
	// that pushes the floor past it (default: 2)
	FloorRaiseHits int
	// HitWindow bounds "recent" for floor changes (default: 5m)
	HitWindow time.Duration
}

// DefaultPolicy returns the production tuning
func DefaultPolicy() Policy {
	return Policy{
		HighOffset:     2,
		HighSlots:      1,
		FloorRaiseHits: 2,
		HitWindow:      5 * time.Minute,
	}
}

// Validate checks the tuning values
func (p Policy) Validate() error {
	if p.HighOffset < 0 {
		return fmt.Errorf("high_offset must be non-negative, got %d", p.HighOffset)
	}
	if p.HighSlots < 0 {
		return fmt.Errorf("high_slots must be non-negative, got %d", p.HighSlots)
	}
	if p.FloorRaiseHits < 1 {
		return fmt.Errorf("floor_raise_hits must be at least 1, got %d", p.FloorRaiseHits)
	}
	if p.HitWindow <= 0 {
		return fmt.Errorf("hit_window must be positive, got %v", p.HitWindow)
	}
	return nil
}

type rateEvent struct {
	model string
	at    time.Time
}

// Distributor assigns tiers to new agents. Everyone starts at the floor
// with one agent at a time in the high slot (floor+2). Rate limits on a
// model push the floor past every tier using it, and success on a model
// lets the floor step back down.
type Distributor struct {
	mu        sync.Mutex
	table     Table
	floor     int
	active    map[string]int
	events    []rateEvent
	saturated map[string]bool
	policy    Policy

	now      func() time.Time
	out      io.Writer
	learning *Learning
}

// Option configures a Distributor
type Option func(*Distributor)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(d *Distributor) { d.now = now }
}

// WithOutput redirects progress lines (default: stdout)
func WithOutput(w io.Writer) Option {
	return func(d *Distributor) { d.out = w }
}

// WithPolicy replaces the tuning constants
func WithPolicy(p Policy) Option {
	return func(d *Distributor) { d.policy = p }
}

// WithLearning records every rate-limit hit in the learning log
func WithLearning(l *Learning) Option {
	return func(d *Distributor) { d.learning = l }
}

// NewDistributor creates a distributor over table
func NewDistributor(table Table, opts ...Option) *Distributor {
	d := &Distributor{
		table:     table,
		floor:     1,
		active:    make(map[string]int),
		saturated: make(map[string]bool),
		policy:    DefaultPolicy(),
		now:       time.Now,
		out:       os.Stdout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Table returns the tier ladder
func (d *Distributor) Table() Table {
	return d.table
}

// Floor returns the lowest tier currently assigned
func (d *Distributor) Floor() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.floor
}

// AssignTier picks a tier for a new agent and records it as active
func (d *Distributor) AssignTier(agentID string) Tier {
	d.mu.Lock()
	defer d.mu.Unlock()

	high := d.floor + d.policy.HighOffset
	if high > len(d.table) {
		high = len(d.table)
	}
	atHigh := 0
	for _, n := range d.active {
		if n >= high {
			atHigh++
		}
	}

	target := d.floor
	if atHigh < d.policy.HighSlots {
		target = high
	}

	tier, ok := d.table.Get(target)
	if !ok {
		tier = d.table[0]
	}
	for d.saturated[tier.Model] {
		next, ok := d.table.Next(tier)
		if !ok {
			break
		}
		tier = next
	}

	d.active[agentID] = tier.Number
	return tier
}

// Pin records an externally chosen tier (bounty, feedback) for agentID
func (d *Distributor) Pin(agentID string, tier Tier) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active[agentID] = tier.Number
}

// ReleaseAgent forgets agentID
func (d *Distributor) ReleaseAgent(agentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.active, agentID)
}

func (d *Distributor) recentHits(model string, now time.Time) int {
	n := 0
	for _, e := range d.events {
		if e.model == model && now.Sub(e.at) < d.policy.HitWindow {
			n++
		}
	}
	return n
}

// ReportRateLimit marks model saturated and, on repeated hits, raises the
// floor past every tier that uses it
func (d *Distributor) ReportRateLimit(ctx context.Context, model string) {
	now := d.now()

	d.mu.Lock()
	d.events = append(d.events, rateEvent{model: model, at: now})
	if len(d.events) > maxEvents {
		d.events = d.events[len(d.events)-maxEvents:]
	}
	d.saturated[model] = true

	if d.recentHits(model, now) >= d.policy.FloorRaiseHits {
		raised := false
		for _, tier := range d.table.ByModel(model) {
			if tier.Number < d.floor || tier.Number+1 > len(d.table) {
				continue
			}
			d.floor = tier.Number + 1
			raised = true
		}
		if raised {
			next, _ := d.table.Get(d.floor)
			fmt.Fprintf(d.out, "  [TIER SHIFT] %s saturated, floor raised to tier %d (%s)\n",
				model, d.floor, next.Label)
		}
	}
	d.mu.Unlock()

	if d.learning != nil {
		d.learning.Record(ctx, model, now)
	}
}

// ClearSaturation unmarks model after a successful run and lowers the floor
// one step when the model has had no recent hits
func (d *Distributor) ClearSaturation(model string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.saturated, model)
	if d.recentHits(model, d.now()) == 0 && d.floor > 1 {
		d.floor--
		fmt.Fprintf(d.out, "  [TIER SHIFT] %s clear, floor lowered to tier %d\n", model, d.floor)
	}
}

// IsSaturated reports whether model is currently marked saturated
func (d *Distributor) IsSaturated(model string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.saturated[model]
}

// IsAtMaxTier reports whether the floor has reached the top of the ladder
func (d *Distributor) IsAtMaxTier() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.floor >= len(d.table)
}

// Summary renders active agents per tier, e.g. "sonnet-low=3, sonnet-high=1"
func (d *Distributor) Summary() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	counts := make(map[int]int)
	for _, n := range d.active {
		counts[n]++
	}
	nums := make([]int, 0, len(counts))
	for n := range counts {
		nums = append(nums, n)
	}
	sort.Ints(nums)

	var parts []string
	for _, n := range nums {
		if tier, ok := d.table.Get(n); ok {
			parts = append(parts, fmt.Sprintf("%s=%d", tier.Label, counts[n]))
		}
	}
	if len(parts) == 0 {
		return "none active"
	}
	return strings.Join(parts, ", ")
}

// Learning keeps the per-model rate-limit observation log in the
// coordination store. It is observability only; every failure is ignored.
type Learning struct {
	mu    sync.Mutex
	store coord.Store
}

// ModelLearning is one model's entry in the learning log
type ModelLearning struct {
	Hits         []time.Time `json:"hits"`
	EstimatedRPM *float64    `json:"estimated_rpm"`
	LastUpdated  *time.Time  `json:"last_updated,omitempty"`
}

const (
	learningHitsKept = 100
	learningWindow   = 10 * time.Minute
	learningMinHits  = 3
)

// NewLearning creates a learning log over store
func NewLearning(store coord.Store) *Learning {
	return &Learning{store: store}
}

// Load returns the whole log; a missing or unreadable log is empty
func (l *Learning) Load(ctx context.Context) map[string]*ModelLearning {
	data := make(map[string]*ModelLearning)
	if ok, err := l.store.Load(ctx, coord.DocLearning, &data); err != nil || !ok {
		return make(map[string]*ModelLearning)
	}
	return data
}

// Record appends a hit for model and refreshes its RPM estimate when at
// least three hits fall inside ten minutes
func (l *Learning) Record(ctx context.Context, model string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data := l.Load(ctx)
	entry := data[model]
	if entry == nil {
		entry = &ModelLearning{}
		data[model] = entry
	}
	entry.Hits = append(entry.Hits, at.UTC())
	if len(entry.Hits) > learningHitsKept {
		entry.Hits = entry.Hits[len(entry.Hits)-learningHitsKept:]
	}

	var recent []time.Time
	for _, h := range entry.Hits {
		if at.Sub(h) < learningWindow {
			recent = append(recent, h)
		}
	}
	if len(recent) >= learningMinHits {
		span := recent[len(recent)-1].Sub(recent[0]).Minutes()
		if span > 0 {
			rpm := roundTenth(float64(len(recent)) / span)
			updated := at.UTC()
			entry.EstimatedRPM = &rpm
			entry.LastUpdated = &updated
		}
	}

	_ = l.store.Save(ctx, coord.DocLearning, data)
}

// Report prints one [LEARNED] line per model with an RPM estimate
func (l *Learning) Report(ctx context.Context, w io.Writer) {
	data := l.Load(ctx)
	models := make([]string, 0, len(data))
	for m := range data {
		models = append(models, m)
	}
	sort.Strings(models)
	for _, m := range models {
		if rpm := data[m].EstimatedRPM; rpm != nil && *rpm > 0 {
			fmt.Fprintf(w, "  [LEARNED] %s: ~%.1f RPM at limit\n", m, *rpm)
		}
	}
}

func roundTenth(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}
