package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const factoryScopeName = "github.com/danielalanbates/github-helper/factory"

// Metrics records factory activity. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	started    metric.Int64Counter
	finished   metric.Int64Counter
	duration   metric.Float64Histogram
	contention metric.Int64Counter
	rateLimits metric.Int64Counter
	spend      metric.Float64Counter
	tierFloor  metric.Int64Gauge
	slots      metric.Int64Gauge
}

// NewMetrics creates the factory instruments on meter. A nil meter uses the
// global provider.
func NewMetrics(meter metric.Meter) *Metrics {
	if meter == nil {
		meter = Meter(factoryScopeName)
	}
	started, _ := meter.Int64Counter("dogood.agents.started",
		metric.WithDescription("Agents launched"),
	)
	finished, _ := meter.Int64Counter("dogood.agents.finished",
		metric.WithDescription("Agents finished, by outcome"),
	)
	duration, _ := meter.Float64Histogram("dogood.agent.duration",
		metric.WithDescription("Agent wall-clock time"),
		metric.WithUnit("s"),
	)
	contention, _ := meter.Int64Counter("dogood.claim_contention",
		metric.WithDescription("Claims lost to another scheduler"),
	)
	rateLimits, _ := meter.Int64Counter("dogood.rate_limit.hits",
		metric.WithDescription("Rate-limit failures reported by agents"),
	)
	spend, _ := meter.Float64Counter("dogood.spend",
		metric.WithDescription("Budget charged for successful runs"),
		metric.WithUnit("USD"),
	)
	tierFloor, _ := meter.Int64Gauge("dogood.tier.floor",
		metric.WithDescription("Lowest tier currently assigned"),
	)
	slots, _ := meter.Int64Gauge("dogood.concurrency.max",
		metric.WithDescription("Current concurrency limit"),
	)
	return &Metrics{
		started:    started,
		finished:   finished,
		duration:   duration,
		contention: contention,
		rateLimits: rateLimits,
		spend:      spend,
		tierFloor:  tierFloor,
		slots:      slots,
	}
}

// AgentStarted counts a launched agent
func (m *Metrics) AgentStarted(ctx context.Context, kind, tier string) {
	if m == nil {
		return
	}
	m.started.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent.kind", kind),
		attribute.String("tier", tier),
	))
}

// AgentFinished counts a finished agent and records how long it ran
func (m *Metrics) AgentFinished(ctx context.Context, kind, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("agent.kind", kind),
		attribute.String("outcome", outcome),
	)
	m.finished.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
}

// ClaimContention counts a lost claim race
func (m *Metrics) ClaimContention(ctx context.Context) {
	if m == nil {
		return
	}
	m.contention.Add(ctx, 1)
}

// RateLimitHit counts a rate-limited agent for model
func (m *Metrics) RateLimitHit(ctx context.Context, model string) {
	if m == nil {
		return
	}
	m.rateLimits.Add(ctx, 1, metric.WithAttributes(attribute.String("model", model)))
}

// Spend adds usd to the spend counter
func (m *Metrics) Spend(ctx context.Context, usd float64) {
	if m == nil || usd <= 0 {
		return
	}
	m.spend.Add(ctx, usd)
}

// TierFloor records the distributor floor
func (m *Metrics) TierFloor(ctx context.Context, floor int) {
	if m == nil {
		return
	}
	m.tierFloor.Record(ctx, int64(floor))
}

// Concurrency records the current concurrency limit
func (m *Metrics) Concurrency(ctx context.Context, n int) {
	if m == nil {
		return
	}
	m.slots.Record(ctx, int64(n))
}
