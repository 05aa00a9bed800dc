package tiers

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielalanbates/github-helper/internal/coord"
)

type stepClock struct {
	now time.Time
}

func (c *stepClock) Now() time.Time { return c.now }

func newTestDistributor(t *testing.T) (*Distributor, *stepClock, *bytes.Buffer) {
	t.Helper()
	clock := &stepClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	out := &bytes.Buffer{}
	return NewDistributor(DefaultTable(), WithClock(clock.Now), WithOutput(out)), clock, out
}

func TestDefaultTable(t *testing.T) {
	table := DefaultTable()
	require.NoError(t, table.Validate())
	assert.Len(t, table, 5)
	assert.Equal(t, "opus-thinking", table.Top().Label)

	tier, ok := table.Get(1)
	require.True(t, ok)
	assert.Equal(t, "sonnet-low", tier.Label)
	_, ok = table.Get(6)
	assert.False(t, ok)

	next, ok := table.Next(tier)
	require.True(t, ok)
	assert.Equal(t, 2, next.Number)
	_, ok = table.Next(table.Top())
	assert.False(t, ok)

	byLabel, ok := table.ByLabel("OPUS-HIGH")
	require.True(t, ok)
	assert.Equal(t, 4, byLabel.Number)
	assert.Len(t, table.ByModel(ModelSonnet), 3)
}

func TestParseTable(t *testing.T) {
	table, err := ParseTable([]byte(`
tiers:
  - tier: 2
    model: big
    effort: high
    max_budget_usd: 4.5
    label: big-high
  - tier: 1
    model: small
    effort: low
    max_budget_usd: 0.5
    label: small-low
`))
	require.NoError(t, err)
	require.Len(t, table, 2)
	assert.Equal(t, "small-low", table[0].Label, "tiers are sorted by number")
	assert.Equal(t, 4.5, table.Top().MaxBudgetUSD)

	_, err = ParseTable([]byte("tiers: []"))
	assert.Error(t, err)

	_, err = ParseTable([]byte(`
tiers:
  - {tier: 1, model: a, label: a}
  - {tier: 3, model: b, label: b}
`))
	assert.ErrorContains(t, err, "without gaps")
}

func TestLoadTable(t *testing.T) {
	table, err := LoadTable("")
	require.NoError(t, err)
	assert.Equal(t, DefaultTable(), table)

	path := filepath.Join(t.TempDir(), "tiers.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tiers:\n  - {tier: 1, model: m, effort: low, label: only}\n"), 0644))
	table, err = LoadTable(path)
	require.NoError(t, err)
	assert.Equal(t, "only", table.Top().Label)

	_, err = LoadTable(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestAssignTierHighSlot(t *testing.T) {
	d, _, _ := newTestDistributor(t)

	assert.Equal(t, 3, d.AssignTier("a1").Number, "first agent takes the high slot")
	assert.Equal(t, 1, d.AssignTier("a2").Number)
	assert.Equal(t, 1, d.AssignTier("a3").Number)
	assert.Equal(t, "sonnet-low=2, sonnet-high=1", d.Summary())

	d.ReleaseAgent("a1")
	assert.Equal(t, 3, d.AssignTier("a4").Number, "released high slot is reused")
}

func TestAssignTierWalksPastSaturatedModel(t *testing.T) {
	d, _, _ := newTestDistributor(t)
	ctx := context.Background()

	d.ReportRateLimit(ctx, ModelSonnet)
	assert.Equal(t, 1, d.Floor(), "one hit does not move the floor")
	assert.True(t, d.IsSaturated(ModelSonnet))

	assert.Equal(t, 4, d.AssignTier("a1").Number)
	assert.Equal(t, 4, d.AssignTier("a2").Number)

	d.ClearSaturation(ModelSonnet)
	assert.Equal(t, 1, d.AssignTier("a3").Number)
}

func TestFloorRaiseAndLower(t *testing.T) {
	d, clock, out := newTestDistributor(t)
	ctx := context.Background()

	d.ReportRateLimit(ctx, ModelSonnet)
	clock.now = clock.now.Add(time.Minute)
	d.ReportRateLimit(ctx, ModelSonnet)
	assert.Equal(t, 4, d.Floor(), "floor moves past every sonnet tier")
	assert.Contains(t, out.String(), "[TIER SHIFT]")
	assert.False(t, d.IsAtMaxTier())
	assert.Equal(t, 5, d.AssignTier("a1").Number, "high slot is capped at the top tier")

	d.ReportRateLimit(ctx, ModelOpus)
	d.ReportRateLimit(ctx, ModelOpus)
	assert.Equal(t, 5, d.Floor())
	assert.True(t, d.IsAtMaxTier())

	// Recent hits keep the floor up
	d.ClearSaturation(ModelOpus)
	assert.Equal(t, 5, d.Floor())

	clock.now = clock.now.Add(6 * time.Minute)
	for i := 0; i < 10; i++ {
		d.ClearSaturation(ModelOpus)
	}
	assert.Equal(t, 1, d.Floor(), "floor never drops below 1")
}

func TestWithPolicy(t *testing.T) {
	clock := &stepClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	d := NewDistributor(DefaultTable(), WithClock(clock.Now), WithOutput(&bytes.Buffer{}), WithPolicy(Policy{
		HighOffset:     1,
		HighSlots:      2,
		FloorRaiseHits: 1,
		HitWindow:      time.Minute,
	}))

	assert.Equal(t, 2, d.AssignTier("a1").Number)
	assert.Equal(t, 2, d.AssignTier("a2").Number)
	assert.Equal(t, 1, d.AssignTier("a3").Number)

	d.ReportRateLimit(context.Background(), ModelSonnet)
	assert.Equal(t, 4, d.Floor(), "a single hit raises the floor")

	clock.now = clock.now.Add(2 * time.Minute)
	d.ClearSaturation(ModelSonnet)
	assert.Equal(t, 3, d.Floor(), "hits age out after the window")
}

func TestPolicyValidate(t *testing.T) {
	assert.NoError(t, DefaultPolicy().Validate())

	p := DefaultPolicy()
	p.FloorRaiseHits = 0
	assert.Error(t, p.Validate())

	p = DefaultPolicy()
	p.HitWindow = 0
	assert.Error(t, p.Validate())
}

func TestPin(t *testing.T) {
	d, _, _ := newTestDistributor(t)
	d.Pin("bounty", DefaultTable().Top())
	assert.Equal(t, "opus-thinking=1", d.Summary())
	assert.Equal(t, 1, d.AssignTier("next").Number, "pinned top tier fills the high slot")
	d.ReleaseAgent("bounty")
	d.ReleaseAgent("next")
	assert.Equal(t, "none active", d.Summary())
}

func TestLearningEstimate(t *testing.T) {
	store := coord.NewMemoryStore()
	l := NewLearning(store)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	l.Record(ctx, ModelSonnet, start)
	l.Record(ctx, ModelSonnet, start.Add(time.Minute))
	assert.Nil(t, l.Load(ctx)[ModelSonnet].EstimatedRPM, "two hits are not enough")

	l.Record(ctx, ModelSonnet, start.Add(2*time.Minute))
	entry := l.Load(ctx)[ModelSonnet]
	require.NotNil(t, entry.EstimatedRPM)
	assert.Equal(t, 1.5, *entry.EstimatedRPM)

	out := &bytes.Buffer{}
	l.Report(ctx, out)
	assert.Equal(t, "  [LEARNED] claude-sonnet-4-5: ~1.5 RPM at limit\n", out.String())
}

func TestLearningKeepsLastHundredHits(t *testing.T) {
	l := NewLearning(coord.NewMemoryStore())
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 120; i++ {
		l.Record(ctx, ModelOpus, start.Add(time.Duration(i)*time.Hour))
	}
	assert.Len(t, l.Load(ctx)[ModelOpus].Hits, 100)
}

func TestDistributorRecordsLearning(t *testing.T) {
	store := coord.NewMemoryStore()
	d := NewDistributor(DefaultTable(), WithLearning(NewLearning(store)), WithOutput(&bytes.Buffer{}))
	d.ReportRateLimit(context.Background(), ModelOpus)
	assert.True(t, store.Has(coord.DocLearning))
}
