// Package tiers defines the ordered model tier table and the distributor
// that spreads agents across tiers as rate limits shift.
package tiers

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Models used by the default table
const (
	ModelSonnet = "claude-sonnet-4-5"
	ModelOpus   = "claude-opus-4-1"
)

// Tier is one (model, effort, budget) rung of the ladder. Higher numbers
// are more capable and more expensive.
type Tier struct {
	Number       int     `yaml:"tier" json:"tier"`
	Model        string  `yaml:"model" json:"model"`
	Effort       string  `yaml:"effort" json:"effort"`
	MaxBudgetUSD float64 `yaml:"max_budget_usd" json:"max_budget_usd"`
	Label        string  `yaml:"label" json:"label"`
}

func (t Tier) String() string {
	return fmt.Sprintf("tier %d (%s)", t.Number, t.Label)
}

// Table is the ordered tier ladder, numbered 1..len
type Table []Tier

// tableFile is the on-disk layout of tiers.yaml
type tableFile struct {
	Tiers []Tier `yaml:"tiers"`
}

// DefaultTable returns the built-in five-tier ladder
func DefaultTable() Table {
	return Table{
		{Number: 1, Model: ModelSonnet, Effort: "low", MaxBudgetUSD: 1.00, Label: "sonnet-low"},
		{Number: 2, Model: ModelSonnet, Effort: "medium", MaxBudgetUSD: 2.00, Label: "sonnet-medium"},
		{Number: 3, Model: ModelSonnet, Effort: "high", MaxBudgetUSD: 3.00, Label: "sonnet-high"},
		{Number: 4, Model: ModelOpus, Effort: "high", MaxBudgetUSD: 5.00, Label: "opus-high"},
		{Number: 5, Model: ModelOpus, Effort: "max", MaxBudgetUSD: 8.00, Label: "opus-thinking"},
	}
}

// LoadTable reads a tier table from a YAML file. An empty path returns the
// built-in table.
func LoadTable(path string) (Table, error) {
	if path == "" {
		return DefaultTable(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tier file: %w", err)
	}
	return ParseTable(data)
}

// ParseTable decodes and validates a YAML tier table
func ParseTable(data []byte) (Table, error) {
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	t := Table(f.Tiers)
	sort.SliceStable(t, func(i, j int) bool { return t[i].Number < t[j].Number })
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks the table is non-empty and numbered 1..len without gaps
func (t Table) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("tier table is empty")
	}
	labels := make(map[string]bool)
	for i, tier := range t {
		if tier.Number != i+1 {
			return fmt.Errorf("tier numbers must run 1..%d without gaps (found %d at position %d)", len(t), tier.Number, i+1)
		}
		if tier.Model == "" {
			return fmt.Errorf("tier %d: model is required", tier.Number)
		}
		if tier.Label == "" {
			return fmt.Errorf("tier %d: label is required", tier.Number)
		}
		if labels[tier.Label] {
			return fmt.Errorf("tier %d: duplicate label %q", tier.Number, tier.Label)
		}
		labels[tier.Label] = true
		if tier.MaxBudgetUSD < 0 {
			return fmt.Errorf("tier %d: max_budget_usd cannot be negative", tier.Number)
		}
	}
	return nil
}

// Get returns tier n
func (t Table) Get(n int) (Tier, bool) {
	if n < 1 || n > len(t) {
		return Tier{}, false
	}
	return t[n-1], true
}

// Top returns the most capable tier
func (t Table) Top() Tier {
	return t[len(t)-1]
}

// Next returns the tier above cur, if any
func (t Table) Next(cur Tier) (Tier, bool) {
	return t.Get(cur.Number + 1)
}

// ByLabel finds a tier by label, case-insensitively
func (t Table) ByLabel(label string) (Tier, bool) {
	for _, tier := range t {
		if strings.EqualFold(tier.Label, label) {
			return tier, true
		}
	}
	return Tier{}, false
}

// ByModel returns every tier using model, lowest first
func (t Table) ByModel(model string) []Tier {
	var out []Tier
	for _, tier := range t {
		if tier.Model == model {
			out = append(out, tier)
		}
	}
	return out
}
