package anomaly

import (
	"context"
	"fmt"
	"math"

	"cost-insight/internal/stats"
	"cost-insight/pkg/confidence"
)

// RulesName is the vote label of the rule detector.
const RulesName = "rules"

// RuleType defines what a rule checks
type RuleType string

const (
	RuleAbsoluteJump RuleType = "absolute_jump" // Spend above expectation by more than Threshold currency units
	RulePercentJump  RuleType = "percent_jump"  // Spend above expectation by more than Threshold as a fraction
	RuleNewSpend     RuleType = "new_spend"     // Idle series suddenly spending more than Threshold
)

// Rule is a fixed domain heuristic
type Rule struct {
	ID        string   `toml:"id" json:"id" validate:"required"`
	Name      string   `toml:"name" json:"name"`
	Type      RuleType `toml:"type" json:"type" validate:"oneof=absolute_jump percent_jump new_spend"`
	Threshold float64  `toml:"threshold" json:"threshold" validate:"gte=0"`
	Enabled   bool     `toml:"enabled" json:"enabled"`
}

// DefaultRules returns the built-in rule set.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:        "abs-jump",
			Name:      "Absolute daily jump",
			Type:      RuleAbsoluteJump,
			Threshold: 500,
			Enabled:   true,
		},
		{
			ID:        "pct-jump",
			Name:      "Relative daily jump",
			Type:      RulePercentJump,
			Threshold: 2.0,
			Enabled:   true,
		},
		{
			ID:        "new-spend",
			Name:      "Spend on an idle series",
			Type:      RuleNewSpend,
			Threshold: 50,
			Enabled:   true,
		},
	}
}

// Rules evaluates the configured rules against a trailing median.
type Rules struct{}

// NewRules creates the rule detector
func NewRules() *Rules {
	return &Rules{}
}

func (r *Rules) Name() string { return RulesName }

func (r *Rules) Detect(ctx context.Context, in *Input) ([]Vote, error) {
	cfg := in.Config
	var votes []Vote

	for i := range in.Points {
		baseline := in.baseline(i, cfg.BaselineWindow)
		expected := stats.Median(baseline) + in.Seasonal[i]
		if !judgeable(in, i, baseline, expected) {
			continue
		}
		x := in.raw(i)

		best := Vote{Index: i, Expected: expected}
		for _, rule := range cfg.Rules {
			if !rule.Enabled || rule.Threshold <= 0 {
				continue
			}
			score, ok := evaluateRule(rule, x, expected, cfg.MinCostFloor)
			if ok && score > best.Score {
				best.Score = score
				best.Reason = fmt.Sprintf("%s (%s): observed %.2f against expected %.2f", rule.Name, rule.ID, x, expected)
			}
		}
		if best.Score > 0 {
			votes = append(votes, best)
		}
	}
	return votes, ctx.Err()
}

// evaluateRule scores a rule hit on [3, 6] so a bare hit lands in the medium tier.
func evaluateRule(rule Rule, x, expected, floor float64) (float64, bool) {
	switch rule.Type {
	case RuleAbsoluteJump:
		jump := x - expected
		if jump < rule.Threshold {
			return 0, false
		}
		return 3 + 3*confidence.Clamp((jump-rule.Threshold)/rule.Threshold), true
	case RulePercentJump:
		if expected < floor {
			return 0, false
		}
		ratio := x / expected
		limit := 1 + rule.Threshold
		if ratio < limit {
			return 0, false
		}
		return 3 + 3*confidence.Clamp((ratio-limit)/limit), true
	case RuleNewSpend:
		if math.Abs(expected) >= floor || x < rule.Threshold {
			return 0, false
		}
		return 4.5, true
	}
	return 0, false
}
