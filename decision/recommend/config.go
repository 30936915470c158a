package recommend

import (
	"fmt"
	"math"
	"strings"

	"cost-insight/pkg/confidence"
	ierrors "cost-insight/pkg/errors"
	"cost-insight/pkg/validation"
)

// Weights are the composite score coefficients. They must sum to 1.
type Weights struct {
	Savings    float64 `toml:"savings" validate:"gte=0"`
	Complexity float64 `toml:"complexity" validate:"gte=0"`
	Risk       float64 `toml:"risk" validate:"gte=0"`
	Fit        float64 `toml:"fit" validate:"gte=0"`
}

// DefaultWeights returns 0.4 savings, 0.3 complexity, 0.2 risk, 0.1 fit.
func DefaultWeights() Weights {
	return Weights{Savings: 0.4, Complexity: 0.3, Risk: 0.2, Fit: 0.1}
}

func (w Weights) sum() float64 {
	return w.Savings + w.Complexity + w.Risk + w.Fit
}

// Config tunes candidate generation and filtering
type Config struct {
	Weights  Weights `toml:"weights"`
	MinScore float64 `toml:"min_score" validate:"gte=0,lte=1"` // Candidates scoring below this are dropped

	// Context rules
	MinHistoryDays       int     `toml:"min_history_days" validate:"gte=0"`
	CostFloor            float64 `toml:"cost_floor" validate:"gte=0"`            // Minimum monthly spend of a category
	UtilizationThreshold float64 `toml:"utilization_threshold" validate:"gte=0"` // Maximum volatility for commitment purchases
	IdleVolatility       float64 `toml:"idle_volatility" validate:"gte=0"`       // Volatility under which flat spend looks idle

	// Share of the monthly bill that earns full savings credit
	SavingsReference float64 `toml:"savings_reference" validate:"gt=0"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Weights:              DefaultWeights(),
		MinScore:             0.3,
		MinHistoryDays:       30,
		CostFloor:            100,
		UtilizationThreshold: 0.15,
		IdleVolatility:       0.01,
		SavingsReference:     0.1,
	}
}

// Validate checks the settings; the weights must also sum to 1.
func (c Config) Validate() error {
	problems := validation.Problems(c)
	w := c.Weights
	switch sum := w.sum(); {
	case math.IsNaN(sum):
		problems = append(problems, "weights must be numbers")
	case math.Abs(sum-1) > confidence.WeightTolerance:
		problems = append(problems, fmt.Sprintf("weights sum to %.6f, want 1", sum))
	}
	if len(problems) > 0 {
		return ierrors.NewConfigurationError(ierrors.ErrCodeInvalidConfig, "recommend: "+strings.Join(problems, "; "))
	}
	return nil
}
