package anomaly

import (
	"time"

	"cost-insight/pkg/api"
	ierrors "cost-insight/pkg/errors"
	"cost-insight/pkg/validation"
)

// Config holds every tunable detector parameter. Thresholds are stated at medium
// sensitivity and scaled by Scaled.
type Config struct {
	Sensitivity api.Sensitivity `toml:"sensitivity" validate:"omitempty,oneof=low medium high"`

	// Statistical detector
	BaselineWindow    int     `toml:"baseline_window" validate:"min=2"`                             // Trailing points in the rolling baseline
	MinBaselinePoints int     `toml:"min_baseline_points" validate:"min=2,ltefield=BaselineWindow"` // Points needed before a value is judged
	ZScoreThreshold   float64 `toml:"zscore_threshold" validate:"gt=0"`
	IQRMultiplier     float64 `toml:"iqr_multiplier" validate:"gt=0"`
	RelativeStdFloor  float64 `toml:"relative_std_floor" validate:"gte=0"` // Minimum spread as a fraction of the baseline level
	AbsoluteStdFloor  float64 `toml:"absolute_std_floor" validate:"gte=0"`

	// Density detector
	DensityThreshold float64 `toml:"density_threshold" validate:"gt=0.5,lt=1"` // Isolation score in (0.5, 1)
	DensityTrees     int     `toml:"density_trees" validate:"min=1"`
	DensitySample    int     `toml:"density_sample" validate:"min=2"`
	DensitySeed      int64   `toml:"density_seed"`

	// Rule detector
	Rules []Rule `toml:"rules" validate:"dive"`

	// Shared
	MinCostFloor    float64  `toml:"min_cost_floor" validate:"gte=0"` // Points below this on both sides are ignored
	ExcludeWeekends bool     `toml:"exclude_weekends"`
	Holidays        []string `toml:"holidays" validate:"dive,datetime=2006-01-02"`

	Severity SeverityBoundaries `toml:"severity"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Sensitivity:       api.SensitivityMedium,
		BaselineWindow:    14,
		MinBaselinePoints: 7,
		ZScoreThreshold:   3.0,
		IQRMultiplier:     3.0,
		RelativeStdFloor:  0.05,
		AbsoluteStdFloor:  0.5,
		DensityThreshold:  0.65,
		DensityTrees:      100,
		DensitySample:     256,
		DensitySeed:       42,
		Rules:             DefaultRules(),
		MinCostFloor:      1.0,
		Severity:          DefaultSeverityBoundaries(),
	}
}

// SensitivityFactor returns the threshold multiplier for a sensitivity level.
func SensitivityFactor(s api.Sensitivity) float64 {
	switch s {
	case api.SensitivityLow:
		return 1.5
	case api.SensitivityHigh:
		return 0.75
	default:
		return 1.0
	}
}

// Scaled returns a copy with thresholds adjusted for the configured sensitivity.
func (c Config) Scaled() Config {
	f := SensitivityFactor(c.Sensitivity)
	out := c
	out.ZScoreThreshold = c.ZScoreThreshold * f
	out.IQRMultiplier = c.IQRMultiplier * f
	out.DensityThreshold = 0.5 + (c.DensityThreshold-0.5)*f
	if out.DensityThreshold >= 1 {
		out.DensityThreshold = 0.99
	}
	out.Rules = make([]Rule, len(c.Rules))
	for i, r := range c.Rules {
		r.Threshold *= f
		out.Rules[i] = r
	}
	return out
}

// WithSensitivity returns a copy using s.
func (c Config) WithSensitivity(s api.Sensitivity) Config {
	c.Sensitivity = s
	return c
}

// Validate rejects unusable detector parameters.
func (c Config) Validate() error {
	return validation.Struct(c, ierrors.ErrCodeInvalidConfig, "anomaly: ")
}

func (c Config) excluded(t time.Time) bool {
	if c.ExcludeWeekends {
		if wd := t.UTC().Weekday(); wd == time.Saturday || wd == time.Sunday {
			return true
		}
	}
	day := t.UTC().Format(api.DateLayout)
	for _, h := range c.Holidays {
		if h == day {
			return true
		}
	}
	return false
}
