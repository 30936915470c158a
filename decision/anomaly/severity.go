package anomaly

import (
	"cost-insight/pkg/api"
	ierrors "cost-insight/pkg/errors"
	"cost-insight/pkg/validation"
)

// SeverityBoundaries are the lower bounds of each tier on the normalized deviation scale.
type SeverityBoundaries struct {
	Medium   float64 `toml:"medium" validate:"gt=0"`
	High     float64 `toml:"high" validate:"gtfield=Medium"`
	Critical float64 `toml:"critical" validate:"gtfield=High"`
}

// DefaultSeverityBoundaries returns the default tiers.
func DefaultSeverityBoundaries() SeverityBoundaries {
	return SeverityBoundaries{Medium: 3.0, High: 4.5, Critical: 6.0}
}

// Validate checks the boundaries are strictly increasing.
func (b SeverityBoundaries) Validate() error {
	return validation.Struct(b, ierrors.ErrCodeInvalidConfig, "severity: ")
}

// Classify buckets a deviation score. It depends only on the score.
func (b SeverityBoundaries) Classify(score float64) api.Severity {
	switch {
	case score >= b.Critical:
		return api.SeverityCritical
	case score >= b.High:
		return api.SeverityHigh
	case score >= b.Medium:
		return api.SeverityMedium
	default:
		return api.SeverityLow
	}
}
