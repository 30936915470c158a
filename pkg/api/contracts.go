package api

import (
	"fmt"
	"regexp"
	"strings"

	ierrors "cost-insight/pkg/errors"
	"cost-insight/pkg/validation"
)

// Sensitivity scales anomaly detector thresholds
type Sensitivity string

const (
	SensitivityLow    Sensitivity = "low"
	SensitivityMedium Sensitivity = "medium"
	SensitivityHigh   Sensitivity = "high"
)

// RiskTolerance sets the acceptable recommendation risk ceiling
type RiskTolerance string

const (
	RiskToleranceLow    RiskTolerance = "low"
	RiskToleranceMedium RiskTolerance = "medium"
	RiskToleranceHigh   RiskTolerance = "high"
)

// Ceiling returns the maximum recommendation risk accepted at this tolerance.
func (r RiskTolerance) Ceiling() float64 {
	switch r {
	case RiskToleranceLow:
		return 0.3
	case RiskToleranceHigh:
		return 0.9
	default:
		return 0.6
	}
}

// MappingRule is a client-specific taxonomy override.
// An empty Provider matches every provider.
type MappingRule struct {
	Provider Provider `json:"provider,omitempty" yaml:"provider,omitempty" validate:"omitempty,oneof=aws gcp azure"`
	Match    string   `json:"match" yaml:"match" validate:"required,regexp_when=Regex"`
	Regex    bool     `json:"regex,omitempty" yaml:"regex,omitempty"`
	Category string   `json:"category" yaml:"category" validate:"required"`
}

// Compile validates the rule and returns its matcher.
func (r MappingRule) Compile() (func(string) bool, error) {
	if problems := validation.Problems(r); len(problems) > 0 {
		return nil, fmt.Errorf("rule %q: %s", r.Match, strings.Join(problems, "; "))
	}
	if !r.Regex {
		want := strings.ToLower(strings.TrimSpace(r.Match))
		return func(name string) bool {
			return strings.ToLower(strings.TrimSpace(name)) == want
		}, nil
	}
	re, err := regexp.Compile("(?i)" + r.Match)
	if err != nil {
		return nil, fmt.Errorf("rule %q: %w", r.Match, err)
	}
	return re.MatchString, nil
}

// ClientPreferences is the per-client configuration contract.
type ClientPreferences struct {
	ClientID            string        `json:"client_id" yaml:"client_id" validate:"required"`
	AnomalySensitivity  Sensitivity   `json:"anomaly_sensitivity" yaml:"anomaly_sensitivity" validate:"oneof=low medium high"`
	ExcludedServices    []string      `json:"excluded_services" yaml:"excluded_services"`
	RiskTolerance       RiskTolerance `json:"risk_tolerance" yaml:"risk_tolerance" validate:"oneof=low medium high"`
	ForecastHorizonDays int           `json:"forecast_horizon_days" yaml:"forecast_horizon_days" validate:"min=1,max=365"`
	CustomRules         []MappingRule `json:"custom_service_mapping_rules" yaml:"custom_service_mapping_rules" validate:"dive"`
}

// MaxForecastHorizonDays bounds forecast_horizon_days.
const MaxForecastHorizonDays = 365

// DefaultPreferences returns preferences for a client with no stored configuration.
func DefaultPreferences(clientID string) ClientPreferences {
	return ClientPreferences{
		ClientID:            clientID,
		AnomalySensitivity:  SensitivityMedium,
		RiskTolerance:       RiskToleranceMedium,
		ForecastHorizonDays: 30,
	}
}

// WithDefaults fills unset optional fields.
func (p ClientPreferences) WithDefaults() ClientPreferences {
	if p.AnomalySensitivity == "" {
		p.AnomalySensitivity = SensitivityMedium
	}
	if p.RiskTolerance == "" {
		p.RiskTolerance = RiskToleranceMedium
	}
	if p.ForecastHorizonDays == 0 {
		p.ForecastHorizonDays = 30
	}
	return p
}

// Validate rejects malformed preferences with a configuration error.
func (p ClientPreferences) Validate() error {
	return validation.Struct(p, ierrors.ErrCodeInvalidPreferences, "")
}

// Excludes reports whether category is in the client's excluded services.
func (p ClientPreferences) Excludes(category string) bool {
	for _, s := range p.ExcludedServices {
		if strings.EqualFold(strings.TrimSpace(s), category) {
			return true
		}
	}
	return false
}

// LLMRequest is sent to the language-model backend
type LLMRequest struct {
	Prompt          string  `json:"prompt"`
	System          string  `json:"system,omitempty"`
	MaxOutputTokens int     `json:"max_output_tokens"`
	Temperature     float64 `json:"temperature"`
	GuardrailID     string  `json:"guardrail_id,omitempty"`
}

// TokenUsage reports tokens consumed by one LLM call
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// LLMResponse is the raw backend reply; Text may or may not contain structured data.
type LLMResponse struct {
	Text       string     `json:"text"`
	StopReason string     `json:"stop_reason"`
	TokenUsage TokenUsage `json:"token_usage"`
}
