package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ierrors "cost-insight/pkg/errors"
)

func TestClientPreferencesValidate(t *testing.T) {
	t.Run("defaults are valid", func(t *testing.T) {
		require.NoError(t, DefaultPreferences("acme").Validate())
	})

	t.Run("malformed preferences are configuration errors", func(t *testing.T) {
		p := DefaultPreferences("acme")
		p.AnomalySensitivity = "extreme"
		p.ForecastHorizonDays = 0
		p.CustomRules = []MappingRule{{Match: "([", Regex: true, Category: "Compute"}}

		err := p.Validate()
		require.Error(t, err)
		assert.True(t, ierrors.IsFatal(err))
		assert.Contains(t, err.Error(), "anomaly_sensitivity")
		assert.Contains(t, err.Error(), "forecast_horizon_days")
		assert.Contains(t, err.Error(), "custom_service_mapping_rules[0]")
	})
}

func TestClientPreferencesFieldRules(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ClientPreferences)
		want   string
	}{
		{"missing client", func(p *ClientPreferences) { p.ClientID = "" }, "client_id is required"},
		{"unknown risk tolerance", func(p *ClientPreferences) { p.RiskTolerance = "yolo" }, `risk_tolerance "yolo" must be one of: low, medium, high`},
		{"horizon too long", func(p *ClientPreferences) { p.ForecastHorizonDays = 400 }, "forecast_horizon_days 400 must be at most 365"},
		{"bad regex", func(p *ClientPreferences) {
			p.CustomRules = []MappingRule{{Match: "([", Regex: true, Category: "Compute"}}
		}, `custom_service_mapping_rules[0].match "([" is not a valid regular expression`},
		{"unknown rule provider", func(p *ClientPreferences) {
			p.CustomRules = []MappingRule{{Provider: "oracle", Match: "x", Category: "Compute"}}
		}, "custom_service_mapping_rules[0].provider"},
		{"rule without category", func(p *ClientPreferences) {
			p.CustomRules = []MappingRule{{Match: "x"}}
		}, "custom_service_mapping_rules[0].category is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPreferences("acme")
			tt.mutate(&p)
			err := p.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	literal := DefaultPreferences("acme")
	literal.CustomRules = []MappingRule{{Match: "([", Category: "Compute"}}
	assert.NoError(t, literal.Validate(), "patterns are only compiled for regex rules")
}

func TestMappingRuleCompile(t *testing.T) {
	exact, err := MappingRule{Match: "Amazon Elastic Compute Cloud", Category: "Compute"}.Compile()
	require.NoError(t, err)
	assert.True(t, exact(" amazon elastic compute cloud "))
	assert.False(t, exact("Amazon Elastic Compute Cloud - Spot"))

	re, err := MappingRule{Match: "^internal-.*-db$", Regex: true, Category: "Database"}.Compile()
	require.NoError(t, err)
	assert.True(t, re("INTERNAL-orders-db"))
}

func TestExcludesIsCaseInsensitive(t *testing.T) {
	p := ClientPreferences{ExcludedServices: []string{" storage "}}
	assert.True(t, p.Excludes("Storage"))
	assert.False(t, p.Excludes("Compute"))
}

func TestWindow(t *testing.T) {
	w, err := ParseWindow("2026-01-01_2026-03-31")
	require.NoError(t, err)
	assert.Equal(t, 90, w.Days())
	assert.Equal(t, "2026-01-01_2026-03-31", w.Key())
	assert.True(t, w.Contains(time.Date(2026, 3, 31, 18, 0, 0, 0, time.UTC)))
	assert.False(t, w.Contains(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)))

	_, err = ParseWindow("2026-03-01_2026-01-01")
	assert.Error(t, err)
}
