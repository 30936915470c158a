package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cost-insight/decision/forecast"
	"cost-insight/decision/insight"
	"cost-insight/decision/taxonomy"
	"cost-insight/pkg/api"
	ierrors "cost-insight/pkg/errors"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 0.4, cfg.Recommend.Weights.Savings)
	assert.Equal(t, 0.4, cfg.Forecast.Weights[forecast.AdditiveSeasonal])
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 6.0, cfg.Anomaly.Severity.Critical)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), "engine.toml", `
[anomaly]
sensitivity = "high"
holidays = ["2026-12-25"]

[anomaly.severity]
medium = 2.5
high = 4.0
critical = 5.5

[forecast.weights]
additive_seasonal = 0.5
learned_sequence = 0.5

[retry]
max_attempts = 5
base_delay = "250ms"

[insight]
soft_deadline = "90s"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, api.SensitivityHigh, cfg.Anomaly.Sensitivity)
	assert.Equal(t, []string{"2026-12-25"}, cfg.Anomaly.Holidays)
	assert.Equal(t, 5.5, cfg.Anomaly.Severity.Critical)
	assert.Equal(t, 14, cfg.Anomaly.BaselineWindow, "unset keys keep defaults")
	assert.Len(t, cfg.Forecast.Weights, 2, "a weights table replaces the defaults")
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, 90*time.Second, cfg.Insight.SoftDeadline)
}

func TestLoadRejects(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
	}{
		{"unknown key", "[anomaly]\nzscore = 2\n"},
		{"recommend weights", "[recommend.weights]\nsavings = 0.9\ncomplexity = 0.3\nrisk = 0.2\nfit = 0.1\n"},
		{"unknown model", "[forecast.weights]\nprophet = 1.0\n"},
		{"severity order", "[anomaly.severity]\nmedium = 5\nhigh = 4\ncritical = 6\n"},
		{"bad holiday", "[anomaly]\nholidays = [\"25/12/2026\"]\n"},
		{"syntax", "[anomaly\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, dir, tt.name+".toml", tt.content)
			_, err := Load(path)
			require.Error(t, err)
			assert.True(t, ierrors.IsFatal(err), "configuration errors are fatal: %v", err)
		})
	}

	_, err := Load(filepath.Join(dir, "missing.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidateNamesFieldsByKey(t *testing.T) {
	cfg := Default()
	cfg.Taxonomy.FuzzyThreshold = 1.5
	cfg.LLM.Model = ""
	cfg.LLM.Endpoint = "not a url"
	cfg.Insight.SeriesConcurrency = 0
	cfg.Retry.MaxAttempts = 0
	cfg.Trend.TopPeriods = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, ierrors.IsFatal(err))
	for _, want := range []string{
		"taxonomy.fuzzy_threshold 1.5 must be at most 1",
		"llm.model is required",
		`llm.endpoint "not a url" must be an absolute URL`,
		"insight.series_concurrency 0 must be at least 1",
		"retry: max_attempts 0 must be at least 1",
		"trend: top_periods 0 must be at least 1",
	} {
		assert.Contains(t, err.Error(), want)
	}
	assert.Equal(t, 1, strings.Count(err.Error(), "top_periods"), "sections with their own Validate are reported once")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("INSIGHT_LLM_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	t.Setenv("INSIGHT_LLM_MODEL", "custom-model")
	t.Setenv("INSIGHT_SOFT_DEADLINE", "45s")
	t.Setenv("INSIGHT_CLIENT_CONCURRENCY", "8")
	t.Setenv("INSIGHT_FORECAST_ACCOUNTS", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.Equal(t, "custom-model", cfg.LLM.Model)
	assert.Equal(t, 45*time.Second, cfg.Insight.SoftDeadline)
	assert.Equal(t, 8, cfg.Insight.ClientConcurrency)
	assert.True(t, cfg.Insight.ForecastAccounts)
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.LLM.APIKey = "sk-secret"
	cfg.Anomaly.Holidays = []string{"2026-01-01"}
	path := filepath.Join(t.TempDir(), "out", "engine.toml")
	require.NoError(t, Save(cfg, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "sk-secret")

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Anomaly.Holidays, loaded.Anomaly.Holidays)
	assert.Equal(t, cfg.Retry.BaseDelay, loaded.Retry.BaseDelay)
	assert.Equal(t, cfg.Forecast.Weights, loaded.Forecast.Weights)
}

const prefsYAML = `
clients:
  - client_id: acme
    anomaly_sensitivity: high
    excluded_services: [Storage]
    risk_tolerance: low
    forecast_horizon_days: 7
    custom_service_mapping_rules:
      - provider: aws
        match: "^lake-"
        regex: true
        category: Data Lake
  - client_id: globex
`

func TestParsePreferences(t *testing.T) {
	prefs, err := ParsePreferences([]byte(prefsYAML))
	require.NoError(t, err)
	require.Len(t, prefs, 2)

	acme := prefs["acme"]
	assert.Equal(t, api.SensitivityHigh, acme.AnomalySensitivity)
	assert.Equal(t, []string{"Storage"}, acme.ExcludedServices)
	assert.Equal(t, api.RiskToleranceLow, acme.RiskTolerance)
	require.Len(t, acme.CustomRules, 1)
	assert.Equal(t, "Data Lake", acme.CustomRules[0].Category)

	globex := prefs["globex"]
	assert.Equal(t, api.SensitivityMedium, globex.AnomalySensitivity)
	assert.Equal(t, 30, globex.ForecastHorizonDays)

	empty, err := ParsePreferences(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestParsePreferencesRejects(t *testing.T) {
	tests := map[string]string{
		"bad sensitivity": "clients:\n  - client_id: a\n    anomaly_sensitivity: extreme\n",
		"horizon":         "clients:\n  - client_id: a\n    forecast_horizon_days: 400\n",
		"duplicate":       "clients:\n  - client_id: a\n  - client_id: a\n",
		"unknown field":   "clients:\n  - client_id: a\n    sensitivity: high\n",
		"bad regex":       "clients:\n  - client_id: a\n    custom_service_mapping_rules:\n      - match: \"(\"\n        regex: true\n        category: X\n",
		"missing id":      "clients:\n  - risk_tolerance: low\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePreferences([]byte(doc))
			require.Error(t, err)
			assert.Equal(t, ierrors.KindConfiguration, ierrors.KindOf(err))
		})
	}
}

func TestPreferenceFileReload(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "prefs.yaml", prefsYAML)
	f, err := LoadPreferenceFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"acme", "globex"}, f.Clients())

	_, err = f.Preferences(context.Background(), "initech")
	assert.ErrorIs(t, err, insight.ErrNoPreferences)

	writeFile(t, dir, "prefs.yaml", "clients:\n  - client_id: acme\n    anomaly_sensitivity: high\n    excluded_services: [Storage]\n    risk_tolerance: low\n    forecast_horizon_days: 7\n    custom_service_mapping_rules:\n      - provider: aws\n        match: \"^lake-\"\n        regex: true\n        category: Data Lake\n  - client_id: initech\n")
	changed, err := f.Reload()
	require.NoError(t, err)
	assert.Equal(t, []string{"globex", "initech"}, changed)

	writeFile(t, dir, "prefs.yaml", "clients: [")
	_, err = f.Reload()
	require.Error(t, err)
	p, err := f.Preferences(context.Background(), "initech")
	require.NoError(t, err, "a bad file keeps the previous preferences")
	assert.Equal(t, "initech", p.ClientID)
}

func TestPreferenceWatcherReplacesMappingCache(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "prefs.yaml", "clients:\n  - client_id: acme\n")
	f, err := LoadPreferenceFile(path)
	require.NoError(t, err)

	caches := taxonomy.NewRegistry()
	before := caches.For("acme").Version()
	reloaded := make(chan []string, 4)
	w := NewPreferenceWatcher(f, caches).
		WithDebounce(20 * time.Millisecond).
		OnReload(func(changed []string) {
			select {
			case reloaded <- changed:
			default:
			}
		})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	// let the watcher register before writing
	time.Sleep(100 * time.Millisecond)

	writeFile(t, dir, "prefs.yaml", "clients:\n  - client_id: acme\n    custom_service_mapping_rules:\n      - match: warehouse\n        category: Analytics\n")

	cache := caches.For("acme")
	require.Eventually(t, func() bool {
		rules := cache.Snapshot().Rules()
		return len(rules) == 1 && rules[0].Category == "Analytics"
	}, 5*time.Second, 20*time.Millisecond)
	assert.Greater(t, cache.Version(), before)
	assert.Contains(t, <-reloaded, "acme")

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
