// Package config loads the engine tuning file and client preference files.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"cost-insight/decision/anomaly"
	"cost-insight/decision/forecast"
	"cost-insight/decision/insight"
	"cost-insight/decision/narrative"
	"cost-insight/decision/recommend"
	"cost-insight/decision/taxonomy"
	"cost-insight/decision/trend"
	ierrors "cost-insight/pkg/errors"
	"cost-insight/pkg/platform"
	"cost-insight/pkg/retry"
	"cost-insight/pkg/validation"
)

// DefaultModel is the completion model used when none is configured.
const DefaultModel = "claude-3-5-sonnet-20241022"

// TaxonomyConfig tunes service mapping
type TaxonomyConfig struct {
	FuzzyThreshold float64       `toml:"fuzzy_threshold" validate:"gt=0,lte=1"`
	CatalogTTL     time.Duration `toml:"catalog_ttl" validate:"gte=0"`
}

// Config is the engine tuning file. Every section defaults to the component's own defaults.
// Sections tagged "-" are checked by their own Validate.
type Config struct {
	Taxonomy  TaxonomyConfig       `toml:"taxonomy"`
	Anomaly   anomaly.Config       `toml:"anomaly" validate:"-"`
	Trend     trend.Config         `toml:"trend" validate:"-"`
	Forecast  forecast.Config      `toml:"forecast" validate:"-"`
	Recommend recommend.Config     `toml:"recommend" validate:"-"`
	Narrative narrative.Config     `toml:"narrative" validate:"-"`
	LLM       narrative.HTTPConfig `toml:"llm"`
	Retry     retry.Policy         `toml:"retry" validate:"-"`
	Insight   insight.Config       `toml:"insight"`
}

// Default returns the documented defaults for every component.
func Default() *Config {
	return &Config{
		Taxonomy: TaxonomyConfig{
			FuzzyThreshold: taxonomy.DefaultFuzzyThreshold,
			CatalogTTL:     24 * time.Hour,
		},
		Anomaly:   anomaly.DefaultConfig(),
		Trend:     trend.DefaultConfig(),
		Forecast:  forecast.DefaultConfig(),
		Recommend: recommend.DefaultConfig(),
		Narrative: narrative.DefaultConfig(),
		LLM: narrative.HTTPConfig{
			Endpoint:       narrative.DefaultEndpoint,
			Model:          DefaultModel,
			APIVersion:     narrative.DefaultAPIVersion,
			RequestsPerSec: 2,
			Burst:          2,
			Timeout:        60 * time.Second,
		},
		Retry:   retry.DefaultPolicy(),
		Insight: insight.DefaultConfig(),
	}
}

// Load reads the TOML file at path over the defaults, applies environment overrides and
// validates the result. An empty path yields the defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.decodeFile(path); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decodeFile(path string) error {
	// A weights table in the file replaces the default set rather than merging into it.
	weights := c.Forecast.Weights
	c.Forecast.Weights = nil

	md, err := toml.DecodeFile(path, c)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file %s: %w", path, err)
		}
		return ierrors.NewConfigurationError(ierrors.ErrCodeInvalidConfig, fmt.Sprintf("%s: %v", path, err))
	}
	if c.Forecast.Weights == nil {
		c.Forecast.Weights = weights
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return ierrors.NewConfigurationError(ierrors.ErrCodeInvalidConfig,
			fmt.Sprintf("%s: unknown keys %s", path, strings.Join(keys, ", ")))
	}
	return nil
}

// ApplyEnvOverrides applies environment variables over file values:
//   - INSIGHT_LLM_API_KEY or ANTHROPIC_API_KEY: llm api key
//   - INSIGHT_LLM_ENDPOINT: llm.endpoint
//   - INSIGHT_LLM_MODEL: llm.model
//   - INSIGHT_SOFT_DEADLINE: insight.soft_deadline
//   - INSIGHT_CLIENT_CONCURRENCY: insight.client_concurrency
//   - INSIGHT_FORECAST_ACCOUNTS: insight.forecast_accounts
func (c *Config) ApplyEnvOverrides() {
	c.LLM.APIKey = platform.GetEnvFirst(c.LLM.APIKey, "INSIGHT_LLM_API_KEY", "ANTHROPIC_API_KEY")
	c.LLM.Endpoint = platform.GetEnvFirst(c.LLM.Endpoint, "INSIGHT_LLM_ENDPOINT")
	c.LLM.Model = platform.GetEnvFirst(c.LLM.Model, "INSIGHT_LLM_MODEL")
	c.Insight.SoftDeadline = platform.GetEnvDuration("INSIGHT_SOFT_DEADLINE", c.Insight.SoftDeadline)
	c.Insight.ClientConcurrency = platform.GetEnvInt("INSIGHT_CLIENT_CONCURRENCY", c.Insight.ClientConcurrency)
	c.Insight.ForecastAccounts = platform.GetEnvBool("INSIGHT_FORECAST_ACCOUNTS", c.Insight.ForecastAccounts)
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	problems := validation.Problems(c)
	add := func(err error) {
		if err != nil {
			problems = append(problems, err.Error())
		}
	}

	add(c.Anomaly.Validate())
	add(c.Trend.Validate())
	if _, err := forecast.NewEngine(c.Forecast); err != nil {
		add(err)
	}
	add(c.Recommend.Validate())
	add(c.Narrative.Validate())
	if err := c.Retry.Validate(); err != nil {
		add(fmt.Errorf("retry: %w", err))
	}

	if len(problems) > 0 {
		return ierrors.NewConfigurationError(ierrors.ErrCodeInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// Save writes c as TOML. The API key is never written.
func Save(c *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	if err := toml.NewEncoder(file).Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}
