// Package forecast projects cost series forward with a weighted ensemble of models.
package forecast

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"cost-insight/decision/trend"
	"cost-insight/internal/stats"
	"cost-insight/pkg/api"
	"cost-insight/pkg/confidence"
	ierrors "cost-insight/pkg/errors"
	"cost-insight/pkg/validation"
)

// DefaultWeights is the ensemble weighting before renormalization.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		SeasonalStatistical: 0.3,
		AdditiveSeasonal:    0.4,
		LearnedSequence:     0.3,
	}
}

// Config tunes the ensemble
type Config struct {
	Weights   map[string]float64 `toml:"weights" validate:"dive,gte=0"`
	DecayRate float64            `toml:"decay_rate" validate:"gt=0,lte=1"` // Fraction of confidence retained per horizon day
}

// DefaultConfig returns the default ensemble settings.
func DefaultConfig() Config {
	return Config{Weights: DefaultWeights(), DecayRate: 0.995}
}

// Engine fits every model concurrently and combines the survivors
type Engine struct {
	models map[string]Model
	cfg    Config
	logger zerolog.Logger
}

// NewEngine creates an engine over the given models, or the three default models when none are given.
// Every weighted model must be registered; an unknown name is a configuration error.
func NewEngine(cfg Config, models ...Model) (*Engine, error) {
	if len(models) == 0 {
		models = []Model{NewSeasonalStatistical(), NewAdditiveSeasonal(), NewLearnedSequence()}
	}
	if cfg.Weights == nil {
		cfg.Weights = DefaultWeights()
	}
	if cfg.DecayRate == 0 {
		cfg.DecayRate = 0.995
	}
	e := &Engine{models: make(map[string]Model, len(models)), cfg: cfg, logger: zerolog.Nop()}
	for _, m := range models {
		e.models[m.Name()] = m
	}
	if err := e.validate(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) validate() error {
	problems := validation.Problems(e.cfg)
	var unknown []string
	for name := range e.cfg.Weights {
		if _, ok := e.models[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		problems = append(problems, "unknown model "+strings.Join(unknown, ", "))
	}
	if sum := confidence.Sum(e.cfg.Weights); math.IsNaN(sum) || sum <= 0 {
		problems = append(problems, "no model has positive weight")
	}
	if len(problems) > 0 {
		return ierrors.NewConfigurationError(ierrors.ErrCodeInvalidConfig, "forecast: "+strings.Join(problems, "; "))
	}
	return nil
}

// WithLogger sets the logger
func (e *Engine) WithLogger(l zerolog.Logger) *Engine {
	e.logger = l
	return e
}

// Models returns the weighted model names in sorted order.
func (e *Engine) Models() []string {
	out := make([]string, 0, len(e.cfg.Weights))
	for name, w := range e.cfg.Weights {
		if w > 0 {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Forecast projects the series horizon days past its last point.
// decomp may be nil, in which case models run without a seasonal component.
//
// Models that fail, panic or lack history are excluded and the remaining weights are
// renormalized. When no model fits, the record has status no_forecast and a reason.
// The error return is reserved for invalid arguments and cancellation.
func (e *Engine) Forecast(ctx context.Context, series api.Series, decomp *trend.Decomposition, horizon int) (api.ForecastRecord, error) {
	if horizon < 1 || horizon > api.MaxForecastHorizonDays {
		return api.ForecastRecord{}, ierrors.NewConfigurationError(ierrors.ErrCodeInvalidConfig,
			fmt.Sprintf("forecast horizon %d must be within 1..%d", horizon, api.MaxForecastHorizonDays))
	}
	record := api.ForecastRecord{
		SeriesID:       series.ID,
		HorizonDays:    horizon,
		ModelWeights:   map[string]float64{},
		ExcludedModels: map[string]string{},
	}

	values := series.Values()
	if len(values) == 0 || stats.AllZero(values) {
		record.Status = api.ForecastNoForecast
		record.Reason = "series has no spend"
		return record, nil
	}

	in := &Input{Values: values, Horizon: horizon, Decomposition: decomp}
	names := e.Models()
	results := make([]ModelResult, len(names))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			res := runModel(gctx, e.models[name], in)
			mu.Lock()
			results[i] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return api.ForecastRecord{}, err
	}

	var fitted []Fitted
	raw := make(map[string]float64)
	for _, res := range results {
		switch r := res.(type) {
		case Fitted:
			fitted = append(fitted, r)
			raw[r.Model] = e.cfg.Weights[r.Model]
		case Excluded:
			record.ExcludedModels[r.Model] = r.Reason
			e.logger.Warn().
				Str("component", "forecast").
				Str("client_id", series.ClientID).
				Str("series_id", series.ID).
				Stringer("window", series.Span()).
				Str("model", r.Model).
				Str("reason", r.Reason).
				Msg("model excluded")
		}
	}
	if len(fitted) == 0 {
		record.Status = api.ForecastNoForecast
		record.Reason = "no model could be fitted: " + joinReasons(record.ExcludedModels)
		return record, nil
	}

	weights := confidence.Normalize(raw)
	record.ModelWeights = weights
	record.Status = api.ForecastOK
	record.Points = e.combine(fitted, weights, lastDate(series), horizon)
	for _, p := range record.Points {
		record.PredictedValue += p.Value
		record.LowerBound += p.Lower
		record.UpperBound += p.Upper
	}
	record.Confidence = record.Points[horizon-1].Confidence
	if len(record.ExcludedModels) == 0 {
		record.ExcludedModels = nil
	}
	return record, nil
}

// combine averages model predictions by weight and widens the interval by the models'
// disagreement. Point confidence never rises along the horizon.
func (e *Engine) combine(fitted []Fitted, weights map[string]float64, last time.Time, horizon int) []api.ForecastPoint {
	base := 0.0
	for _, f := range fitted {
		base += weights[f.Model] * f.Confidence
	}

	points := make([]api.ForecastPoint, horizon)
	running := 1.0
	for h := 0; h < horizon; h++ {
		var value, lower, upper float64
		for _, f := range fitted {
			w := weights[f.Model]
			value += w * f.Values[h]
			lower += w * f.Lower[h]
			upper += w * f.Upper[h]
		}
		spread := 0.0
		for _, f := range fitted {
			d := f.Values[h] - value
			spread += weights[f.Model] * d * d
		}
		widen := z95 * math.Sqrt(spread)
		lower = math.Min(lower-widen, value)
		upper = math.Max(upper+widen, value)
		if value >= 0 && lower < 0 {
			lower = 0
		}

		width := 0.0
		if value != 0 {
			width = (upper - lower) / (2 * math.Abs(value))
		}
		running = math.Min(running, confidence.Clamp(1-width))
		points[h] = api.ForecastPoint{
			Date:       last.AddDate(0, 0, h+1),
			Value:      value,
			Lower:      lower,
			Upper:      upper,
			Confidence: confidence.Decay(base*running, e.cfg.DecayRate, h),
		}
	}
	return points
}

func runModel(ctx context.Context, m Model, in *Input) (res ModelResult) {
	defer func() {
		if r := recover(); r != nil {
			res = Excluded{Model: m.Name(), Reason: fmt.Sprintf("panic: %v", r)}
		}
	}()
	f, err := m.Fit(ctx, in)
	if err != nil {
		return Excluded{Model: m.Name(), Reason: err.Error(), Err: err}
	}
	for h := range f.Values {
		if math.IsNaN(f.Values[h]) || math.IsInf(f.Values[h], 0) {
			return Excluded{Model: m.Name(), Reason: "non-finite prediction",
				Err: ierrors.NewDataQualityError(ierrors.ErrCodeModelFailed, m.Name()+" produced a non-finite value")}
		}
	}
	f.Model = m.Name()
	return f
}

func lastDate(series api.Series) time.Time {
	if len(series.Points) == 0 {
		return time.Time{}
	}
	return series.Points[len(series.Points)-1].Timestamp
}

func joinReasons(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + m[k]
	}
	return strings.Join(parts, "; ")
}

// Restrict returns an engine that runs only the named models, keeping their configured weights.
func (e *Engine) Restrict(names []string) (*Engine, error) {
	if len(names) == 0 {
		return e, nil
	}
	weights := make(map[string]float64, len(names))
	models := make([]Model, 0, len(names))
	for _, name := range names {
		m, ok := e.models[name]
		if !ok {
			return nil, ierrors.NewConfigurationError(ierrors.ErrCodeInvalidConfig, "forecast: unknown model "+name)
		}
		weights[name] = e.cfg.Weights[name]
		models = append(models, m)
	}
	r, err := NewEngine(Config{Weights: weights, DecayRate: e.cfg.DecayRate}, models...)
	if err != nil {
		return nil, err
	}
	r.logger = e.logger
	return r, nil
}
