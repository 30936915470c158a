// Package insight sequences the taxonomy, detection, decomposition, forecasting,
// recommendation and narrative components into one insight bundle per client and window.
package insight

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"cost-insight/decision/anomaly"
	"cost-insight/decision/forecast"
	"cost-insight/decision/narrative"
	"cost-insight/decision/recommend"
	"cost-insight/decision/taxonomy"
	"cost-insight/decision/trend"
	"cost-insight/internal/stats"
	"cost-insight/pkg/api"
	ierrors "cost-insight/pkg/errors"
)

// Quality weights of the bundle score
const (
	detectorWeight  = 0.4
	modelWeight     = 0.3
	narrativeWeight = 0.3
)

// narrativeCredit is the quality credit of each parse status.
var narrativeCredit = map[api.ParseStatus]float64{
	api.ParseStructured: 1.0,
	api.ParseSkipped:    1.0,
	api.ParseDegraded:   0.5,
	api.ParseError:      0.0,
}

// Config tunes a run
type Config struct {
	SoftDeadline      time.Duration `toml:"soft_deadline" validate:"gt=0"`       // From run start; narrative falls back to the template past it
	SeriesConcurrency int           `toml:"series_concurrency" validate:"min=1"` // Series analysed in parallel within a run
	ClientConcurrency int           `toml:"client_concurrency" validate:"min=1"` // Runs in parallel for RunMany
	ForecastAccounts  bool          `toml:"forecast_accounts"`                   // Also forecast per-account series
}

// DefaultConfig returns the default run settings.
func DefaultConfig() Config {
	return Config{
		SoftDeadline:      2 * time.Minute,
		SeriesConcurrency: 4,
		ClientConcurrency: 4,
	}
}

// Dependencies are the collaborators of an orchestrator.
type Dependencies struct {
	Records     RecordSource
	Store       BundleStore
	Preferences PreferenceSource // Optional; defaults apply when nil
	Publisher   Publisher        // Optional
	Observer    Observer         // Optional

	Mapper        *taxonomy.Mapper
	Detectors     *anomaly.Ensemble
	AnomalyConfig anomaly.Config
	Analyzer      *trend.Analyzer
	Forecaster    *forecast.Engine
	Recommender   *recommend.Engine
	Narrator      *narrative.Synthesizer
}

func (d Dependencies) validate() error {
	var missing []string
	if d.Records == nil {
		missing = append(missing, "records")
	}
	if d.Store == nil {
		missing = append(missing, "store")
	}
	if d.Mapper == nil {
		missing = append(missing, "mapper")
	}
	if d.Detectors == nil {
		missing = append(missing, "detectors")
	}
	if d.Analyzer == nil {
		missing = append(missing, "analyzer")
	}
	if d.Forecaster == nil {
		missing = append(missing, "forecaster")
	}
	if d.Recommender == nil {
		missing = append(missing, "recommender")
	}
	if d.Narrator == nil {
		missing = append(missing, "narrator")
	}
	if len(missing) > 0 {
		return ierrors.NewConfigurationError(ierrors.ErrCodeInvalidConfig, fmt.Sprintf("insight: missing dependencies %v", missing))
	}
	return nil
}

// Orchestrator runs the insight pipeline
type Orchestrator struct {
	deps   Dependencies
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(deps Dependencies, cfg Config) (*Orchestrator, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if err := deps.AnomalyConfig.Validate(); err != nil {
		return nil, err
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if cfg.SeriesConcurrency < 1 {
		cfg.SeriesConcurrency = 1
	}
	if cfg.ClientConcurrency < 1 {
		cfg.ClientConcurrency = 1
	}
	return &Orchestrator{deps: deps, cfg: cfg, logger: zerolog.Nop(), now: time.Now}, nil
}

// WithLogger sets the logger
func (o *Orchestrator) WithLogger(l zerolog.Logger) *Orchestrator {
	o.logger = l
	return o
}

// seriesResult is the per-series output of the analysis stage.
type seriesResult struct {
	trend     *api.TrendSummary
	anomalies []api.AnomalyRecord
	forecast  *api.ForecastRecord
	detectors int
	failed    int
	requested int
	fitted    int
	degraded  []string
}

// Run produces and publishes the bundle for one client and window.
//
// Only configuration errors, source or store failures and cancellation fail a run.
// Component failures lower the quality score instead. Nothing is published unless the
// whole bundle was built.
func (o *Orchestrator) Run(ctx context.Context, clientID string, window api.Window) (*api.InsightBundle, error) {
	start := o.now()
	log := o.logger.With().Str("client_id", clientID).Str("window", window.Key()).Logger()

	bundle, err := o.build(ctx, clientID, window, start, log)
	if err != nil {
		o.deps.Observer.RunFailed(clientID, err)
		log.Error().Err(err).Str("component", "insight").Msg("run failed")
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		o.deps.Observer.RunFailed(clientID, err)
		return nil, err
	}
	if err := o.deps.Store.Replace(ctx, bundle); err != nil {
		err = fmt.Errorf("publish bundle: %w", err)
		o.deps.Observer.RunFailed(clientID, err)
		log.Error().Err(err).Str("component", "insight").Msg("run failed")
		return nil, err
	}
	elapsed := o.now().Sub(start)
	o.deps.Observer.RunCompleted(bundle, elapsed)

	if o.deps.Publisher != nil {
		if err := o.deps.Publisher.Publish(ctx, bundle); err != nil {
			log.Warn().Err(err).Str("component", "notify").Msg("bundle published but event not sent")
		}
	}
	log.Info().
		Str("component", "insight").
		Str("run_id", bundle.RunID.String()).
		Int("anomalies", len(bundle.Anomalies)).
		Int("forecasts", len(bundle.Forecasts)).
		Int("recommendations", len(bundle.Recommendations)).
		Str("narrative", string(bundle.Narrative.ParseStatus)).
		Float64("quality_score", bundle.QualityScore).
		Dur("elapsed", elapsed).
		Msg("bundle published")
	return bundle, nil
}

func (o *Orchestrator) build(ctx context.Context, clientID string, window api.Window, start time.Time, log zerolog.Logger) (*api.InsightBundle, error) {
	if clientID == "" {
		return nil, ierrors.NewConfigurationError(ierrors.ErrCodeInvalidRequest, "client_id is required")
	}
	if err := window.Validate(); err != nil {
		return nil, ierrors.NewConfigurationError(ierrors.ErrCodeInvalidRequest, err.Error())
	}

	prefs, err := o.preferences(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if _, _, err := o.deps.Mapper.Caches().For(clientID).EnsureRules(prefs.CustomRules); err != nil {
		return nil, ierrors.NewConfigurationError(ierrors.ErrCodeInvalidPreferences, err.Error())
	}

	records, err := o.deps.Records.Records(ctx, clientID, window)
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	records = Dedupe(records, window)
	mapped, review := o.mapRecords(clientID, records)
	if review > 0 {
		log.Info().Str("component", "taxonomy").Int("unmapped", review).Msg("services need review")
	}

	bundle := &api.InsightBundle{
		RunID:           uuid.New(),
		ClientID:        clientID,
		Window:          window,
		Anomalies:       []api.AnomalyRecord{},
		Trends:          []api.TrendSummary{},
		Forecasts:       []api.ForecastRecord{},
		Recommendations: []api.RecommendationRecord{},
	}

	series := BuildSeries(clientID, window, mapped)
	if len(series) == 0 {
		bundle.Quality.DegradedSections = []string{"no cost records in window"}
		bundle.Narrative = api.NarrativeResult{ParseStatus: api.ParseSkipped, KeyDrivers: []string{}}
		bundle.GeneratedAt = o.now().UTC()
		return bundle, nil
	}

	results, err := o.analyse(ctx, series, prefs, log)
	if err != nil {
		return nil, err
	}

	q := &bundle.Quality
	for _, r := range results {
		if r.trend != nil {
			bundle.Trends = append(bundle.Trends, *r.trend)
		}
		bundle.Anomalies = append(bundle.Anomalies, r.anomalies...)
		if r.forecast != nil && r.forecast.Fitted() {
			bundle.Forecasts = append(bundle.Forecasts, *r.forecast)
		}
		q.DetectorsRun += r.detectors
		q.DetectorsFailed += r.failed
		q.ModelsRequested += r.requested
		q.ModelsFitted += r.fitted
		q.DegradedSections = append(q.DegradedSections, r.degraded...)
	}
	sortAnomalies(bundle.Anomalies)
	if q.DetectorsFailed > 0 {
		o.deps.Observer.ComponentFailed("anomaly", q.DetectorsFailed)
	}
	if q.ModelsRequested > q.ModelsFitted {
		o.deps.Observer.ComponentFailed("forecast", q.ModelsRequested-q.ModelsFitted)
	}

	recs, err := o.deps.Recommender.Recommend(bundle.Anomalies, bundle.Trends, prefs)
	if err != nil {
		if ierrors.IsFatal(err) {
			return nil, err
		}
		log.Warn().Err(err).Str("component", "recommend").Msg("recommendations skipped")
		q.DegradedSections = append(q.DegradedSections, "recommendations: "+err.Error())
		o.deps.Observer.ComponentFailed("recommend", 1)
	} else {
		bundle.Recommendations = recs
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nctx, cancel := context.WithDeadline(ctx, start.Add(o.cfg.SoftDeadline))
	defer cancel()
	bundle.Narrative = o.deps.Narrator.Synthesize(nctx, narrative.Input{
		Anomalies:       bundle.Anomalies,
		Trends:          bundle.Trends,
		Forecasts:       bundle.Forecasts,
		Recommendations: bundle.Recommendations,
		ClientID:        clientID,
		Context: narrative.ClientContext{
			Window:        window,
			Currency:      currencyOf(mapped),
			Sensitivity:   prefs.AnomalySensitivity,
			RiskTolerance: prefs.RiskTolerance,
		},
	})
	switch bundle.Narrative.ParseStatus {
	case api.ParseDegraded, api.ParseError:
		q.DegradedSections = append(q.DegradedSections, "narrative: "+string(bundle.Narrative.ParseStatus))
		log.Warn().Str("component", "narrative").Str("error", bundle.Narrative.Error).
			Int("attempts", bundle.Narrative.Attempts).Msg("narrative degraded")
		o.deps.Observer.ComponentFailed("narrative", 1)
	}

	q.NarrativeCredit = narrativeCredit[bundle.Narrative.ParseStatus]
	bundle.QualityScore = Score(*q)
	bundle.GeneratedAt = o.now().UTC()
	return bundle, nil
}

// Score combines detector success, model fit and narrative credit into [0, 1].
// A stage with nothing to run earns full credit.
func Score(q api.QualityReport) float64 {
	detectors := 1.0
	if total := q.DetectorsRun + q.DetectorsFailed; total > 0 {
		detectors = float64(q.DetectorsRun) / float64(total)
	}
	models := 1.0
	if q.ModelsRequested > 0 {
		models = float64(q.ModelsFitted) / float64(q.ModelsRequested)
	}
	return detectorWeight*detectors + modelWeight*models + narrativeWeight*q.NarrativeCredit
}

func (o *Orchestrator) preferences(ctx context.Context, clientID string) (api.ClientPreferences, error) {
	prefs := api.DefaultPreferences(clientID)
	if o.deps.Preferences != nil {
		p, err := o.deps.Preferences.Preferences(ctx, clientID)
		switch {
		case err == nil:
			prefs = p
			prefs.ClientID = clientID
		case errors.Is(err, ErrNoPreferences):
		default:
			return api.ClientPreferences{}, fmt.Errorf("load preferences: %w", err)
		}
	}
	prefs = prefs.WithDefaults()
	if err := prefs.Validate(); err != nil {
		return api.ClientPreferences{}, err
	}
	return prefs, nil
}

// mapRecords assigns unified categories. It returns copies; source records are not modified.
func (o *Orchestrator) mapRecords(clientID string, records []api.NormalizedCostRecord) ([]api.NormalizedCostRecord, int) {
	out := make([]api.NormalizedCostRecord, len(records))
	review := 0
	for i, r := range records {
		m := o.deps.Mapper.Map(r.Provider, r.Service, clientID)
		if m.NeedsReview {
			review++
		}
		r.ServiceCategory = m.UnifiedCategory
		out[i] = r
	}
	return out, review
}

func (o *Orchestrator) analyse(ctx context.Context, series []api.Series, prefs api.ClientPreferences, log zerolog.Logger) ([]seriesResult, error) {
	acfg := o.deps.AnomalyConfig.WithSensitivity(prefs.AnomalySensitivity)
	results := make([]seriesResult, len(series))
	models := len(o.deps.Forecaster.Models())

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.SeriesConcurrency)
	for i, s := range series {
		i, s := i, s
		g.Go(func() error {
			r, err := o.analyseSeries(gctx, s, acfg, prefs.ForecastHorizonDays, models, log)
			if err != nil {
				return err
			}
			mu.Lock()
			results[i] = r
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (o *Orchestrator) analyseSeries(ctx context.Context, s api.Series, acfg anomaly.Config, horizon, models int, log zerolog.Logger) (seriesResult, error) {
	var r seriesResult
	category := categoryOf(s)

	d, err := o.deps.Analyzer.Decompose(s)
	switch {
	case err == nil:
		summary := d.Summary(category)
		r.trend = &summary
	case ierrors.KindOf(err) == ierrors.KindDataQuality:
		if s.Dimension == api.DimensionTotal {
			r.degraded = append(r.degraded, "trend: "+err.Error())
		}
		log.Debug().Err(err).Str("component", "trend").Str("series_id", s.ID).Msg("no decomposition")
	default:
		return r, err
	}

	var seasonal []float64
	if d != nil {
		seasonal = d.Seasonal
	}
	res, err := o.deps.Detectors.DetectAdjusted(ctx, s, seasonal, acfg)
	switch {
	case err == nil:
	case ierrors.KindOf(err) == ierrors.KindDataQuality:
		log.Debug().Err(err).Str("component", "anomaly").Str("series_id", s.ID).Msg("series too short to judge")
	default:
		return r, err
	}
	if res != nil {
		r.anomalies = res.Anomalies
		r.detectors = res.Ran()
		r.failed = res.Failed()
		for _, st := range res.Detectors {
			if st.Error != "" && !st.Ran && err == nil {
				log.Warn().Str("component", "anomaly").Str("series_id", s.ID).
					Str("detector", st.Name).Str("error", st.Error).Msg("detector failed")
			}
		}
	}

	if s.Dimension == api.DimensionAccount && !o.cfg.ForecastAccounts {
		return r, nil
	}
	fc, err := o.deps.Forecaster.Forecast(ctx, s, d, horizon)
	if err != nil {
		return r, err
	}
	r.requested = models
	r.fitted = len(fc.ModelWeights)
	r.forecast = &fc
	if !fc.Fitted() {
		if stats.AllZero(s.Values()) {
			// No spend is nothing to forecast, not a model failure
			r.requested = 0
		} else {
			r.degraded = append(r.degraded, fmt.Sprintf("forecast %s: %s", s.ID, fc.Reason))
		}
	}
	return r, nil
}

// RunOutcome is the result of one client in RunMany
type RunOutcome struct {
	ClientID string
	Bundle   *api.InsightBundle
	Err      error
}

// RunMany runs several clients over the same window concurrently. A failing client does
// not stop the others; only cancellation ends the batch early.
func (o *Orchestrator) RunMany(ctx context.Context, clientIDs []string, window api.Window) []RunOutcome {
	out := make([]RunOutcome, len(clientIDs))
	var g errgroup.Group
	g.SetLimit(o.cfg.ClientConcurrency)
	for i, id := range clientIDs {
		i, id := i, id
		g.Go(func() error {
			b, err := o.Run(ctx, id, window)
			out[i] = RunOutcome{ClientID: id, Bundle: b, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func sortAnomalies(as []api.AnomalyRecord) {
	sort.SliceStable(as, func(i, j int) bool {
		if !as[i].Timestamp.Equal(as[j].Timestamp) {
			return as[i].Timestamp.Before(as[j].Timestamp)
		}
		return as[i].SeriesID < as[j].SeriesID
	})
}

func currencyOf(records []api.NormalizedCostRecord) string {
	for _, r := range records {
		if r.Currency != "" {
			return r.Currency
		}
	}
	return "USD"
}
