package api

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Severity is the anomaly severity tier
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; higher is worse.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// AnomalyRecord is a point flagged by at least one detector
type AnomalyRecord struct {
	SeriesID       string    `json:"series_id"`
	Category       string    `json:"category,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	ObservedValue  float64   `json:"observed_value"`
	ExpectedValue  float64   `json:"expected_value"`
	DeviationScore float64   `json:"deviation_score"`
	Severity       Severity  `json:"severity"`
	DetectorVotes  []string  `json:"detector_votes"` // Sorted detector names
	Explanation    string    `json:"explanation"`
}

// TrendSummary is the bundle-level view of a series decomposition.
type TrendSummary struct {
	SeriesID        string          `json:"series_id"`
	Category        string          `json:"category,omitempty"`
	GrowthRate      float64         `json:"growth_rate"` // Compound rate per day
	WindowGrowth    float64         `json:"window_growth"`
	Direction       string          `json:"direction"` // increasing, decreasing, flat
	DetectedPeriods []int           `json:"detected_periods"`
	Seasonality     map[int]float64 `json:"seasonal_amplitudes,omitempty"`
	MeanDailyCost   float64         `json:"mean_daily_cost"`
	Volatility      float64         `json:"volatility"` // Residual stddev over mean
	HistoryDays     int             `json:"history_days"`
}

// Forecast status values
const (
	ForecastOK         = "ok"
	ForecastNoForecast = "no_forecast"
)

// ForecastPoint is one day of an ensemble forecast
type ForecastPoint struct {
	Date       time.Time `json:"date"`
	Value      float64   `json:"value"`
	Lower      float64   `json:"lower"`
	Upper      float64   `json:"upper"`
	Confidence float64   `json:"confidence"`
}

// ForecastRecord is the ensemble forecast for one series.
// PredictedValue and the bounds cover the total spend over the horizon.
type ForecastRecord struct {
	SeriesID       string             `json:"series_id"`
	HorizonDays    int                `json:"horizon_days"`
	PredictedValue float64            `json:"predicted_value"`
	LowerBound     float64            `json:"lower_bound"`
	UpperBound     float64            `json:"upper_bound"`
	Confidence     float64            `json:"confidence"`
	ModelWeights   map[string]float64 `json:"model_weights"`
	Points         []ForecastPoint    `json:"points,omitempty"`
	Status         string             `json:"status"`
	Reason         string             `json:"reason,omitempty"`
	ExcludedModels map[string]string  `json:"excluded_models,omitempty"`
}

// Fitted reports whether the record carries a prediction.
func (f ForecastRecord) Fitted() bool {
	return f.Status == ForecastOK
}

// RecommendationKind names the optimization a recommendation proposes
type RecommendationKind string

const (
	KindRightsize     RecommendationKind = "rightsize"
	KindCommitment    RecommendationKind = "commitment"
	KindRemediation   RecommendationKind = "anomaly_remediation"
	KindIdleCleanup   RecommendationKind = "idle_cleanup"
	KindStorageTier   RecommendationKind = "storage_tiering"
	KindCrossProvider RecommendationKind = "cross_provider"
)

// RecommendationRecord is a scored optimization
type RecommendationRecord struct {
	ID               uuid.UUID          `json:"id"`
	Kind             RecommendationKind `json:"kind"`
	Category         string             `json:"category"`
	SeriesID         string             `json:"series_id,omitempty"`
	EstimatedSavings decimal.Decimal    `json:"estimated_savings"` // Monthly, reporting currency
	Complexity       float64            `json:"complexity"`
	Risk             float64            `json:"risk"`
	ClientFit        float64            `json:"client_fit"`
	CompositeScore   float64            `json:"composite_score"`
	Rationale        string             `json:"rationale"`
}

// ParseStatus reports how the narrative was produced
type ParseStatus string

const (
	ParseStructured ParseStatus = "structured"
	ParseDegraded   ParseStatus = "degraded"
	ParseError      ParseStatus = "error"
	ParseSkipped    ParseStatus = "skipped"
)

// NarrativeResult is the human-readable account of a run
type NarrativeResult struct {
	ExecutiveSummary    string      `json:"executive_summary"`
	KeyDrivers          []string    `json:"key_drivers"`
	AnomalyAnalysis     string      `json:"anomaly_analysis"`
	RecommendationsText string      `json:"recommendations_text"`
	RiskAssessment      string      `json:"risk_assessment"`
	ParseStatus         ParseStatus `json:"parse_status"`
	Error               string      `json:"error,omitempty"`
	Attempts            int         `json:"attempts"`
}

// QualityReport explains a bundle's quality score.
type QualityReport struct {
	DetectorsRun     int      `json:"detectors_run"`
	DetectorsFailed  int      `json:"detectors_failed"`
	ModelsRequested  int      `json:"models_requested"`
	ModelsFitted     int      `json:"models_fitted"`
	NarrativeCredit  float64  `json:"narrative_credit"`
	DegradedSections []string `json:"degraded_sections,omitempty"`
}

// InsightBundle is the single output artifact of an orchestration run.
// It is never modified after publication; a later run for the same (client, window) replaces it.
type InsightBundle struct {
	RunID           uuid.UUID              `json:"run_id"`
	ClientID        string                 `json:"client_id"`
	Window          Window                 `json:"window"`
	Anomalies       []AnomalyRecord        `json:"anomalies"`
	Trends          []TrendSummary         `json:"trends"`
	Forecasts       []ForecastRecord       `json:"forecasts"`
	Recommendations []RecommendationRecord `json:"recommendations"`
	Narrative       NarrativeResult        `json:"narrative"`
	QualityScore    float64                `json:"quality_score"`
	Quality         QualityReport          `json:"quality"`
	GeneratedAt     time.Time              `json:"generated_at"`
}

// Key is the idempotency key of the bundle.
func (b *InsightBundle) Key() string {
	return b.ClientID + "/" + b.Window.Key()
}
