package api

// RunRequest triggers an orchestration run over HTTP.
type RunRequest struct {
	ClientID string `json:"client_id" validate:"required"`
	Window   string `json:"window" validate:"required"` // YYYY-MM-DD_YYYY-MM-DD
}

// MapRequest is a single taxonomy lookup.
type MapRequest struct {
	ClientID       string   `json:"client_id"`
	Provider       Provider `json:"provider" validate:"required,oneof=aws gcp azure"`
	RawServiceName string   `json:"raw_service_name" validate:"required"`
}

// DetectRequest runs anomaly detection over a caller-supplied series.
type DetectRequest struct {
	SeriesID    string            `json:"series_id"`
	Points      []TimeSeriesPoint `json:"points" validate:"min=1"`
	Sensitivity Sensitivity       `json:"sensitivity,omitempty" validate:"omitempty,oneof=low medium high"`
}

// ForecastRequest runs the ensemble over a caller-supplied series.
type ForecastRequest struct {
	SeriesID    string            `json:"series_id"`
	Points      []TimeSeriesPoint `json:"points" validate:"min=1"`
	HorizonDays int               `json:"horizon_days" validate:"min=1,max=365"`
	Models      []string          `json:"models,omitempty"`
}

// EquivalentsResponse lists per-provider services for a unified category.
type EquivalentsResponse struct {
	Category string                `json:"category"`
	Services map[Provider][]string `json:"services"`
}
