package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cost-insight/decision/anomaly"
	"cost-insight/decision/forecast"
	"cost-insight/decision/insight"
	"cost-insight/decision/narrative"
	"cost-insight/decision/recommend"
	"cost-insight/decision/taxonomy"
	"cost-insight/decision/trend"
	types "cost-insight/pkg/api"
	ierrors "cost-insight/pkg/errors"
	"cost-insight/pkg/platform"
	"cost-insight/pkg/retry"
)

const reply = `{
  "executive_summary": "Compute is flat.",
  "key_drivers": ["Compute"],
  "anomaly_analysis": "None.",
  "recommendations_text": "None.",
  "risk_assessment": "Low."
}`

var day0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type staticRecords []types.NormalizedCostRecord

func (s staticRecords) Records(_ context.Context, clientID string, _ types.Window) ([]types.NormalizedCostRecord, error) {
	if clientID != "acme" {
		return nil, nil
	}
	return s, nil
}

func fixtureRecords() staticRecords {
	var out staticRecords
	for d := 0; d < 60; d++ {
		out = append(out, types.NormalizedCostRecord{
			ClientID: "acme", Provider: types.ProviderAWS, Service: "AmazonEC2", AccountID: "111",
			Date: day0.AddDate(0, 0, d), Amount: decimal.NewFromInt(100), Currency: "USD",
		})
	}
	return out
}

func newTestServer(t *testing.T, cfg *Config, checks map[string]ReadinessCheck) (*Server, *insight.MemoryStore) {
	t.Helper()
	fc, err := forecast.NewEngine(forecast.DefaultConfig())
	require.NoError(t, err)
	rc, err := recommend.NewEngine(recommend.DefaultConfig())
	require.NoError(t, err)
	llm := narrative.ClientFunc(func(context.Context, types.LLMRequest) (types.LLMResponse, error) {
		return types.LLMResponse{Text: reply}, nil
	})
	syn, err := narrative.NewSynthesizer(llm, narrative.DefaultConfig(), retry.DefaultPolicy())
	require.NoError(t, err)

	store := insight.NewMemoryStore()
	mapper := taxonomy.NewMapper(taxonomy.NewCatalog(), taxonomy.NewRegistry())
	detectors := anomaly.NewEnsemble()
	analyzer := trend.NewAnalyzer(trend.DefaultConfig())
	orch, err := insight.NewOrchestrator(insight.Dependencies{
		Records:       fixtureRecords(),
		Store:         store,
		Mapper:        mapper,
		Detectors:     detectors,
		AnomalyConfig: anomaly.DefaultConfig(),
		Analyzer:      analyzer,
		Forecaster:    fc,
		Recommender:   rc,
		Narrator:      syn,
	}, insight.DefaultConfig())
	require.NoError(t, err)

	return NewServer(Dependencies{
		Orchestrator:  orch,
		Store:         store,
		Mapper:        mapper,
		Detectors:     detectors,
		AnomalyConfig: anomaly.DefaultConfig(),
		Analyzer:      analyzer,
		Forecaster:    fc,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("insight_runs_total 0\n"))
		}),
		Checks: checks,
	}, cfg), store
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, &buf))
	return rec
}

func points(values []float64) []types.TimeSeriesPoint {
	out := make([]types.TimeSeriesPoint, len(values))
	for i, v := range values {
		out[i] = types.TimeSeriesPoint{Timestamp: day0.AddDate(0, 0, i), Value: v}
	}
	return out
}

func TestHealthEndpoints(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)
	h := s.Router()

	rec := do(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)

	assert.Equal(t, "OK", do(t, h, http.MethodGet, "/health/live", nil).Body.String())
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health/ready", nil).Code)
	assert.Contains(t, do(t, h, http.MethodGet, "/version", nil).Body.String(), Version)
	assert.Contains(t, do(t, h, http.MethodGet, "/metrics", nil).Body.String(), "insight_runs_total")
}

func TestReadinessReportsFailingChecks(t *testing.T) {
	s, _ := newTestServer(t, nil, map[string]ReadinessCheck{
		"clickhouse": func(context.Context) error { return errors.New("connection refused") },
		"postgres":   func(context.Context) error { return nil },
	})
	rec := do(t, s.Router(), http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "clickhouse")
	assert.NotContains(t, rec.Body.String(), "postgres")
}

func TestAPIKeyRequired(t *testing.T) {
	cfg := DefaultConfig()
	cfg.APIKey = "secret"
	s, _ := newTestServer(t, cfg, nil)
	h := s.Router()

	rec := do(t, h, http.MethodPost, "/api/v1/taxonomy/map", types.MapRequest{Provider: types.ProviderAWS, RawServiceName: "AmazonEC2"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/taxonomy/map", bytes.NewBufferString(`{"provider":"aws","raw_service_name":"AmazonEC2"}`))
	req.Header.Set(platform.APIKeyHeader, "secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", nil).Code, "health stays open")
}

func TestRunAndFetchBundle(t *testing.T) {
	s, store := newTestServer(t, nil, nil)
	h := s.Router()

	rec := do(t, h, http.MethodPost, "/api/v1/insights/run", types.RunRequest{ClientID: "acme", Window: "2026-01-01_2026-03-01"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var bundle types.InsightBundle
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bundle))
	assert.Equal(t, "acme", bundle.ClientID)
	assert.Equal(t, types.ParseStructured, bundle.Narrative.ParseStatus)
	assert.Equal(t, 1, store.Len())

	rec = do(t, h, http.MethodGet, "/api/v1/insights/acme/2026-01-01_2026-03-01", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var fetched types.InsightBundle
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fetched))
	assert.Equal(t, bundle.RunID, fetched.RunID)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/v1/insights/acme/2025-01-01_2025-03-01", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/v1/insights/acme/last-month", nil).Code)
}

func TestRunRejectsBadRequests(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)
	h := s.Router()

	tests := []struct {
		name string
		body any
	}{
		{"missing client", types.RunRequest{Window: "2026-01-01_2026-03-01"}},
		{"bad window", types.RunRequest{ClientID: "acme", Window: "2026-03-01"}},
		{"reversed window", types.RunRequest{ClientID: "acme", Window: "2026-03-01_2026-01-01"}},
		{"not json", "{"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/v1/insights/run", tt.body).Code)
		})
	}

	rec := do(t, h, http.MethodPost, "/api/v1/insights/run", types.RunRequest{})
	assert.Contains(t, rec.Body.String(), "client_id is required; window is required")
}

func TestTaxonomyEndpoints(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)
	h := s.Router()

	rec := do(t, h, http.MethodPost, "/api/v1/taxonomy/map", types.MapRequest{Provider: "AWS", RawServiceName: "AmazonEC2"})
	require.Equal(t, http.StatusOK, rec.Code)
	var m types.ServiceMapping
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Equal(t, taxonomy.CategoryCompute, m.UnifiedCategory)

	rec = do(t, h, http.MethodPost, "/api/v1/taxonomy/map", types.MapRequest{Provider: "oracle", RawServiceName: "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `provider \"oracle\" must be one of: aws, gcp, azure`)
	rec = do(t, h, http.MethodPost, "/api/v1/taxonomy/map", types.MapRequest{Provider: types.ProviderGCP, RawServiceName: "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "raw_service_name is required")

	rec = do(t, h, http.MethodGet, "/api/v1/taxonomy/equivalents/compute", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var eq types.EquivalentsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &eq))
	assert.Equal(t, taxonomy.CategoryCompute, eq.Category)
	assert.Contains(t, eq.Services[types.ProviderAWS], "AmazonEC2")
	assert.Contains(t, eq.Services[types.ProviderGCP], "Compute Engine")

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/v1/taxonomy/equivalents/AI/ML", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/v1/taxonomy/equivalents/quantum", nil).Code)
}

func TestForecastEndpoint(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)
	h := s.Router()

	values := make([]float64, 60)
	for i := range values {
		values[i] = 100 + float64(i)
	}
	rec := do(t, h, http.MethodPost, "/api/v1/forecast", types.ForecastRequest{SeriesID: "acme/total", Points: points(values), HorizonDays: 7})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var fr types.ForecastRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fr))
	assert.Equal(t, types.ForecastOK, fr.Status)
	assert.Len(t, fr.Points, 7)

	rec = do(t, h, http.MethodPost, "/api/v1/forecast", types.ForecastRequest{Points: points(values), Models: []string{"prophet"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), ierrors.ErrCodeInvalidConfig)

	rec = do(t, h, http.MethodPost, "/api/v1/forecast", types.ForecastRequest{Points: points(values), HorizonDays: 400})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "horizon_days 400 must be at most 365")

	rec = do(t, h, http.MethodPost, "/api/v1/forecast", types.ForecastRequest{Points: []types.TimeSeriesPoint{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "points must not be empty")
}

func TestDetectEndpoint(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)
	h := s.Router()

	values := make([]float64, 60)
	for i := range values {
		values[i] = 100
	}
	values[40] = 500
	pts := points(values)
	// Order of the request body does not matter.
	pts[0], pts[59] = pts[59], pts[0]

	rec := do(t, h, http.MethodPost, "/api/v1/anomalies/detect", types.DetectRequest{SeriesID: "acme/total", Points: pts})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res anomaly.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, 500.0, res.Anomalies[0].ObservedValue)

	rec = do(t, h, http.MethodPost, "/api/v1/anomalies/detect", types.DetectRequest{Points: points([]float64{1, 2, 3})})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/anomalies/detect", types.DetectRequest{Points: pts, Sensitivity: "extreme"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `sensitivity \"extreme\" must be one of: low, medium, high`)

	dup := points([]float64{1, 2})
	dup[1].Timestamp = dup[0].Timestamp
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/v1/anomalies/detect", types.DetectRequest{Points: dup}).Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{insight.ErrBundleNotFound, http.StatusNotFound},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{ierrors.NewConfigurationError(ierrors.ErrCodeInvalidConfig, "x"), http.StatusBadRequest},
		{ierrors.NewDataQualityError(ierrors.ErrCodeZeroSeries, "x"), http.StatusUnprocessableEntity},
		{ierrors.NewTransientError(ierrors.ErrCodeRateLimited, "x", nil), http.StatusServiceUnavailable},
		{ierrors.NewPermanentError(ierrors.ErrCodeAuthFailed, "x", nil), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
