// Package api provides the HTTP API server for the insight engine.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"cost-insight/decision/anomaly"
	"cost-insight/decision/forecast"
	"cost-insight/decision/insight"
	"cost-insight/decision/taxonomy"
	"cost-insight/decision/trend"
	types "cost-insight/pkg/api"
	ierrors "cost-insight/pkg/errors"
	"cost-insight/pkg/platform"
	"cost-insight/pkg/validation"
)

// Version is reported by /health and /version
var Version = "0.1.0"

// Config holds server configuration
type Config struct {
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration // Applies to every route except insight runs
	RunTimeout     time.Duration
	MaxRequestSize int64
	CORSOrigins    []string
	APIKey         string
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		Port:           8080,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   5 * time.Minute,
		RequestTimeout: 60 * time.Second,
		RunTimeout:     4 * time.Minute,
		MaxRequestSize: 10 * 1024 * 1024, // 10MB
		CORSOrigins:    []string{"*"},
	}
}

// ReadinessCheck reports whether a dependency can serve traffic
type ReadinessCheck func(ctx context.Context) error

// Dependencies are the components the handlers call.
type Dependencies struct {
	Orchestrator  *insight.Orchestrator
	Store         insight.BundleStore
	Mapper        *taxonomy.Mapper
	Detectors     *anomaly.Ensemble
	AnomalyConfig anomaly.Config
	Analyzer      *trend.Analyzer
	Forecaster    *forecast.Engine
	Metrics       http.Handler              // Optional
	Checks        map[string]ReadinessCheck // Optional; keyed by dependency name
}

// Server is the HTTP API server
type Server struct {
	deps       Dependencies
	config     *Config
	logger     zerolog.Logger
	startTime  time.Time
	httpServer *http.Server
}

// NewServer creates a new API server
func NewServer(deps Dependencies, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	return &Server{deps: deps, config: config, logger: zerolog.Nop(), startTime: time.Now()}
}

// WithLogger sets the logger
func (s *Server) WithLogger(l zerolog.Logger) *Server {
	s.logger = l
	return s
}

// Router builds the route tree
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/health/live", s.handleLiveness)
	r.Get("/health/ready", s.handleReadiness)
	r.Get("/version", s.handleVersion)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(platform.APIKeyMiddleware(s.config.APIKey))
		r.Use(s.limitBody)

		r.With(middleware.Timeout(s.config.RunTimeout)).Post("/insights/run", s.handleRun)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.config.RequestTimeout))
			r.Get("/insights/{client}/{window}", s.handleGetBundle)
			r.Post("/taxonomy/map", s.handleMap)
			r.Get("/taxonomy/equivalents/*", s.handleEquivalents)
			r.Post("/forecast", s.handleForecast)
			r.Post("/anomalies/detect", s.handleDetect)
		})
	})
	return r
}

// Run serves until ctx is cancelled, then drains in-flight requests
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.Router(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info().Int("port", s.config.Port).Str("version", Version).Msg("insight API server starting")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		s.logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Str("request_id", middleware.GetReqID(r.Context())).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		allowed := false
		for _, o := range s.config.CORSOrigins {
			if o == "*" || o == origin {
				allowed = true
				break
			}
		}

		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+platform.APIKeyHeader)
			w.Header().Set("Access-Control-Max-Age", "86400")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// HEALTH ENDPOINTS
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"service": "cost-insight",
		"version": Version,
		"uptime":  time.Since(s.startTime).String(),
	})
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	failures := make(map[string]string)
	for name, check := range s.deps.Checks {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		s.jsonResponse(w, http.StatusServiceUnavailable, map[string]any{
			"status":   "not ready",
			"failures": failures,
		})
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{
		"version": Version,
		"service": "cost-insight",
	})
}

// =============================================================================
// INSIGHT ENDPOINTS
// =============================================================================

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req types.RunRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !s.valid(w, req) {
		return
	}
	window, err := types.ParseWindow(req.Window)
	if err != nil {
		s.jsonError(w, http.StatusBadRequest, err.Error())
		return
	}

	bundle, err := s.deps.Orchestrator.Run(r.Context(), req.ClientID, window)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, bundle)
}

func (s *Server) handleGetBundle(w http.ResponseWriter, r *http.Request) {
	window, err := types.ParseWindow(chi.URLParam(r, "window"))
	if err != nil {
		s.jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	bundle, err := s.deps.Store.Latest(r.Context(), chi.URLParam(r, "client"), window)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, bundle)
}

// =============================================================================
// TAXONOMY ENDPOINTS
// =============================================================================

func (s *Server) handleMap(w http.ResponseWriter, r *http.Request) {
	var req types.MapRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.Provider = types.Provider(strings.ToLower(string(req.Provider)))
	req.RawServiceName = strings.TrimSpace(req.RawServiceName)
	if !s.valid(w, req) {
		return
	}
	s.jsonResponse(w, http.StatusOK, s.deps.Mapper.Map(req.Provider, req.RawServiceName, req.ClientID))
}

func (s *Server) handleEquivalents(w http.ResponseWriter, r *http.Request) {
	raw, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid category")
		return
	}
	category, ok := lookupCategory(raw)
	if !ok {
		s.jsonError(w, http.StatusNotFound, fmt.Sprintf("unknown category %q", raw))
		return
	}
	s.jsonResponse(w, http.StatusOK, types.EquivalentsResponse{
		Category: category,
		Services: s.deps.Mapper.EquivalentServices(category),
	})
}

func lookupCategory(name string) (string, bool) {
	for _, c := range taxonomy.Categories() {
		if strings.EqualFold(c, name) {
			return c, true
		}
	}
	return "", false
}

// =============================================================================
// ANALYSIS ENDPOINTS
// =============================================================================

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	var req types.ForecastRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.HorizonDays == 0 {
		req.HorizonDays = types.DefaultPreferences("").ForecastHorizonDays
	}
	if !s.valid(w, req) {
		return
	}
	series, err := adhocSeries(req.SeriesID, req.Points)
	if err != nil {
		s.jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	engine, err := s.deps.Forecaster.Restrict(req.Models)
	if err != nil {
		s.errorResponse(w, err)
		return
	}

	// Too short to decompose still forecasts, without a seasonal component.
	decomp, err := s.deps.Analyzer.Decompose(series)
	if err != nil {
		decomp = nil
	}
	record, err := engine.Forecast(r.Context(), series, decomp, req.HorizonDays)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, record)
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	var req types.DetectRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Sensitivity == "" {
		req.Sensitivity = types.SensitivityMedium
	}
	if !s.valid(w, req) {
		return
	}
	series, err := adhocSeries(req.SeriesID, req.Points)
	if err != nil {
		s.jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg := s.deps.AnomalyConfig.WithSensitivity(req.Sensitivity)
	if err := cfg.Validate(); err != nil {
		s.errorResponse(w, err)
		return
	}

	result, err := s.deps.Detectors.Detect(r.Context(), series, cfg)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, result)
}

// adhocSeries orders caller-supplied points and rejects duplicate days.
func adhocSeries(id string, points []types.TimeSeriesPoint) (types.Series, error) {
	if len(points) == 0 {
		return types.Series{}, errors.New("points are required")
	}
	if id == "" {
		id = "adhoc"
	}
	sorted := make([]types.TimeSeriesPoint, len(points))
	copy(sorted, points)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Timestamp.Equal(sorted[i-1].Timestamp) {
			return types.Series{}, fmt.Errorf("duplicate point at %s", sorted[i].Timestamp.Format(types.DateLayout))
		}
	}
	return types.Series{ID: id, Dimension: types.DimensionTotal, Key: types.DimensionTotal, Points: sorted}, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.jsonError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return false
	}
	return true
}

// valid rejects a decoded request whose `validate` tags fail, listing every problem.
func (s *Server) valid(w http.ResponseWriter, req any) bool {
	if problems := validation.Problems(req); len(problems) > 0 {
		s.jsonError(w, http.StatusBadRequest, "invalid request: "+strings.Join(problems, "; "))
		return false
	}
	return true
}

// statusFor maps an error to its HTTP status
func statusFor(err error) int {
	switch {
	case errors.Is(err, insight.ErrBundleNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	switch ierrors.KindOf(err) {
	case ierrors.KindConfiguration:
		return http.StatusBadRequest
	case ierrors.KindDataQuality:
		return http.StatusUnprocessableEntity
	case ierrors.KindTransient:
		return http.StatusServiceUnavailable
	case ierrors.KindPermanent:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, err error) {
	status := statusFor(err)
	body := map[string]any{"success": false, "error": err.Error()}
	var ie *ierrors.InsightError
	if errors.As(err, &ie) {
		body["code"] = ie.Code
		body["kind"] = ie.Kind.String()
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Int("status", status).Msg("request failed")
	}
	s.jsonResponse(w, status, body)
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) jsonError(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, map[string]any{
		"success": false,
		"error":   message,
	})
}
