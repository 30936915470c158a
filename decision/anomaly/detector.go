// Package anomaly flags unusual points in cost series with an ensemble of independent
// detectors. A point is reported when at least one detector votes for it.
package anomaly

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"cost-insight/internal/stats"
	"cost-insight/pkg/api"
	ierrors "cost-insight/pkg/errors"
)

// Detector is one member of the ensemble
type Detector interface {
	Name() string
	Detect(ctx context.Context, in *Input) ([]Vote, error)
}

// Input is the shared, read-only view every detector works from.
type Input struct {
	SeriesID string
	Points   []api.TimeSeriesPoint
	Adjusted []float64 // Values with the seasonal component removed
	Seasonal []float64
	Skip     []bool // Excluded days, neither judged nor used in baselines
	Config   Config
}

// Vote is a detector's claim that a point is anomalous.
// Score is on the shared normalized deviation scale used for severity.
type Vote struct {
	Index    int
	Score    float64
	Expected float64
	Reason   string
}

// trailing returns up to window adjusted values before i, skipping excluded points.
func (in *Input) trailing(i, window int) []float64 {
	out := make([]float64, 0, window)
	for j := i - 1; j >= 0 && len(out) < window; j-- {
		if !in.Skip[j] {
			out = append(out, in.Adjusted[j])
		}
	}
	return out
}

// baseline is the trailing window before i. Points near the start of the series lack that
// history, so the window is topped up with the points that follow i.
func (in *Input) baseline(i, window int) []float64 {
	out := in.trailing(i, window)
	if len(out) >= min(in.Config.MinBaselinePoints, window) {
		return out
	}
	for j := i + 1; j < len(in.Points) && len(out) < window; j++ {
		if !in.Skip[j] {
			out = append(out, in.Adjusted[j])
		}
	}
	return out
}

func (in *Input) raw(i int) float64 {
	return in.Points[i].Value
}

// DetectorStatus reports how one detector fared on one series.
type DetectorStatus struct {
	Name  string `json:"name"`
	Ran   bool   `json:"ran"`
	Votes int    `json:"votes"`
	Error string `json:"error,omitempty"`
}

// Result is the ensemble output for one series
type Result struct {
	SeriesID  string              `json:"series_id"`
	Anomalies []api.AnomalyRecord `json:"anomalies"`
	Detectors []DetectorStatus    `json:"detectors"`
}

// Ran returns the number of detectors that completed.
func (r *Result) Ran() int {
	n := 0
	for _, d := range r.Detectors {
		if d.Ran {
			n++
		}
	}
	return n
}

// Failed returns the number of detectors that dropped out.
func (r *Result) Failed() int {
	return len(r.Detectors) - r.Ran()
}

// Ensemble runs detectors concurrently and merges their votes
type Ensemble struct {
	detectors []Detector
	logger    zerolog.Logger
}

// NewEnsemble creates an ensemble. With no detectors it uses the statistical,
// density and rule detectors.
func NewEnsemble(detectors ...Detector) *Ensemble {
	if len(detectors) == 0 {
		detectors = []Detector{NewStatistical(), NewDensity(), NewRules()}
	}
	return &Ensemble{detectors: detectors, logger: zerolog.Nop()}
}

// WithLogger sets the logger
func (e *Ensemble) WithLogger(l zerolog.Logger) *Ensemble {
	e.logger = l
	return e
}

// Names returns the detector names in ensemble order.
func (e *Ensemble) Names() []string {
	out := make([]string, len(e.detectors))
	for i, d := range e.detectors {
		out[i] = d.Name()
	}
	return out
}

// Detect runs the ensemble over a raw series.
func (e *Ensemble) Detect(ctx context.Context, series api.Series, cfg Config) (*Result, error) {
	return e.DetectAdjusted(ctx, series, nil, cfg)
}

// DetectAdjusted runs the ensemble with a seasonal component removed from the baselines.
// seasonal may be nil; otherwise it must match the series length.
//
// A detector that errors or panics is recorded in the result and the others proceed.
// The returned error is a DataQualityError when the series is too short to judge, or the
// context error when the run is cancelled.
func (e *Ensemble) DetectAdjusted(ctx context.Context, series api.Series, seasonal []float64, cfg Config) (*Result, error) {
	cfg = cfg.Scaled()
	result := &Result{SeriesID: series.ID, Anomalies: []api.AnomalyRecord{}}

	n := len(series.Points)
	if n < cfg.MinBaselinePoints+1 {
		for _, d := range e.detectors {
			result.Detectors = append(result.Detectors, DetectorStatus{Name: d.Name(), Error: "insufficient history"})
		}
		return result, ierrors.NewInsufficientHistoryError(n, cfg.MinBaselinePoints+1).WithComponent("anomaly")
	}
	if seasonal != nil && len(seasonal) != n {
		return nil, fmt.Errorf("seasonal component has %d points, series has %d", len(seasonal), n)
	}

	in := &Input{
		SeriesID: series.ID,
		Points:   series.Points,
		Adjusted: make([]float64, n),
		Seasonal: make([]float64, n),
		Skip:     make([]bool, n),
		Config:   cfg,
	}
	for i, p := range series.Points {
		if seasonal != nil {
			in.Seasonal[i] = seasonal[i]
		}
		in.Adjusted[i] = p.Value - in.Seasonal[i]
		in.Skip[i] = cfg.excluded(p.Timestamp)
	}
	if stats.AllZero(series.Values()) {
		for _, d := range e.detectors {
			result.Detectors = append(result.Detectors, DetectorStatus{Name: d.Name(), Ran: true})
		}
		return result, nil
	}

	votes := make([][]Vote, len(e.detectors))
	statuses := make([]DetectorStatus, len(e.detectors))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, d := range e.detectors {
		i, d := i, d
		g.Go(func() error {
			v, err := runDetector(gctx, d, in)
			mu.Lock()
			defer mu.Unlock()
			statuses[i] = DetectorStatus{Name: d.Name(), Ran: err == nil, Votes: len(v)}
			if err != nil {
				statuses[i].Error = err.Error()
				e.logger.Warn().Err(err).
					Str("component", "anomaly").
					Str("detector", d.Name()).
					Str("series_id", series.ID).
					Msg("detector dropped out")
				return nil
			}
			votes[i] = v
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result.Detectors = statuses
	result.Anomalies = merge(in, e.detectors, votes, cfg.Severity)
	return result, nil
}

func runDetector(ctx context.Context, d Detector, in *Input) (votes []Vote, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ierrors.NewDataQualityError(ierrors.ErrCodeDetectorFailed, fmt.Sprintf("%s panicked: %v", d.Name(), r)).WithComponent("anomaly")
		}
	}()
	return d.Detect(ctx, in)
}

type pointVotes struct {
	names    []string
	reasons  map[string]string
	score    float64
	expected float64
}

func merge(in *Input, detectors []Detector, votes [][]Vote, bounds SeverityBoundaries) []api.AnomalyRecord {
	byIndex := make(map[int]*pointVotes)
	for di, vs := range votes {
		name := detectors[di].Name()
		for _, v := range vs {
			pv, ok := byIndex[v.Index]
			if !ok {
				pv = &pointVotes{reasons: make(map[string]string), expected: v.Expected}
				byIndex[v.Index] = pv
			}
			if _, dup := pv.reasons[name]; dup {
				continue
			}
			pv.names = append(pv.names, name)
			pv.reasons[name] = v.Reason
			if v.Score > pv.score {
				pv.score = v.Score
			}
			// The statistical baseline is the preferred expectation.
			if name == StatisticalName {
				pv.expected = v.Expected
			}
		}
	}

	out := make([]api.AnomalyRecord, 0, len(byIndex))
	for idx, pv := range byIndex {
		sort.Strings(pv.names)
		parts := make([]string, 0, len(pv.names))
		for _, n := range pv.names {
			parts = append(parts, n+": "+pv.reasons[n])
		}
		p := in.Points[idx]
		out = append(out, api.AnomalyRecord{
			SeriesID:       in.SeriesID,
			Category:       p.Tags["category"],
			Timestamp:      p.Timestamp,
			ObservedValue:  p.Value,
			ExpectedValue:  pv.expected,
			DeviationScore: pv.score,
			Severity:       bounds.Classify(pv.score),
			DetectorVotes:  pv.names,
			Explanation:    strings.Join(parts, "; "),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// judgeable reports whether point i can be evaluated against a baseline.
func judgeable(in *Input, i int, baseline []float64, expected float64) bool {
	if in.Skip[i] || len(baseline) < in.Config.MinBaselinePoints {
		return false
	}
	floor := in.Config.MinCostFloor
	return in.raw(i) >= floor || expected >= floor
}
