package forecast

import (
	"context"
	"math"

	"cost-insight/decision/trend"
	"cost-insight/internal/stats"
	"cost-insight/pkg/confidence"
	ierrors "cost-insight/pkg/errors"
)

// Model names
const (
	SeasonalStatistical = "seasonal_statistical"
	AdditiveSeasonal    = "additive_seasonal"
	LearnedSequence     = "learned_sequence"
)

// z95 is the two-sided 95% normal quantile.
const z95 = 1.96

// Input is the shared, read-only data every model fits.
type Input struct {
	Values        []float64
	Horizon       int
	Decomposition *trend.Decomposition // nil when no decomposition could be fitted
}

func (in *Input) seasonal(i int) float64 {
	if in.Decomposition == nil {
		return 0
	}
	return in.Decomposition.SeasonalAt(i)
}

func (in *Input) adjusted() []float64 {
	out := make([]float64, len(in.Values))
	for i, v := range in.Values {
		out[i] = v - in.seasonal(i)
	}
	return out
}

// scaleFloor keeps noise estimates positive on perfectly smooth series.
func (in *Input) scaleFloor() float64 {
	return math.Max(1e-3*math.Abs(stats.Mean(in.Values)), 1e-9)
}

// Model fits a series and predicts the horizon
type Model interface {
	Name() string
	MinPoints() int
	Fit(ctx context.Context, in *Input) (Fitted, error)
}

func requireHistory(in *Input, need int) error {
	if len(in.Values) < need {
		return ierrors.NewInsufficientHistoryError(len(in.Values), need).WithComponent("forecast")
	}
	return nil
}

// modelConfidence turns a one-step interval into a [0,1] score against the series level.
func modelConfidence(halfWidth, level float64) float64 {
	if level == 0 {
		return 0
	}
	return confidence.Clamp(1 - halfWidth/math.Abs(level))
}

// =============================================================================
// SEASONAL STATISTICAL: AR(1) on first differences with drift, seasonally adjusted
// =============================================================================

type seasonalStatistical struct{}

// NewSeasonalStatistical creates the autoregressive model
func NewSeasonalStatistical() Model { return seasonalStatistical{} }

func (seasonalStatistical) Name() string   { return SeasonalStatistical }
func (seasonalStatistical) MinPoints() int { return 21 }

func (m seasonalStatistical) Fit(ctx context.Context, in *Input) (Fitted, error) {
	if err := requireHistory(in, m.MinPoints()); err != nil {
		return Fitted{}, err
	}
	adj := in.adjusted()
	n := len(adj)

	diffs := make([]float64, n-1)
	for i := 1; i < n; i++ {
		diffs[i-1] = adj[i] - adj[i-1]
	}
	drift := stats.Mean(diffs)

	var num, den float64
	for i := 1; i < len(diffs); i++ {
		num += (diffs[i] - drift) * (diffs[i-1] - drift)
		den += (diffs[i-1] - drift) * (diffs[i-1] - drift)
	}
	phi := 0.0
	if den > 0 {
		phi = math.Max(-0.95, math.Min(0.95, num/den))
	}

	resid := make([]float64, 0, len(diffs)-1)
	for i := 1; i < len(diffs); i++ {
		resid = append(resid, (diffs[i]-drift)-phi*(diffs[i-1]-drift))
	}
	sigma := math.Max(stats.StdDev(resid), in.scaleFloor())

	out := newFitted(m.Name(), in.Horizon)
	level := adj[n-1]
	prev := diffs[len(diffs)-1] - drift
	variance, psiSum, psi := 0.0, 0.0, 1.0
	for h := 0; h < in.Horizon; h++ {
		if h%32 == 0 && ctx.Err() != nil {
			return Fitted{}, ctx.Err()
		}
		prev = phi * prev
		level += drift + prev
		psiSum += psi
		psi *= phi
		variance += sigma * sigma * psiSum * psiSum
		v := level + in.seasonal(n+h)
		half := z95 * math.Sqrt(variance)
		out.Values[h], out.Lower[h], out.Upper[h] = v, v-half, v+half
	}
	out.Confidence = modelConfidence(z95*sigma, stats.Mean(in.Values))
	return out, nil
}

// =============================================================================
// ADDITIVE SEASONAL: linear trend on the adjusted series plus seasonal indices
// =============================================================================

type additiveSeasonal struct{}

// NewAdditiveSeasonal creates the trend-plus-seasonality model
func NewAdditiveSeasonal() Model { return additiveSeasonal{} }

func (additiveSeasonal) Name() string   { return AdditiveSeasonal }
func (additiveSeasonal) MinPoints() int { return 14 }

func (m additiveSeasonal) Fit(ctx context.Context, in *Input) (Fitted, error) {
	if err := requireHistory(in, m.MinPoints()); err != nil {
		return Fitted{}, err
	}
	adj := in.adjusted()
	n := len(adj)
	intercept, slope := stats.LinearFit(adj)

	resid := make([]float64, n)
	for i, v := range adj {
		resid[i] = v - (intercept + slope*float64(i))
	}
	s := math.Max(stats.StdDev(resid), in.scaleFloor())

	tbar := float64(n-1) / 2
	sxx := 0.0
	for i := 0; i < n; i++ {
		sxx += (float64(i) - tbar) * (float64(i) - tbar)
	}

	out := newFitted(m.Name(), in.Horizon)
	for h := 0; h < in.Horizon; h++ {
		t := float64(n + h)
		v := intercept + slope*t + in.seasonal(n+h)
		half := z95 * s * math.Sqrt(1+1/float64(n)+(t-tbar)*(t-tbar)/sxx)
		out.Values[h], out.Lower[h], out.Upper[h] = v, v-half, v+half
	}
	out.Confidence = modelConfidence(z95*s, stats.Mean(in.Values))
	return out, ctx.Err()
}

// =============================================================================
// LEARNED SEQUENCE: linear sequence model trained by gradient descent on
// standardized first differences
// =============================================================================

type learnedSequence struct {
	window int
	epochs int
	rate   float64
	l2     float64
}

// NewLearnedSequence creates the learned model with its default training schedule.
func NewLearnedSequence() Model {
	return learnedSequence{window: 7, epochs: 300, rate: 0.05, l2: 1e-3}
}

func (learnedSequence) Name() string     { return LearnedSequence }
func (m learnedSequence) MinPoints() int { return 4 * m.window }

func (m learnedSequence) Fit(ctx context.Context, in *Input) (Fitted, error) {
	if err := requireHistory(in, m.MinPoints()); err != nil {
		return Fitted{}, err
	}
	adj := in.adjusted()
	n := len(adj)

	diffs := make([]float64, n-1)
	for i := 1; i < n; i++ {
		diffs[i-1] = adj[i] - adj[i-1]
	}
	mu := stats.Mean(diffs)
	sd := math.Max(stats.StdDev(diffs), in.scaleFloor())
	z := make([]float64, len(diffs))
	for i, d := range diffs {
		z[i] = (d - mu) / sd
	}

	L := m.window
	samples := len(z) - L
	weights := make([]float64, L)
	bias := 0.0
	grad := make([]float64, L)
	for epoch := 0; epoch < m.epochs; epoch++ {
		if epoch%50 == 0 && ctx.Err() != nil {
			return Fitted{}, ctx.Err()
		}
		for j := range grad {
			grad[j] = 0
		}
		gb := 0.0
		for t := L; t < len(z); t++ {
			e := predict(weights, bias, z[t-L:t]) - z[t]
			for j := 0; j < L; j++ {
				grad[j] += e * z[t-L+j]
			}
			gb += e
		}
		for j := range weights {
			weights[j] -= m.rate * (grad[j]/float64(samples) + m.l2*weights[j])
		}
		bias -= m.rate * gb / float64(samples)
	}

	resid := make([]float64, 0, samples)
	for t := L; t < len(z); t++ {
		resid = append(resid, predict(weights, bias, z[t-L:t])-z[t])
	}
	stepSD := math.Max(stats.StdDev(resid)*sd, in.scaleFloor())

	window := append([]float64(nil), z[len(z)-L:]...)
	level := adj[n-1]
	out := newFitted(m.Name(), in.Horizon)
	for h := 0; h < in.Horizon; h++ {
		next := math.Max(-3, math.Min(3, predict(weights, bias, window)))
		window = append(window[1:], next)
		level += mu + next*sd
		v := level + in.seasonal(n+h)
		half := z95 * stepSD * math.Sqrt(float64(h+1))
		out.Values[h], out.Lower[h], out.Upper[h] = v, v-half, v+half
	}
	out.Confidence = modelConfidence(z95*stepSD, stats.Mean(in.Values))
	return out, nil
}

func predict(w []float64, b float64, x []float64) float64 {
	y := b
	for i, v := range x {
		y += w[i] * v
	}
	return y
}

func newFitted(name string, horizon int) Fitted {
	return Fitted{
		Model:  name,
		Values: make([]float64, horizon),
		Lower:  make([]float64, horizon),
		Upper:  make([]float64, horizon),
	}
}
