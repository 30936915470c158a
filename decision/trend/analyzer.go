// Package trend decomposes cost series into trend, seasonal and residual parts.
package trend

import (
	"fmt"
	"math"
	"sort"

	"cost-insight/internal/stats"
	"cost-insight/pkg/api"
	ierrors "cost-insight/pkg/errors"
	"cost-insight/pkg/validation"
)

// Config tunes period detection
type Config struct {
	MinPoints  int     `toml:"min_points" validate:"min=4"`
	MaxPeriod  int     `toml:"max_period" validate:"min=2"`
	MinACF     float64 `toml:"min_acf" validate:"gt=0,lt=1"` // Autocorrelation a peak must reach to count as a period
	TopPeriods int     `toml:"top_periods" validate:"min=1"`
	FlatBand   float64 `toml:"flat_band" validate:"gte=0"` // Window growth inside +/- this is reported as flat
}

// DefaultConfig returns the default analyzer settings.
func DefaultConfig() Config {
	return Config{
		MinPoints:  14,
		MaxPeriod:  60,
		MinACF:     0.3,
		TopPeriods: 2,
		FlatBand:   0.02,
	}
}

// Validate checks the analyzer settings.
func (c Config) Validate() error {
	return validation.Struct(c, ierrors.ErrCodeInvalidConfig, "trend: ")
}

// Decomposition is the additive split value = trend + seasonal + residual.
type Decomposition struct {
	SeriesID           string          `json:"series_id"`
	Trend              []float64       `json:"trend"`
	Seasonal           []float64       `json:"seasonal"`
	Residual           []float64       `json:"residual"`
	SeasonalAmplitudes map[int]float64 `json:"seasonal_components"` // period -> half peak-to-peak
	DetectedPeriods    []int           `json:"detected_periods"`    // Strongest first
	GrowthRate         float64         `json:"growth_rate"`         // Compound rate per day of the trend
	WindowGrowth       float64         `json:"window_growth"`
	Direction          string          `json:"direction"`

	indices map[int][]float64
	values  []float64
}

// SeasonalAt returns the seasonal component at position i, which may lie beyond the series.
// Components are summed strongest period first, as Decompose fitted them.
func (d *Decomposition) SeasonalAt(i int) float64 {
	total := 0.0
	for _, p := range d.DetectedPeriods {
		idx, ok := d.indices[p]
		if !ok {
			continue
		}
		total += idx[((i%p)+p)%p]
	}
	return total
}

// GrowthOver compounds the daily growth rate over days.
func (d *Decomposition) GrowthOver(days int) float64 {
	return math.Pow(1+d.GrowthRate, float64(days)) - 1
}

// Summary converts the decomposition to its bundle form.
func (d *Decomposition) Summary(category string) api.TrendSummary {
	mean := stats.Mean(d.values)
	vol := 0.0
	if mean != 0 {
		vol = stats.StdDev(d.Residual) / math.Abs(mean)
	}
	return api.TrendSummary{
		SeriesID:        d.SeriesID,
		Category:        category,
		GrowthRate:      d.GrowthRate,
		WindowGrowth:    d.WindowGrowth,
		Direction:       d.Direction,
		DetectedPeriods: append([]int(nil), d.DetectedPeriods...),
		Seasonality:     d.SeasonalAmplitudes,
		MeanDailyCost:   mean,
		Volatility:      vol,
		HistoryDays:     len(d.values),
	}
}

// Analyzer decomposes series
type Analyzer struct {
	cfg Config
}

// NewAnalyzer creates an analyzer
func NewAnalyzer(cfg Config) *Analyzer {
	return &Analyzer{cfg: cfg}
}

// Decompose detects periodicities with autocorrelation peaks and fits an additive
// decomposition at the strongest ones.
func (a *Analyzer) Decompose(series api.Series) (*Decomposition, error) {
	xs := series.Values()
	n := len(xs)
	if n < a.cfg.MinPoints {
		return nil, ierrors.NewInsufficientHistoryError(n, a.cfg.MinPoints).WithComponent("trend")
	}
	if stats.AllZero(xs) {
		return nil, ierrors.NewDataQualityError(ierrors.ErrCodeZeroSeries, fmt.Sprintf("series %s is all zero", series.ID)).WithComponent("trend")
	}

	periods := a.detectPeriods(xs)

	width := 7
	if len(periods) > 0 {
		width = maxInt(periods)
	}
	trend := stats.CenteredMovingAverage(xs, width)

	d := &Decomposition{
		SeriesID:           series.ID,
		Trend:              trend,
		Seasonal:           make([]float64, n),
		Residual:           make([]float64, n),
		SeasonalAmplitudes: make(map[int]float64),
		DetectedPeriods:    periods,
		indices:            make(map[int][]float64),
		values:             xs,
	}

	for _, p := range periods {
		detrended := make([]float64, n)
		for i := range xs {
			detrended[i] = xs[i] - trend[i] - d.Seasonal[i]
		}
		idx := seasonalIndices(detrended, p)
		d.indices[p] = idx
		d.SeasonalAmplitudes[p] = (stats.Quantile(idx, 1) - stats.Quantile(idx, 0)) / 2
		for i := range xs {
			d.Seasonal[i] += idx[i%p]
		}
	}
	for i := range xs {
		d.Residual[i] = xs[i] - trend[i] - d.Seasonal[i]
	}

	d.GrowthRate, d.WindowGrowth = compoundGrowth(trend)
	switch {
	case d.WindowGrowth > a.cfg.FlatBand:
		d.Direction = "increasing"
	case d.WindowGrowth < -a.cfg.FlatBand:
		d.Direction = "decreasing"
	default:
		d.Direction = "flat"
	}
	return d, nil
}

func (a *Analyzer) detectPeriods(xs []float64) []int {
	n := len(xs)
	intercept, slope := stats.LinearFit(xs)
	detrended := make([]float64, n)
	for i, x := range xs {
		detrended[i] = x - (intercept + slope*float64(i))
	}

	maxLag := a.cfg.MaxPeriod
	if maxLag > n/2 {
		maxLag = n / 2
	}
	if maxLag < 3 {
		return nil
	}
	acf := make([]float64, maxLag+2)
	for k := 1; k <= maxLag+1 && k < n; k++ {
		acf[k] = stats.Autocorrelation(detrended, k)
	}

	type peak struct {
		lag int
		acf float64
	}
	var peaks []peak
	for k := 2; k <= maxLag; k++ {
		if acf[k] >= a.cfg.MinACF && acf[k] > acf[k-1] && acf[k] >= acf[k+1] {
			peaks = append(peaks, peak{k, acf[k]})
		}
	}
	sort.Slice(peaks, func(i, j int) bool {
		if peaks[i].acf == peaks[j].acf {
			return peaks[i].lag < peaks[j].lag
		}
		return peaks[i].acf > peaks[j].acf
	})

	var out []int
	for _, p := range peaks {
		if len(out) == a.cfg.TopPeriods {
			break
		}
		harmonic := false
		for _, q := range out {
			if p.lag%q == 0 || q%p.lag == 0 {
				harmonic = true
				break
			}
		}
		if !harmonic {
			out = append(out, p.lag)
		}
	}
	return out
}

// seasonalIndices averages the detrended values at each phase of period p and centers them.
func seasonalIndices(detrended []float64, p int) []float64 {
	sums := make([]float64, p)
	counts := make([]int, p)
	for i, v := range detrended {
		sums[i%p] += v
		counts[i%p]++
	}
	idx := make([]float64, p)
	for j := range idx {
		if counts[j] > 0 {
			idx[j] = sums[j] / float64(counts[j])
		}
	}
	m := stats.Mean(idx)
	for j := range idx {
		idx[j] -= m
	}
	return idx
}

// compoundGrowth returns the per-day compound rate of the trend and the growth over its span.
func compoundGrowth(trend []float64) (daily, window float64) {
	n := len(trend)
	if n < 2 {
		return 0, 0
	}
	start, end := trend[0], trend[n-1]
	if start > 0 && end > 0 {
		window = end/start - 1
		daily = math.Pow(end/start, 1/float64(n-1)) - 1
		return daily, window
	}
	// Trend crosses zero; fall back to the linear slope relative to the mean level.
	_, slope := stats.LinearFit(trend)
	mean := math.Abs(stats.Mean(trend))
	if mean == 0 {
		return 0, 0
	}
	daily = slope / mean
	return daily, daily * float64(n-1)
}

func maxInt(xs []int) int {
	m := xs[0]
	for _, x := range xs[1:] {
		if x > m {
			m = x
		}
	}
	return m
}
