package trend

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cost-insight/pkg/api"
	ierrors "cost-insight/pkg/errors"
)

func series(values []float64) api.Series {
	start := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	pts := make([]api.TimeSeriesPoint, len(values))
	for i, v := range values {
		pts[i] = api.TimeSeriesPoint{Timestamp: start.AddDate(0, 0, i), Value: v}
	}
	return api.Series{ID: "acme/total", Points: pts}
}

// weekly builds base*(1 + weeklyGrowth*week) with a weekend dip.
func weekly(n int, base, weeklyGrowth float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		level := base * (1 + weeklyGrowth*float64(i)/7)
		dip := 0.0
		if i%7 == 5 || i%7 == 6 {
			dip = -0.3 * base
		}
		out[i] = level + dip
	}
	return out
}

func TestDecomposeFindsWeeklyPeriod(t *testing.T) {
	d, err := NewAnalyzer(DefaultConfig()).Decompose(series(weekly(90, 1000, 0.05)))
	require.NoError(t, err)

	require.NotEmpty(t, d.DetectedPeriods)
	assert.Equal(t, 7, d.DetectedPeriods[0])
	assert.Greater(t, d.SeasonalAmplitudes[7], 100.0)
	assert.Equal(t, "increasing", d.Direction)
	assert.Greater(t, d.GrowthRate, 0.0)
	assert.Greater(t, d.GrowthOver(30), d.GrowthOver(7))

	for i := range d.Trend {
		assert.InDelta(t, series(weekly(90, 1000, 0.05)).Points[i].Value, d.Trend[i]+d.Seasonal[i]+d.Residual[i], 1e-6)
	}
	assert.InDelta(t, d.Seasonal[5], d.SeasonalAt(5+7*20), 1e-9)
}

func TestDecomposeFlatSeries(t *testing.T) {
	values := make([]float64, 40)
	for i := range values {
		values[i] = 200 + math.Sin(float64(i)*1.7)*0.01
	}
	d, err := NewAnalyzer(DefaultConfig()).Decompose(series(values))
	require.NoError(t, err)
	assert.Equal(t, "flat", d.Direction)
	assert.InDelta(t, 0, d.GrowthRate, 1e-3)

	s := d.Summary("Compute")
	assert.Equal(t, "Compute", s.Category)
	assert.Equal(t, 40, s.HistoryDays)
	assert.InDelta(t, 200, s.MeanDailyCost, 0.1)
}

func TestDecomposeDataQuality(t *testing.T) {
	a := NewAnalyzer(DefaultConfig())

	_, err := a.Decompose(series(make([]float64, 5)))
	assert.Equal(t, ierrors.KindDataQuality, ierrors.KindOf(err))

	_, err = a.Decompose(series(make([]float64, 30)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), ierrors.ErrCodeZeroSeries)
}

func TestHarmonicsAreNotReportedTwice(t *testing.T) {
	d, err := NewAnalyzer(DefaultConfig()).Decompose(series(weekly(120, 500, 0)))
	require.NoError(t, err)
	for _, p := range d.DetectedPeriods {
		if p != 7 {
			assert.NotZero(t, p%7, "period %d is a harmonic of 7", p)
		}
	}
}

func TestSeasonalAtSumsInPeriodOrder(t *testing.T) {
	// 1e16 + 1 rounds back to 1e16; cancelling the large indices first would yield 1.
	d := &Decomposition{
		DetectedPeriods: []int{2, 3, 5},
		indices: map[int][]float64{
			2: {1e16, 1e16},
			3: {1, 1, 1},
			5: {-1e16, -1e16, -1e16, -1e16, -1e16},
		},
	}
	for k := 0; k < 50; k++ {
		require.Zero(t, d.SeasonalAt(7))
	}

	d.DetectedPeriods = []int{2, 5}
	assert.Zero(t, d.SeasonalAt(7), "periods not detected are ignored")
	assert.Zero(t, (&Decomposition{}).SeasonalAt(3))
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.MinACF = 1
	cfg.TopPeriods = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min_acf 1 must be less than 1")
	assert.Contains(t, err.Error(), "top_periods 0 must be at least 1")
}
