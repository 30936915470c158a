package forecast

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cost-insight/decision/trend"
	"cost-insight/pkg/api"
	"cost-insight/pkg/confidence"
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

// weeklyTrend grows 5% of the base each week and dips on the last two days of every week.
func weeklyTrend(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		v := 100 * (1 + 0.05*float64(i)/7)
		if i%7 == 5 || i%7 == 6 {
			v -= 30
		}
		out[i] = v
	}
	return out
}

func decompose(t *testing.T, s api.Series) *trend.Decomposition {
	t.Helper()
	d, err := trend.NewAnalyzer(trend.DefaultConfig()).Decompose(s)
	require.NoError(t, err)
	return d
}

func newEngine(t *testing.T, models ...Model) *Engine {
	t.Helper()
	e, err := NewEngine(DefaultConfig(), models...)
	require.NoError(t, err)
	return e
}

func TestForecastWeeklyTrend(t *testing.T) {
	s := series(weeklyTrend(90))
	d := decompose(t, s)
	e := newEngine(t)

	month, err := e.Forecast(context.Background(), s, d, 30)
	require.NoError(t, err)
	require.Equal(t, api.ForecastOK, month.Status)
	require.Len(t, month.Points, 30)

	// Week-over-week totals keep rising
	prev := 0.0
	for w := 0; w < 4; w++ {
		total := 0.0
		for _, p := range month.Points[w*7 : w*7+7] {
			total += p.Value
		}
		assert.Greater(t, total, prev, "week %d", w)
		prev = total
	}

	for h := 1; h < len(month.Points); h++ {
		assert.LessOrEqual(t, month.Points[h].Confidence, month.Points[h-1].Confidence)
		assert.True(t, month.Points[h].Date.After(month.Points[h-1].Date))
	}

	week, err := e.Forecast(context.Background(), s, d, 7)
	require.NoError(t, err)
	assert.Greater(t, week.Confidence, month.Confidence)
	assert.Greater(t, month.PredictedValue, week.PredictedValue)
	assert.Greater(t, month.Confidence, 0.0)
}

func TestForecastBoundsAndWeights(t *testing.T) {
	s := series(weeklyTrend(90))
	rec, err := newEngine(t).Forecast(context.Background(), s, decompose(t, s), 14)
	require.NoError(t, err)

	assert.LessOrEqual(t, rec.LowerBound, rec.PredictedValue)
	assert.GreaterOrEqual(t, rec.UpperBound, rec.PredictedValue)
	for _, p := range rec.Points {
		assert.LessOrEqual(t, p.Lower, p.Value)
		assert.GreaterOrEqual(t, p.Upper, p.Value)
		assert.GreaterOrEqual(t, p.Confidence, 0.0)
		assert.LessOrEqual(t, p.Confidence, 1.0)
	}

	assert.Len(t, rec.ModelWeights, 3)
	assert.InDelta(t, 1.0, confidence.Sum(rec.ModelWeights), confidence.WeightTolerance)
	assert.InDelta(t, 0.4, rec.ModelWeights[AdditiveSeasonal], 1e-9)
	assert.Empty(t, rec.ExcludedModels)
	assert.Equal(t, s.Points[89].Timestamp.AddDate(0, 0, 1), rec.Points[0].Date)
}

func TestForecastRenormalizesAfterExclusion(t *testing.T) {
	// 20 points: only the additive model has enough history
	s := series(weeklyTrend(20))
	rec, err := newEngine(t).Forecast(context.Background(), s, decompose(t, s), 7)
	require.NoError(t, err)

	require.Equal(t, api.ForecastOK, rec.Status)
	assert.Equal(t, map[string]float64{AdditiveSeasonal: 1}, rec.ModelWeights)
	assert.Contains(t, rec.ExcludedModels, SeasonalStatistical)
	assert.Contains(t, rec.ExcludedModels, LearnedSequence)
}

type failingModel struct{ panics bool }

func (failingModel) Name() string   { return LearnedSequence }
func (failingModel) MinPoints() int { return 1 }
func (m failingModel) Fit(context.Context, *Input) (Fitted, error) {
	if m.panics {
		panic("diverged")
	}
	return Fitted{}, errors.New("training failed")
}

func TestForecastModelFailures(t *testing.T) {
	s := series(weeklyTrend(60))
	d := decompose(t, s)

	for _, panics := range []bool{false, true} {
		e := newEngine(t, NewSeasonalStatistical(), NewAdditiveSeasonal(), failingModel{panics: panics})
		rec, err := e.Forecast(context.Background(), s, d, 10)
		require.NoError(t, err)

		require.Equal(t, api.ForecastOK, rec.Status)
		assert.Contains(t, rec.ExcludedModels, LearnedSequence)
		assert.NotContains(t, rec.ModelWeights, LearnedSequence)
		assert.InDelta(t, 1.0, confidence.Sum(rec.ModelWeights), confidence.WeightTolerance)
		assert.InDelta(t, 0.4/0.7, rec.ModelWeights[AdditiveSeasonal], 1e-9)
	}
}

func TestExcludedModelIsLoggedWithRunContext(t *testing.T) {
	var buf bytes.Buffer
	s := series(weeklyTrend(60))
	s.ClientID = "acme"
	e := newEngine(t, NewSeasonalStatistical(), NewAdditiveSeasonal(), failingModel{}).WithLogger(zerolog.New(&buf))

	_, err := e.Forecast(context.Background(), s, decompose(t, s), 10)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry), buf.String())
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "model excluded", entry["message"])
	assert.Equal(t, "acme", entry["client_id"])
	assert.Equal(t, "acme/total", entry["series_id"])
	assert.Equal(t, "2026-01-05_2026-03-05", entry["window"])
	assert.Equal(t, LearnedSequence, entry["model"])
	assert.Contains(t, entry["reason"], "training failed")
}

func TestForecastNoForecast(t *testing.T) {
	e := newEngine(t)

	short, err := e.Forecast(context.Background(), series(weeklyTrend(10)), nil, 7)
	require.NoError(t, err)
	assert.Equal(t, api.ForecastNoForecast, short.Status)
	assert.False(t, short.Fitted())
	assert.NotEmpty(t, short.Reason)
	assert.Len(t, short.ExcludedModels, 3)
	assert.Empty(t, short.ModelWeights)

	zero, err := e.Forecast(context.Background(), series(make([]float64, 60)), nil, 7)
	require.NoError(t, err)
	assert.Equal(t, api.ForecastNoForecast, zero.Status)
}

func TestForecastWithoutDecomposition(t *testing.T) {
	values := make([]float64, 40)
	for i := range values {
		values[i] = 50 + float64(i)
	}
	rec, err := newEngine(t).Forecast(context.Background(), series(values), nil, 5)
	require.NoError(t, err)
	require.Equal(t, api.ForecastOK, rec.Status)
	assert.InDelta(t, 90.0, rec.Points[0].Value, 1.0)
}

func TestForecastRejectsBadArguments(t *testing.T) {
	e := newEngine(t)
	_, err := e.Forecast(context.Background(), series(weeklyTrend(30)), nil, 0)
	assert.True(t, ierrors.IsFatal(err))

	_, err = NewEngine(Config{Weights: map[string]float64{"prophet": 1}})
	require.Error(t, err)
	assert.Equal(t, ierrors.KindConfiguration, ierrors.KindOf(err))

	_, err = NewEngine(Config{Weights: map[string]float64{AdditiveSeasonal: 0}})
	assert.Error(t, err)
}

func TestForecastCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newEngine(t).Forecast(ctx, series(weeklyTrend(60)), nil, 7)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRestrict(t *testing.T) {
	e := newEngine(t)
	r, err := e.Restrict([]string{AdditiveSeasonal})
	require.NoError(t, err)
	assert.Equal(t, []string{AdditiveSeasonal}, r.Models())
	assert.Len(t, e.Models(), 3)

	s := series(weeklyTrend(60))
	rec, err := r.Forecast(context.Background(), s, decompose(t, s), 7)
	require.NoError(t, err)
	require.Equal(t, api.ForecastOK, rec.Status)
	assert.InDelta(t, 1.0, rec.ModelWeights[AdditiveSeasonal], 1e-9)

	same, err := e.Restrict(nil)
	require.NoError(t, err)
	assert.Same(t, e, same)

	_, err = e.Restrict([]string{"prophet"})
	assert.Error(t, err)
}
