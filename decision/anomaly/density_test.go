package anomaly

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDensityVotesForIsolatedPoint(t *testing.T) {
	values := flat(60, 100)
	values[40] = 500

	res, err := NewEnsemble(NewDensity()).Detect(context.Background(), makeSeries(values), DefaultConfig())
	require.NoError(t, err)

	require.Len(t, res.Anomalies, 1)
	a := res.Anomalies[0]
	assert.Equal(t, day0.AddDate(0, 0, 40), a.Timestamp)
	assert.Equal(t, []string{DensityName}, a.DetectorVotes)
	assert.InDelta(t, 100.0, a.ExpectedValue, 1e-9)
	assert.GreaterOrEqual(t, a.DeviationScore, 2.0)
	assert.LessOrEqual(t, a.DeviationScore, 6.0)
	assert.Contains(t, a.Explanation, "isolation score")
}

func TestDensityIgnoresImmaterialMoves(t *testing.T) {
	values := flat(60, 100)
	values[30] = 102

	res, err := NewEnsemble(NewDensity()).Detect(context.Background(), makeSeries(values), DefaultConfig())
	require.NoError(t, err)
	assert.Empty(t, res.Anomalies)
}

func TestDensityNeedsEnoughPoints(t *testing.T) {
	values := flat(minDensityPoints-2, 100)
	values[9] = 500

	res, err := NewEnsemble(NewStatistical(), NewDensity()).Detect(context.Background(), makeSeries(values), DefaultConfig())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Ran())
	assert.Equal(t, 1, res.Failed())
	for _, d := range res.Detectors {
		if d.Name == DensityName {
			assert.False(t, d.Ran)
			assert.Contains(t, d.Error, "need at least 14")
		}
	}
	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, []string{StatisticalName}, res.Anomalies[0].DetectorVotes)
}

func TestDensityIsDeterministicForSeed(t *testing.T) {
	values := flat(45, 100)
	values[12] = 480
	values[33] = 20

	run := func() []float64 {
		res, err := NewEnsemble(NewDensity()).Detect(context.Background(), makeSeries(values), DefaultConfig())
		require.NoError(t, err)
		var scores []float64
		for _, a := range res.Anomalies {
			scores = append(scores, a.DeviationScore)
		}
		return scores
	}
	assert.Equal(t, run(), run())
}

func TestIsolationPathIsShorterForOutlier(t *testing.T) {
	rows := make([][3]float64, 0, 32)
	for i := 0; i < 31; i++ {
		rows = append(rows, [3]float64{100, float64(i % 7), 0})
	}
	outlier := [3]float64{500, 3, 4}
	rows = append(rows, outlier)

	rng := rand.New(rand.NewSource(7))
	var outlierPath, inlierPath float64
	for k := 0; k < 50; k++ {
		tree := buildIsoTree(rng, rows, 0, 5)
		outlierPath += tree.pathLength(outlier, 0)
		inlierPath += tree.pathLength(rows[0], 0)
	}
	assert.Less(t, outlierPath, inlierPath)
}

func TestAveragePathLength(t *testing.T) {
	assert.Zero(t, averagePathLength(1))
	assert.Equal(t, 1.0, averagePathLength(2))
	assert.InDelta(t, 10.24, averagePathLength(256), 0.01)
}
