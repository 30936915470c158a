package anomaly

import (
	"context"
	"fmt"
	"math"

	"cost-insight/internal/stats"
)

// StatisticalName is the vote label of the z-score/IQR detector.
const StatisticalName = "statistical"

// iqrToSigma converts an interquartile range to a normal-equivalent standard deviation.
const iqrToSigma = 1.349

// Statistical flags points far from a rolling baseline by z-score or by IQR fences.
type Statistical struct{}

// NewStatistical creates the statistical detector
func NewStatistical() *Statistical {
	return &Statistical{}
}

func (s *Statistical) Name() string { return StatisticalName }

func (s *Statistical) Detect(ctx context.Context, in *Input) ([]Vote, error) {
	cfg := in.Config
	var votes []Vote

	for i := range in.Points {
		if i%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		baseline := in.baseline(i, cfg.BaselineWindow)
		mean := stats.Mean(baseline)
		expected := mean + in.Seasonal[i]
		if !judgeable(in, i, baseline, expected) {
			continue
		}

		v := in.Adjusted[i]
		floor := math.Max(cfg.RelativeStdFloor*math.Abs(mean), cfg.AbsoluteStdFloor)
		sd := math.Max(stats.StdDev(baseline), floor)
		z := math.Abs(v-mean) / sd

		median := stats.Median(baseline)
		q1, q3 := stats.Quantile(baseline, 0.25), stats.Quantile(baseline, 0.75)
		iqr := math.Max(q3-q1, floor*iqrToSigma)
		outsideFence := v > q3+cfg.IQRMultiplier*iqr || v < q1-cfg.IQRMultiplier*iqr
		robust := math.Abs(v-median) / (iqr / iqrToSigma)

		var score float64
		var test string
		switch {
		case z >= cfg.ZScoreThreshold && outsideFence:
			score, test = math.Max(z, robust), "z-score and IQR"
		case z >= cfg.ZScoreThreshold:
			score, test = z, "z-score"
		case outsideFence:
			score, test = robust, "IQR fence"
		default:
			continue
		}

		direction := "above"
		if v < mean {
			direction = "below"
		}
		votes = append(votes, Vote{
			Index:    i,
			Score:    score,
			Expected: expected,
			Reason: fmt.Sprintf("%s: %.2f is %.1f sigma %s the %d-day baseline of %.2f",
				test, in.raw(i), score, direction, len(baseline), expected),
		})
	}
	return votes, nil
}
