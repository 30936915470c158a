// Package confidence provides score and weight math shared by the insight components.
package confidence

import (
	"math"
	"sort"
)

// WeightTolerance is the accepted deviation of a normalized weight set from 1.0.
const WeightTolerance = 1e-6

// Clamp bounds a score to [0, 1]. NaN clamps to 0.
func Clamp(score float64) float64 {
	if math.IsNaN(score) || score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// Aggregate combines independent confidence scores with a geometric mean,
// so a single weak component drags the result down.
func Aggregate(scores []float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	logSum := 0.0
	for _, s := range scores {
		if s <= 0 {
			return 0
		}
		logSum += math.Log(Clamp(s))
	}
	return math.Exp(logSum / float64(len(scores)))
}

// Decay reduces a base confidence geometrically over steps.
// rate is the fraction retained per step.
func Decay(base, rate float64, steps int) float64 {
	if steps <= 0 {
		return Clamp(base)
	}
	return Clamp(base * math.Pow(rate, float64(steps)))
}

// WeightedAverage returns sum(v*w)/sum(w), or 0 when the inputs are unusable.
func WeightedAverage(values, weights []float64) float64 {
	if len(values) == 0 || len(values) != len(weights) {
		return 0
	}
	var sum, weightSum float64
	for i, v := range values {
		sum += v * weights[i]
		weightSum += weights[i]
	}
	if weightSum == 0 {
		return 0
	}
	return sum / weightSum
}

// Normalize rescales the positive weights in w so they sum to 1.
// Keys with non-positive weight are dropped. An empty map is returned when nothing remains.
func Normalize(w map[string]float64) map[string]float64 {
	total := 0.0
	for _, v := range w {
		if v > 0 {
			total += v
		}
	}
	out := make(map[string]float64, len(w))
	if total == 0 {
		return out
	}

	// Largest weight absorbs rounding so the sum is exact to float precision.
	keys := make([]string, 0, len(w))
	for k, v := range w {
		if v > 0 {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if w[keys[i]] == w[keys[j]] {
			return keys[i] < keys[j]
		}
		return w[keys[i]] > w[keys[j]]
	})
	rest := 0.0
	for _, k := range keys[1:] {
		out[k] = w[k] / total
		rest += out[k]
	}
	out[keys[0]] = 1 - rest
	return out
}

// Sum returns the sum of a weight map.
func Sum(w map[string]float64) float64 {
	total := 0.0
	for _, v := range w {
		total += v
	}
	return total
}

// Default confidence levels
const (
	HighConfidence   = 0.95
	MediumConfidence = 0.80
	LowConfidence    = 0.60
	MinConfidence    = 0.50
)
