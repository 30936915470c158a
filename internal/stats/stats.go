// Package stats holds the small numeric helpers shared by the detectors, the decomposition
// and the forecasting models.
package stats

import (
	"math"
	"sort"
)

// Mean returns the arithmetic mean, or 0 for an empty slice.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// Variance returns the sample variance.
func Variance(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := Mean(xs)
	ss := 0.0
	for _, x := range xs {
		ss += (x - m) * (x - m)
	}
	return ss / float64(len(xs)-1)
}

// StdDev returns the sample standard deviation.
func StdDev(xs []float64) float64 {
	return math.Sqrt(Variance(xs))
}

// Quantile returns the q-quantile using linear interpolation between order statistics.
func Quantile(xs []float64, q float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	if q <= 0 {
		return s[0]
	}
	if q >= 1 {
		return s[len(s)-1]
	}
	pos := q * float64(len(s)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	frac := pos - float64(lo)
	return s[lo] + (s[hi]-s[lo])*frac
}

// Median returns the 0.5 quantile.
func Median(xs []float64) float64 {
	return Quantile(xs, 0.5)
}

// MAD returns the median absolute deviation from the median.
func MAD(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	med := Median(xs)
	dev := make([]float64, len(xs))
	for i, x := range xs {
		dev[i] = math.Abs(x - med)
	}
	return Median(dev)
}

// Autocorrelation returns the lag-k sample autocorrelation.
func Autocorrelation(xs []float64, lag int) float64 {
	n := len(xs)
	if lag <= 0 || lag >= n {
		return 0
	}
	m := Mean(xs)
	den := 0.0
	for _, x := range xs {
		den += (x - m) * (x - m)
	}
	if den == 0 {
		return 0
	}
	num := 0.0
	for i := lag; i < n; i++ {
		num += (xs[i] - m) * (xs[i-lag] - m)
	}
	return num / den
}

// LinearFit returns the least-squares intercept and slope of xs against its index.
func LinearFit(xs []float64) (intercept, slope float64) {
	n := float64(len(xs))
	if n == 0 {
		return 0, 0
	}
	if n == 1 {
		return xs[0], 0
	}
	var sx, sy, sxy, sxx float64
	for i, y := range xs {
		x := float64(i)
		sx += x
		sy += y
		sxy += x * y
		sxx += x * x
	}
	den := n*sxx - sx*sx
	if den == 0 {
		return sy / n, 0
	}
	slope = (n*sxy - sx*sy) / den
	intercept = (sy - slope*sx) / n
	return intercept, slope
}

// CenteredMovingAverage smooths xs with a window of the given width.
// Even widths use the 2xMA convention. Edges are filled by linear extrapolation of the
// nearest smoothed values so the output has the same length as xs.
func CenteredMovingAverage(xs []float64, width int) []float64 {
	n := len(xs)
	out := make([]float64, n)
	if width <= 1 || n < width+1 {
		intercept, slope := LinearFit(xs)
		for i := range out {
			out[i] = intercept + slope*float64(i)
		}
		return out
	}

	half := width / 2
	valid := make([]bool, n)
	for i := half; i < n-half; i++ {
		if width%2 == 1 {
			out[i] = Mean(xs[i-half : i+half+1])
		} else {
			sum := 0.5*xs[i-half] + 0.5*xs[i+half]
			for j := i - half + 1; j < i+half; j++ {
				sum += xs[j]
			}
			out[i] = sum / float64(width)
		}
		valid[i] = true
	}

	first, last := half, n-half-1
	if last <= first {
		for i := range out {
			out[i] = out[first]
		}
		return out
	}
	headSlope := (out[first+1] - out[first])
	if first+half < last {
		headSlope = (out[first+half] - out[first]) / float64(half)
	}
	tailSlope := (out[last] - out[last-1])
	if last-half > first {
		tailSlope = (out[last] - out[last-half]) / float64(half)
	}
	for i := 0; i < first; i++ {
		out[i] = out[first] - headSlope*float64(first-i)
	}
	for i := last + 1; i < n; i++ {
		out[i] = out[last] + tailSlope*float64(i-last)
	}
	return out
}

// AllZero reports whether every value is zero.
func AllZero(xs []float64) bool {
	for _, x := range xs {
		if x != 0 {
			return false
		}
	}
	return true
}

// Sum returns the sum of xs.
func Sum(xs []float64) float64 {
	s := 0.0
	for _, x := range xs {
		s += x
	}
	return s
}
