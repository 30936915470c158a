package anomaly

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"cost-insight/internal/stats"
	ierrors "cost-insight/pkg/errors"
)

// DensityName is the vote label of the isolation detector.
const DensityName = "density"

const eulerGamma = 0.5772156649

// minDensityPoints is the shortest series the isolation forest is fitted on.
const minDensityPoints = 14

// Density is an isolation-forest detector over (level, day of week, relative change).
// Points that random axis-aligned splits isolate quickly lie in sparse regions.
type Density struct{}

// NewDensity creates the density detector
func NewDensity() *Density {
	return &Density{}
}

func (d *Density) Name() string { return DensityName }

func (d *Density) Detect(ctx context.Context, in *Input) ([]Vote, error) {
	cfg := in.Config

	var idx []int
	for i := range in.Points {
		if !in.Skip[i] {
			idx = append(idx, i)
		}
	}
	if len(idx) < minDensityPoints {
		return nil, ierrors.NewInsufficientHistoryError(len(idx), minDensityPoints).WithComponent("anomaly/density")
	}

	features := make([][3]float64, len(idx))
	expected := make([]float64, len(idx))
	for k, i := range idx {
		trail := in.baseline(i, 7)
		med := in.Adjusted[i]
		if len(trail) > 0 {
			med = stats.Median(trail)
		}
		scale := math.Max(math.Abs(med), cfg.AbsoluteStdFloor)
		features[k] = [3]float64{
			in.Adjusted[i],
			float64(in.Points[i].Timestamp.UTC().Weekday()),
			(in.Adjusted[i] - med) / scale,
		}
		expected[k] = med + in.Seasonal[i]
	}

	rng := rand.New(rand.NewSource(cfg.DensitySeed))
	sample := cfg.DensitySample
	if sample > len(features) {
		sample = len(features)
	}
	maxDepth := int(math.Ceil(math.Log2(float64(sample))))

	trees := make([]*isoNode, cfg.DensityTrees)
	for t := range trees {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		perm := rng.Perm(len(features))[:sample]
		rows := make([][3]float64, sample)
		for j, p := range perm {
			rows[j] = features[p]
		}
		trees[t] = buildIsoTree(rng, rows, 0, maxDepth)
	}

	norm := averagePathLength(sample)
	var votes []Vote
	for k, i := range idx {
		baseline := in.baseline(i, cfg.BaselineWindow)
		if !judgeable(in, i, baseline, expected[k]) {
			continue
		}
		// Immaterial moves are not reported however isolated they look.
		if math.Abs(features[k][2]) < cfg.RelativeStdFloor {
			continue
		}
		total := 0.0
		for _, tree := range trees {
			total += tree.pathLength(features[k], 0)
		}
		s := math.Pow(2, -(total/float64(len(trees)))/norm)
		if s < cfg.DensityThreshold {
			continue
		}
		votes = append(votes, Vote{
			Index:    i,
			Score:    2 + 4*(s-cfg.DensityThreshold)/(1-cfg.DensityThreshold),
			Expected: expected[k],
			Reason:   fmt.Sprintf("isolation score %.2f puts %.2f in a sparse region", s, in.raw(i)),
		})
	}
	return votes, nil
}

type isoNode struct {
	feature     int
	split       float64
	left, right *isoNode
	size        int
}

func buildIsoTree(rng *rand.Rand, rows [][3]float64, depth, maxDepth int) *isoNode {
	if depth >= maxDepth || len(rows) <= 1 {
		return &isoNode{size: len(rows)}
	}

	var candidates []int
	var lo, hi [3]float64
	for f := 0; f < 3; f++ {
		lo[f], hi[f] = rows[0][f], rows[0][f]
		for _, r := range rows[1:] {
			lo[f] = math.Min(lo[f], r[f])
			hi[f] = math.Max(hi[f], r[f])
		}
		if hi[f] > lo[f] {
			candidates = append(candidates, f)
		}
	}
	if len(candidates) == 0 {
		return &isoNode{size: len(rows)}
	}

	f := candidates[rng.Intn(len(candidates))]
	split := lo[f] + rng.Float64()*(hi[f]-lo[f])
	var left, right [][3]float64
	for _, r := range rows {
		if r[f] < split {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}
	return &isoNode{
		feature: f,
		split:   split,
		left:    buildIsoTree(rng, left, depth+1, maxDepth),
		right:   buildIsoTree(rng, right, depth+1, maxDepth),
	}
}

func (n *isoNode) pathLength(x [3]float64, depth int) float64 {
	if n.left == nil && n.right == nil {
		return float64(depth) + averagePathLength(n.size)
	}
	if x[n.feature] < n.split {
		return n.left.pathLength(x, depth+1)
	}
	return n.right.pathLength(x, depth+1)
}

// averagePathLength is the expected path length of an unsuccessful BST search over n points.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}
