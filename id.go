package adp

import (
	"context"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/bits-and-blooms/bitset"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Estimator selects the intrinsic dimension estimator.
type Estimator string

const (
	// EstimatorTwoNN uses the ratio of second to first neighbor distances
	// and has a closed-form maximum-likelihood solution.
	EstimatorTwoNN Estimator = "two_nn"

	// EstimatorFull uses every ratio r_j/r_1, j = 2..K, in a composite
	// likelihood solved by bounded Newton-Raphson.
	EstimatorFull Estimator = "full"

	// EstimatorFixed marks a dimension supplied through Config.Dimension.
	EstimatorFixed Estimator = "fixed"
)

// IntrinsicDimension is the output of EstimateDimension.
type IntrinsicDimension struct {
	Dimension float64
	Error     float64
	Estimator Estimator

	// Converged is false when the full-likelihood solve exhausted its
	// iteration guard, in which case Dimension holds the last iterate, or
	// when DimensionOptions.Fallback was used.
	Converged  bool
	Iterations int

	// Used is the number of points that entered the estimate.
	Used int

	// Local and LocalError hold per-point estimates in local mode. A point
	// whose neighborhood is entirely degenerate gets NaN.
	Local      []float64
	LocalError []float64

	// Warnings holds *DegenerateDistanceError and *ConvergenceError values.
	Warnings []error
}

// DimensionOptions configures EstimateDimension. Zero values select the
// defaults documented on Config.
type DimensionOptions struct {
	Estimator     Estimator
	Trim          float64
	Local         bool
	LocalSize     int
	Resamples     int
	Seed          int64
	MaxIterations int
	Tolerance     float64
	MinDimension  float64
	MaxDimension  float64
	Workers       int

	// Fallback, when > 0, is returned as the dimension if no point has a
	// usable distance ratio, with an infinite error and a warning listing
	// every point. When 0 that case is an ErrInvalidInput error.
	Fallback float64
}

func (o *DimensionOptions) applyDefaults(k int) {
	if o.Estimator == "" {
		o.Estimator = EstimatorTwoNN
	}
	if o.LocalSize <= 0 || o.LocalSize > k {
		o.LocalSize = k
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = 100
	}
	if o.Tolerance <= 0 {
		o.Tolerance = 1e-10
	}
	if o.MinDimension <= 0 {
		o.MinDimension = 1e-3
	}
	if o.MaxDimension <= 0 {
		o.MaxDimension = 1e3
	}
}

// dimensionEstimator holds the per-point log distance ratios shared by both
// estimators. logRatio[i*(K-1)+j-2] = log(r_j(i) / r_1(i)) for j = 2..K.
type dimensionEstimator struct {
	g        *NeighborGraph
	opts     DimensionOptions
	logRatio []float64
	valid    *bitset.BitSet
}

// EstimateDimension infers the intrinsic dimension of the manifold sampled
// by the points of g. Points with a zero first-neighbor distance or a
// second-to-first distance ratio <= 1 are excluded and reported as a
// *DegenerateDistanceError warning.
func EstimateDimension(ctx context.Context, g *NeighborGraph, opts DimensionOptions) (*IntrinsicDimension, error) {
	if g == nil || g.N == 0 {
		return nil, inputErrorf("empty neighbor graph")
	}
	if g.K < 2 {
		return nil, configErrorf("dimension estimation needs k >= 2, got %d", g.K)
	}
	opts.applyDefaults(g.K)
	switch opts.Estimator {
	case EstimatorTwoNN, EstimatorFull:
	default:
		return nil, configErrorf("unknown dimension estimator %q", opts.Estimator)
	}
	if opts.Trim < 0 || opts.Trim >= 1 {
		return nil, configErrorf("trim fraction must be in [0, 1), got %v", opts.Trim)
	}

	e := &dimensionEstimator{g: g, opts: opts}
	if err := e.computeRatios(ctx); err != nil {
		return nil, err
	}

	used := e.validPoints()
	if len(used) == 0 {
		if opts.Fallback <= 0 {
			return nil, inputErrorf("all %d points have degenerate distance ratios; set a fixed dimension instead", g.N)
		}
		return e.fallback(ctx)
	}

	res := &IntrinsicDimension{Estimator: opts.Estimator, Converged: true}
	if degenerate := g.N - len(used); degenerate > 0 {
		idx := make([]int, 0, degenerate)
		for i := 0; i < g.N; i++ {
			if !e.valid.Test(uint(i)) {
				idx = append(idx, i)
			}
		}
		res.Warnings = append(res.Warnings, &DegenerateDistanceError{Indices: idx})
	}

	if opts.Trim > 0 {
		used = e.trim(used)
	}
	res.Used = len(used)

	switch opts.Estimator {
	case EstimatorTwoNN:
		res.Dimension, res.Error = e.twoNN(used)
	case EstimatorFull:
		sol := e.full(used)
		res.Dimension, res.Error = sol.dim, sol.err
		res.Iterations = sol.iterations
		res.Converged = sol.converged
		if !sol.converged {
			res.Warnings = append(res.Warnings, &ConvergenceError{Stage: "dimension", Iterations: sol.iterations})
		}
	}

	if opts.Resamples > 0 {
		res.Error = e.resampledError(used)
	}

	if opts.Local {
		if err := e.local(ctx, res); err != nil {
			return nil, err
		}
	}

	return res, nil
}

// fallback reports opts.Fallback for a graph without a single usable
// distance ratio, such as equidistant items, where every density is equal
// whatever the dimension.
func (e *dimensionEstimator) fallback(ctx context.Context) (*IntrinsicDimension, error) {
	all := make([]int, e.g.N)
	for i := range all {
		all[i] = i
	}
	res := &IntrinsicDimension{
		Dimension: e.opts.Fallback,
		Error:     math.Inf(1),
		Estimator: e.opts.Estimator,
		Warnings:  []error{&DegenerateDistanceError{Indices: all}},
	}
	if e.opts.Local {
		if err := e.local(ctx, res); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// computeRatios fills logRatio in parallel, one row per point, then records
// which points are usable.
func (e *dimensionEstimator) computeRatios(ctx context.Context) error {
	g := e.g
	width := g.K - 1
	e.logRatio = make([]float64, g.N*width)
	err := parallelPoints(ctx, g.N, e.opts.Workers, func(i int) {
		row := e.logRatio[i*width : (i+1)*width]
		r1 := g.Radius(i, 1)
		if !(r1 > 0) || !(g.Radius(i, 2) > r1) {
			row[0] = math.NaN()
			return
		}
		l1 := math.Log(r1)
		for j := 2; j <= g.K; j++ {
			row[j-2] = math.Log(g.Radius(i, j)) - l1
		}
	})
	if err != nil {
		return err
	}

	e.valid = bitset.New(uint(g.N))
	for i := 0; i < g.N; i++ {
		if !math.IsNaN(e.logRatio[i*width]) {
			e.valid.Set(uint(i))
		}
	}
	return nil
}

func (e *dimensionEstimator) validPoints() []int {
	pts := make([]int, 0, e.valid.Count())
	for i, ok := e.valid.NextSet(0); ok; i, ok = e.valid.NextSet(i + 1) {
		pts = append(pts, int(i))
	}
	return pts
}

// logMu returns log(r_2(i)/r_1(i)).
func (e *dimensionEstimator) logMu(i int) float64 {
	return e.logRatio[i*(e.g.K-1)]
}

// trim drops the given fraction of points with the largest ratios. The
// remaining points are returned in ascending index order.
func (e *dimensionEstimator) trim(used []int) []int {
	keep := len(used) - int(math.Floor(e.opts.Trim*float64(len(used))))
	if keep < 1 {
		keep = 1
	}
	sorted := append([]int(nil), used...)
	sort.SliceStable(sorted, func(a, b int) bool {
		return e.logMu(sorted[a]) < e.logMu(sorted[b])
	})
	sorted = sorted[:keep]
	sort.Ints(sorted)
	return sorted
}

// twoNN returns the closed-form estimate d = n / Σ log μ_i over pts and its
// asymptotic standard error d / sqrt(n).
func (e *dimensionEstimator) twoNN(pts []int) (float64, float64) {
	logs := make([]float64, len(pts))
	for k, i := range pts {
		logs[k] = e.logMu(i)
	}
	n := float64(len(pts))
	d := n / floats.Sum(logs)
	return d, d / math.Sqrt(n)
}

// resampledError returns the standard deviation of the estimate over
// seeded bootstrap resamples of pts.
func (e *dimensionEstimator) resampledError(pts []int) float64 {
	rng := rand.New(rand.NewPCG(uint64(e.opts.Seed), 0x5eed))
	estimates := make([]float64, e.opts.Resamples)
	sample := make([]int, len(pts))
	for b := range estimates {
		for s := range sample {
			sample[s] = pts[rng.IntN(len(pts))]
		}
		switch e.opts.Estimator {
		case EstimatorFull:
			estimates[b] = e.full(sample).dim
		default:
			estimates[b], _ = e.twoNN(sample)
		}
	}
	return stat.StdDev(estimates, nil)
}

// local computes one estimate per point over the point and its first
// LocalSize neighbors.
func (e *dimensionEstimator) local(ctx context.Context, res *IntrinsicDimension) error {
	n := e.g.N
	res.Local = make([]float64, n)
	res.LocalError = make([]float64, n)
	stalled := make([]bool, n)

	err := parallelFor(ctx, n, e.opts.Workers, func(start, end int) error {
		members := make([]int, 0, e.opts.LocalSize+1)
		for i := start; i < end; i++ {
			members = members[:0]
			if e.valid.Test(uint(i)) {
				members = append(members, i)
			}
			for j := 1; j <= e.opts.LocalSize; j++ {
				if nb := e.g.Neighbor(i, j); e.valid.Test(uint(nb)) {
					members = append(members, nb)
				}
			}
			if len(members) == 0 {
				res.Local[i] = math.NaN()
				res.LocalError[i] = math.NaN()
				continue
			}
			switch e.opts.Estimator {
			case EstimatorFull:
				sol := e.full(members)
				res.Local[i], res.LocalError[i] = sol.dim, sol.err
				stalled[i] = !sol.converged
			default:
				res.Local[i], res.LocalError[i] = e.twoNN(members)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	var points []int
	for i, s := range stalled {
		if s {
			points = append(points, i)
		}
	}
	if len(points) > 0 {
		res.Warnings = append(res.Warnings, &ConvergenceError{
			Stage:      "local dimension",
			Iterations: e.opts.MaxIterations,
			Points:     points,
		})
	}
	return nil
}
