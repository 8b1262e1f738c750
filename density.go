package adp

import (
	"context"
	"math"
)

// DensityMethod selects the per-point density estimator.
type DensityMethod string

const (
	// DensityKStar is the k-NN estimator with an adaptively chosen k per
	// point (k*), the default.
	DensityKStar DensityMethod = "kstar"

	// DensityFixedK uses min(MaxK, K) neighbors for every point.
	DensityFixedK DensityMethod = "fixed_k"

	// DensityPAk refines the k* estimate with the point-adaptive k-NN
	// likelihood, which adds a linear density gradient across the shells.
	DensityPAk DensityMethod = "pak"
)

// DensityEstimate holds per-point log-densities, their standard errors and
// the number of neighbors used.
type DensityEstimate struct {
	LogDensity []float64
	Error      []float64
	KStar      []int

	// Warnings holds a *ConvergenceError when some PAk solves fell back
	// to the k* estimate.
	Warnings []error
}

// DensityOptions configures EstimateDensity. Zero values select defaults.
type DensityOptions struct {
	Method        DensityMethod
	MaxK          int
	KStarAlpha    float64
	MaxIterations int
	Tolerance     float64
	Workers       int
}

func (o *DensityOptions) applyDefaults() {
	if o.Method == "" {
		o.Method = DensityKStar
	}
	if o.MaxK <= 0 {
		o.MaxK = 1000
	}
	if o.KStarAlpha <= 0 {
		o.KStarAlpha = 1e-6
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = 100
	}
	if o.Tolerance <= 0 {
		o.Tolerance = 1e-10
	}
}

// EstimateDensity computes, for each point i with k_i neighbors,
//
//	log ρ_i = log k_i - log V_d - d·log r_{k_i}(i) - log N
//
// with standard error sqrt((4k_i+2) / (k_i(k_i-1))).
//
// In k* mode k_i starts at 2 and grows while a likelihood-ratio test finds
// the density of i and of its (k+1)-th neighbor, both measured with k
// neighbors, consistent at level KStarAlpha:
//
//	D_k = -2k·[log V_i + log V_j - 2·log(V_i + V_j) + log 4] < χ²₁(1 - α)
//
// k_i is the last accepted k, capped at min(MaxK, K-1).
func EstimateDensity(ctx context.Context, g *NeighborGraph, dim float64, opts DensityOptions) (*DensityEstimate, error) {
	if g == nil || g.N == 0 {
		return nil, inputErrorf("empty neighbor graph")
	}
	if math.IsNaN(dim) || math.IsInf(dim, 0) || dim <= 0 {
		return nil, inputErrorf("intrinsic dimension must be finite and > 0, got %v", dim)
	}
	if g.K < 2 {
		return nil, configErrorf("density estimation needs k >= 2, got %d", g.K)
	}
	opts.applyDefaults()
	if opts.MaxK < 2 {
		return nil, configErrorf("MaxK must be >= 2, got %d", opts.MaxK)
	}
	if opts.KStarAlpha >= 1 {
		return nil, configErrorf("KStarAlpha must be in (0, 1), got %v", opts.KStarAlpha)
	}

	est := &densityEstimator{
		g:         g,
		dim:       dim,
		logVolume: logUnitBallVolume(dim),
		logN:      math.Log(float64(g.N)),
		threshold: chiSquaredUpperQuantile(opts.KStarAlpha),
		opts:      opts,
	}

	var pointFn func(i int)
	switch opts.Method {
	case DensityKStar:
		pointFn = func(i int) { est.kstarPoint(i, est.kstar(i)) }
	case DensityFixedK:
		k := min(opts.MaxK, g.K)
		pointFn = func(i int) { est.kstarPoint(i, k) }
	case DensityPAk:
		est.stalled = make([]bool, g.N)
		pointFn = est.pakPoint
	default:
		return nil, configErrorf("unknown density method %q", opts.Method)
	}

	est.out = &DensityEstimate{
		LogDensity: make([]float64, g.N),
		Error:      make([]float64, g.N),
		KStar:      make([]int, g.N),
	}
	if err := parallelPoints(ctx, g.N, opts.Workers, pointFn); err != nil {
		return nil, err
	}

	if est.stalled != nil {
		var points []int
		for i, s := range est.stalled {
			if s {
				points = append(points, i)
			}
		}
		if len(points) > 0 {
			est.out.Warnings = append(est.out.Warnings, &ConvergenceError{
				Stage:      "pak density",
				Iterations: opts.MaxIterations,
				Points:     points,
			})
		}
	}
	return est.out, nil
}

type densityEstimator struct {
	g         *NeighborGraph
	dim       float64
	logVolume float64
	logN      float64
	threshold float64
	opts      DensityOptions
	out       *DensityEstimate
	stalled   []bool
}

// kstar returns the adaptive neighborhood size of point i.
func (e *densityEstimator) kstar(i int) int {
	limit := min(e.opts.MaxK, e.g.K-1)
	ks := 2
	for k := 3; k <= limit; k++ {
		j := e.g.Neighbor(i, k+1)
		a := e.dim * safeLog(e.g.Radius(i, k))
		b := e.dim * safeLog(e.g.Radius(j, k))
		stat := -2 * float64(k) * (a + b - 2*logSumExp(a, b) + math.Ln2*2)
		if stat >= e.threshold {
			break
		}
		ks = k
	}
	return ks
}

// kstarPoint writes the k-NN estimate of point i with k neighbors.
func (e *densityEstimator) kstarPoint(i, k int) {
	e.out.KStar[i] = k
	e.out.LogDensity[i] = e.knnLogDensity(i, k)
	e.out.Error[i] = knnDensityError(k)
}

func (e *densityEstimator) knnLogDensity(i, k int) float64 {
	return math.Log(float64(k)) - e.logVolume - e.dim*safeLog(e.g.Radius(i, k)) - e.logN
}
