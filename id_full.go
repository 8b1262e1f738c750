package adp

import "math"

// The full estimator treats every ratio μ_j = r_j/r_1 (j = 2..K) of a point
// as a Gride observation with n1 = 1, n2 = j. Under a locally homogeneous
// Poisson process its log-density is
//
//	log d + (j-2)·log(μ^d - 1) - ((j-1)·d + 1)·log μ - log B(j-1, 1)
//
// The sum over ratios and points is strictly concave in d, so Newton-Raphson
// on its derivative has a unique root. For j = 2 the term reduces to the
// two-NN likelihood.

type dimensionSolution struct {
	dim        float64
	err        float64
	iterations int
	converged  bool
}

// fullDerivatives returns the first and second derivative of the composite
// log-likelihood at d over the given points.
func (e *dimensionEstimator) fullDerivatives(d float64, pts []int) (grad, hess float64) {
	width := e.g.K - 1
	for _, i := range pts {
		row := e.logRatio[i*width : (i+1)*width]
		for c, l := range row {
			j := float64(c + 2)
			grad += 1/d - (j-1)*l
			hess -= 1 / (d * d)
			if c == 0 {
				continue
			}
			x := d * l
			em := -math.Expm1(-x) // 1 - μ^-d
			grad += (j - 2) * l / em
			hess -= (j - 2) * l * l * math.Exp(-x) / (em * em)
		}
	}
	return grad, hess
}

// full maximizes the composite likelihood over pts, starting from the
// two-NN closed form and clamping iterates to [MinDimension, MaxDimension].
func (e *dimensionEstimator) full(pts []int) dimensionSolution {
	start, _ := e.twoNN(pts)
	x, iters, ok := solveNewton(start, e.opts.MinDimension, e.opts.MaxDimension,
		e.opts.Tolerance, e.opts.MaxIterations,
		func(d float64) (float64, float64) { return e.fullDerivatives(d, pts) })

	_, hess := e.fullDerivatives(x, pts)
	sol := dimensionSolution{dim: x, iterations: iters, converged: ok, err: math.Inf(1)}
	if hess < 0 {
		sol.err = 1 / math.Sqrt(-hess)
	}
	return sol
}

// solveNewton finds a root of a decreasing gradient inside [lo, hi].
// It returns the last iterate, the iterations used and whether the step
// size fell below tol (relative to max(1, |x|)) within maxIter iterations.
func solveNewton(x0, lo, hi, tol float64, maxIter int, derivs func(x float64) (grad, hess float64)) (float64, int, bool) {
	clamp := func(v float64) float64 { return math.Min(hi, math.Max(lo, v)) }
	x := x0
	if math.IsNaN(x) || math.IsInf(x, 0) {
		x = 1
	}
	x = clamp(x)
	for it := 1; it <= maxIter; it++ {
		grad, hess := derivs(x)
		if math.IsNaN(grad) || math.IsNaN(hess) || hess >= 0 {
			return x, it, false
		}
		next := clamp(x - grad/hess)
		if math.Abs(next-x) <= tol*math.Max(1, math.Abs(x)) {
			return next, it, true
		}
		x = next
	}
	return x, maxIter, false
}
