package adp

import "math"

// pakMaxHalvings bounds the backtracking line search of the PAk solver.
const pakMaxHalvings = 40

// pakPoint estimates the density of point i with the point-adaptive k-NN
// likelihood over its k* shells:
//
//	L(F, a) = Σ_{l=1..k} (F + a·l) - v_l·exp(F + a·l)
//
// where v_l is the volume of the l-th shell. Volumes are measured in units
// of V_d·r_k^d to keep exp() in range; the unit is removed afterwards. If
// the solve fails the plain k* estimate is kept and the point is reported.
func (e *densityEstimator) pakPoint(i int) {
	k := e.kstar(i)
	e.kstarPoint(i, k)

	shells := make([]float64, k)
	logScale := safeLog(e.g.Radius(i, k))
	prev := 0.0
	for l := 1; l <= k; l++ {
		cur := math.Exp(e.dim * (safeLog(e.g.Radius(i, l)) - logScale))
		shells[l-1] = cur - prev
		prev = cur
	}

	f, ok := solvePAk(shells, e.opts.Tolerance, e.opts.MaxIterations)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		e.stalled[i] = true
		return
	}
	e.out.LogDensity[i] = f - e.logVolume - e.dim*logScale - e.logN
}

// solvePAk maximizes L(F, a) for the given shell volumes with damped
// two-dimensional Newton-Raphson, starting from the k-NN solution
// F = log(k / Σ v_l), a = 0. It returns F.
func solvePAk(shells []float64, tol float64, maxIter int) (float64, bool) {
	k := float64(len(shells))
	var total float64
	for _, v := range shells {
		total += v
	}
	if !(total > 0) {
		return 0, false
	}
	f, a := math.Log(k/total), 0.0
	cur := pakLikelihood(shells, f, a)

	for it := 0; it < maxIter; it++ {
		var s0, s1, s2 float64
		for l, v := range shells {
			lf := float64(l + 1)
			w := v * math.Exp(f+a*lf)
			s0 += w
			s1 += lf * w
			s2 += lf * lf * w
		}
		gf := k - s0
		ga := k*(k+1)/2 - s1
		det := s0*s2 - s1*s1
		if !(det > 0) {
			return f, false
		}
		df := (s2*gf - s1*ga) / det
		da := (s0*ga - s1*gf) / det

		step := 1.0
		accepted := false
		for h := 0; h < pakMaxHalvings; h++ {
			nf, na := f+step*df, a+step*da
			if next := pakLikelihood(shells, nf, na); next >= cur {
				f, a, cur = nf, na, next
				accepted = true
				break
			}
			step /= 2
		}
		if !accepted {
			// No ascent possible along the Newton direction: at the optimum
			// up to rounding.
			return f, math.Abs(df)+math.Abs(da) <= math.Sqrt(tol)
		}
		if step*(math.Abs(df)+math.Abs(da)) <= tol*math.Max(1, math.Abs(f)) {
			return f, true
		}
	}
	return f, false
}

func pakLikelihood(shells []float64, f, a float64) float64 {
	var sum float64
	for l, v := range shells {
		x := f + a*float64(l+1)
		sum += x - v*math.Exp(x)
	}
	return sum
}
