package adp

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// logUnitBallVolume returns log V_d, the log-volume of the unit ball in
// (possibly non-integer) dimension d: V_d = π^(d/2) / Γ(d/2 + 1).
func logUnitBallVolume(d float64) float64 {
	lg, _ := math.Lgamma(d/2 + 1)
	return d/2*math.Log(math.Pi) - lg
}

// knnDensityError is the asymptotic standard error of a k-NN log-density
// estimate: sqrt((4k+2) / (k(k-1))).
func knnDensityError(k int) float64 {
	kf := float64(k)
	return math.Sqrt((4*kf + 2) / (kf * (kf - 1)))
}

// normalUpperQuantile returns z such that P(Z > z) = alpha for a standard
// normal Z.
func normalUpperQuantile(alpha float64) float64 {
	return distuv.UnitNormal.Quantile(1 - alpha)
}

// chiSquaredUpperQuantile returns the 1-alpha quantile of a chi-squared
// distribution with one degree of freedom.
func chiSquaredUpperQuantile(alpha float64) float64 {
	return distuv.ChiSquared{K: 1}.Quantile(1 - alpha)
}

// logSumExp returns log(e^a + e^b) without overflow.
func logSumExp(a, b float64) float64 {
	if a < b {
		a, b = b, a
	}
	if math.IsInf(a, -1) {
		return a
	}
	return a + math.Log1p(math.Exp(b-a))
}

// safeLog returns log(x) with x clamped to the smallest positive float, so
// that zero neighbor distances (duplicate points) stay finite.
func safeLog(x float64) float64 {
	if x < math.SmallestNonzeroFloat64 {
		x = math.SmallestNonzeroFloat64
	}
	return math.Log(x)
}
