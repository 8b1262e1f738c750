package adp

import (
	"fmt"
	"math"
)

// metricKind tags the closed set of metrics. The values are persisted in
// neighbor graph caches and must not be renumbered.
type metricKind uint8

const (
	kindEuclidean metricKind = 1
	kindMinkowski metricKind = 2
	kindDiscrete  metricKind = 3
)

// Metric is one of Euclidean, Minkowski or Discrete. The variant is
// resolved once when the neighbor graph is built.
type Metric interface {
	kind() metricKind
	param() float64
	String() string
}

// DistanceMetric is implemented by the vector metrics and provides a reduced
// distance for tree pruning (e.g. squared Euclidean skips the sqrt).
type DistanceMetric interface {
	Distance(a, b []float64) float64
	ReducedDistance(a, b []float64) float64
	DistToRdist(d float64) float64
}

// Euclidean is the L2 distance. A non-nil Period makes every coordinate
// periodic with the given box length (minimum-image convention).
type Euclidean struct {
	Period []float64
}

func (Euclidean) kind() metricKind { return kindEuclidean }
func (Euclidean) param() float64   { return 2 }

func (m Euclidean) String() string {
	if m.Period != nil {
		return "euclidean(periodic)"
	}
	return "euclidean"
}

func (m Euclidean) Distance(a, b []float64) float64 {
	return math.Sqrt(m.ReducedDistance(a, b))
}

func (m Euclidean) ReducedDistance(a, b []float64) float64 {
	if m.Period != nil {
		var sum float64
		for i := range a {
			d := minimumImage(a[i]-b[i], m.Period[i])
			sum += d * d
		}
		return sum
	}
	return euclideanSumOfSquares(a, b)
}

func (Euclidean) DistToRdist(d float64) float64 { return d * d }

func euclideanSumOfSquares(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// Minkowski is the L-p distance. P must be finite and >= 1; P = 1 is the
// Manhattan distance. Period behaves as for Euclidean.
type Minkowski struct {
	P      float64
	Period []float64
}

func (Minkowski) kind() metricKind { return kindMinkowski }
func (m Minkowski) param() float64 { return m.P }

func (m Minkowski) String() string {
	if m.Period != nil {
		return fmt.Sprintf("minkowski(p=%g,periodic)", m.P)
	}
	return fmt.Sprintf("minkowski(p=%g)", m.P)
}

func (m Minkowski) Distance(a, b []float64) float64 {
	if m.P == 1 {
		return m.ReducedDistance(a, b)
	}
	return math.Pow(m.ReducedDistance(a, b), 1.0/m.P)
}

// ReducedDistance returns sum(|a[i]-b[i]|^P) without the final root.
func (m Minkowski) ReducedDistance(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		if m.Period != nil {
			d = minimumImage(d, m.Period[i])
		}
		if m.P == 1 {
			sum += math.Abs(d)
		} else {
			sum += math.Pow(math.Abs(d), m.P)
		}
	}
	return sum
}

func (m Minkowski) DistToRdist(d float64) float64 {
	if m.P == 1 {
		return d
	}
	return math.Pow(d, m.P)
}

// DiscreteFunc returns the distance between items i and j. It must be
// symmetric, non-negative and zero only for identical items.
type DiscreteFunc func(i, j int) float64

// Discrete resolves distances through a caller-supplied callback, e.g. a
// Hamming distance between symbolic sequences.
type Discrete struct {
	Func DiscreteFunc
}

func (Discrete) kind() metricKind { return kindDiscrete }
func (Discrete) param() float64   { return 0 }
func (Discrete) String() string   { return "discrete" }

// minimumImage folds a coordinate difference into [-period/2, period/2].
func minimumImage(d, period float64) float64 {
	return d - period*math.Round(d/period)
}

// validateMetric checks that the metric can be evaluated on ps.
func validateMetric(m Metric, ps *PointSet) error {
	var period []float64
	switch v := m.(type) {
	case Euclidean:
		period = v.Period
	case Minkowski:
		if math.IsNaN(v.P) || math.IsInf(v.P, 0) || v.P < 1 {
			return configErrorf("Minkowski P must be finite and >= 1, got %v", v.P)
		}
		period = v.Period
	case Discrete:
		if v.Func == nil {
			return configErrorf("Discrete metric requires a distance function")
		}
		return nil
	default:
		return configErrorf("unsupported metric %T", m)
	}
	if !ps.HasCoordinates() {
		return configErrorf("metric %s requires coordinate vectors", m)
	}
	if period != nil {
		if len(period) != ps.Dims() {
			return configErrorf("period has %d entries, want %d", len(period), ps.Dims())
		}
		for i, p := range period {
			if !(p > 0) || math.IsInf(p, 0) {
				return configErrorf("period[%d] must be finite and > 0, got %v", i, p)
			}
		}
	}
	return nil
}

// pairDistance returns an index-based distance function for brute-force
// search, dispatching on the metric variant once.
func pairDistance(m Metric, ps *PointSet) func(i, j int) float64 {
	switch v := m.(type) {
	case Discrete:
		return v.Func
	case DistanceMetric:
		return func(i, j int) float64 { return v.Distance(ps.Row(i), ps.Row(j)) }
	default:
		panic(fmt.Sprintf("adp: unsupported metric %T", m))
	}
}

// periodic reports whether the metric uses periodic boundaries.
func periodic(m Metric) bool { return metricPeriod(m) != nil }

// metricPeriod returns the box lengths of a periodic metric, or nil.
func metricPeriod(m Metric) []float64 {
	switch v := m.(type) {
	case Euclidean:
		return v.Period
	case Minkowski:
		return v.Period
	default:
		return nil
	}
}
