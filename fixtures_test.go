package adp

import (
	"math"
	"math/rand"
	"sort"
	"testing"
)

const floatTol = 1e-10

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

// uniformPoints returns n points drawn uniformly from the unit cube.
func uniformPoints(n, dims int, seed int64) [][]float64 {
	rng := rand.New(rand.NewSource(seed))
	data := make([][]float64, n)
	for i := range data {
		data[i] = make([]float64, dims)
		for j := range data[i] {
			data[i][j] = rng.Float64()
		}
	}
	return data
}

// gaussianBlobs returns perBlob isotropic Gaussian points with unit
// variance around each center.
func gaussianBlobs(centers [][]float64, perBlob int, seed int64) [][]float64 {
	rng := rand.New(rand.NewSource(seed))
	data := make([][]float64, 0, len(centers)*perBlob)
	for _, c := range centers {
		for i := 0; i < perBlob; i++ {
			p := make([]float64, len(c))
			for j := range p {
				p[j] = c[j] + rng.NormFloat64()
			}
			data = append(data, p)
		}
	}
	return data
}

// sphere returns n points uniform on the unit sphere S^(dims-1) in R^dims.
func sphere(n, dims int, seed int64) [][]float64 {
	rng := rand.New(rand.NewSource(seed))
	data := make([][]float64, n)
	for i := range data {
		p := make([]float64, dims)
		var norm float64
		for j := range p {
			p[j] = rng.NormFloat64()
			norm += p[j] * p[j]
		}
		norm = math.Sqrt(norm)
		for j := range p {
			p[j] /= norm
		}
		data[i] = p
	}
	return data
}

func mustPointSet(tb testing.TB, data [][]float64) *PointSet {
	tb.Helper()
	ps, err := NewPointSet(data)
	if err != nil {
		tb.Fatalf("NewPointSet: %v", err)
	}
	return ps
}

// bruteForceKNN returns the k nearest neighbors of point q by full sort,
// skipping q itself, ordered by (distance, index).
func bruteForceKNN(data []float64, n, dims, q, k int, metric DistanceMetric) ([]int, []float64) {
	type distIdx struct {
		dist  float64
		index int
	}
	query := data[q*dims : (q+1)*dims]
	all := make([]distIdx, 0, n-1)
	for i := 0; i < n; i++ {
		if i == q {
			continue
		}
		all = append(all, distIdx{dist: metric.Distance(query, data[i*dims:(i+1)*dims]), index: i})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].dist == all[j].dist {
			return all[i].index < all[j].index
		}
		return all[i].dist < all[j].dist
	})
	k = min(k, len(all))
	idx := make([]int, k)
	dists := make([]float64, k)
	for i := 0; i < k; i++ {
		idx[i] = all[i].index
		dists[i] = all[i].dist
	}
	return idx, dists
}

// lineGraph links each of n points on a line with unit spacing to its two
// nearest neighbors, ties broken by index.
func lineGraph(n int) *NeighborGraph {
	g := newGraph(n, 2)
	for i := 0; i < n; i++ {
		var idx []int
		var dist []float64
		switch i {
		case 0:
			idx, dist = []int{1, 2}, []float64{1, 2}
		case n - 1:
			idx, dist = []int{n - 2, n - 3}, []float64{1, 2}
		default:
			idx, dist = []int{i - 1, i + 1}, []float64{1, 1}
		}
		copy(g.Indices[i*2:], idx)
		copy(g.Distances[i*2:], dist)
	}
	return g
}

// constantErrors returns a DensityEstimate with the given log-densities and
// the same error for every point.
func constantErrors(logDen []float64, err float64) *DensityEstimate {
	d := &DensityEstimate{
		LogDensity: logDen,
		Error:      make([]float64, len(logDen)),
		KStar:      make([]int, len(logDen)),
	}
	for i := range d.Error {
		d.Error[i] = err
		d.KStar[i] = 2
	}
	return d
}
