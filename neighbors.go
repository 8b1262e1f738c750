package adp

import (
	"context"
	"fmt"
	"math"
)

// NeighborGraph holds, for each of N points, its K nearest neighbors in
// row-major order. Rows are sorted by (distance, index) and never contain
// the point itself.
type NeighborGraph struct {
	N, K      int
	Indices   []int     // Indices[i*K+j] is the (j+1)-th neighbor of i
	Distances []float64 // Distances[i*K+j] is its distance
}

// Row returns the neighbor indices and distances of point i.
func (g *NeighborGraph) Row(i int) ([]int, []float64) {
	return g.Indices[i*g.K : (i+1)*g.K], g.Distances[i*g.K : (i+1)*g.K]
}

// Neighbor returns the j-th nearest neighbor of i, with j starting at 1.
func (g *NeighborGraph) Neighbor(i, j int) int { return g.Indices[i*g.K+j-1] }

// Radius returns r_j(i), the distance from i to its j-th nearest neighbor,
// with j starting at 1.
func (g *NeighborGraph) Radius(i, j int) float64 { return g.Distances[i*g.K+j-1] }

// Validate checks the structural invariants of the graph: sizes, index
// ranges, no self references, no duplicate neighbors, finite non-negative
// distances in non-decreasing order.
func (g *NeighborGraph) Validate() error {
	if g.N <= 0 || g.K <= 0 || g.K > g.N-1 {
		return fmt.Errorf("adp: invalid graph shape N=%d K=%d", g.N, g.K)
	}
	if len(g.Indices) != g.N*g.K || len(g.Distances) != g.N*g.K {
		return fmt.Errorf("adp: graph arrays have %d/%d entries, want %d", len(g.Indices), len(g.Distances), g.N*g.K)
	}
	seen := make(map[int]struct{}, g.K)
	for i := 0; i < g.N; i++ {
		idx, dist := g.Row(i)
		clear(seen)
		for j := range idx {
			if idx[j] < 0 || idx[j] >= g.N {
				return fmt.Errorf("adp: row %d: neighbor index %d out of range", i, idx[j])
			}
			if idx[j] == i {
				return fmt.Errorf("adp: row %d: self reference", i)
			}
			if _, dup := seen[idx[j]]; dup {
				return fmt.Errorf("adp: row %d: duplicate neighbor %d", i, idx[j])
			}
			seen[idx[j]] = struct{}{}
			if math.IsNaN(dist[j]) || math.IsInf(dist[j], 0) || dist[j] < 0 {
				return fmt.Errorf("adp: row %d: invalid distance %v", i, dist[j])
			}
			if j > 0 && dist[j] < dist[j-1] {
				return fmt.Errorf("adp: row %d: distances not sorted at position %d", i, j)
			}
		}
	}
	return nil
}

// Search selects the nearest-neighbor backend.
type Search string

const (
	SearchAuto     Search = "auto"
	SearchBrute    Search = "brute"
	SearchKDTree   Search = "kdtree"
	SearchBallTree Search = "balltree"
)

// kdTreeMaxDims is the dimensionality above which auto selection prefers a
// ball tree over a KD-tree.
const kdTreeMaxDims = 16

// NeighborSearcher computes a NeighborGraph. Implementations must return
// identical graphs for identical input.
type NeighborSearcher interface {
	Search(ctx context.Context, ps *PointSet, k int) (*NeighborGraph, error)
}

// GraphOptions configures BuildNeighborGraph.
type GraphOptions struct {
	Search   Search
	LeafSize int
	Workers  int
}

// BuildNeighborGraph computes the k nearest neighbors of every point of ps
// under metric. Ties at equal distance are broken by ascending index.
func BuildNeighborGraph(ctx context.Context, ps *PointSet, metric Metric, k int, opts GraphOptions) (*NeighborGraph, error) {
	if ps == nil || ps.Len() == 0 {
		return nil, inputErrorf("empty point set")
	}
	if metric == nil {
		metric = Euclidean{}
	}
	if err := validateMetric(metric, ps); err != nil {
		return nil, err
	}
	if k < 1 || k > ps.Len()-1 {
		return nil, configErrorf("k must be in [1, N-1] = [1, %d], got %d", ps.Len()-1, k)
	}
	searcher, err := newSearcher(metric, ps, opts)
	if err != nil {
		return nil, err
	}
	return searcher.Search(ctx, ps, k)
}

// selectSearch resolves SearchAuto into a concrete backend based on the
// metric and dimensionality, and validates forced choices.
func selectSearch(s Search, metric Metric, dims int) (Search, error) {
	_, isVector := metric.(DistanceMetric)
	treeValid := isVector && !periodic(metric)

	switch s {
	case SearchAuto, "":
		if !treeValid {
			return SearchBrute, nil
		}
		if dims <= kdTreeMaxDims {
			return SearchKDTree, nil
		}
		return SearchBallTree, nil
	case SearchBrute:
		return SearchBrute, nil
	case SearchKDTree, SearchBallTree:
		if !treeValid {
			return "", configErrorf("metric %s is not supported by %s search", metric, s)
		}
		return s, nil
	default:
		return "", configErrorf("unknown search %q", s)
	}
}

func newSearcher(metric Metric, ps *PointSet, opts GraphOptions) (NeighborSearcher, error) {
	s, err := selectSearch(opts.Search, metric, ps.Dims())
	if err != nil {
		return nil, err
	}
	leafSize := opts.LeafSize
	if leafSize <= 0 {
		leafSize = 40
	}
	switch s {
	case SearchKDTree:
		vm := metric.(DistanceMetric)
		return &treeSearcher{
			build:   func() SpatialTree { return NewKDTree(ps.data, ps.n, ps.dims, vm, leafSize) },
			workers: opts.Workers,
		}, nil
	case SearchBallTree:
		vm := metric.(DistanceMetric)
		return &treeSearcher{
			build:   func() SpatialTree { return NewBallTree(ps.data, ps.n, ps.dims, vm, leafSize) },
			workers: opts.Workers,
		}, nil
	default:
		return &bruteSearcher{dist: pairDistance(metric, ps), workers: opts.Workers}, nil
	}
}

// bruteSearcher evaluates every pair; it is the only backend for discrete
// and periodic metrics.
type bruteSearcher struct {
	dist    func(i, j int) float64
	workers int
}

func (b *bruteSearcher) Search(ctx context.Context, ps *PointSet, k int) (*NeighborGraph, error) {
	n := ps.Len()
	g := newGraph(n, k)
	err := parallelFor(ctx, n, b.workers, func(start, end int) error {
		h := make(knnHeap, 0, k)
		for i := start; i < end; i++ {
			h = h[:0]
			for j := 0; j < n; j++ {
				if j == i {
					continue
				}
				d := b.dist(i, j)
				if math.IsNaN(d) || math.IsInf(d, 0) || d < 0 {
					return inputErrorf("distance between %d and %d is %v", i, j, d)
				}
				h.offer(knnItem{index: j, dist: d}, k)
			}
			idx, dist := h.drain()
			copy(g.Indices[i*k:], idx)
			copy(g.Distances[i*k:], dist)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

// treeSearcher queries a KD-tree or ball tree once per point.
type treeSearcher struct {
	build   func() SpatialTree
	workers int
}

func (s *treeSearcher) Search(ctx context.Context, ps *PointSet, k int) (*NeighborGraph, error) {
	tree := s.build()
	n := ps.Len()
	g := newGraph(n, k)
	err := parallelPoints(ctx, n, s.workers, func(i int) {
		idx, dist := tree.QueryKNN(ps.Row(i), k, i)
		copy(g.Indices[i*k:], idx)
		copy(g.Distances[i*k:], dist)
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

func newGraph(n, k int) *NeighborGraph {
	return &NeighborGraph{
		N:         n,
		K:         k,
		Indices:   make([]int, n*k),
		Distances: make([]float64, n*k),
	}
}
