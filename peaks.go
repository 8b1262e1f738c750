package adp

import (
	"context"
	"sort"
)

// PeakForest is the nearest-neighbor-of-higher-density (NNHD) forest. Points
// are totally ordered by log-density, descending, with ties broken by lower
// index; Parent[i] is the nearest neighbor of i that ranks above it, or -1
// when i is a density peak.
type PeakForest struct {
	Parent []int
	// Root is the peak reached by following Parent pointers from each point.
	Root []int
	// Peaks lists the roots in rank order.
	Peaks []int
}

// ranksAbove reports whether point a ranks strictly above point b.
func ranksAbove(logDen []float64, a, b int) bool {
	if logDen[a] != logDen[b] {
		return logDen[a] > logDen[b]
	}
	return a < b
}

// rankOrder returns all point indices sorted from the highest ranked down.
func rankOrder(logDen []float64) []int {
	order := make([]int, len(logDen))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(x, y int) bool { return ranksAbove(logDen, order[x], order[y]) })
	return order
}

// BuildPeakForest links every point to its nearest higher-ranked neighbor
// in g. Following the links always ends at exactly one peak because ranks
// strictly increase along them.
func BuildPeakForest(ctx context.Context, g *NeighborGraph, logDen []float64, workers int) (*PeakForest, error) {
	if len(logDen) != g.N {
		return nil, inputErrorf("density has %d entries, graph has %d points", len(logDen), g.N)
	}

	parent := make([]int, g.N)
	err := parallelPoints(ctx, g.N, workers, func(i int) {
		parent[i] = -1
		idx, _ := g.Row(i)
		for _, j := range idx {
			if ranksAbove(logDen, j, i) {
				parent[i] = j
				return
			}
		}
	})
	if err != nil {
		return nil, err
	}

	// A parent always ranks above its child, so walking in rank order
	// resolves each parent's root before the child needs it.
	root := make([]int, g.N)
	var peaks []int
	for _, i := range rankOrder(logDen) {
		if parent[i] < 0 {
			root[i] = i
			peaks = append(peaks, i)
			continue
		}
		root[i] = root[parent[i]]
	}

	return &PeakForest{Parent: parent, Root: root, Peaks: peaks}, nil
}

// provisionalLabels numbers the trees of the forest by peak rank.
func (f *PeakForest) provisionalLabels() []int {
	id := make(map[int]int, len(f.Peaks))
	for c, p := range f.Peaks {
		id[p] = c
	}
	labels := make([]int, len(f.Root))
	for i, r := range f.Root {
		labels[i] = id[r]
	}
	return labels
}
