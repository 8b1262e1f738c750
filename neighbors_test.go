package adp

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestBuildNeighborGraph_Valid(t *testing.T) {
	ps := mustPointSet(t, uniformPoints(300, 3, 1))
	g, err := BuildNeighborGraph(context.Background(), ps, Euclidean{}, 10, GraphOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.N != 300 || g.K != 10 {
		t.Fatalf("shape = (%d, %d), want (300, 10)", g.N, g.K)
	}
	if err := g.Validate(); err != nil {
		t.Errorf("graph invalid: %v", err)
	}
}

func TestBuildNeighborGraph_BackendsAgree(t *testing.T) {
	data := uniformPoints(400, 4, 7)
	ps := mustPointSet(t, data)
	ctx := context.Background()

	want, err := BuildNeighborGraph(ctx, ps, Euclidean{}, 12, GraphOptions{Search: SearchBrute, Workers: 1})
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range []Search{SearchKDTree, SearchBallTree, SearchAuto} {
		for _, workers := range []int{1, 4} {
			got, err := BuildNeighborGraph(ctx, ps, Euclidean{}, 12, GraphOptions{Search: s, LeafSize: 8, Workers: workers})
			if err != nil {
				t.Fatalf("%s: %v", s, err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("%s (workers=%d) differs from brute force (-want +got):\n%s", s, workers, diff)
			}
		}
	}
}

func TestBuildNeighborGraph_MatchesBruteForceReference(t *testing.T) {
	data := uniformPoints(120, 2, 3)
	ps := mustPointSet(t, data)
	metric := Minkowski{P: 1}
	g, err := BuildNeighborGraph(context.Background(), ps, metric, 5, GraphOptions{Search: SearchKDTree, LeafSize: 4})
	if err != nil {
		t.Fatal(err)
	}
	flat := make([]float64, 0, len(data)*2)
	for _, row := range data {
		flat = append(flat, row...)
	}
	for q := 0; q < ps.Len(); q++ {
		wantIdx, wantDist := bruteForceKNN(flat, ps.Len(), 2, q, 5, metric)
		idx, dist := g.Row(q)
		if !equalInts(idx, wantIdx) || !equalFloats(dist, wantDist) {
			t.Errorf("point %d: got %v %v, want %v %v", q, idx, dist, wantIdx, wantDist)
		}
	}
}

func TestBuildNeighborGraph_TiesByIndex(t *testing.T) {
	// Point 0 is equidistant from 1, 2, 3 and 4.
	ps := mustPointSet(t, [][]float64{{0, 0}, {1, 0}, {0, 1}, {-1, 0}, {0, -1}})
	for _, s := range []Search{SearchBrute, SearchKDTree, SearchBallTree} {
		g, err := BuildNeighborGraph(context.Background(), ps, Euclidean{}, 3, GraphOptions{Search: s, LeafSize: 1})
		if err != nil {
			t.Fatal(err)
		}
		idx, _ := g.Row(0)
		if !equalInts(idx, []int{1, 2, 3}) {
			t.Errorf("%s: row 0 = %v, want [1 2 3]", s, idx)
		}
	}
}

func TestBuildNeighborGraph_KEqualsNMinusOne(t *testing.T) {
	ps := mustPointSet(t, uniformPoints(20, 2, 5))
	g, err := BuildNeighborGraph(context.Background(), ps, Euclidean{}, 19, GraphOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := g.Validate(); err != nil {
		t.Errorf("graph invalid: %v", err)
	}
}

func TestBuildNeighborGraph_Errors(t *testing.T) {
	ps := mustPointSet(t, uniformPoints(10, 2, 1))
	discrete, _ := NewDiscretePointSet(10)
	unit := Discrete{Func: func(i, j int) float64 { return 1 }}
	nan := Discrete{Func: func(i, j int) float64 { return math.NaN() }}
	inf := Discrete{Func: func(i, j int) float64 {
		if i == 4 || j == 4 {
			return math.Inf(1)
		}
		return 1
	}}

	tests := []struct {
		name   string
		ps     *PointSet
		metric Metric
		k      int
		search Search
		want   error
	}{
		{"k zero", ps, Euclidean{}, 0, SearchAuto, ErrInvalidConfiguration},
		{"k equals N", ps, Euclidean{}, 10, SearchAuto, ErrInvalidConfiguration},
		{"nil point set", nil, Euclidean{}, 3, SearchAuto, ErrInvalidInput},
		{"discrete with kdtree", discrete, unit, 3, SearchKDTree, ErrInvalidConfiguration},
		{"periodic with balltree", ps, Euclidean{Period: []float64{1, 1}}, 3, SearchBallTree, ErrInvalidConfiguration},
		{"unknown search", ps, Euclidean{}, 3, Search("lsh"), ErrInvalidConfiguration},
		{"nan distance", discrete, nan, 3, SearchAuto, ErrInvalidInput},
		{"infinite distance", discrete, inf, 3, SearchAuto, ErrInvalidInput},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := BuildNeighborGraph(context.Background(), tc.ps, tc.metric, tc.k, GraphOptions{Search: tc.search})
			if !errors.Is(err, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestBuildNeighborGraph_PeriodicUsesMinimumImage(t *testing.T) {
	ps := mustPointSet(t, [][]float64{{0.05}, {0.5}, {0.95}, {0.3}})
	g, err := BuildNeighborGraph(context.Background(), ps, Euclidean{Period: []float64{1}}, 1, GraphOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if n := g.Neighbor(0, 1); n != 2 {
		t.Errorf("nearest neighbor of 0 = %d, want 2 across the boundary", n)
	}
	if r := g.Radius(0, 1); !almostEqual(r, 0.1, 1e-12) {
		t.Errorf("radius = %v, want 0.1", r)
	}
}

func TestBuildNeighborGraph_Discrete(t *testing.T) {
	vals := []float64{0, 1, 3, 7, 15}
	ps, _ := NewDiscretePointSet(len(vals))
	dist := func(i, j int) float64 { return math.Abs(vals[i] - vals[j]) }
	g, err := BuildNeighborGraph(context.Background(), ps, Discrete{Func: dist}, 2, GraphOptions{})
	if err != nil {
		t.Fatal(err)
	}
	idx, d := g.Row(2)
	if !equalInts(idx, []int{1, 0}) || !equalFloats(d, []float64{2, 3}) {
		t.Errorf("row 2 = %v %v, want [1 0] [2 3]", idx, d)
	}
}

func TestBuildNeighborGraph_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ps := mustPointSet(t, uniformPoints(200, 2, 1))
	if _, err := BuildNeighborGraph(ctx, ps, Euclidean{}, 5, GraphOptions{Workers: 1}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestNeighborGraph_Accessors(t *testing.T) {
	g := lineGraph(5)
	if n := g.Neighbor(0, 2); n != 2 {
		t.Errorf("Neighbor(0, 2) = %d, want 2", n)
	}
	if r := g.Radius(4, 2); r != 2 {
		t.Errorf("Radius(4, 2) = %v, want 2", r)
	}
	idx, dist := g.Row(2)
	if !equalInts(idx, []int{1, 3}) || !equalFloats(dist, []float64{1, 1}) {
		t.Errorf("Row(2) = %v %v", idx, dist)
	}
}

func TestNeighborGraph_ValidateCatchesCorruption(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(g *NeighborGraph)
	}{
		{"self reference", func(g *NeighborGraph) { g.Indices[2] = 1 }},
		{"out of range", func(g *NeighborGraph) { g.Indices[0] = 99 }},
		{"duplicate", func(g *NeighborGraph) { g.Indices[3] = g.Indices[2] }},
		{"unsorted", func(g *NeighborGraph) { g.Distances[0] = 5 }},
		{"negative", func(g *NeighborGraph) { g.Distances[0] = -1 }},
		{"nan", func(g *NeighborGraph) { g.Distances[1] = math.NaN() }},
		{"short arrays", func(g *NeighborGraph) { g.Indices = g.Indices[:3] }},
		{"k too large", func(g *NeighborGraph) { g.K = g.N }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			g := lineGraph(5)
			if err := g.Validate(); err != nil {
				t.Fatalf("fixture invalid: %v", err)
			}
			tc.mutate(g)
			if err := g.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
