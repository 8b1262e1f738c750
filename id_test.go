package adp

import (
	"context"
	"errors"
	"math"
	"testing"
)

// ratioGraph returns a ring of n points whose first and second neighbor
// distances are 1 and mu.
func ratioGraph(n int, mu float64) *NeighborGraph {
	g := newGraph(n, 2)
	for i := 0; i < n; i++ {
		g.Indices[2*i] = (i + 1) % n
		g.Indices[2*i+1] = (i + 2) % n
		g.Distances[2*i] = 1
		g.Distances[2*i+1] = mu
	}
	return g
}

// torusGraph samples n points uniformly on the flat 2-torus, which has no
// boundary effects.
func torusGraph(tb testing.TB, n, k int, seed int64) *NeighborGraph {
	tb.Helper()
	ps := mustPointSet(tb, uniformPoints(n, 2, seed))
	g, err := BuildNeighborGraph(context.Background(), ps, Euclidean{Period: []float64{1, 1}}, k, GraphOptions{})
	if err != nil {
		tb.Fatalf("BuildNeighborGraph: %v", err)
	}
	return g
}

// --- Two-NN ---

func TestEstimateDimension_TwoNN_ClosedForm(t *testing.T) {
	tests := []struct {
		mu   float64
		want float64
	}{
		{math.E, 1},
		{math.Exp(0.5), 2},
		{math.Exp(0.25), 4},
	}
	for _, tc := range tests {
		res, err := EstimateDimension(context.Background(), ratioGraph(4, tc.mu), DimensionOptions{})
		if err != nil {
			t.Fatal(err)
		}
		if !almostEqual(res.Dimension, tc.want, 1e-9) {
			t.Errorf("mu=%v: d = %v, want %v", tc.mu, res.Dimension, tc.want)
		}
		if !almostEqual(res.Error, tc.want/2, 1e-9) {
			t.Errorf("mu=%v: error = %v, want %v", tc.mu, res.Error, tc.want/2)
		}
		if res.Used != 4 || res.Estimator != EstimatorTwoNN || !res.Converged {
			t.Errorf("unexpected metadata: %+v", res)
		}
	}
}

func TestEstimateDimension_TwoNN_Torus(t *testing.T) {
	g := torusGraph(t, 3000, 5, 11)
	res, err := EstimateDimension(context.Background(), g, DimensionOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(res.Dimension-2) > 0.15 {
		t.Errorf("d = %v, want ~2", res.Dimension)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", res.Warnings)
	}
}

func TestEstimateDimension_TwoNN_Line(t *testing.T) {
	// Points on a line embedded in R^3.
	raw := uniformPoints(2000, 1, 5)
	data := make([][]float64, len(raw))
	for i, p := range raw {
		data[i] = []float64{p[0], 2 * p[0], -p[0]}
	}
	g, err := BuildNeighborGraph(context.Background(), mustPointSet(t, data), Euclidean{}, 5, GraphOptions{})
	if err != nil {
		t.Fatal(err)
	}
	res, err := EstimateDimension(context.Background(), g, DimensionOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(res.Dimension-1) > 0.1 {
		t.Errorf("d = %v, want ~1", res.Dimension)
	}
}

func TestEstimateDimension_Sphere(t *testing.T) {
	if testing.Short() {
		t.Skip("large sample")
	}
	ps := mustPointSet(t, sphere(10000, 6, 3))
	g, err := BuildNeighborGraph(context.Background(), ps, Euclidean{}, 10, GraphOptions{})
	if err != nil {
		t.Fatal(err)
	}
	res, err := EstimateDimension(context.Background(), g, DimensionOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(res.Dimension-5) > 0.3 {
		t.Errorf("d = %v, want 5 +/- 0.3", res.Dimension)
	}
}

func TestEstimateDimension_DuplicatesWarn(t *testing.T) {
	data := uniformPoints(200, 2, 9)
	data = append(data, append([]float64(nil), data[0]...))
	g, err := BuildNeighborGraph(context.Background(), mustPointSet(t, data), Euclidean{}, 5, GraphOptions{})
	if err != nil {
		t.Fatal(err)
	}
	res, err := EstimateDimension(context.Background(), g, DimensionOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if math.IsNaN(res.Dimension) || math.IsInf(res.Dimension, 0) {
		t.Fatalf("non-finite dimension %v", res.Dimension)
	}
	var degenerate *DegenerateDistanceError
	if len(res.Warnings) == 0 || !errors.As(res.Warnings[0], &degenerate) {
		t.Fatalf("expected a DegenerateDistanceError warning, got %v", res.Warnings)
	}
	if !errors.Is(res.Warnings[0], ErrDegenerateDistance) {
		t.Error("warning does not wrap ErrDegenerateDistance")
	}
	found := map[int]bool{}
	for _, i := range degenerate.Indices {
		found[i] = true
	}
	if !found[0] || !found[200] {
		t.Errorf("duplicated points missing from %v", degenerate.Indices)
	}
	if res.Used != 201-len(degenerate.Indices) {
		t.Errorf("Used = %d, want %d", res.Used, 201-len(degenerate.Indices))
	}
}

func TestEstimateDimension_AllDegenerate(t *testing.T) {
	g := ratioGraph(5, 1)
	_, err := EstimateDimension(context.Background(), g, DimensionOptions{})
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestEstimateDimension_AllDegenerateFallback(t *testing.T) {
	g := ratioGraph(5, 1)
	for _, est := range []Estimator{EstimatorTwoNN, EstimatorFull} {
		t.Run(string(est), func(t *testing.T) {
			res, err := EstimateDimension(context.Background(), g, DimensionOptions{Estimator: est, Fallback: 1, Local: true})
			if err != nil {
				t.Fatal(err)
			}
			if res.Dimension != 1 || !math.IsInf(res.Error, 1) || res.Converged || res.Used != 0 {
				t.Errorf("got dimension %v error %v converged %v used %d", res.Dimension, res.Error, res.Converged, res.Used)
			}
			var degenerate *DegenerateDistanceError
			if len(res.Warnings) != 1 || !errors.As(res.Warnings[0], &degenerate) {
				t.Fatalf("expected one DegenerateDistanceError warning, got %v", res.Warnings)
			}
			if len(degenerate.Indices) != g.N {
				t.Errorf("warning lists %d points, want %d", len(degenerate.Indices), g.N)
			}
			for i, v := range res.Local {
				if !math.IsNaN(v) {
					t.Errorf("Local[%d] = %v, want NaN", i, v)
				}
			}
		})
	}
}

func TestEstimateDimension_Trim(t *testing.T) {
	g := torusGraph(t, 1000, 5, 2)
	full, err := EstimateDimension(context.Background(), g, DimensionOptions{})
	if err != nil {
		t.Fatal(err)
	}
	trimmed, err := EstimateDimension(context.Background(), g, DimensionOptions{Trim: 0.1})
	if err != nil {
		t.Fatal(err)
	}
	if trimmed.Used != 900 {
		t.Errorf("Used = %d, want 900", trimmed.Used)
	}
	if trimmed.Dimension <= full.Dimension {
		t.Errorf("dropping the largest ratios should raise d: %v <= %v", trimmed.Dimension, full.Dimension)
	}
}

// --- Full likelihood ---

func TestEstimateDimension_Full_Torus(t *testing.T) {
	g := torusGraph(t, 2000, 10, 4)
	res, err := EstimateDimension(context.Background(), g, DimensionOptions{Estimator: EstimatorFull})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Converged {
		t.Fatalf("did not converge after %d iterations", res.Iterations)
	}
	if math.Abs(res.Dimension-2) > 0.15 {
		t.Errorf("d = %v, want ~2", res.Dimension)
	}
	if !(res.Error > 0) || math.IsInf(res.Error, 0) {
		t.Errorf("error = %v, want finite and > 0", res.Error)
	}
}

func TestEstimateDimension_Full_MatchesTwoNNForK2(t *testing.T) {
	g := ratioGraph(6, math.Exp(0.4))
	two, err := EstimateDimension(context.Background(), g, DimensionOptions{})
	if err != nil {
		t.Fatal(err)
	}
	full, err := EstimateDimension(context.Background(), g, DimensionOptions{Estimator: EstimatorFull})
	if err != nil {
		t.Fatal(err)
	}
	if !almostEqual(full.Dimension, two.Dimension, 1e-8) {
		t.Errorf("full d = %v, two-NN d = %v", full.Dimension, two.Dimension)
	}
}

func TestEstimateDimension_Full_IterationGuard(t *testing.T) {
	g := torusGraph(t, 500, 10, 8)
	res, err := EstimateDimension(context.Background(), g, DimensionOptions{Estimator: EstimatorFull, MaxIterations: 1})
	if err != nil {
		t.Fatal(err)
	}
	if res.Converged {
		t.Fatal("expected Converged = false with a single iteration")
	}
	var stalled *ConvergenceError
	if len(res.Warnings) != 1 || !errors.As(res.Warnings[0], &stalled) {
		t.Fatalf("expected one ConvergenceError warning, got %v", res.Warnings)
	}
	if stalled.Stage != "dimension" {
		t.Errorf("stage = %q", stalled.Stage)
	}
	if math.IsNaN(res.Dimension) {
		t.Error("last iterate should be kept")
	}
}

func TestSolveNewton(t *testing.T) {
	x, iters, ok := solveNewton(0, -10, 10, 1e-12, 50, func(x float64) (float64, float64) { return 3 - x, -1 })
	if !ok || !almostEqual(x, 3, floatTol) {
		t.Errorf("got x=%v ok=%v after %d iterations", x, ok, iters)
	}
	// The root lies outside the bounds: the iterate sticks to hi.
	x, _, ok = solveNewton(1, 0, 5, 1e-12, 50, func(x float64) (float64, float64) { return 10 - x, -1 })
	if !ok || x != 5 {
		t.Errorf("clamped solve got x=%v ok=%v", x, ok)
	}
	// A non-concave objective aborts.
	if _, _, ok := solveNewton(1, 0, 5, 1e-12, 50, func(x float64) (float64, float64) { return 1, 1 }); ok {
		t.Error("expected failure for positive curvature")
	}
}

// --- Options ---

func TestEstimateDimension_Local(t *testing.T) {
	g := torusGraph(t, 1000, 10, 6)
	res, err := EstimateDimension(context.Background(), g, DimensionOptions{Local: true, Workers: 4})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Local) != g.N || len(res.LocalError) != g.N {
		t.Fatalf("local arrays have %d/%d entries, want %d", len(res.Local), len(res.LocalError), g.N)
	}
	var sum float64
	for i, d := range res.Local {
		if !(d > 0) || math.IsInf(d, 0) {
			t.Fatalf("local[%d] = %v", i, d)
		}
		sum += d
	}
	if mean := sum / float64(g.N); mean < 1.7 || mean > 2.7 {
		t.Errorf("mean local d = %v, want ~2", mean)
	}
}

func TestEstimateDimension_ResamplesDeterministic(t *testing.T) {
	g := torusGraph(t, 500, 5, 12)
	opts := DimensionOptions{Resamples: 20, Seed: 3}
	a, err := EstimateDimension(context.Background(), g, opts)
	if err != nil {
		t.Fatal(err)
	}
	opts.Workers = 8
	b, err := EstimateDimension(context.Background(), g, opts)
	if err != nil {
		t.Fatal(err)
	}
	if a.Error != b.Error || a.Dimension != b.Dimension {
		t.Errorf("runs differ: %v/%v vs %v/%v", a.Dimension, a.Error, b.Dimension, b.Error)
	}
	if !(a.Error > 0) {
		t.Errorf("bootstrap error = %v, want > 0", a.Error)
	}
}

func TestEstimateDimension_InvalidOptions(t *testing.T) {
	g := ratioGraph(5, 2)
	k1 := newGraph(5, 1)
	tests := []struct {
		name string
		g    *NeighborGraph
		opts DimensionOptions
		want error
	}{
		{"k < 2", k1, DimensionOptions{}, ErrInvalidConfiguration},
		{"unknown estimator", g, DimensionOptions{Estimator: "mle"}, ErrInvalidConfiguration},
		{"trim 1", g, DimensionOptions{Trim: 1}, ErrInvalidConfiguration},
		{"negative trim", g, DimensionOptions{Trim: -0.1}, ErrInvalidConfiguration},
		{"nil graph", nil, DimensionOptions{}, ErrInvalidInput},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := EstimateDimension(context.Background(), tc.g, tc.opts); !errors.Is(err, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
		})
	}
}
