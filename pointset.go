package adp

import "math"

// PointSet is the immutable input of a pipeline run: N items that are either
// D-dimensional coordinate vectors or opaque items addressed by index and
// compared through a Discrete metric.
type PointSet struct {
	data []float64 // flat row-major, nil for discrete sets
	n    int
	dims int
}

// NewPointSet copies data into a flat row-major PointSet. All rows must have
// the same length and every coordinate must be finite.
func NewPointSet(data [][]float64) (*PointSet, error) {
	n := len(data)
	if n == 0 {
		return nil, inputErrorf("empty point set")
	}
	dims := len(data[0])
	if dims == 0 {
		return nil, inputErrorf("points have zero dimensions")
	}
	flat := make([]float64, n*dims)
	for i, row := range data {
		if len(row) != dims {
			return nil, inputErrorf("row %d has %d coordinates, want %d", i, len(row), dims)
		}
		copy(flat[i*dims:], row)
	}
	return NewPointSetFlat(flat, n, dims)
}

// NewPointSetFlat wraps flat row-major data with n rows and dims columns.
// The slice is borrowed, not copied, and must not change during a run.
func NewPointSetFlat(flat []float64, n, dims int) (*PointSet, error) {
	if n <= 0 {
		return nil, inputErrorf("empty point set")
	}
	if dims <= 0 {
		return nil, inputErrorf("points have zero dimensions")
	}
	if len(flat) != n*dims {
		return nil, inputErrorf("data length %d does not match n*dims = %d (n=%d, dims=%d)", len(flat), n*dims, n, dims)
	}
	for i, v := range flat {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, inputErrorf("non-finite coordinate %v at point %d, dimension %d", v, i/dims, i%dims)
		}
	}
	return &PointSet{data: flat, n: n, dims: dims}, nil
}

// NewDiscretePointSet describes n opaque items. Distances between them come
// from the Func of a Discrete metric.
func NewDiscretePointSet(n int) (*PointSet, error) {
	if n <= 0 {
		return nil, inputErrorf("empty point set")
	}
	return &PointSet{n: n}, nil
}

// Len returns the number of points.
func (p *PointSet) Len() int { return p.n }

// Dims returns the coordinate dimensionality, or 0 for discrete sets.
func (p *PointSet) Dims() int { return p.dims }

// HasCoordinates reports whether the set carries coordinate vectors.
func (p *PointSet) HasCoordinates() bool { return p.data != nil }

// Row returns the coordinates of point i. It panics for discrete sets.
func (p *PointSet) Row(i int) []float64 {
	return p.data[i*p.dims : (i+1)*p.dims]
}
