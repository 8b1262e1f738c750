package adp

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidConfiguration is returned before any work starts when a
	// configuration value is out of range or inconsistent with the input
	// (k >= N, unsupported metric, alpha outside (0,1), ...).
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrInvalidInput is returned before any work starts for empty point
	// sets, ragged rows or non-finite coordinates.
	ErrInvalidInput = errors.New("invalid input")

	// ErrDegenerateDistance marks duplicate points whose distance ratios
	// could not enter a likelihood. It is reported as a warning.
	ErrDegenerateDistance = errors.New("degenerate distance ratios")

	// ErrConvergence marks an iterative solve that exhausted its iteration
	// guard. It is reported as a warning; the last iterate is kept.
	ErrConvergence = errors.New("iterative solve did not converge")

	// ErrMergeNontermination aborts a run whose cluster merge loop did not
	// reach a fixed point within Config.MaxMergeIterations.
	ErrMergeNontermination = errors.New("cluster merging did not reach a fixed point")

	// ErrIncompatibleCache is returned by ReadGraph when a persisted neighbor
	// graph does not match the requested N, k or metric, or is corrupt.
	ErrIncompatibleCache = errors.New("incompatible neighbor graph cache")
)

// DegenerateDistanceError lists the points excluded from a dimension
// estimate because their first neighbor distance was zero or their
// distance ratio was not greater than one.
type DegenerateDistanceError struct {
	Indices []int
}

func (e *DegenerateDistanceError) Error() string {
	return fmt.Sprintf("adp: %d point(s) with degenerate distance ratios excluded: %s",
		len(e.Indices), summarizeIndices(e.Indices))
}

func (e *DegenerateDistanceError) Unwrap() error { return ErrDegenerateDistance }

// ConvergenceError reports an iterative maximum-likelihood solve that hit
// its iteration guard. Points is empty for the global dimension solve.
type ConvergenceError struct {
	Stage      string
	Iterations int
	Points     []int
}

func (e *ConvergenceError) Error() string {
	if len(e.Points) == 0 {
		return fmt.Sprintf("adp: %s: no convergence after %d iterations", e.Stage, e.Iterations)
	}
	return fmt.Sprintf("adp: %s: %d point(s) did not converge after %d iterations: %s",
		e.Stage, len(e.Points), e.Iterations, summarizeIndices(e.Points))
}

func (e *ConvergenceError) Unwrap() error { return ErrConvergence }

func configErrorf(format string, args ...any) error {
	return fmt.Errorf("adp: %s: %w", fmt.Sprintf(format, args...), ErrInvalidConfiguration)
}

func inputErrorf(format string, args ...any) error {
	return fmt.Errorf("adp: %s: %w", fmt.Sprintf(format, args...), ErrInvalidInput)
}

func cacheErrorf(format string, args ...any) error {
	return fmt.Errorf("adp: %s: %w", fmt.Sprintf(format, args...), ErrIncompatibleCache)
}

// summarizeIndices prints at most the first eight indices.
func summarizeIndices(idx []int) string {
	const maxShown = 8
	var sb strings.Builder
	sb.WriteByte('[')
	for i, v := range idx {
		if i == maxShown {
			fmt.Fprintf(&sb, " ... +%d", len(idx)-maxShown)
			break
		}
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%d", v)
	}
	sb.WriteByte(']')
	return sb.String()
}
