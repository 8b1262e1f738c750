package adp

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// minParallelItems is the smallest input for which fan-out pays off.
const minParallelItems = 64

// chunksPerWorker controls cancellation granularity: each worker processes
// several contiguous chunks and the context is checked between chunks.
const chunksPerWorker = 4

// sequentialChunk is the number of items between context checks when
// running without workers.
const sequentialChunk = 1024

// parallelFor splits [0, n) into contiguous chunks and calls fn on each.
// Chunks never overlap, so fn may write to per-index output slots without
// synchronization. numWorkers <= 1 (or a small n) runs sequentially; the
// output is identical either way.
//
// The first error returned by fn, or ctx.Err() after cancellation, is
// returned. Callers must discard partial output on error.
func parallelFor(ctx context.Context, n, numWorkers int, fn func(start, end int) error) error {
	if n <= 0 {
		return ctx.Err()
	}

	if numWorkers <= 1 || n < minParallelItems {
		for start := 0; start < n; start += sequentialChunk {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(start, min(start+sequentialChunk, n)); err != nil {
				return err
			}
		}
		return ctx.Err()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(numWorkers)

	numChunks := numWorkers * chunksPerWorker
	chunk := (n + numChunks - 1) / numChunks
	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(start, end)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// parallelPoints is parallelFor with a per-index callback.
func parallelPoints(ctx context.Context, n, numWorkers int, fn func(i int)) error {
	return parallelFor(ctx, n, numWorkers, func(start, end int) error {
		for i := start; i < end; i++ {
			fn(i)
		}
		return nil
	})
}
