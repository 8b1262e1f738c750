package adp

import (
	"context"
	"fmt"
	"math"
	"sort"
)

// Halo is the label of points that lie below the saddle density between
// their cluster and a neighboring one.
const Halo = -1

// MergeRecord is one decision of the merge phase. A and B are provisional
// cluster ids (see Assignment.Provisional); A has the higher peak. Accepted
// records are in the order the merges were applied, followed by the pairs
// that remained distinct at the fixed point.
type MergeRecord struct {
	A, B        int
	Saddle      float64
	SaddleError float64
	// Z is the test statistic (ρ_B - ρ_saddle) / sqrt(ε_B² + ε_saddle²).
	Z        float64
	Accepted bool
}

// Border is the saddle between two final clusters.
type Border struct {
	A, B        int
	Point       int
	Saddle      float64
	SaddleError float64
}

// Assignment is the output of the peak clusterer.
type Assignment struct {
	// Labels holds the final cluster id of each point, or Halo.
	Labels []int
	// Membership holds the final cluster id of each point before halo
	// masking. Passing it to MergeClusters performs no further merges.
	Membership []int
	Halo       []bool
	// Peaks[c] is the peak point of final cluster c. Clusters are numbered
	// by decreasing peak density.
	Peaks []int

	// Provisional and ProvisionalPeaks describe the clusters before
	// merging; MergeRecord ids refer to them.
	Provisional      []int
	ProvisionalPeaks []int
	Merges           []MergeRecord
	Borders          []Border
}

// AcceptedMerges returns the number of merges that were applied.
func (a *Assignment) AcceptedMerges() int {
	n := 0
	for _, m := range a.Merges {
		if m.Accepted {
			n++
		}
	}
	return n
}

// ClusterOptions configures FindClusters and MergeClusters.
type ClusterOptions struct {
	// Alpha is the significance level of the merge test. Default 0.01.
	Alpha float64
	// Halo enables halo labeling.
	Halo bool
	// MaxMergeIterations guards the merge loop. 0 means the number of
	// provisional clusters, which a terminating run never exceeds.
	MaxMergeIterations int
	Workers            int
}

// FindClusters runs the full peak clusterer: NNHD forest, provisional
// clusters, border detection, significance-tested merging and halo
// assignment.
func FindClusters(ctx context.Context, g *NeighborGraph, dens *DensityEstimate, opts ClusterOptions) (*Assignment, error) {
	if err := checkClusterInput(g, dens, &opts); err != nil {
		return nil, err
	}
	forest, err := BuildPeakForest(ctx, g, dens.LogDensity, opts.Workers)
	if err != nil {
		return nil, err
	}
	return mergeProvisional(ctx, g, dens, forest.provisionalLabels(), forest.Peaks, opts)
}

// MergeClusters treats labels as provisional clusters and runs border
// detection, merging and halo assignment on them. The peak of each cluster
// is its highest-ranked member.
func MergeClusters(ctx context.Context, g *NeighborGraph, dens *DensityEstimate, labels []int, opts ClusterOptions) (*Assignment, error) {
	if err := checkClusterInput(g, dens, &opts); err != nil {
		return nil, err
	}
	if len(labels) != g.N {
		return nil, inputErrorf("labels have %d entries, graph has %d points", len(labels), g.N)
	}

	best := make(map[int]int)
	for i, l := range labels {
		if l < 0 {
			return nil, inputErrorf("label %d of point %d is negative", l, i)
		}
		if cur, ok := best[l]; !ok || ranksAbove(dens.LogDensity, i, cur) {
			best[l] = i
		}
	}
	peaks := make([]int, 0, len(best))
	for _, p := range best {
		peaks = append(peaks, p)
	}
	sort.Slice(peaks, func(x, y int) bool { return ranksAbove(dens.LogDensity, peaks[x], peaks[y]) })

	id := make(map[int]int, len(peaks))
	for c, p := range peaks {
		id[labels[p]] = c
	}
	provisional := make([]int, g.N)
	for i, l := range labels {
		provisional[i] = id[l]
	}
	return mergeProvisional(ctx, g, dens, provisional, peaks, opts)
}

func checkClusterInput(g *NeighborGraph, dens *DensityEstimate, opts *ClusterOptions) error {
	if g == nil || g.N == 0 {
		return inputErrorf("empty neighbor graph")
	}
	if dens == nil || len(dens.LogDensity) != g.N || len(dens.Error) != g.N {
		return inputErrorf("density estimate does not match the %d graph points", g.N)
	}
	for i := range dens.LogDensity {
		if math.IsNaN(dens.LogDensity[i]) || math.IsInf(dens.LogDensity[i], 0) {
			return inputErrorf("non-finite log-density %v at point %d", dens.LogDensity[i], i)
		}
		if !(dens.Error[i] > 0) || math.IsInf(dens.Error[i], 0) {
			return inputErrorf("density error must be finite and > 0, got %v at point %d", dens.Error[i], i)
		}
	}
	if opts.Alpha == 0 {
		opts.Alpha = 0.01
	}
	if !(opts.Alpha > 0 && opts.Alpha < 1) {
		return configErrorf("alpha must be in (0, 1), got %v", opts.Alpha)
	}
	if opts.MaxMergeIterations < 0 {
		return configErrorf("MaxMergeIterations must be >= 0, got %d", opts.MaxMergeIterations)
	}
	return nil
}

type clusterPair struct{ a, b int }

func orderedPair(x, y int) clusterPair {
	if x > y {
		x, y = y, x
	}
	return clusterPair{a: x, b: y}
}

type borderEdge struct {
	pair  clusterPair
	point int
}

// detectBorders finds, for every pair of provisional clusters joined by a
// graph edge, the highest-ranked point among the lower endpoints of their
// crossing edges. Edges are collected per point in parallel and reduced
// sequentially in index order.
func detectBorders(ctx context.Context, g *NeighborGraph, labels []int, logDen []float64, workers int) (map[clusterPair]int, error) {
	perPoint := make([][]borderEdge, g.N)
	err := parallelPoints(ctx, g.N, workers, func(i int) {
		idx, _ := g.Row(i)
		for _, j := range idx {
			if labels[i] == labels[j] {
				continue
			}
			low := i
			if ranksAbove(logDen, i, j) {
				low = j
			}
			perPoint[i] = append(perPoint[i], borderEdge{pair: orderedPair(labels[i], labels[j]), point: low})
		}
	})
	if err != nil {
		return nil, err
	}

	borders := make(map[clusterPair]int)
	for _, edges := range perPoint {
		for _, e := range edges {
			if cur, ok := borders[e.pair]; !ok || ranksAbove(logDen, e.point, cur) {
				borders[e.pair] = e.point
			}
		}
	}
	return borders, nil
}

// merger owns all mutable clustering state; merges are applied one at a
// time on a single goroutine.
type merger struct {
	logDen  []float64
	errs    []float64
	arena   *clusterArena
	borders map[clusterPair]int // saddle point per adjacent pair
	zAlpha  float64
	history []MergeRecord
}

func mergeProvisional(ctx context.Context, g *NeighborGraph, dens *DensityEstimate, provisional, peaks []int, opts ClusterOptions) (*Assignment, error) {
	borders, err := detectBorders(ctx, g, provisional, dens.LogDensity, opts.Workers)
	if err != nil {
		return nil, err
	}

	m := &merger{
		logDen:  dens.LogDensity,
		errs:    dens.Error,
		arena:   newClusterArena(provisional, peaks, dens.LogDensity, dens.Error),
		borders: borders,
		zAlpha:  normalUpperQuantile(opts.Alpha),
	}

	limit := opts.MaxMergeIterations
	if limit == 0 {
		limit = len(peaks)
	}
	for merges := 0; ; merges++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pair, ok := m.next()
		if !ok {
			break
		}
		if merges >= limit {
			return nil, fmt.Errorf("adp: %d merges applied and clusters %d and %d still unresolved: %w",
				merges, pair.a, pair.b, ErrMergeNontermination)
		}
		m.apply(pair)
	}
	m.recordRejected()

	return m.assignment(provisional, peaks, opts.Halo), nil
}

// zScore tests the lower peak of pair against its saddle.
func (m *merger) zScore(pair clusterPair, saddle int) float64 {
	b := m.arena.records[pair.b]
	return (b.logDensity - m.logDen[saddle]) / math.Hypot(b.err, m.errs[saddle])
}

// saddleAbove orders pairs by saddle rank, then by cluster ids.
func (m *merger) saddleAbove(p, q clusterPair) bool {
	sp, sq := m.borders[p], m.borders[q]
	if sp != sq {
		return ranksAbove(m.logDen, sp, sq)
	}
	if p.a != q.a {
		return p.a < q.a
	}
	return p.b < q.b
}

// next returns the non-significant pair with the highest saddle.
func (m *merger) next() (clusterPair, bool) {
	var best clusterPair
	found := false
	for pair, saddle := range m.borders {
		if m.zScore(pair, saddle) > m.zAlpha {
			continue
		}
		if !found || m.saddleAbove(pair, best) {
			best, found = pair, true
		}
	}
	return best, found
}

// apply absorbs pair.b into pair.a and folds b's saddles into a's.
func (m *merger) apply(pair clusterPair) {
	saddle := m.borders[pair]
	m.history = append(m.history, MergeRecord{
		A:           pair.a,
		B:           pair.b,
		Saddle:      m.logDen[saddle],
		SaddleError: m.errs[saddle],
		Z:           m.zScore(pair, saddle),
		Accepted:    true,
	})

	m.arena.absorb(pair.a, pair.b)
	delete(m.borders, pair)
	for p, s := range m.borders {
		if p.a != pair.b && p.b != pair.b {
			continue
		}
		other := p.a + p.b - pair.b
		delete(m.borders, p)
		np := orderedPair(pair.a, other)
		if cur, ok := m.borders[np]; !ok || ranksAbove(m.logDen, s, cur) {
			m.borders[np] = s
		}
	}
}

// recordRejected appends the pairs left at the fixed point, highest saddle
// first.
func (m *merger) recordRejected() {
	pairs := m.sortedPairs()
	for _, p := range pairs {
		s := m.borders[p]
		m.history = append(m.history, MergeRecord{
			A:           p.a,
			B:           p.b,
			Saddle:      m.logDen[s],
			SaddleError: m.errs[s],
			Z:           m.zScore(p, s),
		})
	}
}

func (m *merger) sortedPairs() []clusterPair {
	pairs := make([]clusterPair, 0, len(m.borders))
	for p := range m.borders {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(x, y int) bool { return m.saddleAbove(pairs[x], pairs[y]) })
	return pairs
}

// assignment numbers the surviving clusters by peak rank and applies halo
// labeling.
func (m *merger) assignment(provisional, provisionalPeaks []int, halo bool) *Assignment {
	n := len(provisional)
	alive := m.arena.alive()
	final := make(map[int]int, len(alive))
	out := &Assignment{
		Labels:           make([]int, n),
		Membership:       make([]int, n),
		Halo:             make([]bool, n),
		Peaks:            make([]int, len(alive)),
		Provisional:      provisional,
		ProvisionalPeaks: provisionalPeaks,
		Merges:           m.history,
	}
	for f, id := range alive {
		final[id] = f
		rec := m.arena.records[id]
		out.Peaks[f] = rec.peak
		it := rec.members.Iterator()
		for it.HasNext() {
			out.Membership[it.Next()] = f
		}
	}

	maxSaddle := make([]float64, len(alive))
	for f := range maxSaddle {
		maxSaddle[f] = math.Inf(-1)
	}
	for _, p := range m.sortedPairs() {
		s := m.borders[p]
		a, b := final[p.a], final[p.b]
		out.Borders = append(out.Borders, Border{
			A: a, B: b, Point: s, Saddle: m.logDen[s], SaddleError: m.errs[s],
		})
		maxSaddle[a] = math.Max(maxSaddle[a], m.logDen[s])
		maxSaddle[b] = math.Max(maxSaddle[b], m.logDen[s])
	}
	sort.Slice(out.Borders, func(x, y int) bool {
		if out.Borders[x].A != out.Borders[y].A {
			return out.Borders[x].A < out.Borders[y].A
		}
		return out.Borders[x].B < out.Borders[y].B
	})

	copy(out.Labels, out.Membership)
	if halo {
		for i, c := range out.Membership {
			if m.logDen[i] < maxSaddle[c] {
				out.Labels[i] = Halo
				out.Halo[i] = true
			}
		}
	}
	return out
}
