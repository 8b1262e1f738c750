package adp

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Result contains the output of a clustering run.
type Result struct {
	// Labels assigns each point to a cluster (0-indexed, numbered by
	// decreasing peak density) or Halo.
	Labels []int

	// Membership is Labels before halo masking: every point has a cluster.
	Membership []int

	// Halo[i] is true when point i was labeled Halo.
	Halo []bool

	// LogDensity, DensityError and KStar are the per-point density
	// estimate, its standard error and the neighborhood size used.
	LogDensity   []float64
	DensityError []float64
	KStar        []int

	// Dimension is the intrinsic dimension used for the density.
	Dimension IntrinsicDimension

	// Peaks[c] is the index of the peak point of cluster c.
	Peaks []int

	// Merges is the merge history over provisional clusters.
	Merges []MergeRecord

	// Borders holds the saddle between every pair of adjacent clusters.
	Borders []Border

	// ProvisionalClusters is the number of density peaks before merging.
	ProvisionalClusters int

	// Graph is the neighbor graph the run was computed on.
	Graph *NeighborGraph

	// Warnings collects non-fatal conditions: *DegenerateDistanceError and
	// *ConvergenceError values.
	Warnings []error
}

// NumClusters returns the number of clusters in the result.
func (r *Result) NumClusters() int { return len(r.Peaks) }

// Pipeline runs neighbor search, intrinsic dimension estimation, density
// estimation and peak clustering with a fixed configuration. A Pipeline is
// safe for concurrent use when its Observer is.
type Pipeline struct {
	cfg Config
	log *zap.Logger
}

// New validates cfg and returns a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &Pipeline{cfg: cfg, log: cfg.Logger.Named("adp")}, nil
}

// Config returns the effective configuration after defaults.
func (p *Pipeline) Config() Config { return p.cfg }

// Cluster runs the pipeline on coordinate data. Each element is a point;
// all points must have the same dimensionality.
func Cluster(ctx context.Context, data [][]float64, cfg Config) (*Result, error) {
	p, err := New(cfg)
	if err != nil {
		return nil, err
	}
	ps, err := NewPointSet(data)
	if err != nil {
		return nil, err
	}
	return p.Run(ctx, ps)
}

// ClusterDiscrete runs the pipeline on n items compared by dist. The
// Metric field of cfg is replaced by Discrete{Func: dist}.
func ClusterDiscrete(ctx context.Context, n int, dist DiscreteFunc, cfg Config) (*Result, error) {
	cfg.Metric = Discrete{Func: dist}
	p, err := New(cfg)
	if err != nil {
		return nil, err
	}
	ps, err := NewDiscretePointSet(n)
	if err != nil {
		return nil, err
	}
	return p.Run(ctx, ps)
}

// Run clusters ps. The point set is borrowed and never modified. On error
// no partial result is returned.
func (p *Pipeline) Run(ctx context.Context, ps *PointSet) (*Result, error) {
	cfg := p.cfg
	if ps == nil || ps.Len() == 0 {
		return nil, inputErrorf("empty point set")
	}
	if err := validateForInput(&cfg, ps.Len()); err != nil {
		return nil, err
	}
	if err := validateMetric(cfg.Metric, ps); err != nil {
		return nil, err
	}

	log := p.log.With(zap.Int("points", ps.Len()), zap.Int("k", cfg.K))
	res := &Result{}

	g := cfg.Graph
	if g == nil {
		var err error
		err = p.stage(log, "neighbors", func() error {
			g, err = BuildNeighborGraph(ctx, ps, cfg.Metric, cfg.K, GraphOptions{
				Search:   cfg.Search,
				LeafSize: cfg.LeafSize,
				Workers:  cfg.Workers,
			})
			return err
		})
		if err != nil {
			return nil, err
		}
	}
	res.Graph = g

	if err := p.stage(log, "dimension", func() error {
		dim, err := p.dimension(ctx, g)
		if err != nil {
			return err
		}
		res.Dimension = *dim
		return nil
	}); err != nil {
		return nil, err
	}
	log.Debug("intrinsic dimension",
		zap.Float64("dimension", res.Dimension.Dimension),
		zap.Float64("error", res.Dimension.Error),
		zap.String("estimator", string(res.Dimension.Estimator)),
		zap.Int("used", res.Dimension.Used),
	)

	var dens *DensityEstimate
	if err := p.stage(log, "density", func() error {
		var err error
		dens, err = EstimateDensity(ctx, g, res.Dimension.Dimension, DensityOptions{
			Method:        cfg.Density,
			MaxK:          cfg.MaxK,
			KStarAlpha:    cfg.KStarAlpha,
			MaxIterations: cfg.MaxIterations,
			Tolerance:     cfg.Tolerance,
			Workers:       cfg.Workers,
		})
		return err
	}); err != nil {
		return nil, err
	}

	var assign *Assignment
	if err := p.stage(log, "clusters", func() error {
		var err error
		assign, err = FindClusters(ctx, g, dens, ClusterOptions{
			Alpha:              cfg.Alpha,
			Halo:               cfg.Halo,
			MaxMergeIterations: cfg.MaxMergeIterations,
			Workers:            cfg.Workers,
		})
		return err
	}); err != nil {
		return nil, err
	}

	res.Labels = assign.Labels
	res.Membership = assign.Membership
	res.Halo = assign.Halo
	res.Peaks = assign.Peaks
	res.Merges = assign.Merges
	res.Borders = assign.Borders
	res.ProvisionalClusters = len(assign.ProvisionalPeaks)
	res.LogDensity = dens.LogDensity
	res.DensityError = dens.Error
	res.KStar = dens.KStar
	res.Warnings = append(res.Warnings, res.Dimension.Warnings...)
	res.Warnings = append(res.Warnings, dens.Warnings...)
	res.Dimension.Warnings = nil

	merges := assign.AcceptedMerges()
	p.reportWarnings(log, res.Warnings)
	cfg.Metrics.ObserveClusters(res.ProvisionalClusters, res.NumClusters(), merges)
	log.Debug("clustering finished",
		zap.Int("provisional", res.ProvisionalClusters),
		zap.Int("clusters", res.NumClusters()),
		zap.Int("merges", merges),
	)
	return res, nil
}

// dimension estimates the intrinsic dimension, or returns the fixed one.
func (p *Pipeline) dimension(ctx context.Context, g *NeighborGraph) (*IntrinsicDimension, error) {
	cfg := p.cfg
	if cfg.Dimension > 0 {
		return &IntrinsicDimension{Dimension: cfg.Dimension, Estimator: EstimatorFixed, Converged: true, Used: g.N}, nil
	}
	return EstimateDimension(ctx, g, DimensionOptions{
		Estimator:     cfg.Estimator,
		Trim:          cfg.TwoNNTrim,
		Local:         cfg.LocalID,
		LocalSize:     cfg.LocalSize,
		Resamples:     cfg.IDResamples,
		Seed:          cfg.Seed,
		MaxIterations: cfg.MaxIterations,
		Tolerance:     cfg.Tolerance,
		MinDimension:  cfg.MinDimension,
		MaxDimension:  cfg.MaxDimension,
		Workers:       cfg.Workers,
		Fallback:      1,
	})
}

// stage runs fn, logging and observing its duration.
func (p *Pipeline) stage(log *zap.Logger, name string, fn func() error) error {
	start := time.Now()
	err := fn()
	elapsed := time.Since(start)
	if err != nil {
		log.Debug("stage failed", zap.String("stage", name), zap.Duration("elapsed", elapsed), zap.Error(err))
		return err
	}
	p.cfg.Metrics.ObserveStage(name, elapsed)
	log.Debug("stage done", zap.String("stage", name), zap.Duration("elapsed", elapsed))
	return nil
}

func (p *Pipeline) reportWarnings(log *zap.Logger, warnings []error) {
	for _, w := range warnings {
		var (
			degenerate *DegenerateDistanceError
			stalled    *ConvergenceError
		)
		switch {
		case errors.As(w, &degenerate):
			p.cfg.Metrics.ObserveWarning("degenerate_distance")
			log.Warn("degenerate distance ratios excluded",
				zap.Int("count", len(degenerate.Indices)),
				zap.Ints("first", degenerate.Indices[:min(len(degenerate.Indices), 8)]),
			)
		case errors.As(w, &stalled):
			p.cfg.Metrics.ObserveWarning("convergence")
			log.Warn("solver did not converge",
				zap.String("stage", stalled.Stage),
				zap.Int("iterations", stalled.Iterations),
				zap.Int("points", len(stalled.Points)),
			)
		default:
			log.Warn("warning", zap.Error(w))
		}
	}
}
