package adp

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// Config controls the clustering pipeline.
// Start with [DefaultConfig] and override the fields you need.
type Config struct {
	// K is the number of nearest neighbors stored per point. It bounds the
	// adaptive neighborhood of the density estimator, which uses at most
	// K-1 neighbors. Must satisfy 2 <= K <= N-1. Default: 30.
	K int `validate:"min=2"`

	// Metric is the distance used to build the neighbor graph.
	// Euclidean and Minkowski work on coordinates; Discrete wraps a
	// caller-supplied function over point indices. Default: Euclidean{}.
	Metric Metric `validate:"-"`

	// Search selects the neighbor search backend. "auto" uses a KD-tree for
	// low-dimensional non-periodic vectors and brute force otherwise.
	// Default: "auto".
	Search Search `validate:"oneof=auto brute kdtree balltree"`

	// LeafSize is the maximum number of points in a spatial tree leaf.
	// Default: 40.
	LeafSize int `validate:"min=1"`

	// Estimator selects the intrinsic dimension estimator. Default: "two_nn".
	Estimator Estimator `validate:"oneof=two_nn full"`

	// Dimension fixes the intrinsic dimension and skips estimation when
	// > 0. Required for data where every first-neighbor distance ratio is
	// degenerate, such as equidistant discrete items.
	Dimension float64 `validate:"gte=0"`

	// TwoNNTrim discards this fraction of the points with the largest
	// distance ratios from the global dimension estimate. Must be in [0, 1).
	TwoNNTrim float64 `validate:"gte=0,lt=1"`

	// LocalID additionally computes a per-point dimension estimate over each
	// point and its first LocalSize neighbors. LocalSize 0 means K.
	LocalID   bool
	LocalSize int `validate:"gte=0"`

	// IDResamples > 0 replaces the asymptotic dimension error with the
	// standard deviation over this many bootstrap resamples drawn with Seed.
	IDResamples int `validate:"gte=0"`
	Seed        int64

	// MaxIterations and Tolerance bound every Newton-Raphson solve.
	// Defaults: 100 and 1e-10.
	MaxIterations int     `validate:"min=1"`
	Tolerance     float64 `validate:"gt=0"`

	// MinDimension and MaxDimension clamp the full-likelihood solve.
	// Defaults: 1e-3 and 1e3.
	MinDimension float64 `validate:"gt=0"`
	MaxDimension float64 `validate:"gtfield=MinDimension"`

	// Density selects the density estimator. Default: "kstar".
	Density DensityMethod `validate:"oneof=kstar fixed_k pak"`

	// MaxK caps the neighborhood used by the density estimator.
	// Default: 1000.
	MaxK int `validate:"min=2"`

	// KStarAlpha is the significance level of the test that grows each
	// adaptive neighborhood. Default: 1e-6.
	KStarAlpha float64 `validate:"gt=0,lt=1"`

	// Alpha is the significance level of the cluster merge test. Smaller
	// values merge more. Default: 0.01.
	Alpha float64 `validate:"gt=0,lt=1"`

	// Halo labels points below their cluster's highest saddle as Halo.
	// Default: true.
	Halo bool

	// MaxMergeIterations guards the merge loop. 0 means the number of
	// provisional clusters.
	MaxMergeIterations int `validate:"gte=0"`

	// Workers bounds the goroutines used by parallel stages. 1 runs
	// everything on the calling goroutine. 0 means runtime.NumCPU().
	Workers int `validate:"gte=0"`

	// Logger receives stage and warning logs. Default: zap.NewNop().
	Logger *zap.Logger `validate:"-"`

	// Metrics receives stage timings and cluster counts.
	// Default: NopObserver{}.
	Metrics Observer `validate:"-"`

	// Graph, when set, is used instead of searching for neighbors. Its N
	// must match the point set and its K must equal K.
	Graph *NeighborGraph `validate:"-"`
}

// DefaultConfig returns a Config with reasonable defaults.
func DefaultConfig() Config {
	return Config{
		K:             30,
		Metric:        Euclidean{},
		Search:        SearchAuto,
		LeafSize:      40,
		Estimator:     EstimatorTwoNN,
		MaxIterations: 100,
		Tolerance:     1e-10,
		MinDimension:  1e-3,
		MaxDimension:  1e3,
		Density:       DensityKStar,
		MaxK:          1000,
		KStarAlpha:    1e-6,
		Alpha:         0.01,
		Halo:          true,
	}
}

// applyDefaults fills in zero-valued config fields with their defaults.
// K and the boolean switches are left as given.
func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Metric == nil {
		cfg.Metric = def.Metric
	}
	if cfg.Search == "" {
		cfg.Search = def.Search
	}
	if cfg.LeafSize == 0 {
		cfg.LeafSize = def.LeafSize
	}
	if cfg.Estimator == "" {
		cfg.Estimator = def.Estimator
	}
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.Tolerance == 0 {
		cfg.Tolerance = def.Tolerance
	}
	if cfg.MinDimension == 0 {
		cfg.MinDimension = def.MinDimension
	}
	if cfg.MaxDimension == 0 {
		cfg.MaxDimension = def.MaxDimension
	}
	if cfg.Density == "" {
		cfg.Density = def.Density
	}
	if cfg.MaxK == 0 {
		cfg.MaxK = def.MaxK
	}
	if cfg.KStarAlpha == 0 {
		cfg.KStarAlpha = def.KStarAlpha
	}
	if cfg.Alpha == 0 {
		cfg.Alpha = def.Alpha
	}
	if cfg.Workers == 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NopObserver{}
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// validateConfig checks the fields that do not depend on the input and
// folds all field errors into one ErrInvalidConfiguration.
func validateConfig(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return configErrorf("%v", err)
		}
		msgs := make([]string, 0, len(verrs))
		for _, e := range verrs {
			msgs = append(msgs, formatFieldError(e))
		}
		return configErrorf("%s", strings.Join(msgs, "; "))
	}
	if math.IsInf(cfg.Dimension, 0) {
		return configErrorf("Dimension must be finite")
	}
	return nil
}

// formatFieldError formats a single field validation error.
func formatFieldError(e validator.FieldError) string {
	switch e.Tag() {
	case "min", "gte":
		return fmt.Sprintf("%s must be >= %s, got %v", e.Field(), e.Param(), e.Value())
	case "gt":
		return fmt.Sprintf("%s must be > %s, got %v", e.Field(), e.Param(), e.Value())
	case "lt":
		return fmt.Sprintf("%s must be < %s, got %v", e.Field(), e.Param(), e.Value())
	case "gtfield":
		return fmt.Sprintf("%s must be greater than %s, got %v", e.Field(), e.Param(), e.Value())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s, got %q", e.Field(), e.Param(), e.Value())
	default:
		return fmt.Sprintf("%s is invalid", e.Field())
	}
}

// validateForInput checks the constraints that depend on the point count.
func validateForInput(cfg *Config, n int) error {
	if cfg.K > n-1 {
		return configErrorf("K must be <= N-1 = %d, got %d", n-1, cfg.K)
	}
	if g := cfg.Graph; g != nil {
		if g.N != n || g.K != cfg.K {
			return configErrorf("precomputed graph has N=%d K=%d, want N=%d K=%d", g.N, g.K, n, cfg.K)
		}
		if err := g.Validate(); err != nil {
			return inputErrorf("precomputed graph: %v", err)
		}
	}
	return nil
}
