package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/TrevorS/adp"
	"gopkg.in/yaml.v3"
)

// options are the command settings. They are read from an optional YAML
// file first; flags given on the command line override the file.
type options struct {
	Config string `yaml:"-"`
	Input  string `yaml:"input"`
	Output string `yaml:"output"`

	K           int       `yaml:"k"`
	Metric      string    `yaml:"metric"`
	P           float64   `yaml:"p"`
	Period      []float64 `yaml:"period"`
	Search      string    `yaml:"search"`
	LeafSize    int       `yaml:"leaf_size"`
	Estimator   string    `yaml:"estimator"`
	Dimension   float64   `yaml:"dimension"`
	TwoNNTrim   float64   `yaml:"two_nn_trim"`
	LocalID     bool      `yaml:"local_id"`
	IDResamples int       `yaml:"id_resamples"`
	Density     string    `yaml:"density"`
	MaxK        int       `yaml:"max_k"`
	KStarAlpha  float64   `yaml:"kstar_alpha"`
	Alpha       float64   `yaml:"alpha"`
	Halo        bool      `yaml:"halo"`
	Seed        int64     `yaml:"seed"`
	Workers     int       `yaml:"workers"`

	MaxMergeIterations int `yaml:"max_merge_iterations"`

	Cache       string `yaml:"cache"`
	CacheCodec  string `yaml:"cache_codec"`
	MetricsFile string `yaml:"metrics_file"`
	LogLevel    string `yaml:"log_level"`
	Development bool   `yaml:"development"`
}

func defaultOptions() options {
	def := adp.DefaultConfig()
	return options{
		Input:      "-",
		Output:     "-",
		K:          def.K,
		Metric:     "euclidean",
		P:          2,
		Search:     string(def.Search),
		LeafSize:   def.LeafSize,
		Estimator:  string(def.Estimator),
		Density:    string(def.Density),
		MaxK:       def.MaxK,
		KStarAlpha: def.KStarAlpha,
		Alpha:      def.Alpha,
		Halo:       def.Halo,
		CacheCodec: "zstd",
		LogLevel:   "info",
	}
}

func newFlagSet(o *options, output io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("adp", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&o.Config, "config", o.Config, "YAML config file; flags override its values")
	fs.StringVar(&o.Input, "input", o.Input, "CSV file with one point per row, - for stdin")
	fs.StringVar(&o.Output, "output", o.Output, "JSON result file, - for stdout")
	fs.IntVar(&o.K, "k", o.K, "nearest neighbors per point")
	fs.StringVar(&o.Metric, "metric", o.Metric, "distance: euclidean, manhattan or minkowski")
	fs.Float64Var(&o.P, "p", o.P, "Minkowski exponent")
	fs.StringVar(&o.Search, "search", o.Search, "neighbor search: auto, brute, kdtree or balltree")
	fs.IntVar(&o.LeafSize, "leaf-size", o.LeafSize, "spatial tree leaf size")
	fs.StringVar(&o.Estimator, "estimator", o.Estimator, "intrinsic dimension estimator: two_nn or full")
	fs.Float64Var(&o.Dimension, "dimension", o.Dimension, "fixed intrinsic dimension, 0 to estimate")
	fs.Float64Var(&o.TwoNNTrim, "trim", o.TwoNNTrim, "fraction of largest distance ratios to discard")
	fs.BoolVar(&o.LocalID, "local-id", o.LocalID, "also estimate a per-point intrinsic dimension")
	fs.IntVar(&o.IDResamples, "id-resamples", o.IDResamples, "bootstrap resamples for the dimension error")
	fs.StringVar(&o.Density, "density", o.Density, "density estimator: kstar, fixed_k or pak")
	fs.IntVar(&o.MaxK, "max-k", o.MaxK, "largest neighborhood for the density estimator")
	fs.Float64Var(&o.KStarAlpha, "kstar-alpha", o.KStarAlpha, "significance level of the adaptive neighborhood test")
	fs.Float64Var(&o.Alpha, "alpha", o.Alpha, "significance level of the cluster merge test")
	fs.BoolVar(&o.Halo, "halo", o.Halo, "label points below their cluster's saddle as halo (-1)")
	fs.IntVar(&o.MaxMergeIterations, "max-merge-iterations", o.MaxMergeIterations, "merge loop guard, 0 for the number of density peaks")
	fs.Int64Var(&o.Seed, "seed", o.Seed, "seed for bootstrap resampling")
	fs.IntVar(&o.Workers, "workers", o.Workers, "worker goroutines, 0 for one per CPU")
	fs.StringVar(&o.Cache, "cache", o.Cache, "neighbor graph cache file, reused when compatible")
	fs.StringVar(&o.CacheCodec, "cache-codec", o.CacheCodec, "cache compression: none, zstd or lz4")
	fs.StringVar(&o.MetricsFile, "metrics-file", o.MetricsFile, "write Prometheus metrics in text format to this file")
	fs.StringVar(&o.LogLevel, "log-level", o.LogLevel, "debug, info, warn or error")
	fs.BoolVar(&o.Development, "dev", o.Development, "human-readable development logging")
	return fs
}

// parseOptions parses args twice: once to find -config, and again on top of
// the file's values so explicit flags win.
func parseOptions(args []string, stderr io.Writer) (options, error) {
	o := defaultOptions()
	if err := newFlagSet(&o, stderr).Parse(args); err != nil {
		return o, err
	}
	if o.Config == "" {
		return o, nil
	}

	fromFile := defaultOptions()
	if err := loadYAML(o.Config, &fromFile); err != nil {
		return o, err
	}
	fromFile.Config = o.Config
	if err := newFlagSet(&fromFile, io.Discard).Parse(args); err != nil {
		return o, err
	}
	return fromFile, nil
}

func loadYAML(path string, o *options) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(o); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (o *options) metric() (adp.Metric, error) {
	switch o.Metric {
	case "euclidean":
		return adp.Euclidean{Period: o.Period}, nil
	case "manhattan":
		return adp.Minkowski{P: 1, Period: o.Period}, nil
	case "minkowski":
		return adp.Minkowski{P: o.P, Period: o.Period}, nil
	default:
		return nil, fmt.Errorf("unknown metric %q", o.Metric)
	}
}

func (o *options) pipelineConfig() (adp.Config, error) {
	metric, err := o.metric()
	if err != nil {
		return adp.Config{}, err
	}
	cfg := adp.DefaultConfig()
	cfg.K = o.K
	cfg.Metric = metric
	cfg.Search = adp.Search(o.Search)
	cfg.LeafSize = o.LeafSize
	cfg.Estimator = adp.Estimator(o.Estimator)
	cfg.Dimension = o.Dimension
	cfg.TwoNNTrim = o.TwoNNTrim
	cfg.LocalID = o.LocalID
	cfg.IDResamples = o.IDResamples
	cfg.Density = adp.DensityMethod(o.Density)
	cfg.MaxK = o.MaxK
	cfg.KStarAlpha = o.KStarAlpha
	cfg.Alpha = o.Alpha
	cfg.Halo = o.Halo
	cfg.MaxMergeIterations = o.MaxMergeIterations
	cfg.Seed = o.Seed
	cfg.Workers = o.Workers
	return cfg, nil
}
