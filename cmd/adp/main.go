// Command adp clusters the points of a CSV file with Advanced Density Peaks
// and writes labels, densities and the estimated intrinsic dimension as JSON.
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/TrevorS/adp"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "adp: %v\n", err)
		os.Exit(1)
	}
}

// output is the JSON document written by the command.
type output struct {
	Points         int               `json:"points"`
	Dimension      float64           `json:"dimension"`
	DimensionError *float64          `json:"dimension_error"`
	Estimator      string            `json:"estimator"`
	Clusters       int               `json:"clusters"`
	Provisional    int               `json:"provisional_clusters"`
	Peaks          []int             `json:"peaks"`
	Labels         []int             `json:"labels"`
	LogDensity     []float64         `json:"log_density"`
	DensityError   []float64         `json:"density_error"`
	KStar          []int             `json:"kstar"`
	LocalDimension []*float64        `json:"local_dimension,omitempty"`
	Merges         []adp.MergeRecord `json:"merges"`
	Warnings       []string          `json:"warnings,omitempty"`
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	opts, err := parseOptions(args, stderr)
	if err != nil {
		return err
	}

	logger, err := newLogger(opts.LogLevel, opts.Development, stderr)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := opts.pipelineConfig()
	if err != nil {
		return err
	}
	cfg.Logger = logger

	reg := prometheus.NewRegistry()
	if opts.MetricsFile != "" {
		cfg.Metrics = adp.NewPrometheusObserver(reg)
	}

	data, err := readPoints(opts.Input, stdin)
	if err != nil {
		return err
	}
	ps, err := adp.NewPointSet(data)
	if err != nil {
		return err
	}
	logger.Info("points loaded", zap.String("input", opts.Input), zap.Int("points", ps.Len()), zap.Int("dims", ps.Dims()))

	var codec adp.Codec
	if opts.Cache != "" {
		if codec, err = adp.ParseCodec(opts.CacheCodec); err != nil {
			return err
		}
		g, err := loadCache(opts.Cache, ps.Len(), cfg.K, cfg.Metric)
		switch {
		case err == nil:
			logger.Info("neighbor graph loaded from cache", zap.String("path", opts.Cache))
			cfg.Graph = g
		case errors.Is(err, os.ErrNotExist):
		case adp.IsIncompatibleCache(err):
			logger.Warn("ignoring neighbor graph cache", zap.String("path", opts.Cache), zap.Error(err))
		default:
			return err
		}
	}

	p, err := adp.New(cfg)
	if err != nil {
		return err
	}
	res, err := p.Run(ctx, ps)
	if err != nil {
		return err
	}
	logger.Info("clustering finished",
		zap.Int("clusters", res.NumClusters()),
		zap.Int("provisional", res.ProvisionalClusters),
		zap.Float64("dimension", res.Dimension.Dimension),
	)

	if opts.Cache != "" && cfg.Graph == nil {
		if err := saveCache(opts.Cache, res.Graph, cfg.Metric, codec); err != nil {
			return err
		}
		logger.Info("neighbor graph cached", zap.String("path", opts.Cache), zap.Stringer("codec", codec))
	}
	if opts.MetricsFile != "" {
		if err := prometheus.WriteToTextfile(opts.MetricsFile, reg); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
	}
	return writeResult(opts.Output, stdout, res)
}

func newLogger(level string, development bool, stderr io.Writer) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	encCfg := zap.NewProductionEncoderConfig()
	encoder := zapcore.NewJSONEncoder(encCfg)
	if development {
		encCfg = zap.NewDevelopmentEncoderConfig()
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}
	core := zapcore.NewCore(encoder, zapcore.AddSync(stderr), lvl)
	return zap.New(core), nil
}

// readPoints parses one point per CSV row. A first row that does not parse
// as numbers is treated as a header.
func readPoints(path string, stdin io.Reader) ([][]float64, error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open input: %w", err)
		}
		defer f.Close()
		r = f
	}

	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.TrimLeadingSpace = true
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}

	data := make([][]float64, 0, len(records))
	for line, rec := range records {
		row := make([]float64, len(rec))
		for j, field := range rec {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				if line == 0 {
					row = nil
					break
				}
				return nil, fmt.Errorf("line %d column %d: %w", line+1, j+1, err)
			}
			row[j] = v
		}
		if row != nil {
			data = append(data, row)
		}
	}
	return data, nil
}

func loadCache(path string, n, k int, metric adp.Metric) (*adp.NeighborGraph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return adp.ReadGraph(f, n, k, metric)
}

func saveCache(path string, g *adp.NeighborGraph, metric adp.Metric, codec adp.Codec) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create cache: %w", err)
	}
	if err := adp.WriteGraph(f, g, metric, codec); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeResult(path string, stdout io.Writer, res *adp.Result) error {
	out := output{
		Points:         len(res.Labels),
		Dimension:      res.Dimension.Dimension,
		DimensionError: finite(res.Dimension.Error),
		Estimator:      string(res.Dimension.Estimator),
		Clusters:       res.NumClusters(),
		Provisional:    res.ProvisionalClusters,
		Peaks:          res.Peaks,
		Labels:         res.Labels,
		LogDensity:     res.LogDensity,
		DensityError:   res.DensityError,
		KStar:          res.KStar,
		LocalDimension: nullable(res.Dimension.Local),
		Merges:         res.Merges,
	}
	for _, w := range res.Warnings {
		out.Warnings = append(out.Warnings, w.Error())
	}

	w := stdout
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// nullable maps NaN and infinities to JSON null.
func nullable(xs []float64) []*float64 {
	if xs == nil {
		return nil
	}
	out := make([]*float64, len(xs))
	for i := range xs {
		out[i] = finite(xs[i])
	}
	return out
}

func finite(x float64) *float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return nil
	}
	return &x
}
