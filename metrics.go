package adp

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Observer receives operational metrics from a Pipeline run.
// Implementations must be safe for concurrent use when a Pipeline is shared
// between goroutines.
type Observer interface {
	// ObserveStage is called after each pipeline stage with its wall time.
	ObserveStage(stage string, d time.Duration)

	// ObserveClusters is called once per successful run.
	ObserveClusters(provisional, final, merges int)

	// ObserveWarning is called for each non-fatal warning, with kind
	// "degenerate_distance" or "convergence".
	ObserveWarning(kind string)
}

// NopObserver discards all metrics.
type NopObserver struct{}

func (NopObserver) ObserveStage(string, time.Duration) {}
func (NopObserver) ObserveClusters(int, int, int)      {}
func (NopObserver) ObserveWarning(string)              {}

// PrometheusObserver exports pipeline metrics to a Prometheus registry.
type PrometheusObserver struct {
	stageDuration       *prometheus.HistogramVec
	provisionalClusters prometheus.Gauge
	clusters            prometheus.Gauge
	merges              prometheus.Counter
	runs                prometheus.Counter
	warnings            *prometheus.CounterVec
}

// NewPrometheusObserver creates the collectors under the "adp" namespace
// and registers them with reg.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	const namespace = "adp"
	o := &PrometheusObserver{
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Pipeline stage duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"stage"},
		),
		provisionalClusters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provisional_clusters",
			Help:      "Density peaks found by the last run before merging",
		}),
		clusters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clusters",
			Help:      "Clusters returned by the last run",
		}),
		merges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merges_total",
			Help:      "Accepted cluster merges",
		}),
		runs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Completed clustering runs",
		}),
		warnings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "warnings_total",
				Help:      "Non-fatal warnings by kind",
			},
			[]string{"kind"},
		),
	}
	reg.MustRegister(
		o.stageDuration,
		o.provisionalClusters,
		o.clusters,
		o.merges,
		o.runs,
		o.warnings,
	)
	return o
}

// ObserveStage implements Observer.
func (o *PrometheusObserver) ObserveStage(stage string, d time.Duration) {
	o.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveClusters implements Observer.
func (o *PrometheusObserver) ObserveClusters(provisional, final, merges int) {
	o.provisionalClusters.Set(float64(provisional))
	o.clusters.Set(float64(final))
	o.merges.Add(float64(merges))
	o.runs.Inc()
}

// ObserveWarning implements Observer.
func (o *PrometheusObserver) ObserveWarning(kind string) {
	o.warnings.WithLabelValues(kind).Inc()
}
