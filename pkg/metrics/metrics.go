package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConvergenceTicksTotal counts completed convergence ticks by outcome.
	ConvergenceTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flotilla_convergence_ticks_total",
			Help: "Total number of convergence ticks by outcome (converged, failed)",
		},
		[]string{"outcome"},
	)

	ConvergenceTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flotilla_convergence_tick_duration_seconds",
			Help:    "Duration of one discover+calculate+execute convergence tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	DiscoveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flotilla_discovery_duration_seconds",
			Help:    "Duration of discover_state by deployer",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"deployer"},
	)

	AnalyzerDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flotilla_analyzer_duration_seconds",
			Help:    "Duration of the dataset-change analyzer's pure computation",
			Buckets: prometheus.DefBuckets,
		},
	)

	ActionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flotilla_action_duration_seconds",
			Help:    "Duration of one action-algebra primitive's Run, by primitive name",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"primitive"},
	)

	ActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flotilla_actions_total",
			Help: "Total number of action-algebra primitives executed, by primitive name and outcome",
		},
		[]string{"primitive", "outcome"},
	)

	DatasetChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flotilla_dataset_changes_total",
			Help: "Total number of dataset changes produced by the analyzer, by kind",
		},
		[]string{"kind"},
	)

	// LocalApplicationsTotal reports the application count from the last
	// discovered NodeState, regardless of running/stopped state.
	LocalApplicationsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flotilla_local_applications_total",
			Help: "Number of applications observed on this node at last discovery",
		},
	)

	// LocalManifestationsTotal reports the primary manifestation count held
	// locally at last discovery.
	LocalManifestationsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flotilla_local_manifestations_total",
			Help: "Number of primary dataset manifestations held on this node at last discovery",
		},
	)

	// LocalUsedPortsTotal reports the used-port count at last discovery.
	LocalUsedPortsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flotilla_local_used_ports_total",
			Help: "Number of ports in use on this node at last discovery",
		},
	)
)

func init() {
	prometheus.MustRegister(ConvergenceTicksTotal)
	prometheus.MustRegister(ConvergenceTickDuration)
	prometheus.MustRegister(DiscoveryDuration)
	prometheus.MustRegister(AnalyzerDuration)
	prometheus.MustRegister(ActionDuration)
	prometheus.MustRegister(ActionsTotal)
	prometheus.MustRegister(DatasetChangesTotal)
	prometheus.MustRegister(LocalApplicationsTotal)
	prometheus.MustRegister(LocalManifestationsTotal)
	prometheus.MustRegister(LocalUsedPortsTotal)
}

// Handler returns the Prometheus HTTP handler for metrics scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer starting now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec with
// labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
