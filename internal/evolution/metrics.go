package evolution

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics reports evolution activity: change outcomes by type and analysis
// run durations.
type Metrics struct {
	changes     *prometheus.CounterVec
	runs        prometheus.Counter
	runDuration prometheus.Histogram
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns the package-level instance bound to the global
// registry.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs collectors against the provided registerer.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	changes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "okami",
			Subsystem: "evolution",
			Name:      "changes_total",
			Help:      "Evolution change outcomes by type and status.",
		},
		[]string{"type", "outcome"},
	)
	runs := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "okami",
			Subsystem: "evolution",
			Name:      "runs_total",
			Help:      "Evolution analysis runs started.",
		},
	)
	runDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "okami",
			Subsystem: "evolution",
			Name:      "run_duration_seconds",
			Help:      "Wall time of one evolution pass.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	for _, collector := range []prometheus.Collector{changes, runs, runDuration} {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch collector.(type) {
				case *prometheus.CounterVec:
					changes = already.ExistingCollector.(*prometheus.CounterVec)
				case prometheus.Histogram:
					runDuration = already.ExistingCollector.(prometheus.Histogram)
				case prometheus.Counter:
					runs = already.ExistingCollector.(prometheus.Counter)
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{changes: changes, runs: runs, runDuration: runDuration}
}

// ObserveChange counts one change outcome.
func (m *Metrics) ObserveChange(changeType, outcome string) {
	if m == nil || m.changes == nil {
		return
	}
	m.changes.WithLabelValues(changeType, outcome).Inc()
}

// ObserveRun records one completed evolution pass.
func (m *Metrics) ObserveRun(d time.Duration) {
	if m == nil || m.runs == nil {
		return
	}
	m.runs.Inc()
	m.runDuration.Observe(d.Seconds())
}
