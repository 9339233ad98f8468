package crew

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors reporting crew execution activity.
type Metrics struct {
	taskDuration      *prometheus.HistogramVec
	taskRetries       *prometheus.CounterVec
	guardrailFailures *prometheus.CounterVec
	runsActive        prometheus.Gauge
	tokensUsed        prometheus.Counter
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns the package-level metrics instance registered with
// the global Prometheus registry. Collectors are created once to avoid
// duplicate registration panics when multiple executors exist.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs collectors against the provided registerer.
// Supply a fresh registry in tests. Registration errors panic, mirroring
// promauto semantics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	taskDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "okami",
			Subsystem: "crew",
			Name:      "task_duration_seconds",
			Help:      "Duration of each task execution.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"task", "status"},
	)
	taskRetries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "okami",
			Subsystem: "crew",
			Name:      "task_retries_total",
			Help:      "Guardrail-driven task retries.",
		},
		[]string{"task"},
	)
	guardrailFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "okami",
			Subsystem: "crew",
			Name:      "guardrail_failures_total",
			Help:      "Failing guardrail verdicts by guardrail name.",
		},
		[]string{"guardrail"},
	)
	runsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "okami",
			Subsystem: "crew",
			Name:      "runs_active",
			Help:      "Crew runs currently executing.",
		},
	)
	tokensUsed := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "okami",
			Subsystem: "crew",
			Name:      "completer_tokens_total",
			Help:      "Total completer tokens consumed.",
		},
	)

	collectors := []prometheus.Collector{taskDuration, taskRetries, guardrailFailures, runsActive, tokensUsed}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch target := collector.(type) {
				case *prometheus.HistogramVec:
					taskDuration = already.ExistingCollector.(*prometheus.HistogramVec)
				case *prometheus.CounterVec:
					switch target {
					case taskRetries:
						taskRetries = already.ExistingCollector.(*prometheus.CounterVec)
					case guardrailFailures:
						guardrailFailures = already.ExistingCollector.(*prometheus.CounterVec)
					}
				case prometheus.Gauge:
					runsActive = already.ExistingCollector.(prometheus.Gauge)
				case prometheus.Counter:
					tokensUsed = already.ExistingCollector.(prometheus.Counter)
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		taskDuration:      taskDuration,
		taskRetries:       taskRetries,
		guardrailFailures: guardrailFailures,
		runsActive:        runsActive,
		tokensUsed:        tokensUsed,
	}
}

// ObserveTask records one task execution.
func (m *Metrics) ObserveTask(task, status string, d time.Duration) {
	if m == nil || m.taskDuration == nil {
		return
	}
	m.taskDuration.WithLabelValues(task, status).Observe(d.Seconds())
}

// IncTaskRetry counts a guardrail-driven retry.
func (m *Metrics) IncTaskRetry(task string) {
	if m == nil || m.taskRetries == nil {
		return
	}
	m.taskRetries.WithLabelValues(task).Inc()
}

// IncGuardrailFailure counts a failing verdict.
func (m *Metrics) IncGuardrailFailure(guardrail string) {
	if m == nil || m.guardrailFailures == nil {
		return
	}
	m.guardrailFailures.WithLabelValues(guardrail).Inc()
}

// IncActiveRuns marks a run as started.
func (m *Metrics) IncActiveRuns() {
	if m == nil || m.runsActive == nil {
		return
	}
	m.runsActive.Inc()
}

// DecActiveRuns marks a run as finished.
func (m *Metrics) DecActiveRuns() {
	if m == nil || m.runsActive == nil {
		return
	}
	m.runsActive.Dec()
}

// AddTokens accumulates completer token usage.
func (m *Metrics) AddTokens(n int) {
	if m == nil || m.tokensUsed == nil || n <= 0 {
		return
	}
	m.tokensUsed.Add(float64(n))
}
