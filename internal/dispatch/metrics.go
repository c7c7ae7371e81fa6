package dispatch

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors reporting dispatch loop activity.
type Metrics struct {
	iterationDuration prometheus.Histogram
	completions       *prometheus.CounterVec
	dispatched        prometheus.Counter
	checkpoints       prometheus.Counter
	workersActive     prometheus.Gauge
	runOutcomes       *prometheus.CounterVec
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// defaultMetrics returns the package-level metrics instance registered with
// the global Prometheus registry. Created once so hosting several loops in
// one process does not trip duplicate registration.
func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Pass a fresh registry when unique collectors are required (tests). A
// registration error other than AlreadyRegistered panics, mirroring promauto.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	iterationDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "maestro",
		Subsystem: "dispatch",
		Name:      "loop_iteration_duration_seconds",
		Help:      "Duration of one dispatch loop iteration.",
		Buckets:   prometheus.DefBuckets,
	})
	completions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "maestro",
		Subsystem: "dispatch",
		Name:      "worker_completions_total",
		Help:      "Worker job completions collected, by reported status.",
	}, []string{"status"})
	dispatched := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "maestro",
		Subsystem: "dispatch",
		Name:      "tasks_dispatched_total",
		Help:      "Tasks handed to the worker pool.",
	})
	checkpoints := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "maestro",
		Subsystem: "dispatch",
		Name:      "checkpoints_total",
		Help:      "Durable run snapshots written by the loop.",
	})
	workersActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "maestro",
		Subsystem: "dispatch",
		Name:      "workers_active",
		Help:      "Worker jobs currently in flight.",
	})
	runOutcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "maestro",
		Subsystem: "dispatch",
		Name:      "run_outcomes_total",
		Help:      "Terminal loop exits, by run status.",
	}, []string{"status"})

	collectors := []prometheus.Collector{iterationDuration, completions, dispatched, checkpoints, workersActive, runOutcomes}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch target := collector.(type) {
				case prometheus.Histogram:
					iterationDuration = already.ExistingCollector.(prometheus.Histogram)
				case *prometheus.CounterVec:
					switch target { //nolint:exhaustive
					case completions:
						completions = already.ExistingCollector.(*prometheus.CounterVec)
					case runOutcomes:
						runOutcomes = already.ExistingCollector.(*prometheus.CounterVec)
					}
				// Gauge before Counter: every Gauge satisfies the Counter
				// interface, so the order decides which case matches.
				case prometheus.Gauge:
					workersActive = already.ExistingCollector.(prometheus.Gauge)
				case prometheus.Counter:
					switch target { //nolint:exhaustive
					case dispatched:
						dispatched = already.ExistingCollector.(prometheus.Counter)
					case checkpoints:
						checkpoints = already.ExistingCollector.(prometheus.Counter)
					}
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		iterationDuration: iterationDuration,
		completions:       completions,
		dispatched:        dispatched,
		checkpoints:       checkpoints,
		workersActive:     workersActive,
		runOutcomes:       runOutcomes,
	}
}

// ObserveIteration records the wall time of one loop iteration.
func (m *Metrics) ObserveIteration(d time.Duration) {
	if m == nil || m.iterationDuration == nil {
		return
	}
	m.iterationDuration.Observe(d.Seconds())
}

// IncCompletion counts one collected worker completion by status.
func (m *Metrics) IncCompletion(status string) {
	if m == nil || m.completions == nil {
		return
	}
	m.completions.WithLabelValues(status).Inc()
}

// IncDispatched counts one task handed to the pool.
func (m *Metrics) IncDispatched() {
	if m == nil || m.dispatched == nil {
		return
	}
	m.dispatched.Inc()
}

// IncCheckpoint counts one durable snapshot write.
func (m *Metrics) IncCheckpoint() {
	if m == nil || m.checkpoints == nil {
		return
	}
	m.checkpoints.Inc()
}

// SetActiveWorkers records the number of in-flight worker jobs.
func (m *Metrics) SetActiveWorkers(n int) {
	if m == nil || m.workersActive == nil {
		return
	}
	m.workersActive.Set(float64(n))
}

// IncRunOutcome counts one terminal loop exit.
func (m *Metrics) IncRunOutcome(status string) {
	if m == nil || m.runOutcomes == nil {
		return
	}
	m.runOutcomes.WithLabelValues(status).Inc()
}
