package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for the kernel daemon.
// Generalized from a per-function VM-pool collector set to
// the kernel's own units of work: cranks, the run queue, GC passes, and
// vat restarts.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	cranksTotal       *prometheus.CounterVec
	crankDuration     *prometheus.HistogramVec
	vatsLaunched      prometheus.Counter
	vatsTerminated    prometheus.Counter
	vatRestartsTotal  *prometheus.CounterVec
	vatFaultsTotal    *prometheus.CounterVec

	queueDepth   prometheus.Gauge
	runningVats  prometheus.Gauge

	gcDropsTotal    prometheus.Counter
	gcRetiresTotal  prometheus.Counter
	gcPassDuration  prometheus.Histogram

	breakerState      *prometheus.GaugeVec
	breakerTripsTotal *prometheus.CounterVec

	uptime prometheus.GaugeFunc
}

var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		cranksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cranks_total",
				Help:      "Total number of cranks executed, by entry kind and outcome",
			},
			[]string{"kind", "status"},
		),

		crankDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "crank_duration_milliseconds",
				Help:      "Duration of a single crank in milliseconds",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),

		vatsLaunched: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vats_launched_total",
				Help:      "Total vats launched",
			},
		),

		vatsTerminated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vats_terminated_total",
				Help:      "Total vats terminated",
			},
		),

		vatRestartsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vat_restarts_total",
				Help:      "Total automatic vat restarts after a crank fault",
			},
			[]string{"vat"},
		),

		vatFaultsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vat_faults_total",
				Help:      "Total crank faults observed, by vat",
			},
			[]string{"vat"},
		),

		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "run_queue_depth",
				Help:      "Current depth of the kernel run queue",
			},
		),

		runningVats: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "running_vats",
				Help:      "Current number of running vats",
			},
		),

		gcDropsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gc_drops_total",
				Help:      "Total exported objects dropped by the reaper",
			},
		),

		gcRetiresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gc_retires_total",
				Help:      "Total krefs retired by the reaper",
			},
		),

		gcPassDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "gc_pass_duration_milliseconds",
				Help:      "Duration of one reaper pass in milliseconds",
				Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500},
			},
		),

		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "vat_restart_breaker_state",
				Help:      "Current per-vat restart breaker state (0=closed, 1=open, 2=half_open)",
			},
			[]string{"vat"},
		),

		breakerTripsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "vat_restart_breaker_trips_total",
				Help:      "Total per-vat restart breaker state transitions",
			},
			[]string{"vat", "to_state"},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the kernel daemon started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.cranksTotal,
		pm.crankDuration,
		pm.vatsLaunched,
		pm.vatsTerminated,
		pm.vatRestartsTotal,
		pm.vatFaultsTotal,
		pm.queueDepth,
		pm.runningVats,
		pm.gcDropsTotal,
		pm.gcRetiresTotal,
		pm.gcPassDuration,
		pm.breakerState,
		pm.breakerTripsTotal,
		pm.uptime,
	)

	promMetrics = pm
}

// RecordCrank records one crank's outcome and duration.
func RecordCrank(kind string, durationMs int64, success bool) {
	if promMetrics == nil {
		return
	}
	status := "success"
	if !success {
		status = "fault"
	}
	promMetrics.cranksTotal.WithLabelValues(kind, status).Inc()
	promMetrics.crankDuration.WithLabelValues(kind).Observe(float64(durationMs))
}

// RecordVatLaunched records a vat launch.
func RecordVatLaunched() {
	if promMetrics == nil {
		return
	}
	promMetrics.vatsLaunched.Inc()
}

// RecordVatTerminated records a vat termination.
func RecordVatTerminated() {
	if promMetrics == nil {
		return
	}
	promMetrics.vatsTerminated.Inc()
}

// RecordVatFault records a crank fault for vat.
func RecordVatFault(vat string) {
	if promMetrics == nil {
		return
	}
	promMetrics.vatFaultsTotal.WithLabelValues(vat).Inc()
}

// RecordVatRestart records an automatic restart for vat.
func RecordVatRestart(vat string) {
	if promMetrics == nil {
		return
	}
	promMetrics.vatRestartsTotal.WithLabelValues(vat).Inc()
}

// SetQueueDepth sets the run queue depth gauge.
func SetQueueDepth(depth int) {
	if promMetrics == nil {
		return
	}
	promMetrics.queueDepth.Set(float64(depth))
}

// SetRunningVats sets the running-vat count gauge.
func SetRunningVats(count int) {
	if promMetrics == nil {
		return
	}
	promMetrics.runningVats.Set(float64(count))
}

// RecordGCPass records one reaper pass: its duration and how many
// objects it dropped/retired.
func RecordGCPass(durationMs int64, drops, retires int) {
	if promMetrics == nil {
		return
	}
	promMetrics.gcPassDuration.Observe(float64(durationMs))
	promMetrics.gcDropsTotal.Add(float64(drops))
	promMetrics.gcRetiresTotal.Add(float64(retires))
}

// SetBreakerState sets the restart-breaker state gauge for vat.
// state: 0=closed, 1=open, 2=half_open.
func SetBreakerState(vat string, state int) {
	if promMetrics == nil {
		return
	}
	promMetrics.breakerState.WithLabelValues(vat).Set(float64(state))
}

// RecordBreakerTrip records a restart-breaker state transition for vat.
func RecordBreakerTrip(vat, toState string) {
	if promMetrics == nil {
		return
	}
	promMetrics.breakerTripsTotal.WithLabelValues(vat, toState).Inc()
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors).
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
