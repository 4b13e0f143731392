package procmgr

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsCollector implements MetricsCollector with its own
// registry so it can be served without touching the global one.
type PrometheusMetricsCollector struct {
	stateTransitions *prometheus.CounterVec
	syncDuration     *prometheus.HistogramVec
	stopDuration     *prometheus.HistogramVec
	errors           *prometheus.CounterVec
	restarts         *prometheus.CounterVec
	queueDepth       prometheus.Gauge
	queueAdds        *prometheus.CounterVec
	queueRetries     *prometheus.CounterVec
	backoffDuration  *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewPrometheusMetricsCollector creates a collector. An empty namespace
// defaults to "opsctl".
func NewPrometheusMetricsCollector(namespace string) *PrometheusMetricsCollector {
	if namespace == "" {
		namespace = "opsctl"
	}

	pmc := &PrometheusMetricsCollector{registry: prometheus.NewRegistry()}

	pmc.stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "child_state_transitions_total",
		Help:      "Total number of child state transitions",
	}, []string{"child", "from_state", "to_state"})

	pmc.syncDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "child_sync_duration_seconds",
		Help:      "Duration of child sync operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"child", "kind", "status"})

	pmc.stopDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "child_stop_duration_seconds",
		Help:      "Duration of child stop operations",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"child"})

	pmc.errors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "child_errors_total",
		Help:      "Total number of child supervision errors",
	}, []string{"child", "error_type"})

	pmc.restarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "child_restarts_total",
		Help:      "Total number of child restarts",
	}, []string{"child"})

	pmc.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "work_queue_depth",
		Help:      "Current depth of the work queue",
	})

	pmc.queueAdds = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "work_queue_adds_total",
		Help:      "Total number of items added to the work queue",
	}, []string{"child"})

	pmc.queueRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "work_queue_retries_total",
		Help:      "Total number of items taken off the work queue",
	}, []string{"child"})

	pmc.backoffDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "work_queue_backoff_duration_seconds",
		Help:      "Backoff delays applied after failed syncs",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"child"})

	pmc.registry.MustRegister(
		pmc.stateTransitions,
		pmc.syncDuration,
		pmc.stopDuration,
		pmc.errors,
		pmc.restarts,
		pmc.queueDepth,
		pmc.queueAdds,
		pmc.queueRetries,
		pmc.backoffDuration,
	)
	return pmc
}

func (pmc *PrometheusMetricsCollector) StateTransition(id ChildID, from, to State) {
	pmc.stateTransitions.WithLabelValues(string(id), from.String(), to.String()).Inc()
}

func (pmc *PrometheusMetricsCollector) SyncDuration(id ChildID, kind Kind, d time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	pmc.syncDuration.WithLabelValues(string(id), kind.String(), status).Observe(d.Seconds())
}

func (pmc *PrometheusMetricsCollector) StopDuration(id ChildID, d time.Duration) {
	pmc.stopDuration.WithLabelValues(string(id)).Observe(d.Seconds())
}

func (pmc *PrometheusMetricsCollector) ChildError(id ChildID, errorType string) {
	pmc.errors.WithLabelValues(string(id), errorType).Inc()
}

func (pmc *PrometheusMetricsCollector) ChildRestart(id ChildID) {
	pmc.restarts.WithLabelValues(string(id)).Inc()
}

func (pmc *PrometheusMetricsCollector) QueueDepth(depth int) {
	pmc.queueDepth.Set(float64(depth))
}

func (pmc *PrometheusMetricsCollector) QueueAdd(id ChildID, _ time.Duration) {
	pmc.queueAdds.WithLabelValues(string(id)).Inc()
}

func (pmc *PrometheusMetricsCollector) QueueRetry(id ChildID) {
	pmc.queueRetries.WithLabelValues(string(id)).Inc()
}

func (pmc *PrometheusMetricsCollector) QueueBackoff(id ChildID, d time.Duration) {
	pmc.backoffDuration.WithLabelValues(string(id)).Observe(d.Seconds())
}

// Registry returns the registry to serve with promhttp.
func (pmc *PrometheusMetricsCollector) Registry() *prometheus.Registry {
	return pmc.registry
}

var _ MetricsCollector = (*PrometheusMetricsCollector)(nil)
