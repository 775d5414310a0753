package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Container metrics
	ContainersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "devbench_containers_total",
			Help: "Total number of containers by status",
		},
		[]string{"status"},
	)

	ContainerCreateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "devbench_container_create_duration_seconds",
			Help:    "Time taken to spawn a container in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainerStopDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "devbench_container_stop_duration_seconds",
			Help:    "Time taken to kill a container in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Execution metrics
	ExecsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "devbench_execs_total",
			Help: "Total number of executions by status",
		},
		[]string{"status"},
	)

	ExecConcurrency = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "devbench_exec_concurrency",
			Help: "Executions currently running per container",
		},
		[]string{"container_id"},
	)

	ExecDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "devbench_exec_duration_seconds",
			Help:    "Wall-clock duration of completed executions in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ExecConcurrencyLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "devbench_exec_concurrency_limited_total",
			Help: "Total number of exec_start calls rejected by the per-container concurrency limit",
		},
	)

	RingBufferBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "devbench_ring_buffer_bytes",
			Help: "Current bytes held in an execution's output ring buffer",
		},
		[]string{"exec_id"},
	)

	RingBufferEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devbench_ring_buffer_evictions_total",
			Help: "Total number of output frames evicted from ring buffers",
		},
		[]string{"exec_id"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devbench_api_requests_total",
			Help: "Total number of tool calls by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "devbench_api_request_duration_seconds",
			Help:    "Tool call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Workspace metrics
	WorkspaceOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "devbench_workspace_op_duration_seconds",
			Help:    "Workspace gateway operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	WorkspacePathViolationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "devbench_workspace_path_violations_total",
			Help: "Total number of workspace requests rejected for path containment violations",
		},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "devbench_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "devbench_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	WarmPoolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "devbench_warm_pool_size",
			Help: "Current number of warm containers available for claim",
		},
	)

	WarmPoolClaimsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "devbench_warm_pool_claims_total",
			Help: "Total number of successful warm pool claims",
		},
	)
)

func init() {
	prometheus.MustRegister(ContainersTotal)
	prometheus.MustRegister(ContainerCreateDuration)
	prometheus.MustRegister(ContainerStopDuration)
	prometheus.MustRegister(ExecsTotal)
	prometheus.MustRegister(ExecConcurrency)
	prometheus.MustRegister(ExecDuration)
	prometheus.MustRegister(ExecConcurrencyLimitedTotal)
	prometheus.MustRegister(RingBufferBytes)
	prometheus.MustRegister(RingBufferEvictionsTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(WorkspaceOpDuration)
	prometheus.MustRegister(WorkspacePathViolationsTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(WarmPoolSize)
	prometheus.MustRegister(WarmPoolClaimsTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
