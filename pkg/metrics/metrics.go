package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Task metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskwright_tasks_total",
			Help: "Total number of tasks by status",
		},
		[]string{"status"},
	)

	TasksDispatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskwright_tasks_dispatched_total",
			Help: "Total number of sub-tasks dispatched to the supervisor",
		},
	)

	TasksFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskwright_tasks_failed_total",
			Help: "Total number of sub-tasks that reached a non-success terminal state",
		},
	)

	// Supervisor metrics
	ChildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskwright_child_duration_seconds",
			Help:    "Assistant CLI child process duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		},
	)

	HeartbeatsEmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskwright_heartbeats_emitted_total",
			Help: "Total number of heartbeats emitted during child execution",
		},
	)

	SpawnRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskwright_spawn_retries_total",
			Help: "Total number of child spawn retries",
		},
	)

	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskwright_instances_total",
			Help: "Total number of instances by status",
		},
		[]string{"status"},
	)

	// Store metrics
	PoolConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskwright_pool_connections",
			Help: "Store connection pool size by state",
		},
		[]string{"state"},
	)

	AcquireTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskwright_pool_acquire_timeouts_total",
			Help: "Total number of connection acquisitions that timed out",
		},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskwright_scheduling_latency_seconds",
			Help:    "Time from graph persistence to first dispatch in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TasksDispatched)
	prometheus.MustRegister(TasksFailed)
	prometheus.MustRegister(ChildDuration)
	prometheus.MustRegister(HeartbeatsEmitted)
	prometheus.MustRegister(SpawnRetries)
	prometheus.MustRegister(InstancesTotal)
	prometheus.MustRegister(PoolConnections)
	prometheus.MustRegister(AcquireTimeouts)
	prometheus.MustRegister(SchedulingLatency)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
