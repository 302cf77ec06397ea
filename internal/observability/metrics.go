// Package observability carries the orchestrator's process-wide metrics and
// logging context helpers.
package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	WSConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_robot_connections",
			Help: "Number of connected robot sessions",
		},
	)
	WSMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ws_messages_total",
			Help: "WebSocket messages by type and direction",
		},
		[]string{"type", "direction"},
	)

	JobsEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
	)
	JobsAssignedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_assigned_total",
			Help: "Total number of jobs accepted by robots",
		},
	)
	JobsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
	)
	JobsFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of job failures reported",
		},
	)
	JobsDLQTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_dlq_total",
			Help: "Total number of jobs moved to the dead letter queue",
		},
	)
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Jobs in the queue by status",
		},
		[]string{"status"},
	)

	RobotFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "robot_failures_total",
			Help: "Robot disconnects and heartbeat timeouts",
		},
	)
	RecoveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_recoveries_total",
			Help: "Recovered jobs by action",
		},
		[]string{"action"},
	)

	ScheduleRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schedule_runs_total",
			Help: "Schedule firings by outcome",
		},
		[]string{"outcome"},
	)
	SLABreachesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sla_breaches_total",
			Help: "Total SLA breaches detected",
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(WSConnections)
	prometheus.MustRegister(WSMessagesTotal)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsAssignedTotal)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobsDLQTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(RobotFailuresTotal)
	prometheus.MustRegister(RecoveriesTotal)
	prometheus.MustRegister(ScheduleRunsTotal)
	prometheus.MustRegister(SLABreachesTotal)
}
