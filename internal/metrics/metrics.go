package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetline_jobs_submitted_total",
			Help: "Total number of jobs accepted by queue.",
		},
		[]string{"queue"},
	)

	JobsDequeuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetline_jobs_dequeued_total",
			Help: "Total number of jobs handed to an agent.",
		},
		[]string{"agent_id"},
	)

	DequeueContentionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetline_dequeue_contention_total",
			Help: "Total number of dequeue attempts that lost a race to another agent.",
		},
		[]string{"agent_id"},
	)

	LogFragmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetline_log_fragments_total",
			Help: "Total number of log fragments stored by log type.",
		},
		[]string{"log_type"},
	)

	StageExitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetline_stage_exits_total",
			Help: "Total number of completed stage invocations by phase and exit code.",
		},
		[]string{"phase", "exit_code"},
	)

	StageDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetline_stage_duration_seconds",
			Help:    "Duration of stage invocations in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600, 7200},
		},
		[]string{"phase"},
	)

	ChildJobsSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetline_child_jobs_submitted_total",
			Help: "Total number of child jobs submitted by multi-device orchestration.",
		},
	)

	RetentionPurgedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetline_retention_purged_jobs_total",
			Help: "Total number of expired jobs removed by the retention sweeper.",
		},
	)
)

// Register registers all custom fleetline metrics with the default Prometheus registry.
func Register() {
	prometheus.MustRegister(
		JobsSubmittedTotal,
		JobsDequeuedTotal,
		DequeueContentionTotal,
		LogFragmentsTotal,
		StageExitsTotal,
		StageDurationSeconds,
		ChildJobsSubmittedTotal,
		RetentionPurgedTotal,
	)
}
