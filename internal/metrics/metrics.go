// Package metrics provides Prometheus metrics for the task-processing core.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskforge_tasks_submitted_total",
			Help: "Total number of task submissions by outcome",
		},
		[]string{"priority", "outcome"},
	)
	TaskEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskforge_task_events_total",
			Help: "Total number of task lifecycle events appended",
		},
		[]string{"type"},
	)
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskforge_task_duration_seconds",
			Help:    "Task handler execution duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"type", "outcome"},
	)
	TaskWaitTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskforge_task_wait_time_seconds",
			Help:    "Time tasks spend waiting in queue before execution",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		},
		[]string{"priority"},
	)
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskforge_queue_depth",
			Help: "Current depth of each priority queue",
		},
		[]string{"queue"},
	)
	DeadLetterQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskforge_dead_letter_queue_depth",
			Help: "Current depth of the dead letter queue",
		},
	)
	WorkersActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskforge_workers",
			Help: "Number of workers by status",
		},
		[]string{"status"},
	)
	ScalingDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskforge_scaling_decisions_total",
			Help: "Total number of autoscaler evaluations by action",
		},
		[]string{"action"},
	)
	ComplexityScore = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskforge_complexity_score",
			Help: "Rolling task complexity score seen by the autoscaler",
		},
	)
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskforge_circuit_breaker_state",
			Help: "Circuit breaker state per dependency (1 for the current state)",
		},
		[]string{"dependency", "state"},
	)
	BreakerRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskforge_circuit_breaker_rejections_total",
			Help: "Calls rejected because the circuit was open",
		},
		[]string{"dependency"},
	)
	Remediations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskforge_remediations_total",
			Help: "Remediation actions run by the recovery coordinator",
		},
		[]string{"dependency", "outcome"},
	)
	PoolConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskforge_pool_connections",
			Help: "Broker connection pool resources by state",
		},
		[]string{"state"},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskforge_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskforge_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

var breakerStates = []string{"closed", "open", "half-open"}

func RecordSubmission(priority, outcome string) {
	TasksSubmitted.WithLabelValues(priority, outcome).Inc()
}

func RecordTaskEvent(eventType string) {
	TaskEvents.WithLabelValues(eventType).Inc()
}

func RecordTaskDuration(taskType, outcome string, duration time.Duration) {
	TaskDuration.WithLabelValues(taskType, outcome).Observe(duration.Seconds())
}

func RecordTaskWaitTime(priority string, waitTime time.Duration) {
	TaskWaitTime.WithLabelValues(priority).Observe(waitTime.Seconds())
}

func UpdateQueueDepths(depths map[string]int64) {
	for queue, depth := range depths {
		QueueDepth.WithLabelValues(queue).Set(float64(depth))
	}
}

func UpdateDeadLetterQueueDepth(depth int64) {
	DeadLetterQueueDepth.Set(float64(depth))
}

func UpdateWorkers(byStatus map[string]int) {
	WorkersActive.Reset()
	for status, count := range byStatus {
		WorkersActive.WithLabelValues(status).Set(float64(count))
	}
}

func RecordScalingDecision(action string, complexity float64) {
	ScalingDecisions.WithLabelValues(action).Inc()
	ComplexityScore.Set(complexity)
}

func UpdateBreakerState(dependency, state string) {
	for _, s := range breakerStates {
		value := 0.0
		if s == state {
			value = 1
		}
		BreakerState.WithLabelValues(dependency, s).Set(value)
	}
}

func RecordBreakerRejection(dependency string) {
	BreakerRejections.WithLabelValues(dependency).Inc()
}

func RecordRemediation(dependency, outcome string) {
	Remediations.WithLabelValues(dependency, outcome).Inc()
}

func UpdatePoolConnections(total, idle, acquired int32) {
	PoolConnections.WithLabelValues("total").Set(float64(total))
	PoolConnections.WithLabelValues("idle").Set(float64(idle))
	PoolConnections.WithLabelValues("acquired").Set(float64(acquired))
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
