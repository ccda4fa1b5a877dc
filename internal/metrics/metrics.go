package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	QueueMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborq_queue_messages_total",
			Help: "Messages handled per logical queue by outcome.",
		},
		[]string{"queue", "outcome"}, // accepted, success, failure
	)

	TasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborq_housekeeper_tasks_total",
			Help: "Housekeeper tasks by type and status.",
		},
		[]string{"task_type", "status"}, // processed, failed, dropped, reprocessing, escalated
	)

	TaskLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harborq_housekeeper_task_duration_seconds",
			Help:    "Time spent processing housekeeper tasks.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"task_type"},
	)

	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborq_rpc_requests_total",
			Help: "Queue RPC requests by outcome.",
		},
		[]string{"queue", "outcome"}, // success, timeout, capacity, publish_error, handler_error, shutdown
	)

	RPCLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harborq_rpc_request_duration_seconds",
			Help:    "Round trip time of successful queue RPC requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	RPCPendingRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harborq_rpc_pending_requests",
			Help: "Outstanding requests awaiting a response (dispatcher) or handler (responder).",
		},
		[]string{"queue", "side"},
	)

	TopicDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harborq_topic_depth",
			Help: "Messages waiting per topic and channel.",
		},
		[]string{"topic", "channel"},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		QueueMessagesTotal,
		TasksTotal,
		TaskLatencySeconds,
		RPCRequestsTotal,
		RPCLatencySeconds,
		RPCPendingRequests,
		TopicDepth,
	)
}

// RecordTaskProcessed records a successful task with its processing time
func RecordTaskProcessed(taskType string, d time.Duration) {
	TasksTotal.WithLabelValues(taskType, "processed").Inc()
	TaskLatencySeconds.WithLabelValues(taskType).Observe(d.Seconds())
}

// RecordTaskStatus increments the task counter for a non-success status
func RecordTaskStatus(taskType, status string) {
	TasksTotal.WithLabelValues(taskType, status).Inc()
}

// RecordRPC records the terminal outcome of one request
func RecordRPC(queue, outcome string, d time.Duration) {
	RPCRequestsTotal.WithLabelValues(queue, outcome).Inc()
	if outcome == "success" {
		RPCLatencySeconds.WithLabelValues(queue).Observe(d.Seconds())
	}
}

// SetPending updates the outstanding request gauge
func SetPending(queue, side string, n int) {
	RPCPendingRequests.WithLabelValues(queue, side).Set(float64(n))
}

// UpdateTopicDepth sets the backlog gauge for a topic/channel pair
func UpdateTopicDepth(topic, channel string, depth float64) {
	TopicDepth.WithLabelValues(topic, channel).Set(depth)
}
