package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "voicebridge_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	UpstreamRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "voicebridge_upstream_requests_total", Help: "Upstream HTTP calls by operation and status"},
		[]string{"operation", "status"},
	)
	UpstreamLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "voicebridge_upstream_latency_seconds", Help: "Upstream HTTP call latency"},
		[]string{"operation"},
	)
	UsageQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "voicebridge_usage_queries_total", Help: "Consumption aggregation outcomes"},
		[]string{"source", "result"},
	)
	BatchCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "voicebridge_batch_calls_total", Help: "Outbound call outcomes"},
		[]string{"result"},
	)
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "voicebridge_webhook_events_total", Help: "Webhook events"},
		[]string{"status"},
	)
	Enqueues = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "voicebridge_enqueue_total", Help: "SQS enqueue results"},
		[]string{"result"},
	)
	WorkflowResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "voicebridge_workflow_results_total", Help: "Workflow outcomes"},
		[]string{"status"},
	)
	Notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "voicebridge_notifications_total", Help: "Notification outcomes"},
		[]string{"channel", "result"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		APIRequests,
		UpstreamRequests,
		UpstreamLatency,
		UsageQueries,
		BatchCalls,
		WebhookEvents,
		Enqueues,
		WorkflowResults,
		Notifications,
	)
}
