package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	WebhookEntries       *prometheus.CounterVec
	TenantResolutions    *prometheus.CounterVec
	MessagesIngested     *prometheus.CounterVec
	ConversationsCreated *prometheus.CounterVec
	ModeChanges          *prometheus.CounterVec
	AutomationDispatches *prometheus.CounterVec
	AutomationLatency    *prometheus.HistogramVec
	AutomationQueueDepth prometheus.Gauge
	OutboundRequests     *prometheus.CounterVec
	GraphRequests        *prometheus.CounterVec
	GraphLatency         *prometheus.HistogramVec
	DeadLetters          *prometheus.CounterVec
	Errors               *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			WebhookEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_entries_total",
				Help:      "Webhook entries processed by channel and outcome.",
			}, []string{"channel", "outcome"}),
			TenantResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tenant_resolutions_total",
				Help:      "Tenant resolution attempts by channel and outcome (primary, fallback, unresolved).",
			}, []string{"channel", "outcome"}),
			MessagesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_ingested_total",
				Help:      "Messages written by direction and outcome.",
			}, []string{"direction", "outcome"}),
			ConversationsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conversations_created_total",
				Help:      "Conversations created on first contact.",
			}, []string{"channel"}),
			ModeChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conversation_mode_changes_total",
				Help:      "Explicit conversation mode toggles by resulting mode.",
			}, []string{"mode"}),
			AutomationDispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "automation_dispatches_total",
				Help:      "Automation dispatch attempts by outcome.",
			}, []string{"outcome"}),
			AutomationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "automation_request_duration_seconds",
				Help:      "Latency distribution for automation endpoint calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"status"}),
			AutomationQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "automation_queue_depth",
				Help:      "Jobs waiting in the automation queue.",
			}),
			OutboundRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbound_requests_total",
				Help:      "Human send and edit requests by channel, operation and outcome.",
			}, []string{"channel", "operation", "outcome"}),
			GraphRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "graph_requests_total",
				Help:      "Total Graph API requests by endpoint and status.",
			}, []string{"endpoint", "status"}),
			GraphLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "graph_request_duration_seconds",
				Help:      "Latency distribution for Graph API requests.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"endpoint", "status"}),
			DeadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dead_letters_total",
				Help:      "Dead-lettered webhook entries and jobs by reason.",
			}, []string{"reason"}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.WebhookEntries,
			metricsInstance.TenantResolutions,
			metricsInstance.MessagesIngested,
			metricsInstance.ConversationsCreated,
			metricsInstance.ModeChanges,
			metricsInstance.AutomationDispatches,
			metricsInstance.AutomationLatency,
			metricsInstance.AutomationQueueDepth,
			metricsInstance.OutboundRequests,
			metricsInstance.GraphRequests,
			metricsInstance.GraphLatency,
			metricsInstance.DeadLetters,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}
