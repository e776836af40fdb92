package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	StripeRequests     *prometheus.CounterVec
	StripeLatency      *prometheus.HistogramVec
	WebhookEvents      *prometheus.CounterVec
	QueueJoins         *prometheus.CounterVec
	QueueTransitions   *prometheus.CounterVec
	OrderTransitions   *prometheus.CounterVec
	Notifications      *prometheus.CounterVec
	WAOutgoingMessages *prometheus.CounterVec
	Errors             *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			StripeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stripe_requests_total",
				Help:      "Total Stripe API requests by operation and status.",
			}, []string{"operation", "status"}),
			StripeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stripe_request_duration_seconds",
				Help:      "Latency distribution for Stripe API requests.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation", "status"}),
			WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_events_total",
				Help:      "Payment webhook deliveries by event type and outcome.",
			}, []string{"type", "outcome"}),
			QueueJoins: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_joins_total",
				Help:      "Queue join attempts by outcome.",
			}, []string{"outcome"}),
			QueueTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_transitions_total",
				Help:      "Queue entry state machine steps by action and outcome.",
			}, []string{"action", "outcome"}),
			OrderTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "order_transitions_total",
				Help:      "Order status changes by target status.",
			}, []string{"status"}),
			Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Notifications by channel, template and delivery status.",
			}, []string{"channel", "template", "status"}),
			WAOutgoingMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "wa_outgoing_messages_total",
				Help:      "Total outgoing WhatsApp operator alerts sent.",
			}, []string{"type"}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.StripeRequests,
			metricsInstance.StripeLatency,
			metricsInstance.WebhookEvents,
			metricsInstance.QueueJoins,
			metricsInstance.QueueTransitions,
			metricsInstance.OrderTransitions,
			metricsInstance.Notifications,
			metricsInstance.WAOutgoingMessages,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}
