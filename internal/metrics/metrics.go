package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus counters for the agent pipeline.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	AuthFailuresTotal  prometheus.Counter
	RateLimitedTotal   *prometheus.CounterVec
	EventsTotal        prometheus.Counter
	EventsInvalidTotal prometheus.Counter
	AlertsTotal        *prometheus.CounterVec
	NotificationsTotal *prometheus.CounterVec
	PublishErrors      prometheus.Counter
}

// NewMetrics registers all counters on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all counters on reg. Tests pass a fresh registry
// so repeated construction never collides.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_requests_total",
			Help: "Total agent requests by endpoint and outcome",
		}, []string{"endpoint", "outcome"}),
		AuthFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "agent_auth_failures_total",
			Help: "Total failed agent authentication attempts",
		}),
		RateLimitedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_rate_limited_total",
			Help: "Total rate-limited requests by class",
		}, []string{"class"}),
		EventsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "events_ingested_total",
			Help: "Total telemetry events persisted",
		}),
		EventsInvalidTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "events_invalid_total",
			Help: "Total events rejected by batch validation",
		}),
		AlertsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "alerts_created_total",
			Help: "Total alerts created by severity",
		}, []string{"severity"}),
		NotificationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_sent_total",
			Help: "Total notifications delivered by channel",
		}, []string{"channel"}),
		PublishErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "broadcast_publish_errors_total",
			Help: "Total realtime publish errors",
		}),
	}
}
