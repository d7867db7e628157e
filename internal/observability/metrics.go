package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus metric the realtime platform exports,
// labelled by (tenant, project) so per-tenant dashboards and alerts can
// slice without re-aggregation.
type Metrics struct {
	SubscriberLagged      *prometheus.CounterVec
	AuditWriteFailures    *prometheus.CounterVec
	KillSwitchActivations *prometheus.CounterVec
	QuotaRejections       *prometheus.CounterVec
	PublishFailures       *prometheus.CounterVec
	ConnectedSessions     *prometheus.GaugeVec

	EventsPublished *prometheus.CounterVec
	PublishDuration *prometheus.HistogramVec
	ReplayDuration  *prometheus.HistogramVec
}

// NewMetrics creates and registers the platform's Prometheus metrics
// against the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates and registers the platform's Prometheus metrics
// against reg — used by tests to avoid duplicate-registration panics
// against the global default registry.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SubscriberLagged: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_subscriber_lagged_total",
				Help: "Total events dropped for a session due to a full outbound queue",
			},
			[]string{"tenant_id", "project_id"},
		),
		AuditWriteFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_audit_write_failures_total",
				Help: "Total post-append metadata write failures",
			},
			[]string{"tenant_id", "project_id"},
		),
		KillSwitchActivations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_kill_switch_activations_total",
				Help: "Total kill-switch activations by reason",
			},
			[]string{"tenant_id", "reason"},
		),
		QuotaRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_quota_rejections_total",
				Help: "Total publishes rejected for exceeding the tenant's plan cap",
			},
			[]string{"tenant_id", "project_id"},
		),
		PublishFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_publish_failures_total",
				Help: "Total event log append failures",
			},
			[]string{"tenant_id", "project_id"},
		),
		ConnectedSessions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "realtime_connected_sessions",
				Help: "Current number of live subscriber sessions",
			},
			[]string{"tenant_id", "project_id"},
		),
		EventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_events_published_total",
				Help: "Total events successfully published",
			},
			[]string{"tenant_id", "project_id"},
		),
		PublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "realtime_publish_duration_seconds",
				Help:    "Duration of the full Ingress publish path",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tenant_id"},
		),
		ReplayDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "realtime_replay_duration_seconds",
				Help:    "Duration of a Replay Engine fetch",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tenant_id"},
		),
	}
}

// MetricsHandler exposes the default Prometheus registry for scraping at
// GET /metrics, mounted by cmd/server/main.go alongside the JSON API.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
