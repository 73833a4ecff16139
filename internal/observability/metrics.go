package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions prometheus.Gauge
	SessionEvents  *prometheus.CounterVec
	RelayEvents    *prometheus.CounterVec
	ProviderErrors *prometheus.CounterVec
	SSESubscribers prometheus.Gauge
	CommitLatency  prometheus.Histogram

	// Latency keeps rolling reply-latency percentiles for the perf
	// endpoint, independent of the Prometheus histogram.
	Latency *LatencyWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		Latency: NewLatencyWindow(256),
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live coaching sessions in the registry.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		RelayEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_events_total",
			Help:      "Events forwarded over the relay channel by type.",
		}, []string{"type"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Upstream provider errors by source and code.",
		}, []string{"source", "code"}),
		SSESubscribers: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sse_subscribers",
			Help:      "Open server-sent event streams.",
		}),
		CommitLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "audio_commit_latency_ms",
			Help:      "Latency of upstream audio commit calls in milliseconds.",
			Buckets:   []float64{10, 25, 50, 100, 200, 400, 800, 1600},
		}),
	}
}

func (m *Metrics) ObserveCommitLatency(d time.Duration) {
	m.CommitLatency.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
