package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relaychat"

type prometheusMetrics struct {
	accepted       *prometheus.CounterVec
	closed         *prometheus.CounterVec
	lifetime       *prometheus.HistogramVec
	activeSessions prometheus.Gauge
	commands       *prometheus.CounterVec
	deliveries     *prometheus.CounterVec
	files          *prometheus.CounterVec
	fileBytes      prometheus.Counter
}

// NewRegistry returns a registry preloaded with the Go runtime and process
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// NewPrometheus registers the relay collectors with reg.
func NewPrometheus(reg prometheus.Registerer) Metrics {
	f := promauto.With(reg)

	return &prometheusMetrics{
		accepted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_accepted_total",
				Help:      "Total accepted connections by transport",
			},
			[]string{"transport"}, // "tcp", "websocket"
		),
		closed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_closed_total",
				Help:      "Total closed connections by transport",
			},
			[]string{"transport"},
		),
		lifetime: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connection_lifetime_seconds",
				Help:      "Connection lifetime in seconds",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
			},
			[]string{"transport"},
		),
		activeSessions: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Sessions with a registered nickname",
			},
		),
		commands: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Commands handled by name and status",
			},
			[]string{"command", "status"},
		),
		deliveries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deliveries_total",
				Help:      "Event deliveries by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		files: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_total",
				Help:      "File transfers by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		fileBytes: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "file_bytes_total",
				Help:      "Decoded bytes of successfully relayed files",
			},
		),
	}
}

// Handler serves the metrics in gatherer in the Prometheus text format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (m *prometheusMetrics) ConnectionAccepted(transport string) {
	m.accepted.WithLabelValues(transport).Inc()
}

func (m *prometheusMetrics) ConnectionClosed(transport string, lifetime time.Duration) {
	m.closed.WithLabelValues(transport).Inc()
	m.lifetime.WithLabelValues(transport).Observe(lifetime.Seconds())
}

func (m *prometheusMetrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

func (m *prometheusMetrics) CommandHandled(command, status string) {
	m.commands.WithLabelValues(command, status).Inc()
}

func (m *prometheusMetrics) Delivery(kind, outcome string) {
	m.deliveries.WithLabelValues(kind, outcome).Inc()
}

func (m *prometheusMetrics) FileTransfer(mode, outcome string, bytes int64) {
	m.files.WithLabelValues(mode, outcome).Inc()
	if outcome == OutcomeOK && bytes > 0 {
		m.fileBytes.Add(float64(bytes))
	}
}
