package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

// serverMetrics are registered on a private registry so several servers
// can live in one process.
type serverMetrics struct {
	registry *prometheus.Registry

	httpRequestsTotal      *prometheus.CounterVec
	httpRequestDuration    *prometheus.HistogramVec
	rateLimitHits          prometheus.Counter
	uploadSizeBytes        prometheus.Histogram
	websocketConnections   prometheus.Gauge
	websocketMessagesTotal *prometheus.CounterVec
	activeRuns             prometheus.Gauge
}

func newServerMetrics() *serverMetrics {
	m := &serverMetrics{
		registry: prometheus.NewRegistry(),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "folio_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "folio_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		rateLimitHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "folio_rate_limit_hits_total",
			Help: "Total number of rejected submissions",
		}),
		uploadSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "folio_upload_size_bytes",
			Help:    "Size of uploaded documents in bytes",
			Buckets: []float64{100 * 1024, 1024 * 1024, 10 * 1024 * 1024, 50 * 1024 * 1024, 100 * 1024 * 1024},
		}),
		websocketConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "folio_websocket_active_connections",
			Help: "Number of open run event streams",
		}),
		websocketMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "folio_websocket_messages_total",
				Help: "Total number of websocket messages",
			},
			[]string{"direction"},
		),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "folio_runs_active",
			Help: "Number of runs currently processing",
		}),
	}

	m.registry.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.rateLimitHits,
		m.uploadSizeBytes,
		m.websocketConnections,
		m.websocketMessagesTotal,
		m.activeRuns,
	)
	return m
}
