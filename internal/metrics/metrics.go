package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carechat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "carechat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	// Gateway metrics
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "carechat_active_sessions",
			Help: "Live websocket sessions",
		},
	)

	Handshakes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carechat_handshakes_total",
			Help: "Websocket handshakes by outcome",
		},
		[]string{"outcome"},
	)

	// Chat metrics
	MessagesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carechat_messages_ingested_total",
			Help: "Submitted messages by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	IngestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "carechat_ingest_duration_seconds",
			Help:    "Time from submit to broadcast",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25},
		},
	)

	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carechat_deliveries_total",
			Help: "Events queued to sessions",
		},
		[]string{"event"},
	)

	DroppedDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carechat_dropped_deliveries_total",
			Help: "Events dropped because a session was closed or too slow",
		},
		[]string{"reason"},
	)

	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carechat_rate_limited_events_total",
			Help: "Inbound events rejected by the per-session limiter",
		},
		[]string{"event"},
	)
)
