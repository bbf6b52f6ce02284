// Package metrics defines the Prometheus collectors exported on the admin
// listener.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Gateway request metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracdap_gateway_requests_total",
			Help: "Total requests by route, protocol and status",
		},
		[]string{"route", "protocol", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tracdap_gateway_request_duration_seconds",
			Help:    "End-to-end request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "protocol"},
	)

	ActiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tracdap_gateway_active_connections",
			Help: "Open inbound connections by negotiated protocol",
		},
		[]string{"protocol"},
	)

	// Backend channel metrics
	BackendChannelOpens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracdap_gateway_backend_channel_opens_total",
			Help: "Backend channels opened by route",
		},
		[]string{"route"},
	)

	BackendChannelEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracdap_gateway_backend_channel_evictions_total",
			Help: "Backend channels evicted after channel-level failure",
		},
		[]string{"route"},
	)

	// Job cache metrics
	CacheOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracdap_cache_operations_total",
			Help: "Job cache operations by operation and outcome",
		},
		[]string{"cache", "operation", "outcome"},
	)

	CacheTicketsExpired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracdap_cache_tickets_expired_total",
			Help: "Expired tickets swept at ticket-open time",
		},
		[]string{"cache"},
	)

	// Batch executor metrics
	BatchesStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tracdap_executor_batches_started_total",
			Help: "Batch child processes started",
		},
	)

	BatchesCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracdap_executor_batches_completed_total",
			Help: "Batches reaching a terminal status",
		},
		[]string{"status"},
	)
)

// Register registers all collectors with the default registry. Call once at
// startup.
func Register() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		ActiveConnections,
		BackendChannelOpens,
		BackendChannelEvictions,
		CacheOperations,
		CacheTicketsExpired,
		BatchesStarted,
		BatchesCompleted,
	)
}

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
