package translate

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
)

var (
	// Translation request metrics
	translationRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jsonrelay_translation_requests_total",
			Help: "Total number of outbound translation requests",
		},
		[]string{"engine", "status"},
	)

	translationRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jsonrelay_translation_request_duration_seconds",
			Help:    "Duration of outbound translation requests in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
		},
		[]string{"engine", "status"},
	)

	translationRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jsonrelay_translation_request_size_bytes",
			Help:    "Size of translation request text in bytes",
			Buckets: []float64{100, 500, 1000, 5000, 10000, 50000, 100000},
		},
		[]string{"engine"},
	)

	translationResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jsonrelay_translation_response_size_bytes",
			Help:    "Size of translation response text in bytes",
			Buckets: []float64{100, 500, 1000, 5000, 10000, 50000, 100000},
		},
		[]string{"engine"},
	)

	// Socket worker metrics
	workerQueueWaitTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jsonrelay_worker_queue_wait_seconds",
			Help:    "Time spent waiting for a free worker connection slot",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1.0, 2.0, 5.0},
		},
		[]string{"engine"},
	)

	socketConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jsonrelay_socket_connections_total",
			Help: "Total number of Unix socket connections to workers",
		},
		[]string{"engine", "status"},
	)

	socketConnectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jsonrelay_socket_connection_duration_seconds",
			Help:    "Time to establish a worker socket connection in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1.0},
		},
		[]string{"engine"},
	)

	// Guard metrics
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jsonrelay_circuit_breaker_state",
			Help: "Circuit breaker state per engine (0 closed, 1 half-open, 2 open)",
		},
		[]string{"engine"},
	)

	rateLimitWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jsonrelay_rate_limit_wait_seconds",
			Help:    "Time spent waiting on the outbound rate limiter",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1.0, 5.0},
		},
		[]string{"engine"},
	)

	transportRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jsonrelay_transport_retries_total",
			Help: "Total number of retried transport failures",
		},
		[]string{"engine"},
	)
)

// AdapterMetrics records request metrics for one engine.
type AdapterMetrics struct {
	engine string
}

// NewAdapterMetrics creates a recorder labelled with engine.
func NewAdapterMetrics(engine string) *AdapterMetrics {
	return &AdapterMetrics{engine: engine}
}

// Record records metrics for a translation request.
func (m *AdapterMetrics) Record(duration time.Duration, success bool, requestSize, responseSize int) {
	status := "success"
	if !success {
		status = "error"
	}

	translationRequestsTotal.WithLabelValues(m.engine, status).Inc()
	translationRequestDuration.WithLabelValues(m.engine, status).Observe(duration.Seconds())
	translationRequestSize.WithLabelValues(m.engine).Observe(float64(requestSize))
	if success {
		translationResponseSize.WithLabelValues(m.engine).Observe(float64(responseSize))
	}
}

// RecordQueueWait records time spent waiting for a worker slot.
func (m *AdapterMetrics) RecordQueueWait(duration time.Duration) {
	workerQueueWaitTime.WithLabelValues(m.engine).Observe(duration.Seconds())
}

// RecordConnection records socket connection metrics.
func (m *AdapterMetrics) RecordConnection(duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	socketConnectionsTotal.WithLabelValues(m.engine, status).Inc()
	socketConnectionDuration.WithLabelValues(m.engine).Observe(duration.Seconds())
}

func (m *AdapterMetrics) setBreakerState(s gobreaker.State) {
	breakerState.WithLabelValues(m.engine).Set(float64(s))
}

func (m *AdapterMetrics) recordRateWait(d time.Duration) {
	rateLimitWait.WithLabelValues(m.engine).Observe(d.Seconds())
}

func (m *AdapterMetrics) recordRetry() {
	transportRetriesTotal.WithLabelValues(m.engine).Inc()
}
