package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application. Following
// the explicit dependency injection pattern, this struct is passed to all
// components that need to record metrics.
type Metrics struct {
	// Decode pipeline metrics
	decodeDuration        *prometheus.HistogramVec
	eventsDecodedTotal    *prometheus.CounterVec
	decodeFailuresTotal   *prometheus.CounterVec
	atomicEventsPerTx     prometheus.Histogram
	enricherFailuresTotal *prometheus.CounterVec

	// Solana RPC metrics
	solanaRPCCallsTotal   *prometheus.CounterVec
	solanaRPCCallDuration *prometheus.HistogramVec
	solanaRPCRetries      *prometheus.CounterVec

	// Database metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP metrics
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec

	// NATS metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		decodeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "decode_duration_seconds",
				Help:    "Duration of full decode pipeline runs in seconds",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"outcome"},
		),
		eventsDecodedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_decoded_total",
				Help: "Total number of semantic events decoded by event type",
			},
			[]string{"event_type"},
		),
		decodeFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "decode_failures_total",
				Help: "Total number of decode pipeline failures by reason",
			},
			[]string{"reason"},
		),
		atomicEventsPerTx: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "atomic_events_per_transaction",
				Help:    "Number of atomic balance-change events per transaction",
				Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64},
			},
		),
		enricherFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enricher_failures_total",
				Help: "Total number of enricher failures captured into event metadata",
			},
			[]string{"enricher"},
		),

		solanaRPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_calls_total",
				Help: "Total number of Solana RPC calls by method and status",
			},
			[]string{"method", "status"},
		),
		solanaRPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_call_duration_seconds",
				Help:    "Duration of Solana RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method"},
		),
		solanaRPCRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_retries_total",
				Help: "Total number of Solana RPC retry attempts",
			},
			[]string{"method", "reason"},
		),

		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations by operation and status",
			},
			[]string{"operation", "status"},
		),

		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
			},
			[]string{"handler", "method"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by handler, method and status code",
			},
			[]string{"handler", "method", "status"},
		),

		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of messages published to NATS by subject and status",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"subject"},
		),
	}
}

// RecordDecode records one decode pipeline run.
func (m *Metrics) RecordDecode(outcome string, duration float64) {
	m.decodeDuration.WithLabelValues(outcome).Observe(duration)
}

// RecordEventDecoded counts a decoded semantic event by type.
func (m *Metrics) RecordEventDecoded(eventType string) {
	m.eventsDecodedTotal.WithLabelValues(eventType).Inc()
}

// RecordDecodeFailure counts a decode failure by reason.
func (m *Metrics) RecordDecodeFailure(reason string) {
	m.decodeFailuresTotal.WithLabelValues(reason).Inc()
}

// RecordAtomicEvents observes the atomic event count for one transaction.
func (m *Metrics) RecordAtomicEvents(count int) {
	m.atomicEventsPerTx.Observe(float64(count))
}

// RecordEnricherFailure counts a captured enricher failure.
func (m *Metrics) RecordEnricherFailure(enricher string) {
	m.enricherFailuresTotal.WithLabelValues(enricher).Inc()
}

// RecordRPCCall records a Solana RPC call with its duration.
func (m *Metrics) RecordRPCCall(method, status string, duration float64) {
	m.solanaRPCCallsTotal.WithLabelValues(method, status).Inc()
	m.solanaRPCCallDuration.WithLabelValues(method).Observe(duration)
}

// RecordRPCRetry counts an RPC retry attempt.
func (m *Metrics) RecordRPCRetry(method, reason string) {
	m.solanaRPCRetries.WithLabelValues(method, reason).Inc()
}

// RecordDBQuery records a database operation with its duration.
func (m *Metrics) RecordDBQuery(operation, status string, duration float64) {
	m.dbQueryDuration.WithLabelValues(operation).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	m.httpRequestDuration.WithLabelValues(handler, method).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, statusText(statusCode)).Inc()
}

// RecordNATSPublish records a publish attempt.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

// statusText buckets status codes into their class ("2xx", "4xx", ...)
// to keep label cardinality low.
func statusText(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}
