package relayq

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector exports Prometheus metrics for the request lifecycle
// and reliability layers. It is safe for concurrent use. A nil collector
// is a valid no-op.
type MetricsCollector struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight prometheus.Gauge
	queueDepth       prometheus.Gauge

	retriesTotal *prometheus.CounterVec

	circuitState *prometheus.GaugeVec

	dedupeHits *prometheus.CounterVec

	errorsTotal *prometheus.CounterVec
}

// NewMetricsCollector creates a collector on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a collector using the supplied
// registerer; tests pass a private registry.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	return &MetricsCollector{
		requestsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "relayq_requests_total",
				Help: "Total number of finished requests",
			},
			[]string{"action", "outcome"},
		),
		requestDuration: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relayq_request_duration_seconds",
				Help:    "End-to-end duration of requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"action"},
		),
		requestsInFlight: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Name: "relayq_requests_in_flight",
				Help: "Number of admitted and executing requests",
			},
		),
		queueDepth: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Name: "relayq_queue_depth",
				Help: "Number of pending requests awaiting a slot",
			},
		),
		retriesTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "relayq_retries_total",
				Help: "Total number of retry attempts",
			},
			[]string{"action", "attempt"},
		),
		circuitState: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relayq_circuit_breaker_state",
				Help: "Per-action circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"action"},
		),
		dedupeHits: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "relayq_deduplication_hits_total",
				Help: "Submissions coalesced onto an in-flight request",
			},
			[]string{"action"},
		),
		errorsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "relayq_errors_total",
				Help: "Total number of errors by type",
			},
			[]string{"type", "action"},
		),
	}
}

// RecordRequest records a finished request's outcome and duration.
func (mc *MetricsCollector) RecordRequest(action string, outcome Outcome, duration time.Duration) {
	if mc == nil {
		return
	}
	mc.requestsTotal.WithLabelValues(action, string(outcome)).Inc()
	mc.requestDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordGauges samples queue depth and in-flight count.
func (mc *MetricsCollector) RecordGauges(depth, inFlight int) {
	if mc == nil {
		return
	}
	mc.queueDepth.Set(float64(depth))
	mc.requestsInFlight.Set(float64(inFlight))
}

// RecordRetry increments the retry counter for an attempt.
func (mc *MetricsCollector) RecordRetry(action string, attempt int) {
	if mc == nil {
		return
	}
	mc.retriesTotal.WithLabelValues(action, strconv.Itoa(attempt)).Inc()
}

// RecordCircuitState sets the breaker state gauge for an action.
func (mc *MetricsCollector) RecordCircuitState(action string, state CircuitState) {
	if mc == nil {
		return
	}
	mc.circuitState.WithLabelValues(action).Set(float64(state))
}

// RecordDedupeHit increments the coalesced-submission counter.
func (mc *MetricsCollector) RecordDedupeHit(action string) {
	if mc == nil {
		return
	}
	mc.dedupeHits.WithLabelValues(action).Inc()
}

// RecordError increments the error counter for a type tag.
func (mc *MetricsCollector) RecordError(errorType, action string) {
	if mc == nil {
		return
	}
	mc.errorsTotal.WithLabelValues(errorType, action).Inc()
}
