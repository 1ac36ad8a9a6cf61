package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	RequestsEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rest_sync_requests_enqueued_total",
		Help: "Total number of requests persisted to the durable queue",
	})
	RequestsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rest_sync_requests_total",
		Help: "Total number of requests attempted during replay, labeled by outcome",
	}, []string{"outcome"})
	RequestsRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rest_sync_retries_total",
		Help: "Total number of transient-failure retries scheduled",
	})
	SyncDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rest_sync_sync_duration_seconds",
		Help:    "Duration of a single drain (sync:start to sync:end)",
		Buckets: prometheus.DefBuckets,
	})
	QueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rest_sync_queue_size",
		Help: "Current number of pending entries in the durable queue",
	})
	CircuitBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rest_sync_circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	})
	CircuitBreakerTrips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rest_sync_circuit_breaker_trips_total",
		Help: "Count of times the sync engine's circuit breaker transitioned to Open",
	})
)

func init() {
	prometheus.MustRegister(
		RequestsEnqueued,
		RequestsSent,
		RequestsRetried,
		SyncDuration,
		QueueSize,
		CircuitBreakerState,
		CircuitBreakerTrips,
	)
}
