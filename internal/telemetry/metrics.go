package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts requests entering the reliability facade,
	// labeled by terminal outcome (success, error, cache_hit).
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studygate_requests_total",
			Help: "Total requests handled by the reliability facade",
		},
		[]string{"backend", "outcome"},
	)

	// RequestLatency tracks end-to-end request latency.
	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "studygate_request_latency_seconds",
			Help:    "End-to-end request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	// ErrorsTotal counts classified failures by category.
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studygate_errors_total",
			Help: "Total classified failures",
		},
		[]string{"backend", "category"},
	)

	// BreakerTransitions counts circuit breaker state transitions.
	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studygate_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"service", "from", "to"},
	)

	// RetriesTotal counts recovery retry attempts by error category.
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studygate_retries_total",
			Help: "Automatic retry attempts",
		},
		[]string{"category"},
	)

	// CacheEvents counts cache hits, misses, evictions, and expiries.
	CacheEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studygate_cache_events_total",
			Help: "Response cache events",
		},
		[]string{"event"},
	)

	// EventsDropped counts advisory lifecycle events dropped by the
	// bounded event bus under backpressure.
	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "studygate_events_dropped_total",
			Help: "Lifecycle events dropped under backpressure",
		},
	)
)
