package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BreakerState is 0 closed, 1 half-open, 2 open.
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aqi_circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	BreakerEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aqi_circuit_breaker_events_total",
			Help: "Circuit breaker call outcomes",
		},
		[]string{"name", "event"}, // fire, success, failure, reject, timeout, fallback
	)

	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aqi_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aqi_jobs_processed_total",
			Help: "Queue jobs by final outcome",
		},
		[]string{"queue", "outcome"}, // completed, retried, failed
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aqi_job_duration_seconds",
			Help:    "Queue job handler duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	MeasurementsFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aqi_measurements_fetched_total",
			Help: "Measurements returned by source adapters",
		},
		[]string{"source"},
	)

	MeasurementsInserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aqi_measurements_inserted_total",
			Help: "New measurements persisted after deduplication",
		},
		[]string{"source"},
	)

	RecordsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aqi_records_dropped_total",
			Help: "Malformed provider records skipped during normalization",
		},
		[]string{"source"},
	)

	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aqi_cache_requests_total",
			Help: "Time-series cache reads by result",
		},
		[]string{"result"}, // hit, refresh, fallback
	)

	AggregationErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aqi_aggregation_errors_total",
			Help: "Station/variable pairs that failed during an aggregation run",
		},
	)
)
