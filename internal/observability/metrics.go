package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlbridge_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sqlbridge_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	queryRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlbridge_query_requests_total",
			Help: "Natural-language query requests by outcome (ok or a fault kind).",
		},
		[]string{"dialect", "outcome"},
	)

	generationDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sqlbridge_generation_duration_seconds",
			Help:    "Latency of candidate SQL generation, re-prompt included.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30},
		},
	)

	validationRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlbridge_validation_rejections_total",
			Help: "Candidate statements rejected by the validator.",
		},
		[]string{"reason"},
	)

	resultRows = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sqlbridge_result_rows",
			Help:    "Row counts of executed result sets.",
			Buckets: []float64{1, 10, 50, 100, 250, 500, 1000},
		},
	)

	snapshotRefreshesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlbridge_schema_snapshot_refreshes_total",
			Help: "Schema snapshots fetched from the catalog (cache misses).",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDurationSeconds,
		queryRequestsTotal,
		generationDurationSeconds,
		validationRejectionsTotal,
		resultRows,
		snapshotRefreshesTotal,
	)
}

func ObserveQueryRequest(dialect, outcome string) {
	queryRequestsTotal.WithLabelValues(dialect, outcome).Inc()
}

func ObserveGenerationDuration(d time.Duration) {
	generationDurationSeconds.Observe(d.Seconds())
}

func IncrementValidationRejection(reason string) {
	validationRejectionsTotal.WithLabelValues(reason).Inc()
}

func ObserveResultRows(count int) {
	resultRows.Observe(float64(count))
}

func IncrementSnapshotRefresh() {
	snapshotRefreshesTotal.Inc()
}
