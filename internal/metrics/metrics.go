package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	VerificationRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skiverify_verification_runs_total",
			Help: "Total verification runs by outcome",
		},
		[]string{"status"},
	)

	VerificationRows = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "skiverify_verification_rows_total",
			Help: "Total forecast/observation comparisons produced",
		},
	)

	VerificationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "skiverify_verification_duration_seconds",
			Help:    "Time to load, verify and archive one forecast",
			Buckets: prometheus.DefBuckets,
		},
	)

	RecordsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skiverify_records_skipped_total",
			Help: "Record files rejected at load time",
		},
		[]string{"kind"},
	)

	CollectorCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skiverify_collector_calls_total",
			Help: "Total upstream fetches by collectors",
		},
		[]string{"source", "status"},
	)

	CollectorLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "skiverify_collector_latency_seconds",
			Help:    "Upstream fetch latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	ObservationsAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skiverify_observations_appended_total",
			Help: "Observation entries appended to area files",
		},
		[]string{"area", "source"},
	)
)
