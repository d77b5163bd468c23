package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsProcessed counts finished jobs by kind and terminal status.
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bulk_jobs_processed_total",
		Help: "The total number of processed jobs",
	}, []string{"kind", "status"})

	// RowsProcessed counts pipeline rows by resource and outcome.
	RowsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bulk_rows_processed_total",
		Help: "The total number of rows processed by import/export pipelines",
	}, []string{"resource", "outcome"}) // outcome: successful, failed, exported

	// JobDuration observes end-to-end job processing time.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bulk_job_duration_seconds",
		Help:    "Duration of job processing.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"kind"})

	// StaleJobsReclaimed counts sweeper actions by outcome.
	StaleJobsReclaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bulk_stale_jobs_reclaimed_total",
		Help: "The total number of stale jobs reclaimed by the sweeper",
	}, []string{"kind", "action"}) // action: restarted, failed
)
