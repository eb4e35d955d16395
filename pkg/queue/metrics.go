package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "diffused",
		Subsystem: "queue",
		Name:      "jobs_enqueued_total",
		Help:      "Jobs added to the pending queue, by type.",
	}, []string{"type"})

	jobsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "diffused",
		Subsystem: "queue",
		Name:      "jobs_completed_total",
		Help:      "Jobs that finished successfully.",
	})

	jobsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "diffused",
		Subsystem: "queue",
		Name:      "jobs_failed_total",
		Help:      "Jobs that finished with an error.",
	})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "diffused",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Pending jobs currently queued.",
	})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "diffused",
		Subsystem: "queue",
		Name:      "job_duration_seconds",
		Help:      "Wall-clock processing time per job, by type.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"type"})
)
