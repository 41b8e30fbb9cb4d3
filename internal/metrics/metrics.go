// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gam_jobs_enqueued_total",
			Help: "Jobs enqueued per queue",
		},
		[]string{"queue"},
	)

	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gam_jobs_processed_total",
			Help: "Job deliveries settled per queue by result",
		},
		[]string{"queue", "result"}, // completed, failed, cancelled, dropped
	)

	JobsRetried = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gam_jobs_retried_total",
			Help: "Job deliveries nacked back onto the queue",
		},
		[]string{"queue"},
	)

	RateLimitDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gam_rate_limit_denials_total",
			Help: "Admissions denied per limiter",
		},
		[]string{"limiter"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gam_queue_depth",
			Help: "Waiting jobs per queue",
		},
		[]string{"queue"},
	)

	GenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gam_generation_duration_seconds",
			Help:    "Wall time of provider generation calls",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		},
		[]string{"queue"},
	)
)
