// Package metrics registers the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "placement_transitions_total",
			Help: "Workflow actions by outcome (applied, noop, or the error kind)",
		},
		[]string{"action", "outcome"},
	)

	StatusChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "placement_status_changes_total",
			Help: "Committed status changes by target status",
		},
		[]string{"to"},
	)

	TransitionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "placement_transition_duration_seconds",
			Help:    "Time spent inside the locked transition",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	DispatchJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_jobs_total",
			Help: "Side-effect jobs by kind and result (delivered, retried, dead)",
		},
		[]string{"kind", "result"},
	)

	DispatchQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_queue_depth",
			Help: "Jobs waiting in the dispatch queue",
		},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by route and status code",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)
