// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "refguard"

var (
	// Evaluation metrics
	EvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "evaluations_total",
			Help:      "Risk evaluations by path and outcome",
		},
		[]string{"path", "outcome"},
	)

	EvaluationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "evaluation_duration_seconds",
			Help:      "Risk evaluation latency",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		},
		[]string{"path"},
	)

	SignalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "signals_total",
			Help:      "Triggered detector signals by fraud type",
		},
		[]string{"type"},
	)

	DetectorErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "detector_errors_total",
			Help:      "Detector failures that aborted an evaluation",
		},
		[]string{"detector"},
	)

	// Policy metrics
	PolicyLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "policy",
			Name:      "lookups_total",
			Help:      "Fraud policy resolutions by source",
		},
		[]string{"source"},
	)

	CacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Two-phase cache lookups by tier that answered",
		},
		[]string{"tier"},
	)

	// Flag metrics
	FlagsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flags",
			Name:      "created_total",
			Help:      "Fraud flags written",
		},
		[]string{"type", "manual"},
	)

	FlagsResolvedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flags",
			Name:      "resolved_total",
			Help:      "Fraud flag resolutions",
		},
	)

	// Notification metrics
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "sent_total",
			Help:      "Admin notifications by result",
		},
		[]string{"result"},
	)

	BusDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "dropped_total",
			Help:      "Messages dropped because a subscriber buffer was full",
		},
		[]string{"topic"},
	)

	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "deliveries_total",
			Help:      "Notifications stored by the delivery worker",
		},
		[]string{"result"},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// Outcome labels an evaluation result.
func Outcome(isFraud bool, err error) string {
	switch {
	case err != nil:
		return "error"
	case isFraud:
		return "fraud"
	default:
		return "clean"
	}
}
