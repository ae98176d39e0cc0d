// Package metrics provides Prometheus metrics for the conductor service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal counts total runs by final status.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "orchestrator",
			Name:      "runs_total",
			Help:      "Total number of runs by final status",
		},
		[]string{"status"}, // "succeeded", "failed"
	)

	// RunsActive tracks currently active runs.
	RunsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "conductor",
			Subsystem: "orchestrator",
			Name:      "runs_active",
			Help:      "Number of currently running runs",
		},
	)

	// RunDuration tracks run execution duration.
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "conductor",
			Subsystem: "orchestrator",
			Name:      "run_duration_seconds",
			Help:      "Run execution duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"status"},
	)

	// NodesTotal counts node attempts by outcome.
	NodesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "orchestrator",
			Name:      "nodes_total",
			Help:      "Total number of node attempts by outcome",
		},
		[]string{"status"}, // "succeeded", "failed", "retried"
	)

	// NodeDuration tracks node attempt duration.
	NodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "conductor",
			Subsystem: "orchestrator",
			Name:      "node_duration_seconds",
			Help:      "Node attempt duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	// NodeRetries tracks attempts used per node by final status.
	NodeRetries = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "conductor",
			Subsystem: "orchestrator",
			Name:      "node_retries",
			Help:      "Number of attempts used per node",
			Buckets:   []float64{0, 1, 2, 3, 4, 5},
		},
		[]string{"final_status"},
	)

	// EventsTotal counts events appended by type.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "orchestrator",
			Name:      "events_total",
			Help:      "Total number of events appended",
		},
		[]string{"type"},
	)

	// SubscribersDropped counts subscribers dropped for falling behind.
	SubscribersDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "orchestrator",
			Name:      "subscribers_dropped_total",
			Help:      "Subscribers dropped because their queue overflowed",
		},
	)

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "orchestrator",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "conductor",
			Subsystem: "orchestrator",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SSEActiveConnections tracks open SSE streams.
	SSEActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "conductor",
			Subsystem: "orchestrator",
			Name:      "sse_active_connections",
			Help:      "Number of open SSE connections",
		},
	)

	// SSEConnectionDuration tracks SSE connection lifetime.
	SSEConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "conductor",
			Subsystem: "orchestrator",
			Name:      "sse_connection_duration_seconds",
			Help:      "SSE connection duration in seconds",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600},
		},
	)
)
