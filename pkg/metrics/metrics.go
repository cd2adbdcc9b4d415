// Package metrics registers the Prometheus collectors for benchmark runs and
// offload dispatches. Collectors live in the default registry, so serving
// promhttp.Handler exposes them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DispatchDuration is the round-trip latency of offload dispatches by operation.
	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pocket_offload_dispatch_duration_seconds",
			Help:    "Round-trip latency of offload dispatches.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 20),
		},
		[]string{"op"},
	)

	// DispatchErrors counts failed dispatches by operation and error kind
	// (timeout, transport, remote, closed, canceled).
	DispatchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pocket_offload_dispatch_errors_total",
			Help: "Failed offload dispatches by error kind.",
		},
		[]string{"op", "kind"},
	)

	// LateResponses counts responses that arrived after their dispatch gave up.
	LateResponses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pocket_offload_late_responses_total",
			Help: "Responses discarded because no dispatch was waiting for them.",
		},
	)

	// Iterations counts benchmark iterations by counter set and outcome (ok, failed).
	Iterations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pocket_bench_iterations_total",
			Help: "Benchmark iterations by counter set and outcome.",
		},
		[]string{"counter_set", "outcome"},
	)

	// IterationDuration is the wall-clock time of one measured workload call.
	IterationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pocket_bench_iteration_duration_seconds",
			Help:    "Wall-clock duration of one measured workload call.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 22),
		},
		[]string{"counter_set"},
	)

	// SinkLines counts sample lines appended to result logs.
	SinkLines = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pocket_sink_lines_total",
			Help: "Sample lines appended to result logs.",
		},
		[]string{"counter_set"},
	)

	// WorkerRequests counts requests served by a worker by operation and status.
	WorkerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pocket_worker_requests_total",
			Help: "Requests handled by the worker by operation and status.",
		},
		[]string{"op", "status"},
	)
)
