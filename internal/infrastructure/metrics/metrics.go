// Package metrics exposes Prometheus instrumentation for the event bus and
// task scheduler. Collectors are registered with the default registry via
// promauto; the serving surface (if any) is wired elsewhere.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hearth_events_published_total",
		Help: "Total number of publish calls on the event bus.",
	})

	HandlerTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hearth_handler_timeouts_total",
		Help: "Total number of handler invocations abandoned at the dispatch timeout, labelled by event type.",
	}, []string{"event_type"})

	HandlerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hearth_handler_errors_total",
		Help: "Total number of handler invocations that returned an error or panicked, labelled by event type.",
	}, []string{"event_type"})

	HandlerDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hearth_handler_duration_ms",
		Help:    "Per-handler dispatch latency in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	})

	TaskFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hearth_task_failures_total",
		Help: "Total number of scheduled task runs that failed, labelled by task ID.",
	}, []string{"task_id"})

	CacheWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hearth_cache_writes_total",
		Help: "Total number of successful versioned cache writes, labelled by category.",
	}, []string{"category"})
)
