// Package metrics holds the prometheus instrumentation for the Loom runtime.
//
// Collectors are registered on the default registry; embedding applications
// that serve /metrics get runtime visibility for free, everyone else pays an
// atomic increment.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ParallelJobsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loom_parallel_jobs_total",
		Help: "Parallel-for jobs submitted to the thread pool",
	})

	ParallelTasksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loom_parallel_tasks_total",
		Help: "Sub-ranges dispatched to pool workers",
	})

	ParallelFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loom_parallel_failures_total",
		Help: "Parallel-for jobs that completed with a non-zero result",
	})

	CacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loom_memoization_hits_total",
		Help: "Memoization cache lookups answered from the cache",
	})

	CacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loom_memoization_misses_total",
		Help: "Memoization cache lookups that required recomputation",
	})

	CacheEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loom_memoization_evictions_total",
		Help: "Entries evicted from the memoization cache",
	})

	CacheResidentBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "loom_memoization_resident_bytes",
		Help: "Bytes currently held by the memoization cache",
	})

	TraceEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loom_trace_events_total",
		Help: "Execution-trace events emitted",
	})
)
