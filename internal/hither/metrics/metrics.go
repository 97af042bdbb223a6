package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const MetricPrefix = "hither_"

type CacheOutcome string

const (
	CacheHit            CacheOutcome = "hit"
	CacheMiss           CacheOutcome = "miss"
	CacheIgnoredFailure CacheOutcome = "ignored_failure"
	CacheUnresolvable   CacheOutcome = "unresolvable"
	CacheStored         CacheOutcome = "stored"
)

// Handler labels.
const (
	HandlerInline   = "inline"
	HandlerParallel = "parallel"
	HandlerBatch    = "batch"
	// Jobs failed by the scheduler because an input was never produced. No handler sees them.
	UpstreamFailure = "upstream"
)

var jobsDeclared = promauto.NewCounter(prometheus.CounterOpts{
	Name: MetricPrefix + "jobs_declared_total",
	Help: "Number of jobs declared",
})

var cacheOperations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: MetricPrefix + "cache_operations_total",
	Help: "Number of result cache operations grouped by outcome",
}, []string{"outcome"})

var jobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: MetricPrefix + "jobs_completed_total",
	Help: "Number of jobs that finished or failed grouped by handler and status",
}, []string{"handler", "status"})

var runningProcesses = promauto.NewGauge(prometheus.GaugeOpts{
	Name: MetricPrefix + "parallel_running_processes",
	Help: "Number of parallel handler child processes currently running",
})

var liveBatches = promauto.NewGauge(prometheus.GaugeOpts{
	Name: MetricPrefix + "batch_live_batches",
	Help: "Number of batches that have been started and not yet finished",
})

var tickLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    MetricPrefix + "scheduler_tick_latency_seconds",
	Help:    "Scheduler loop tick latency in seconds",
	Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
})

func RecordJobDeclared() {
	jobsDeclared.Inc()
}

func RecordCacheOperation(outcome CacheOutcome) {
	cacheOperations.With(map[string]string{"outcome": string(outcome)}).Inc()
}

func RecordJobCompleted(handler string, status string) {
	jobsCompleted.With(map[string]string{"handler": handler, "status": status}).Inc()
}

func AddRunningProcesses(delta float64) {
	runningProcesses.Add(delta)
}

func AddLiveBatches(delta float64) {
	liveBatches.Add(delta)
}

func ObserveTick(seconds float64) {
	tickLatency.Observe(seconds)
}
