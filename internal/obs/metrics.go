// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/joeflack4/genonaut-sub002/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_created_total",
		Help: "Total number of jobs created",
	})
	JobsDispatched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_dispatched_total",
		Help: "Total number of jobs dispatched to a worker task",
	})
	JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_completed_total",
		Help: "Total number of successfully completed jobs",
	})
	JobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_failed_total",
		Help: "Total number of failed jobs",
	})
	JobsCancelled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_cancelled_total",
		Help: "Total number of cancelled jobs",
	})
	JobsRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_retried_total",
		Help: "Total number of job retries",
	})
	JobsDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_dead_letter_total",
		Help: "Total number of jobs moved to the dead letter list",
	})
	JobProcessingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "job_processing_duration_seconds",
		Help:    "Histogram of end-to-end job processing durations",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
	QueueLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "task_queue_length",
		Help: "Current length of the Redis task queue",
	}, []string{"queue"})
	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "backend_circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	}, []string{"backend"})
	CircuitBreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "backend_circuit_breaker_trips_total",
		Help: "Count of times a backend's circuit breaker transitioned to Open",
	}, []string{"backend"})
	ReaperRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reaper_recovered_total",
		Help: "Total number of tasks recovered by the reaper from dead workers' processing lists",
	})
	WorkerActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "worker_active",
		Help: "Number of active worker goroutines",
	})
	EventBufferAppendDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "event_buffer_append_duration_seconds",
		Help:    "Latency of appends to the Redis Streams-backed event buffer",
		Buckets: prometheus.DefBuckets,
	})
	EventBufferTrimmed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "event_buffer_trimmed_total",
		Help: "Number of stream entries trimmed from an event buffer stream",
	}, []string{"stream"})
	ProgressBusSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "progress_bus_subscribers",
		Help: "Current number of active progress bus WebSocket subscribers",
	})
	ProgressBusPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "progress_bus_published_total",
		Help: "Total number of progress messages published",
	})
	AnalyticsTransferRows = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "analytics_transfer_rows_total",
		Help: "Rows moved from a stream into Postgres by the analytics transfer task",
	}, []string{"stream"})
	AnalyticsRollupDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "analytics_rollup_duration_seconds",
		Help:    "Duration of hourly analytics rollup jobs",
		Buckets: prometheus.DefBuckets,
	}, []string{"rollup"})
)

func init() {
	prometheus.MustRegister(
		JobsCreated, JobsDispatched, JobsCompleted, JobsFailed, JobsCancelled,
		JobsRetried, JobsDeadLetter, JobProcessingDuration, QueueLength,
		CircuitBreakerState, CircuitBreakerTrips, ReaperRecovered, WorkerActive,
		EventBufferAppendDuration, EventBufferTrimmed,
		ProgressBusSubscribers, ProgressBusPublished,
		AnalyticsTransferRows, AnalyticsRollupDuration,
	)
}

// StartMetricsServer exposes /metrics and returns a server for controlled shutdown.
// Retained for compatibility; StartHTTPServer also registers health endpoints.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
