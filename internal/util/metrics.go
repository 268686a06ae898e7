package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectorRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "connector_requests_total",
		Help: "Total number of outbound platform API requests",
	}, []string{"platform", "status"})

	ConnectorRequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "connector_request_latency_seconds",
		Help:    "Latency of outbound platform API requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"platform"})

	ConnectorRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "connector_retries_total",
		Help: "Total number of retried platform API requests",
	}, []string{"platform", "reason"})

	TokenRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "connector_token_refreshes_total",
		Help: "Total number of access token refreshes",
	}, []string{"platform", "result"})

	RecordsFetchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestion_records_fetched_total",
		Help: "Total number of platform records fetched",
	}, []string{"platform", "data_type"})

	RecordsStagedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestion_records_staged_total",
		Help: "Total number of records written to staging",
	}, []string{"platform", "data_type"})

	StagingBatchFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestion_staging_batch_failures_total",
		Help: "Total number of staging batches that failed to write",
	}, []string{"platform"})

	IngestionRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestion_runs_total",
		Help: "Total number of ingestion runs by outcome",
	}, []string{"platform", "status"})

	TransformRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "etl_records_total",
		Help: "Total number of staged records transformed by outcome",
	}, []string{"platform", "outcome"})

	TransformBatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "etl_batch_latency_seconds",
		Help:    "Latency of one transform batch",
		Buckets: prometheus.DefBuckets,
	})

	MetricsRollupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "metrics_rollups_total",
		Help: "Total number of daily rollup calculations",
	}, []string{"result"})

	SchedulerJobRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_job_runs_total",
		Help: "Total number of scheduled job runs",
	}, []string{"job", "result"})

	SchedulerJobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scheduler_job_duration_seconds",
		Help:    "Duration of scheduled job runs",
		Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
	}, []string{"job"})

	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "events_published_total",
		Help: "Total number of events written to Kafka",
	}, []string{"topic", "result"})

	EventsConsumedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "events_consumed_total",
		Help: "Total number of events handled from Kafka",
	}, []string{"topic", "result"})

	WorkerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "worker_queue_depth",
		Help: "Number of tasks waiting in the worker pool",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
