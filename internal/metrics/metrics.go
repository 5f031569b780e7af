package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run metrics
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "histsync_runs_total",
		Help: "The total number of pipeline runs by stream and outcome",
	}, []string{"stream", "status"})

	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "histsync_run_duration_seconds",
		Help:    "Duration of a pipeline run",
		Buckets: prometheus.DefBuckets,
	}, []string{"stream"})

	RunState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "histsync_run_state",
		Help: "Current state of the pipeline runner (0=idle, 1..6 steps, 7=failed)",
	}, []string{"stream"})

	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "histsync_step_duration_seconds",
		Help:    "Duration of a pipeline step including its retries",
		Buckets: prometheus.DefBuckets,
	}, []string{"stream", "step"})

	StepRetryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "histsync_step_retry_attempts_total",
		Help: "Total number of step retries",
	}, []string{"stream", "step"})

	WatermarkTimestamp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "histsync_watermark_timestamp_seconds",
		Help: "Timestamp part of the last committed watermark",
	}, []string{"stream"})

	// Stage metrics
	RowsExtracted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "histsync_rows_extracted_total",
		Help: "The total number of candidate rows read from the source",
	}, []string{"stream"})

	RowsDeduplicated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "histsync_rows_deduplicated_total",
		Help: "The total number of duplicate candidate rows collapsed",
	}, []string{"stream"})

	RowsQuarantined = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "histsync_rows_quarantined_total",
		Help: "The total number of candidate rows quarantined",
	}, []string{"stream"})

	HistoryTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "histsync_history_transitions_total",
		Help: "History engine outcomes per change (inserted, superseded, unchanged, stale)",
	}, []string{"stream", "outcome"})

	AttributesUpserted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "histsync_attributes_upserted_total",
		Help: "The total number of current attribute rows upserted",
	}, []string{"stream"})

	WindowRows = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "histsync_window_rows",
		Help: "Rows written to the hot window by the last materialization",
	}, []string{"stream", "strategy"})

	// ClickHouse client metrics
	CHConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "histsync_clickhouse_connection_status",
		Help: "Status of the ClickHouse connection (1=connected, 0=disconnected)",
	})

	CHQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "histsync_clickhouse_query_duration_seconds",
		Help:    "Duration of ClickHouse queries",
		Buckets: prometheus.DefBuckets,
	}, []string{"query_type"})

	CHRetryAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "histsync_clickhouse_retry_attempts_total",
		Help: "Total number of retry attempts for ClickHouse operations",
	})

	CHRetrySuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "histsync_clickhouse_retry_success_total",
		Help: "Total number of successful retries for ClickHouse operations",
	})
)
