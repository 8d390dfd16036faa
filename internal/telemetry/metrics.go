// Package telemetry holds the Prometheus metrics and the health snapshot
// surfaced by the status endpoints.
package telemetry

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus instruments for the indexer.
type Metrics struct {
	// RPC metrics
	RPCFailures *prometheus.CounterVec
	RPCSwitches *prometheus.CounterVec

	// Ingestion metrics
	IngestionLag  *prometheus.GaugeVec
	BatchDuration *prometheus.HistogramVec
	BatchSize     *prometheus.HistogramVec

	// Queue / job metrics
	JobResults  *prometheus.CounterVec
	JobRetries  *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec
	QueueDepth  *prometheus.GaugeVec
	LastSuccess *prometheus.GaugeVec

	// Notification metrics
	NotificationsDispatched *prometheus.CounterVec
}

// NewMetrics creates and registers all instruments on the given registerer.
// Pass prometheus.DefaultRegisterer in main, a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RPCFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_rpc_failures_total",
				Help: "RPC call failures by chain and reason",
			},
			[]string{"chain_id", "reason"},
		),

		RPCSwitches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_rpc_switch_total",
				Help: "Endpoint failovers by chain",
			},
			[]string{"chain_id", "from", "to"},
		),

		IngestionLag: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "indexer_ingestion_lag_blocks",
				Help: "Blocks between chain head and the stream cursor",
			},
			[]string{"contest_id", "chain_id"},
		),

		BatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "indexer_ingestion_batch_duration_ms",
				Help:    "Duration of one ingestion tick in milliseconds",
				Buckets: []float64{100, 200, 400, 800, 1600, 3200, 6400, 12800, 16000},
			},
			[]string{"chain_id"},
		),

		BatchSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "indexer_ingestion_batch_size",
				Help:    "Events per ingestion batch",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 200, 400},
			},
			[]string{"chain_id"},
		),

		JobResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_jobs_total",
				Help: "Job outcomes by queue",
			},
			[]string{"queue", "outcome"}, // outcome: success, failure, skipped, deferred
		),

		JobRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_job_retries_total",
				Help: "Job retries by queue and reason",
			},
			[]string{"queue", "reason"},
		),

		JobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "indexer_job_duration_seconds",
				Help:    "Handler duration per queue",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"queue"},
		),

		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "indexer_queue_depth",
				Help: "Jobs per queue and state",
			},
			[]string{"queue", "state"}, // state: pending, delayed, failed
		),

		LastSuccess: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "indexer_queue_last_success_timestamp",
				Help: "Unix time of the last successful job per queue",
			},
			[]string{"queue"},
		),

		NotificationsDispatched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexer_notifications_dispatched_total",
				Help: "Notifications dispatched by channel and outcome",
			},
			[]string{"channel", "outcome"},
		),
	}
}

// RPCFailure implements rpcpool.Recorder.
func (m *Metrics) RPCFailure(chainID uint64, reason string) {
	m.RPCFailures.WithLabelValues(chainLabel(chainID), reason).Inc()
}

// RPCSwitch implements rpcpool.Recorder.
func (m *Metrics) RPCSwitch(chainID uint64, from, to string) {
	m.RPCSwitches.WithLabelValues(chainLabel(chainID), from, to).Inc()
}

// ObserveBatch records one ingestion tick.
func (m *Metrics) ObserveBatch(chainID uint64, size int, elapsed time.Duration) {
	label := chainLabel(chainID)
	m.BatchDuration.WithLabelValues(label).Observe(float64(elapsed.Milliseconds()))
	m.BatchSize.WithLabelValues(label).Observe(float64(size))
}

// SetLag sets the ingestion lag gauge for a stream.
func (m *Metrics) SetLag(contestID string, chainID uint64, lagBlocks uint64) {
	m.IngestionLag.WithLabelValues(contestID, chainLabel(chainID)).Set(float64(lagBlocks))
}

// RecordJob records a job outcome and duration.
func (m *Metrics) RecordJob(queue, outcome string, elapsed time.Duration) {
	m.JobResults.WithLabelValues(queue, outcome).Inc()
	m.JobDuration.WithLabelValues(queue).Observe(elapsed.Seconds())
	if outcome == "success" {
		m.LastSuccess.WithLabelValues(queue).SetToCurrentTime()
	}
}

// RecordRetry records a job retry.
func (m *Metrics) RecordRetry(queue, reason string) {
	m.JobRetries.WithLabelValues(queue, reason).Inc()
}

func chainLabel(chainID uint64) string {
	return strconv.FormatUint(chainID, 10)
}
