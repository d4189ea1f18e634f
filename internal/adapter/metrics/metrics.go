package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PipelineMetrics holds all Prometheus metrics for the ingestion and grouping
// pipelines.
type PipelineMetrics struct {
	LinesScanned      prometheus.Counter
	RecordsTotal      *prometheus.CounterVec
	BulkFlushSeconds  prometheus.Histogram
	RetryQueueDepth   prometheus.Gauge
	DeadLetteredTotal *prometheus.CounterVec

	GroupsScanned     prometheus.Counter
	GroupUpsertsTotal *prometheus.CounterVec
	GroupBatchSeconds prometheus.Histogram
}

// NewPipelineMetrics initializes and registers the Prometheus metrics on reg.
func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	factory := promauto.With(reg)
	return &PipelineMetrics{
		LinesScanned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "logsmith",
			Subsystem: "ingest",
			Name:      "lines_scanned_total",
			Help:      "Total number of input lines examined, including skipped ones.",
		}),
		RecordsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "logsmith",
			Subsystem: "ingest",
			Name:      "records_total",
			Help:      "Total number of records by outcome.",
		}, []string{"status"}), // status: indexed, duplicate, failed, ignored, skipped_safe
		BulkFlushSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "logsmith",
			Subsystem: "ingest",
			Name:      "bulk_flush_seconds",
			Help:      "Latency of bulk write flushes to the raw-log store.",
			Buckets:   prometheus.DefBuckets,
		}),
		RetryQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "logsmith",
			Subsystem: "ingest",
			Name:      "retry_queue_depth",
			Help:      "Current number of records parked for retry.",
		}),
		DeadLetteredTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "logsmith",
			Subsystem: "ingest",
			Name:      "dead_lettered_total",
			Help:      "Total number of records handed to the dead letter by destination.",
		}, []string{"destination"}), // destination: stream, disk
		GroupsScanned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "logsmith",
			Subsystem: "group",
			Name:      "records_scanned_total",
			Help:      "Total number of raw-log records read by the aggregator.",
		}),
		GroupUpsertsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "logsmith",
			Subsystem: "group",
			Name:      "upserts_total",
			Help:      "Total number of group delta upserts by outcome.",
		}, []string{"status"}), // status: applied, failed
		GroupBatchSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "logsmith",
			Subsystem: "group",
			Name:      "batch_flush_seconds",
			Help:      "Latency of group delta batch flushes.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}
