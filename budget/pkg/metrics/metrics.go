package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WarehouseQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mido_budget_warehouse_queries_total",
			Help: "Total number of warehouse operations",
		},
		[]string{"operation", "status"},
	)

	WarehouseQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mido_budget_warehouse_query_duration_seconds",
			Help:    "Duration of warehouse operations in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~41s
		},
		[]string{"operation"},
	)

	DatasetLoadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mido_budget_dataset_loads_total",
			Help: "Total number of dataset loads by cache result",
		},
		[]string{"dataset", "result"}, // "hit", "miss", "error"
	)

	DatasetLoadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mido_budget_dataset_load_duration_seconds",
			Help:    "Duration of uncached dataset loads (fetch and normalize)",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"dataset"},
	)

	DatasetRows = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mido_budget_dataset_rows",
			Help: "Row count of the most recently loaded dataset",
		},
		[]string{"dataset"},
	)

	DatasetWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mido_budget_dataset_writes_total",
			Help: "Total number of dataset writes",
		},
		[]string{"dataset", "kind", "status"}, // kind: "upload", "edit"
	)

	AuditRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mido_budget_audit_records_total",
			Help: "Total number of audit records",
		},
		[]string{"status"},
	)

	AuditDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mido_budget_audit_dropped_total",
			Help: "Total number of audit records dropped before reaching the sink",
		},
	)
)

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordWarehouseQuery records metrics for a warehouse operation.
func RecordWarehouseQuery(operation string, duration time.Duration, err error) {
	WarehouseQueriesTotal.WithLabelValues(operation, status(err)).Inc()
	WarehouseQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func RecordDatasetLoad(dataset, result string) {
	DatasetLoadsTotal.WithLabelValues(dataset, result).Inc()
}

func RecordDatasetFetch(dataset string, duration time.Duration, rows int) {
	DatasetLoadDuration.WithLabelValues(dataset).Observe(duration.Seconds())
	DatasetRows.WithLabelValues(dataset).Set(float64(rows))
}

func RecordDatasetWrite(dataset, kind string, err error) {
	DatasetWritesTotal.WithLabelValues(dataset, kind, status(err)).Inc()
}

func RecordAudit(err error) {
	AuditRecordsTotal.WithLabelValues(status(err)).Inc()
}

func RecordAuditDropped() {
	AuditDroppedTotal.Inc()
}
