package updater

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mikropanel/mikropaneld/internal/backup"
)

var (
	opsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mikropanel",
		Subsystem: "updater",
		Name:      "operations_total",
		Help:      "Maintenance operations by kind and result.",
	}, []string{"kind", "result"})

	opSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mikropanel",
		Subsystem: "updater",
		Name:      "operation_duration_seconds",
		Help:      "Wall time of maintenance operations.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"kind"})

	backupCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mikropanel",
		Subsystem: "backup",
		Name:      "archives",
		Help:      "Backup archives on disk.",
	})

	backupBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mikropanel",
		Subsystem: "backup",
		Name:      "archive_bytes",
		Help:      "Total size of backup archives on disk.",
	})
)

func init() {
	prometheus.MustRegister(opsTotal, opSeconds, backupCount, backupBytes)
}

func recordOp(kind string, ok bool, started time.Time) {
	result := "ok"
	if !ok {
		result = "error"
	}
	opsTotal.WithLabelValues(kind, result).Inc()
	opSeconds.WithLabelValues(kind).Observe(time.Since(started).Seconds())
}

// ObserveBackups refreshes the backup gauges from a fresh listing.
func ObserveBackups(list []backup.Archive) {
	var total int64
	for _, a := range list {
		total += a.SizeBytes
	}
	backupCount.Set(float64(len(list)))
	backupBytes.Set(float64(total))
}
