package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "vigilant"

var (
	// CyclesTotal counts collection cycles by server and outcome (success, failed, backoff, skipped)
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "cycles_total",
			Help:      "Total number of collection cycles",
		},
		[]string{"server", "outcome"},
	)

	CycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "cycle_duration_seconds",
			Help:      "Time taken by a collection cycle",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"server"},
	)

	BackoffDelay = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "backoff_delay_seconds",
			Help:      "Current backoff delay per server, 0 when not backing off",
		},
		[]string{"server"},
	)

	LastSuccess = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful cycle per server",
		},
		[]string{"server"},
	)

	FetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "fetch_errors_total",
			Help:      "Total number of remote fetch errors by kind",
		},
		[]string{"server", "kind"},
	)

	LinesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "lines_fetched_total",
			Help:      "Total number of log lines fetched",
		},
		[]string{"server"},
	)

	AlertsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detect",
			Name:      "candidates_total",
			Help:      "Total number of alert candidates produced by detection",
		},
		[]string{"rule", "severity"},
	)

	AlertsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detect",
			Name:      "suppressed_total",
			Help:      "Total number of candidates dropped by exceptions",
		},
		[]string{"rule_type"},
	)

	AlertsStored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "alerts_stored_total",
			Help:      "Total number of alerts saved, by whether they were new",
		},
		[]string{"severity", "inserted"},
	)

	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "errors_total",
			Help:      "Total number of persistence failures",
		},
		[]string{"operation"},
	)

	AlertsPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "alerts_purged_total",
			Help:      "Total number of alerts removed by retention",
		},
	)

	SQLitePoolOpenConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sqlite",
			Name:      "pool_open_connections",
			Help:      "Open connections per SQLite pool",
		},
		[]string{"pool"},
	)

	SQLitePoolInUse = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sqlite",
			Name:      "pool_in_use",
			Help:      "In-use connections per SQLite pool",
		},
		[]string{"pool"},
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "batches_total",
			Help:      "Total number of notification batches by sink and status",
		},
		[]string{"sink", "status"},
	)

	NotificationsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "dropped_total",
			Help:      "Total number of alerts dropped because the notification queue was full",
		},
	)

	LeaseContention = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lease",
			Name:      "contended_total",
			Help:      "Total number of cycles skipped because another collector held the lease",
		},
		[]string{"server"},
	)

	GoroutinePanics = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "goroutine_panics_total",
			Help:      "Total number of panics recovered in background goroutines",
		},
		[]string{"goroutine"},
	)
)

// RecordCycle records the outcome and duration of a collection cycle
func RecordCycle(server, outcome string, durationSec float64) {
	CyclesTotal.WithLabelValues(server, outcome).Inc()
	CycleDuration.WithLabelValues(server).Observe(durationSec)
}

// RecordStored records a saved alert
func RecordStored(severity string, inserted bool) {
	label := "false"
	if inserted {
		label = "true"
	}
	AlertsStored.WithLabelValues(severity, label).Inc()
}
