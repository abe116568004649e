// Package metrics provides Prometheus instrumentation for sitesync's crawl
// orchestration core: queue depth, lease churn, backoff behavior, and
// frontier admission decisions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Task Queue ──────────────────────────────────────────────────────────────

// TasksInFlight tracks the Executor's in-process backpressure counter.
var TasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "sitesync",
	Name:      "tasks_in_flight",
	Help:      "Current in-flight task count against the backpressure ceiling.",
})

// TasksByStatus tracks task counts per run status, sampled at drain polls.
var TasksByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "sitesync",
	Name:      "tasks_by_status",
	Help:      "Task count by status for the active run.",
}, []string{"status"})

// LeaseReclamations tracks tasks reclaimed from an expired lease.
var LeaseReclamations = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "sitesync",
	Name:      "lease_reclamations_total",
	Help:      "Total tasks reclaimed after lease expiry.",
})

// BackoffDelay tracks the computed retry delay in seconds.
var BackoffDelay = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "sitesync",
	Name:      "backoff_delay_seconds",
	Help:      "Computed backoff delay before a task's next retry.",
	Buckets:   []float64{1, 2, 5, 10, 30, 60, 120},
})

// ─── Worker / Fetch ─────────────────────────────────────────────────────────

// FetchDuration tracks fetch latency by outcome.
var FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "sitesync",
	Name:      "fetch_duration_seconds",
	Help:      "Fetch duration in seconds.",
	Buckets:   prometheus.DefBuckets,
}, []string{"outcome"})

// TasksCompleted tracks terminal task outcomes.
var TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sitesync",
	Name:      "tasks_completed_total",
	Help:      "Total tasks reaching a terminal state.",
}, []string{"outcome"})

// AuthRedirectsDetected tracks auth-redirect suppression events.
var AuthRedirectsDetected = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "sitesync",
	Name:      "auth_redirects_detected_total",
	Help:      "Total auth-redirect pages detected and suppressed from link discovery.",
})

// ─── Frontier ───────────────────────────────────────────────────────────────

// FrontierDecisions tracks accept/reject counts by reason.
var FrontierDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sitesync",
	Name:      "frontier_decisions_total",
	Help:      "Frontier Filter decisions by outcome and reason.",
}, []string{"enqueue", "reason"})

// ─── Assets ─────────────────────────────────────────────────────────────────

// AssetVersionsRecorded tracks persisted AssetVersion rows by diff class.
var AssetVersionsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sitesync",
	Name:      "asset_versions_recorded_total",
	Help:      "Total AssetVersion rows persisted by diff_class.",
}, []string{"diff_class"})

// ─── Store ──────────────────────────────────────────────────────────────────

// StoreRetries tracks transaction retries due to transient lock contention.
var StoreRetries = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "sitesync",
	Name:      "store_tx_retries_total",
	Help:      "Total store transaction retries due to lock contention.",
})
