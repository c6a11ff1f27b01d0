package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// lock acquisition latency, end to end including the ledger push
	// labels: status (success/already_locked/error)
	LockAcquireDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pdmlock_lock_acquire_duration_seconds",
			Help:    "time taken to acquire a lock",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
		[]string{"status"},
	)

	// success / (success + already_locked + error) is the acquire success rate
	LockAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pdmlock_lock_acquire_total",
			Help: "total number of lock acquisitions",
		},
		[]string{"status"},
	)

	// labels: forced (true/false)
	LockReleaseTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pdmlock_lock_release_total",
			Help: "total number of lock releases",
		},
		[]string{"forced"},
	)

	// locks in the table at the last revision this process saw
	LocksActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pdmlock_locks_active",
			Help: "current number of active locks",
		},
	)

	// one increment per ledger transaction
	// labels: result (success/noop/rejected/error)
	LedgerPushTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pdmlock_ledger_push_total",
			Help: "total number of ledger transactions by outcome",
		},
		[]string{"result"},
	)

	// a rising rate means writers are contending on the remote
	LedgerPushRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pdmlock_ledger_push_retries_total",
			Help: "total number of pushes rejected as non-fast-forward and retried",
		},
	)

	LedgerSyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pdmlock_ledger_sync_duration_seconds",
			Help:    "time taken to fetch and integrate the remote tip",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
	)

	LedgerConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pdmlock_ledger_conflicts_total",
			Help: "total number of syncs that stopped on a local/remote conflict",
		},
	)

	// connected subscriber streams, one per identity
	SubscribersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pdmlock_subscribers_active",
			Help: "current number of connected subscribers",
		},
	)

	// every failure also drops the subscriber
	DeliveryFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pdmlock_delivery_failures_total",
			Help: "total number of events that could not be delivered to a subscriber",
		},
	)

	// labels: status (success/timeout)
	HeartbeatTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pdmlock_heartbeat_total",
			Help: "total number of heartbeats processed",
		},
		[]string{"status"},
	)

	RateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pdmlock_rate_limited_total",
			Help: "total number of mutations refused by the per-identity limiter",
		},
	)

	// service uptime - always 1 when running
	// scrape failure = 0 in prometheus (service down)
	Up = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pdmlock_up",
			Help: "whether the service is up (always 1 when running)",
		},
	)
)

func init() {
	Up.Set(1)
}
