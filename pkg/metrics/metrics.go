package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Lock manager metrics
	WriteLockAcquisitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coord_write_lock_acquisitions_total",
			Help: "Total write-lock acquisitions by outcome",
		},
		[]string{"outcome"}, // "ok", "session_terminated", "error"
	)

	ReadLockAcquisitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coord_read_lock_acquisitions_total",
			Help: "Total read-lock acquisitions by outcome",
		},
		[]string{"outcome"},
	)

	LockAcquireDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coord_lock_acquire_duration_seconds",
			Help:    "Time spent acquiring a global lock, including WaitManager drain time",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"}, // "read", "write"
	)

	// Wait manager metrics
	LockWaitRounds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coord_lock_wait_rounds",
			Help:    "Number of backoff rounds spent waiting for a conflicting lock to drain",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21},
		},
	)

	TerminationCleanups = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coord_termination_cleanups_total",
			Help: "Total CAS cleanups performed on behalf of a terminated session's locks",
		},
	)

	// Exchange manager metrics
	ExchangeMessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coord_exchange_messages_sent_total",
			Help: "Total exchange wire messages sent by type",
		},
		[]string{"type"},
	)

	ExchangeMessagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coord_exchange_messages_dropped_total",
			Help: "Total exchange datagrams dropped (malformed inbound frames or outbound send failures)",
		},
		[]string{"reason"},
	)

	// Cache manager metrics
	CacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coord_cache_hits_total",
			Help: "Total Get operations served from a valid local cache entry",
		},
	)

	CacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coord_cache_misses_total",
			Help: "Total Get operations that required a global read-lock load",
		},
	)

	CacheInvalidations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coord_cache_invalidations_total",
			Help: "Total cache entries invalidated, whether by message or by losing the lock",
		},
	)

	CacheEntriesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coord_cache_entries",
			Help: "Current number of keys tracked in the local cache map",
		},
	)

	// Storage metrics
	StorageCASAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coord_storage_cas_attempts_total",
			Help: "Total compare-and-swap attempts against the durable store by outcome",
		},
		[]string{"outcome"}, // "success", "conflict", "error"
	)

	StorageOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coord_storage_op_duration_seconds",
			Help:    "Storage operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"}, // "get", "update_entry"
	)

	// Session metrics
	SessionsTracked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coord_sessions_tracked",
			Help: "Current number of sessions (local and foreign) tracked as live",
		},
	)

	SessionsTerminated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coord_sessions_terminated_total",
			Help: "Total sessions observed to terminate, by TTL expiry or explicit close",
		},
	)
)

func init() {
	prometheus.MustRegister(WriteLockAcquisitions)
	prometheus.MustRegister(ReadLockAcquisitions)
	prometheus.MustRegister(LockAcquireDuration)
	prometheus.MustRegister(LockWaitRounds)
	prometheus.MustRegister(TerminationCleanups)
	prometheus.MustRegister(ExchangeMessagesSent)
	prometheus.MustRegister(ExchangeMessagesDropped)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(CacheInvalidations)
	prometheus.MustRegister(CacheEntriesTotal)
	prometheus.MustRegister(StorageCASAttempts)
	prometheus.MustRegister(StorageOpDuration)
	prometheus.MustRegister(SessionsTracked)
	prometheus.MustRegister(SessionsTerminated)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
