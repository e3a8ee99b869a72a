package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AttemptCounter tracks single acquisition attempts against the store.
	AttemptCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lockable_acquire_attempts_total",
		Help: "Total number of lock acquisition attempts",
	})
	// AcquiredCounter tracks successful acquisitions by path
	// ("create" for a fresh key, "takeover" for a stale one).
	AcquiredCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lockable_acquired_total",
		Help: "Total number of successful lock acquisitions",
	}, []string{"path"})
	// ContentionCounter tracks acquisitions that gave up.
	ContentionCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lockable_contention_total",
		Help: "Total number of acquisitions that failed due to contention",
	})
	// ReleaseCounter tracks lock releases.
	ReleaseCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lockable_release_total",
		Help: "Total number of lock releases",
	})
	// ReleaseSkippedCounter tracks guarded calls that overran their ttl
	// and therefore left the lock in place.
	ReleaseSkippedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lockable_release_skipped_total",
		Help: "Total number of releases skipped because the critical section overran the ttl",
	})
	// StoreErrorCounter tracks store failures seen by the lock manager.
	StoreErrorCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lockable_store_errors_total",
		Help: "Total number of store errors returned to lock callers",
	})
)

// Acquisition paths used as AcquiredCounter labels.
const (
	PathCreate   = "create"
	PathTakeover = "takeover"
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLockMetrics registers the lock metrics on the provided registry.
func RegisterLockMetrics(reg prometheus.Registerer) {
	reg.MustRegister(AttemptCounter, AcquiredCounter, ContentionCounter,
		ReleaseCounter, ReleaseSkippedCounter, StoreErrorCounter)
}
