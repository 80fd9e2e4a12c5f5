// Package metrics wires github.com/prometheus/client_golang into the
// tree's hot paths: latch contention, page cache hit rate, and commit
// lock hold time. engine.go logged ad hoc fmt.Printf counters inline;
// this replaces that with registered Prometheus collectors so the
// numbers survive past a single debugging session.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registerer is the interface a caller passes to NewRegistry, aliased
// locally so other packages in this module don't need their own
// direct prometheus import just to wire one through.
type Registerer = prometheus.Registerer

// Registry bundles every collector this module exposes. A nil
// *Registry is valid everywhere it's accepted: every method is a
// no-op on a nil receiver, so callers that don't want metrics (most
// tests) can simply not construct one.
type Registry struct {
	LatchWaits      *prometheus.CounterVec
	LatchWaitNanos  *prometheus.HistogramVec
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
	CommitLockHold  prometheus.Histogram
	SplitsTotal     prometheus.Counter
	MergesTotal     prometheus.Counter
	LockWaitTimeout prometheus.Counter
	LockDeadlocks   prometheus.Counter
	RedoSyncs       prometheus.Counter
	RedoBytes       prometheus.Counter
}

// NewRegistry builds and registers every collector against reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	m := &Registry{
		LatchWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "latchtree",
			Name:      "latch_waits_total",
			Help:      "Number of times a latch acquisition had to block.",
		}, []string{"mode"}),
		LatchWaitNanos: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "latchtree",
			Name:      "latch_wait_nanoseconds",
			Help:      "Time spent blocked waiting for a node latch.",
			Buckets:   prometheus.ExponentialBuckets(1000, 4, 10),
		}, []string{"mode"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "latchtree",
			Name:      "pagecache_hits_total",
			Help:      "Node lookups served from the resident node map.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "latchtree",
			Name:      "pagecache_misses_total",
			Help:      "Node lookups that faulted in from the backend store.",
		}),
		CommitLockHold: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "latchtree",
			Name:      "commit_lock_hold_seconds",
			Help:      "Duration the commit lock was held exclusively during a checkpoint.",
			Buckets:   prometheus.DefBuckets,
		}),
		SplitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "latchtree",
			Name:      "node_splits_total",
			Help:      "Number of leaf or internal node splits performed.",
		}),
		MergesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "latchtree",
			Name:      "node_merges_total",
			Help:      "Number of leaf or internal node merges performed.",
		}),
		LockWaitTimeout: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "latchtree",
			Name:      "lock_wait_timeouts_total",
			Help:      "Number of key-lock acquisitions that gave up after timing out.",
		}),
		LockDeadlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "latchtree",
			Name:      "lock_deadlocks_total",
			Help:      "Number of key-lock acquisitions aborted by deadlock detection.",
		}),
		RedoSyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "latchtree",
			Name:      "redo_syncs_total",
			Help:      "Number of times the redo log was fsynced to disk.",
		}),
		RedoBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "latchtree",
			Name:      "redo_bytes_written_total",
			Help:      "Bytes of redo log entry (header+payload) written, pre-fsync.",
		}),
	}
	reg.MustRegister(
		m.LatchWaits, m.LatchWaitNanos, m.CacheHits, m.CacheMisses,
		m.CommitLockHold, m.SplitsTotal, m.MergesTotal,
		m.LockWaitTimeout, m.LockDeadlocks, m.RedoSyncs, m.RedoBytes,
	)
	return m
}

func (m *Registry) latchWait(mode string, nanos float64) {
	if m == nil {
		return
	}
	m.LatchWaits.WithLabelValues(mode).Inc()
	m.LatchWaitNanos.WithLabelValues(mode).Observe(nanos)
}

func (m *Registry) ObserveSharedLatchWait(nanos float64) { m.latchWait("shared", nanos) }
func (m *Registry) ObserveExclusiveLatchWait(nanos float64) { m.latchWait("exclusive", nanos) }

func (m *Registry) CacheHit() {
	if m == nil {
		return
	}
	m.CacheHits.Inc()
}

func (m *Registry) CacheMiss() {
	if m == nil {
		return
	}
	m.CacheMisses.Inc()
}

func (m *Registry) Split() {
	if m == nil {
		return
	}
	m.SplitsTotal.Inc()
}

func (m *Registry) Merge() {
	if m == nil {
		return
	}
	m.MergesTotal.Inc()
}

func (m *Registry) LockTimeout() {
	if m == nil {
		return
	}
	m.LockWaitTimeout.Inc()
}

func (m *Registry) Deadlock() {
	if m == nil {
		return
	}
	m.LockDeadlocks.Inc()
}

func (m *Registry) RedoSync() {
	if m == nil {
		return
	}
	m.RedoSyncs.Inc()
}

func (m *Registry) RedoWrite(bytes int) {
	if m == nil {
		return
	}
	m.RedoBytes.Add(float64(bytes))
}
