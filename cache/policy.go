// Package cache provides bounded in-memory key→value caches with
// pluggable eviction disciplines: LRU, LRU-K, LFU with frequency
// aging, ARC, and a hash-sharded wrapper over any of them.
//
// All engines are safe for concurrent use; each instance serializes
// its operations behind a single mutex. The sharded wrapper spreads
// that contention across independent sub-caches.
package cache

// Policy is the uniform interface over all cache engines.
//
// Get reports whether the key was resident; GetValue is a convenience
// that returns the zero value on a miss. Put never fails: inserting
// into a full cache evicts per the engine's discipline, and putting an
// existing key overwrites its value.
type Policy[K comparable, V any] interface {
	Put(key K, value V)
	Get(key K) (V, bool)
	GetValue(key K) V
	Len() int
}

// EvictCallback is invoked when an entry is evicted by capacity
// pressure. It runs while the engine lock is held — keep it fast.
// It does not fire for explicit Remove or Clear calls, and never for
// ghost entries. The ARC engine reports a dually-resident key only
// when it has left both partitions and can no longer be served.
type EvictCallback[K comparable, V any] func(key K, value V)

// Stats is a point-in-time snapshot of an engine's counters.
type Stats struct {
	Hits    int64 // successful Get calls
	Misses  int64 // Get calls that found nothing
	Entries int   // resident entries
}

// Option configures an engine via the functional options pattern.
// Options that do not apply to the engine being constructed are
// ignored.
type Option[K comparable, V any] func(*config[K, V])

type config[K comparable, V any] struct {
	onEvict    EvictCallback[K, V]
	promoteAt  int // ARC: hits on the recency side before frequency promotion
	maxAvgFreq int // LFU: average-frequency ceiling that triggers aging
}

// Default tuning knobs, matching the constructor defaults of the
// individual engines.
const (
	DefaultMaxAvgFreq         = 10
	DefaultPromotionThreshold = 2
)

func buildConfig[K comparable, V any](opts []Option[K, V]) config[K, V] {
	cfg := config[K, V]{
		promoteAt:  DefaultPromotionThreshold,
		maxAvgFreq: DefaultMaxAvgFreq,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithOnEvict registers a callback invoked whenever a resident entry
// is evicted by capacity pressure.
func WithOnEvict[K comparable, V any](fn EvictCallback[K, V]) Option[K, V] {
	return func(cfg *config[K, V]) {
		cfg.onEvict = fn
	}
}

// WithPromotionThreshold sets the number of hits after which the ARC
// engine also installs an entry into its frequency partition.
// Values below 1 are coerced to 1.
func WithPromotionThreshold[K comparable, V any](n int) Option[K, V] {
	return func(cfg *config[K, V]) {
		if n < 1 {
			n = 1
		}
		cfg.promoteAt = n
	}
}

// WithMaxAvgFreq sets the LFU aging trigger: when the average entry
// frequency exceeds n, every frequency is decayed by n/2 (floored at 1).
// Values below 1 fall back to DefaultMaxAvgFreq.
func WithMaxAvgFreq[K comparable, V any](n int) Option[K, V] {
	return func(cfg *config[K, V]) {
		if n < 1 {
			n = DefaultMaxAvgFreq
		}
		cfg.maxAvgFreq = n
	}
}

// statser is implemented by every engine in this package; the sharded
// wrapper uses it to aggregate per-shard counters.
type statser interface {
	snapshot() Stats
}
