package cache

import (
	"hash/maphash"
	"runtime"
	"sync"
)

// Sharded partitions keys across independent sub-caches to spread lock
// contention. The wrapper itself holds no lock: every operation hashes
// the key and dispatches to one shard, so operations on keys in
// different shards never contend and never evict each other.
//
// Operations on the same key always land on the same shard and are
// therefore totally ordered by that shard's mutex.
type Sharded[K comparable, V any] struct {
	shards []Policy[K, V]
	seed   maphash.Seed

	// loads deduplicates concurrent GetOrLoad calls for the same key.
	loads singleflightGroup[K, V]
}

// NewSharded creates shardCount sub-caches of capacity ⌈capacity/shardCount⌉
// each, built by newShard. A shardCount below 1 defaults to the
// runtime's parallelism hint.
func NewSharded[K comparable, V any](capacity, shardCount int, newShard func(capacity int) Policy[K, V]) *Sharded[K, V] {
	if shardCount < 1 {
		shardCount = runtime.GOMAXPROCS(0)
	}
	perShard := (capacity + shardCount - 1) / shardCount

	s := &Sharded[K, V]{
		shards: make([]Policy[K, V], shardCount),
		seed:   maphash.MakeSeed(),
	}
	for i := range s.shards {
		s.shards[i] = newShard(perShard)
	}
	return s
}

// NewShardedLRU creates a sharded cache with LRU sub-caches.
func NewShardedLRU[K comparable, V any](capacity, shardCount int, opts ...Option[K, V]) *Sharded[K, V] {
	return NewSharded(capacity, shardCount, func(capacity int) Policy[K, V] {
		return NewLRU(capacity, opts...)
	})
}

// NewShardedLFU creates a sharded cache with LFU sub-caches.
func NewShardedLFU[K comparable, V any](capacity, shardCount int, opts ...Option[K, V]) *Sharded[K, V] {
	return NewSharded(capacity, shardCount, func(capacity int) Policy[K, V] {
		return NewLFU(capacity, opts...)
	})
}

// NewShardedARC creates a sharded cache with ARC sub-caches.
func NewShardedARC[K comparable, V any](capacity, shardCount int, opts ...Option[K, V]) *Sharded[K, V] {
	return NewSharded(capacity, shardCount, func(capacity int) Policy[K, V] {
		return NewARC(capacity, opts...)
	})
}

// shard returns the sub-cache responsible for key.
func (s *Sharded[K, V]) shard(key K) Policy[K, V] {
	h := maphash.Comparable(s.seed, key)
	return s.shards[h%uint64(len(s.shards))]
}

// Put inserts or updates a key-value pair in the key's shard.
func (s *Sharded[K, V]) Put(key K, value V) {
	s.shard(key).Put(key, value)
}

// Get retrieves the value for key from the key's shard.
func (s *Sharded[K, V]) Get(key K) (V, bool) {
	return s.shard(key).Get(key)
}

// GetValue is a convenience over Get that returns the zero value on a miss.
func (s *Sharded[K, V]) GetValue(key K) V {
	v, _ := s.Get(key)
	return v
}

// GetOrLoad retrieves the value for key, or calls loader to compute it
// on a miss. Only one loader call per key runs at a time; concurrent
// callers for the same key wait for and share that call's outcome.
// A failed load caches nothing and returns the error to all waiters.
func (s *Sharded[K, V]) GetOrLoad(key K, loader func(K) (V, error)) (V, error) {
	if v, ok := s.Get(key); ok {
		return v, nil
	}

	return s.loads.Do(key, func() (V, error) {
		// Double-check after winning the singleflight race.
		if v, ok := s.Get(key); ok {
			return v, nil
		}

		v, err := loader(key)
		if err != nil {
			var zero V
			return zero, err
		}
		s.Put(key, v)
		return v, nil
	})
}

// Remove drops key from its shard, if the sub-cache supports removal.
func (s *Sharded[K, V]) Remove(key K) {
	if r, ok := s.shard(key).(interface{ Remove(K) }); ok {
		r.Remove(key)
	}
}

// Len returns the total number of resident entries across all shards.
func (s *Sharded[K, V]) Len() int {
	n := 0
	for _, shard := range s.shards {
		n += shard.Len()
	}
	return n
}

// ShardCount returns the number of sub-caches.
func (s *Sharded[K, V]) ShardCount() int {
	return len(s.shards)
}

// Clear resets every sub-cache that supports clearing.
func (s *Sharded[K, V]) Clear() {
	for _, shard := range s.shards {
		if c, ok := shard.(interface{ Clear() }); ok {
			c.Clear()
		}
	}
}

// Stats aggregates the counters of all sub-caches.
func (s *Sharded[K, V]) Stats() Stats {
	var total Stats
	for _, shard := range s.shards {
		if st, ok := shard.(statser); ok {
			snap := st.snapshot()
			total.Hits += snap.Hits
			total.Misses += snap.Misses
			total.Entries += snap.Entries
		}
	}
	return total
}

// singleflightGroup provides call deduplication for GetOrLoad.
type singleflightGroup[K comparable, V any] struct {
	mu sync.Mutex
	m  map[K]*loadCall[V]
}

type loadCall[V any] struct {
	wg  sync.WaitGroup
	val V
	err error
}

func (g *singleflightGroup[K, V]) Do(key K, fn func() (V, error)) (V, error) {
	g.mu.Lock()
	if g.m == nil {
		g.m = make(map[K]*loadCall[V])
	}
	if c, ok := g.m[key]; ok {
		g.mu.Unlock()
		c.wg.Wait()
		return c.val, c.err
	}
	c := &loadCall[V]{}
	c.wg.Add(1)
	g.m[key] = c
	g.mu.Unlock()

	c.val, c.err = fn()
	c.wg.Done()

	g.mu.Lock()
	delete(g.m, key)
	g.mu.Unlock()

	return c.val, c.err
}
