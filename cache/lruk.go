package cache

import "sync"

// LRUKCache gates admission behind an access-history counter: a key
// enters the main cache only after it has been seen k times. One-shot
// keys churn through the history cache (itself LRU-evicted) without
// ever displacing resident values.
type LRUKCache[K comparable, V any] struct {
	mu sync.Mutex
	k  int

	// main holds promoted values; history maps keys to how many times
	// they have been seen so far. Both are driven through their
	// unlocked internals under this cache's mutex.
	main    *LRUCache[K, V]
	history *LRUCache[K, int]

	hits   int64
	misses int64
}

// NewLRUK creates an LRU-K cache. capacity bounds the main cache,
// historyCapacity bounds the admission-history cache, and k is the
// number of sightings required for promotion (values below 1 are
// coerced to 1).
func NewLRUK[K comparable, V any](capacity, historyCapacity, k int, opts ...Option[K, V]) *LRUKCache[K, V] {
	if k < 1 {
		k = 1
	}
	return &LRUKCache[K, V]{
		k:       k,
		main:    NewLRU[K, V](capacity, opts...),
		history: NewLRU[K, int](historyCapacity),
	}
}

// Put records a sighting of key. If key is already resident in the
// main cache its value is overwritten in place; otherwise the history
// counter is bumped and, on reaching k, the key is promoted into the
// main cache.
func (c *LRUKCache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.main.items[key]; ok {
		c.main.put(key, value)
		return
	}

	count, _ := c.history.get(key)
	count++
	if count >= c.k {
		c.history.remove(key)
		c.main.put(key, value)
		return
	}
	c.history.put(key, count)
}

// Get retrieves the value for key from the main cache. Every call
// counts as a sighting: the history counter is bumped even on a miss,
// so repeated probes eventually let a subsequent Put promote the key.
func (c *LRUKCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	count, _ := c.history.get(key)
	c.history.put(key, count+1)

	if v, ok := c.main.get(key); ok {
		c.hits++
		return v, true
	}
	c.misses++
	var zero V
	return zero, false
}

// GetValue is a convenience over Get that returns the zero value on a miss.
func (c *LRUKCache[K, V]) GetValue(key K) V {
	v, _ := c.Get(key)
	return v
}

// Peek retrieves the value for key without touching history or recency.
func (c *LRUKCache[K, V]) Peek(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.main.items[key]; ok {
		return e.value, true
	}
	var zero V
	return zero, false
}

// Contains reports whether key is resident in the main cache.
func (c *LRUKCache[K, V]) Contains(key K) bool {
	c.mu.Lock()
	_, ok := c.main.items[key]
	c.mu.Unlock()
	return ok
}

// Remove drops key from both the main cache and the history.
func (c *LRUKCache[K, V]) Remove(key K) {
	c.mu.Lock()
	c.main.remove(key)
	c.history.remove(key)
	c.mu.Unlock()
}

// Len returns the number of entries resident in the main cache.
func (c *LRUKCache[K, V]) Len() int {
	c.mu.Lock()
	n := len(c.main.items)
	c.mu.Unlock()
	return n
}

// HistoryLen returns the number of keys currently tracked in the
// admission history.
func (c *LRUKCache[K, V]) HistoryLen() int {
	c.mu.Lock()
	n := len(c.history.items)
	c.mu.Unlock()
	return n
}

// Clear resets both the main cache and the history.
func (c *LRUKCache[K, V]) Clear() {
	c.mu.Lock()
	c.main.Clear()
	c.history.Clear()
	c.mu.Unlock()
}

// Stats returns a snapshot of the cache statistics.
func (c *LRUKCache[K, V]) Stats() Stats {
	return c.snapshot()
}

func (c *LRUKCache[K, V]) snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:    c.hits,
		Misses:  c.misses,
		Entries: len(c.main.items),
	}
}
