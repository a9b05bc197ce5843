package cache

import "sync"

// ARCCache balances recency against frequency pressure with two
// resident partitions and two ghost lists:
//
//   - T1: a recency (LRU) partition every Put lands in
//   - T2: a frequency-bucketed partition fed by hot T1 entries
//   - B1/B2: key-only FIFOs of what T1/T2 recently evicted
//
// A hit in a ghost list means the matching partition was too small for
// the current workload, so its capacity grows by one and the other
// partition shrinks by one (evicting if it is full). Each partition
// starts with the full constructor capacity and enforces only its own
// limit; ghost capacities are fixed at the constructor capacity.
//
// A T1 entry that has been hit promotionThreshold times (default
// DefaultPromotionThreshold) is additionally installed into T2 at
// frequency 1. The T1 entry stays in place: T1 keeps owning the key's
// recency position while T2 tracks its frequency, so a hot key can be
// resident in both partitions, each holding its own entry.
//
// A capacity of zero (or below) disables the cache.
type ARCCache[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int

	recency   arcRecencyPart[K, V]
	frequency arcFrequencyPart[K, V]

	hits   int64
	misses int64
}

// ARCStats extends Stats with the state of the four ARC lists and the
// current adaptive capacities.
type ARCStats struct {
	Stats
	T1Len      int // resident entries in the recency partition
	T2Len      int // resident entries in the frequency partition
	B1Len      int // ghost entries shadowing T1
	B2Len      int // ghost entries shadowing T2
	T1Capacity int // adaptive capacity of the recency partition
	T2Capacity int // adaptive capacity of the frequency partition
}

// NewARC creates an ARC cache of the given capacity.
func NewARC[K comparable, V any](capacity int, opts ...Option[K, V]) *ARCCache[K, V] {
	cfg := buildConfig(opts)
	c := &ARCCache[K, V]{capacity: capacity}

	// A promoted key is resident in both partitions. One side spilling
	// it to a ghost list is not an eviction while the other side can
	// still serve it, so the callback fires only once the key has left
	// both partitions.
	var evictFromRecency, evictFromFrequency EvictCallback[K, V]
	if cfg.onEvict != nil {
		evictFromRecency = func(key K, value V) {
			if _, resident := c.frequency.items[key]; !resident {
				cfg.onEvict(key, value)
			}
		}
		evictFromFrequency = func(key K, value V) {
			if _, resident := c.recency.items[key]; !resident {
				cfg.onEvict(key, value)
			}
		}
	}

	c.recency = arcRecencyPart[K, V]{
		capacity:      capacity,
		ghostCapacity: capacity,
		promoteAt:     cfg.promoteAt,
		items:         make(map[K]*entry[K, V]),
		ghosts:        make(map[K]*entry[K, V]),
		onEvict:       evictFromRecency,
	}
	c.frequency = arcFrequencyPart[K, V]{
		capacity:      capacity,
		ghostCapacity: capacity,
		minFreq:       1,
		items:         make(map[K]*entry[K, V]),
		buckets:       make(map[int]*doublyLinkedList[K, V]),
		ghosts:        make(map[K]*entry[K, V]),
		onEvict:       evictFromFrequency,
	}
	return c
}

// Put inserts or updates a key-value pair. A hit in either ghost list
// first steers the partition capacities; the entry itself always lands
// in the recency partition. A frequency-partition copy of the key takes
// the new value too, without a frequency bump.
func (c *ARCCache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.adapt(key)
	c.recency.put(key, value)
	if e, ok := c.frequency.items[key]; ok {
		e.value = value
	}
}

// Get retrieves the value for key. The recency partition is probed
// first; a hit there that crosses the promotion threshold also
// installs the entry into the frequency partition.
func (c *ARCCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.adapt(key)

	if v, promote, ok := c.recency.get(key); ok {
		if promote {
			c.frequency.put(key, v)
		}
		c.hits++
		return v, true
	}
	if v, ok := c.frequency.get(key); ok {
		c.hits++
		return v, true
	}

	c.misses++
	var zero V
	return zero, false
}

// GetValue is a convenience over Get that returns the zero value on a miss.
func (c *ARCCache[K, V]) GetValue(key K) V {
	v, _ := c.Get(key)
	return v
}

// Peek retrieves the value for key without adapting capacities,
// updating recency, or bumping frequencies.
func (c *ARCCache[K, V]) Peek(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.recency.items[key]; ok {
		return e.value, true
	}
	if e, ok := c.frequency.items[key]; ok {
		return e.value, true
	}
	var zero V
	return zero, false
}

// Contains reports whether key is resident in either partition.
func (c *ARCCache[K, V]) Contains(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.recency.items[key]; ok {
		return true
	}
	_, ok := c.frequency.items[key]
	return ok
}

// Remove drops key entirely: from both resident partitions and both
// ghost lists. The eviction callback is not invoked.
func (c *ARCCache[K, V]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.recency.remove(key)
	c.frequency.remove(key)
}

// Len returns the number of distinct resident keys. A dually-resident
// key counts once.
func (c *ARCCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.residentKeys()
}

// Keys returns a snapshot of all distinct resident keys. The order is
// not guaranteed.
func (c *ARCCache[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]K, 0, len(c.recency.items)+len(c.frequency.items))
	for k := range c.recency.items {
		keys = append(keys, k)
	}
	for k := range c.frequency.items {
		if _, dual := c.recency.items[k]; !dual {
			keys = append(keys, k)
		}
	}
	return keys
}

// Clear resets the cache to its initial empty state. The adaptive
// capacities return to the constructor capacity.
func (c *ARCCache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.recency.clear(c.capacity)
	c.frequency.clear(c.capacity)
}

// Stats returns a snapshot of the cache statistics.
func (c *ARCCache[K, V]) Stats() ARCStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return ARCStats{
		Stats: Stats{
			Hits:    c.hits,
			Misses:  c.misses,
			Entries: c.residentKeys(),
		},
		T1Len:      len(c.recency.items),
		T2Len:      len(c.frequency.items),
		B1Len:      len(c.recency.ghosts),
		B2Len:      len(c.frequency.ghosts),
		T1Capacity: c.recency.capacity,
		T2Capacity: c.frequency.capacity,
	}
}

func (c *ARCCache[K, V]) snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:    c.hits,
		Misses:  c.misses,
		Entries: c.residentKeys(),
	}
}

func (c *ARCCache[K, V]) residentKeys() int {
	n := len(c.recency.items)
	for k := range c.frequency.items {
		if _, dual := c.recency.items[k]; !dual {
			n++
		}
	}
	return n
}

// adapt steers the partition capacities on a ghost hit: the list that
// remembers the key grows by one, the other shrinks by one (evicting
// if it is currently full). The ghost entry itself is consumed.
func (c *ARCCache[K, V]) adapt(key K) {
	if c.recency.checkGhost(key) {
		c.recency.increaseCapacity()
		c.frequency.decreaseCapacity()
	} else if c.frequency.checkGhost(key) {
		c.frequency.increaseCapacity()
		c.recency.decreaseCapacity()
	}
}

// --- recency partition (T1 + B1) ---

// arcRecencyPart is an LRU list with an attached ghost FIFO. All
// methods assume the owning ARCCache holds its mutex.
type arcRecencyPart[K comparable, V any] struct {
	capacity      int
	ghostCapacity int
	promoteAt     int

	items map[K]*entry[K, V]
	list  doublyLinkedList[K, V]

	ghosts    map[K]*entry[K, V]
	ghostList doublyLinkedList[K, V]

	pool    entryPool[K, V]
	onEvict EvictCallback[K, V]
}

func (p *arcRecencyPart[K, V]) put(key K, value V) {
	if p.capacity <= 0 {
		return
	}

	if e, ok := p.items[key]; ok {
		e.value = value
		p.list.MoveToFront(e)
		return
	}

	if len(p.items) >= p.capacity {
		p.evictToGhost()
	}

	e := p.pool.get()
	e.key = key
	e.value = value
	e.accessCount = 1
	p.list.PushFront(e)
	p.items[key] = e
}

// get reports the value, whether the hit crossed the promotion
// threshold, and whether the key was resident at all.
func (p *arcRecencyPart[K, V]) get(key K) (V, bool, bool) {
	e, ok := p.items[key]
	if !ok {
		var zero V
		return zero, false, false
	}
	p.list.MoveToFront(e)
	e.accessCount++
	// accessCount includes the initial insertion, so an entry has been
	// hit promoteAt times once the count exceeds the threshold.
	return e.value, e.accessCount > p.promoteAt, true
}

func (p *arcRecencyPart[K, V]) remove(key K) {
	if e, ok := p.items[key]; ok {
		p.list.Remove(e)
		delete(p.items, key)
		p.pool.put(e)
		return
	}
	if g, ok := p.ghosts[key]; ok {
		p.ghostList.Remove(g)
		delete(p.ghosts, key)
		p.pool.put(g)
	}
}

// evictToGhost moves the LRU victim into the ghost FIFO, dropping the
// oldest ghost first if the FIFO is full.
func (p *arcRecencyPart[K, V]) evictToGhost() {
	e := p.list.RemoveBack()
	if e == nil {
		return
	}
	delete(p.items, e.key)
	if p.onEvict != nil {
		p.onEvict(e.key, e.value)
	}
	var zero V
	e.value = zero
	e.accessCount = 0
	e.ghost = true
	p.pushGhost(e)
}

func (p *arcRecencyPart[K, V]) pushGhost(e *entry[K, V]) {
	if p.ghostCapacity <= 0 {
		p.pool.put(e)
		return
	}
	if p.ghostList.Len() >= p.ghostCapacity {
		if g := p.ghostList.RemoveBack(); g != nil {
			delete(p.ghosts, g.key)
			p.pool.put(g)
		}
	}
	p.ghostList.PushFront(e)
	p.ghosts[e.key] = e
}

// checkGhost consumes the ghost record for key, if any.
func (p *arcRecencyPart[K, V]) checkGhost(key K) bool {
	g, ok := p.ghosts[key]
	if !ok {
		return false
	}
	p.ghostList.Remove(g)
	delete(p.ghosts, key)
	p.pool.put(g)
	return true
}

func (p *arcRecencyPart[K, V]) increaseCapacity() {
	p.capacity++
}

// decreaseCapacity shrinks the partition by one, evicting to the ghost
// list first if the partition is currently full. It refuses to shrink
// below zero.
func (p *arcRecencyPart[K, V]) decreaseCapacity() bool {
	if p.capacity <= 0 {
		return false
	}
	if len(p.items) >= p.capacity {
		p.evictToGhost()
	}
	p.capacity--
	return true
}

func (p *arcRecencyPart[K, V]) clear(capacity int) {
	p.capacity = capacity
	p.ghostCapacity = capacity
	p.items = make(map[K]*entry[K, V])
	p.ghosts = make(map[K]*entry[K, V])
	p.list.Clear()
	p.ghostList.Clear()
	p.pool.pool = p.pool.pool[:0]
}

// --- frequency partition (T2 + B2) ---

// arcFrequencyPart keeps residents in frequency buckets with a tracked
// minimum, like the standalone LFU engine but without aging. All
// methods assume the owning ARCCache holds its mutex.
type arcFrequencyPart[K comparable, V any] struct {
	capacity      int
	ghostCapacity int
	minFreq       int

	items   map[K]*entry[K, V]
	buckets map[int]*doublyLinkedList[K, V]

	ghosts    map[K]*entry[K, V]
	ghostList doublyLinkedList[K, V]

	pool    entryPool[K, V]
	onEvict EvictCallback[K, V]
}

func (p *arcFrequencyPart[K, V]) put(key K, value V) {
	if p.capacity <= 0 {
		return
	}

	if e, ok := p.items[key]; ok {
		e.value = value
		p.bump(e)
		return
	}

	if len(p.items) >= p.capacity {
		p.evictToGhost()
	}

	e := p.pool.get()
	e.key = key
	e.value = value
	e.accessCount = 1
	e.freq = 1
	p.bucket(1).PushFront(e)
	p.items[key] = e
	p.minFreq = 1
}

func (p *arcFrequencyPart[K, V]) get(key K) (V, bool) {
	e, ok := p.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	v := e.value
	p.bump(e)
	return v, true
}

func (p *arcFrequencyPart[K, V]) remove(key K) {
	if e, ok := p.items[key]; ok {
		p.unlink(e)
		delete(p.items, key)
		p.pool.put(e)
		return
	}
	if g, ok := p.ghosts[key]; ok {
		p.ghostList.Remove(g)
		delete(p.ghosts, key)
		p.pool.put(g)
	}
}

func (p *arcFrequencyPart[K, V]) bucket(f int) *doublyLinkedList[K, V] {
	l, ok := p.buckets[f]
	if !ok {
		l = &doublyLinkedList[K, V]{}
		p.buckets[f] = l
	}
	return l
}

func (p *arcFrequencyPart[K, V]) unlink(e *entry[K, V]) {
	l := p.buckets[e.freq]
	l.Remove(e)
	if l.Len() == 0 {
		delete(p.buckets, e.freq)
		if p.minFreq == e.freq {
			p.minFreq = p.smallestBucket()
		}
	}
}

func (p *arcFrequencyPart[K, V]) bump(e *entry[K, V]) {
	l := p.buckets[e.freq]
	l.Remove(e)
	if l.Len() == 0 {
		delete(p.buckets, e.freq)
		if p.minFreq == e.freq {
			p.minFreq = e.freq + 1
		}
	}
	e.freq++
	e.accessCount++
	p.bucket(e.freq).PushFront(e)
}

// evictToGhost moves the oldest minimum-frequency entry into the ghost
// FIFO, dropping the oldest ghost first if the FIFO is full.
func (p *arcFrequencyPart[K, V]) evictToGhost() {
	l, ok := p.buckets[p.minFreq]
	if !ok {
		p.minFreq = p.smallestBucket()
		l, ok = p.buckets[p.minFreq]
		if !ok {
			return
		}
	}

	e := l.RemoveBack()
	if e == nil {
		return
	}
	if l.Len() == 0 {
		delete(p.buckets, p.minFreq)
		p.minFreq = p.smallestBucket()
	}
	delete(p.items, e.key)
	if p.onEvict != nil {
		p.onEvict(e.key, e.value)
	}
	var zero V
	e.value = zero
	e.accessCount = 0
	e.freq = 0
	e.ghost = true
	p.pushGhost(e)
}

func (p *arcFrequencyPart[K, V]) pushGhost(e *entry[K, V]) {
	if p.ghostCapacity <= 0 {
		p.pool.put(e)
		return
	}
	if p.ghostList.Len() >= p.ghostCapacity {
		if g := p.ghostList.RemoveBack(); g != nil {
			delete(p.ghosts, g.key)
			p.pool.put(g)
		}
	}
	p.ghostList.PushFront(e)
	p.ghosts[e.key] = e
}

func (p *arcFrequencyPart[K, V]) checkGhost(key K) bool {
	g, ok := p.ghosts[key]
	if !ok {
		return false
	}
	p.ghostList.Remove(g)
	delete(p.ghosts, key)
	p.pool.put(g)
	return true
}

func (p *arcFrequencyPart[K, V]) increaseCapacity() {
	p.capacity++
}

func (p *arcFrequencyPart[K, V]) decreaseCapacity() bool {
	if p.capacity <= 0 {
		return false
	}
	if len(p.items) >= p.capacity {
		p.evictToGhost()
	}
	p.capacity--
	return true
}

func (p *arcFrequencyPart[K, V]) smallestBucket() int {
	min := 0
	for f := range p.buckets {
		if min == 0 || f < min {
			min = f
		}
	}
	if min == 0 {
		return 1
	}
	return min
}

func (p *arcFrequencyPart[K, V]) clear(capacity int) {
	p.capacity = capacity
	p.ghostCapacity = capacity
	p.minFreq = 1
	p.items = make(map[K]*entry[K, V])
	p.buckets = make(map[int]*doublyLinkedList[K, V])
	p.ghosts = make(map[K]*entry[K, V])
	p.ghostList.Clear()
	p.pool.pool = p.pool.pool[:0]
}
