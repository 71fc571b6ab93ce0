package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
)

// Stats are the hot-tier counters exposed for monitoring.
type Stats struct {
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Sets      uint64  `json:"sets"`
	Evictions uint64  `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
}

type lruEntry struct {
	key   string
	value []byte
}

// LRU is a bounded in-process cache evicted by recency. All operations are
// O(1) amortized and safe for concurrent use; the hit/miss counters are
// atomic so Stats never blocks the hot path.
type LRU struct {
	maxSize int

	mu      sync.Mutex
	order   *list.List // front = most recent
	entries map[string]*list.Element

	hits      atomic.Uint64
	misses    atomic.Uint64
	sets      atomic.Uint64
	evictions atomic.Uint64
}

// NewLRU creates an LRU holding at most maxSize entries.
func NewLRU(maxSize int) *LRU {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &LRU{
		maxSize: maxSize,
		order:   list.New(),
		entries: make(map[string]*list.Element, maxSize),
	}
}

// Get returns the cached value and moves the entry to most-recent.
func (c *LRU) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	elem, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		c.misses.Add(1)
		return nil, false
	}
	c.order.MoveToFront(elem)
	value := elem.Value.(*lruEntry).value
	c.mu.Unlock()

	c.hits.Add(1)
	return value, true
}

// Set inserts or updates the entry as most-recent, evicting the
// least-recent entry when the cache is over capacity.
func (c *LRU) Set(key string, value []byte) {
	c.mu.Lock()
	if elem, ok := c.entries[key]; ok {
		elem.Value.(*lruEntry).value = value
		c.order.MoveToFront(elem)
		c.mu.Unlock()
		c.sets.Add(1)
		return
	}

	c.entries[key] = c.order.PushFront(&lruEntry{key: key, value: value})

	var evicted bool
	if c.order.Len() > c.maxSize {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*lruEntry).key)
		evicted = true
	}
	c.mu.Unlock()

	c.sets.Add(1)
	if evicted {
		c.evictions.Add(1)
	}
}

// Delete removes the entry, reporting whether it existed.
func (c *LRU) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return false
	}
	c.order.Remove(elem)
	delete(c.entries, key)
	return true
}

// Clear drops all entries. Counters are kept.
func (c *LRU) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.entries = make(map[string]*list.Element, c.maxSize)
}

// Len returns the current entry count.
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// MaxSize returns the configured capacity.
func (c *LRU) MaxSize() int {
	return c.maxSize
}

// Stats returns a snapshot of the counters.
func (c *LRU) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	rate := 0.0
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total) * 100
	}
	return Stats{
		Hits:      hits,
		Misses:    misses,
		Sets:      c.sets.Load(),
		Evictions: c.evictions.Load(),
		HitRate:   rate,
	}
}
