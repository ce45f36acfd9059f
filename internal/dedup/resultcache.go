package dedup

import (
	"container/heap"
	"encoding/json"
	"sync"
	"time"
)

type resultEntry struct {
	ttlItem
	value json.RawMessage
	cid   string
}

// ResultCache retains the successful outcome of a signal id for a short
// window so it can be fetched again by id (the mesh/result capability)
// without re-executing the capability. The route pipeline writes to it but
// does not read from it. Failures are never cached — only a successful
// TraceResult is worth replaying.
type ResultCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]*resultEntry
	heap    ttlHeap
}

// NewResultCache creates a cache whose entries expire after ttl.
func NewResultCache(ttl time.Duration) *ResultCache {
	h := make(ttlHeap, 0)
	heap.Init(&h)
	return &ResultCache{ttl: ttl, entries: make(map[string]*resultEntry), heap: h}
}

// Put records a successful result for id.
func (c *ResultCache) Put(id string, value json.RawMessage, cid string) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictLocked(now)
	item := &ttlItem{key: id, expiry: now.Add(c.ttl)}
	entry := &resultEntry{ttlItem: *item, value: value, cid: cid}
	c.entries[id] = entry
	heap.Push(&c.heap, item)
}

// Get returns the cached value for id, if still fresh.
func (c *ResultCache) Get(id string) (value json.RawMessage, cid string, ok bool) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictLocked(now)
	entry, found := c.entries[id]
	if !found {
		return nil, "", false
	}
	return entry.value, entry.cid, true
}

func (c *ResultCache) evictLocked(now time.Time) {
	for len(c.heap) > 0 && c.heap[0].expiry.Before(now) {
		expired := heap.Pop(&c.heap).(*ttlItem)
		delete(c.entries, expired.key)
	}
}

// Evict drops all expired entries and reports how many were removed.
func (c *ResultCache) Evict() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	before := len(c.entries)
	c.evictLocked(time.Now())
	return before - len(c.entries)
}
