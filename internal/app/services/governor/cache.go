package governor

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Cache is the response cache consulted before any provider call. Entries
// are keyed by request fingerprint and become visible only once fully
// computed. Implementations treat their own failures as misses: caching is
// an optimization, never a correctness dependency.
type Cache interface {
	Get(ctx context.Context, fingerprint string) (string, bool)
	Put(ctx context.Context, fingerprint, value string, ttl time.Duration)
	// Sweep evicts expired entries and reports how many were removed. It
	// exists as a maintenance hook; Get already discards expired hits.
	Sweep(ctx context.Context) int
	Len() int
}

const defaultCacheCapacity = 512

type cacheEntry struct {
	fingerprint string
	value       string
	expiresAt   time.Time
}

// memoryCache is a mutex-guarded LRU with independent per-entry expiry.
// Capacity eviction and TTL expiry are independent bounds; whichever fires
// first wins.
type memoryCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	order    *list.List // front is most recently used
	now      func() time.Time
}

// NewMemoryCache builds the in-process response cache. capacity <= 0 selects
// the default.
func NewMemoryCache(capacity int) Cache {
	if capacity <= 0 {
		capacity = defaultCacheCapacity
	}
	return &memoryCache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		now:      time.Now,
	}
}

func (c *memoryCache) Get(_ context.Context, fingerprint string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[fingerprint]
	if !ok {
		return "", false
	}
	entry := el.Value.(*cacheEntry)
	if c.expiredLocked(entry) {
		c.removeLocked(el)
		return "", false
	}
	c.order.MoveToFront(el)
	return entry.value, true
}

func (c *memoryCache) Put(_ context.Context, fingerprint, value string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expires time.Time
	if ttl > 0 {
		expires = c.now().Add(ttl)
	}

	if el, ok := c.entries[fingerprint]; ok {
		entry := el.Value.(*cacheEntry)
		entry.value = value
		entry.expiresAt = expires
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&cacheEntry{fingerprint: fingerprint, value: value, expiresAt: expires})
	c.entries[fingerprint] = el
	if c.order.Len() > c.capacity {
		c.removeLocked(c.order.Back())
	}
}

func (c *memoryCache) Sweep(_ context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if c.expiredLocked(el.Value.(*cacheEntry)) {
			c.removeLocked(el)
			removed++
		}
		el = prev
	}
	return removed
}

func (c *memoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *memoryCache) expiredLocked(entry *cacheEntry) bool {
	return !entry.expiresAt.IsZero() && c.now().After(entry.expiresAt)
}

func (c *memoryCache) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	entry := c.order.Remove(el).(*cacheEntry)
	delete(c.entries, entry.fingerprint)
}
