package respool

import (
	"container/list"
	"sync"
	"time"
)

// defaultCacheEntries bounds the pool's ad-hoc memoization cache.
const defaultCacheEntries = 256

type cacheEntry struct {
	key       string
	value     interface{}
	expiresAt time.Time
}

// simpleCache is a small bounded TTL cache for ad-hoc memoization inside the
// pool, independent of the tiered CacheManager. When full, the oldest entry
// by insertion order is evicted.
type simpleCache struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List // front = oldest insertion
	maxEntries int
}

func newSimpleCache(maxEntries int) *simpleCache {
	if maxEntries <= 0 {
		maxEntries = defaultCacheEntries
	}
	return &simpleCache{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: maxEntries,
	}
}

// get returns the value and whether it was present and unexpired.
// Expired entries are deleted on read.
func (c *simpleCache) get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.order.Remove(el)
		delete(c.entries, key)
		return nil, false
	}
	return entry.value, true
}

// set stores a value with a TTL, evicting the oldest entry when full.
// Overwriting an existing key keeps its insertion position.
func (c *simpleCache) set(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*cacheEntry)
		entry.value = value
		entry.expiresAt = time.Now().Add(ttl)
		return
	}

	if c.order.Len() >= c.maxEntries {
		oldest := c.order.Front()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*cacheEntry).key)
		}
	}

	el := c.order.PushBack(&cacheEntry{
		key:       key,
		value:     value,
		expiresAt: time.Now().Add(ttl),
	})
	c.entries[key] = el
}

// delete removes an entry, reporting whether one existed.
func (c *simpleCache) delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return false
	}
	c.order.Remove(el)
	delete(c.entries, key)
	return true
}

// size returns the current entry count, counting expired-but-unread entries.
func (c *simpleCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// clear empties the cache.
func (c *simpleCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
}
