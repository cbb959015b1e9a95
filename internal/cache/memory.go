package cache

import (
	"container/list"
	"regexp"
	"time"
)

// memoryEntry is one record in the fast in-process tier.
type memoryEntry struct {
	key       string
	value     interface{}
	expiresAt time.Time
	tags      []string
}

// memoryTier is the fast in-process cache tier. Eviction order is LRU by
// default; with the fifo strategy, reads do not refresh recency and entries
// leave in insertion order. Not safe for concurrent use on its own; the
// Manager serializes access.
type memoryTier struct {
	entries    map[string]*list.Element
	order      *list.List // front = next eviction candidate
	maxEntries int
	lru        bool

	hits   int64
	misses int64
}

func newMemoryTier(maxEntries int, lru bool) *memoryTier {
	return &memoryTier{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: maxEntries,
		lru:        lru,
	}
}

// get returns the value for an unexpired key. Expired entries are deleted on
// read and count as misses.
func (t *memoryTier) get(key string) (interface{}, bool) {
	el, ok := t.entries[key]
	if !ok {
		t.misses++
		return nil, false
	}
	entry := el.Value.(*memoryEntry)
	if time.Now().After(entry.expiresAt) {
		t.remove(el)
		t.misses++
		return nil, false
	}
	if t.lru {
		t.order.MoveToBack(el)
	}
	t.hits++
	return entry.value, true
}

// set stores a value with a TTL and tags, evicting past capacity first.
// Overwriting an existing key refreshes its value and expiry in place.
func (t *memoryTier) set(key string, value interface{}, ttl time.Duration, tags []string) {
	if el, ok := t.entries[key]; ok {
		entry := el.Value.(*memoryEntry)
		entry.value = value
		entry.expiresAt = time.Now().Add(ttl)
		entry.tags = tags
		if t.lru {
			t.order.MoveToBack(el)
		}
		return
	}

	// Capacity is enforced before admission.
	for t.order.Len() >= t.maxEntries {
		front := t.order.Front()
		if front == nil {
			break
		}
		t.remove(front)
	}

	el := t.order.PushBack(&memoryEntry{
		key:       key,
		value:     value,
		expiresAt: time.Now().Add(ttl),
		tags:      tags,
	})
	t.entries[key] = el
}

func (t *memoryTier) remove(el *list.Element) {
	t.order.Remove(el)
	delete(t.entries, el.Value.(*memoryEntry).key)
}

// delete removes a key, reporting whether it existed.
func (t *memoryTier) delete(key string) bool {
	el, ok := t.entries[key]
	if !ok {
		return false
	}
	t.remove(el)
	return true
}

// invalidatePattern removes all keys matching the regex, returning the count.
func (t *memoryTier) invalidatePattern(re *regexp.Regexp) int {
	removed := 0
	for el := t.order.Front(); el != nil; {
		next := el.Next()
		if re.MatchString(el.Value.(*memoryEntry).key) {
			t.remove(el)
			removed++
		}
		el = next
	}
	return removed
}

// invalidateTag removes all entries carrying the tag, returning the count.
func (t *memoryTier) invalidateTag(tag string) int {
	removed := 0
	for el := t.order.Front(); el != nil; {
		next := el.Next()
		entry := el.Value.(*memoryEntry)
		for _, et := range entry.tags {
			if et == tag {
				t.remove(el)
				removed++
				break
			}
		}
		el = next
	}
	return removed
}

// clear empties the tier without resetting counters.
func (t *memoryTier) clear() {
	t.entries = make(map[string]*list.Element)
	t.order.Init()
}

func (t *memoryTier) size() int {
	return len(t.entries)
}
