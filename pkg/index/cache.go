package index

import (
	"container/list"
	"sync"
)

// lruCache is a bounded least-recently-used map.
type lruCache[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	items    map[K]*list.Element
	lru      *list.List

	// Statistics
	hits   int64
	misses int64
}

// CacheStats counts the lookups served by a table cache.
type CacheStats struct {
	Entries int
	Hits    int64
	Misses  int64
}

type lruItem[K comparable, V any] struct {
	key   K
	value V
}

func newLRUCache[K comparable, V any](capacity int) *lruCache[K, V] {
	return &lruCache[K, V]{
		capacity: capacity,
		items:    make(map[K]*list.Element),
		lru:      list.New(),
	}
}

// Get retrieves a value from the cache
func (c *lruCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.lru.MoveToFront(elem)
		c.hits++
		return elem.Value.(*lruItem[K, V]).value, true
	}

	c.misses++
	var zero V
	return zero, false
}

// Put adds or replaces a value, evicting the least recently used entry
// when over capacity.
func (c *lruCache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.lru.MoveToFront(elem)
		elem.Value.(*lruItem[K, V]).value = value
		return
	}

	c.items[key] = c.lru.PushFront(&lruItem[K, V]{key: key, value: value})

	if c.lru.Len() > c.capacity {
		if back := c.lru.Back(); back != nil {
			c.lru.Remove(back)
			delete(c.items, back.Value.(*lruItem[K, V]).key)
		}
	}
}

// Stats returns a snapshot of the cache. A nil cache reports zeros.
func (c *lruCache[K, V]) Stats() CacheStats {
	if c == nil {
		return CacheStats{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Entries: c.lru.Len(), Hits: c.hits, Misses: c.misses}
}
