package pathsel

import "container/list"

// lruCache is a bounded, single-goroutine-owned LRU cache from a 32-byte
// seed to a resolved path. Per SPEC_FULL.md §5, this cache is meant to be
// either per-worker or sharded; a bare shared instance would reintroduce
// the global contention the design explicitly avoids, so callers own one
// instance per worker (mirroring internal/bufpool.Pool's ownership model).
//
// Built on container/list rather than a third-party LRU package: no repo
// in the retrieved corpus imports a standalone LRU cache dependency (see
// DESIGN.md), so this continues the hand-rolled free-list/ring idiom the
// teacher and joeycumines-go-utilpkg/catrate both use for bounded
// collections.
type lruCache struct {
	capacity int
	ll       *list.List
	items    map[[32]byte]*list.Element
}

type cacheEntry struct {
	key  [32]byte
	path []NodeID
}

func newLRUCache(capacity int) *lruCache {
	if capacity <= 0 {
		capacity = 4096
	}
	return &lruCache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[[32]byte]*list.Element, capacity),
	}
}

func (c *lruCache) get(key [32]byte) ([]NodeID, bool) {
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*cacheEntry).path, true
}

func (c *lruCache) put(key [32]byte, path []NodeID) {
	if el, ok := c.items[key]; ok {
		c.ll.MoveToFront(el)
		el.Value.(*cacheEntry).path = path
		return
	}
	el := c.ll.PushFront(&cacheEntry{key: key, path: path})
	c.items[key] = el

	for c.ll.Len() > c.capacity {
		back := c.ll.Back()
		if back == nil {
			break
		}
		c.ll.Remove(back)
		delete(c.items, back.Value.(*cacheEntry).key)
	}
}
