package memory

import (
	"container/list"
	"sync"
)

// queryCacheKeyLen truncates query text for cache keys: long queries
// with a common prefix are near-identical for embedding purposes.
const queryCacheKeyLen = 64

// queryCache is a small LRU of query embeddings.
type queryCache struct {
	mux   sync.Mutex
	cap   int
	order *list.List
	items map[string]*list.Element
}

type cacheEntry struct {
	key string
	vec []float32
}

func newQueryCache(capacity int) *queryCache {
	if capacity <= 0 {
		capacity = 32
	}
	return &queryCache{
		cap:   capacity,
		order: list.New(),
		items: make(map[string]*list.Element),
	}
}

func cacheKey(query string) string {
	if len(query) > queryCacheKeyLen {
		return query[:queryCacheKeyLen]
	}
	return query
}

func (c *queryCache) get(query string) ([]float32, bool) {
	c.mux.Lock()
	defer c.mux.Unlock()

	el, ok := c.items[cacheKey(query)]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).vec, true
}

func (c *queryCache) put(query string, vec []float32) {
	key := cacheKey(query)

	c.mux.Lock()
	defer c.mux.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value.(*cacheEntry).vec = vec
		c.order.MoveToFront(el)
		return
	}
	c.items[key] = c.order.PushFront(&cacheEntry{key: key, vec: vec})
	if c.order.Len() > c.cap {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).key)
	}
}
