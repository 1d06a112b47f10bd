package catalog

import (
	"container/list"
	"sync"
)

// recencyCache is a bounded LRU for tier-2 bodies and tier-3 resources.
// Evicted entries are simply re-read from disk on the next miss.
type recencyCache struct {
	mu      sync.Mutex
	max     int
	order   *list.List // front = most recent
	entries map[string]*list.Element
}

type cacheEntry struct {
	key   string
	value string
}

func newRecencyCache(max int) *recencyCache {
	if max <= 0 {
		max = 32
	}
	return &recencyCache{
		max:     max,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

func (c *recencyCache) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return "", false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).value, true
}

func (c *recencyCache) put(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		el.Value.(*cacheEntry).value = value
		c.order.MoveToFront(el)
		return
	}
	c.entries[key] = c.order.PushFront(&cacheEntry{key: key, value: value})
	for c.order.Len() > c.max {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}

// invalidate drops every entry whose key has the given prefix. Called when a
// skill's content changes on disk (admission or rollback).
func (c *recencyCache) invalidate(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, el := range c.entries {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			c.order.Remove(el)
			delete(c.entries, key)
		}
	}
}

func (c *recencyCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
