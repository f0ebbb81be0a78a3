package render

import (
	"container/list"
	"sync"
)

const defaultCacheSize = 256

// cacheKey identifies one highlighted block.
type cacheKey struct {
	lang string
	dark bool
	code string
}

type cacheEntry struct {
	key  cacheKey
	html string
}

// highlightCache is an LRU of highlighted code blocks, so re-rendering a
// growing conversation only highlights blocks it has not seen.
type highlightCache struct {
	mu      sync.Mutex
	maxSize int
	entries map[cacheKey]*list.Element
	lru     *list.List
}

func newHighlightCache(maxSize int) *highlightCache {
	if maxSize <= 0 {
		maxSize = defaultCacheSize
	}
	return &highlightCache{
		maxSize: maxSize,
		entries: make(map[cacheKey]*list.Element),
		lru:     list.New(),
	}
}

// Get returns the cached markup and marks it most recently used.
func (c *highlightCache) Get(key cacheKey) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.lru.MoveToFront(elem)
		return elem.Value.(*cacheEntry).html, true
	}
	return "", false
}

// Put stores markup, evicting the least recently used entry when full.
func (c *highlightCache) Put(key cacheKey, html string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.lru.MoveToFront(elem)
		elem.Value.(*cacheEntry).html = html
		return
	}
	if c.lru.Len() >= c.maxSize {
		c.evictOldest()
	}
	c.entries[key] = c.lru.PushFront(&cacheEntry{key: key, html: html})
}

// evictOldest must be called with the lock held.
func (c *highlightCache) evictOldest() {
	oldest := c.lru.Back()
	if oldest == nil {
		return
	}
	delete(c.entries, oldest.Value.(*cacheEntry).key)
	c.lru.Remove(oldest)
}

// Clear drops every entry. Called when the highlighter is disposed.
func (c *highlightCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[cacheKey]*list.Element)
	c.lru.Init()
}

func (c *highlightCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
