package models

import "sync"

// Cache holds loaded model handles by key. Each orchestrator or worker
// owns its own.
type Cache struct {
	mu      sync.Mutex
	handles map[string]Handle
}

// NewCache returns an empty cache
func NewCache() *Cache {
	return &Cache{handles: make(map[string]Handle)}
}

// Get returns the handle stored under key
func (c *Cache) Get(key string) (Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.handles[key]
	return h, ok
}

// Put stores h under key, replacing any earlier handle
func (c *Cache) Put(key string, h Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handles[key] = h
}

// Len returns the number of cached handles
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handles)
}

// Clear drops every handle, closing those that implement Close
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, h := range c.handles {
		if closer, ok := h.(interface{ Close() error }); ok {
			closer.Close()
		}
		delete(c.handles, k)
	}
}
