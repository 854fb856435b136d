package domain

import "sync"

// HandleCache maps account DIDs to their most recently seen handle. Entries
// live for the lifetime of the process and are never invalidated.
type HandleCache struct {
	mu      sync.RWMutex
	handles map[string]string
}

// NewHandleCache returns an empty cache.
func NewHandleCache() *HandleCache {
	return &HandleCache{handles: make(map[string]string)}
}

// Resolve returns the cached handle for did, or did itself when unknown.
func (c *HandleCache) Resolve(did string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if h, ok := c.handles[did]; ok {
		return h
	}
	return did
}

// Remember records handle for did. Empty and placeholder handles are ignored.
func (c *HandleCache) Remember(did, handle string) {
	if did == "" || handle == "" || handle == InvalidHandle {
		return
	}
	c.mu.Lock()
	c.handles[did] = handle
	c.mu.Unlock()
}

// Len returns the number of cached handles.
func (c *HandleCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.handles)
}
