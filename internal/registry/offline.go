package registry

import (
	"sync"
	"time"
)

// DefaultOfflineTTL is how long a client stays known-unreachable.
const DefaultOfflineTTL = 10 * time.Second

// OfflineCache remembers clients that a mesh-wide query failed to find.
type OfflineCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
	nowFn   func() time.Time
}

// NewOfflineCache creates a cache; a non-positive ttl selects the default.
func NewOfflineCache(ttl time.Duration) *OfflineCache {
	if ttl <= 0 {
		ttl = DefaultOfflineTTL
	}
	return &OfflineCache{
		ttl:     ttl,
		entries: make(map[string]time.Time),
		nowFn:   time.Now,
	}
}

// Mark records clientID as unreachable until now+ttl.
func (c *OfflineCache) Mark(clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[clientID] = c.nowFn().Add(c.ttl)
}

// Offline reports whether clientID has a live negative entry.
func (c *OfflineCache) Offline(clientID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiry, ok := c.entries[clientID]
	if !ok {
		return false
	}
	if !c.nowFn().Before(expiry) {
		delete(c.entries, clientID)
		return false
	}
	return true
}

// Clear forgets clientID, e.g. when it logs in somewhere.
func (c *OfflineCache) Clear(clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, clientID)
}

// Sweep drops expired entries and returns how many were removed.
func (c *OfflineCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFn()
	removed := 0
	for id, expiry := range c.entries {
		if !now.Before(expiry) {
			delete(c.entries, id)
			removed++
		}
	}
	return removed
}
