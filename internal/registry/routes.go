// Package registry holds the per-process routing state: the route table,
// the negative cache for unreachable clients and the broadcast mark set.
package registry

import (
	"sort"
	"sync"
	"time"
)

// Stamp identifies one login of a client.
type Stamp struct {
	Nonce     string
	LoginTime time.Time
}

// Beats reports whether s takes precedence over o. A later login wins; on
// equal login times the greater nonce wins. Equal stamps never beat each other.
func (s Stamp) Beats(o Stamp) bool {
	if !s.LoginTime.Equal(o.LoginTime) {
		return s.LoginTime.After(o.LoginTime)
	}
	return s.Nonce > o.Nonce
}

// RouteEntry maps a client to the node that currently hosts it.
type RouteEntry struct {
	ClientID string
	NodeID   string
	Stamp
}

// RouteTable is the process-local view of client ownership.
type RouteTable struct {
	mu     sync.RWMutex
	routes map[string]RouteEntry
}

// NewRouteTable builds an empty table.
func NewRouteTable() *RouteTable {
	return &RouteTable{routes: make(map[string]RouteEntry)}
}

// Get fetches the route for a client.
func (t *RouteTable) Get(clientID string) (RouteEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.routes[clientID]
	return r, ok
}

// Apply installs entry unless the table holds a route that beats it.
// It reports whether the entry was installed.
func (t *RouteTable) Apply(entry RouteEntry) bool {
	if entry.ClientID == "" || entry.NodeID == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.routes[entry.ClientID]; ok && existing.Beats(entry.Stamp) {
		return false
	}
	t.routes[entry.ClientID] = entry
	return true
}

// Remove deletes the route only when its nonce matches; stale logouts for a
// superseded session are ignored.
func (t *RouteTable) Remove(clientID, nonce string) (RouteEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.routes[clientID]
	if !ok || existing.Nonce != nonce {
		return RouteEntry{}, false
	}
	delete(t.routes, clientID)
	return existing, true
}

// RemoveNode evicts every route hosted on nodeID.
func (t *RouteTable) RemoveNode(nodeID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, r := range t.routes {
		if r.NodeID == nodeID {
			delete(t.routes, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of routes.
func (t *RouteTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.routes)
}

// Snapshot returns all routes ordered by client id.
func (t *RouteTable) Snapshot() []RouteEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]RouteEntry, 0, len(t.routes))
	for _, r := range t.routes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}
