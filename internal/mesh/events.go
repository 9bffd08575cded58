package mesh

import (
	"encoding/json"
	"sync"

	"github.com/encark/fmtc/internal/registry"
)

// Presence event names. They travel through Publish and are also delivered
// to clients subscribed to them.
const (
	EventLogin       = "Login"
	EventLogout      = "Logout"
	EventForceLogout = "ForceLogout"
)

// Notification is a process-level event delivered to Listen subscribers.
type Notification interface {
	notification()
}

// AddNode fires when a node registers.
type AddNode struct{ Node NodeInfo }

// DeleteNode fires when a registered node goes away.
type DeleteNode struct{ Node NodeInfo }

// Login fires when the route table adopts a new owner for a client.
type Login struct {
	ClientID string
	NodeID   string
	Stamp    registry.Stamp
}

// Logout fires when a route is removed by a matching logout.
type Logout struct {
	ClientID string
	NodeID   string
	Stamp    registry.Stamp
}

// BroadcastEvent fires once per broadcast id on every node.
type BroadcastEvent struct {
	ID     string
	Event  string
	Data   json.RawMessage
	Origin string
}

func (AddNode) notification()        {}
func (DeleteNode) notification()     {}
func (Login) notification()          {}
func (Logout) notification()         {}
func (BroadcastEvent) notification() {}

type listeners struct {
	mu     sync.RWMutex
	nextID int
	fns    map[int]func(Notification)
}

func (l *listeners) add(fn func(Notification)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]func(Notification))
	}
	l.nextID++
	id := l.nextID
	l.fns[id] = fn
	return func() {
		l.mu.Lock()
		delete(l.fns, id)
		l.mu.Unlock()
	}
}

func (l *listeners) emit(n Notification) {
	l.mu.RLock()
	fns := make([]func(Notification), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.RUnlock()
	for _, fn := range fns {
		fn(n)
	}
}
