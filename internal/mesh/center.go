// Package mesh federates FMTC nodes: it keeps the node registry and the
// local client registry, resolves which node owns a client and moves
// presence, events and calls between nodes.
package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/encark/fmtc/internal/registry"
	"github.com/encark/fmtc/internal/rpc"
	"github.com/encark/fmtc/internal/wire"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultQueryTimeout = 10 * time.Second

// CenterConfig wires the routing core.
type CenterConfig struct {
	Log            *zap.Logger
	NodeID         string
	PublishAddress string
	Delegate       Delegate
	Metrics        *Metrics
	CallTimeout    time.Duration
	QueryTimeout   time.Duration
	OfflineTTL     time.Duration
}

// Center owns the node registry, the local client registry and the routing
// state of one process.
type Center struct {
	log          *zap.Logger
	id           string
	publish      string
	delegate     Delegate
	metrics      *Metrics
	callTimeout  time.Duration
	queryTimeout time.Duration

	local     *LocalNode
	routes    *registry.RouteTable
	offline   *registry.OfflineCache
	marks     *registry.MarkSet
	listeners listeners

	mu      sync.RWMutex
	nodes   map[string]Node
	clients map[string]Client
	closed  bool
}

// NewCenter builds a Center and registers its LocalNode.
func NewCenter(cfg CenterConfig) (*Center, error) {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	if cfg.Delegate == nil {
		cfg.Delegate = &BaseDelegate{}
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = rpc.DefaultTimeout
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = defaultQueryTimeout
	}

	c := &Center{
		log:          cfg.Log.With(zap.String("node_id", cfg.NodeID)),
		id:           cfg.NodeID,
		publish:      cfg.PublishAddress,
		delegate:     cfg.Delegate,
		metrics:      cfg.Metrics,
		callTimeout:  cfg.CallTimeout,
		queryTimeout: cfg.QueryTimeout,
		routes:       registry.NewRouteTable(),
		offline:      registry.NewOfflineCache(cfg.OfflineTTL),
		marks:        registry.NewMarkSet(),
		nodes:        make(map[string]Node),
		clients:      make(map[string]Client),
	}
	c.local = &LocalNode{c: c, initTime: nowMilli()}
	if err := c.local.Initialize(context.Background()); err != nil {
		return nil, err
	}
	return c, nil
}

// ID is the local node id.
func (c *Center) ID() string { return c.id }

// PublishAddress is the address peers use to reach this node, if any.
func (c *Center) PublishAddress() string { return c.publish }

// Delegate returns the application hooks.
func (c *Center) Delegate() Delegate { return c.delegate }

// Local returns the node serving this process's clients.
func (c *Center) Local() *LocalNode { return c.local }

// Listen subscribes fn to process-level notifications. fn runs on the
// goroutine that caused the notification and must not block.
func (c *Center) Listen(fn func(Notification)) (cancel func()) {
	return c.listeners.add(fn)
}

// Nodes lists the registered nodes ordered by id.
func (c *Center) Nodes() []NodeInfo {
	nodes := c.snapshotNodes()
	out := make([]NodeInfo, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, infoOf(n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Node fetches a registered node by id.
func (c *Center) Node(id string) (Node, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.nodes[id]
	return n, ok
}

// Routes returns a copy of the route table.
func (c *Center) Routes() []registry.RouteEntry {
	return c.routes.Snapshot()
}

// ClientCount reports the number of locally hosted sessions.
func (c *Center) ClientCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.clients)
}

func (c *Center) snapshotNodes() []Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		out = append(out, n)
	}
	return out
}

func (c *Center) localClient(id string) (Client, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cl, ok := c.clients[id]
	return cl, ok
}

func (c *Center) localClients() []Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Client, 0, len(c.clients))
	for _, cl := range c.clients {
		out = append(out, cl)
	}
	return out
}

// registerNode adds n to the node registry. For a node id that is already
// registered the registration with the smaller InitTime survives.
func (c *Center) registerNode(n Node) error {
	id := n.ID()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return wire.ErrDisconnected
	}
	if id == c.id && n != Node(c.local) {
		c.mu.Unlock()
		return ErrRepeatConnect
	}
	existing, ok := c.nodes[id]
	if ok && existing == n {
		c.mu.Unlock()
		return nil
	}
	if ok && !n.InitTime().Before(existing.InitTime()) {
		c.mu.Unlock()
		c.log.Info("rejecting repeat node connect", zap.String("peer", id))
		return ErrRepeatConnect
	}
	c.nodes[id] = n
	count := len(c.nodes)
	c.mu.Unlock()

	c.metrics.SetNodes(count)
	if ok {
		c.log.Info("replacing node registration with earlier link", zap.String("peer", id))
		existing.Destroy()
		return nil
	}
	c.log.Info("node registered", zap.String("peer", id), zap.String("address", n.PublishAddress()))
	c.listeners.emit(AddNode{Node: infoOf(n)})
	return nil
}

// removeNode drops n if it is still the registered node for its id and
// evicts the routes that pointed at it.
func (c *Center) removeNode(n Node) bool {
	id := n.ID()
	c.mu.Lock()
	cur, ok := c.nodes[id]
	if !ok || cur != n {
		c.mu.Unlock()
		return false
	}
	delete(c.nodes, id)
	count := len(c.nodes)
	c.mu.Unlock()

	c.metrics.SetNodes(count)
	evicted := c.routes.RemoveNode(id)
	c.log.Info("node removed", zap.String("peer", id), zap.Int("routes_evicted", evicted))
	c.listeners.emit(DeleteNode{Node: infoOf(n)})
	return true
}

// Close removes and destroys every registered node, emitting DeleteNode for
// each peer. The Center rejects new nodes afterwards.
func (c *Center) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	for _, n := range c.snapshotNodes() {
		if n == Node(c.local) {
			continue
		}
		c.removeNode(n)
		n.Destroy()
	}
	c.mu.Lock()
	delete(c.nodes, c.id)
	c.mu.Unlock()
	c.routes.RemoveNode(c.id)
	c.local.Destroy()
	c.metrics.SetNodes(0)
}

// Login registers a local session and announces it to every node. A session
// that loses to an existing one is rejected with ErrDuplicateLogin; an
// existing session that loses is forced out.
func (c *Center) Login(ctx context.Context, cl Client) error {
	id := cl.ClientID()
	stamp := cl.Stamp()
	if r, ok := c.routes.Get(id); ok && r.NodeID != c.id && r.Beats(stamp) {
		return ErrDuplicateLogin
	}

	c.mu.Lock()
	old, ok := c.clients[id]
	if ok && old != cl && old.Stamp().Beats(stamp) {
		c.mu.Unlock()
		return ErrDuplicateLogin
	}
	c.clients[id] = cl
	c.mu.Unlock()

	if ok && old != cl {
		c.log.Info("forcing out older session", zap.String("client_id", id), zap.String("session", old.Stamp().Nonce))
		go old.ForceLogout("duplicate login")
	}

	entry := registry.RouteEntry{ClientID: id, NodeID: c.id, Stamp: stamp}
	return c.Publish(ctx, EventLogin, noticeOf(entry))
}

// Logout deregisters a local session if it is still the current one for its
// client id and announces the logout.
func (c *Center) Logout(ctx context.Context, cl Client) {
	id := cl.ClientID()
	c.mu.Lock()
	cur, ok := c.clients[id]
	if !ok || cur != cl {
		c.mu.Unlock()
		return
	}
	delete(c.clients, id)
	c.mu.Unlock()

	entry := registry.RouteEntry{ClientID: id, NodeID: c.id, Stamp: cl.Stamp()}
	if err := c.Publish(ctx, EventLogout, noticeOf(entry)); err != nil {
		c.log.Debug("logout publish incomplete", zap.String("client_id", id), zap.Error(err))
	}
}

// Publish delivers an event to the local sessions of every node. Receivers
// never forward it further.
func (c *Center) Publish(ctx context.Context, event string, data any) error {
	raw, err := wire.Marshal(data)
	if err != nil {
		return err
	}
	if err := c.local.Publish(ctx, event, raw); err != nil {
		return err
	}
	var errs []error
	for _, n := range c.snapshotNodes() {
		if n == Node(c.local) {
			continue
		}
		if err := n.Publish(ctx, event, raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Center) receivePublish(ctx context.Context, event string, data json.RawMessage) {
	switch event {
	case EventLogin, EventLogout:
		var notice presenceNotice
		if err := wire.Unmarshal(data, &notice); err != nil {
			c.log.Debug("dropping malformed presence event", zap.String("event", event), zap.Error(err))
			return
		}
		if event == EventLogin {
			c.applyLogin(notice)
		} else {
			c.applyLogout(notice)
		}
	}
	for _, cl := range c.localClients() {
		if err := cl.Trigger(ctx, event, data, ""); err != nil {
			c.log.Debug("publish delivery failed", zap.String("client_id", cl.ClientID()), zap.Error(err))
		}
	}
}

func (c *Center) applyLogin(notice presenceNotice) {
	entry := notice.entry()
	c.offline.Clear(entry.ClientID)

	if entry.NodeID != c.id {
		c.mu.Lock()
		local, ok := c.clients[entry.ClientID]
		if ok {
			if local.Stamp().Nonce == entry.Nonce {
				ok = false
			} else if local.Stamp().Beats(entry.Stamp) {
				c.mu.Unlock()
				c.log.Debug("ignoring login beaten by local session", zap.String("client_id", entry.ClientID), zap.String("peer", entry.NodeID))
				return
			} else {
				delete(c.clients, entry.ClientID)
			}
		}
		c.mu.Unlock()
		if ok {
			c.log.Info("session logged in elsewhere", zap.String("client_id", entry.ClientID), zap.String("peer", entry.NodeID))
			go local.ForceLogout("login elsewhere")
		}
	}

	prev, had := c.routes.Get(entry.ClientID)
	if !c.routes.Apply(entry) {
		return
	}
	if had && prev.NodeID == entry.NodeID && prev.Nonce == entry.Nonce {
		return
	}
	c.listeners.emit(Login{ClientID: entry.ClientID, NodeID: entry.NodeID, Stamp: entry.Stamp})
}

func (c *Center) applyLogout(notice presenceNotice) {
	removed, ok := c.routes.Remove(notice.ClientID, notice.Nonce)
	if !ok {
		return
	}
	c.listeners.emit(Logout{ClientID: removed.ClientID, NodeID: removed.NodeID, Stamp: removed.Stamp})
}

// ResetWindow clears the broadcast mark set and expired offline entries.
func (c *Center) ResetWindow() {
	c.marks.Reset()
	c.offline.Sweep()
}

func nowMilli() time.Time {
	return time.UnixMilli(time.Now().UnixMilli())
}
