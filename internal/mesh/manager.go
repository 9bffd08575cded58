package mesh

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/encark/fmtc/internal/wire"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultRetryLimit       = 10
	DefaultConnectJitter    = 4 * time.Second
	DefaultConnectInterval  = 8 * time.Second
	DefaultReconnectDelay   = 2 * time.Second
)

var errSelfConnect = errors.New("peer address points at this node")

// PeerConfig is a desired peer. Seeds are retried forever; other peers are
// pruned after RetryLimit consecutive failures.
type PeerConfig struct {
	Address string `json:"address"`
	Seed    bool   `json:"seed"`
	Retries int    `json:"retries"`
}

// ManagerConfig wires the mesh connection manager.
type ManagerConfig struct {
	Log              *zap.Logger
	Center           *Center
	Peers            []string
	TLS              TLSConfig
	HandshakeTimeout time.Duration
	RetryLimit       int
	Jitter           time.Duration
	Interval         time.Duration
	ReconnectDelay   time.Duration
	Metrics          *Metrics
}

// Manager keeps links to the configured peers alive.
type Manager struct {
	log              *zap.Logger
	center           *Center
	tlsCfg           TLSConfig
	handshakeTimeout time.Duration
	retryLimit       int
	jitter           time.Duration
	interval         time.Duration
	reconnectDelay   time.Duration
	metrics          *Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	peers        map[string]*PeerConfig
	connecting   map[string]bool
	reconnecting map[string]bool
	linked       map[string]*RemoteNode
}

// NewManager builds a Manager; the seed peers are parsed eagerly.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Center == nil {
		return nil, errors.New("mesh center is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = DefaultRetryLimit
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConnectInterval
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		log:              cfg.Log,
		center:           cfg.Center,
		tlsCfg:           cfg.TLS,
		handshakeTimeout: cfg.HandshakeTimeout,
		retryLimit:       cfg.RetryLimit,
		jitter:           cfg.Jitter,
		interval:         cfg.Interval,
		reconnectDelay:   cfg.ReconnectDelay,
		metrics:          cfg.Metrics,
		ctx:              ctx,
		cancel:           cancel,
		peers:            make(map[string]*PeerConfig),
		connecting:       make(map[string]bool),
		reconnecting:     make(map[string]bool),
		linked:           make(map[string]*RemoteNode),
	}
	for _, raw := range cfg.Peers {
		if err := m.AddPeer(raw, true); err != nil {
			cancel()
			return nil, err
		}
	}
	return m, nil
}

// Center returns the routing core the manager feeds.
func (m *Manager) Center() *Center { return m.center }

// Run drives the connect loop until ctx ends, then destroys every node.
func (m *Manager) Run(ctx context.Context) error {
	defer m.Close()
	if err := m.center.Local().Initialize(ctx); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, m.cancel)
	defer stop()

	for {
		if !sleepCtx(m.ctx, randDuration(m.jitter)) {
			return nil
		}
		m.connectPending(m.ctx)
		if !sleepCtx(m.ctx, m.interval) {
			return nil
		}
		m.center.ResetWindow()
	}
}

// Close stops reconnects and destroys every node.
func (m *Manager) Close() {
	m.cancel()
	m.center.Close()
}

// AddPeer records a desired peer. Known addresses keep their settings,
// except that a seed flag is never downgraded.
func (m *Manager) AddPeer(raw string, seed bool) error {
	addr, err := ParsePeerAddress(raw)
	if err != nil {
		return err
	}
	key := addr.String()
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.peers[key]; ok {
		p.Seed = p.Seed || seed
		return nil
	}
	m.peers[key] = &PeerConfig{Address: key, Seed: seed}
	return nil
}

// Peers lists the desired peers ordered by address.
func (m *Manager) Peers() []PeerConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PeerConfig, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func (m *Manager) pendingPeers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.peers))
	for addr := range m.peers {
		if m.linked[addr] != nil || m.connecting[addr] {
			continue
		}
		out = append(out, addr)
	}
	return out
}

func (m *Manager) connectPending(ctx context.Context) {
	var g errgroup.Group
	for _, addr := range m.pendingPeers() {
		g.Go(func() error {
			if err := m.Connect(ctx, addr); err != nil {
				m.log.Debug("peer connect attempt failed", zap.String("address", addr), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Connect dials addr, completes the handshake and registers the peer. It is
// a no-op when the address is already linked or being dialed.
func (m *Manager) Connect(ctx context.Context, raw string) error {
	addr, err := ParsePeerAddress(raw)
	if err != nil {
		return err
	}
	key := addr.String()

	m.mu.Lock()
	if m.connecting[key] || m.linked[key] != nil {
		m.mu.Unlock()
		return nil
	}
	m.connecting[key] = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.connecting, key)
		m.mu.Unlock()
	}()

	node, err := m.dial(ctx, addr)
	if err != nil {
		m.recordFailure(key, err)
		return err
	}

	m.mu.Lock()
	if p, ok := m.peers[key]; ok {
		p.Retries = 0
	}
	m.linked[key] = node
	m.mu.Unlock()

	if err := node.Initialize(ctx); err != nil {
		node.Destroy()
		return err
	}
	select {
	case <-node.Done():
		// replaced or dropped before it was bound
		m.mu.Lock()
		if m.linked[key] == node {
			delete(m.linked, key)
		}
		m.mu.Unlock()
		return fmt.Errorf("%s: link closed during setup: %w", key, wire.ErrDisconnected)
	default:
	}
	m.metrics.RecordConnectSuccess()
	m.log.Info("peer linked", zap.String("peer", node.ID()), zap.String("address", key))
	return nil
}

func (m *Manager) dial(ctx context.Context, addr PeerAddress) (*RemoteNode, error) {
	opt, err := dialTransportOption(addr, m.tlsCfg)
	if err != nil {
		return nil, err
	}
	conn, err := grpc.NewClient(addr.Host, opt)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	streamCtx, cancelStream := context.WithCancel(context.Background())
	closeConn := func() {
		cancelStream()
		conn.Close()
	}
	streamCtx = metadata.NewOutgoingContext(streamCtx, metadata.Pairs(
		wire.MetaNodeID, m.center.ID(),
		wire.MetaPublish, m.center.PublishAddress(),
		wire.MetaCertificate, m.center.Delegate().LocalCertificate(),
	))

	hctx, cancel := context.WithTimeout(ctx, m.handshakeTimeout)
	defer cancel()

	type result struct {
		stream grpc.ClientStream
		init   wire.InitComplete
		err    error
	}
	done := make(chan result, 1)
	go func() {
		stream, err := wire.OpenLink(streamCtx, conn)
		if err != nil {
			done <- result{err: err}
			return
		}
		var f wire.Frame
		if err := stream.RecvMsg(&f); err != nil {
			done <- result{err: err}
			return
		}
		if f.Type != wire.FrameInit {
			done <- result{err: fmt.Errorf("unexpected %q frame during handshake", f.Type)}
			return
		}
		var init wire.InitComplete
		err = wire.Unmarshal(f.Data, &init)
		done <- result{stream: stream, init: init, err: err}
	}()

	var r result
	select {
	case r = <-done:
	case <-hctx.Done():
		closeConn()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s: %w", addr, ErrHandshakeTimeout)
	}
	if r.err != nil {
		closeConn()
		return nil, handshakeError(addr, r.err)
	}
	if r.init.ID == "" {
		closeConn()
		return nil, fmt.Errorf("%s: handshake without node id", addr)
	}
	if r.init.ID == m.center.ID() {
		closeConn()
		return nil, errSelfConnect
	}

	node := m.newRemote(r.init.ID, addr.String(), time.UnixMilli(r.init.Time), r.stream)
	node.link.closeConn = closeConn
	if err := m.center.registerNode(node); err != nil {
		closeConn()
		return nil, fmt.Errorf("register %s: %w", r.init.ID, err)
	}
	return node, nil
}

func handshakeError(addr PeerAddress, err error) error {
	switch status.Code(err) {
	case codes.AlreadyExists:
		return fmt.Errorf("%s: %w", addr, ErrRepeatConnect)
	case codes.Unauthenticated:
		return fmt.Errorf("%s: %s: %w", addr, status.Convert(err).Message(), ErrAuthRejected)
	case codes.FailedPrecondition:
		return errSelfConnect
	}
	return fmt.Errorf("%s: handshake: %w", addr, err)
}

func (m *Manager) newRemote(id, publish string, initTime time.Time, stream wire.LinkStream) *RemoteNode {
	node := newRemoteNode(m.center, id, publish, initTime, stream)
	node.link.onClose = func() { m.nodeClosed(node) }
	return node
}

// bind records that addr is served by node so the loop does not dial it.
func (m *Manager) bind(addr string, node *RemoteNode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur := m.linked[addr]; cur == nil {
		m.linked[addr] = node
	}
}

func (m *Manager) recordFailure(addr string, err error) {
	m.metrics.RecordConnectFailure()

	m.mu.Lock()
	p, ok := m.peers[addr]
	pruned := false
	if ok {
		p.Retries++
		if errors.Is(err, errSelfConnect) || (!p.Seed && p.Retries >= m.retryLimit) {
			delete(m.peers, addr)
			pruned = true
		}
	}
	m.mu.Unlock()

	switch {
	case errors.Is(err, errSelfConnect):
		m.log.Info("dropping peer address that points at this node", zap.String("address", addr))
	case pruned:
		m.metrics.RecordPrunedPeer()
		m.log.Warn("pruning peer after repeated failures", zap.String("address", addr), zap.Error(err))
	case errors.Is(err, ErrRepeatConnect):
		m.log.Info("peer already linked", zap.String("address", addr))
	default:
		m.log.Warn("peer connect failed", zap.String("address", addr), zap.Error(err))
	}
}

func (m *Manager) nodeClosed(node *RemoteNode) {
	m.mu.Lock()
	for addr, n := range m.linked {
		if n == node {
			delete(m.linked, addr)
		}
	}
	m.mu.Unlock()

	if !m.center.removeNode(node) {
		return
	}
	m.log.Info("peer link lost", zap.String("peer", node.ID()))
	if node.PublishAddress() != "" && m.scheduleReconnect(node.PublishAddress()) {
		m.metrics.RecordReconnect()
	}
}

// scheduleReconnect dials addr after a short random delay. It reports false
// when a dial to addr is already pending or the manager is stopping.
func (m *Manager) scheduleReconnect(addr string) bool {
	if m.ctx.Err() != nil {
		return false
	}
	m.mu.Lock()
	if m.reconnecting[addr] || m.connecting[addr] || m.linked[addr] != nil {
		m.mu.Unlock()
		return false
	}
	if _, ok := m.peers[addr]; !ok {
		m.peers[addr] = &PeerConfig{Address: addr}
	}
	m.reconnecting[addr] = true
	m.mu.Unlock()

	delay := randDuration(m.reconnectDelay)
	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.reconnecting, addr)
			m.mu.Unlock()
		}()
		if !sleepCtx(m.ctx, delay) {
			return
		}
		if err := m.Connect(m.ctx, addr); err != nil {
			m.log.Debug("reconnect failed", zap.String("address", addr), zap.Error(err))
		}
	}()
	return true
}

func randDuration(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
