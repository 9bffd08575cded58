package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/encark/fmtc/internal/mesh"
	"github.com/encark/fmtc/internal/registry"
	"github.com/encark/fmtc/internal/rpc"
	"github.com/encark/fmtc/internal/wire"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	sendBufferSize   = 256
	writeTimeout     = 10 * time.Second
	logoutTimeout    = 5 * time.Second
	maxReasonBytes   = 120
	subscribeAll     = "*"
	defaultGraceTime = 500 * time.Millisecond
)

// Methods a client may invoke on its session.
const (
	methodHasOnline   = "hasOnline"
	methodSubscribe   = "subscribe"
	methodUnsubscribe = "unsubscribe"
	methodTriggerTo   = "triggerTo"
	methodCallTo      = "callTo"
	methodSendTo      = "sendTo"
	methodUser        = "user"
	methodBroadcast   = "broadcast"
)

var (
	errSendBufferFull = errors.New("session send buffer full")
	errMissingTarget  = &wire.Error{Code: wire.CodeBadRequest, Msg: "target client id required"}
	errMissingName    = &wire.Error{Code: wire.CodeBadRequest, Msg: "event or method name required"}
)

// SessionState tracks a client session through its lifetime.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateAuthenticating
	StateActive
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Transport carries encoded frames to one client connection.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close(code websocket.StatusCode, reason string) error
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t wsTransport) Send(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t wsTransport) Ping(ctx context.Context) error {
	return t.conn.Ping(ctx)
}

func (t wsTransport) Close(code websocket.StatusCode, reason string) error {
	if err := t.conn.Close(code, reason); err != nil {
		return t.conn.CloseNow()
	}
	return nil
}

type targetArgs struct {
	ID string `json:"id"`
}

type subscribeArgs struct {
	Events []string `json:"events"`
}

// deliverArgs addresses an event or method to another client. Timeout is in
// milliseconds and only applies to callTo.
type deliverArgs struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Data    json.RawMessage `json:"data,omitempty"`
	Timeout int64           `json:"timeout,omitempty"`
}

type eventArgs struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type onlineReply struct {
	Online bool `json:"online"`
}

type broadcastReply struct {
	ID string `json:"id"`
}

type welcome struct {
	Node     string        `json:"node"`
	ClientID string        `json:"id"`
	Session  string        `json:"session"`
	Time     int64         `json:"time"`
	User     mesh.UserInfo `json:"user,omitempty"`
}

type forceLogoutNotice struct {
	Reason string `json:"reason"`
}

type sessionConfig struct {
	log          *zap.Logger
	center       *mesh.Center
	metrics      *sessionMetrics
	pingInterval time.Duration
	forceGrace   time.Duration
	callTimeout  time.Duration
	onClose      func(*Session)
}

// Session is one authenticated client connection. It is the mesh.Client the
// routing core delivers to.
type Session struct {
	cfg       sessionConfig
	log       *zap.Logger
	center    *mesh.Center
	transport Transport
	hs        mesh.Handshake
	ep        *rpc.Endpoint

	stamp registry.Stamp
	user  mesh.UserInfo

	state     atomic.Int32
	sendCh    chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	subs map[string]bool
}

var _ mesh.Client = (*Session)(nil)

func newSession(cfg sessionConfig, transport Transport, hs mesh.Handshake) *Session {
	if cfg.log == nil {
		cfg.log = zap.NewNop()
	}
	if cfg.forceGrace <= 0 {
		cfg.forceGrace = defaultGraceTime
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:       cfg,
		log:       cfg.log.With(zap.String("client_id", hs.ClientID)),
		center:    cfg.center,
		transport: transport,
		hs:        hs,
		sendCh:    make(chan []byte, sendBufferSize),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		subs:      make(map[string]bool),
	}
	s.ep = rpc.NewEndpoint(s, s.handleRequest, s.log)
	return s
}

// State reports the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) ClientID() string      { return s.hs.ClientID }
func (s *Session) Stamp() registry.Stamp { return s.stamp }
func (s *Session) User() mesh.UserInfo   { return s.user }

// Done is closed once the session has shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) authenticate(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateAuthenticating)) {
		return wire.ErrDisconnected
	}
	user, err := s.center.Delegate().Auth(ctx, s.hs)
	if err != nil {
		if !errors.Is(err, mesh.ErrAuthRejected) {
			err = fmt.Errorf("%v: %w", err, mesh.ErrAuthRejected)
		}
		return err
	}
	if user == nil {
		user = mesh.UserInfo{}
	}
	s.user = user
	s.stamp = registry.Stamp{
		Nonce:     uuid.NewString(),
		LoginTime: time.UnixMilli(time.Now().UnixMilli()),
	}
	s.log = s.log.With(zap.String("session", s.stamp.Nonce))
	return nil
}

// start launches the writer and keepalive goroutines.
func (s *Session) start() {
	go s.sendLoop()
	if s.cfg.pingInterval > 0 {
		go s.pingLoop()
	}
}

// activate registers the session with the mesh and greets the client.
func (s *Session) activate(ctx context.Context) error {
	if err := s.center.Login(ctx, s); err != nil {
		if errors.Is(err, mesh.ErrDuplicateLogin) {
			return err
		}
		s.log.Warn("login announcement incomplete", zap.Error(err))
	}
	// shutdown may have run while Login was in flight and skipped the logout
	if !s.state.CompareAndSwap(int32(StateAuthenticating), int32(StateActive)) {
		lctx, cancel := context.WithTimeout(context.Background(), logoutTimeout)
		s.center.Logout(lctx, s)
		cancel()
		return wire.ErrDisconnected
	}
	s.cfg.metrics.incSession()

	data, err := wire.Marshal(welcome{
		Node:     s.center.ID(),
		ClientID: s.hs.ClientID,
		Session:  s.stamp.Nonce,
		Time:     s.stamp.LoginTime.UnixMilli(),
		User:     s.user,
	})
	if err != nil {
		return err
	}
	s.log.Info("client connected", zap.String("address", s.hs.RemoteAddr))
	return s.WriteFrame(&wire.Frame{Type: wire.FrameInit, Data: data})
}

// WriteFrame queues f for the client without blocking.
func (s *Session) WriteFrame(f *wire.Frame) error {
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return wire.ErrDisconnected
	default:
	}
	select {
	case s.sendCh <- data:
		return nil
	default:
		return errSendBufferFull
	}
}

func (s *Session) sendLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case data := <-s.sendCh:
			wctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
			err := s.transport.Send(wctx, data)
			cancel()
			if err != nil {
				s.log.Debug("client write failed", zap.Error(err))
				s.Close(err)
				return
			}
		}
	}
}

func (s *Session) pingLoop() {
	ticker := time.NewTicker(s.cfg.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(s.ctx, s.cfg.pingInterval)
			err := s.transport.Ping(pctx)
			cancel()
			if err != nil {
				s.log.Debug("client keepalive failed", zap.Error(err))
				s.Close(err)
				return
			}
		}
	}
}

// handleIncomingPacket decodes one packet read from the transport and feeds
// it to the session endpoint.
func (s *Session) handleIncomingPacket(data []byte, isText bool) {
	if !isText {
		s.cfg.metrics.recordDropped("binary")
		return
	}
	if s.State() != StateActive {
		s.cfg.metrics.recordDropped("inactive")
		return
	}
	f, err := wire.Decode(data)
	if err != nil {
		s.log.Debug("dropping malformed packet", zap.Error(err))
		s.cfg.metrics.recordDropped("malformed")
		return
	}
	s.ep.Dispatch(f)
}

func (s *Session) handleRequest(ctx context.Context, req rpc.Request) (any, error) {
	start := time.Now()
	result, err := s.serve(ctx, req)
	op := req.Method
	if !knownMethod(op) {
		op = "unknown"
	}
	s.cfg.metrics.observeLatency(op, time.Since(start))
	if err != nil {
		s.cfg.metrics.recordError(wire.FromError(err).Code)
	}
	return result, err
}

func knownMethod(name string) bool {
	switch name {
	case methodHasOnline, methodSubscribe, methodUnsubscribe, methodTriggerTo,
		methodCallTo, methodSendTo, methodUser, methodBroadcast:
		return true
	}
	return false
}

func (s *Session) serve(ctx context.Context, req rpc.Request) (any, error) {
	switch req.Method {
	case methodHasOnline:
		var args targetArgs
		if err := wire.Unmarshal(req.Data, &args); err != nil {
			return nil, err
		}
		if args.ID == "" {
			return nil, errMissingTarget
		}
		online, err := s.center.HasOnline(ctx, args.ID)
		if err != nil {
			return nil, err
		}
		return onlineReply{Online: online}, nil

	case methodSubscribe, methodUnsubscribe:
		var args subscribeArgs
		if err := wire.Unmarshal(req.Data, &args); err != nil {
			return nil, err
		}
		if req.Method == methodSubscribe {
			s.Subscribe(args.Events...)
		} else {
			s.Unsubscribe(args.Events...)
		}
		return nil, nil

	case methodTriggerTo, methodCallTo, methodSendTo:
		var args deliverArgs
		if err := wire.Unmarshal(req.Data, &args); err != nil {
			return nil, err
		}
		if args.ID == "" {
			return nil, errMissingTarget
		}
		if args.Name == "" {
			return nil, errMissingName
		}
		d := s.center.Delegate()
		switch req.Method {
		case methodTriggerTo:
			return nil, d.TriggerTo(ctx, s.center, args.ID, args.Name, args.Data, s.hs.ClientID)
		case methodSendTo:
			return nil, d.SendTo(ctx, s.center, args.ID, args.Name, args.Data, s.hs.ClientID)
		default:
			timeout := time.Duration(args.Timeout) * time.Millisecond
			return d.CallTo(ctx, s.center, args.ID, args.Name, args.Data, timeout, s.hs.ClientID)
		}

	case methodUser:
		var args targetArgs
		if err := wire.Unmarshal(req.Data, &args); err != nil {
			return nil, err
		}
		if args.ID == "" || args.ID == s.hs.ClientID {
			return s.user, nil
		}
		return s.center.Client(args.ID).User(ctx)

	case methodBroadcast:
		var args eventArgs
		if err := wire.Unmarshal(req.Data, &args); err != nil {
			return nil, err
		}
		if args.Event == "" {
			return nil, errMissingName
		}
		id, err := s.center.Broadcast(ctx, args.Event, args.Data)
		if err != nil {
			return nil, err
		}
		return broadcastReply{ID: id}, nil

	default:
		return nil, wire.ErrUnknownMethod
	}
}

// Subscribe adds events to the delivery filter. "*" matches every event.
func (s *Session) Subscribe(events ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range events {
		if e != "" {
			s.subs[e] = true
		}
	}
}

// Unsubscribe removes events from the filter. "*" clears it entirely.
func (s *Session) Unsubscribe(events ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range events {
		if e == subscribeAll {
			clear(s.subs)
			return
		}
		delete(s.subs, e)
	}
}

func (s *Session) subscribed(event string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[subscribeAll] || s.subs[event]
}

// Trigger delivers event when the client subscribed to it; otherwise it is
// dropped silently.
func (s *Session) Trigger(_ context.Context, event string, data json.RawMessage, sender string) error {
	if !s.subscribed(event) {
		return nil
	}
	return s.ep.Emit(event, data, sender)
}

func (s *Session) Call(ctx context.Context, method string, data json.RawMessage, timeout time.Duration, sender string) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = s.cfg.callTimeout
	}
	return s.ep.Call(ctx, method, data, sender, timeout)
}

func (s *Session) Send(_ context.Context, method string, data json.RawMessage, sender string) error {
	return s.ep.Send(method, data, sender)
}

// ForceLogout tells the client why it is being dropped, waits the grace
// period so the notice can be flushed, then closes the session.
func (s *Session) ForceLogout(reason string) {
	if s.State() == StateClosed {
		return
	}
	s.cfg.metrics.recordForcedLogout(reason)
	if err := s.ep.Emit(mesh.EventForceLogout, forceLogoutNotice{Reason: reason}, ""); err != nil {
		s.log.Debug("force logout notice dropped", zap.Error(err))
	}
	timer := time.NewTimer(s.cfg.forceGrace)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-s.done:
		return
	}
	s.log.Info("session forced out", zap.String("reason", reason))
	s.shutdown(websocket.StatusPolicyViolation, reason, mesh.ErrDuplicateLogin)
}

// Close ends the session normally.
func (s *Session) Close(cause error) {
	s.shutdown(websocket.StatusNormalClosure, "", cause)
}

func (s *Session) shutdown(code websocket.StatusCode, reason string, cause error) {
	s.closeOnce.Do(func() {
		prev := SessionState(s.state.Swap(int32(StateClosed)))
		s.cancel()
		s.ep.Close(wire.ErrDisconnected)
		close(s.done)
		if len(reason) > maxReasonBytes {
			reason = reason[:maxReasonBytes]
		}
		if err := s.transport.Close(code, reason); err != nil {
			s.log.Debug("transport close", zap.Error(err))
		}

		if prev == StateActive {
			ctx, cancel := context.WithTimeout(context.Background(), logoutTimeout)
			s.center.Logout(ctx, s)
			cancel()
			s.cfg.metrics.decSession()
			s.log.Info("client disconnected", zap.NamedError("cause", cause))
		}
		if s.cfg.onClose != nil {
			s.cfg.onClose(s)
		}
	})
}
