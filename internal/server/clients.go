package server

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/encark/fmtc/internal/mesh"
	"go.uber.org/zap"
)

const defaultReadLimit = 1 << 20

// ClientOptions configures the client WebSocket endpoint.
type ClientOptions struct {
	Log              *zap.Logger
	Center           *mesh.Center
	Metrics          *sessionMetrics
	PingInterval     time.Duration
	ForceLogoutGrace time.Duration
	CallTimeout      time.Duration
	ReadLimit        int64
	// OriginPatterns lists cross-origin hosts allowed to open sessions.
	OriginPatterns []string
}

// ClientHandler upgrades client connections and runs their sessions.
type ClientHandler struct {
	opts ClientOptions
	log  *zap.Logger

	mu       sync.Mutex
	sessions map[*Session]struct{}
	closed   bool
}

// NewClientHandler builds the handler mounted on the client listener.
func NewClientHandler(opts ClientOptions) (*ClientHandler, error) {
	if opts.Center == nil {
		return nil, errors.New("mesh center is required")
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	return &ClientHandler{
		opts:     opts,
		log:      opts.Log,
		sessions: make(map[*Session]struct{}),
	}, nil
}

// ServeHTTP accepts a WebSocket, authenticates it through the delegate and
// serves it until either side closes.
func (h *ClientHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.opts.OriginPatterns,
	})
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.String("address", r.RemoteAddr), zap.Error(err))
		return
	}
	conn.SetReadLimit(h.opts.ReadLimit)

	query := r.URL.Query()
	hs := mesh.Handshake{
		ClientID:   query.Get("id"),
		Query:      query,
		Header:     r.Header.Clone(),
		RemoteAddr: r.RemoteAddr,
	}
	sess := newSession(sessionConfig{
		log:          h.log,
		center:       h.opts.Center,
		metrics:      h.opts.Metrics,
		pingInterval: h.opts.PingInterval,
		forceGrace:   h.opts.ForceLogoutGrace,
		callTimeout:  h.opts.CallTimeout,
		onClose:      h.untrack,
	}, wsTransport{conn: conn}, hs)

	if !h.track(sess) {
		sess.shutdown(websocket.StatusGoingAway, "server shutting down", nil)
		return
	}

	ctx := r.Context()
	if err := sess.authenticate(ctx); err != nil {
		h.log.Info("client rejected", zap.String("client_id", hs.ClientID), zap.String("address", hs.RemoteAddr), zap.Error(err))
		h.opts.Metrics.recordRejected()
		sess.shutdown(websocket.StatusPolicyViolation, "authentication rejected", err)
		return
	}
	sess.start()
	if err := sess.activate(ctx); err != nil {
		h.log.Info("client login refused", zap.String("client_id", hs.ClientID), zap.Error(err))
		h.opts.Metrics.recordRejected()
		sess.shutdown(websocket.StatusPolicyViolation, err.Error(), err)
		return
	}

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			sess.Close(err)
			return
		}
		sess.handleIncomingPacket(data, typ == websocket.MessageText)
	}
}

func (h *ClientHandler) track(s *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.sessions[s] = struct{}{}
	return true
}

func (h *ClientHandler) untrack(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s)
	h.mu.Unlock()
}

// Sessions reports the number of open sessions.
func (h *ClientHandler) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// CloseAll refuses new sessions and closes the open ones.
func (h *ClientHandler) CloseAll() {
	h.mu.Lock()
	h.closed = true
	open := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		open = append(open, s)
	}
	h.mu.Unlock()

	for _, s := range open {
		s.shutdown(websocket.StatusGoingAway, "server shutting down", nil)
	}
}
