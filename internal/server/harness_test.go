package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/encark/fmtc/internal/mesh"
	"github.com/encark/fmtc/internal/wire"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func testLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t, zaptest.Level(zap.ErrorLevel))
}

type testHub struct {
	center  *mesh.Center
	handler *ClientHandler
	metrics *sessionMetrics
	url     string
}

func newTestHub(t *testing.T, nodeID string) *testHub {
	t.Helper()
	return newTestHubWith(t, nodeID, nil)
}

// newTestHubWith lets tune adjust the client options before the handler is
// built.
func newTestHubWith(t *testing.T, nodeID string, tune func(*ClientOptions)) *testHub {
	t.Helper()
	reg := prometheus.NewRegistry()
	center, err := mesh.NewCenter(mesh.CenterConfig{
		Log:     testLogger(t),
		NodeID:  nodeID,
		Metrics: mesh.NewMetrics(reg),
	})
	if err != nil {
		t.Fatalf("new center: %v", err)
	}
	metrics := newSessionMetrics(reg)
	opts := ClientOptions{
		Log:              testLogger(t),
		Center:           center,
		Metrics:          metrics,
		ForceLogoutGrace: 50 * time.Millisecond,
		CallTimeout:      2 * time.Second,
	}
	if tune != nil {
		tune(&opts)
	}
	handler, err := NewClientHandler(opts)
	if err != nil {
		t.Fatalf("new client handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		handler.CloseAll()
		srv.Close()
		center.Close()
	})
	return &testHub{
		center:  center,
		handler: handler,
		metrics: metrics,
		url:     "ws" + strings.TrimPrefix(srv.URL, "http") + "/fmtc",
	}
}

// testClient is a minimal FMTC client speaking JSON frames over a WebSocket.
type testClient struct {
	t       *testing.T
	conn    *websocket.Conn
	frames  chan *wire.Frame
	closed  chan struct{}
	readErr error
	backlog []*wire.Frame
	nextID  atomic.Uint64
	echo    bool
}

func dialClient(t *testing.T, url, clientID string, echo bool) *testClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	target := url
	if clientID != "" {
		target += "?id=" + clientID
	}
	conn, _, err := websocket.Dial(ctx, target, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", target, err)
	}
	c := &testClient{
		t:      t,
		conn:   conn,
		frames: make(chan *wire.Frame, 64),
		closed: make(chan struct{}),
		echo:   echo,
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	go c.readLoop()
	return c
}

func (c *testClient) readLoop() {
	defer close(c.closed)
	for {
		_, data, err := c.conn.Read(context.Background())
		if err != nil {
			c.readErr = err
			return
		}
		f, err := wire.Decode(data)
		if err != nil {
			continue
		}
		if c.echo && f.Type == wire.FrameCall {
			_ = c.write(&wire.Frame{Type: wire.FrameReply, ID: f.ID, Data: f.Data})
			continue
		}
		c.frames <- f
	}
}

func (c *testClient) write(f *wire.Frame) error {
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *testClient) recv() *wire.Frame {
	c.t.Helper()
	select {
	case f := <-c.frames:
		return f
	case <-c.closed:
		c.t.Fatalf("connection closed while waiting for a frame: %v", c.readErr)
	case <-time.After(3 * time.Second):
		c.t.Fatalf("timed out waiting for a frame")
	}
	return nil
}

// next returns the oldest frame that was not a call reply.
func (c *testClient) next() *wire.Frame {
	c.t.Helper()
	if len(c.backlog) > 0 {
		f := c.backlog[0]
		c.backlog = c.backlog[1:]
		return f
	}
	return c.recv()
}

func (c *testClient) welcome() welcome {
	c.t.Helper()
	f := c.next()
	if f.Type != wire.FrameInit {
		c.t.Fatalf("expected init frame, got %+v", f)
	}
	var w welcome
	if err := json.Unmarshal(f.Data, &w); err != nil {
		c.t.Fatalf("decode welcome: %v", err)
	}
	return w
}

func (c *testClient) call(method string, args any) (json.RawMessage, error) {
	c.t.Helper()
	data, err := wire.Marshal(args)
	if err != nil {
		c.t.Fatalf("encode args: %v", err)
	}
	id := c.nextID.Add(1)
	if err := c.write(&wire.Frame{Type: wire.FrameCall, ID: id, Name: method, Data: data}); err != nil {
		c.t.Fatalf("write call: %v", err)
	}
	for {
		f := c.recv()
		if f.Type == wire.FrameReply && f.ID == id {
			if f.Error != nil {
				return nil, f.Error
			}
			return f.Data, nil
		}
		c.backlog = append(c.backlog, f)
	}
}

func (c *testClient) mustCall(method string, args any) json.RawMessage {
	c.t.Helper()
	raw, err := c.call(method, args)
	if err != nil {
		c.t.Fatalf("%s: %v", method, err)
	}
	return raw
}

// waitClosed waits for the server to close the socket and returns its status.
func (c *testClient) waitClosed() websocket.StatusCode {
	c.t.Helper()
	for {
		select {
		case <-c.frames:
		case <-c.closed:
			return websocket.CloseStatus(c.readErr)
		case <-time.After(3 * time.Second):
			c.t.Fatalf("timed out waiting for the server to close")
			return -1
		}
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}
