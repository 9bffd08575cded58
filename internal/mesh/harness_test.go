package mesh

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/encark/fmtc/internal/registry"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func testLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t, zaptest.Level(zap.ErrorLevel))
}

// pipeStream is one end of an in-memory NodeMesh.Link stream.
type pipeStream struct {
	ctx    context.Context
	in     <-chan []byte
	out    chan<- []byte
	closed chan struct{}
	once   *sync.Once
}

func newPipe() (*pipeStream, *pipeStream) {
	ab := make(chan []byte, 256)
	ba := make(chan []byte, 256)
	closed := make(chan struct{})
	once := &sync.Once{}
	a := &pipeStream{ctx: context.Background(), in: ba, out: ab, closed: closed, once: once}
	b := &pipeStream{ctx: context.Background(), in: ab, out: ba, closed: closed, once: once}
	return a, b
}

func (p *pipeStream) Context() context.Context { return p.ctx }

func (p *pipeStream) SendMsg(m any) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	select {
	case <-p.closed:
		return io.EOF
	case p.out <- data:
		return nil
	}
}

func (p *pipeStream) RecvMsg(m any) error {
	select {
	case <-p.closed:
		return io.EOF
	case data := <-p.in:
		return json.Unmarshal(data, m)
	}
}

func (p *pipeStream) Close() {
	p.once.Do(func() { close(p.closed) })
}

func newTestCenter(t *testing.T, id string) *Center {
	t.Helper()
	c, err := NewCenter(CenterConfig{
		Log:      testLogger(t),
		NodeID:   id,
		Metrics:  NewMetrics(prometheus.NewRegistry()),
		Delegate: &BaseDelegate{},
	})
	if err != nil {
		t.Fatalf("new center %s: %v", id, err)
	}
	t.Cleanup(c.Close)
	return c
}

// linkCenters joins a and b with an in-memory link and returns each side's
// view of the other.
func linkCenters(t *testing.T, a, b *Center) (*RemoteNode, *RemoteNode) {
	t.Helper()
	sa, sb := newPipe()
	initTime := nowMilli()
	bOnA := newRemoteNode(a, b.ID(), "", initTime, sa)
	aOnB := newRemoteNode(b, a.ID(), "", initTime, sb)
	bOnA.link.closeConn = sa.Close
	aOnB.link.closeConn = sb.Close
	bOnA.link.onClose = func() { a.removeNode(bOnA) }
	aOnB.link.onClose = func() { b.removeNode(aOnB) }

	if err := a.registerNode(bOnA); err != nil {
		t.Fatalf("register %s on %s: %v", b.ID(), a.ID(), err)
	}
	if err := b.registerNode(aOnB); err != nil {
		t.Fatalf("register %s on %s: %v", a.ID(), b.ID(), err)
	}
	bOnA.Initialize(context.Background())
	aOnB.Initialize(context.Background())
	return bOnA, aOnB
}

type fakeClient struct {
	id     string
	stamp  registry.Stamp
	callFn func(ctx context.Context, method string, data json.RawMessage, sender string) (json.RawMessage, error)
	forced chan string

	mu     sync.Mutex
	events []string
	sends  []string
}

func newFakeClient(id, nonce string, loginMillis int64) *fakeClient {
	return &fakeClient{
		id:     id,
		stamp:  registry.Stamp{Nonce: nonce, LoginTime: time.UnixMilli(loginMillis)},
		forced: make(chan string, 1),
	}
}

func (f *fakeClient) ClientID() string      { return f.id }
func (f *fakeClient) Stamp() registry.Stamp { return f.stamp }
func (f *fakeClient) User() UserInfo        { return UserInfo{"id": f.id, "nonce": f.stamp.Nonce} }

func (f *fakeClient) Trigger(_ context.Context, event string, _ json.RawMessage, _ string) error {
	f.mu.Lock()
	f.events = append(f.events, event)
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) Call(ctx context.Context, method string, data json.RawMessage, _ time.Duration, sender string) (json.RawMessage, error) {
	if f.callFn == nil {
		return data, nil
	}
	return f.callFn(ctx, method, data, sender)
}

func (f *fakeClient) Send(_ context.Context, method string, _ json.RawMessage, _ string) error {
	f.mu.Lock()
	f.sends = append(f.sends, method)
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) ForceLogout(reason string) {
	select {
	case f.forced <- reason:
	default:
	}
}

func (f *fakeClient) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e == event {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

func routeOwner(c *Center, clientID string) string {
	r, ok := c.routes.Get(clientID)
	if !ok {
		return ""
	}
	return r.NodeID
}
