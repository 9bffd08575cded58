// Package rpc multiplexes calls, one-way sends and events over a frame
// connection. Peer links and client sessions share it.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/encark/fmtc/internal/wire"
	"go.uber.org/zap"
)

// DefaultTimeout bounds a call when the caller does not supply one.
const DefaultTimeout = 120 * time.Second

// Conn delivers frames to the remote side. WriteFrame must be safe for
// concurrent use.
type Conn interface {
	WriteFrame(f *wire.Frame) error
}

// Request is an inbound call, send or event.
type Request struct {
	Kind   wire.FrameType
	Method string
	Data   json.RawMessage
	Sender string
}

// Handler serves inbound requests. The result is only used for calls.
type Handler func(ctx context.Context, req Request) (any, error)

// Endpoint tracks in-flight calls for one connection.
type Endpoint struct {
	conn    Conn
	handler Handler
	log     *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	nextID   uint64
	pending  map[uint64]chan *wire.Frame
	closed   bool
	closeErr error
}

// NewEndpoint wraps conn. A nil handler rejects every inbound call.
func NewEndpoint(conn Conn, handler Handler, log *zap.Logger) *Endpoint {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Endpoint{
		conn:    conn,
		handler: handler,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[uint64]chan *wire.Frame),
	}
}

// Call invokes method on the remote side and waits for its reply. The
// timeout is enforced locally whether or not the remote ever answers.
func (e *Endpoint) Call(ctx context.Context, method string, args any, sender string, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	data, err := wire.Marshal(args)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.closed {
		err := e.closeErr
		e.mu.Unlock()
		return nil, err
	}
	e.nextID++
	id := e.nextID
	ch := make(chan *wire.Frame, 1)
	e.pending[id] = ch
	e.mu.Unlock()

	if err := e.conn.WriteFrame(&wire.Frame{Type: wire.FrameCall, ID: id, Name: method, Data: data, Sender: sender}); err != nil {
		e.forget(id)
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		if reply.Error != nil {
			return nil, reply.Error
		}
		return reply.Data, nil
	case <-timer.C:
		e.forget(id)
		return nil, fmt.Errorf("%s after %s: %w", method, timeout, wire.ErrTimeout)
	case <-ctx.Done():
		e.forget(id)
		return nil, ctx.Err()
	}
}

// Send delivers a one-way call.
func (e *Endpoint) Send(method string, args any, sender string) error {
	return e.write(wire.FrameSend, method, args, sender)
}

// Emit delivers a named event.
func (e *Endpoint) Emit(event string, args any, sender string) error {
	return e.write(wire.FrameEvent, event, args, sender)
}

func (e *Endpoint) write(kind wire.FrameType, name string, args any, sender string) error {
	if err := e.Err(); err != nil {
		return err
	}
	data, err := wire.Marshal(args)
	if err != nil {
		return err
	}
	return e.conn.WriteFrame(&wire.Frame{Type: kind, Name: name, Data: data, Sender: sender})
}

// Dispatch routes one inbound frame. Sends and events run inline so their
// order is preserved; calls run on their own goroutine.
func (e *Endpoint) Dispatch(f *wire.Frame) {
	if f == nil {
		return
	}
	switch f.Type {
	case wire.FrameReply:
		e.mu.Lock()
		ch := e.pending[f.ID]
		delete(e.pending, f.ID)
		e.mu.Unlock()
		if ch != nil {
			ch <- f
		}
	case wire.FrameCall:
		go e.serveCall(f)
	case wire.FrameSend, wire.FrameEvent:
		if e.handler == nil {
			return
		}
		if _, err := e.handler(e.ctx, Request{Kind: f.Type, Method: f.Name, Data: f.Data, Sender: f.Sender}); err != nil {
			e.log.Debug("inbound frame failed", zap.String("method", f.Name), zap.Error(err))
		}
	default:
		e.log.Debug("dropping unexpected frame", zap.String("type", string(f.Type)))
	}
}

func (e *Endpoint) serveCall(f *wire.Frame) {
	reply := &wire.Frame{Type: wire.FrameReply, ID: f.ID}
	if e.handler == nil {
		reply.Error = wire.FromError(wire.ErrUnknownMethod)
	} else {
		result, err := e.handler(e.ctx, Request{Kind: f.Type, Method: f.Name, Data: f.Data, Sender: f.Sender})
		if err == nil {
			reply.Data, err = wire.Marshal(result)
		}
		reply.Error = wire.FromError(err)
	}
	if e.Err() != nil {
		return
	}
	if err := e.conn.WriteFrame(reply); err != nil {
		e.log.Debug("reply dropped", zap.String("method", f.Name), zap.Error(err))
	}
}

func (e *Endpoint) forget(id uint64) {
	e.mu.Lock()
	delete(e.pending, id)
	e.mu.Unlock()
}

// Err returns the close reason once the endpoint is closed.
func (e *Endpoint) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return e.closeErr
	}
	return nil
}

// Done is closed when the endpoint closes.
func (e *Endpoint) Done() <-chan struct{} {
	return e.ctx.Done()
}

// Pending reports the number of calls awaiting a reply.
func (e *Endpoint) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Close rejects every in-flight call with err (ErrDisconnected when nil).
func (e *Endpoint) Close(err error) {
	if err == nil {
		err = wire.ErrDisconnected
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.closeErr = err
	pending := e.pending
	e.pending = make(map[uint64]chan *wire.Frame)
	e.mu.Unlock()

	e.cancel()
	for _, ch := range pending {
		ch <- &wire.Frame{Type: wire.FrameReply, Error: wire.FromError(err)}
	}
}
