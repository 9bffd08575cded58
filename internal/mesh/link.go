package mesh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/encark/fmtc/internal/rpc"
	"github.com/encark/fmtc/internal/wire"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const linkSendBuffer = 1024

// link pumps frames between a NodeMesh.Link stream and an rpc.Endpoint.
type link struct {
	peer      string
	stream    wire.LinkStream
	ep        *rpc.Endpoint
	log       *zap.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	sendCh    chan *wire.Frame
	closeConn func()
	onClose   func()
	done      chan struct{}
	startOnce sync.Once
	once      sync.Once
}

func newLink(peer string, stream wire.LinkStream, handler rpc.Handler, log *zap.Logger) *link {
	ctx, cancel := context.WithCancel(context.Background())
	l := &link{
		peer:   peer,
		stream: stream,
		log:    log.With(zap.String("peer", peer)),
		ctx:    ctx,
		cancel: cancel,
		sendCh: make(chan *wire.Frame, linkSendBuffer),
		done:   make(chan struct{}),
	}
	l.ep = rpc.NewEndpoint(l, handler, l.log)
	return l
}

func (l *link) start() {
	l.startOnce.Do(func() {
		go l.sendLoop()
		go l.recvLoop()
	})
}

// WriteFrame queues f for the send loop.
func (l *link) WriteFrame(f *wire.Frame) error {
	select {
	case <-l.ctx.Done():
		return wire.ErrDisconnected
	case l.sendCh <- f:
		return nil
	default:
		return fmt.Errorf("link to %s: send backpressure", l.peer)
	}
}

func (l *link) sendLoop() {
	defer l.close()
	for {
		select {
		case <-l.ctx.Done():
			return
		case frame := <-l.sendCh:
			if err := l.stream.SendMsg(frame); err != nil {
				if !quietStreamErr(err) {
					l.log.Warn("link send failed", zap.Error(err))
				}
				return
			}
		}
	}
}

func (l *link) recvLoop() {
	defer l.close()
	for {
		frame := new(wire.Frame)
		if err := l.stream.RecvMsg(frame); err != nil {
			if !quietStreamErr(err) {
				l.log.Warn("link recv failed", zap.Error(err))
			}
			return
		}
		l.ep.Dispatch(frame)
	}
}

func (l *link) close() {
	l.once.Do(func() {
		l.cancel()
		l.ep.Close(wire.ErrDisconnected)
		if l.closeConn != nil {
			l.closeConn()
		}
		close(l.done)
		if l.onClose != nil {
			l.onClose()
		}
	})
}

func quietStreamErr(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return true
	}
	return status.Code(err) == codes.Canceled
}
