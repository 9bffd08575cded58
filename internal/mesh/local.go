package mesh

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/encark/fmtc/internal/registry"
)

// LocalNode serves the clients connected to this process.
type LocalNode struct {
	c        *Center
	initTime time.Time

	once    sync.Once
	initErr error
}

func (n *LocalNode) ID() string             { return n.c.id }
func (n *LocalNode) PublishAddress() string { return n.c.publish }
func (n *LocalNode) InitTime() time.Time    { return n.initTime }

func (n *LocalNode) Publish(ctx context.Context, event string, data json.RawMessage) error {
	n.c.receivePublish(ctx, event, data)
	return nil
}

func (n *LocalNode) Broadcast(ctx context.Context, id, event string, data json.RawMessage, origin string) error {
	n.c.receiveBroadcast(ctx, n.c.id, broadcastArgs{ID: id, Event: event, Data: data, Origin: origin})
	return nil
}

func (n *LocalNode) TriggerTo(ctx context.Context, clientID, event string, data json.RawMessage, sender string) error {
	cl, ok := n.c.localClient(clientID)
	if !ok {
		return ErrClientOffline
	}
	return cl.Trigger(ctx, event, data, sender)
}

func (n *LocalNode) CallTo(ctx context.Context, clientID, method string, data json.RawMessage, timeout time.Duration, sender string) (json.RawMessage, error) {
	cl, ok := n.c.localClient(clientID)
	if !ok {
		return nil, ErrClientOffline
	}
	if timeout <= 0 {
		timeout = n.c.callTimeout
	}
	return cl.Call(ctx, method, data, timeout, sender)
}

func (n *LocalNode) SendTo(ctx context.Context, clientID, method string, data json.RawMessage, sender string) error {
	cl, ok := n.c.localClient(clientID)
	if !ok {
		return ErrClientOffline
	}
	return cl.Send(ctx, method, data, sender)
}

func (n *LocalNode) Query(_ context.Context, clientID string) (registry.Stamp, bool, error) {
	cl, ok := n.c.localClient(clientID)
	if !ok {
		return registry.Stamp{}, false, nil
	}
	return cl.Stamp(), true, nil
}

func (n *LocalNode) User(_ context.Context, clientID string) (UserInfo, error) {
	cl, ok := n.c.localClient(clientID)
	if !ok {
		return nil, ErrClientOffline
	}
	return cl.User(), nil
}

// Initialize registers the node with its Center once.
func (n *LocalNode) Initialize(context.Context) error {
	n.once.Do(func() {
		n.initErr = n.c.registerNode(n)
	})
	return n.initErr
}

// Destroy is a no-op; the local node lives as long as the process.
func (n *LocalNode) Destroy() {}
