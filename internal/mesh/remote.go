package mesh

import (
	"context"
	"encoding/json"
	"time"

	"github.com/encark/fmtc/internal/registry"
	"github.com/encark/fmtc/internal/rpc"
	"github.com/encark/fmtc/internal/wire"
)

// RemoteNode proxies node operations to a peer over its link. It lives
// exactly as long as the link.
type RemoteNode struct {
	c        *Center
	id       string
	publish  string
	initTime time.Time
	link     *link
}

func newRemoteNode(c *Center, id, publish string, initTime time.Time, stream wire.LinkStream) *RemoteNode {
	n := &RemoteNode{c: c, id: id, publish: publish, initTime: initTime}
	n.link = newLink(id, stream, func(ctx context.Context, req rpc.Request) (any, error) {
		return c.handlePeer(ctx, id, req)
	}, c.log)
	return n
}

func (n *RemoteNode) ID() string             { return n.id }
func (n *RemoteNode) PublishAddress() string { return n.publish }
func (n *RemoteNode) InitTime() time.Time    { return n.initTime }

// Done is closed once the link is gone.
func (n *RemoteNode) Done() <-chan struct{} { return n.link.done }

func (n *RemoteNode) Publish(_ context.Context, event string, data json.RawMessage) error {
	return n.link.ep.Send(methodPublish, publishArgs{Event: event, Data: data}, "")
}

func (n *RemoteNode) Broadcast(_ context.Context, id, event string, data json.RawMessage, origin string) error {
	return n.link.ep.Send(methodBroadcast, broadcastArgs{ID: id, Event: event, Data: data, Origin: origin}, "")
}

func (n *RemoteNode) TriggerTo(ctx context.Context, clientID, event string, data json.RawMessage, sender string) error {
	_, err := n.link.ep.Call(ctx, methodTriggerTo, deliverArgs{ClientID: clientID, Name: event, Data: data}, sender, n.c.queryTimeout)
	return err
}

func (n *RemoteNode) CallTo(ctx context.Context, clientID, method string, data json.RawMessage, timeout time.Duration, sender string) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = n.c.callTimeout
	}
	args := deliverArgs{ClientID: clientID, Name: method, Data: data, Timeout: timeout.Milliseconds()}
	return n.link.ep.Call(ctx, methodCallTo, args, sender, timeout)
}

func (n *RemoteNode) SendTo(ctx context.Context, clientID, method string, data json.RawMessage, sender string) error {
	_, err := n.link.ep.Call(ctx, methodSendTo, deliverArgs{ClientID: clientID, Name: method, Data: data}, sender, n.c.queryTimeout)
	return err
}

func (n *RemoteNode) Query(ctx context.Context, clientID string) (registry.Stamp, bool, error) {
	raw, err := n.link.ep.Call(ctx, methodQuery, queryArgs{ClientID: clientID}, "", n.c.queryTimeout)
	if err != nil {
		return registry.Stamp{}, false, err
	}
	var reply queryReply
	if err := wire.Unmarshal(raw, &reply); err != nil {
		return registry.Stamp{}, false, err
	}
	if !reply.Found {
		return registry.Stamp{}, false, nil
	}
	return registry.Stamp{Nonce: reply.Nonce, LoginTime: time.UnixMilli(reply.LoginTime)}, true, nil
}

func (n *RemoteNode) User(ctx context.Context, clientID string) (UserInfo, error) {
	raw, err := n.link.ep.Call(ctx, methodUser, queryArgs{ClientID: clientID}, "", n.c.queryTimeout)
	if err != nil {
		return nil, err
	}
	var info UserInfo
	if err := wire.Unmarshal(raw, &info); err != nil {
		return nil, err
	}
	return info, nil
}

// Initialize starts pumping frames on the link.
func (n *RemoteNode) Initialize(context.Context) error {
	n.link.start()
	return nil
}

// Destroy tears down the link; in-flight calls fail with ErrDisconnected.
func (n *RemoteNode) Destroy() {
	n.link.close()
}
