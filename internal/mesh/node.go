package mesh

import (
	"context"
	"encoding/json"
	"time"

	"github.com/encark/fmtc/internal/registry"
)

// UserInfo is the application-defined identity returned by Delegate.Auth.
type UserInfo map[string]any

// Node is the handle through which the routing core reaches a node, whether
// it is this process or a peer behind a link.
type Node interface {
	ID() string
	PublishAddress() string
	InitTime() time.Time

	Publish(ctx context.Context, event string, data json.RawMessage) error
	Broadcast(ctx context.Context, id, event string, data json.RawMessage, origin string) error
	TriggerTo(ctx context.Context, clientID, event string, data json.RawMessage, sender string) error
	CallTo(ctx context.Context, clientID, method string, data json.RawMessage, timeout time.Duration, sender string) (json.RawMessage, error)
	SendTo(ctx context.Context, clientID, method string, data json.RawMessage, sender string) error
	Query(ctx context.Context, clientID string) (registry.Stamp, bool, error)
	User(ctx context.Context, clientID string) (UserInfo, error)

	Initialize(ctx context.Context) error
	Destroy()
}

// Client is a session hosted by this process.
type Client interface {
	ClientID() string
	Stamp() registry.Stamp
	User() UserInfo
	// Trigger delivers an event if the client subscribed to it.
	Trigger(ctx context.Context, event string, data json.RawMessage, sender string) error
	Call(ctx context.Context, method string, data json.RawMessage, timeout time.Duration, sender string) (json.RawMessage, error)
	Send(ctx context.Context, method string, data json.RawMessage, sender string) error
	// ForceLogout notifies the client and closes it after a grace delay.
	ForceLogout(reason string)
}

// NodeInfo is a snapshot of a registered node.
type NodeInfo struct {
	ID             string    `json:"id"`
	PublishAddress string    `json:"publish,omitempty"`
	InitTime       time.Time `json:"init_time"`
	Local          bool      `json:"local"`
}

func infoOf(n Node) NodeInfo {
	_, local := n.(*LocalNode)
	return NodeInfo{
		ID:             n.ID(),
		PublishAddress: n.PublishAddress(),
		InitTime:       n.InitTime(),
		Local:          local,
	}
}
