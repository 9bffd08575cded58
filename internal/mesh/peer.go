package mesh

import (
	"context"
	"encoding/json"
	"time"

	"github.com/encark/fmtc/internal/registry"
	"github.com/encark/fmtc/internal/rpc"
	"github.com/encark/fmtc/internal/wire"
)

// Peer link methods.
const (
	methodPublish   = "publish"
	methodBroadcast = "broadcast"
	methodTriggerTo = "triggerTo"
	methodCallTo    = "callTo"
	methodSendTo    = "sendTo"
	methodQuery     = "query"
	methodUser      = "user"
)

type publishArgs struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type broadcastArgs struct {
	ID     string          `json:"id"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data,omitempty"`
	Origin string          `json:"origin"`
}

type deliverArgs struct {
	ClientID string          `json:"id"`
	Name     string          `json:"name"`
	Data     json.RawMessage `json:"data,omitempty"`
	Timeout  int64           `json:"timeout,omitempty"`
}

type queryArgs struct {
	ClientID string `json:"id"`
}

type queryReply struct {
	Found     bool   `json:"found"`
	Nonce     string `json:"nonce,omitempty"`
	LoginTime int64  `json:"time,omitempty"`
}

// presenceNotice is the payload of Login and Logout events.
type presenceNotice struct {
	ClientID  string `json:"id"`
	Nonce     string `json:"nonce"`
	LoginTime int64  `json:"time"`
	NodeID    string `json:"node"`
}

func noticeOf(e registry.RouteEntry) presenceNotice {
	return presenceNotice{
		ClientID:  e.ClientID,
		Nonce:     e.Nonce,
		LoginTime: e.LoginTime.UnixMilli(),
		NodeID:    e.NodeID,
	}
}

func (p presenceNotice) entry() registry.RouteEntry {
	return registry.RouteEntry{
		ClientID: p.ClientID,
		NodeID:   p.NodeID,
		Stamp:    registry.Stamp{Nonce: p.Nonce, LoginTime: time.UnixMilli(p.LoginTime)},
	}
}

// handlePeer serves a request that arrived on the link to node from.
// Deliveries are served by the local node only; they are never re-routed.
func (c *Center) handlePeer(ctx context.Context, from string, req rpc.Request) (any, error) {
	switch req.Method {
	case methodPublish:
		var args publishArgs
		if err := wire.Unmarshal(req.Data, &args); err != nil {
			return nil, err
		}
		c.receivePublish(ctx, args.Event, args.Data)
		return nil, nil
	case methodBroadcast:
		var args broadcastArgs
		if err := wire.Unmarshal(req.Data, &args); err != nil {
			return nil, err
		}
		c.receiveBroadcast(ctx, from, args)
		return nil, nil
	case methodTriggerTo:
		var args deliverArgs
		if err := wire.Unmarshal(req.Data, &args); err != nil {
			return nil, err
		}
		return nil, c.local.TriggerTo(ctx, args.ClientID, args.Name, args.Data, req.Sender)
	case methodCallTo:
		var args deliverArgs
		if err := wire.Unmarshal(req.Data, &args); err != nil {
			return nil, err
		}
		return c.local.CallTo(ctx, args.ClientID, args.Name, args.Data, time.Duration(args.Timeout)*time.Millisecond, req.Sender)
	case methodSendTo:
		var args deliverArgs
		if err := wire.Unmarshal(req.Data, &args); err != nil {
			return nil, err
		}
		return nil, c.local.SendTo(ctx, args.ClientID, args.Name, args.Data, req.Sender)
	case methodQuery:
		var args queryArgs
		if err := wire.Unmarshal(req.Data, &args); err != nil {
			return nil, err
		}
		stamp, ok, err := c.local.Query(ctx, args.ClientID)
		if err != nil || !ok {
			return queryReply{}, err
		}
		return queryReply{Found: true, Nonce: stamp.Nonce, LoginTime: stamp.LoginTime.UnixMilli()}, nil
	case methodUser:
		var args queryArgs
		if err := wire.Unmarshal(req.Data, &args); err != nil {
			return nil, err
		}
		return c.local.User(ctx, args.ClientID)
	default:
		return nil, wire.ErrUnknownMethod
	}
}
