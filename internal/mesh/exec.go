package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/encark/fmtc/internal/registry"
	"github.com/encark/fmtc/internal/wire"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// errFound stops the mesh query once a node claims the client.
var errFound = errors.New("client located")

type nodeOp func(ctx context.Context, n Node) error

// exec resolves the node that owns clientID and runs op against it. A nil
// op only checks presence.
func (c *Center) exec(ctx context.Context, clientID string, op nodeOp) error {
	if r, ok := c.routes.Get(clientID); ok {
		n, alive := c.Node(r.NodeID)
		if alive {
			if op == nil {
				return nil
			}
			err := op(ctx, n)
			if !errors.Is(err, ErrClientOffline) {
				return err
			}
		}
		c.log.Debug("dropping stale route", zap.String("client_id", clientID), zap.String("peer", r.NodeID))
		if op == nil {
			// presence checks only forget the route here
			c.applyLogout(noticeOf(r))
		} else if err := c.Publish(ctx, EventLogout, noticeOf(r)); err != nil {
			c.log.Debug("stale route logout incomplete", zap.String("client_id", clientID), zap.Error(err))
		}
	}

	if c.offline.Offline(clientID) {
		c.metrics.RecordOfflineHit()
		return ErrClientOffline
	}

	entry, found, err := c.locate(ctx, clientID)
	if err != nil {
		return err
	}
	if !found {
		if op != nil {
			c.offline.Mark(clientID)
		}
		return ErrClientOffline
	}

	if op == nil {
		c.routes.Apply(entry)
		return nil
	}
	if err := c.Publish(ctx, EventLogin, noticeOf(entry)); err != nil {
		c.log.Debug("route republish incomplete", zap.String("client_id", clientID), zap.Error(err))
	}
	n, ok := c.Node(entry.NodeID)
	if !ok {
		return ErrClientOffline
	}
	return op(ctx, n)
}

// locate asks every registered node for clientID concurrently and adopts
// the first positive answer. Failed nodes only shrink the candidate set,
// unless every remote node failed.
func (c *Center) locate(ctx context.Context, clientID string) (registry.RouteEntry, bool, error) {
	nodes := c.snapshotNodes()

	var (
		once    sync.Once
		found   registry.RouteEntry
		mu      sync.Mutex
		errs    []error
		remotes int
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, n := range nodes {
		if n != Node(c.local) {
			remotes++
		}
		g.Go(func() error {
			c.metrics.RecordQuery()
			stamp, ok, err := n.Query(gctx, clientID)
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("query %s: %w", n.ID(), err))
				mu.Unlock()
				return nil
			}
			if !ok {
				return nil
			}
			once.Do(func() {
				found = registry.RouteEntry{ClientID: clientID, NodeID: n.ID(), Stamp: stamp}
			})
			return errFound
		})
	}

	if err := g.Wait(); errors.Is(err, errFound) {
		return found, true, nil
	}
	if err := ctx.Err(); err != nil {
		return registry.RouteEntry{}, false, err
	}
	if remotes > 0 && len(errs) == remotes {
		return registry.RouteEntry{}, false, errors.Join(errs...)
	}
	return registry.RouteEntry{}, false, nil
}

// HasOnline reports whether any node hosts clientID.
func (c *Center) HasOnline(ctx context.Context, clientID string) (bool, error) {
	err := c.exec(ctx, clientID, nil)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrClientOffline):
		return false, nil
	default:
		return false, err
	}
}

// ClientHandle addresses one client wherever it is connected.
type ClientHandle struct {
	c  *Center
	id string
}

// Client returns a handle for clientID. The client does not need to be
// online; operations fail with ErrClientOffline when it cannot be found.
func (c *Center) Client(clientID string) *ClientHandle {
	return &ClientHandle{c: c, id: clientID}
}

// ID is the addressed client id.
func (h *ClientHandle) ID() string { return h.id }

// Trigger delivers an event to the client.
func (h *ClientHandle) Trigger(ctx context.Context, event string, data any, sender string) error {
	raw, err := wire.Marshal(data)
	if err != nil {
		return err
	}
	return h.c.exec(ctx, h.id, func(ctx context.Context, n Node) error {
		return n.TriggerTo(ctx, h.id, event, raw, sender)
	})
}

// Call invokes a method exposed by the client and waits for its result.
func (h *ClientHandle) Call(ctx context.Context, method string, data any, timeout time.Duration, sender string) (json.RawMessage, error) {
	raw, err := wire.Marshal(data)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = h.c.callTimeout
	}
	var result json.RawMessage
	err = h.c.exec(ctx, h.id, func(ctx context.Context, n Node) error {
		var callErr error
		result, callErr = n.CallTo(ctx, h.id, method, raw, timeout, sender)
		return callErr
	})
	return result, err
}

// Send delivers a one-way call to the client.
func (h *ClientHandle) Send(ctx context.Context, method string, data any, sender string) error {
	raw, err := wire.Marshal(data)
	if err != nil {
		return err
	}
	return h.c.exec(ctx, h.id, func(ctx context.Context, n Node) error {
		return n.SendTo(ctx, h.id, method, raw, sender)
	})
}

// User fetches the identity the client authenticated with.
func (h *ClientHandle) User(ctx context.Context) (UserInfo, error) {
	var info UserInfo
	err := h.c.exec(ctx, h.id, func(ctx context.Context, n Node) error {
		var userErr error
		info, userErr = n.User(ctx, h.id)
		return userErr
	})
	return info, err
}
