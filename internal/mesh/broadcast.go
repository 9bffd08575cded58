package mesh

import (
	"context"

	"github.com/encark/fmtc/internal/wire"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Broadcast floods an event to every node under a fresh broadcast id and
// returns that id.
func (c *Center) Broadcast(ctx context.Context, event string, data any) (string, error) {
	raw, err := wire.Marshal(data)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	return id, c.local.Broadcast(ctx, id, event, raw, c.id)
}

// receiveBroadcast marks b, delivers it locally and forwards it to every
// node except the one it came from. Repeated ids are dropped.
func (c *Center) receiveBroadcast(ctx context.Context, from string, b broadcastArgs) {
	if !c.marks.Mark(b.ID) {
		c.metrics.RecordBroadcastDuplicate()
		return
	}

	c.listeners.emit(BroadcastEvent{ID: b.ID, Event: b.Event, Data: b.Data, Origin: b.Origin})
	for _, cl := range c.localClients() {
		if err := cl.Trigger(ctx, b.Event, b.Data, ""); err != nil {
			c.log.Debug("broadcast delivery failed", zap.String("client_id", cl.ClientID()), zap.Error(err))
		}
	}

	for _, n := range c.snapshotNodes() {
		if n == Node(c.local) || n.ID() == from {
			continue
		}
		if err := n.Broadcast(ctx, b.ID, b.Event, b.Data, b.Origin); err != nil {
			c.log.Debug("broadcast forward failed", zap.String("peer", n.ID()), zap.Error(err))
			continue
		}
		c.metrics.RecordBroadcastForwarded()
	}
}
