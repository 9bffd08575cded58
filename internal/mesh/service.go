package mesh

import (
	"errors"

	"github.com/encark/fmtc/internal/wire"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// Service accepts inbound NodeMesh links.
type Service struct {
	log     *zap.Logger
	manager *Manager
	center  *Center
}

// ServiceConfig wires dependencies for the NodeMesh service.
type ServiceConfig struct {
	Log     *zap.Logger
	Manager *Manager
}

// NewService constructs the NodeMesh service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Manager == nil {
		return nil, errors.New("mesh manager is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	return &Service{
		log:     cfg.Log,
		manager: cfg.Manager,
		center:  cfg.Manager.Center(),
	}, nil
}

// Link authenticates the dialing node, registers it and serves the link
// until either side drops it.
func (s *Service) Link(stream wire.LinkStream) error {
	ctx := stream.Context()
	md, _ := metadata.FromIncomingContext(ctx)
	hs := PeerHandshake{
		NodeID:      firstValue(md, wire.MetaNodeID),
		Publish:     firstValue(md, wire.MetaPublish),
		Certificate: firstValue(md, wire.MetaCertificate),
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		hs.RemoteAddr = p.Addr.String()
	}
	if hs.NodeID == "" {
		return status.Error(codes.InvalidArgument, "node id required")
	}
	if hs.NodeID == s.center.ID() {
		return status.Error(codes.FailedPrecondition, "self connection")
	}
	if err := s.center.Delegate().AuthenticatePeer(ctx, hs); err != nil {
		s.log.Info("peer rejected", zap.String("peer", hs.NodeID), zap.String("address", hs.RemoteAddr), zap.Error(err))
		return status.Error(codes.Unauthenticated, err.Error())
	}

	publish := ""
	if hs.Publish != "" {
		addr, err := ParsePeerAddress(hs.Publish)
		if err != nil {
			s.log.Debug("ignoring peer publish address", zap.String("peer", hs.NodeID), zap.Error(err))
		} else {
			publish = addr.String()
		}
	}

	initTime := nowMilli()
	node := s.manager.newRemote(hs.NodeID, publish, initTime, stream)
	if err := s.center.registerNode(node); err != nil {
		return status.Error(codes.AlreadyExists, err.Error())
	}

	init, err := wire.Marshal(wire.InitComplete{ID: s.center.ID(), Time: initTime.UnixMilli()})
	if err == nil {
		err = stream.SendMsg(&wire.Frame{Type: wire.FrameInit, Data: init})
	}
	if err != nil {
		node.Destroy()
		return err
	}

	if publish != "" {
		if err := s.manager.AddPeer(publish, false); err == nil {
			s.manager.bind(publish, node)
		}
	}
	s.log.Info("accepted peer link", zap.String("peer", hs.NodeID), zap.String("address", hs.RemoteAddr))

	if err := node.Initialize(ctx); err != nil {
		node.Destroy()
		return err
	}
	select {
	case <-node.Done():
	case <-ctx.Done():
		node.Destroy()
	}
	return nil
}

func firstValue(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}
