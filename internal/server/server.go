package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/encark/fmtc/internal/config"
	"github.com/encark/fmtc/internal/mesh"
	"github.com/encark/fmtc/internal/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

// NodeServer hosts the NodeMesh gRPC listener, the client WebSocket listener
// and the admin HTTP listener for one Center.
type NodeServer struct {
	cfg      config.Config
	log      *zap.Logger
	center   *mesh.Center
	manager  *mesh.Manager
	registry *prometheus.Registry
	metrics  *sessionMetrics
	clients  *ClientHandler

	grpcServer *grpc.Server
	clientHTTP *http.Server
	adminHTTP  *http.Server

	meshLis   net.Listener
	clientLis net.Listener
	adminLis  net.Listener

	ready atomic.Bool
}

// NewNodeServer constructs a server around an existing manager and its
// Center. A nil registry gets a private one.
func NewNodeServer(cfg config.Config, logger *zap.Logger, manager *mesh.Manager, reg *prometheus.Registry) (*NodeServer, error) {
	if manager == nil {
		return nil, errors.New("mesh manager is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	metrics := newSessionMetrics(reg)
	clients, err := NewClientHandler(ClientOptions{
		Log:              logger.Named("client"),
		Center:           manager.Center(),
		Metrics:          metrics,
		PingInterval:     cfg.Client.PingInterval,
		ForceLogoutGrace: cfg.Client.ForceLogoutGrace,
		CallTimeout:      cfg.Mesh.CallTimeout,
		OriginPatterns:   cfg.Client.OriginPatterns,
	})
	if err != nil {
		return nil, err
	}
	return &NodeServer{
		cfg:      cfg,
		log:      logger,
		center:   manager.Center(),
		manager:  manager,
		registry: reg,
		metrics:  metrics,
		clients:  clients,
	}, nil
}

// Listen binds every configured listener. It is split from Serve so callers
// can learn the bound addresses first.
func (s *NodeServer) Listen() error {
	var err error
	s.meshLis, err = net.Listen("tcp", s.cfg.Mesh.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Mesh.ListenAddress, err)
	}
	s.clientLis, err = net.Listen("tcp", s.cfg.Client.Address)
	if err != nil {
		s.meshLis.Close()
		return fmt.Errorf("listen on %s: %w", s.cfg.Client.Address, err)
	}
	if s.cfg.Admin.Address != "" {
		s.adminLis, err = net.Listen("tcp", s.cfg.Admin.Address)
		if err != nil {
			s.meshLis.Close()
			s.clientLis.Close()
			return fmt.Errorf("listen on %s: %w", s.cfg.Admin.Address, err)
		}
	}
	return nil
}

// MeshAddr is the bound NodeMesh address, valid after Listen.
func (s *NodeServer) MeshAddr() string { return addrOf(s.meshLis) }

// ClientAddr is the bound client address, valid after Listen.
func (s *NodeServer) ClientAddr() string { return addrOf(s.clientLis) }

// AdminAddr is the bound admin address, empty when disabled.
func (s *NodeServer) AdminAddr() string { return addrOf(s.adminLis) }

func addrOf(l net.Listener) string {
	if l == nil {
		return ""
	}
	return l.Addr().String()
}

// Start binds the listeners and blocks until ctx ends.
func (s *NodeServer) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve runs the mesh manager and every listener until ctx ends or one of
// them fails, then shuts everything down within the grace period.
func (s *NodeServer) Serve(ctx context.Context) error {
	if s.meshLis == nil || s.clientLis == nil {
		return errors.New("listeners not bound")
	}

	creds, err := mesh.ServerTransportOption(mesh.TLSConfig{
		CertPath: s.cfg.Mesh.TLS.CertPath,
		KeyPath:  s.cfg.Mesh.TLS.KeyPath,
		CAPath:   s.cfg.Mesh.TLS.CAPath,
	})
	if err != nil {
		return err
	}
	grpcOpts := []grpc.ServerOption{creds}
	if s.cfg.GRPCServer.KeepaliveTime > 0 {
		grpcOpts = append(grpcOpts,
			grpc.KeepaliveParams(keepalive.ServerParameters{
				Time:    s.cfg.GRPCServer.KeepaliveTime,
				Timeout: s.cfg.GRPCServer.KeepaliveTimeout,
				// MaxConnectionIdle drops peers whose links went quiet.
				MaxConnectionIdle: s.cfg.GRPCServer.MaxConnectionIdle,
			}),
			grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
				MinTime:             s.cfg.GRPCServer.KeepaliveTime / 2,
				PermitWithoutStream: true,
			}),
		)
	}
	s.grpcServer = grpc.NewServer(grpcOpts...)
	svc, err := mesh.NewService(mesh.ServiceConfig{Log: s.log.Named("mesh"), Manager: s.manager})
	if err != nil {
		return err
	}
	wire.RegisterNodeMeshServer(s.grpcServer, svc)

	mux := http.NewServeMux()
	mux.Handle(s.cfg.Client.Path, s.clients)
	s.clientHTTP = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: s.cfg.Admin.ReadHeaderTimeout,
	}
	s.adminHTTP = s.newAdminServer()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("mesh listener ready", zap.String("address", s.MeshAddr()))
		if err := s.grpcServer.Serve(s.meshLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("serve gRPC: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.log.Info("client listener ready", zap.String("address", s.ClientAddr()), zap.String("path", s.cfg.Client.Path))
		if err := s.clientHTTP.Serve(s.clientLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve clients: %w", err)
		}
		return nil
	})
	if s.adminLis != nil {
		g.Go(func() error {
			s.log.Info("admin server listening", zap.String("address", s.AdminAddr()))
			if err := s.adminHTTP.Serve(s.adminLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve admin: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		return s.manager.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGracePeriod)
		defer cancel()
		s.Shutdown(stopCtx)
		return nil
	})

	s.ready.Store(true)
	return g.Wait()
}

func (s *NodeServer) newAdminServer() *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if s.ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not_ready"))
	})
	mux.HandleFunc("/nodes", s.serveNodes)

	return &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: s.cfg.Admin.ReadHeaderTimeout,
	}
}

type nodesSnapshot struct {
	NodeID   string            `json:"node_id"`
	Nodes    []mesh.NodeInfo   `json:"nodes"`
	Peers    []mesh.PeerConfig `json:"peers"`
	Routes   int               `json:"routes"`
	Clients  int               `json:"clients"`
	Sessions int               `json:"sessions"`
}

func (s *NodeServer) serveNodes(w http.ResponseWriter, _ *http.Request) {
	snap := nodesSnapshot{
		NodeID:   s.center.ID(),
		Nodes:    s.center.Nodes(),
		Peers:    s.manager.Peers(),
		Routes:   len(s.center.Routes()),
		Clients:  s.center.ClientCount(),
		Sessions: s.clients.Sessions(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		s.log.Debug("write nodes snapshot", zap.Error(err))
	}
}

// Shutdown attempts a graceful stop before forcing termination.
func (s *NodeServer) Shutdown(ctx context.Context) {
	s.ready.Store(false)

	s.clients.CloseAll()
	s.shutdownHTTP(ctx, "client", s.clientHTTP)
	s.shutdownHTTP(ctx, "admin", s.adminHTTP)
	s.manager.Close()

	if s.grpcServer == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("gRPC server stopped")
	case <-ctx.Done():
		s.log.Warn("graceful shutdown timed out; forcing stop")
		s.grpcServer.Stop()
	}
}

func (s *NodeServer) shutdownHTTP(ctx context.Context, name string, srv *http.Server) {
	if srv == nil {
		return
	}
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("http server shutdown", zap.String("server", name), zap.Error(err))
	}
}
