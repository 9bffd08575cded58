package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/encark/fmtc/internal/config"
	"github.com/encark/fmtc/internal/keystore"
	"github.com/encark/fmtc/internal/logging"
	"github.com/encark/fmtc/internal/mesh"
	"github.com/encark/fmtc/internal/server"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var startPeers []string

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a node",
	Long: `Start a node and link it to the configured peers.

Examples:
  # Start a standalone node
  fmtcd start --config node.yaml

  # Start a node seeded with a peer
  fmtcd start --peer fnode://10.0.0.2:7000/`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
	startCmd.Flags().StringSliceVarP(&startPeers, "peer", "p", nil, "Seed peer addresses, added to the configured ones")
}

func runStart(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	cfg.Mesh.Peers = append(cfg.Mesh.Peers, startPeers...)

	logger, err := logging.NewNodeLogger(cfg.LogLevel, cfg.NodeID)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync() // best-effort flush

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	identity, err := loadIdentity(ctx, logger, cfg)
	if err != nil {
		return err
	}
	trusted, err := mesh.ParseTrustedKeys(cfg.Mesh.TrustedKeys)
	if err != nil {
		return err
	}
	logger.Info("mesh identity loaded",
		zap.String("public_key", fmt.Sprintf("%x", identity.PublicKey)),
		zap.Int("trusted_keys", len(trusted)))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := mesh.NewMetrics(reg)

	center, err := mesh.NewCenter(mesh.CenterConfig{
		Log:            logger.Named("center"),
		NodeID:         cfg.NodeID,
		PublishAddress: cfg.Mesh.PublishAddress,
		Delegate:       &mesh.BaseDelegate{Identity: identity, Trusted: trusted},
		Metrics:        metrics,
		CallTimeout:    cfg.Mesh.CallTimeout,
		OfflineTTL:     cfg.Mesh.OfflineTTL,
	})
	if err != nil {
		return err
	}
	manager, err := mesh.NewManager(mesh.ManagerConfig{
		Log:    logger.Named("manager"),
		Center: center,
		Peers:  cfg.Mesh.Peers,
		TLS: mesh.TLSConfig{
			CertPath:           cfg.Mesh.TLS.CertPath,
			KeyPath:            cfg.Mesh.TLS.KeyPath,
			CAPath:             cfg.Mesh.TLS.CAPath,
			InsecureSkipVerify: cfg.Mesh.TLS.InsecureSkipVerify,
		},
		HandshakeTimeout: cfg.Mesh.HandshakeTimeout,
		RetryLimit:       cfg.Mesh.RetryLimit,
		Jitter:           cfg.Mesh.ConnectJitter,
		Interval:         cfg.Mesh.ConnectInterval,
		ReconnectDelay:   cfg.Mesh.ReconnectDelay,
		Metrics:          metrics,
	})
	if err != nil {
		center.Close()
		return err
	}

	srv, err := server.NewNodeServer(cfg, logger, manager, reg)
	if err != nil {
		manager.Close()
		return err
	}
	logger.Info("starting node", zap.Strings("peers", cfg.Mesh.Peers))
	if err := srv.Start(ctx); err != nil {
		logger.Error("server exited with error", zap.Error(err))
		return err
	}
	logger.Info("node stopped")
	return nil
}

func loadIdentity(ctx context.Context, logger *zap.Logger, cfg config.Config) (*mesh.Identity, error) {
	passphrase, err := cfg.Passphrase()
	if err != nil {
		return nil, err
	}
	ks, err := keystore.Open(ctx, cfg.Keystore.Path, passphrase)
	if err != nil {
		return nil, fmt.Errorf("open keystore: %w", err)
	}
	defer ks.Close()
	logger.Debug("keystore unlocked", zap.String("path", ks.Path()))
	priv, err := mesh.EnsureIdentityKey(ctx, ks, cfg.Mesh.IdentitySecret)
	if err != nil {
		return nil, err
	}
	return mesh.NewIdentity(cfg.NodeID, priv), nil
}
