package main

import (
	"encoding/hex"
	"fmt"

	"github.com/encark/fmtc/internal/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Print the node's public key for peers' trusted_keys",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		id, err := loadIdentity(cmd.Context(), zap.NewNop(), cfg)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(id.PublicKey))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(identityCmd)
}
