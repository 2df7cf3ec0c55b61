package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/storefront-sync/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "storefront-sync",
	Short: "Validate app bundle identifiers against app storefronts",
	Long:  "Routes bundle identifiers to storefronts, validates each one with retries and circuit breaking, and reconciles developer URLs into a canonical table.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
