package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rehouzd/skiptrace/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "skiptrace",
	Short: "Shared-cache contact lookups for real-estate skip tracing",
	Long:  "Resolves owner contact data for property addresses through a shared result cache, bills lookups against a free/paid credit ledger and aggregates crowd verification votes.",
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
		config.FlushSentry(2 * time.Second)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
