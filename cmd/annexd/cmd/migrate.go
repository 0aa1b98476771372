package cmd

import (
	"context"
	"fmt"

	"github.com/annex-node/annex/internal/config"
	"github.com/annex-node/annex/internal/storage"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations and exit",
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := context.Background()
	engine, err := storage.Open(ctx, storage.Config{
		Path:          cfg.DB.Path,
		BusyTimeoutMs: cfg.DB.BusyTimeoutMs,
		PoolMaxSize:   cfg.DB.PoolMaxSize,
	})
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer engine.Close()

	fmt.Printf("migrations applied to %s\n", cfg.DB.Path)
	return nil
}
