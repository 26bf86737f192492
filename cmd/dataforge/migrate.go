package main

import (
	"github.com/spf13/cobra"

	"github.com/dataforge/kernel/engine/infra/postgres"
	"github.com/dataforge/kernel/pkg/config"
	"github.com/dataforge/kernel/pkg/logger"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending metadata schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg := config.Load()
			log := logger.FromContext(ctx)
			if err := postgres.ApplyMigrationsWithLock(ctx, cfg.Catalog.DSN); err != nil {
				return err
			}
			log.Info("metadata schema migrations applied")
			return nil
		},
	}
}
