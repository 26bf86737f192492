package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dataforge/kernel/engine/catalog"
	"github.com/dataforge/kernel/internal/engineloop"
	"github.com/dataforge/kernel/pkg/config"
	"github.com/dataforge/kernel/pkg/logger"
)

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the engine loop: catalog sync, per-engine transfer, quality, and maintenance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg := config.Load()
			log := logger.FromContext(ctx)

			sys, err := buildSystem(ctx, cfg)
			if err != nil {
				return fmt.Errorf("building system: %w", err)
			}
			defer sys.Close(context.Background())

			if err := sys.startTriggers(ctx); err != nil {
				return fmt.Errorf("starting trigger plane: %w", err)
			}

			engines := make([]catalog.DatabaseEngine, 0, len(cfg.Engine.Engines))
			for _, e := range cfg.Engine.Engines {
				engines = append(engines, catalog.DatabaseEngine(e))
			}

			loop := engineloop.New(engineloop.Deps{
				Config:         sys.runtimeConfig,
				Manager:        sys.catalogManager,
				Engines:        engines,
				Queue:          sys.queue,
				Pool:           sys.pool,
				Quality:        sys.quality,
				Governance:     sys.governance,
				ConfigStore:    sys.store.Pool(),
				TransferOne:    sys.transferService.TransferEngine,
				MaintenanceOne: sys.runMaintenance,
			})

			log.Info("engine loop starting", "engines", cfg.Engine.Engines)
			return loop.Run(ctx)
		},
	}
}

// runMaintenance performs the one-shot and periodic maintenance pass the
// engine loop drives at startup and every maintenance cycle: catalog
// hygiene, plus re-resolving cluster names for rows discovery has not
// labeled yet. Per-engine target-table setup happens lazily, the first time
// transfer writes to a table (see transfer.Service.ensureTargetTable).
func (s *system) runMaintenance(ctx context.Context) error {
	if err := s.catalogManager.CleanCatalog(ctx); err != nil {
		return fmt.Errorf("catalog cleanup: %w", err)
	}
	if err := s.catalogManager.UpdateClusterNames(ctx); err != nil {
		return fmt.Errorf("cluster name update: %w", err)
	}
	return nil
}
