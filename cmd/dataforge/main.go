// Command dataforge runs the kernel's engine loop, applies metadata schema
// migrations, and drives one-shot workflow executions from the CLI.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dataforge/kernel/pkg/config"
	"github.com/dataforge/kernel/pkg/logger"
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "dataforge",
		Short: "Multi-source data integration and orchestration kernel",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			log := logger.NewLogger(&logger.Config{Level: cfg.Logger.Level, JSON: cfg.Logger.JSON})
			ctx := logger.ContextWithLogger(signalContext(cmd.Context()), log)
			cmd.SetContext(ctx)
			return nil
		},
	}
	root.AddCommand(newRunCommand())
	root.AddCommand(newMigrateCommand())
	root.AddCommand(newVersionCommand())
	root.AddCommand(newWorkflowCommand())
	return root
}

// signalContext returns a context cancelled on SIGINT/SIGTERM, so every
// subcommand shuts down cooperatively instead of being killed mid-cycle.
func signalContext(parent context.Context) context.Context {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()
	return ctx
}

// exitCodeFor maps a top-level command error to the process exit code:
// 1 for a surfaced runtime failure, 2 for a configuration/usage error.
func exitCodeFor(err error) int {
	if _, ok := err.(*configError); ok {
		return 2
	}
	return 1
}

type configError struct{ error }
