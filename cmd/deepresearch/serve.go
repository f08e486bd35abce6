package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ItzCrazyKns/deepresearch/internal/daemon"
	"github.com/ItzCrazyKns/deepresearch/internal/daemon/components"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the research daemon",
	Long:  `Starts the long-running research service: artifact store, session registry, research engine, and HTTP API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		forceClean, _ := cmd.Flags().GetBool("force-clean-locks")

		if cfg == nil {
			return fmt.Errorf("config not loaded")
		}

		daemonMgr, err := daemon.NewDaemon(cfg)
		if err != nil {
			return fmt.Errorf("failed to create daemon manager: %w", err)
		}
		daemonMgr.SetForceCleanup(forceClean)

		storeComp := components.NewStoreWorkerComponent(&cfg.Store)
		sessionsComp := components.NewSessionsComponent(&cfg.Daemon)
		engineComp := components.NewEngineComponent(cfg, storeComp, sessionsComp)
		httpComp := components.NewHTTPServerComponent(daemonMgr, &cfg.Server, engineComp)

		daemonMgr.AddComponent(storeComp)
		daemonMgr.AddComponent(sessionsComp)
		daemonMgr.AddComponent(engineComp)
		daemonMgr.AddComponent(httpComp)

		slog.Info("Research daemon starting up...", "port", cfg.Server.Port)
		if err := daemonMgr.Start(context.Background()); err != nil {
			// Cancellation via signal is a graceful shutdown for the CLI.
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				slog.Info("Research daemon stopped gracefully")
				return nil
			}
			return fmt.Errorf("daemon failed: %w", err)
		}

		slog.Info("Research daemon stopped gracefully")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Bool("force-clean-locks", false, "Force cleanup of stale lock files (default: warn-only)")
}
