package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/config"
	"github.com/fyrsmithlabs/agentd/internal/dashboard"
	"github.com/fyrsmithlabs/agentd/internal/endpoint"
	"github.com/fyrsmithlabs/agentd/internal/logging"
	"github.com/fyrsmithlabs/agentd/internal/policy"
	"github.com/fyrsmithlabs/agentd/internal/redact"
	"github.com/fyrsmithlabs/agentd/internal/state"
	"github.com/fyrsmithlabs/agentd/internal/telemetry"
)

const shutdownGrace = 10 * time.Second

func init() {
	rootCmd.AddCommand(dashboardCmd)
}

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Serve the run inspection and control-plane API",
	Long: `Dashboard serves the HTTP API for inspecting recorded runs (audit
logs, checkpoints, metrics), probing endpoint health, and reloading
policies without restarting in-flight runs. Policy documents are
also watched on disk while the dashboard is up.

Examples:
  agentd dashboard
  AGENTD_DASHBOARD_PORT=8800 agentd dashboard`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(settingsPath)
		if err != nil {
			return err
		}
		logger, err := logging.New(cfg.Logging)
		if err != nil {
			return err
		}
		defer logger.Sync()

		tel, err := telemetry.New(version)
		if err != nil {
			logger.Warn("telemetry unavailable", zap.Error(err))
		}

		policies, err := policy.NewStore(cfg.PolicyDir, logger)
		if err != nil {
			return err
		}

		scrubber, err := redact.NewScrubber()
		if err != nil {
			return err
		}
		store, err := state.New(cfg.StateDir, "dashboard", scrubber, logger)
		if err != nil {
			return err
		}
		endpoints := endpoint.NewManager(cfg, store, logger)

		srv, err := dashboard.NewServer(cfg.Dashboard, cfg.StateDir, policies, endpoints, logger)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		watcher, err := policy.NewWatcher(policies, logger)
		if err != nil {
			logger.Warn("policy watcher unavailable", zap.Error(err))
		} else {
			go watcher.Run(ctx)
		}

		errCh := make(chan error, 1)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if tel != nil {
			defer tel.Shutdown(shutdownCtx)
		}
		return srv.Shutdown(shutdownCtx)
	},
}
