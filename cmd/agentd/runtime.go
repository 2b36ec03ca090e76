package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/config"
	"github.com/fyrsmithlabs/agentd/internal/endpoint"
	"github.com/fyrsmithlabs/agentd/internal/guardrail"
	"github.com/fyrsmithlabs/agentd/internal/llm"
	"github.com/fyrsmithlabs/agentd/internal/logging"
	"github.com/fyrsmithlabs/agentd/internal/orchestrator"
	"github.com/fyrsmithlabs/agentd/internal/policy"
	"github.com/fyrsmithlabs/agentd/internal/redact"
	"github.com/fyrsmithlabs/agentd/internal/state"
	"github.com/fyrsmithlabs/agentd/internal/telemetry"
	"github.com/fyrsmithlabs/agentd/internal/tool"
)

// defaultShellTimeout bounds shell tool executions when the settings
// file does not.
const defaultShellTimeout = 60 * time.Second

// runtime is the fully wired component graph for one run.
type runtime struct {
	cfg          *config.Config
	logger       *zap.Logger
	telemetry    *telemetry.Telemetry
	policies     *policy.Store
	store        *state.Store
	endpoints    *endpoint.Manager
	orchestrator *orchestrator.Orchestrator
}

// buildRuntime loads configuration and wires every component a run
// needs. runID may be empty, in which case the state store derives a
// time-based one.
func buildRuntime(runID string) (*runtime, error) {
	cfg, err := config.Load(settingsPath)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	tel, err := telemetry.New(version)
	if err != nil {
		logger.Warn("telemetry unavailable", zap.Error(err))
	}

	policies, err := policy.NewStore(cfg.PolicyDir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load policies: %w", err)
	}

	scrubber, err := redact.NewScrubber()
	if err != nil {
		return nil, fmt.Errorf("failed to build scrubber: %w", err)
	}

	store, err := state.New(cfg.StateDir, runID, scrubber, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	guard := guardrail.New(cfg.Workspace, policies)

	shellTimeout := time.Duration(cfg.Executor.ToolTimeout)
	if shellTimeout <= 0 {
		shellTimeout = defaultShellTimeout
	}
	catalog := tool.NewCatalog(guard, policies, shellTimeout)
	invoker := tool.NewInvoker(catalog, policies, store, logger)

	endpoints := endpoint.NewManager(cfg, store, logger)
	client := llm.New(cfg.Backend, logger)

	return &runtime{
		cfg:          cfg,
		logger:       logger,
		telemetry:    tel,
		policies:     policies,
		store:        store,
		endpoints:    endpoints,
		orchestrator: orchestrator.New(cfg.Executor, client, store, policies, invoker, catalog, logger),
	}, nil
}

// close flushes the logger and metric pipeline. Component teardown
// beyond that is file-level and needs no explicit shutdown.
func (r *runtime) close() {
	if r.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.telemetry.Shutdown(ctx)
	}
	_ = r.logger.Sync()
}
