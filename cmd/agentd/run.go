package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/policy"
)

var (
	runID      string
	watchRules bool
)

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)

	runCmd.Flags().StringVar(&runID, "run-id", "", "run identifier (derived from time when empty)")
	runCmd.Flags().BoolVar(&watchRules, "watch-policies", true, "reload policy documents when they change on disk")
	resumeCmd.Flags().StringVar(&runID, "run-id", "", "run identifier to resume (required)")
	resumeCmd.Flags().BoolVar(&watchRules, "watch-policies", true, "reload policy documents when they change on disk")
	_ = resumeCmd.MarkFlagRequired("run-id")
}

var runCmd = &cobra.Command{
	Use:   "run [goal...]",
	Short: "Run a goal through the plan/execute/review workflow",
	Long: `Run starts a fresh workflow for the given goal: the planner breaks it
into steps, the executor works through them with the local tool
catalog, and the reviewer produces a verdict. Progress checkpoints
after every step, so an interrupted run can be continued with
"agentd resume".

Examples:
  # Run a goal with a derived run id
  agentd run "Summarize the repository layout"

  # Pin the run id for later resumption
  agentd run --run-id nightly-audit "Audit dependency licenses"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		goal := strings.Join(args, " ")
		return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
			rt.logger.Info("run starting", zap.String("run_id", rt.store.RunID()))
			if err := rt.orchestrator.Run(ctx, goal); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s complete\n", rt.store.RunID())
			return nil
		})
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume an interrupted run from its last checkpoint",
	Long: `Resume reloads a run's session checkpoint and continues exactly where
it stopped: remaining plan steps execute (completed steps are never
re-run), then the reviewer produces its verdict if it has not yet.

Examples:
  agentd resume --run-id 20260830T120000`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
			if err := rt.orchestrator.Resume(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s resumed to completion\n", rt.store.RunID())
			return nil
		})
	},
}

// withRuntime wires the component graph, starts the optional policy
// watcher, and tears everything down when fn returns. SIGINT/SIGTERM
// cancel the run context; the checkpoint written after the last
// completed step keeps the run resumable.
func withRuntime(cmd *cobra.Command, fn func(context.Context, *runtime) error) error {
	rt, err := buildRuntime(runID)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if watchRules {
		watcher, err := policy.NewWatcher(rt.policies, rt.logger)
		if err != nil {
			rt.logger.Warn("policy watcher unavailable", zap.Error(err))
		} else {
			go watcher.Run(ctx)
		}
	}

	return fn(ctx, rt)
}
