// Package main implements the agentd CLI: running and resuming agent
// workflows, inspecting run state, managing policies, and serving the
// dashboard.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// settingsPath is the agent settings file, required by every
	// command that builds a runtime.
	settingsPath string
	// version information (set via ldflags during build)
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "agentd",
	Short: "Policy-guarded agent workflow runner",
	Long: `agentd runs goal-driven agent workflows as a plan -> execute -> review
loop against a model backend. Every side-effecting action the agent
takes passes through policy authorization, guardrail checks, and an
append-only audit log, and every run checkpoints its progress so an
interrupted workflow resumes from the last completed step.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&settingsPath, "settings", "settings.yaml", "path to the agent settings file")
	rootCmd.SetVersionTemplate(fmt.Sprintf("agentd %s (%s)\n", version, gitCommit))
}
