package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/agentd/internal/config"
	"github.com/fyrsmithlabs/agentd/internal/state"
)

var (
	logsLimit      int
	runsOutputJSON bool
)

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsLogsCmd)
	runsCmd.AddCommand(runsMetricsCmd)

	runsLogsCmd.Flags().IntVar(&logsLimit, "limit", 50, "maximum number of trailing events to print")
	runsListCmd.Flags().BoolVar(&runsOutputJSON, "json", false, "output as JSON")
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect recorded runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded run ids",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(settingsPath)
		if err != nil {
			return err
		}
		runs, err := state.ListRuns(cfg.StateDir)
		if err != nil {
			return err
		}
		sort.Strings(runs)

		if runsOutputJSON {
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(runs)
		}
		for _, id := range runs {
			fmt.Fprintln(cmd.OutOrStdout(), id)
		}
		return nil
	},
}

var runsLogsCmd = &cobra.Command{
	Use:   "logs [run-id]",
	Short: "Print the trailing audit events of a run",
	Long: `Logs prints a run's newline-delimited audit events, newest last. A
partially written trailing line (from a crash mid-write) is skipped
rather than treated as corruption.

Examples:
  agentd runs logs 20260830T120000 --limit 20`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(settingsPath)
		if err != nil {
			return err
		}
		events, err := state.ReadEvents(cfg.StateDir, args[0], logsLimit)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		for _, event := range events {
			fmt.Fprintf(w, "%s\t%s\t%s\n", event.TS, event.Kind, string(event.Payload))
		}
		return w.Flush()
	},
}

var runsMetricsCmd = &cobra.Command{
	Use:   "metrics [run-id]",
	Short: "Print a run's metrics document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(settingsPath)
		if err != nil {
			return err
		}
		metrics, err := state.ReadRunMetrics(cfg.StateDir, args[0])
		if err != nil {
			return err
		}
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(metrics)
	},
}
