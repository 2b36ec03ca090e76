package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	invokeEndpoint string
	invokePayload  string
	epOutputJSON   bool
)

func init() {
	rootCmd.AddCommand(endpointCmd)
	endpointCmd.AddCommand(endpointHealthCmd)
	endpointCmd.AddCommand(endpointInvokeCmd)

	endpointCmd.PersistentFlags().StringVar(&runID, "run-id", "", "run identifier for audit records (derived from time when empty)")
	endpointHealthCmd.Flags().BoolVar(&epOutputJSON, "json", false, "output the report as JSON")
	endpointInvokeCmd.Flags().StringVar(&invokeEndpoint, "endpoint", "", "endpoint name from the settings file (required)")
	endpointInvokeCmd.Flags().StringVar(&invokePayload, "payload", "{}", "JSON payload for the tool call")
	_ = endpointInvokeCmd.MarkFlagRequired("endpoint")
}

var endpointCmd = &cobra.Command{
	Use:   "endpoint",
	Short: "Probe and invoke configured remote tool endpoints",
}

var endpointHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe every configured endpoint and print a report",
	Long: `Health probes each configured endpoint over its transport (HTTP GET on
the health path, a websocket health message, or a subprocess round
trip) and writes the report as the endpoint snapshot artifact.

Examples:
  agentd endpoint health
  agentd endpoint health --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(runID)
		if err != nil {
			return err
		}
		defer rt.close()

		ctx := cmd.Context()
		report := rt.endpoints.HealthReport(ctx)
		if _, err := rt.endpoints.WriteSnapshot(ctx); err != nil {
			return err
		}

		if epOutputJSON {
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(report)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tTRANSPORT\tADDRESS\tSTATUS\tLATENCY\tERROR")
		for _, entry := range report {
			errText := entry.Error
			if errText == "" {
				errText = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.1fms\t%s\n",
				entry.Name, entry.Transport, entry.Address, entry.Status, entry.LatencyMS, errText)
		}
		return w.Flush()
	},
}

var endpointInvokeCmd = &cobra.Command{
	Use:   "invoke [tool]",
	Short: "Invoke one tool on a configured endpoint",
	Long: `Invoke sends a single {tool, payload} request to the named endpoint
and prints the parsed response. The call passes through the same
rate limiter and audit path a run's invocations use.

Examples:
  agentd endpoint invoke search --endpoint docs --payload '{"query":"license"}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var payload any
		if err := json.Unmarshal([]byte(invokePayload), &payload); err != nil {
			return fmt.Errorf("payload is not valid JSON: %w", err)
		}

		rt, err := buildRuntime(runID)
		if err != nil {
			return err
		}
		defer rt.close()

		result, err := rt.endpoints.Invoke(cmd.Context(), invokeEndpoint, args[0], payload)
		if err != nil {
			return err
		}

		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	},
}
