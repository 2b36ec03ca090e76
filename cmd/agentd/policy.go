package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/agentd/internal/config"
	"github.com/fyrsmithlabs/agentd/internal/policy"
)

// dashboardURL targets a running agentd dashboard for control-plane
// commands.
var dashboardURL string

func init() {
	rootCmd.AddCommand(policyCmd)
	policyCmd.AddCommand(policyValidateCmd)
	policyCmd.AddCommand(policyReloadCmd)

	policyReloadCmd.Flags().StringVar(&dashboardURL, "server", "http://localhost:7081", "dashboard URL of the running agentd process")
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Validate and reload policy documents",
}

var policyValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Parse the policy documents and report what loaded",
	Long: `Validate loads the three policy documents (tools, network, paths) from
the configured policy directory and reports which were found. A
malformed document fails validation; an absent one is an empty rule
set and passes.

Examples:
  agentd policy validate
  agentd policy validate --settings ./settings.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(settingsPath)
		if err != nil {
			return err
		}
		store, err := policy.NewStore(cfg.PolicyDir, nil)
		if err != nil {
			return fmt.Errorf("policy validation failed: %w", err)
		}

		documents := store.Validate()
		names := make([]string, 0, len(documents))
		for name := range documents {
			names = append(names, name)
		}
		sort.Strings(names)

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "policy directory: %s\n", cfg.PolicyDir)
		for _, name := range names {
			status := "absent (empty rule set)"
			if documents[name] {
				status = "loaded"
			}
			fmt.Fprintf(out, "  %-14s %s\n", name, status)
		}
		fmt.Fprintf(out, "allowed commands: %d\n", len(store.AllowedCommands()))
		return nil
	},
}

var policyReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Ask a running agentd process to reload its policies",
	Long: `Reload posts to the dashboard's policy reload route. The running
process swaps its rule sets atomically and resets budget counters;
a malformed document leaves the previous rules in effect.

Examples:
  agentd policy reload
  agentd policy reload --server http://localhost:7081`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := &http.Client{Timeout: 10 * time.Second}
		resp, err := client.Post(dashboardURL+"/policies/reload", "application/json", nil)
		if err != nil {
			return fmt.Errorf("failed to reach dashboard at %s: %w", dashboardURL, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("reload rejected (%d): %s", resp.StatusCode, string(body))
		}

		var parsed map[string]any
		if err := json.Unmarshal(body, &parsed); err == nil {
			if status, ok := parsed["status"].(string); ok {
				fmt.Fprintf(cmd.OutOrStdout(), "policies %s\n", status)
				return nil
			}
		}
		fmt.Fprintln(cmd.OutOrStdout(), "policies reloaded")
		return nil
	},
}
