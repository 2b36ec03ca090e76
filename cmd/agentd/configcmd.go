package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/agentd/internal/config"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configViewCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the resolved configuration",
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "Print the resolved configuration with secrets redacted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(settingsPath)
		if err != nil {
			return err
		}
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(cfg.Snapshot())
	},
}
