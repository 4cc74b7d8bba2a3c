// Copyright 2025 AgentCache Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"os"

	"github.com/agentcache/uplink/pkg/utils"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "uplink",
	Short: "Uplink - upload acceleration service",
	Long: `Uplink is an upload acceleration service. It selects the best edge
endpoints for each upload, deduplicates content by hash before any bytes
move, and tracks resumable chunked upload sessions.`,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&utils.ConfigurationFileDirectory, "config_dir", ".", "Directory for configuration files")
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
