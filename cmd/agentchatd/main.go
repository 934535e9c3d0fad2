// Command agentchatd runs agent processes under PTYs and serves their
// terminals, status and reports over HTTP and WebSocket.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agent-command/agentchatd/internal/config"
)

// Version is overridden at build time with -ldflags "-X main.Version=...".
var Version = "0.1.0"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "agentchatd",
	Short: "Agent process and realtime channel manager",
	Long: `agentchatd supervises long-running CLI agents in pseudo-terminals,
fans their output out to any number of browser viewers and tracks their
activity from hook heartbeats and reports.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "agentchatd version %s\n", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("AGENTCHAT_CONFIG"),
		"path to config file (defaults apply when empty)")
	rootCmd.AddCommand(serveCmd, hookCmd, versionCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
