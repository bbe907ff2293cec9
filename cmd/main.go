// Command pelusa-rtc runs the presence and call-signaling server.
//
//	pelusa-rtc serve --config-dir /etc/pelusa
//	pelusa-rtc token --id 42 --email ana@example.com
//
// Configuration comes from pelusa.yaml and PELUSA_* environment variables.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var opts rootOptions
	rootCmd := &cobra.Command{
		Use:          "pelusa-rtc",
		Short:        "Real-time presence and call-signaling server",
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	rootCmd.PersistentFlags().StringVar(&opts.configName, "config-name", "pelusa", "Config file name without extension")
	rootCmd.PersistentFlags().StringVar(&opts.configDir, "config-dir", "", "Extra directory to search for the config file")

	rootCmd.AddCommand(
		buildServeCmd(&opts),
		buildTokenCmd(&opts),
		buildVersionCmd(),
	)
	return rootCmd
}
