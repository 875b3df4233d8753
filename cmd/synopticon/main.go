// Package main provides the entry point for the synopticon server and CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/synopticon/synopticon/cmd/synopticon/commands"
	"github.com/synopticon/synopticon/pkg/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "synopticon",
		Short: "Synopticon - multi-source sensor synchronization and distribution",
		Long: `Synopticon ingests high-rate sensor and simulator streams, aligns them
onto a common timeline, and distributes synchronized events over UDP,
WebSocket, MQTT, and HTTP.

Commands:
  serve     Start the synchronization and distribution server
  status    Query a running server`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(commands.NewServeCommand())
	rootCmd.AddCommand(commands.NewStatusCommand())
	rootCmd.AddCommand(versionCmd())

	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(os.Stdout, "synopticon %s\n", version.String())
		},
	}
}
