// Command duraloopd runs the duraloop agentic runtime: the HTTP
// surface, the process registry, and (optionally) the cron scheduler.
// Subcommands follow cobra-based CLI layout.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use: "duraloopd",
		Short: "Self-hosted, tool-using conversational agent runtime",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "duraloop.yaml", "path to configuration file")

	root.AddCommand(newServeCmd())
	root.AddCommand(newAgentsCmd())
	root.AddCommand(newSessionsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
