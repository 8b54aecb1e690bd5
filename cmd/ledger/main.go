/*
main.go - Application entry point

PURPOSE:
  Command-line front end of the payment ledger: the HTTP server plus
  operator commands that run against the same storage.

COMMANDS:
  serve                     HTTP API with graceful shutdown
  report aging|outstanding|accounts
                            Print a report as JSON
  archive list|restore|reinstate
                            Inspect and undo deletions

CONFIGURATION:
  --config points at an optional YAML file. Every key can be overridden
  with LEDGER_<SECTION>_<KEY>, e.g. LEDGER_DATABASE_PATH=":memory:".
  A .env file in the working directory is loaded first.

SEE ALSO:
  - config/config.go: Keys and defaults
  - app.go: Dependency wiring
*/
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "ledger",
		Short:         "Payment ledger and reconciliation engine",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (yaml)")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(reportCmd(&configPath))
	rootCmd.AddCommand(archiveCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
