// Command critico-e2e runs maintenance tasks for the CRÍTICO E2E suites:
// ledger-driven fixture cleanup, selector registry lint, API permission
// probes, run reports, and a local stub backend.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "critico-e2e",
		Short:         "Maintenance tools for the CRÍTICO end-to-end suites",
		Long:          `Tools that support the CRÍTICO browser suites: delete fixtures left by earlier runs, lint the selector registry, probe API permissions, render run reports and serve the stub backend.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	newCommands().Register(rootCmd)
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
