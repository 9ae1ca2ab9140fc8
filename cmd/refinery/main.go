// Command refinery is the single entrypoint binary for every pipeline
// stage worker and control-plane component described in spec.md: each
// subcommand loads configuration from the environment, wires that
// component's own slice of dependencies, and runs until SIGINT/SIGTERM.
//
// Grounded on the teacher's cmd/tarsy/main.go env-driven bootstrap
// (godotenv.Load, config validation fails fast), generalized from one
// HTTP server process into one cobra subcommand per component, the
// way _examples/evalgo-org-eve/cli and
// _examples/theRebelliousNerd-codenerd/cmd/nerd structure a single
// binary with many operational subcommands.
package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using process environment only", "error", err)
	}

	root := &cobra.Command{
		Use:           "refinery",
		Short:         "Automotive diagnostic knowledge-refinery pipeline and control plane",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.AddCommand(
		crawlCmd(),
		chunkCmd(),
		embedCmd(),
		evaluateCmd(),
		extractCmd(),
		resolveCmd(),
		orchestratorCmd(),
		researcherCmd(),
		auditCmd(),
		monitorCmd(),
		healerCmd(),
		verifierCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
