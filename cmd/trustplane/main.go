package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/systmms/trustplane/cmd/trustplane/commands"
	"github.com/systmms/trustplane/internal/errors"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", errors.SimplifyError(err))
		os.Exit(1)
	}
}

func run() error {
	opts := &commands.GlobalOptions{}

	rootCmd := &cobra.Command{
		Use:   "trustplane",
		Short: "Secret and configuration management engine",
		Long: `trustplane merges configuration from prioritized sources, caches secrets
encrypted in memory, rotates them on policy with rollback, and keeps a
tamper-evident audit trail of every access and change.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "trustplane.yaml", "Engine definition file")
	rootCmd.PersistentFlags().BoolVar(&opts.Debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&opts.NoColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(
		commands.NewStatusCommand(opts),
		commands.NewGetCommand(opts),
		commands.NewSecretsCommand(opts),
		commands.NewRotationCommand(opts),
		commands.NewAuditCommand(opts),
		commands.NewServeCommand(opts),
	)

	return rootCmd.Execute()
}
