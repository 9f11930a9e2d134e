package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/systmms/trustplane/internal/errors"
)

// NewSecretsCommand creates the parent 'secrets' command
func NewSecretsCommand(opts *GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Read, write and rotate secrets",
		Long: `Work with secrets through the encrypted cache and remote backend.

Reads hit the in-memory cache when it is fresh and fall through to the
backend otherwise. Writes go straight to the backend and invalidate the
cache. Every operation is recorded in the audit trail.`,
		Example: `  # Read a secret
  trustplane secrets get database.password

  # Write a secret (value read from stdin when omitted)
  trustplane secrets set database.password

  # Rotate a secret immediately
  trustplane secrets rotate api.stripe_key

  # Check backend and cache health
  trustplane secrets health`,
	}

	cmd.AddCommand(
		newSecretsGetCmd(opts),
		newSecretsSetCmd(opts),
		newSecretsRotateCmd(opts),
		newSecretsHealthCmd(opts),
	)

	return cmd
}

func newSecretsGetCmd(opts *GlobalOptions) *cobra.Command {
	var noCache bool

	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Read a secret value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(opts)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			value, ok := app.Secrets.GetSecret(ctx, args[0], app.Bootstrap.Environment, !noCache)
			if !ok {
				return &errors.UserError{
					Message:    fmt.Sprintf("Secret '%s' not found in environment '%s'", args[0], app.Bootstrap.Environment),
					Suggestion: "Check the key path and that the backend is reachable",
				}
			}
			fmt.Println(value)
			return nil
		},
	}

	cmd.Flags().BoolVar(&noCache, "no-cache", false, "Bypass the cache and read from the backend")

	return cmd
}

func newSecretsSetCmd(opts *GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <key> [value]",
		Short: "Write a secret value",
		Long: `Write a secret to the backend. When the value argument is omitted it is
read from stdin, which keeps it out of shell history.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value := ""
			if len(args) == 2 {
				value = args[1]
			} else {
				fmt.Fprint(os.Stderr, "Enter secret value: ")
				reader := bufio.NewReader(os.Stdin)
				line, err := reader.ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("failed to read secret value: %w", err)
				}
				value = strings.TrimRight(line, "\r\n")
			}
			if value == "" {
				return fmt.Errorf("secret value cannot be empty")
			}

			app, err := buildApp(opts)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			if err := app.Secrets.SetSecret(ctx, args[0], value, app.Bootstrap.Environment); err != nil {
				return fmt.Errorf("failed to store secret: %w", err)
			}
			app.Logger.Info("Secret '%s' stored in environment '%s'", args[0], app.Bootstrap.Environment)
			return nil
		},
	}

	return cmd
}

func newSecretsRotateCmd(opts *GlobalOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "rotate <key>",
		Short: "Rotate a secret now",
		Long: `Run the rotation policy for a secret immediately. The old value stays
available for rollback until the policy's rollback window closes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(opts)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			ev, err := app.Rotation.RotateSecret(ctx, args[0], app.Bootstrap.Environment, force)
			if err != nil {
				return fmt.Errorf("rotation failed: %w", err)
			}
			app.Logger.Info("Rotated '%s' in '%s' (rotation %s)", ev.SecretKey, ev.Environment, ev.RotationID)
			if ev.RollbackAvailable {
				fmt.Printf("Rollback available: trustplane rotation rollback %s\n", ev.RotationID)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Rotate even if the interval has not elapsed")

	return cmd
}

func newSecretsHealthCmd(opts *GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check backend connectivity and cache state",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(opts)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			health := app.Secrets.HealthCheck(ctx)
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(health); err != nil {
				return err
			}
			if !health.Healthy {
				return fmt.Errorf("backend unhealthy")
			}
			return nil
		},
	}

	return cmd
}
