package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// NewRotationCommand creates the parent 'rotation' command
func NewRotationCommand(opts *GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rotation",
		Short: "Inspect rotation state and roll back rotations",
		Long: `View rotation policies, statistics and per-secret history, and roll a
completed rotation back while its rollback window is still open.`,
		Example: `  # Show rotation statistics and policies
  trustplane rotation status

  # Show history for one secret
  trustplane rotation history database.password

  # Roll back a completed rotation
  trustplane rotation rollback 8f14e45f-ceea-4e17-b6c1-1f4a3c9b2d7a

  # Full compliance report as JSON
  trustplane rotation report`,
	}

	cmd.AddCommand(
		newRotationStatusCmd(opts),
		newRotationHistoryCmd(opts),
		newRotationRollbackCmd(opts),
		newRotationReportCmd(opts),
	)

	return cmd
}

func newRotationStatusCmd(opts *GlobalOptions) *cobra.Command {
	var statusFormat string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show rotation statistics and configured policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(opts)
			if err != nil {
				return err
			}
			defer app.Close()

			stats := app.Rotation.Statistics()
			policies := app.Rotation.Policies()

			if statusFormat == "json" {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]interface{}{
					"statistics": stats,
					"policies":   policies,
				})
			}

			fmt.Printf("Rotations: %d total, %d completed, %d failed, %d rolled back\n",
				stats.TotalRotations, stats.Completed, stats.Failed, stats.RolledBack)
			fmt.Printf("Active: %d, pending rollbacks: %d\n\n", stats.ActiveRotations, stats.PendingRollbacks)

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			defer w.Flush()
			fmt.Fprintln(w, "SECRET\tTYPE\tINTERVAL\tAUTO\tVALIDATION\tENVIRONMENTS")
			for _, p := range policies {
				envs := "all"
				if len(p.Environments) > 0 {
					envs = fmt.Sprintf("%v", p.Environments)
				}
				fmt.Fprintf(w, "%s\t%s\t%dd\t%v\t%v\t%s\n",
					p.SecretKey, p.RotationType, p.IntervalDays, p.AutoRotate, p.ValidationRequired, envs)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&statusFormat, "format", "table", "Output format: table, json")

	return cmd
}

func newRotationHistoryCmd(opts *GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <secret-key>",
		Short: "Show rotation history for a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(opts)
			if err != nil {
				return err
			}
			defer app.Close()

			history := app.Rotation.History(args[0])
			if len(history) == 0 {
				fmt.Printf("No rotation history for '%s'\n", args[0])
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			defer w.Flush()
			fmt.Fprintln(w, "ROTATION ID\tENVIRONMENT\tSTATUS\tSTARTED\tCOMPLETED\tROLLBACK")
			for _, ev := range history {
				completed := "-"
				if !ev.CompletedAt.IsZero() {
					completed = ev.CompletedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%v\n",
					ev.RotationID, ev.Environment, ev.Status,
					ev.StartedAt.Format(time.RFC3339), completed, ev.RollbackAvailable)
			}
			return nil
		},
	}

	return cmd
}

func newRotationRollbackCmd(opts *GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback <rotation-id>",
		Short: "Restore the previous value of a rotated secret",
		Long: `Restore the secret value that a completed rotation replaced. Only works
while the rotation's rollback window is open; after that the old value
is discarded.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(opts)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			if err := app.Rotation.RollbackRotation(ctx, args[0]); err != nil {
				return fmt.Errorf("rollback failed: %w", err)
			}
			app.Logger.Info("Rotation %s rolled back", args[0])
			return nil
		},
	}

	return cmd
}

func newRotationReportCmd(opts *GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Generate a rotation compliance report",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(opts)
			if err != nil {
				return err
			}
			defer app.Close()

			report := app.Rotation.CreateReport()
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}

	return cmd
}
