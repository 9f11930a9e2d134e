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

// NewStatusCommand creates the 'status' command
func NewStatusCommand(opts *GlobalOptions) *cobra.Command {
	var statusFormat string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show engine health and configuration status",
		Long: `Display the current state of the engine:
- Backend connectivity
- Secrets cache freshness and hit rate
- Configuration sources and fallback mode
- Audit logger throughput`,
		Example: `  # Show status as a table
  trustplane status

  # Show status as JSON
  trustplane status --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(opts)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			if err := app.Loader.Initialize(ctx); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			health := app.Secrets.HealthCheck(ctx)
			loaderStatus := app.Loader.Status()
			cacheStats := app.Secrets.Cache().Stats()
			auditStats := app.Audit.Stats()

			if statusFormat == "json" {
				out := map[string]interface{}{
					"health": health,
					"config": loaderStatus,
					"cache":  cacheStats,
					"audit": map[string]interface{}{
						"events_logged":        auditStats.EventsLogged,
						"events_flushed":       auditStats.EventsFlushed,
						"integrity_violations": auditStats.IntegrityViolations,
						"storage_errors":       auditStats.StorageErrors,
					},
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			defer w.Flush()

			backendState := "healthy"
			if !health.Healthy {
				backendState = "unreachable: " + health.BackendError
			}
			fmt.Fprintf(w, "Backend:\t%s\n", backendState)
			fmt.Fprintf(w, "Environment:\t%s\n", loaderStatus.Environment)
			fmt.Fprintf(w, "Fallback mode:\t%v\n", loaderStatus.FallbackMode)
			fmt.Fprintf(w, "Config entries:\t%d\n", loaderStatus.TotalEntries)
			fmt.Fprintf(w, "Cache entries:\t%d (valid: %v)\n", cacheStats.Entries, cacheStats.Valid)
			fmt.Fprintf(w, "Cache hits/misses:\t%d/%d\n", cacheStats.Hits, cacheStats.Misses)
			fmt.Fprintf(w, "Audit events:\t%d logged, %d flushed\n", auditStats.EventsLogged, auditStats.EventsFlushed)
			if auditStats.IntegrityViolations > 0 {
				fmt.Fprintf(w, "Integrity violations:\t%d\n", auditStats.IntegrityViolations)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&statusFormat, "format", "table", "Output format: table, json")

	return cmd
}
