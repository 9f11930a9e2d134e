package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/systmms/trustplane/internal/audit"
)

const defaultCheckInterval = time.Hour

// NewServeCommand creates the 'serve' command
func NewServeCommand(opts *GlobalOptions) *cobra.Command {
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine as a long-lived process",
		Long: `Run the engine continuously: configuration auto-refresh and file
watching, scheduled secret rotation, periodic audit flushing, and an
HTTP endpoint exposing health and Prometheus metrics.

Shuts down cleanly on SIGINT or SIGTERM, flushing buffered audit events
before exit.`,
		Example: `  # Run with the default listen address
  trustplane serve

  # Run on a specific port
  trustplane serve --listen :9443`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(opts)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			initCtx, initCancel := context.WithTimeout(ctx, 30*time.Second)
			err = app.Loader.Initialize(initCtx)
			initCancel()
			if err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			app.Audit.Start()
			if err := app.Loader.Start(ctx); err != nil {
				return fmt.Errorf("failed to start config watcher: %w", err)
			}

			// The flag wins; otherwise the merged config may supply the
			// listen address.
			if !cmd.Flags().Changed("listen") {
				listenAddr = app.Loader.GetString("server.listen", listenAddr)
			}

			checkInterval := app.Bootstrap.Rotation.CheckInterval.Std()
			if checkInterval <= 0 {
				checkInterval = defaultCheckInterval
			}
			app.Rotation.StartScheduler(ctx, checkInterval)

			app.Audit.LogEvent(audit.LevelInfo, audit.ActionSystemStart, "engine", "engine started",
				audit.Context{Environment: app.Bootstrap.Environment}, nil, true, "", 0)

			server := &http.Server{
				Addr:              listenAddr,
				Handler:           serveMux(app),
				ReadHeaderTimeout: 10 * time.Second,
			}

			serverErr := make(chan error, 1)
			go func() {
				app.Logger.Info("Listening on %s", listenAddr)
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					serverErr <- err
				}
			}()

			select {
			case err := <-serverErr:
				return fmt.Errorf("http server failed: %w", err)
			case <-ctx.Done():
			}

			app.Logger.Info("Shutting down")
			app.Audit.LogEvent(audit.LevelInfo, audit.ActionSystemStop, "engine", "engine stopping",
				audit.Context{Environment: app.Bootstrap.Environment}, nil, true, "", 0)

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer shutdownCancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				app.Logger.Warn("HTTP shutdown: %v", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", ":8600", "Address for health and metrics endpoints")

	return cmd
}

func serveMux(app *App) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()

		health := app.Secrets.HealthCheck(ctx)
		status := http.StatusOK
		if !health.Healthy {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"health": health,
			"config": app.Loader.Status(),
		})
	})
	return mux
}
