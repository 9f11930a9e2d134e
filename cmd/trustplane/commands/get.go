package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// NewGetCommand creates the 'get' command
func NewGetCommand(opts *GlobalOptions) *cobra.Command {
	var (
		getAll    bool
		getFormat string
	)

	cmd := &cobra.Command{
		Use:   "get [key]",
		Short: "Read merged configuration values",
		Long: `Look up a configuration key in the merged table. Sources are merged by
priority: defaults < env files < environment variables < remote backend.

Keys declared as secret references resolve through the secrets cache
instead of the configuration table.`,
		Example: `  # Read a single key
  trustplane get redis.url

  # Dump all keys under a prefix
  trustplane get llm_providers --all

  # Dump the entire table as JSON
  trustplane get --all --format json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !getAll && len(args) == 0 {
				return fmt.Errorf("provide a key or use --all")
			}

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

			if getAll {
				prefix := ""
				if len(args) > 0 {
					prefix = args[0]
				}
				entries := app.Loader.GetAll(prefix)
				if getFormat == "json" {
					out := make(map[string]interface{}, len(entries))
					for k, e := range entries {
						out[k] = e.Value
					}
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(out)
				}
				keys := make([]string, 0, len(entries))
				for k := range entries {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
				defer w.Flush()
				fmt.Fprintln(w, "KEY\tVALUE\tSOURCE")
				for _, k := range keys {
					e := entries[k]
					fmt.Fprintf(w, "%s\t%v\t%s\n", k, e.Value, e.Source)
				}
				return nil
			}

			key := args[0]
			if secretKey, isSecret := app.SecretRefs[key]; isSecret {
				value := app.Loader.GetSecret(ctx, secretKey, "")
				if value == "" {
					return fmt.Errorf("secret '%s' not found", key)
				}
				fmt.Println(value)
				return nil
			}

			value := app.Loader.Get(key, nil)
			if value == nil {
				return fmt.Errorf("key '%s' not found", key)
			}
			fmt.Printf("%v\n", value)
			return nil
		},
	}

	cmd.Flags().BoolVar(&getAll, "all", false, "Show all keys, optionally under a prefix")
	cmd.Flags().StringVar(&getFormat, "format", "table", "Output format for --all: table, json")

	return cmd
}
