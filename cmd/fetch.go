package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sells-group/storefront-sync/internal/router"
	"github.com/sells-group/storefront-sync/internal/storefront"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Validate the routed identifier lists against their storefronts",
	Long:  "Reads the per-storefront lists written by route and validates them. Results and failures are flushed in batches to the output and failure directories.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		applyRunFlags(cmd)

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		routed, err := loadRouted(cfg.Paths.RoutedDir, env.Registry)
		if err != nil {
			return err
		}
		sums, err := env.Pipeline.Fetch(ctx, routed)
		formatStoreSummaries(os.Stdout, sums)
		return err
	},
}

// loadRouted reads the routed list of every registered storefront that has one.
func loadRouted(dir string, reg *storefront.Registry) (map[string][]string, error) {
	out := make(map[string][]string)
	for _, name := range reg.Names() {
		ids, err := router.ReadRouted(dir, name)
		if err != nil {
			return nil, err
		}
		if len(ids) > 0 {
			out[name] = ids
		}
	}
	return out, nil
}

func init() {
	fetchCmd.Flags().StringSlice("stores", nil, "limit the fetch to these storefronts")
	fetchCmd.Flags().Int("parallel", 0, "storefronts fetched at once")
	rootCmd.AddCommand(fetchCmd)
}
