package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/storefront-sync/internal/model"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Route, fetch and merge an identifier list",
	Long:  "Reads the input identifiers, routes them to storefronts, validates every storefront's share and merges the results into the canonical table.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		applyRunFlags(cmd)

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		summary, err := env.Pipeline.Run(ctx, cfg.Paths.Input)
		if summary != nil {
			formatRunSummary(os.Stdout, summary)
		}
		return err
	},
}

// applyRunFlags copies explicitly set flags over the loaded config.
func applyRunFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	if flags.Changed("input") {
		cfg.Paths.Input, _ = flags.GetString("input")
	}
	if flags.Changed("column") {
		cfg.Paths.InputColumn, _ = flags.GetString("column")
	}
	if flags.Changed("stores") {
		cfg.Run.Stores, _ = flags.GetStringSlice("stores")
	}
	if flags.Changed("parallel") {
		cfg.Run.ParallelStores, _ = flags.GetInt("parallel")
	}
	if flags.Changed("policy") {
		cfg.Routing.Policy, _ = flags.GetString("policy")
	}
	if flags.Changed("precedence") {
		cfg.Merge.Precedence, _ = flags.GetString("precedence")
	}
}

// formatRunSummary writes the per-storefront outcome table and run totals.
func formatRunSummary(out io.Writer, s *model.RunSummary) {
	formatStoreSummaries(out, s.Stores)
	ok, failed := s.Totals()
	_, _ = fmt.Fprintf(out, "\nidentifiers=%d routed=%d from_cache=%d unmatched=%d succeeded=%d failed=%d canonical=%d changed=%d\n",
		s.Identifiers, s.Routed, s.FromCache, s.Unmatched, ok, failed, s.Canonical, s.Changed)
}

// formatStoreSummaries writes one row per storefront.
func formatStoreSummaries(out io.Writer, stores []model.StoreSummary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "STORE\tTOTAL\tOK\tFAILED\tNOT_FOUND\tCANCELLED\tATTEMPTS\tNOTE")
	_, _ = fmt.Fprintln(w, "-----\t-----\t--\t------\t---------\t---------\t--------\t----")
	for _, st := range stores {
		note := st.Error
		if st.Skipped {
			note = "skipped: " + st.Error
		}
		if len(note) > 60 {
			note = note[:57] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%s\n",
			st.Store, st.Total, st.Succeeded, st.Failed, st.NotFound, st.Cancelled, st.Attempts, note)
	}
	_ = w.Flush()
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().String("input", "", "input identifier file or URL (csv, xlsx, parquet)")
	cmd.Flags().String("column", "", "identifier column in the input file")
	cmd.Flags().StringSlice("stores", nil, "limit the run to these storefronts")
	cmd.Flags().Int("parallel", 0, "storefronts fetched at once")
	cmd.Flags().String("policy", "", "routing policy (first_match, all_matches)")
	cmd.Flags().String("precedence", "", "merge precedence (prior, latest)")
}

func init() {
	addRunFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}
