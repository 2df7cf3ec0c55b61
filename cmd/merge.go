package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sells-group/storefront-sync/internal/merge"
)

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Reconcile storefront outputs into the canonical table",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		applyRunFlags(cmd)
		if mirror, _ := cmd.Flags().GetBool("mirror"); mirror {
			cfg.Merge.Mirror = true
		}

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		rep, err := env.Pipeline.Merge(ctx)
		if rep != nil {
			formatMergeReport(os.Stdout, rep)
		}
		return err
	},
}

// formatMergeReport writes a short merge summary.
func formatMergeReport(out io.Writer, rep *merge.Report) {
	_, _ = fmt.Fprintf(out, "merged stores: %s\n", strings.Join(rep.Stores, ", "))
	if len(rep.Skipped) > 0 {
		_, _ = fmt.Fprintf(out, "skipped: %s\n", strings.Join(rep.Skipped, ", "))
	}
	_, _ = fmt.Fprintf(out, "rows=%d canonical=%d added=%d changed=%d\n", rep.Rows, rep.Canonical, rep.Added, rep.Changed)
	_, _ = fmt.Fprintf(out, "written to %s\n", rep.Path)
}

func init() {
	mergeCmd.Flags().String("precedence", "", "merge precedence (prior, latest)")
	mergeCmd.Flags().Bool("mirror", false, "also upsert the canonical table into the run store")
	rootCmd.AddCommand(mergeCmd)
}
