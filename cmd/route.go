package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/storefront-sync/internal/input"
	"github.com/sells-group/storefront-sync/internal/router"
)

var routeCmd = &cobra.Command{
	Use:   "route",
	Short: "Classify input identifiers into per-storefront lists",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		applyRunFlags(cmd)

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		ids, err := input.ReadIdentifiers(ctx, nil, cfg.Paths.Input, cfg.Paths.InputColumn)
		if err != nil {
			return err
		}
		res, err := env.Pipeline.Route(ctx, ids)
		if err != nil {
			return err
		}
		formatRouteResult(os.Stdout, res)
		return nil
	},
}

// formatRouteResult writes identifier counts per store.
func formatRouteResult(out io.Writer, res *router.Result) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "STORE\tIDENTIFIERS")
	_, _ = fmt.Fprintln(w, "-----\t-----------")
	for _, s := range res.Stores() {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", s, len(res.Routed[s]))
	}
	_, _ = fmt.Fprintf(w, "(unmatched)\t%d\n", len(res.Unmatched))
	_, _ = fmt.Fprintf(w, "(from cache)\t%d\n", res.FromCache)
	_ = w.Flush()
}

func init() {
	routeCmd.Flags().String("input", "", "input identifier file or URL (csv, xlsx, parquet)")
	routeCmd.Flags().String("column", "", "identifier column in the input file")
	routeCmd.Flags().String("policy", "", "routing policy (first_match, all_matches)")
	rootCmd.AddCommand(routeCmd)
}
