package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/storefront-sync/internal/pipeline"
	"github.com/sells-group/storefront-sync/internal/storefront"
)

var storesCmd = &cobra.Command{
	Use:   "stores",
	Short: "List configured storefronts and their limits",
	RunE: func(_ *cobra.Command, _ []string) error {
		reg, err := pipeline.NewRegistry(cfg)
		if err != nil {
			return err
		}
		formatStores(os.Stdout, reg.All())
		return nil
	},
}

// formatStores writes one row per storefront descriptor.
func formatStores(out io.Writer, descs []storefront.Descriptor) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tKIND\tCONCURRENCY\tRETRIES\tTIMEOUT\tBATCH\tSOURCE")
	_, _ = fmt.Fprintln(w, "----\t----\t-----------\t-------\t-------\t-----\t------")
	for _, d := range descs {
		source := d.URL
		if d.Reference != nil {
			source = strings.Join(d.Reference.Sources, ",")
			if source == "" {
				source = "(no sources configured)"
			}
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%d\t%s\n",
			d.Name, d.Kind, d.Concurrency, d.Retries, d.Timeout, d.BatchSize, source)
	}
	_ = w.Flush()
}

func init() {
	rootCmd.AddCommand(storesCmd)
}
