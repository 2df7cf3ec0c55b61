// Package input reads the list of bundle identifiers a run starts from.
package input

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/storefront-sync/internal/fetcher"
	"github.com/sells-group/storefront-sync/internal/model"
	"github.com/sells-group/storefront-sync/internal/resilience"
	"github.com/sells-group/storefront-sync/internal/table"
)

// DefaultColumn is the identifier column expected in input files.
const DefaultColumn = model.ColBundleID

// Source loads a table from a path or URL.
type Source interface {
	Load(ctx context.Context, src string) (*table.Table, error)
}

// ReadIdentifiers loads src and returns the trimmed, de-duplicated, non-empty
// values of column in first-seen order. A missing column is a configuration
// error.
func ReadIdentifiers(ctx context.Context, src Source, path, column string) ([]string, error) {
	if column == "" {
		column = DefaultColumn
	}
	if src == nil {
		src = fetcher.NewLoader()
	}

	t, err := src.Load(ctx, path)
	if err != nil {
		return nil, eris.Wrapf(err, "input: load %s", path)
	}
	if !t.Has(column) {
		return nil, resilience.ConfigErrorf("input: %s has no %q column", path, column)
	}

	ids := Identifiers(t, column)
	zap.L().Info("input: identifiers loaded",
		zap.String("path", path),
		zap.Int("rows", t.Len()),
		zap.Int("unique", len(ids)),
	)
	return ids, nil
}

// Identifiers extracts the unique, trimmed, non-empty values of column.
func Identifiers(t *table.Table, column string) []string {
	seen := make(map[string]bool, t.Len())
	ids := make([]string, 0, t.Len())
	for _, row := range t.Rows {
		id := strings.TrimSpace(row[column])
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}
