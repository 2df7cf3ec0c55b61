// Package merge folds per-storefront outputs into the accumulated canonical
// developer-URL table.
package merge

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/storefront-sync/internal/model"
	"github.com/sells-group/storefront-sync/internal/storefront"
	"github.com/sells-group/storefront-sync/internal/table"
)

// CanonicalFile is the canonical table's file name inside the output directory.
const CanonicalFile = "combined_permanent.parquet"

// CanonicalColumns is the canonical table layout.
var CanonicalColumns = []string{model.ColBundleID, model.ColDeveloperURL, model.ColSourceStore}

// Precedence decides which non-empty developer URL survives when the prior
// canonical table and the current run disagree.
type Precedence string

const (
	// PrecedencePrior keeps a non-empty URL already in the canonical table.
	PrecedencePrior Precedence = "prior"
	// PrecedenceLatest lets a non-empty URL from this run replace it.
	PrecedenceLatest Precedence = "latest"
)

// ParsePrecedence maps a config value to a Precedence. Empty means prior.
func ParsePrecedence(s string) (Precedence, error) {
	switch Precedence(strings.ToLower(strings.TrimSpace(s))) {
	case "", PrecedencePrior:
		return PrecedencePrior, nil
	case PrecedenceLatest:
		return PrecedenceLatest, nil
	default:
		return "", eris.Errorf("merge: unknown precedence %q", s)
	}
}

// Options configures one merge.
type Options struct {
	// OutputDir holds the <store>.parquet result tables.
	OutputDir string
	// CanonicalPath defaults to OutputDir/combined_permanent.parquet.
	CanonicalPath string
	Precedence    Precedence
	// Registry supplies each store's developer URL columns. Nil uses the defaults.
	Registry *storefront.Registry
}

// Report summarizes a merge.
type Report struct {
	Stores    []string
	Skipped   []string
	Rows      int
	Canonical int
	Added     int
	Changed   int
	Path      string
}

// Merge reads every storefront table in OutputDir plus the prior canonical
// table and atomically replaces the canonical table with the reconciled set.
func Merge(ctx context.Context, opts Options) (*Report, error) {
	if opts.OutputDir == "" {
		return nil, eris.New("merge: output dir is required")
	}
	if opts.CanonicalPath == "" {
		opts.CanonicalPath = filepath.Join(opts.OutputDir, CanonicalFile)
	}
	if opts.Precedence == "" {
		opts.Precedence = PrecedencePrior
	}
	if opts.Registry == nil {
		opts.Registry = storefront.DefaultRegistry()
	}
	log := zap.L().With(zap.String("component", "merge"))
	rep := &Report{Path: opts.CanonicalPath}

	prior, err := ReadCanonical(opts.CanonicalPath)
	if err != nil {
		return nil, err
	}
	canon := make(map[string]model.CanonicalRecord, len(prior))
	for _, rec := range prior {
		canon[rec.BundleID] = rec
	}

	files, err := storeFiles(opts.OutputDir, opts.CanonicalPath)
	if err != nil {
		return nil, err
	}

	// First non-empty value per identifier across this run's tables.
	current := make(map[string]model.CanonicalRecord)
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		store := strings.TrimSuffix(filepath.Base(f), filepath.Ext(f))
		t, err := table.Read(f)
		if err != nil {
			log.Warn("skipping unreadable storefront table", zap.String("path", f), zap.Error(err))
			rep.Skipped = append(rep.Skipped, store)
			continue
		}
		if !t.Has(model.ColBundleID) {
			log.Warn("skipping storefront table without bundle_id", zap.String("path", f))
			rep.Skipped = append(rep.Skipped, store)
			continue
		}
		desc, err := opts.Registry.Get(store)
		if err != nil {
			desc = storefront.Descriptor{Name: store}
		}

		rep.Stores = append(rep.Stores, store)
		for _, row := range t.Rows {
			if s := row[model.ColStatus]; s != "" && s != string(model.FetchStatusSuccess) {
				continue
			}
			id := strings.TrimSpace(row[model.ColBundleID])
			if id == "" {
				continue
			}
			rep.Rows++
			if cur, ok := current[id]; ok && cur.DeveloperURL != "" {
				continue
			}
			current[id] = model.CanonicalRecord{BundleID: id, DeveloperURL: desc.DeveloperURL(row), SourceStore: store}
		}
	}

	for id, cur := range current {
		old, exists := canon[id]
		next := Reconcile(old, cur, exists, opts.Precedence)
		switch {
		case !exists:
			rep.Added++
		case next != old:
			rep.Changed++
		}
		canon[id] = next
	}

	out := make([]model.CanonicalRecord, 0, len(canon))
	for _, rec := range canon {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BundleID < out[j].BundleID })

	if err := WriteCanonical(opts.CanonicalPath, out); err != nil {
		return nil, err
	}
	rep.Canonical = len(out)

	log.Info("merge complete",
		zap.Strings("stores", rep.Stores),
		zap.Int("rows", rep.Rows),
		zap.Int("canonical", rep.Canonical),
		zap.Int("added", rep.Added),
		zap.Int("changed", rep.Changed),
		zap.String("path", rep.Path),
	)
	return rep, nil
}

// Reconcile decides the canonical record for one identifier. An empty URL
// never replaces a non-empty one.
func Reconcile(prior, current model.CanonicalRecord, hasPrior bool, p Precedence) model.CanonicalRecord {
	if !hasPrior {
		return current
	}
	switch {
	case current.DeveloperURL == "":
		return prior
	case prior.DeveloperURL == "":
		return current
	case p == PrecedenceLatest:
		return current
	default:
		return prior
	}
}

// storeFiles lists the storefront result tables in store-name order.
func storeFiles(dir, canonicalPath string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "merge: list %s", dir)
	}
	canonAbs, _ := filepath.Abs(canonicalPath)

	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".parquet" || strings.HasPrefix(name, ".") {
			continue
		}
		stem := strings.TrimSuffix(name, ".parquet")
		if strings.Contains(stem, "merged") || strings.Contains(stem, "combined") {
			continue
		}
		path := filepath.Join(dir, name)
		if abs, _ := filepath.Abs(path); abs == canonAbs {
			continue
		}
		files = append(files, path)
	}
	sort.Strings(files)
	return files, nil
}

// ReadCanonical loads the canonical table. A missing file is empty.
func ReadCanonical(path string) ([]model.CanonicalRecord, error) {
	t, err := table.ReadOptional(path, CanonicalColumns...)
	if err != nil {
		return nil, eris.Wrap(err, "merge: read canonical table")
	}
	out := make([]model.CanonicalRecord, 0, t.Len())
	for _, row := range t.Rows {
		id := strings.TrimSpace(row[model.ColBundleID])
		if id == "" {
			continue
		}
		out = append(out, model.CanonicalRecord{
			BundleID:     id,
			DeveloperURL: row[model.ColDeveloperURL],
			SourceStore:  row[model.ColSourceStore],
		})
	}
	return out, nil
}

// WriteCanonical atomically replaces the canonical table with recs.
func WriteCanonical(path string, recs []model.CanonicalRecord) error {
	t := table.New(CanonicalColumns...)
	for _, r := range recs {
		t.Append(map[string]string{
			model.ColBundleID:     r.BundleID,
			model.ColDeveloperURL: r.DeveloperURL,
			model.ColSourceStore:  r.SourceStore,
		})
	}
	if err := table.WriteAtomic(path, t); err != nil {
		return eris.Wrap(err, "merge: write canonical table")
	}
	return nil
}
