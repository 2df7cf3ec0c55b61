package router

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/storefront-sync/internal/model"
	"github.com/sells-group/storefront-sync/internal/table"
)

var cacheColumns = []string{model.ColBundleID, model.ColStore}

// Cache is the persistent (bundle_id, store) routing cache.
type Cache struct {
	path    string
	stores  map[string][]string
	pending []model.StoreAssignment
}

// LoadCache reads the cache at path. A missing or empty file is an empty cache.
// The file is read fully and closed before returning.
func LoadCache(path string) (*Cache, error) {
	c := &Cache{path: path, stores: make(map[string][]string)}
	if path == "" {
		return c, nil
	}
	t, err := table.ReadOptional(path, cacheColumns...)
	if err != nil {
		return nil, eris.Wrap(err, "router: load cache")
	}
	if t.Len() > 0 && (!t.Has(model.ColBundleID) || !t.Has(model.ColStore)) {
		return nil, eris.Errorf("router: cache %s lacks bundle_id/store columns", path)
	}
	for _, row := range t.Rows {
		c.index(model.StoreAssignment{BundleID: row[model.ColBundleID], Store: row[model.ColStore]})
	}
	return c, nil
}

// NewMemoryCache returns a cache that is never persisted.
func NewMemoryCache() *Cache {
	return &Cache{stores: make(map[string][]string)}
}

func (c *Cache) index(a model.StoreAssignment) {
	id := strings.TrimSpace(a.BundleID)
	if id == "" || a.Store == "" {
		return
	}
	for _, s := range c.stores[id] {
		if s == a.Store {
			return
		}
	}
	c.stores[id] = append(c.stores[id], a.Store)
}

// Stores returns the cached stores for id in the order they were first cached.
func (c *Cache) Stores(id string) []string {
	if c == nil {
		return nil
	}
	return c.stores[id]
}

// Add records a new assignment.
func (c *Cache) Add(a model.StoreAssignment) {
	if c == nil {
		return
	}
	c.index(a)
	c.pending = append(c.pending, a)
}

// Len is the number of distinct identifiers known to the cache.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	return len(c.stores)
}

// Pending is the number of assignments added since load.
func (c *Cache) Pending() int {
	if c == nil {
		return 0
	}
	return len(c.pending)
}

// Save merges pending assignments into the file on disk. The file is re-read
// so concurrent appends by an earlier run are kept; duplicate (bundle_id,
// store) pairs keep the most recent row.
func (c *Cache) Save() error {
	if c == nil || c.path == "" || len(c.pending) == 0 {
		return nil
	}

	existing, err := table.ReadOptional(c.path, cacheColumns...)
	if err != nil {
		return eris.Wrap(err, "router: reload cache")
	}

	rows := make([]model.StoreAssignment, 0, existing.Len()+len(c.pending))
	for _, row := range existing.Rows {
		rows = append(rows, model.StoreAssignment{BundleID: row[model.ColBundleID], Store: row[model.ColStore]})
	}
	rows = append(rows, c.pending...)
	rows = dedupeKeepLast(rows)

	out := table.New(cacheColumns...)
	for _, a := range rows {
		out.Append(map[string]string{model.ColBundleID: a.BundleID, model.ColStore: a.Store})
	}
	if err := table.WriteAtomic(c.path, out); err != nil {
		return eris.Wrap(err, "router: save cache")
	}
	c.pending = nil
	return nil
}

func dedupeKeepLast(rows []model.StoreAssignment) []model.StoreAssignment {
	seen := make(map[model.StoreAssignment]bool, len(rows))
	kept := make([]model.StoreAssignment, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		if seen[rows[i]] {
			continue
		}
		seen[rows[i]] = true
		kept = append(kept, rows[i])
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return kept
}

// WriteRouted writes one parquet file per store under dir with the store's
// identifiers in a bundle_id column. Routed files of stores absent from res
// are removed, so dir always reflects the latest classification only.
func WriteRouted(dir string, res *Result) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "router: create %s", dir)
	}
	if err := removeStaleRouted(dir, res); err != nil {
		return err
	}
	for _, store := range res.Stores() {
		t := table.New(model.ColBundleID)
		for _, id := range res.Routed[store] {
			t.Append(map[string]string{model.ColBundleID: id})
		}
		if err := table.WriteAtomic(filepath.Join(dir, store+".parquet"), t); err != nil {
			return eris.Wrapf(err, "router: write routed ids for %s", store)
		}
	}
	return nil
}

func removeStaleRouted(dir string, res *Result) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return eris.Wrapf(err, "router: list %s", dir)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".parquet" {
			continue
		}
		if len(res.Routed[strings.TrimSuffix(name, ".parquet")]) > 0 {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			return eris.Wrapf(err, "router: remove stale %s", name)
		}
	}
	return nil
}

// ReadRouted returns the identifiers WriteRouted stored for store. A missing
// file yields no identifiers.
func ReadRouted(dir, store string) ([]string, error) {
	t, err := table.ReadOptional(filepath.Join(dir, store+".parquet"), model.ColBundleID)
	if err != nil {
		return nil, eris.Wrapf(err, "router: read routed ids for %s", store)
	}
	ids := make([]string, 0, t.Len())
	for _, row := range t.Rows {
		if id := strings.TrimSpace(row[model.ColBundleID]); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
