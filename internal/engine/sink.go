package engine

import (
	"path/filepath"
	"strconv"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/storefront-sync/internal/model"
	"github.com/sells-group/storefront-sync/internal/table"
)

// Sink receives flushed batches. Implementations keep every batch they were
// given, so the last write reflects the whole run.
type Sink interface {
	WriteResults(batch []model.FetchResult) error
	WriteFailures(batch []model.FailureRecord) error
}

// ResultColumns are written before a storefront's own columns.
var ResultColumns = []string{model.ColBundleID, model.ColStatus, model.ColURL, model.ColStatusCode, model.ColAttempts}

// FailureColumns is the failure table layout.
var FailureColumns = []string{model.ColBundleID, model.ColErrorReason, model.ColErrorClass, model.ColURL, model.ColStatusCode, model.ColAttempts}

// TableSink writes results to <outputDir>/<store>.parquet and failures to
// <failureDir>/<store>_failure.parquet. Each flush rewrites the file with
// everything seen so far through an atomic replace.
type TableSink struct {
	resultPath  string
	failurePath string
	columns     []string

	mu       sync.Mutex
	results  *table.Table
	failures *table.Table
}

// NewTableSink creates a sink for store. columns are the storefront's own
// output columns.
func NewTableSink(outputDir, failureDir, store string, columns []string) *TableSink {
	cols := append([]string(nil), ResultColumns...)
	for _, c := range columns {
		if !contains(cols, c) {
			cols = append(cols, c)
		}
	}
	return &TableSink{
		resultPath:  ResultPath(outputDir, store),
		failurePath: FailurePath(failureDir, store),
		columns:     cols,
		results:     table.New(cols...),
		failures:    table.New(FailureColumns...),
	}
}

// ResultPath is where a store's results live.
func ResultPath(outputDir, store string) string {
	return filepath.Join(outputDir, store+".parquet")
}

// FailurePath is where a store's failures live.
func FailurePath(failureDir, store string) string {
	return filepath.Join(failureDir, store+"_failure.parquet")
}

// WriteResults appends batch and rewrites the result table.
func (s *TableSink) WriteResults(batch []model.FetchResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range batch {
		row := map[string]string{
			model.ColBundleID:   r.BundleID,
			model.ColStatus:     string(r.Status),
			model.ColURL:        r.URL,
			model.ColStatusCode: itoa(r.StatusCode),
			model.ColAttempts:   itoa(r.Attempts),
		}
		for _, c := range s.columns[len(ResultColumns):] {
			row[c] = r.Fields[c]
		}
		s.results.Append(row)
	}
	if err := table.WriteAtomic(s.resultPath, s.results); err != nil {
		return eris.Wrap(err, "engine: flush results")
	}
	return nil
}

// WriteFailures appends batch and rewrites the failure table.
func (s *TableSink) WriteFailures(batch []model.FailureRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range batch {
		s.failures.Append(map[string]string{
			model.ColBundleID:    f.BundleID,
			model.ColErrorReason: f.Reason,
			model.ColErrorClass:  string(f.Class),
			model.ColURL:         f.URL,
			model.ColStatusCode:  itoa(f.StatusCode),
			model.ColAttempts:    itoa(f.Attempts),
		})
	}
	if err := table.WriteAtomic(s.failurePath, s.failures); err != nil {
		return eris.Wrap(err, "engine: flush failures")
	}
	return nil
}

// Columns returns the result table layout.
func (s *TableSink) Columns() []string {
	return append([]string(nil), s.columns...)
}

func itoa(n int) string {
	if n == 0 {
		return ""
	}
	return strconv.Itoa(n)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
