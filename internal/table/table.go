// Package table reads and writes the string-typed parquet tables the pipeline
// exchanges between stages (routing cache, storefront outputs, failures and
// the canonical developer-URL table).
package table

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/parquet-go/parquet-go"
	"github.com/rotisserie/eris"
)

// Table is an in-memory parquet table with every cell rendered as a string.
type Table struct {
	Columns []string
	Rows    []map[string]string
}

// New returns an empty table with the given columns.
func New(columns ...string) *Table {
	return &Table{Columns: append([]string(nil), columns...)}
}

// Has reports whether the table carries the named column.
func (t *Table) Has(column string) bool {
	for _, c := range t.Columns {
		if c == column {
			return true
		}
	}
	return false
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.Rows)
}

// Append adds a row. Keys outside Columns are ignored at write time.
func (t *Table) Append(row map[string]string) {
	t.Rows = append(t.Rows, row)
}

// Read loads the parquet file at path.
func Read(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "table: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	info, err := f.Stat()
	if err != nil {
		return nil, eris.Wrapf(err, "table: stat %s", path)
	}
	if info.Size() == 0 {
		return &Table{}, nil
	}

	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		return nil, eris.Wrapf(err, "table: parse %s", path)
	}
	r := parquet.NewReader(pf)
	defer r.Close() //nolint:errcheck

	var columns []string
	for _, p := range r.Schema().Columns() {
		columns = append(columns, strings.Join(p, "."))
	}

	t := &Table{Columns: columns}
	buf := make([]parquet.Row, 128)
	for {
		n, err := r.ReadRows(buf)
		for _, row := range buf[:n] {
			t.Rows = append(t.Rows, rowToMap(row, columns))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, eris.Wrapf(err, "table: read rows %s", path)
		}
		if n == 0 {
			break
		}
	}
	return t, nil
}

// ReadOptional is like Read but treats a missing or empty file as an empty
// table carrying the given columns.
func ReadOptional(path string, columns ...string) (*Table, error) {
	t, err := Read(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return New(columns...), nil
		}
		return nil, err
	}
	if len(t.Columns) == 0 {
		t.Columns = append([]string(nil), columns...)
	}
	return t, nil
}

// WriteAtomic writes t to path through a temp file in the same directory and
// a rename, so readers only ever observe a complete file.
func WriteAtomic(path string, t *Table) error {
	if len(t.Columns) == 0 {
		return eris.Errorf("table: write %s: no columns", path)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "table: mkdir %s", dir)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return eris.Wrapf(err, "table: create temp for %s", path)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	if err := write(tmp, t); err != nil {
		cleanup()
		return eris.Wrapf(err, "table: write %s", path)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return eris.Wrapf(err, "table: sync %s", path)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return eris.Wrapf(err, "table: close %s", path)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return eris.Wrapf(err, "table: rename into %s", path)
	}
	return nil
}

func write(w io.Writer, t *Table) error {
	group := parquet.Group{}
	for _, c := range t.Columns {
		group[c] = parquet.String()
	}
	schema := parquet.NewSchema("table", group)

	// Group fields are ordered by name, which fixes the leaf column index.
	index := make(map[string]int, len(t.Columns))
	for i, f := range schema.Fields() {
		index[f.Name()] = i
	}

	pw := parquet.NewWriter(w, schema)
	rows := make([]parquet.Row, 0, len(t.Rows))
	for _, r := range t.Rows {
		row := make(parquet.Row, len(index))
		for name, i := range index {
			row[i] = parquet.ByteArrayValue([]byte(r[name])).Level(0, 0, i)
		}
		rows = append(rows, row)
	}
	if len(rows) > 0 {
		if _, err := pw.WriteRows(rows); err != nil {
			_ = pw.Close()
			return eris.Wrap(err, "write rows")
		}
	}
	return eris.Wrap(pw.Close(), "close writer")
}

func rowToMap(row parquet.Row, columns []string) map[string]string {
	m := make(map[string]string, len(columns))
	for _, v := range row {
		i := v.Column()
		if i < 0 || i >= len(columns) {
			continue
		}
		name := columns[i]
		if _, seen := m[name]; seen {
			continue
		}
		m[name] = valueString(v)
	}
	for _, c := range columns {
		if _, ok := m[c]; !ok {
			m[c] = ""
		}
	}
	return m
}

func valueString(v parquet.Value) string {
	if v.IsNull() {
		return ""
	}
	switch v.Kind() {
	case parquet.Boolean:
		return strconv.FormatBool(v.Boolean())
	case parquet.Int32:
		return strconv.FormatInt(int64(v.Int32()), 10)
	case parquet.Int64:
		return strconv.FormatInt(v.Int64(), 10)
	case parquet.Float:
		return strconv.FormatFloat(float64(v.Float()), 'f', -1, 32)
	case parquet.Double:
		return strconv.FormatFloat(v.Double(), 'f', -1, 64)
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return string(v.ByteArray())
	default:
		return v.String()
	}
}
