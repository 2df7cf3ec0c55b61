package table

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAtomic_ReadBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "apple.parquet")

	in := New("bundle_id", "sellerUrl", "trackName")
	in.Append(map[string]string{"bundle_id": "123456", "sellerUrl": "https://dev.example.com", "trackName": "Demo"})
	in.Append(map[string]string{"bundle_id": "654321"})

	require.NoError(t, WriteAtomic(path, in))

	out, err := Read(path)
	require.NoError(t, err)
	assert.ElementsMatch(t, in.Columns, out.Columns)
	require.Equal(t, 2, out.Len())
	assert.Equal(t, "https://dev.example.com", out.Rows[0]["sellerUrl"])
	assert.Equal(t, "Demo", out.Rows[0]["trackName"])
	assert.Equal(t, "654321", out.Rows[1]["bundle_id"])
	assert.Equal(t, "", out.Rows[1]["sellerUrl"])
}

func TestWriteAtomic_EmptyTableKeepsShape(t *testing.T) {
	path := filepath.Join(t.TempDir(), "combined.parquet")

	require.NoError(t, WriteAtomic(path, New("bundle_id", "developer_url", "source_store")))

	out, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, 0, out.Len())
	assert.ElementsMatch(t, []string{"bundle_id", "developer_url", "source_store"}, out.Columns)
}

func TestWriteAtomic_NoColumns(t *testing.T) {
	err := WriteAtomic(filepath.Join(t.TempDir(), "x.parquet"), &Table{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns")
}

func TestWriteAtomic_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.parquet")

	tbl := New("bundle_id", "store")
	tbl.Append(map[string]string{"bundle_id": "a", "store": "android"})
	require.NoError(t, WriteAtomic(path, tbl))
	tbl.Append(map[string]string{"bundle_id": "b", "store": "apple"})
	require.NoError(t, WriteAtomic(path, tbl))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "cache.parquet", entries[0].Name())

	out, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Len())
}

func TestReadOptional_Missing(t *testing.T) {
	out, err := ReadOptional(filepath.Join(t.TempDir(), "nope.parquet"), "bundle_id", "store")
	require.NoError(t, err)
	assert.Equal(t, 0, out.Len())
	assert.Equal(t, []string{"bundle_id", "store"}, out.Columns)
}

func TestReadOptional_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.parquet")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	out, err := ReadOptional(path, "bundle_id")
	require.NoError(t, err)
	assert.Equal(t, 0, out.Len())
	assert.Equal(t, []string{"bundle_id"}, out.Columns)
}

func TestRead_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.parquet")
	require.NoError(t, os.WriteFile(path, []byte("not parquet at all"), 0o644))

	_, err := Read(path)
	require.Error(t, err)
}

func TestTable_Has(t *testing.T) {
	tbl := New("bundle_id", "store")
	assert.True(t, tbl.Has("store"))
	assert.False(t, tbl.Has("developer_url"))
}
