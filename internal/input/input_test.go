package input

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/storefront-sync/internal/resilience"
	"github.com/sells-group/storefront-sync/internal/table"
)

type staticSource struct {
	t   *table.Table
	err error
}

func (s staticSource) Load(context.Context, string) (*table.Table, error) {
	return s.t, s.err
}

func TestReadIdentifiers_TrimsAndDedupes(t *testing.T) {
	in := table.New("bundle_id", "note")
	for _, id := range []string{" com.example.app ", "9AB12XYZ34", "", "com.example.app", "123456789", "   "} {
		in.Append(map[string]string{"bundle_id": id})
	}

	ids, err := ReadIdentifiers(context.Background(), staticSource{t: in}, "ids.xlsx", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"com.example.app", "9AB12XYZ34", "123456789"}, ids)
}

func TestReadIdentifiers_MissingColumn(t *testing.T) {
	in := table.New("id")
	_, err := ReadIdentifiers(context.Background(), staticSource{t: in}, "ids.csv", "bundle_id")
	require.Error(t, err)
	assert.True(t, errors.Is(err, resilience.ErrConfig))
}

func TestReadIdentifiers_CustomColumn(t *testing.T) {
	in := table.New("app")
	in.Append(map[string]string{"app": "x"})
	ids, err := ReadIdentifiers(context.Background(), staticSource{t: in}, "ids.csv", "app")
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, ids)
}

func TestReadIdentifiers_LoadError(t *testing.T) {
	_, err := ReadIdentifiers(context.Background(), staticSource{err: errors.New("boom")}, "ids.csv", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestReadIdentifiers_CSVFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ids.csv")
	require.NoError(t, os.WriteFile(path, []byte("bundle_id\ncom.a\ncom.b\ncom.a\n"), 0o644))

	ids, err := ReadIdentifiers(context.Background(), nil, path, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"com.a", "com.b"}, ids)
}
