package router

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/storefront-sync/internal/model"
	"github.com/sells-group/storefront-sync/internal/table"
)

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, FirstMatch, p)

	p, err = ParsePolicy(" ALL_MATCHES ")
	require.NoError(t, err)
	assert.Equal(t, AllMatches, p)

	_, err = ParsePolicy("random")
	assert.Error(t, err)
}

func TestNewRule_BadPattern(t *testing.T) {
	_, err := NewRule("x", "(")
	assert.Error(t, err)
}

func TestRule_EmptyNeverMatches(t *testing.T) {
	assert.False(t, Rule{Store: "x"}.Matches("anything"))
}

func TestDefaultRules_FirstMatch(t *testing.T) {
	r := New(DefaultRules(), FirstMatch)
	tests := []struct {
		id   string
		want string
	}{
		{"com.example.app", "android"},
		{"9AB12XYZ34", "microsoft"},
		{"9nblggh4nns1", "microsoft"},
		{"123456789", "apple"},
		{"id284882215", "apple"},
		{"B01ABCDEFG", "amazon"},
		{"/dp/B01ABCDEFG", "amazon"},
		{"12345678", "apple"},
		{"12345", "roku"},
		{"G123", "samsung"},
		{"/product/UP0001-CUSA00001_00", "playstation"},
		{"vizio.netflix", "android"},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			got := r.Match(tt.id)
			require.Len(t, got, 1)
			assert.Equal(t, tt.want, got[0])
		})
	}

	assert.Empty(t, r.Match("???"))
	assert.Equal(t, []string{"apple"}, r.Match("1234567890"), "ten digits has no letter for amazon")
}

func TestDefaultRules_AllMatches(t *testing.T) {
	r := New(DefaultRules(), AllMatches)
	assert.Equal(t, []string{"android", "galaxy"}, r.Match("com.example.app"))
	assert.Equal(t, []string{"apple", "zeasn", "roku", "lg"}, r.Match("12345678"))
	assert.Equal(t, []string{"microsoft", "amazon"}, r.Match("9AB12XYZ34"))
	assert.Equal(t, []string{"android", "galaxy", "vizio"}, r.Match("vizio.netflix"))
}

func TestClassify_EndToEndIdentifiers(t *testing.T) {
	r := New(DefaultRules(), FirstMatch)
	cache := NewMemoryCache()

	res := r.Classify([]string{"com.example.app", "9AB12XYZ34", "123456789", "???"}, cache)

	assert.Equal(t, []string{"com.example.app"}, res.Routed["android"])
	assert.Equal(t, []string{"9AB12XYZ34"}, res.Routed["microsoft"])
	assert.Equal(t, []string{"123456789"}, res.Routed["apple"])
	assert.Equal(t, []string{"???"}, res.Unmatched)
	assert.Equal(t, 0, res.FromCache)
	assert.Len(t, res.New, 3)
	assert.Equal(t, 3, res.Total())
	assert.Equal(t, []string{"android", "apple", "microsoft"}, res.Stores())
	assert.Equal(t, 3, cache.Pending())
}

func TestClassify_CacheWinsOverRules(t *testing.T) {
	cache := NewMemoryCache()
	cache.Add(model.StoreAssignment{BundleID: "com.example.app", Store: "galaxy"})
	cache.Add(model.StoreAssignment{BundleID: "com.example.app", Store: "android"})

	first := New(DefaultRules(), FirstMatch).Classify([]string{"com.example.app"}, cache)
	assert.Equal(t, map[string][]string{"galaxy": {"com.example.app"}}, first.Routed)
	assert.Equal(t, 1, first.FromCache)
	assert.Empty(t, first.New)

	all := New(DefaultRules(), AllMatches).Classify([]string{"com.example.app"}, cache)
	assert.Equal(t, []string{"com.example.app"}, all.Routed["galaxy"])
	assert.Equal(t, []string{"com.example.app"}, all.Routed["android"])
}

func TestClassify_StableAcrossRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache", "bundle_cache.parquet")
	ids := []string{"com.example.app", "9AB12XYZ34", "123456789"}

	c1, err := LoadCache(path)
	require.NoError(t, err)
	res1 := New(DefaultRules(), FirstMatch).Classify(ids, c1)
	require.NoError(t, c1.Save())

	// A later run with different rules must still reuse the cached stores.
	other, err := NewRule("other", ".*")
	require.NoError(t, err)
	c2, err := LoadCache(path)
	require.NoError(t, err)
	res2 := New([]Rule{other}, FirstMatch).Classify(ids, c2)

	assert.Equal(t, res1.Routed, res2.Routed)
	assert.Equal(t, 3, res2.FromCache)
	assert.Equal(t, 0, c2.Pending())
}

func TestCache_SaveDedupesKeepingLast(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bundle_cache.parquet")
	seed := table.New(model.ColBundleID, model.ColStore)
	seed.Append(map[string]string{model.ColBundleID: "a", model.ColStore: "android"})
	seed.Append(map[string]string{model.ColBundleID: "b", model.ColStore: "apple"})
	require.NoError(t, table.WriteAtomic(path, seed))

	c, err := LoadCache(path)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())
	c.Add(model.StoreAssignment{BundleID: "a", Store: "android"})
	c.Add(model.StoreAssignment{BundleID: "c", Store: "roku"})
	require.NoError(t, c.Save())

	got, err := table.Read(path)
	require.NoError(t, err)
	require.Equal(t, 3, got.Len())
	assert.Equal(t, "b", got.Rows[0][model.ColBundleID])
	assert.Equal(t, "a", got.Rows[1][model.ColBundleID])
	assert.Equal(t, "c", got.Rows[2][model.ColBundleID])
}

func TestCache_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bundle_cache.parquet")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	c, err := LoadCache(path)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Len())
}

func TestCache_WrongColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bundle_cache.parquet")
	bad := table.New("id")
	bad.Append(map[string]string{"id": "x"})
	require.NoError(t, table.WriteAtomic(path, bad))

	_, err := LoadCache(path)
	assert.Error(t, err)
}

func TestCache_SaveWithoutPendingIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bundle_cache.parquet")
	c, err := LoadCache(path)
	require.NoError(t, err)
	require.NoError(t, c.Save())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestWriteRouted(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "routed_ids")
	res := &Result{Routed: map[string][]string{
		"apple":   {"123456789"},
		"android": {"com.a", "com.b"},
	}}
	require.NoError(t, WriteRouted(dir, res))

	got, err := table.Read(filepath.Join(dir, "android.parquet"))
	require.NoError(t, err)
	assert.Equal(t, []string{model.ColBundleID}, got.Columns)
	require.Equal(t, 2, got.Len())
	assert.Equal(t, "com.b", got.Rows[1][model.ColBundleID])
}

func TestWriteRouted_RemovesStaleStores(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("keep"), 0o644))
	require.NoError(t, WriteRouted(dir, &Result{Routed: map[string][]string{"apple": {"123456789"}}}))
	require.NoError(t, WriteRouted(dir, &Result{Routed: map[string][]string{"android": {"com.example.app"}}}))

	ids, err := ReadRouted(dir, "apple")
	require.NoError(t, err)
	assert.Empty(t, ids, "previous run's identifiers must not be fetched again")

	ids, err = ReadRouted(dir, "android")
	require.NoError(t, err)
	assert.Equal(t, []string{"com.example.app"}, ids)

	_, err = os.Stat(filepath.Join(dir, "notes.txt"))
	assert.NoError(t, err, "non-parquet files are left alone")
}

func TestReadRouted(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteRouted(dir, &Result{Routed: map[string][]string{"android": {"com.a", "com.b"}}}))

	ids, err := ReadRouted(dir, "android")
	require.NoError(t, err)
	assert.Equal(t, []string{"com.a", "com.b"}, ids)

	ids, err = ReadRouted(dir, "apple")
	require.NoError(t, err)
	assert.Empty(t, ids)
}
