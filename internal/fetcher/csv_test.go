package fetcher

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectRows(t *testing.T, rowCh <-chan []string, errCh <-chan error) ([][]string, error) {
	t.Helper()
	var rows [][]string
	for row := range rowCh {
		rows = append(rows, row)
	}
	for err := range errCh {
		if err != nil {
			return rows, err
		}
	}
	return rows, nil
}

func TestStreamCSV_Basic(t *testing.T) {
	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader("a,b,c\n1,2,3\n"), CSVOptions{})
	rows, err := collectRows(t, rowCh, errCh)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"a", "b", "c"}, rows[0])
	assert.Equal(t, []string{"1", "2", "3"}, rows[1])
}

func TestStreamCSV_StripsBOMAndTrims(t *testing.T) {
	input := "\ufeffappstore_bundle_id , url\n 123.0 , https://channelstore.roku.com/x \n"
	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader(input), CSVOptions{TrimSpace: true})
	rows, err := collectRows(t, rowCh, errCh)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"appstore_bundle_id", "url"}, rows[0])
	assert.Equal(t, []string{"123.0", "https://channelstore.roku.com/x"}, rows[1])
}

func TestStreamCSV_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rowCh, errCh := StreamCSV(ctx, strings.NewReader("a\n1\n2\n"), CSVOptions{})
	_, err := collectRows(t, rowCh, errCh)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "context cancelled")
}

func TestReadCSVTable(t *testing.T) {
	input := "bundle_id,appName,developer_url\nabc,Demo,https://dev.example.com\nshort,Only\n"
	tbl, err := ReadCSVTable(context.Background(), strings.NewReader(input), CSVOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"bundle_id", "appName", "developer_url"}, tbl.Columns)
	require.Equal(t, 2, tbl.Len())
	assert.Equal(t, "https://dev.example.com", tbl.Rows[0]["developer_url"])
	assert.Equal(t, "", tbl.Rows[1]["developer_url"])
}

func TestReadCSVTable_Empty(t *testing.T) {
	_, err := ReadCSVTable(context.Background(), strings.NewReader(""), CSVOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing header")
}

func TestReadCSVTable_Malformed(t *testing.T) {
	_, err := ReadCSVTable(context.Background(), strings.NewReader("a,b\n\"unterminated,1\n"), CSVOptions{})
	require.Error(t, err)
}
