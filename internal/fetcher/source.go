package fetcher

import (
	"context"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/storefront-sync/internal/table"
)

// Loader loads tabular datasets from local paths, http(s):// and ftp:// URLs.
type Loader struct {
	HTTP *HTTPClient
	FTP  *FTPFetcher
	// TempDir receives downloads of remote datasets. Default: os.TempDir().
	TempDir string
}

// NewLoader returns a Loader with default HTTP and FTP clients.
func NewLoader() *Loader {
	return &Loader{
		HTTP: NewHTTPClient(HTTPOptions{}),
		FTP:  NewFTPFetcher(FTPOptions{}),
	}
}

// Format names the on-disk format of a dataset.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatXLSX    Format = "xlsx"
	FormatParquet Format = "parquet"
)

// DetectFormat infers the format from the file extension of src.
func DetectFormat(src string) (Format, error) {
	p := src
	if u, err := url.Parse(src); err == nil && u.Scheme != "" && len(u.Scheme) > 1 {
		p = u.Path
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".csv", ".txt":
		return FormatCSV, nil
	case ".xlsx", ".xlsm":
		return FormatXLSX, nil
	case ".parquet", ".pq":
		return FormatParquet, nil
	default:
		return "", eris.Errorf("fetcher: cannot infer format of %q", src)
	}
}

// Load reads the dataset at src. A missing local file returns an error
// satisfying errors.Is(err, fs.ErrNotExist).
func (l *Loader) Load(ctx context.Context, src string) (*table.Table, error) {
	format, err := DetectFormat(src)
	if err != nil {
		return nil, err
	}

	local, cleanup, err := l.localize(ctx, src)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	switch format {
	case FormatParquet:
		return table.Read(local)
	case FormatXLSX:
		if _, err := os.Stat(local); err != nil {
			return nil, eris.Wrapf(err, "fetcher: open %s", local)
		}
		return ReadXLSXTable(local, XLSXOptions{})
	default:
		f, err := os.Open(local)
		if err != nil {
			return nil, eris.Wrapf(err, "fetcher: open %s", local)
		}
		defer f.Close() //nolint:errcheck
		return ReadCSVTable(ctx, f, CSVOptions{TrimSpace: true, LazyQuotes: true})
	}
}

// localize returns a local path for src, downloading remote sources into a
// temp file that cleanup removes.
func (l *Loader) localize(ctx context.Context, src string) (string, func(), error) {
	noop := func() {}
	u, err := url.Parse(src)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ftp") {
		return src, noop, nil
	}

	dir := l.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	tmp, err := os.CreateTemp(dir, "dataset-*"+path.Ext(u.Path))
	if err != nil {
		return "", noop, eris.Wrap(err, "fetcher: create temp file")
	}
	name := tmp.Name()
	_ = tmp.Close()
	cleanup := func() { _ = os.Remove(name) }

	switch u.Scheme {
	case "ftp":
		_, err = l.FTP.DownloadToFile(ctx, src, name)
	default:
		_, err = l.HTTP.DownloadToFile(ctx, src, name)
	}
	if err != nil {
		cleanup()
		return "", noop, eris.Wrapf(err, "fetcher: download %s", src)
	}
	return filepath.Clean(name), cleanup, nil
}
