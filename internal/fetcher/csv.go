// Package fetcher talks to storefronts over HTTP and loads tabular datasets
// (identifier lists, reference catalogs) from local paths, HTTP(S) and FTP.
package fetcher

import (
	"context"
	"encoding/csv"
	"io"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/storefront-sync/internal/table"
)

// CSVOptions configures the streaming CSV parser.
type CSVOptions struct {
	Delimiter  rune // default ','
	Comment    rune // 0 = none
	LazyQuotes bool
	TrimSpace  bool
}

// StreamCSV reads CSV records and sends them to a channel. Both channels are
// closed when processing completes.
func StreamCSV(ctx context.Context, r io.Reader, opts CSVOptions) (<-chan []string, <-chan error) {
	rowCh := make(chan []string, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		reader := csv.NewReader(r)
		if opts.Delimiter != 0 {
			reader.Comma = opts.Delimiter
		}
		if opts.Comment != 0 {
			reader.Comment = opts.Comment
		}
		reader.LazyQuotes = opts.LazyQuotes
		reader.FieldsPerRecord = -1

		first := true
		for {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}

			record, err := reader.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- eris.Wrap(err, "csv: read row")
				return
			}

			if first && len(record) > 0 {
				record[0] = strings.TrimPrefix(record[0], "\ufeff")
			}
			first = false

			if opts.TrimSpace {
				for i, field := range record {
					record[i] = strings.TrimSpace(field)
				}
			}

			select {
			case rowCh <- record:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}
		}
	}()

	return rowCh, errCh
}

// ReadCSVTable reads a CSV whose first record is the header.
func ReadCSVTable(ctx context.Context, r io.Reader, opts CSVOptions) (*table.Table, error) {
	rowCh, errCh := StreamCSV(ctx, r, opts)

	var header []string
	t := &table.Table{}
	for rec := range rowCh {
		if header == nil {
			header = rec
			t.Columns = append([]string(nil), rec...)
			continue
		}
		t.Append(recordToRow(header, rec))
	}
	if err := <-errCh; err != nil {
		return nil, err
	}
	if header == nil {
		return nil, eris.New("csv: missing header row")
	}
	return t, nil
}

func recordToRow(header, rec []string) map[string]string {
	row := make(map[string]string, len(header))
	for i, name := range header {
		if i < len(rec) {
			row[name] = rec[i]
		} else {
			row[name] = ""
		}
	}
	return row
}
