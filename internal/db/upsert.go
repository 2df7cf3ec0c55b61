package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig describes one staged bulk upsert.
type UpsertConfig struct {
	Table        string   // target table, optionally schema-qualified
	Columns      []string // column order of every row
	ConflictKeys []string // columns forming the unique constraint
	UpdateCols   []string // columns set on conflict; nil = all non-key columns

	// CompareCols restricts the change check to these columns. Rows whose
	// compared values would not change are left alone and not counted. Nil
	// updates every conflicting row.
	CompareCols []string
}

// BulkUpsert stages rows in a temp table with COPY, then merges them into the
// target with INSERT ... ON CONFLICT in one transaction. Rows repeating a
// conflict key keep the last occurrence. It returns the number of rows
// inserted or changed.
func BulkUpsert(ctx context.Context, pool Pool, cfg UpsertConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(cfg.Columns) == 0 {
		return 0, eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return 0, eris.New("db: upsert: no conflict keys specified")
	}

	keyIdx, err := indexesOf(cfg.Columns, cfg.ConflictKeys)
	if err != nil {
		return 0, err
	}
	rows = dedupeRows(rows, keyIdx)

	stage := stageTable(cfg.Table)
	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: upsert: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	createSQL := fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgx.Identifier{stage}.Sanitize(),
		sanitizeTable(cfg.Table),
	)
	if _, err := tx.Exec(ctx, createSQL); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: stage %s", cfg.Table)
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{stage}, cfg.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: copy into stage for %s", cfg.Table)
	}

	tag, err := tx.Exec(ctx, upsertSQL(cfg, stage))
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert: merge into %s", cfg.Table)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: upsert: commit tx")
	}
	return tag.RowsAffected(), nil
}

// upsertSQL renders the merge statement. The target is aliased "t".
func upsertSQL(cfg UpsertConfig, stage string) string {
	updateCols := cfg.UpdateCols
	if updateCols == nil {
		updateCols = without(cfg.Columns, cfg.ConflictKeys)
	}
	value := func(col string) string {
		return "EXCLUDED." + pgx.Identifier{col}.Sanitize()
	}

	sets := make([]string, 0, len(updateCols))
	for _, col := range updateCols {
		sets = append(sets, fmt.Sprintf("%s = %s", pgx.Identifier{col}.Sanitize(), value(col)))
	}

	cols := quoteAndJoin(cfg.Columns)
	stmt := fmt.Sprintf(
		"INSERT INTO %s AS t (%s) SELECT %s FROM %s ON CONFLICT (%s) DO UPDATE SET %s",
		sanitizeTable(cfg.Table),
		cols,
		cols,
		pgx.Identifier{stage}.Sanitize(),
		quoteAndJoin(cfg.ConflictKeys),
		strings.Join(sets, ", "),
	)

	if len(cfg.CompareCols) > 0 {
		current := make([]string, len(cfg.CompareCols))
		next := make([]string, len(cfg.CompareCols))
		for i, col := range cfg.CompareCols {
			current[i] = "t." + pgx.Identifier{col}.Sanitize()
			next[i] = value(col)
		}
		stmt += fmt.Sprintf(" WHERE (%s) IS DISTINCT FROM (%s)",
			strings.Join(current, ", "), strings.Join(next, ", "))
	}
	return stmt
}

// dedupeRows keeps the last row for each conflict key, in first-seen key order.
func dedupeRows(rows [][]any, keyIdx []int) [][]any {
	pos := make(map[string]int, len(rows))
	out := make([][]any, 0, len(rows))
	for _, row := range rows {
		var b strings.Builder
		for _, i := range keyIdx {
			fmt.Fprintf(&b, "%v\x00", row[i])
		}
		k := b.String()
		if p, ok := pos[k]; ok {
			out[p] = row
			continue
		}
		pos[k] = len(out)
		out = append(out, row)
	}
	return out
}

func indexesOf(cols, names []string) ([]int, error) {
	idx := make([]int, 0, len(names))
	for _, n := range names {
		found := -1
		for i, c := range cols {
			if c == n {
				found = i
				break
			}
		}
		if found < 0 {
			return nil, eris.Errorf("db: upsert: conflict key %q is not a column", n)
		}
		idx = append(idx, found)
	}
	return idx, nil
}

func without(cols, drop []string) []string {
	skip := make(map[string]bool, len(drop))
	for _, d := range drop {
		skip[d] = true
	}
	var out []string
	for _, c := range cols {
		if !skip[c] {
			out = append(out, c)
		}
	}
	return out
}

// stageTable names the temp table for target, e.g. "_stage_sync_canonical_urls".
func stageTable(target string) string {
	return "_stage_" + strings.ReplaceAll(target, ".", "_")
}

// sanitizeTable handles schema-qualified table names like "sync.canonical_urls".
func sanitizeTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
