package warehouse

import (
	"context"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// copyOptions renders the source-format clause of a COPY statement.
func copyOptions(objectPath string) string {
	if strings.HasSuffix(objectPath, ".parquet") {
		return "FORMAT AS PARQUET"
	}
	return "FORMAT AS CSV IGNOREHEADER 1 TIMEFORMAT 'auto' DATEFORMAT 'auto' EMPTYASNULL"
}

// CopyFrom bulk-loads a staged object into a table. Returns the number of
// loaded rows, or -1 when the driver cannot report it.
func (w *Warehouse) CopyFrom(ctx context.Context, e Execer, table string, columns []string, objectPath string) (int64, error) {
	n, err := w.copyInto(ctx, e, w.qualified(table), columns, objectPath)
	if err != nil {
		return 0, fmt.Errorf("copying %s into %s: %w", objectPath, table, err)
	}
	return n, nil
}

// MergeFrom upserts a staged file into a table: the file is loaded into a
// per-window stage table shaped like the target, matching rows are deleted
// from the target by primary key, and the staged rows are inserted. Returns
// the number of merged rows, or -1 when the driver cannot report it.
func (w *Warehouse) MergeFrom(ctx context.Context, e Execer, table string, columns []string, objectPath string) (int64, error) {
	stage := table + "_stage_merge"

	stmts := []string{
		fmt.Sprintf("DROP TABLE IF EXISTS %s", pq.QuoteIdentifier(stage)),
		fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s)", pq.QuoteIdentifier(stage), w.qualified(table)),
	}
	for _, stmt := range stmts {
		if _, err := e.ExecContext(ctx, stmt); err != nil {
			return 0, fmt.Errorf("staging merge for %s: %w", table, err)
		}
	}

	n, err := w.copyInto(ctx, e, pq.QuoteIdentifier(stage), columns, objectPath)
	if err != nil {
		return 0, fmt.Errorf("loading merge file for %s: %w", table, err)
	}

	del := fmt.Sprintf("DELETE FROM %s USING %s WHERE %s.%s = %s.%s",
		w.qualified(table), pq.QuoteIdentifier(stage),
		pq.QuoteIdentifier(table), pq.QuoteIdentifier(primaryKeyColumn),
		pq.QuoteIdentifier(stage), pq.QuoteIdentifier(primaryKeyColumn))
	if _, err := e.ExecContext(ctx, del); err != nil {
		return 0, fmt.Errorf("deleting superseded rows from %s: %w", table, err)
	}

	ins := fmt.Sprintf("INSERT INTO %s SELECT * FROM %s", w.qualified(table), pq.QuoteIdentifier(stage))
	if _, err := e.ExecContext(ctx, ins); err != nil {
		return 0, fmt.Errorf("inserting merged rows into %s: %w", table, err)
	}

	drop := fmt.Sprintf("DROP TABLE %s", pq.QuoteIdentifier(stage))
	if _, err := e.ExecContext(ctx, drop); err != nil {
		return 0, fmt.Errorf("dropping merge stage for %s: %w", table, err)
	}
	return n, nil
}

// copyInto issues a COPY into an already-quoted target.
func (w *Warehouse) copyInto(ctx context.Context, e Execer, quotedTarget string, columns []string, objectPath string) (int64, error) {
	cols := ""
	if len(columns) > 0 {
		quoted := make([]string, len(columns))
		for i, c := range columns {
			quoted[i] = pq.QuoteIdentifier(c)
		}
		cols = " (" + strings.Join(quoted, ", ") + ")"
	}

	stmt := fmt.Sprintf("COPY %s%s FROM '%s'", quotedTarget, cols, objectPath)
	if w.opts.IAMRole != "" {
		stmt += fmt.Sprintf(" IAM_ROLE '%s'", w.opts.IAMRole)
	}
	stmt += " " + copyOptions(objectPath)

	res, err := e.ExecContext(ctx, stmt)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return -1, nil
	}
	return n, nil
}

// DeleteByKeys removes every row of table whose primary key appears in the
// staged key file. The key file is loaded into a per-window stage table and
// joined against the target; this subsumes pure deletes and the old version
// of an upsert in one pass.
func (w *Warehouse) DeleteByKeys(ctx context.Context, e Execer, table, keyFilePath string) error {
	stage := table + "_stage_keys"

	stmts := []string{
		fmt.Sprintf("DROP TABLE IF EXISTS %s", pq.QuoteIdentifier(stage)),
		fmt.Sprintf("CREATE TEMP TABLE %s (%s VARCHAR(255))",
			pq.QuoteIdentifier(stage), pq.QuoteIdentifier(primaryKeyColumn)),
	}
	for _, stmt := range stmts {
		if _, err := e.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("staging keys for %s: %w", table, err)
		}
	}

	if _, err := w.copyInto(ctx, e, pq.QuoteIdentifier(stage), []string{primaryKeyColumn}, keyFilePath); err != nil {
		return fmt.Errorf("loading key file for %s: %w", table, err)
	}

	del := fmt.Sprintf("DELETE FROM %s USING %s WHERE %s.%s = %s.%s",
		w.qualified(table), pq.QuoteIdentifier(stage),
		pq.QuoteIdentifier(table), pq.QuoteIdentifier(primaryKeyColumn),
		pq.QuoteIdentifier(stage), pq.QuoteIdentifier(primaryKeyColumn))
	if _, err := e.ExecContext(ctx, del); err != nil {
		return fmt.Errorf("deleting keyed rows from %s: %w", table, err)
	}

	drop := fmt.Sprintf("DROP TABLE %s", pq.QuoteIdentifier(stage))
	if _, err := e.ExecContext(ctx, drop); err != nil {
		return fmt.Errorf("dropping key stage for %s: %w", table, err)
	}
	return nil
}
