package warehouse

import (
	"context"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/dwsmith1983/vaultflow/internal/manifest"
)

// TableColumns returns the live column set of a table keyed by column name,
// or an empty map when the table does not exist.
func (w *Warehouse) TableColumns(ctx context.Context, e Execer, table string) (map[string]manifest.Column, error) {
	rows, err := e.QueryContext(ctx, `
		SELECT column_name, data_type, COALESCE(character_maximum_length, 0), is_nullable
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`, w.schema, table)
	if err != nil {
		return nil, fmt.Errorf("querying columns of %s: %w", table, err)
	}
	defer rows.Close()

	cols := map[string]manifest.Column{}
	for rows.Next() {
		var (
			name, dataType, nullable string
			length                   int
		)
		if err := rows.Scan(&name, &dataType, &length, &nullable); err != nil {
			return nil, fmt.Errorf("scanning column of %s: %w", table, err)
		}
		cols[name] = manifest.Column{
			Name:     name,
			Type:     logicalFromSQL(dataType),
			Length:   length,
			Nullable: strings.EqualFold(nullable, "YES"),
		}
	}
	return cols, rows.Err()
}

// logicalFromSQL maps an information_schema data_type back onto the logical
// type space so live columns can be diffed against manifest schemas.
func logicalFromSQL(dataType string) manifest.LogicalType {
	switch strings.ToLower(dataType) {
	case "bigint", "integer", "smallint":
		return manifest.TypeInt64
	case "double precision", "real", "numeric":
		return manifest.TypeFloat64
	case "boolean":
		return manifest.TypeBool
	case "date":
		return manifest.TypeDate
	case "timestamp with time zone", "timestamp without time zone":
		return manifest.TypeTimestamp
	default:
		return manifest.TypeUTF8
	}
}

// CreateTable creates a table with the given column sequence if absent.
func (w *Warehouse) CreateTable(ctx context.Context, e Execer, table string, cols []manifest.Column) error {
	if len(cols) == 0 {
		return fmt.Errorf("creating %s: no columns", table)
	}
	defs := make([]string, 0, len(cols))
	for _, c := range cols {
		def := pq.QuoteIdentifier(c.Name) + " " + sqlType(c)
		if !c.Nullable {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", w.qualified(table), strings.Join(defs, ", "))
	if _, err := e.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("creating table %s: %w", table, err)
	}
	return nil
}

// AddColumn adds a column if it is not already present. The existence check
// makes a replayed DDL pre-step a no-op.
func (w *Warehouse) AddColumn(ctx context.Context, e Execer, table string, col manifest.Column) error {
	existing, err := w.TableColumns(ctx, e, table)
	if err != nil {
		return err
	}
	if _, ok := existing[col.Name]; ok {
		return nil
	}
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s",
		w.qualified(table), pq.QuoteIdentifier(col.Name), sqlType(col))
	if _, err := e.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("adding column %s.%s: %w", table, col.Name, err)
	}
	return nil
}

// AlterColumnType changes a column's type. Callers are responsible for
// checking the transition against the allowed widening matrix first.
func (w *Warehouse) AlterColumnType(ctx context.Context, e Execer, table string, col manifest.Column) error {
	stmt := fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s",
		w.qualified(table), pq.QuoteIdentifier(col.Name), sqlType(col))
	if _, err := e.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("altering column %s.%s: %w", table, col.Name, err)
	}
	return nil
}

// DropColumn drops a column if present.
func (w *Warehouse) DropColumn(ctx context.Context, e Execer, table, column string) error {
	existing, err := w.TableColumns(ctx, e, table)
	if err != nil {
		return err
	}
	if _, ok := existing[column]; !ok {
		return nil
	}
	stmt := fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", w.qualified(table), pq.QuoteIdentifier(column))
	if _, err := e.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("dropping column %s.%s: %w", table, column, err)
	}
	return nil
}

// DropTable drops a table if present.
func (w *Warehouse) DropTable(ctx context.Context, e Execer, table string) error {
	stmt := "DROP TABLE IF EXISTS " + w.qualified(table)
	if _, err := e.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("dropping table %s: %w", table, err)
	}
	return nil
}

// Truncate removes all rows from a table.
func (w *Warehouse) Truncate(ctx context.Context, e Execer, table string) error {
	stmt := "TRUNCATE TABLE " + w.qualified(table)
	if _, err := e.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("truncating table %s: %w", table, err)
	}
	return nil
}
