package apply

import (
	"context"
	"fmt"

	"github.com/dwsmith1983/vaultflow/internal/manifest"
	"github.com/dwsmith1983/vaultflow/internal/warehouse"
	"github.com/dwsmith1983/vaultflow/pkg/types"
)

// reconcileSchema executes the window's schema intent against the live
// warehouse: drops first, then explicit column changes, then the per-object
// diff between manifest schema and live columns. Every step checks current
// state before issuing DDL so a replay after a partial failure is a no-op.
func (e *Engine) reconcileSchema(ctx context.Context, ex warehouse.Execer, win Window, m *manifest.Manifest, reg manifest.Registry) error {
	for _, d := range m.DropTables() {
		if err := e.wh.DropTable(ctx, ex, manifest.TableName(d.ObjectName)); err != nil {
			return err
		}
	}
	for _, d := range m.DropColumns() {
		if err := e.wh.DropColumn(ctx, ex, manifest.TableName(d.ObjectName), d.ColumnName); err != nil {
			return err
		}
	}

	for _, a := range m.AddColumns() {
		table := manifest.TableName(a.ObjectName)
		if err := e.wh.AddColumn(ctx, ex, table, a.ToType); err != nil {
			return err
		}
	}

	for _, a := range m.AlterColumns() {
		table := manifest.TableName(a.ObjectName)
		live, err := e.wh.TableColumns(ctx, ex, table)
		if err != nil {
			return err
		}

		from := a.FromType
		if cur, ok := live[a.ColumnName]; ok {
			from = cur
			if sameShape(cur, a.ToType) {
				continue // replayed DDL; already widened
			}
		}
		if !manifest.TransitionAllowed(from, a.ToType) {
			return fmt.Errorf("%w: %s.%s %s -> %s",
				ErrIncompatibleSchemaChange, table, a.ColumnName, describe(from), describe(a.ToType))
		}
		if err := e.wh.AlterColumnType(ctx, ex, table, a.ToType); err != nil {
			return err
		}
	}

	// Per-object diff for every object being loaded this window.
	for _, u := range m.Upserts() {
		schema, ok := reg[u.ObjectName]
		if !ok {
			continue // no metadata this window; table must already match
		}
		if err := e.reconcileObject(ctx, ex, win, u.ObjectName, schema); err != nil {
			return err
		}
	}
	return nil
}

// reconcileObject creates a missing table or diffs the manifest schema
// against the live column set: new columns are added, allowed widenings are
// applied, narrowings fail the window. A FULL window whose schema is
// incompatible with the live table drops and recreates it instead.
func (e *Engine) reconcileObject(ctx context.Context, ex warehouse.Execer, win Window, object string, schema manifest.Schema) error {
	table := manifest.TableName(object)
	live, err := e.wh.TableColumns(ctx, ex, table)
	if err != nil {
		return err
	}

	if len(live) == 0 {
		return e.wh.CreateTable(ctx, ex, table, schema.Columns)
	}

	for _, want := range schema.Columns {
		cur, ok := live[want.Name]
		if !ok {
			if err := e.wh.AddColumn(ctx, ex, table, want); err != nil {
				return err
			}
			continue
		}
		if sameShape(cur, want) {
			continue
		}
		if manifest.TransitionAllowed(cur, want) {
			if err := e.wh.AlterColumnType(ctx, ex, table, want); err != nil {
				return err
			}
			continue
		}
		if win.LoadType == types.LoadFull {
			// Snapshot replaces the data anyway; rebuild the table.
			if err := e.wh.DropTable(ctx, ex, table); err != nil {
				return err
			}
			return e.wh.CreateTable(ctx, ex, table, schema.Columns)
		}
		return fmt.Errorf("%w: %s.%s %s -> %s",
			ErrIncompatibleSchemaChange, table, want.Name, describe(cur), describe(want))
	}
	return nil
}

// sameShape reports whether a live column already satisfies the wanted
// column, ignoring widenings that are not needed.
func sameShape(cur, want manifest.Column) bool {
	if cur.Type != want.Type {
		return false
	}
	if cur.Type == manifest.TypeUTF8 {
		if cur.Length == 0 {
			return true // unbounded holds anything
		}
		if want.Length == 0 {
			return false
		}
		return cur.Length >= want.Length
	}
	return true
}

func describe(c manifest.Column) string {
	if c.Type == manifest.TypeUTF8 && c.Length > 0 {
		return fmt.Sprintf("%s(%d)", c.Type, c.Length)
	}
	return string(c.Type)
}
