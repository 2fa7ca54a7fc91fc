// Package manifest parses per-window manifest and metadata files into typed
// rows and schema registries. The manifest is the authoritative description
// of one window's intent; rows are parsed once at entry into a closed set of
// variants rather than handled as open mappings.
package manifest

// Operation names the action a manifest row requests.
type Operation string

// Operation values enumerate the supported manifest row operations.
const (
	OpUpsert      Operation = "upsert"
	OpDelete      Operation = "delete"
	OpDropTable   Operation = "drop_table"
	OpDropColumn  Operation = "drop_column"
	OpAddColumn   Operation = "add_column"
	OpAlterColumn Operation = "alter_column"
)

// Row is one parsed manifest row. Exactly one concrete variant implements it
// per operation.
type Row interface {
	Object() string
	Operation() Operation
}

// UpsertRow loads (or replaces) rows for an object from a staged file.
type UpsertRow struct {
	ObjectName        string
	FilePath          string
	SchemaFingerprint string
	RowCount          int64
}

func (r UpsertRow) Object() string       { return r.ObjectName }
func (r UpsertRow) Operation() Operation { return OpUpsert }

// DeleteRow removes rows whose primary keys appear in a staged file.
type DeleteRow struct {
	ObjectName string
	FilePath   string
	RowCount   int64
}

func (r DeleteRow) Object() string       { return r.ObjectName }
func (r DeleteRow) Operation() Operation { return OpDelete }

// DropTableRow drops the object's table entirely.
type DropTableRow struct {
	ObjectName string
}

func (r DropTableRow) Object() string       { return r.ObjectName }
func (r DropTableRow) Operation() Operation { return OpDropTable }

// DropColumnRow drops one column from the object's table.
type DropColumnRow struct {
	ObjectName string
	ColumnName string
}

func (r DropColumnRow) Object() string       { return r.ObjectName }
func (r DropColumnRow) Operation() Operation { return OpDropColumn }

// AddColumnRow adds a column with the given target type.
type AddColumnRow struct {
	ObjectName string
	ColumnName string
	ToType     Column
}

func (r AddColumnRow) Object() string       { return r.ObjectName }
func (r AddColumnRow) Operation() Operation { return OpAddColumn }

// AlterColumnRow changes a column's type. Only widenings in the allowed
// matrix may be applied; anything else fails the window.
type AlterColumnRow struct {
	ObjectName string
	ColumnName string
	FromType   Column
	ToType     Column
}

func (r AlterColumnRow) Object() string       { return r.ObjectName }
func (r AlterColumnRow) Operation() Operation { return OpAlterColumn }
