package manifest

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Manifest is the parsed content of one window's manifest file.
type Manifest struct {
	Rows []Row
}

// Upserts returns the upsert rows in manifest order.
func (m *Manifest) Upserts() []UpsertRow {
	var out []UpsertRow
	for _, r := range m.Rows {
		if u, ok := r.(UpsertRow); ok {
			out = append(out, u)
		}
	}
	return out
}

// Deletes returns the delete rows in manifest order.
func (m *Manifest) Deletes() []DeleteRow {
	var out []DeleteRow
	for _, r := range m.Rows {
		if d, ok := r.(DeleteRow); ok {
			out = append(out, d)
		}
	}
	return out
}

// DropTables returns the drop_table rows.
func (m *Manifest) DropTables() []DropTableRow {
	var out []DropTableRow
	for _, r := range m.Rows {
		if d, ok := r.(DropTableRow); ok {
			out = append(out, d)
		}
	}
	return out
}

// DropColumns returns the drop_column rows.
func (m *Manifest) DropColumns() []DropColumnRow {
	var out []DropColumnRow
	for _, r := range m.Rows {
		if d, ok := r.(DropColumnRow); ok {
			out = append(out, d)
		}
	}
	return out
}

// AddColumns returns the add_column rows.
func (m *Manifest) AddColumns() []AddColumnRow {
	var out []AddColumnRow
	for _, r := range m.Rows {
		if a, ok := r.(AddColumnRow); ok {
			out = append(out, a)
		}
	}
	return out
}

// AlterColumns returns the alter_column rows.
func (m *Manifest) AlterColumns() []AlterColumnRow {
	var out []AlterColumnRow
	for _, r := range m.Rows {
		if a, ok := r.(AlterColumnRow); ok {
			out = append(out, a)
		}
	}
	return out
}

// manifest CSV header columns.
var manifestHeader = []string{
	"object_name", "operation", "file_path", "schema_fingerprint",
	"row_count", "column_name", "from_type", "to_type",
}

// Parse reads a manifest CSV. Rows are validated and converted into their
// tagged variants; any unknown operation or missing required field is a
// protocol error that fails the window.
func Parse(r io.Reader) (*Manifest, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading manifest header: %w", err)
	}
	idx, err := headerIndex(header, "object_name", "operation")
	if err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}

	m := &Manifest{}
	for line := 2; ; line++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading manifest line %d: %w", line, err)
		}

		get := func(col string) string {
			i, ok := idx[col]
			if !ok || i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}

		object := get("object_name")
		if object == "" {
			return nil, fmt.Errorf("manifest line %d: missing object_name", line)
		}

		row, err := parseRow(object, Operation(get("operation")), get)
		if err != nil {
			return nil, fmt.Errorf("manifest line %d: %w", line, err)
		}
		m.Rows = append(m.Rows, row)
	}
	return m, nil
}

func parseRow(object string, op Operation, get func(string) string) (Row, error) {
	switch op {
	case OpUpsert:
		file := get("file_path")
		if file == "" {
			return nil, fmt.Errorf("upsert for %s missing file_path", object)
		}
		count, err := parseRowCount(get("row_count"))
		if err != nil {
			return nil, err
		}
		return UpsertRow{
			ObjectName:        object,
			FilePath:          file,
			SchemaFingerprint: get("schema_fingerprint"),
			RowCount:          count,
		}, nil

	case OpDelete:
		file := get("file_path")
		if file == "" {
			return nil, fmt.Errorf("delete for %s missing file_path", object)
		}
		count, err := parseRowCount(get("row_count"))
		if err != nil {
			return nil, err
		}
		return DeleteRow{ObjectName: object, FilePath: file, RowCount: count}, nil

	case OpDropTable:
		return DropTableRow{ObjectName: object}, nil

	case OpDropColumn:
		col := get("column_name")
		if col == "" {
			return nil, fmt.Errorf("drop_column for %s missing column_name", object)
		}
		return DropColumnRow{ObjectName: object, ColumnName: col}, nil

	case OpAddColumn:
		col := get("column_name")
		if col == "" {
			return nil, fmt.Errorf("add_column for %s missing column_name", object)
		}
		to, err := ParseLogicalType(get("to_type"))
		if err != nil {
			return nil, fmt.Errorf("add_column %s.%s: %w", object, col, err)
		}
		to.Name = col
		return AddColumnRow{ObjectName: object, ColumnName: col, ToType: to}, nil

	case OpAlterColumn:
		col := get("column_name")
		if col == "" {
			return nil, fmt.Errorf("alter_column for %s missing column_name", object)
		}
		from, err := ParseLogicalType(get("from_type"))
		if err != nil {
			return nil, fmt.Errorf("alter_column %s.%s: %w", object, col, err)
		}
		to, err := ParseLogicalType(get("to_type"))
		if err != nil {
			return nil, fmt.Errorf("alter_column %s.%s: %w", object, col, err)
		}
		from.Name, to.Name = col, col
		return AlterColumnRow{ObjectName: object, ColumnName: col, FromType: from, ToType: to}, nil

	default:
		return nil, fmt.Errorf("unknown operation %q for %s", op, object)
	}
}

func parseRowCount(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed row_count %q", s)
	}
	return n, nil
}

// ParseMetadata reads a metadata CSV (columns: object_name, column_name,
// type, length, nullable) into a per-window schema registry. Column order
// within an object follows file order.
func ParseMetadata(r io.Reader) (Registry, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading metadata header: %w", err)
	}
	idx, err := headerIndex(header, "object_name", "column_name", "type")
	if err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}

	reg := Registry{}
	for line := 2; ; line++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading metadata line %d: %w", line, err)
		}

		get := func(col string) string {
			i, ok := idx[col]
			if !ok || i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}

		object := get("object_name")
		colName := get("column_name")
		vendorType := get("type")
		if object == "" || colName == "" {
			return nil, fmt.Errorf("metadata line %d: missing object_name or column_name", line)
		}

		length := 0
		if l := get("length"); l != "" {
			length, err = strconv.Atoi(l)
			if err != nil {
				return nil, fmt.Errorf("metadata line %d: malformed length %q", line, l)
			}
		}
		if IsReferenceType(vendorType) && length == 0 {
			length = referenceLength
		}

		col := Column{
			Name:     colName,
			Type:     MapVendorType(vendorType),
			Length:   length,
			Nullable: !strings.EqualFold(get("nullable"), "false"),
		}

		schema, ok := reg[object]
		if !ok {
			schema = Schema{Object: object}
		}
		schema.Columns = append(schema.Columns, col)
		reg[object] = schema
	}
	return reg, nil
}

func headerIndex(header []string, required ...string) (map[string]int, error) {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(strings.ToLower(h))] = i
	}
	for _, col := range required {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("missing required column %q", col)
		}
	}
	return idx, nil
}
