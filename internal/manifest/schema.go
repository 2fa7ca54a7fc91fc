package manifest

import (
	"fmt"
	"strings"
	"unicode"
)

// LogicalType is the intermediate type a vendor column maps to before it
// becomes a warehouse column type.
type LogicalType string

// LogicalType values.
const (
	TypeUTF8      LogicalType = "utf8"
	TypeInt64     LogicalType = "int64"
	TypeFloat64   LogicalType = "float64"
	TypeBool      LogicalType = "bool"
	TypeDate      LogicalType = "date32"
	TypeTimestamp LogicalType = "timestamp"
)

// Column describes one column of an object's schema.
type Column struct {
	Name     string
	Type     LogicalType
	Length   int // utf8 max length; 0 means unbounded
	Nullable bool
}

// Schema is the ordered column sequence for one object.
type Schema struct {
	Object  string
	Columns []Column
}

// Column returns the named column, or false.
func (s Schema) Column(name string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Registry maps object names to their per-window schemas. Built fresh from
// each window's metadata; never persisted across windows.
type Registry map[string]Schema

// MapVendorType maps a vendor metadata type name onto a logical type.
// Number columns default to int64; decimal detection may widen them to
// float64 per window (see SniffNumber). Unknown types degrade to utf8.
func MapVendorType(vendorType string) LogicalType {
	switch vendorType {
	case "String", "Picklist", "MultiPicklist", "Text", "LongText":
		return TypeUTF8
	case "Number":
		return TypeInt64
	case "Boolean":
		return TypeBool
	case "Date":
		return TypeDate
	case "DateTime":
		return TypeTimestamp
	case "Reference", "Relationship", "MultiRelationship", "ID":
		return TypeUTF8
	default:
		return TypeUTF8
	}
}

// referenceLength is the default utf8 length for reference/ID columns.
const referenceLength = 255

// IsReferenceType reports whether the vendor type is a bounded reference/ID.
func IsReferenceType(vendorType string) bool {
	switch vendorType {
	case "Reference", "Relationship", "MultiRelationship", "ID":
		return true
	}
	return false
}

// SniffNumber widens int64 to float64 when any sampled non-null value
// carries a decimal separator. Detection is per window only.
func SniffNumber(samples []string) LogicalType {
	for _, v := range samples {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if strings.ContainsRune(v, '.') {
			return TypeFloat64
		}
	}
	return TypeInt64
}

// ParseLogicalType parses a manifest from_type/to_type cell, e.g. "utf8",
// "utf8(255)", "int64".
func ParseLogicalType(s string) (Column, error) {
	s = strings.TrimSpace(s)
	length := 0
	if open := strings.IndexByte(s, '('); open >= 0 && strings.HasSuffix(s, ")") {
		if _, err := fmt.Sscanf(s[open:], "(%d)", &length); err != nil {
			return Column{}, fmt.Errorf("malformed type %q", s)
		}
		s = s[:open]
	}
	lt := LogicalType(s)
	switch lt {
	case TypeUTF8, TypeInt64, TypeFloat64, TypeBool, TypeDate, TypeTimestamp:
		return Column{Type: lt, Length: length, Nullable: true}, nil
	}
	return Column{}, fmt.Errorf("unknown logical type %q", s)
}

// TransitionAllowed reports whether altering a column from one type to
// another is a permitted widening: int64→float64, utf8(N)→utf8(M) for M>N
// (or to unbounded), and date→timestamp. Everything else is incompatible.
func TransitionAllowed(from, to Column) bool {
	if from.Type == to.Type {
		if from.Type == TypeUTF8 {
			if from.Length == 0 {
				return false // already unbounded; nothing wider
			}
			return to.Length == 0 || to.Length > from.Length
		}
		return false
	}
	switch {
	case from.Type == TypeInt64 && to.Type == TypeFloat64:
		return true
	case from.Type == TypeDate && to.Type == TypeTimestamp:
		return true
	}
	return false
}

// TableName normalizes an object name into a warehouse table name. Names
// starting with a digit get a "t_" prefix.
func TableName(objectName string) string {
	name := strings.ToLower(objectName)
	if name == "" {
		return name
	}
	if unicode.IsDigit(rune(name[0])) {
		return "t_" + name
	}
	return name
}
