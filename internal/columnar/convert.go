// Package columnar converts staged CSV extracts into parquet, streaming in
// bounded row chunks with the window's schema registry driving column types.
package columnar

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/apache/arrow/go/v17/parquet"
	"github.com/apache/arrow/go/v17/parquet/compress"
	"github.com/apache/arrow/go/v17/parquet/pqarrow"

	"github.com/dwsmith1983/vaultflow/internal/manifest"
)

// defaultChunkRows bounds memory: one chunk of rows is materialized at a time.
const defaultChunkRows = 100000

// Converter converts CSV streams to parquet.
type Converter struct {
	alloc     memory.Allocator
	chunkRows int
}

// New creates a Converter with the default chunk size.
func New() *Converter {
	return &Converter{alloc: memory.NewGoAllocator(), chunkRows: defaultChunkRows}
}

// SetChunkRows overrides the chunk size (tests).
func (c *Converter) SetChunkRows(n int) {
	if n > 0 {
		c.chunkRows = n
	}
}

// Convert reads a headered CSV from r and writes parquet to w. Column types
// come from the object's schema; columns absent from the schema degrade to
// utf8. Number columns are sniffed over the first chunk and promoted to
// float64 when any sampled value carries a decimal separator — the promotion
// holds for this window only. Returns the number of converted rows.
func (c *Converter) Convert(r io.Reader, schema manifest.Schema, w io.Writer) (int64, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return 0, fmt.Errorf("reading CSV header: %w", err)
	}

	cols := resolveColumns(header, schema)

	// First chunk doubles as the decimal-detection sample.
	first, eof, err := c.readChunk(cr)
	if err != nil {
		return 0, err
	}
	sniffNumbers(cols, first)

	arrowSchema := buildArrowSchema(cols)
	writer, err := pqarrow.NewFileWriter(arrowSchema, w,
		parquet.NewWriterProperties(parquet.WithCompression(compress.Codecs.Snappy)),
		pqarrow.DefaultWriterProps())
	if err != nil {
		return 0, fmt.Errorf("creating parquet writer: %w", err)
	}

	var total int64
	chunk := first
	for {
		if len(chunk) > 0 {
			rec, err := buildRecord(c.alloc, arrowSchema, cols, chunk)
			if err != nil {
				writer.Close()
				return 0, err
			}
			if err := writer.Write(rec); err != nil {
				rec.Release()
				writer.Close()
				return 0, fmt.Errorf("writing parquet chunk: %w", err)
			}
			rec.Release()
			total += int64(len(chunk))
		}
		if eof {
			break
		}
		chunk, eof, err = c.readChunk(cr)
		if err != nil {
			writer.Close()
			return 0, err
		}
	}

	if err := writer.Close(); err != nil {
		return 0, fmt.Errorf("closing parquet writer: %w", err)
	}
	return total, nil
}

func (c *Converter) readChunk(cr *csv.Reader) (rows [][]string, eof bool, err error) {
	for len(rows) < c.chunkRows {
		record, err := cr.Read()
		if err == io.EOF {
			return rows, true, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("reading CSV row: %w", err)
		}
		rows = append(rows, record)
	}
	return rows, false, nil
}

// resolveColumns orders the schema columns by CSV header position.
func resolveColumns(header []string, schema manifest.Schema) []manifest.Column {
	cols := make([]manifest.Column, len(header))
	for i, name := range header {
		name = strings.TrimSpace(name)
		if col, ok := schema.Column(name); ok {
			cols[i] = col
		} else {
			cols[i] = manifest.Column{Name: name, Type: manifest.TypeUTF8, Nullable: true}
		}
	}
	return cols
}

// sniffNumbers promotes int64 columns to float64 when the sample shows
// fractional values.
func sniffNumbers(cols []manifest.Column, sample [][]string) {
	for i := range cols {
		if cols[i].Type != manifest.TypeInt64 {
			continue
		}
		values := make([]string, 0, len(sample))
		for _, row := range sample {
			if i < len(row) {
				values = append(values, row[i])
			}
		}
		cols[i].Type = manifest.SniffNumber(values)
	}
}

func buildArrowSchema(cols []manifest.Column) *arrow.Schema {
	fields := make([]arrow.Field, len(cols))
	for i, col := range cols {
		fields[i] = arrow.Field{Name: col.Name, Type: arrowType(col.Type), Nullable: true}
	}
	return arrow.NewSchema(fields, nil)
}

func arrowType(lt manifest.LogicalType) arrow.DataType {
	switch lt {
	case manifest.TypeInt64:
		return arrow.PrimitiveTypes.Int64
	case manifest.TypeFloat64:
		return arrow.PrimitiveTypes.Float64
	case manifest.TypeBool:
		return arrow.FixedWidthTypes.Boolean
	case manifest.TypeDate:
		return arrow.FixedWidthTypes.Date32
	case manifest.TypeTimestamp:
		return &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}
	default:
		return arrow.BinaryTypes.String
	}
}

// buildRecord materializes one chunk. Values that fail to parse under the
// column type become nulls rather than failing the conversion.
func buildRecord(alloc memory.Allocator, schema *arrow.Schema, cols []manifest.Column, rows [][]string) (arrow.Record, error) {
	rb := array.NewRecordBuilder(alloc, schema)
	defer rb.Release()

	for i, col := range cols {
		for _, row := range rows {
			val := ""
			if i < len(row) {
				val = strings.TrimSpace(row[i])
			}
			appendValue(rb.Field(i), col.Type, val)
		}
	}
	return rb.NewRecord(), nil
}

func appendValue(b array.Builder, lt manifest.LogicalType, val string) {
	if val == "" && lt != manifest.TypeUTF8 {
		b.AppendNull()
		return
	}
	switch lt {
	case manifest.TypeInt64:
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			b.AppendNull()
			return
		}
		b.(*array.Int64Builder).Append(n)
	case manifest.TypeFloat64:
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			b.AppendNull()
			return
		}
		b.(*array.Float64Builder).Append(f)
	case manifest.TypeBool:
		v, err := strconv.ParseBool(strings.ToLower(val))
		if err != nil {
			b.AppendNull()
			return
		}
		b.(*array.BooleanBuilder).Append(v)
	case manifest.TypeDate:
		t, err := time.Parse("2006-01-02", val)
		if err != nil {
			b.AppendNull()
			return
		}
		b.(*array.Date32Builder).Append(arrow.Date32FromTime(t))
	case manifest.TypeTimestamp:
		t, err := parseTimestamp(val)
		if err != nil {
			b.AppendNull()
			return
		}
		ts, err := arrow.TimestampFromTime(t, arrow.Microsecond)
		if err != nil {
			b.AppendNull()
			return
		}
		b.(*array.TimestampBuilder).Append(ts)
	default:
		b.(*array.StringBuilder).Append(val)
	}
}

func parseTimestamp(val string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, val); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", val)
}
