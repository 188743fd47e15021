package converter

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/decimal128"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/marcboeker/go-duckdb/v2"

	"github.com/TFMV/duckdash/pkg/models"
)

// Arrow field metadata keys.
const (
	MetadataColumnID     = "duckdash:column_id"
	MetadataDatabaseType = "duckdash:database_type"
	MetadataValueType    = "duckdash:value_type"
)

// ArrowSchema builds the Arrow schema for a relation's columns.
func ArrowSchema(columns []models.Column) *arrow.Schema {
	fields := make([]arrow.Field, len(columns))
	for i, c := range columns {
		fields[i] = arrow.Field{
			Name:     c.Name,
			Type:     ArrowType(c.DatabaseType),
			Nullable: true,
			Metadata: arrow.NewMetadata(
				[]string{MetadataColumnID, MetadataDatabaseType, MetadataValueType},
				[]string{c.ID, c.DatabaseType, string(c.Type)},
			),
		}
	}
	return arrow.NewSchema(fields, nil)
}

// ToArrowRecord converts data into a single Arrow record. The caller must
// Release it.
func ToArrowRecord(alloc memory.Allocator, data *models.RelationData) (arrow.Record, error) {
	if alloc == nil {
		alloc = memory.NewGoAllocator()
	}
	schema := ArrowSchema(data.Columns)

	builder := array.NewRecordBuilder(alloc, schema)
	defer builder.Release()

	for r, row := range data.Rows {
		if len(row) != len(data.Columns) {
			return nil, fmt.Errorf("row %d has %d values, want %d", r, len(row), len(data.Columns))
		}
		for c, v := range row {
			if err := appendValue(builder.Field(c), v); err != nil {
				return nil, fmt.Errorf("row %d column %q: %w", r, data.Columns[c].Name, err)
			}
		}
	}

	return builder.NewRecord(), nil
}

// WriteIPC writes data to w as an Arrow IPC stream.
func WriteIPC(w io.Writer, alloc memory.Allocator, data *models.RelationData) error {
	if alloc == nil {
		alloc = memory.NewGoAllocator()
	}
	rec, err := ToArrowRecord(alloc, data)
	if err != nil {
		return err
	}
	defer rec.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(alloc))
	if err := writer.Write(rec); err != nil {
		writer.Close()
		return fmt.Errorf("failed to write arrow record: %w", err)
	}
	return writer.Close()
}

func appendValue(fb array.Builder, value any) error {
	if value == nil {
		fb.AppendNull()
		return nil
	}

	switch b := fb.(type) {
	case *array.BooleanBuilder:
		v, ok := value.(bool)
		if !ok {
			return unexpected(value, "bool")
		}
		b.Append(v)
	case *array.Int8Builder:
		v, err := toInt64(value)
		if err != nil {
			return err
		}
		b.Append(int8(v))
	case *array.Int16Builder:
		v, err := toInt64(value)
		if err != nil {
			return err
		}
		b.Append(int16(v))
	case *array.Int32Builder:
		v, err := toInt64(value)
		if err != nil {
			return err
		}
		b.Append(int32(v))
	case *array.Int64Builder:
		v, err := toInt64(value)
		if err != nil {
			return err
		}
		b.Append(v)
	case *array.Uint8Builder:
		v, err := toInt64(value)
		if err != nil {
			return err
		}
		b.Append(uint8(v))
	case *array.Uint16Builder:
		v, err := toInt64(value)
		if err != nil {
			return err
		}
		b.Append(uint16(v))
	case *array.Uint32Builder:
		v, err := toInt64(value)
		if err != nil {
			return err
		}
		b.Append(uint32(v))
	case *array.Uint64Builder:
		if u, ok := value.(uint64); ok {
			b.Append(u)
			return nil
		}
		v, err := toInt64(value)
		if err != nil {
			return err
		}
		b.Append(uint64(v))
	case *array.Float32Builder:
		v, err := toFloat64(value)
		if err != nil {
			return err
		}
		b.Append(float32(v))
	case *array.Float64Builder:
		v, err := toFloat64(value)
		if err != nil {
			return err
		}
		b.Append(v)
	case *array.Decimal128Builder:
		v, err := toFloat64(value)
		if err != nil {
			return err
		}
		dt := b.Type().(*arrow.Decimal128Type)
		n, err := decimal128.FromFloat64(v, dt.Precision, dt.Scale)
		if err != nil {
			return err
		}
		b.Append(n)
	case *array.StringBuilder:
		if s, ok := value.(string); ok {
			b.Append(s)
			return nil
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return err
		}
		b.Append(string(encoded))
	case *array.BinaryBuilder:
		switch v := value.(type) {
		case []byte:
			b.Append(v)
		case string:
			b.AppendString(v)
		default:
			return unexpected(value, "[]byte")
		}
	case *array.Date32Builder:
		t, ok := value.(time.Time)
		if !ok {
			return unexpected(value, "time.Time")
		}
		b.Append(arrow.Date32FromTime(t))
	case *array.Time64Builder:
		t, ok := value.(time.Time)
		if !ok {
			return unexpected(value, "time.Time")
		}
		midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
		b.Append(arrow.Time64(t.Sub(midnight).Microseconds()))
	case *array.TimestampBuilder:
		t, ok := value.(time.Time)
		if !ok {
			return unexpected(value, "time.Time")
		}
		b.Append(arrow.Timestamp(t.UnixMicro()))
	case *array.MonthDayNanoIntervalBuilder:
		iv, ok := value.(duckdb.Interval)
		if !ok {
			return unexpected(value, "duckdb.Interval")
		}
		b.Append(arrow.MonthDayNanoInterval{Months: iv.Months, Days: iv.Days, Nanoseconds: iv.Micros * 1000})
	default:
		return fmt.Errorf("unsupported builder %T", fb)
	}
	return nil
}

func toInt64(value any) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		return int64(v), nil
	case float64:
		return int64(v), nil
	default:
		return 0, unexpected(value, "integer")
	}
}

func toFloat64(value any) (float64, error) {
	switch v := value.(type) {
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	default:
		i, err := toInt64(value)
		if err != nil {
			return 0, unexpected(value, "number")
		}
		return float64(i), nil
	}
}

func unexpected(value any, want string) error {
	return fmt.Errorf("unexpected value %T, want %s", value, want)
}
