// Package converter maps DuckDB results onto workbench relations and Apache
// Arrow records.
package converter

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/TFMV/duckdash/pkg/models"
)

var decimalPattern = regexp.MustCompile(`^(decimal|numeric)\((\d+),\s*(\d+)\)$`)

// typeMap is the DuckDB to Arrow type mapping for scalar types.
var typeMap = map[string]arrow.DataType{
	// Integer types
	"tinyint":   arrow.PrimitiveTypes.Int8,
	"smallint":  arrow.PrimitiveTypes.Int16,
	"integer":   arrow.PrimitiveTypes.Int32,
	"int":       arrow.PrimitiveTypes.Int32,
	"bigint":    arrow.PrimitiveTypes.Int64,
	"hugeint":   arrow.PrimitiveTypes.Int64,
	"utinyint":  arrow.PrimitiveTypes.Uint8,
	"usmallint": arrow.PrimitiveTypes.Uint16,
	"uinteger":  arrow.PrimitiveTypes.Uint32,
	"uint":      arrow.PrimitiveTypes.Uint32,
	"ubigint":   arrow.PrimitiveTypes.Uint64,

	// Floating point types
	"real":   arrow.PrimitiveTypes.Float32,
	"float":  arrow.PrimitiveTypes.Float32,
	"double": arrow.PrimitiveTypes.Float64,

	"boolean": arrow.FixedWidthTypes.Boolean,
	"bool":    arrow.FixedWidthTypes.Boolean,

	"varchar": arrow.BinaryTypes.String,
	"text":    arrow.BinaryTypes.String,
	"string":  arrow.BinaryTypes.String,

	"blob":      arrow.BinaryTypes.Binary,
	"bytea":     arrow.BinaryTypes.Binary,
	"varbinary": arrow.BinaryTypes.Binary,

	// Date/Time types
	"date":                     arrow.FixedWidthTypes.Date32,
	"time":                     arrow.FixedWidthTypes.Time64us,
	"timestamp":                arrow.FixedWidthTypes.Timestamp_us,
	"timestamptz":              &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"},
	"timestamp with time zone": &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"},
	"interval":                 arrow.FixedWidthTypes.MonthDayNanoInterval,
}

// ArrowType returns the Arrow type used to export a DuckDB column type.
// Nested and unknown types are exported as JSON text.
func ArrowType(databaseType string) arrow.DataType {
	t, _ := describe(databaseType)
	return t
}

// ValueTypeOf classifies a DuckDB column type.
func ValueTypeOf(databaseType string) models.ValueType {
	_, vt := describe(databaseType)
	return vt
}

func describe(databaseType string) (arrow.DataType, models.ValueType) {
	name := strings.ToLower(strings.TrimSpace(databaseType))

	switch {
	case name == "uuid":
		return arrow.BinaryTypes.String, models.ValueTypeUUID
	case name == "json":
		return arrow.BinaryTypes.String, models.ValueTypeJSON
	case strings.HasSuffix(name, "]"):
		return arrow.BinaryTypes.String, models.ValueTypeList
	case strings.HasPrefix(name, "struct"), strings.HasPrefix(name, "union"):
		return arrow.BinaryTypes.String, models.ValueTypeStruct
	case strings.HasPrefix(name, "map"):
		return arrow.BinaryTypes.String, models.ValueTypeMap
	case strings.HasPrefix(name, "decimal"), strings.HasPrefix(name, "numeric"):
		if dt, err := parseDecimal(name); err == nil {
			return dt, models.ValueTypeDecimal
		}
		return arrow.PrimitiveTypes.Float64, models.ValueTypeDecimal
	case strings.HasPrefix(name, "enum"):
		return arrow.BinaryTypes.String, models.ValueTypeString
	}

	dt, ok := typeMap[name]
	if !ok {
		return arrow.BinaryTypes.String, models.ValueTypeUnknown
	}
	return dt, valueTypeOfArrow(dt)
}

func valueTypeOfArrow(dt arrow.DataType) models.ValueType {
	switch dt.ID() {
	case arrow.INT8, arrow.INT16, arrow.INT32, arrow.INT64,
		arrow.UINT8, arrow.UINT16, arrow.UINT32, arrow.UINT64:
		return models.ValueTypeInteger
	case arrow.FLOAT32, arrow.FLOAT64:
		return models.ValueTypeFloat
	case arrow.DECIMAL128:
		return models.ValueTypeDecimal
	case arrow.BOOL:
		return models.ValueTypeBoolean
	case arrow.STRING:
		return models.ValueTypeString
	case arrow.BINARY:
		return models.ValueTypeBlob
	case arrow.DATE32:
		return models.ValueTypeDate
	case arrow.TIME64:
		return models.ValueTypeTime
	case arrow.TIMESTAMP:
		return models.ValueTypeTimestamp
	case arrow.INTERVAL_MONTH_DAY_NANO:
		return models.ValueTypeInterval
	default:
		return models.ValueTypeUnknown
	}
}

// parseDecimal converts decimal(p,s) or numeric(p,s) into a Decimal128 type.
// A bare decimal uses DuckDB's default of (18,3).
func parseDecimal(name string) (arrow.DataType, error) {
	if name == "decimal" || name == "numeric" {
		return &arrow.Decimal128Type{Precision: 18, Scale: 3}, nil
	}

	matches := decimalPattern.FindStringSubmatch(name)
	if len(matches) != 4 {
		return nil, fmt.Errorf("invalid decimal/numeric format: %s", name)
	}

	p, err := strconv.ParseInt(matches[2], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid precision in %s: %w", name, err)
	}
	s, err := strconv.ParseInt(matches[3], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid scale in %s: %w", name, err)
	}

	if p < 1 || p > 38 {
		return nil, fmt.Errorf("precision %d out of range (1-38) for %s", p, name)
	}
	if s < 0 || s > p {
		return nil, fmt.Errorf("scale %d out of range (0-%d) for %s", s, p, name)
	}

	return &arrow.Decimal128Type{Precision: int32(p), Scale: int32(s)}, nil
}
