package converter

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/duckdash/pkg/models"
)

func TestDescribe(t *testing.T) {
	tests := []struct {
		duckType  string
		wantArrow arrow.DataType
		wantValue models.ValueType
	}{
		{"TINYINT", arrow.PrimitiveTypes.Int8, models.ValueTypeInteger},
		{"INTEGER", arrow.PrimitiveTypes.Int32, models.ValueTypeInteger},
		{"BIGINT", arrow.PrimitiveTypes.Int64, models.ValueTypeInteger},
		{"UBIGINT", arrow.PrimitiveTypes.Uint64, models.ValueTypeInteger},
		{"DOUBLE", arrow.PrimitiveTypes.Float64, models.ValueTypeFloat},
		{"BOOLEAN", arrow.FixedWidthTypes.Boolean, models.ValueTypeBoolean},
		{"VARCHAR", arrow.BinaryTypes.String, models.ValueTypeString},
		{"BLOB", arrow.BinaryTypes.Binary, models.ValueTypeBlob},
		{"DATE", arrow.FixedWidthTypes.Date32, models.ValueTypeDate},
		{"TIME", arrow.FixedWidthTypes.Time64us, models.ValueTypeTime},
		{"TIMESTAMP", arrow.FixedWidthTypes.Timestamp_us, models.ValueTypeTimestamp},
		{"INTERVAL", arrow.FixedWidthTypes.MonthDayNanoInterval, models.ValueTypeInterval},
		{"UUID", arrow.BinaryTypes.String, models.ValueTypeUUID},
		{"JSON", arrow.BinaryTypes.String, models.ValueTypeJSON},
		{"INTEGER[]", arrow.BinaryTypes.String, models.ValueTypeList},
		{"STRUCT(a INTEGER, b VARCHAR)", arrow.BinaryTypes.String, models.ValueTypeStruct},
		{"MAP(VARCHAR, INTEGER)", arrow.BinaryTypes.String, models.ValueTypeMap},
		{"DECIMAL(18,2)", &arrow.Decimal128Type{Precision: 18, Scale: 2}, models.ValueTypeDecimal},
		{"DECIMAL", &arrow.Decimal128Type{Precision: 18, Scale: 3}, models.ValueTypeDecimal},
		{"GEOMETRY", arrow.BinaryTypes.String, models.ValueTypeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.duckType, func(t *testing.T) {
			assert.True(t, arrow.TypeEqual(tt.wantArrow, ArrowType(tt.duckType)), "arrow type for %s", tt.duckType)
			assert.Equal(t, tt.wantValue, ValueTypeOf(tt.duckType))
		})
	}
}

func TestParseDecimal(t *testing.T) {
	_, err := parseDecimal("decimal(40,2)")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "precision 40 out of range")

	_, err = parseDecimal("decimal(4,6)")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scale 6 out of range")

	dt, err := parseDecimal("numeric(10, 3)")
	require.NoError(t, err)
	assert.Equal(t, int32(10), dt.(*arrow.Decimal128Type).Precision)
}
