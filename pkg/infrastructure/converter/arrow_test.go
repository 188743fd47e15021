package converter

import (
	"bytes"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/duckdash/pkg/models"
)

func sampleRelation() *models.RelationData {
	ts := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	return &models.RelationData{
		Columns: []models.Column{
			{Name: "id", ID: "c0", Type: models.ValueTypeInteger, DatabaseType: "INTEGER"},
			{Name: "name", ID: "c1", Type: models.ValueTypeString, DatabaseType: "VARCHAR"},
			{Name: "price", ID: "c2", Type: models.ValueTypeDecimal, DatabaseType: "DECIMAL(10,2)"},
			{Name: "at", ID: "c3", Type: models.ValueTypeTimestamp, DatabaseType: "TIMESTAMP"},
			{Name: "tags", ID: "c4", Type: models.ValueTypeList, DatabaseType: "VARCHAR[]"},
		},
		Rows: []models.Row{
			{int32(1), "apple", 1.25, ts, []any{"a", "b"}},
			{int32(2), nil, nil, nil, nil},
		},
	}
}

func TestToArrowRecord(t *testing.T) {
	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer alloc.AssertSize(t, 0)

	rec, err := ToArrowRecord(alloc, sampleRelation())
	require.NoError(t, err)
	defer rec.Release()

	assert.Equal(t, int64(2), rec.NumRows())
	assert.Equal(t, int64(5), rec.NumCols())

	ids := rec.Column(0).(*array.Int32)
	assert.Equal(t, int32(2), ids.Value(1))

	names := rec.Column(1).(*array.String)
	assert.Equal(t, "apple", names.Value(0))
	assert.True(t, names.IsNull(1))

	tags := rec.Column(4).(*array.String)
	assert.Equal(t, `["a","b"]`, tags.Value(0))

	md := rec.Schema().Field(2).Metadata
	idx := md.FindKey(MetadataDatabaseType)
	require.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, "DECIMAL(10,2)", md.Values()[idx])
}

func TestToArrowRecord_RejectsRaggedRows(t *testing.T) {
	data := &models.RelationData{
		Columns: []models.Column{{Name: "a", DatabaseType: "INTEGER"}},
		Rows:    []models.Row{{int32(1), int32(2)}},
	}
	_, err := ToArrowRecord(nil, data)
	assert.Error(t, err)
}

func TestWriteIPC(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteIPC(&buf, nil, sampleRelation()))

	reader, err := ipc.NewReader(&buf)
	require.NoError(t, err)
	defer reader.Release()

	require.True(t, reader.Next())
	rec := reader.Record()
	assert.Equal(t, int64(2), rec.NumRows())
	assert.Equal(t, "name", rec.Schema().Field(1).Name)
	assert.False(t, reader.Next())
}
