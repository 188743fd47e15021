package converter

import (
	"database/sql"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
	"github.com/marcboeker/go-duckdb/v2"

	"github.com/TFMV/duckdash/pkg/models"
)

// ReadRelation drains rows into a RelationData and closes them. Duplicate
// column names are made unique by suffixing _1, _2, ...
func ReadRelation(rows *sql.Rows) (*models.RelationData, error) {
	defer rows.Close()

	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("failed to read column types: %w", err)
	}

	names := make([]string, len(colTypes))
	for i, ct := range colTypes {
		names[i] = ct.Name()
	}
	names = UniqueNames(names)

	data := &models.RelationData{
		Columns: make([]models.Column, len(colTypes)),
		Rows:    []models.Row{},
	}
	for i, ct := range colTypes {
		dbType := ct.DatabaseTypeName()
		data.Columns[i] = models.Column{
			Name:         names[i],
			ID:           fmt.Sprintf("c%d", i),
			Type:         ValueTypeOf(dbType),
			DatabaseType: dbType,
		}
	}

	for rows.Next() {
		values := make([]any, len(colTypes))
		dest := make([]any, len(colTypes))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan row %d: %w", len(data.Rows), err)
		}
		for i, v := range values {
			values[i] = normalizeValue(v, data.Columns[i].Type)
		}
		data.Rows = append(data.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return data, nil
}

// UniqueNames returns names with duplicates renamed by suffixing _1, _2, ...
// Suffixed names never collide with names already present.
func UniqueNames(names []string) []string {
	taken := make(map[string]struct{}, len(names))
	for _, n := range names {
		taken[n] = struct{}{}
	}

	out := make([]string, len(names))
	seen := make(map[string]struct{}, len(names))
	for i, n := range names {
		if _, dup := seen[n]; !dup {
			seen[n] = struct{}{}
			out[i] = n
			continue
		}
		for k := 1; ; k++ {
			candidate := fmt.Sprintf("%s_%d", n, k)
			_, inUse := taken[candidate]
			if _, used := seen[candidate]; !used && !inUse {
				seen[candidate] = struct{}{}
				out[i] = candidate
				break
			}
		}
	}
	return out
}

// normalizeValue turns driver-specific values into plain Go values that
// encode cleanly as JSON.
func normalizeValue(v any, vt models.ValueType) any {
	switch val := v.(type) {
	case nil:
		return nil
	case []byte:
		if vt == models.ValueTypeUUID && len(val) == 16 {
			if id, err := uuid.FromBytes(val); err == nil {
				return id.String()
			}
		}
		return append([]byte(nil), val...)
	case duckdb.UUID:
		return uuid.UUID(val).String()
	case *duckdb.UUID:
		if val == nil {
			return nil
		}
		return uuid.UUID(*val).String()
	case duckdb.Decimal:
		return val.Float64()
	case *big.Int:
		if val.IsInt64() {
			return val.Int64()
		}
		return val.String()
	case duckdb.Map:
		out := make(map[string]any, len(val))
		for k, mv := range val {
			out[fmt.Sprint(k)] = normalizeValue(mv, models.ValueTypeUnknown)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, mv := range val {
			out[k] = normalizeValue(mv, models.ValueTypeUnknown)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, lv := range val {
			out[i] = normalizeValue(lv, models.ValueTypeUnknown)
		}
		return out
	case string:
		if vt == models.ValueTypeUUID {
			return strings.ToLower(val)
		}
		return val
	default:
		return v
	}
}
