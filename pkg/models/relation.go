// Package models provides data structures shared by the workbench core.
package models

import (
	"fmt"
)

// ValueType is the engine-independent classification of a column's values.
type ValueType string

const (
	ValueTypeInteger   ValueType = "integer"
	ValueTypeFloat     ValueType = "float"
	ValueTypeDecimal   ValueType = "decimal"
	ValueTypeString    ValueType = "string"
	ValueTypeBoolean   ValueType = "boolean"
	ValueTypeDate      ValueType = "date"
	ValueTypeTime      ValueType = "time"
	ValueTypeTimestamp ValueType = "timestamp"
	ValueTypeInterval  ValueType = "interval"
	ValueTypeBlob      ValueType = "blob"
	ValueTypeUUID      ValueType = "uuid"
	ValueTypeList      ValueType = "list"
	ValueTypeStruct    ValueType = "struct"
	ValueTypeMap       ValueType = "map"
	ValueTypeJSON      ValueType = "json"
	ValueTypeUnknown   ValueType = "unknown"
)

// Column describes one column of a relation.
type Column struct {
	Name         string    `json:"name"`
	ID           string    `json:"id"`
	Type         ValueType `json:"type"`
	DatabaseType string    `json:"database_type"`
}

// Row holds one value per column, in column order.
type Row []any

// RelationData is a tabular query result.
type RelationData struct {
	Columns []Column `json:"columns"`
	Rows    []Row    `json:"rows"`
}

// NumRows returns the number of rows, tolerating a nil receiver.
func (d *RelationData) NumRows() int {
	if d == nil {
		return 0
	}
	return len(d.Rows)
}

// ColumnNames returns the column names in order.
func (d *RelationData) ColumnNames() []string {
	names := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		names[i] = c.Name
	}
	return names
}

// Validate checks that column names are unique and every row is as wide as
// the column list.
func (d *RelationData) Validate() error {
	seen := make(map[string]struct{}, len(d.Columns))
	for _, c := range d.Columns {
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("duplicate column name %q", c.Name)
		}
		seen[c.Name] = struct{}{}
	}
	for i, r := range d.Rows {
		if len(r) != len(d.Columns) {
			return fmt.Errorf("row %d has %d values, want %d", i, len(r), len(d.Columns))
		}
	}
	return nil
}

// CacheResult is returned by a cache update.
type CacheResult struct {
	Data      *RelationData `json:"data"`
	WasCached bool          `json:"was_cached"`
}
