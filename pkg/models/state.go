package models

import (
	"time"

	"github.com/TFMV/duckdash/pkg/errors"
)

// SnapshotVersion is the current StoreSnapshot format version.
const SnapshotVersion = 1

// MaxConnectionHistory bounds the connection history kept in the store.
const MaxConnectionHistory = 20

// ExecutionStatus is the lifecycle state of a relation's query run.
type ExecutionStatus string

const (
	ExecutionNotStarted ExecutionStatus = "not-started"
	ExecutionRunning    ExecutionStatus = "running"
	ExecutionSuccess    ExecutionStatus = "success"
	ExecutionError      ExecutionStatus = "error"
)

// TaskExecutionState tracks the latest run of a relation's query.
type TaskExecutionState struct {
	State      ExecutionStatus `json:"state"`
	Error      *errors.Payload `json:"error,omitempty"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// SourceKind identifies what a relation was opened from.
type SourceKind string

const (
	SourceTable SourceKind = "table"
	SourceView  SourceKind = "view"
	SourceFile  SourceKind = "file"
	SourceQuery SourceKind = "query"
)

// RelationSource describes the origin of a relation.
type RelationSource struct {
	Kind  SourceKind `json:"kind"`
	Query string     `json:"query,omitempty"`
}

// SortSpec orders a relation by one column.
type SortSpec struct {
	Column     string `json:"column"`
	Descending bool   `json:"descending,omitempty"`
}

// QueryParams are the user-applied modifiers on top of a base query.
type QueryParams struct {
	Filter string     `json:"filter,omitempty"`
	Sort   []SortSpec `json:"sort,omitempty"`
	Limit  int        `json:"limit,omitempty"`
	Offset int        `json:"offset,omitempty"`
}

// Clone returns a deep copy.
func (p QueryParams) Clone() QueryParams {
	if p.Sort != nil {
		p.Sort = append([]SortSpec(nil), p.Sort...)
	}
	return p
}

// QueryState is the query side of a relation.
type QueryState struct {
	BaseQuery string        `json:"base_query"`
	Params    QueryParams   `json:"params"`
	History   []QueryParams `json:"history,omitempty"`
}

// ViewKind selects how a relation is displayed.
type ViewKind string

const (
	ViewTable ViewKind = "table"
	ViewChart ViewKind = "chart"
)

// TableView holds table display settings.
type TableView struct {
	ColumnWidths  map[string]int `json:"column_widths,omitempty"`
	HiddenColumns []string       `json:"hidden_columns,omitempty"`
	ColumnOrder   []string       `json:"column_order,omitempty"`
}

// ChartDecoration holds chart cosmetics.
type ChartDecoration struct {
	Title      string   `json:"title,omitempty"`
	ShowLegend bool     `json:"show_legend,omitempty"`
	Colors     []string `json:"colors,omitempty"`
}

// ChartView holds chart display settings.
type ChartView struct {
	Type       string          `json:"type,omitempty"`
	XAxis      string          `json:"x_axis,omitempty"`
	YAxes      []string        `json:"y_axes,omitempty"`
	Decoration ChartDecoration `json:"decoration"`
}

// ViewState is the display configuration of a relation.
type ViewState struct {
	Kind  ViewKind  `json:"kind"`
	Table TableView `json:"table"`
	Chart ChartView `json:"chart"`
}

// Clone returns a deep copy.
func (v ViewState) Clone() ViewState {
	if v.Table.ColumnWidths != nil {
		widths := make(map[string]int, len(v.Table.ColumnWidths))
		for k, w := range v.Table.ColumnWidths {
			widths[k] = w
		}
		v.Table.ColumnWidths = widths
	}
	v.Table.HiddenColumns = cloneStrings(v.Table.HiddenColumns)
	v.Table.ColumnOrder = cloneStrings(v.Table.ColumnOrder)
	v.Chart.YAxes = cloneStrings(v.Chart.YAxes)
	v.Chart.Decoration.Colors = cloneStrings(v.Chart.Decoration.Colors)
	return v
}

// RelationViewState is everything the workbench tracks for one open relation.
// Data and ExecutionState are transient and never persisted.
type RelationViewState struct {
	ID             string             `json:"id"`
	Name           string             `json:"name"`
	ConnectionID   string             `json:"connection_id"`
	DatabaseName   string             `json:"database_name,omitempty"`
	Source         RelationSource     `json:"source"`
	Path           []string           `json:"path,omitempty"`
	Query          QueryState         `json:"query"`
	Data           *RelationData      `json:"data,omitempty"`
	ExecutionState TaskExecutionState `json:"execution_state"`
	ViewState      ViewState          `json:"view_state"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// Clone returns a copy that shares no mutable state with r except Data,
// which is treated as immutable once produced.
func (r *RelationViewState) Clone() *RelationViewState {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Path = cloneStrings(r.Path)
	cp.Query.Params = r.Query.Params.Clone()
	if r.Query.History != nil {
		cp.Query.History = make([]QueryParams, len(r.Query.History))
		for i, p := range r.Query.History {
			cp.Query.History[i] = p.Clone()
		}
	}
	if r.ExecutionState.Error != nil {
		payload := *r.ExecutionState.Error
		cp.ExecutionState.Error = &payload
	}
	cp.ViewState = r.ViewState.Clone()
	return &cp
}

// Persistable returns a clone with transient fields cleared.
func (r *RelationViewState) Persistable() *RelationViewState {
	cp := r.Clone()
	cp.Data = nil
	cp.ExecutionState = TaskExecutionState{State: ExecutionNotStarted}
	return cp
}

// DashboardElement places one relation view on a dashboard grid.
type DashboardElement struct {
	RelationID string   `json:"relation_id"`
	View       ViewKind `json:"view"`
	X          int      `json:"x"`
	Y          int      `json:"y"`
	Width      int      `json:"width"`
	Height     int      `json:"height"`
}

// Dashboard groups relation views.
type Dashboard struct {
	ID       string             `json:"id"`
	Name     string             `json:"name"`
	Elements []DashboardElement `json:"elements,omitempty"`
}

// Clone returns a deep copy.
func (d Dashboard) Clone() Dashboard {
	if d.Elements != nil {
		d.Elements = append([]DashboardElement(nil), d.Elements...)
	}
	return d
}

// ConnectionHistoryEntry records a previously used connection.
type ConnectionHistoryEntry struct {
	ConnectionID string    `json:"connection_id"`
	DSN          string    `json:"dsn"`
	Kind         string    `json:"kind"`
	LastUsedAt   time.Time `json:"last_used_at"`
}

// Layout is the workbench layout state.
type Layout struct {
	ActiveRelationID string   `json:"active_relation_id,omitempty"`
	OpenTabs         []string `json:"open_tabs,omitempty"`
	SidebarWidth     int      `json:"sidebar_width,omitempty"`
}

// Clone returns a deep copy.
func (l Layout) Clone() Layout {
	l.OpenTabs = cloneStrings(l.OpenTabs)
	return l
}

// StoreSnapshot is the serialized form of the whole store.
type StoreSnapshot struct {
	Version           int                           `json:"version"`
	Relations         map[string]*RelationViewState `json:"relations"`
	Dashboards        map[string]Dashboard          `json:"dashboards"`
	ConnectionHistory []ConnectionHistoryEntry      `json:"connection_history,omitempty"`
	Layout            Layout                        `json:"layout"`
}

// NewStoreSnapshot returns an empty snapshot at the current version.
func NewStoreSnapshot() *StoreSnapshot {
	return &StoreSnapshot{
		Version:    SnapshotVersion,
		Relations:  make(map[string]*RelationViewState),
		Dashboards: make(map[string]Dashboard),
	}
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}
