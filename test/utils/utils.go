// Package utils provides fakes shared by package tests.
package utils

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/TFMV/duckdash/pkg/infrastructure/metrics"
	"github.com/TFMV/duckdash/pkg/models"
)

// QueryHandler answers a statement sent to a FakeProvider.
type QueryHandler func(sql string) (*models.RelationData, error)

// FakeProvider is a programmable connection provider that records every
// statement it receives.
type FakeProvider struct {
	mu         sync.Mutex
	id         string
	info       models.StateStorageInfo
	status     models.ConnectionStatus
	handler    QueryHandler
	statements []string
	closed     bool
}

// NewFakeProvider creates a provider reporting info.
func NewFakeProvider(info models.StateStorageInfo) *FakeProvider {
	return &FakeProvider{
		id:     "fake",
		info:   info,
		status: models.ConnectionStatus{State: models.ConnectionConnected},
	}
}

// LoadedInfo returns storage info for a resolved database named "memory".
func LoadedInfo(readonly bool) models.StateStorageInfo {
	return models.StateStorageInfo{
		State: models.StorageLoaded,
		Destination: models.StorageDestination{
			TableName:    "_dash_state",
			SchemaName:   "main",
			DatabaseName: "memory",
		},
		TableStatus:      models.TableFound,
		DatabaseStatus:   models.DatabaseFound,
		DatabaseReadonly: readonly,
	}
}

// OnQuery installs the handler answering subsequent statements.
func (f *FakeProvider) OnQuery(h QueryHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

// SetStorageInfo replaces the reported storage info.
func (f *FakeProvider) SetStorageInfo(info models.StateStorageInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.info = info
}

// ExecuteQuery records sql and answers it with the installed handler. With
// no handler it returns an empty relation.
func (f *FakeProvider) ExecuteQuery(ctx context.Context, sql string) (*models.RelationData, error) {
	f.mu.Lock()
	f.statements = append(f.statements, sql)
	h := f.handler
	f.mu.Unlock()

	if h == nil {
		return &models.RelationData{Rows: []models.Row{}}, nil
	}
	return h(sql)
}

// StorageInfo returns the configured storage info.
func (f *FakeProvider) StorageInfo() models.StateStorageInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.info
}

// CheckConnectionState returns the configured status.
func (f *FakeProvider) CheckConnectionState(ctx context.Context) models.ConnectionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := f.status
	if f.closed {
		status.State = models.ConnectionDisconnected
	}
	status.CheckedAt = time.Now()
	return status
}

// ID returns the provider id.
func (f *FakeProvider) ID() string {
	return f.id
}

// Close marks the provider closed.
func (f *FakeProvider) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Closed reports whether Close was called.
func (f *FakeProvider) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Statements returns a copy of every statement received so far.
func (f *FakeProvider) Statements() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.statements...)
}

// CountPrefix counts received statements starting with prefix.
func (f *FakeProvider) CountPrefix(prefix string) int {
	n := 0
	for _, s := range f.Statements() {
		if strings.HasPrefix(s, prefix) {
			n++
		}
	}
	return n
}

// Relation builds a RelationData with integer-typed columns named cols.
func Relation(cols []string, rows ...[]any) *models.RelationData {
	data := &models.RelationData{Rows: []models.Row{}}
	for i, c := range cols {
		data.Columns = append(data.Columns, models.Column{
			Name:         c,
			ID:           fmt.Sprintf("c%d", i),
			Type:         models.ValueTypeInteger,
			DatabaseType: "INTEGER",
		})
	}
	for _, r := range rows {
		data.Rows = append(data.Rows, models.Row(r))
	}
	return data
}

// CountingCollector is a metrics collector that counts counter increments
// by name.
type CountingCollector struct {
	metrics.NoOpCollector

	mu       sync.Mutex
	counters map[string]int
	labels   map[string][]string
}

// NewCountingCollector creates a CountingCollector.
func NewCountingCollector() *CountingCollector {
	return &CountingCollector{counters: make(map[string]int), labels: make(map[string][]string)}
}

// IncrementCounter counts name.
func (c *CountingCollector) IncrementCounter(name string, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[name]++
	c.labels[name] = append([]string(nil), labels...)
}

// Count returns how often name was incremented.
func (c *CountingCollector) Count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters[name]
}

// LastLabels returns the labels of the latest increment of name.
func (c *CountingCollector) LastLabels(name string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.labels[name]
}
