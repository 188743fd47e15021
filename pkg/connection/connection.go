// Package connection provides the query executor boundary used by the
// cache, store and persistence layers, and its DuckDB implementation.
package connection

import (
	"context"

	"github.com/TFMV/duckdash/pkg/models"
)

// QueryExecutor runs SQL and returns the result of the last statement.
type QueryExecutor interface {
	ExecuteQuery(ctx context.Context, sql string) (*models.RelationData, error)
}

// Provider is a QueryExecutor that also reports where workbench state can
// be stored and whether the connection is alive.
type Provider interface {
	QueryExecutor
	StorageInfo() models.StateStorageInfo
	CheckConnectionState(ctx context.Context) models.ConnectionStatus
}

// Connection is an open, closable Provider.
type Connection interface {
	Provider
	ID() string
	Close() error
}
