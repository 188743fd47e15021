package connection

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/TFMV/duckdash/pkg/errors"
	"github.com/TFMV/duckdash/pkg/models"
)

// Manager holds the current connection and forwards the Provider methods to
// it. Components depend on the Manager instead of a global registry.
type Manager struct {
	logger zerolog.Logger

	mu      sync.RWMutex
	current Connection
}

// NewManager creates a manager with no connection.
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{logger: logger.With().Str("component", "connection_manager").Logger()}
}

// Set makes conn current and closes the previous connection, if any.
func (m *Manager) Set(conn Connection) error {
	m.mu.Lock()
	previous := m.current
	m.current = conn
	m.mu.Unlock()

	if conn != nil {
		m.logger.Info().Str("connection_id", conn.ID()).Msg("Connection activated")
	}
	if previous != nil && previous != conn {
		m.logger.Info().Str("connection_id", previous.ID()).Msg("Closing previous connection")
		return previous.Close()
	}
	return nil
}

// Current returns the current connection.
func (m *Manager) Current() (Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current, m.current != nil
}

// ExecuteQuery runs sql on the current connection.
func (m *Manager) ExecuteQuery(ctx context.Context, sql string) (*models.RelationData, error) {
	conn, ok := m.Current()
	if !ok {
		return nil, errors.ErrConnectionUnavailable
	}
	return conn.ExecuteQuery(ctx, sql)
}

// StorageInfo reports the current connection's storage info, or an
// uninitialized info when there is no connection.
func (m *Manager) StorageInfo() models.StateStorageInfo {
	conn, ok := m.Current()
	if !ok {
		return models.StateStorageInfo{State: models.StorageUninitialized}
	}
	return conn.StorageInfo()
}

// CheckConnectionState checks the current connection.
func (m *Manager) CheckConnectionState(ctx context.Context) models.ConnectionStatus {
	conn, ok := m.Current()
	if !ok {
		return models.ConnectionStatus{
			State:     models.ConnectionDisconnected,
			Message:   "no connection",
			CheckedAt: time.Now(),
		}
	}
	return conn.CheckConnectionState(ctx)
}

// Close closes the current connection.
func (m *Manager) Close() error {
	return m.Set(nil)
}
