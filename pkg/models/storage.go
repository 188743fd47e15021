package models

import "time"

// StorageDestination locates the state table inside a database.
type StorageDestination struct {
	TableName    string `json:"table_name"`
	SchemaName   string `json:"schema_name"`
	DatabaseName string `json:"database_name,omitempty"`
}

// StorageState reports whether storage info has been resolved.
type StorageState string

const (
	StorageUninitialized StorageState = "uninitialized"
	StorageLoaded        StorageState = "loaded"
)

// TableStatus reports what happened to the state table on connect.
type TableStatus string

const (
	TableFound   TableStatus = "found"
	TableCreated TableStatus = "created"
	TableMissing TableStatus = "missing"
)

// DatabaseStatus reports whether the destination database exists.
type DatabaseStatus string

const (
	DatabaseFound   DatabaseStatus = "found"
	DatabaseMissing DatabaseStatus = "missing"
)

// StateStorageInfo describes where, and whether, state can be stored in the
// connected database.
type StateStorageInfo struct {
	State            StorageState       `json:"state"`
	Destination      StorageDestination `json:"destination"`
	TableStatus      TableStatus        `json:"table_status,omitempty"`
	DatabaseStatus   DatabaseStatus     `json:"database_status,omitempty"`
	DatabaseReadonly bool               `json:"database_readonly"`
}

// Loaded reports whether the info has been resolved.
func (i StateStorageInfo) Loaded() bool {
	return i.State == StorageLoaded
}

// Writable reports whether state rows and persistent caches can be written.
func (i StateStorageInfo) Writable() bool {
	return i.Loaded() && !i.DatabaseReadonly && i.TableStatus != TableMissing
}

// ConnectionState is the liveness of the current connection.
type ConnectionState string

const (
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionError        ConnectionState = "error"
)

// ConnectionStatus is the result of a connection check.
type ConnectionStatus struct {
	State     ConnectionState `json:"state"`
	Message   string          `json:"message,omitempty"`
	CheckedAt time.Time       `json:"checked_at"`
}
