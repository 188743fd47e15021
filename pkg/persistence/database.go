package persistence

import (
	"context"
	"fmt"

	"github.com/TFMV/duckdash/pkg/connection"
	"github.com/TFMV/duckdash/pkg/errors"
	"github.com/TFMV/duckdash/pkg/infrastructure"
	"github.com/TFMV/duckdash/pkg/models"
)

// DatabaseStorage keeps items as rows of the state table inside the
// connected database. Statements go through the provider and therefore
// through its serial queue.
type DatabaseStorage struct {
	provider connection.Provider
}

// NewDatabaseStorage creates a DatabaseStorage over provider.
func NewDatabaseStorage(provider connection.Provider) *DatabaseStorage {
	return &DatabaseStorage{provider: provider}
}

func (d *DatabaseStorage) Name() string { return "database" }

func (d *DatabaseStorage) table() (string, models.StateStorageInfo, error) {
	info := d.provider.StorageInfo()
	if !info.Loaded() {
		return "", info, errors.ErrStorageNotReady
	}
	dest := info.Destination
	return infrastructure.QualifiedName(dest.DatabaseName, dest.SchemaName, dest.TableName), info, nil
}

func (d *DatabaseStorage) GetItem(ctx context.Context, key string) (string, bool, error) {
	table, info, err := d.table()
	if err != nil {
		return "", false, err
	}
	if info.TableStatus == models.TableMissing {
		return "", false, nil
	}

	data, err := d.provider.ExecuteQuery(ctx, fmt.Sprintf("SELECT value FROM %s WHERE id = %s",
		table, infrastructure.QuoteLiteral(key)))
	if err != nil {
		return "", false, errors.Wrap(err, errors.CodePersistenceFailed, "reading database state")
	}
	if data.NumRows() == 0 || len(data.Rows[0]) == 0 || data.Rows[0][0] == nil {
		return "", false, nil
	}
	switch v := data.Rows[0][0].(type) {
	case string:
		return v, true, nil
	case []byte:
		return string(v), true, nil
	default:
		return fmt.Sprint(v), true, nil
	}
}

func (d *DatabaseStorage) SetItem(ctx context.Context, key, value string) error {
	table, info, err := d.table()
	if err != nil {
		return err
	}
	if !info.Writable() {
		return errors.New(errors.CodePersistenceFailed, "state table is not writable")
	}

	// An existing table may lack a key on id, so INSERT OR REPLACE is not usable.
	if _, err := d.provider.ExecuteQuery(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = %s",
		table, infrastructure.QuoteLiteral(key))); err != nil {
		return errors.Wrap(err, errors.CodePersistenceFailed, "replacing database state")
	}
	_, err = d.provider.ExecuteQuery(ctx, fmt.Sprintf("INSERT INTO %s (id, value, version) VALUES (%s, %s, %d)",
		table, infrastructure.QuoteLiteral(key), infrastructure.QuoteLiteral(value), models.SnapshotVersion))
	return errors.Wrap(err, errors.CodePersistenceFailed, "writing database state")
}

func (d *DatabaseStorage) RemoveItem(ctx context.Context, key string) error {
	table, info, err := d.table()
	if err != nil {
		return err
	}
	if !info.Writable() {
		return errors.New(errors.CodePersistenceFailed, "state table is not writable")
	}

	_, err = d.provider.ExecuteQuery(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = %s",
		table, infrastructure.QuoteLiteral(key)))
	return errors.Wrap(err, errors.CodePersistenceFailed, "removing database state")
}
