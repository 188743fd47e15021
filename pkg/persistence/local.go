package persistence

import (
	"context"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/TFMV/duckdash/pkg/errors"
)

var stateBucket = []byte("state")

// LocalStorage keeps items in a bbolt file on the local machine.
type LocalStorage struct {
	db   *bolt.DB
	path string
}

// OpenLocalStorage opens or creates the bbolt file at path.
func OpenLocalStorage(path string) (*LocalStorage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, errors.CodePersistenceFailed, "mkdir %s", filepath.Dir(path))
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodePersistenceFailed, "open local state %s", path)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(stateBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.CodePersistenceFailed, "creating state bucket")
	}
	return &LocalStorage{db: db, path: path}, nil
}

func (l *LocalStorage) Name() string { return "local" }

// Path returns the backing file.
func (l *LocalStorage) Path() string { return l.path }

func (l *LocalStorage) GetItem(ctx context.Context, key string) (value string, ok bool, err error) {
	err = l.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(stateBucket).Get([]byte(key)); v != nil {
			value, ok = string(v), true
		}
		return nil
	})
	if err != nil {
		return "", false, errors.Wrap(err, errors.CodePersistenceFailed, "reading local state")
	}
	return value, ok, nil
}

func (l *LocalStorage) SetItem(ctx context.Context, key, value string) error {
	err := l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(stateBucket).Put([]byte(key), []byte(value))
	})
	return errors.Wrap(err, errors.CodePersistenceFailed, "writing local state")
}

func (l *LocalStorage) RemoveItem(ctx context.Context, key string) error {
	err := l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(stateBucket).Delete([]byte(key))
	})
	return errors.Wrap(err, errors.CodePersistenceFailed, "removing local state")
}

// Close closes the bbolt file.
func (l *LocalStorage) Close() error {
	return l.db.Close()
}
