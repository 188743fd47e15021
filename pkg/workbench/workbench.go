// Package workbench wires the connection, cache, store, persistence and
// import components together.
package workbench

import (
	"context"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/TFMV/duckdash/pkg/cache"
	"github.com/TFMV/duckdash/pkg/connection"
	"github.com/TFMV/duckdash/pkg/errors"
	"github.com/TFMV/duckdash/pkg/importer"
	"github.com/TFMV/duckdash/pkg/infrastructure"
	"github.com/TFMV/duckdash/pkg/infrastructure/metrics"
	"github.com/TFMV/duckdash/pkg/models"
	"github.com/TFMV/duckdash/pkg/persistence"
	"github.com/TFMV/duckdash/pkg/store"
)

// Storage backends for state saved before a database is connected.
const (
	BackendLocal  = "local"
	BackendMemory = "memory"
)

// StorageConfig selects the initial state backend.
type StorageConfig struct {
	Backend   string
	LocalPath string
	StateKey  string
}

// Config configures a Workbench.
type Config struct {
	Storage StorageConfig
	Cache   *cache.Config
}

// Workbench is the composition root of the service.
type Workbench struct {
	logger  zerolog.Logger
	metrics metrics.Collector

	manager  *connection.Manager
	cache    *cache.Materializer
	store    *store.Store
	adapter  *persistence.Adapter
	local    persistence.Storage
	importer *importer.Importer
}

// New builds a workbench and rehydrates the store from the initial backend.
func New(ctx context.Context, cfg Config, logger zerolog.Logger, m metrics.Collector) (*Workbench, error) {
	if m == nil {
		m = metrics.NewNoOpCollector()
	}

	var local persistence.Storage
	switch cfg.Storage.Backend {
	case BackendMemory:
		local = persistence.NewMemoryStorage()
	case BackendLocal, "":
		ls, err := persistence.OpenLocalStorage(cfg.Storage.LocalPath)
		if err != nil {
			return nil, err
		}
		local = ls
	default:
		return nil, errors.Newf(errors.CodeInvalidRequest, "unknown storage backend %q", cfg.Storage.Backend)
	}

	w := &Workbench{
		logger:  logger.With().Str("component", "workbench").Logger(),
		metrics: m,
		manager: connection.NewManager(logger),
		local:   local,
	}
	w.adapter = persistence.NewAdapter(local, cfg.Storage.StateKey, logger, m)
	w.cache = cache.New(w.manager, cfg.Cache, logger, m)
	w.store = store.New(w.cache, w.adapter, logger, m)
	w.importer = importer.New(w.manager, w.store, cfg.Storage.StateKey, logger, m).
		WithCachePrefix(w.cache.TablePrefix())

	snapshot, err := w.adapter.Load(ctx)
	if err != nil {
		w.logger.Warn().Err(err).Str("backend", local.Name()).Msg("Ignoring unreadable saved state")
	} else if snapshot != nil {
		w.store.Rehydrate(snapshot)
	}
	return w, nil
}

// Store returns the relation view state store.
func (w *Workbench) Store() *store.Store { return w.store }

// Cache returns the cache materializer.
func (w *Workbench) Cache() *cache.Materializer { return w.cache }

// Connections returns the connection manager.
func (w *Workbench) Connections() *connection.Manager { return w.manager }

// Persistence returns the persistence adapter.
func (w *Workbench) Persistence() *persistence.Adapter { return w.adapter }

// Importer returns the importer.
func (w *Workbench) Importer() *importer.Importer { return w.importer }

// Ready reports whether the current connection's storage info is loaded.
func (w *Workbench) Ready() bool {
	return w.manager.StorageInfo().Loaded()
}

// Connect opens a DuckDB connection, makes it current and, the first time a
// writable state table is available, promotes persistence to it. State the
// database already holds replaces the store. Once promoted, state follows
// the current connection: the new database's saved state is read before
// the connection becomes current and replaces the store, so it is never
// overwritten by the previous database's state.
func (w *Workbench) Connect(ctx context.Context, cfg connection.Config) (*connection.DuckDB, error) {
	start := time.Now()
	conn, err := connection.Open(ctx, cfg, w.logger, w.metrics)
	if err != nil {
		return nil, err
	}

	info := conn.StorageInfo()
	promoted := w.adapter.Promoted()
	var held *models.StoreSnapshot
	if promoted && info.Loaded() && info.TableStatus != models.TableMissing {
		held, err = w.adapter.LoadFrom(ctx, persistence.NewDatabaseStorage(conn))
		if err != nil {
			// Saving would overwrite the state we failed to read.
			if cerr := conn.Close(); cerr != nil {
				w.logger.Warn().Err(cerr).Msg("Failed to close rejected connection")
			}
			return nil, errors.Wrap(err, errors.CodePersistenceFailed, "cannot read the state saved in the new database")
		}
	}

	if err := w.manager.Set(conn); err != nil {
		w.logger.Warn().Err(err).Msg("Failed to close previous connection")
	}

	switch {
	case !promoted && info.Writable():
		held, err := w.adapter.Promote(ctx, persistence.NewDatabaseStorage(w.manager), w.store.Snapshot())
		switch {
		case err != nil:
			w.logger.Warn().Err(err).Msg("State stays in the local backend")
		case held != nil:
			w.store.Rehydrate(held)
		}
	case held != nil:
		w.store.Rehydrate(held)
		w.logger.Info().Int("relations", len(held.Relations)).Msg("Loaded state of the new database")
	case promoted && !info.Writable():
		w.logger.Warn().Msg("New database cannot hold state; saves will fail until a writable database is connected")
	}

	if err := w.store.RecordConnection(ctx, models.ConnectionHistoryEntry{
		ConnectionID: conn.ID(),
		DSN:          conn.DSN(),
		Kind:         "duckdb",
	}); err != nil {
		w.logger.Warn().Err(err).Msg("Failed to record connection")
	}

	w.metrics.RecordHistogram("connect_seconds", time.Since(start).Seconds())
	w.logger.Info().
		Str("connection_id", conn.ID()).
		Str("dsn", conn.DSN()).
		Str("storage", w.adapter.Storage().Name()).
		Msg("Connected")
	return conn, nil
}

// AttachAndImport decodes an attach parameter, attaches the database it
// names and imports from it.
func (w *Workbench) AttachAndImport(ctx context.Context, param string) (*importer.Report, error) {
	target, err := infrastructure.DecodeAttachParam(param)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidRequest, "invalid attach parameter")
	}
	alias, err := w.importer.Attach(ctx, target, "")
	if err != nil {
		return nil, err
	}
	return w.importer.ImportFromAttachedDatabase(ctx, alias)
}

// Close saves the store and releases the connection and the local backend.
func (w *Workbench) Close(ctx context.Context) error {
	if err := w.store.Persist(ctx); err != nil {
		w.logger.Warn().Err(err).Msg("Final state save failed")
	}
	err := w.manager.Close()
	if c, ok := w.local.(io.Closer); ok {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
