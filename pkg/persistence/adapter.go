package persistence

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/TFMV/duckdash/pkg/errors"
	"github.com/TFMV/duckdash/pkg/infrastructure/metrics"
	"github.com/TFMV/duckdash/pkg/models"
)

// DefaultStateKey is the key the whole store is saved under.
const DefaultStateKey = "duckdash-state"

// Adapter saves the store through the current Storage. The storage can be
// promoted once, from the initial backend to a database-backed one.
type Adapter struct {
	key     string
	logger  zerolog.Logger
	metrics metrics.Collector

	mu       sync.RWMutex
	storage  Storage
	promoted bool
}

// NewAdapter creates an adapter saving under key in storage.
func NewAdapter(storage Storage, key string, logger zerolog.Logger, m metrics.Collector) *Adapter {
	if key == "" {
		key = DefaultStateKey
	}
	if m == nil {
		m = metrics.NewNoOpCollector()
	}
	return &Adapter{
		key:     key,
		storage: storage,
		logger:  logger.With().Str("component", "persistence").Logger(),
		metrics: m,
	}
}

// Storage returns the current backend.
func (a *Adapter) Storage() Storage {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.storage
}

// Promoted reports whether Promote has swapped the backend.
func (a *Adapter) Promoted() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.promoted
}

// Save writes snapshot to the current backend. Failures are returned and
// not retried.
func (a *Adapter) Save(ctx context.Context, snapshot *models.StoreSnapshot) error {
	return a.saveTo(ctx, a.Storage(), snapshot)
}

func (a *Adapter) saveTo(ctx context.Context, storage Storage, snapshot *models.StoreSnapshot) error {
	raw, err := EncodeSnapshot(snapshot)
	if err != nil {
		return err
	}

	start := time.Now()
	if err := storage.SetItem(ctx, a.key, string(raw)); err != nil {
		a.metrics.IncrementCounter("persistence_saves_total", "backend", storage.Name(), "status", "error")
		return errors.Wrap(err, errors.CodePersistenceFailed, "failed to save state")
	}
	a.metrics.IncrementCounter("persistence_saves_total", "backend", storage.Name(), "status", "success")
	a.metrics.RecordHistogram("persistence_save_seconds", time.Since(start).Seconds(), "backend", storage.Name())
	return nil
}

// Load reads the snapshot from the current backend. It returns nil without
// error when nothing has been saved.
func (a *Adapter) Load(ctx context.Context) (*models.StoreSnapshot, error) {
	return a.loadFrom(ctx, a.Storage())
}

func (a *Adapter) loadFrom(ctx context.Context, storage Storage) (*models.StoreSnapshot, error) {
	raw, ok, err := storage.GetItem(ctx, a.key)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodePersistenceFailed, "failed to load state")
	}
	if !ok || raw == "" {
		return nil, nil
	}
	return DecodeSnapshot([]byte(raw))
}

// LoadFrom reads the snapshot saved in storage without switching to it. It
// returns nil without error when storage holds nothing.
func (a *Adapter) LoadFrom(ctx context.Context, storage Storage) (*models.StoreSnapshot, error) {
	return a.loadFrom(ctx, storage)
}

// Clear removes the saved snapshot from the current backend.
func (a *Adapter) Clear(ctx context.Context) error {
	storage := a.Storage()
	if err := storage.RemoveItem(ctx, a.key); err != nil {
		return errors.Wrap(err, errors.CodePersistenceFailed, "failed to clear state")
	}
	return nil
}

// Promote switches to next and returns the snapshot it already holds. When
// next holds nothing, current is written to it and nil is returned. The
// switch happens once; later calls fail. On error the backend is unchanged.
func (a *Adapter) Promote(ctx context.Context, next Storage, current *models.StoreSnapshot) (*models.StoreSnapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.promoted {
		return nil, errors.New(errors.CodeInvalidRequest, "state storage already promoted")
	}

	held, err := a.loadFrom(ctx, next)
	if err != nil {
		return nil, err
	}
	if held == nil && current != nil {
		if err := a.saveTo(ctx, next, current); err != nil {
			return nil, err
		}
	}

	a.logger.Info().
		Str("from", a.storage.Name()).
		Str("to", next.Name()).
		Bool("found_state", held != nil).
		Msg("Promoted state storage")
	a.storage = next
	a.promoted = true
	return held, nil
}

// EncodeSnapshot serializes snapshot at the current version.
func EncodeSnapshot(snapshot *models.StoreSnapshot) ([]byte, error) {
	if snapshot == nil {
		snapshot = models.NewStoreSnapshot()
	}
	cp := *snapshot
	cp.Version = models.SnapshotVersion
	raw, err := json.Marshal(&cp)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodePersistenceFailed, "failed to encode state")
	}
	return raw, nil
}

// DecodeSnapshot parses a serialized snapshot. Snapshots without a version
// are upgraded; newer versions are rejected.
func DecodeSnapshot(raw []byte) (*models.StoreSnapshot, error) {
	snapshot := models.NewStoreSnapshot()
	if err := json.Unmarshal(raw, snapshot); err != nil {
		return nil, errors.Wrap(err, errors.CodePersistenceFailed, "failed to decode state")
	}
	switch {
	case snapshot.Version == 0:
		snapshot.Version = models.SnapshotVersion
	case snapshot.Version > models.SnapshotVersion:
		return nil, errors.Newf(errors.CodePersistenceFailed, "unsupported state version %d", snapshot.Version).
			WithDetail("max_version", models.SnapshotVersion)
	}
	if snapshot.Relations == nil {
		snapshot.Relations = make(map[string]*models.RelationViewState)
	}
	if snapshot.Dashboards == nil {
		snapshot.Dashboards = make(map[string]models.Dashboard)
	}
	return snapshot, nil
}
