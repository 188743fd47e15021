// Package store holds the application-wide relation view state.
//
// All mutations go through named actions. Actions that change persisted
// fields save the whole store through a Persister; a failed save is returned
// but the in-memory change stays.
package store

import (
	"context"
	"reflect"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/TFMV/duckdash/pkg/cache"
	"github.com/TFMV/duckdash/pkg/errors"
	"github.com/TFMV/duckdash/pkg/infrastructure/metrics"
	"github.com/TFMV/duckdash/pkg/models"
)

// Persister saves store snapshots.
type Persister interface {
	Save(ctx context.Context, snapshot *models.StoreSnapshot) error
}

// Store is the relation view state store.
type Store struct {
	cache     cache.Cache
	persister Persister
	logger    zerolog.Logger
	metrics   metrics.Collector

	mu         sync.RWMutex
	relations  map[string]*models.RelationViewState
	dashboards map[string]models.Dashboard
	history    []models.ConnectionHistoryEntry
	layout     models.Layout
	requests   map[string]uint64
	counter    uint64

	saveMu sync.Mutex

	notifyMu  sync.Mutex
	subMu     sync.Mutex
	listeners map[int]*listener
	nextSub   int
}

// New creates an empty store. A nil persister disables saving.
func New(c cache.Cache, p Persister, logger zerolog.Logger, m metrics.Collector) *Store {
	if m == nil {
		m = metrics.NewNoOpCollector()
	}
	return &Store{
		cache:      c,
		persister:  p,
		logger:     logger.With().Str("component", "store").Logger(),
		metrics:    m,
		relations:  make(map[string]*models.RelationViewState),
		dashboards: make(map[string]models.Dashboard),
		requests:   make(map[string]uint64),
		listeners:  make(map[int]*listener),
	}
}

// SetPersister replaces the persister used by later saves.
func (s *Store) SetPersister(p Persister) {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	s.persister = p
}

// GetRelation returns a copy of the relation state for id.
func (s *Store) GetRelation(id string) (*models.RelationViewState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rel, ok := s.relations[id]
	if !ok {
		return nil, false
	}
	return rel.Clone(), true
}

// Relations returns copies of every relation state ordered by creation time.
func (s *Store) Relations() []*models.RelationViewState {
	s.mu.RLock()
	out := make([]*models.RelationViewState, 0, len(s.relations))
	for _, rel := range s.relations {
		out = append(out, rel.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Dashboards returns copies of every dashboard ordered by id.
func (s *Store) Dashboards() []models.Dashboard {
	s.mu.RLock()
	out := make([]models.Dashboard, 0, len(s.dashboards))
	for _, d := range s.dashboards {
		out = append(out, d.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Layout returns the current layout.
func (s *Store) Layout() models.Layout {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.layout.Clone()
}

// ConnectionHistory returns the recorded connections, most recent first.
func (s *Store) ConnectionHistory() []models.ConnectionHistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.ConnectionHistoryEntry(nil), s.history...)
}

// Snapshot returns the persistable form of the store. Transient fields are
// cleared.
func (s *Store) Snapshot() *models.StoreSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked(true)
}

func (s *Store) snapshotLocked(persistable bool) *models.StoreSnapshot {
	snap := models.NewStoreSnapshot()
	for id, rel := range s.relations {
		if persistable {
			snap.Relations[id] = rel.Persistable()
		} else {
			snap.Relations[id] = rel.Clone()
		}
	}
	for id, d := range s.dashboards {
		snap.Dashboards[id] = d.Clone()
	}
	snap.ConnectionHistory = append([]models.ConnectionHistoryEntry(nil), s.history...)
	snap.Layout = s.layout.Clone()
	return snap
}

// view returns a full copy including transient fields, used by selectors.
func (s *Store) view() *models.StoreSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked(false)
}

// Rehydrate replaces the whole store with snapshot. In-flight requests are
// invalidated and their completions dropped.
func (s *Store) Rehydrate(snapshot *models.StoreSnapshot) {
	if snapshot == nil {
		snapshot = models.NewStoreSnapshot()
	}

	s.mu.Lock()
	s.relations = make(map[string]*models.RelationViewState, len(snapshot.Relations))
	for id, rel := range snapshot.Relations {
		if rel == nil {
			continue
		}
		cp := rel.Persistable()
		cp.ID = id
		s.relations[id] = cp
	}
	s.dashboards = make(map[string]models.Dashboard, len(snapshot.Dashboards))
	for id, d := range snapshot.Dashboards {
		d = d.Clone()
		d.ID = id
		s.dashboards[id] = d
	}
	s.history = append([]models.ConnectionHistoryEntry(nil), snapshot.ConnectionHistory...)
	s.layout = snapshot.Layout.Clone()
	s.requests = make(map[string]uint64)
	s.mu.Unlock()

	s.logger.Info().Int("relations", len(snapshot.Relations)).Msg("Store rehydrated")
	s.notify()
}

// Merge adds the relations and dashboards of snapshot that the store does
// not hold yet. Live entries win on id conflicts. It returns the added
// relation ids and saves when anything changed.
func (s *Store) Merge(ctx context.Context, snapshot *models.StoreSnapshot) ([]string, error) {
	if snapshot == nil {
		return nil, nil
	}

	var added []string
	changed := false

	s.mu.Lock()
	for id, rel := range snapshot.Relations {
		if rel == nil {
			continue
		}
		if _, ok := s.relations[id]; ok {
			continue
		}
		cp := rel.Persistable()
		cp.ID = id
		s.relations[id] = cp
		added = append(added, id)
	}
	for id, d := range snapshot.Dashboards {
		if _, ok := s.dashboards[id]; ok {
			continue
		}
		d = d.Clone()
		d.ID = id
		s.dashboards[id] = d
		changed = true
	}
	for _, entry := range snapshot.ConnectionHistory {
		if s.hasConnectionLocked(entry.ConnectionID) {
			continue
		}
		s.history = append(s.history, entry)
		changed = true
	}
	sort.SliceStable(s.history, func(i, j int) bool {
		return s.history[i].LastUsedAt.After(s.history[j].LastUsedAt)
	})
	if len(s.history) > models.MaxConnectionHistory {
		s.history = s.history[:models.MaxConnectionHistory]
	}
	s.mu.Unlock()

	sort.Strings(added)
	if len(added) == 0 && !changed {
		return nil, nil
	}

	s.metrics.IncrementCounter("relations_merged_total")
	s.logger.Info().Strs("added", added).Msg("Merged snapshot into store")
	s.notify()
	return added, s.save(ctx)
}

func (s *Store) hasConnectionLocked(id string) bool {
	for _, e := range s.history {
		if e.ConnectionID == id {
			return true
		}
	}
	return false
}

// Persist saves the current store.
func (s *Store) Persist(ctx context.Context) error {
	return s.save(ctx)
}

func (s *Store) save(ctx context.Context) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	if s.persister == nil {
		return nil
	}
	if err := s.persister.Save(ctx, s.Snapshot()); err != nil {
		s.metrics.IncrementCounter("store_save_errors_total")
		s.logger.Error().Err(err).Msg("Failed to persist store")
		if !errors.HasCode(err, errors.CodePersistenceFailed) {
			err = errors.Wrap(err, errors.CodePersistenceFailed, "failed to save state")
		}
		return err
	}
	return nil
}

type listener struct {
	mu     sync.Mutex
	notify func(*models.StoreSnapshot)
}

// Subscribe calls fn with the value selected from the store whenever it
// changes. Selectors receive a shared copy and must not modify it. The
// returned function removes the subscription.
func Subscribe[V any](s *Store, selector func(*models.StoreSnapshot) V, fn func(V)) func() {
	last := selector(s.view())
	l := &listener{}
	l.notify = func(snap *models.StoreSnapshot) {
		v := selector(snap)
		if reflect.DeepEqual(v, last) {
			return
		}
		last = v
		fn(v)
	}

	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.listeners[id] = l
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.listeners, id)
		s.subMu.Unlock()
	}
}

func (s *Store) notify() {
	s.subMu.Lock()
	if len(s.listeners) == 0 {
		s.subMu.Unlock()
		return
	}
	ls := make([]*listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		ls = append(ls, l)
	}
	s.subMu.Unlock()

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	snap := s.view()
	for _, l := range ls {
		l.mu.Lock()
		l.notify(snap)
		l.mu.Unlock()
	}
}
