package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/TFMV/duckdash/pkg/errors"
	"github.com/TFMV/duckdash/pkg/models"
)

const maxQueryHistory = 50

// ShowRelation opens the relation for source at path and focuses it. An
// already open relation is only focused. A new relation is registered,
// saved and fetched: a cached result is used when present, otherwise the
// query runs. Query failures are recorded in the relation's execution state.
func (s *Store) ShowRelation(ctx context.Context, connectionID string, source models.RelationSource, path []string) (string, error) {
	id := RelationID(connectionID, source, path)

	s.mu.Lock()
	_, exists := s.relations[id]
	if !exists {
		now := time.Now().UTC()
		s.relations[id] = &models.RelationViewState{
			ID:           id,
			Name:         relationName(source, path),
			ConnectionID: connectionID,
			DatabaseName: databaseName(source, path),
			Source:       source,
			Path:         append([]string(nil), path...),
			Query: models.QueryState{
				BaseQuery: SourceQuery(source, path),
			},
			ExecutionState: models.TaskExecutionState{State: models.ExecutionNotStarted},
			ViewState:      models.ViewState{Kind: models.ViewTable},
			CreatedAt:      now,
			UpdatedAt:      now,
		}
	}
	s.focusLocked(id)
	s.mu.Unlock()

	s.notify()
	saveErr := s.save(ctx)
	if exists {
		return id, saveErr
	}

	s.metrics.IncrementCounter("relations_opened_total")
	s.logger.Info().Str("relation_id", id).Str("source", string(source.Kind)).Msg("Relation opened")

	if data := s.cache.LoadCache(ctx, id); data != nil {
		s.applyCached(id, data)
		return id, saveErr
	}

	rel, _ := s.GetRelation(id)
	if err := s.UpdateRelationDataWithParams(ctx, id, rel.Query.Params); err != nil {
		s.logger.Warn().Err(err).Str("relation_id", id).Msg("Initial fetch failed")
	}
	return id, saveErr
}

func (s *Store) focusLocked(id string) {
	s.layout.ActiveRelationID = id
	for _, tab := range s.layout.OpenTabs {
		if tab == id {
			return
		}
	}
	s.layout.OpenTabs = append(s.layout.OpenTabs, id)
}

func (s *Store) applyCached(id string, data *models.RelationData) {
	s.mu.Lock()
	rel, ok := s.relations[id]
	if ok {
		now := time.Now().UTC()
		rel.Data = data
		rel.ExecutionState = models.TaskExecutionState{
			State:      models.ExecutionSuccess,
			StartedAt:  &now,
			FinishedAt: &now,
		}
	}
	s.mu.Unlock()
	if ok {
		s.notify()
	}
}

// UpdateRelationDataWithParams runs the relation's base query with params
// applied and stores the result. Only the completion of the latest request
// for a relation is applied; earlier completions are dropped.
func (s *Store) UpdateRelationDataWithParams(ctx context.Context, id string, params models.QueryParams) error {
	s.mu.Lock()
	rel, ok := s.relations[id]
	if !ok {
		s.mu.Unlock()
		return errors.ErrRelationNotFound.WithDetail("id", id)
	}
	if rel.Query.BaseQuery == "" {
		s.mu.Unlock()
		return errors.New(errors.CodeInvalidRequest, "relation has no query")
	}

	s.counter++
	seq := s.counter
	s.requests[id] = seq

	paramsChanged := !paramsEqual(rel.Query.Params, params)
	if paramsChanged {
		rel.Query.History = append(rel.Query.History, rel.Query.Params.Clone())
		if len(rel.Query.History) > maxQueryHistory {
			rel.Query.History = rel.Query.History[len(rel.Query.History)-maxQueryHistory:]
		}
		rel.Query.Params = params.Clone()
	}
	query := BuildQuery(rel.Query.BaseQuery, rel.Query.Params)
	started := time.Now().UTC()
	rel.ExecutionState = models.TaskExecutionState{State: models.ExecutionRunning, StartedAt: &started}
	rel.UpdatedAt = started
	s.mu.Unlock()

	s.notify()
	var saveErr error
	if paramsChanged {
		saveErr = s.save(ctx)
	}

	res, err := s.cache.UpdateCache(ctx, id, query)

	s.mu.Lock()
	rel, ok = s.relations[id]
	if !ok || s.requests[id] != seq {
		s.mu.Unlock()
		s.metrics.IncrementCounter("stale_results_total")
		s.logger.Debug().Str("relation_id", id).Uint64("request", seq).Msg("Dropped stale result")
		return nil
	}
	finished := time.Now().UTC()
	if err != nil {
		rel.ExecutionState = models.TaskExecutionState{
			State:      models.ExecutionError,
			Error:      errors.ToPayload(err),
			StartedAt:  &started,
			FinishedAt: &finished,
		}
	} else {
		rel.Data = res.Data
		rel.ExecutionState = models.TaskExecutionState{
			State:      models.ExecutionSuccess,
			StartedAt:  &started,
			FinishedAt: &finished,
		}
	}
	s.mu.Unlock()

	s.notify()
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.IncrementCounter("relation_runs_total", "status", status)
	s.metrics.RecordHistogram("relation_run_seconds", finished.Sub(started).Seconds())

	if err != nil {
		return err
	}
	return saveErr
}

// UpdateRelationBaseQuery replaces the relation's base query text without
// running it.
func (s *Store) UpdateRelationBaseQuery(ctx context.Context, id, query string) error {
	s.mu.Lock()
	rel, ok := s.relations[id]
	if !ok {
		s.mu.Unlock()
		return errors.ErrRelationNotFound.WithDetail("id", id)
	}
	rel.Query.BaseQuery = query
	rel.UpdatedAt = time.Now().UTC()
	s.mu.Unlock()

	s.notify()
	return s.save(ctx)
}

// UpdateRelationViewState merges partial into the relation's view state.
// Objects merge, arrays and scalars replace, and null resets a field.
func (s *Store) UpdateRelationViewState(ctx context.Context, id string, partial map[string]any) error {
	s.mu.Lock()
	rel, ok := s.relations[id]
	if !ok {
		s.mu.Unlock()
		return errors.ErrRelationNotFound.WithDetail("id", id)
	}
	next, err := mergeViewState(rel.ViewState, partial)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	rel.ViewState = next
	rel.UpdatedAt = time.Now().UTC()
	s.mu.Unlock()

	s.notify()
	return s.save(ctx)
}

// CloseRelation removes the relation and invalidates its in-flight request.
func (s *Store) CloseRelation(ctx context.Context, id string) error {
	s.mu.Lock()
	if _, ok := s.relations[id]; !ok {
		s.mu.Unlock()
		return errors.ErrRelationNotFound.WithDetail("id", id)
	}
	delete(s.relations, id)
	delete(s.requests, id)

	tabs := s.layout.OpenTabs[:0]
	for _, tab := range s.layout.OpenTabs {
		if tab != id {
			tabs = append(tabs, tab)
		}
	}
	s.layout.OpenTabs = tabs
	if s.layout.ActiveRelationID == id {
		s.layout.ActiveRelationID = ""
		if n := len(tabs); n > 0 {
			s.layout.ActiveRelationID = tabs[n-1]
		}
	}
	s.mu.Unlock()

	s.logger.Info().Str("relation_id", id).Msg("Relation closed")
	s.notify()
	return s.save(ctx)
}

// UpsertDashboard stores d, assigning an id when it has none, and returns
// the id.
func (s *Store) UpsertDashboard(ctx context.Context, d models.Dashboard) (string, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}

	s.mu.Lock()
	s.dashboards[d.ID] = d.Clone()
	s.mu.Unlock()

	s.notify()
	return d.ID, s.save(ctx)
}

// RemoveDashboard deletes a dashboard.
func (s *Store) RemoveDashboard(ctx context.Context, id string) error {
	s.mu.Lock()
	if _, ok := s.dashboards[id]; !ok {
		s.mu.Unlock()
		return errors.Newf(errors.CodeNotFound, "dashboard %s not found", id)
	}
	delete(s.dashboards, id)
	s.mu.Unlock()

	s.notify()
	return s.save(ctx)
}

// RecordConnection moves entry to the front of the connection history.
func (s *Store) RecordConnection(ctx context.Context, entry models.ConnectionHistoryEntry) error {
	if entry.LastUsedAt.IsZero() {
		entry.LastUsedAt = time.Now().UTC()
	}

	s.mu.Lock()
	history := make([]models.ConnectionHistoryEntry, 0, len(s.history)+1)
	history = append(history, entry)
	for _, e := range s.history {
		if e.ConnectionID != entry.ConnectionID {
			history = append(history, e)
		}
	}
	if len(history) > models.MaxConnectionHistory {
		history = history[:models.MaxConnectionHistory]
	}
	s.history = history
	s.mu.Unlock()

	s.notify()
	return s.save(ctx)
}

// SetLayout replaces the layout.
func (s *Store) SetLayout(ctx context.Context, layout models.Layout) error {
	s.mu.Lock()
	s.layout = layout.Clone()
	s.mu.Unlock()

	s.notify()
	return s.save(ctx)
}

func paramsEqual(a, b models.QueryParams) bool {
	if a.Filter != b.Filter || a.Limit != b.Limit || a.Offset != b.Offset || len(a.Sort) != len(b.Sort) {
		return false
	}
	for i := range a.Sort {
		if a.Sort[i] != b.Sort[i] {
			return false
		}
	}
	return true
}

func relationName(source models.RelationSource, path []string) string {
	if n := len(path); n > 0 {
		return path[n-1]
	}
	if source.Kind == models.SourceQuery {
		return "Query"
	}
	return string(source.Kind)
}

func databaseName(source models.RelationSource, path []string) string {
	if (source.Kind == models.SourceTable || source.Kind == models.SourceView) && len(path) == 3 {
		return path[0]
	}
	return ""
}
