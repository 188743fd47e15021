// Package cache materializes query results as tables inside the connected
// database so that reopening a relation does not re-run its query.
package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/TFMV/duckdash/pkg/connection"
	"github.com/TFMV/duckdash/pkg/errors"
	"github.com/TFMV/duckdash/pkg/infrastructure"
	"github.com/TFMV/duckdash/pkg/infrastructure/metrics"
	"github.com/TFMV/duckdash/pkg/models"
	"github.com/TFMV/duckdash/pkg/queue"
)

// Cache defines the materializer operations used by the store.
type Cache interface {
	// UpdateCache materializes query as the cache table for id and reads it back.
// Queries that cannot be materialized run directly and are reported with
// WasCached false. Calls for the same id run one at a time in arrival order,
// so the table always holds the result of the last call. A call identical to
// the last queued one for its id shares that call's materialization.
func (c *Materializer) UpdateCache(ctx context.Context, id, query string) (*models.CacheResult, error) {
	if err := validateKey(id); err != nil {
		return nil, err
	}
	info := c.provider.StorageInfo()
	if !info.Loaded() {
		return nil, errors.ErrStorageNotReady
	}

	t, shared := c.enter(ctx, id, query, func(ctx context.Context) (*models.CacheResult, error) {
		return c.materialize(ctx, info, id, query)
	})
	if shared {
		c.logger.Debug().Str("relation_id", id).Msg("Shared queued materialization")
	}

	select {
	case <-t.done:
		if t.err != nil {
			return nil, t.err
		}
		return t.res, nil
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), errors.CodeCanceled, "cache update canceled")
	}
}

// enter queues run behind the work already waiting for id. When query is
// not empty and equals the query of the last queued turn, that turn is
// returned instead. run is detached from ctx cancellation once queued.
func (c *Materializer) enter(ctx context.Context, id, query string, run func(context.Context) (*models.CacheResult, error)) (*turn, bool) {
	c.mu.Lock()
	l := c.lines[id]
	if l == nil {
		l = &line{}
		c.lines[id] = l
	}
	if query != "" && l.tail != nil && l.tail.query == query {
		t := l.tail
		c.mu.Unlock()
		return t, true
	}

	t := &turn{query: query, done: make(chan struct{})}
	var prev <-chan struct{}
	if l.tail != nil {
		prev = l.tail.done
	}
	l.tail = t
	l.pending++
	c.mu.Unlock()

	detached := context.WithoutCancel(ctx)
	go func() {
		if prev != nil {
			<-prev
		}
		t.res, t.err = run(detached)

		c.mu.Lock()
		l.pending--
		if l.tail == t {
			l.tail = nil
		}
		if l.pending == 0 {
			delete(c.lines, id)
		}
		c.mu.Unlock()
		close(t.done)
	}()
	return t, false
}

// queued returns the number of turns for id not yet finished.
func (c *Materializer) queued(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l := c.lines[id]; l != nil {
		return l.pending
	}
	return 0
}

func (c *Materializer) materialize(ctx context.Context, info models.StateStorageInfo, id, query string) (*models.CacheResult, error) {
	start := time.Now()
	logger := c.logger.With().Str("relation_id", id).Logger()

	stmts := queue.SplitStatements(query)
	if len(stmts) != 1 {
		logger.Debug().Int("statements", len(stmts)).Msg("Query is not materializable, executing directly")
		return c.direct(ctx, query)
	}
	if typ := queue.Classify(stmts[0]); typ.Mutates() {
		logger.Debug().Stringer("statement_type", typ).Msg("Statement does not produce a relation, executing directly")
		return c.direct(ctx, query)
	}

	name := tableName(c.config.TablePrefix, info, id)
	kind := "TABLE"
	if !info.Writable() {
		kind = "TEMP TABLE"
	}
	create := fmt.Sprintf("CREATE OR REPLACE %s %s AS (\n%s\n)", kind, name, strings.TrimSpace(stmts[0]))

	if _, err := c.provider.ExecuteQuery(ctx, create); err != nil {
		if errors.IsQueryParse(err) {
			logger.Debug().Err(err).Msg("Query cannot be materialized, executing directly")
			return c.direct(ctx, query)
		}
		c.metrics.IncrementCounter("cache_updates_total", "result", "error")
		return nil, err
	}

	data, err := c.provider.ExecuteQuery(ctx, "SELECT * FROM "+name)
	if err != nil {
		c.metrics.IncrementCounter("cache_updates_total", "result", "error")
		return nil, err
	}

	c.recordStat((*StatsCollector).RecordMaterialization)
	c.metrics.IncrementCounter("cache_updates_total", "result", "materialized")
	c.metrics.RecordHistogram("cache_update_seconds", time.Since(start).Seconds(), "result", "materialized")
	logger.Debug().
		Str("table", name).
		Int("rows", data.NumRows()).
		Dur("duration", time.Since(start)).
		Msg("Materialized relation")

	return &models.CacheResult{Data: data, WasCached: true}, nil
}

func (c *Materializer) direct(ctx context.Context, query string) (*models.CacheResult, error) {
	data, err := c.provider.ExecuteQuery(ctx, query)
	if err != nil {
		c.metrics.IncrementCounter("cache_updates_total", "result", "error")
		return nil, err
	}
	c.recordStat((*StatsCollector).RecordFallback)
	c.metrics.IncrementCounter("cache_updates_total", "result", "direct")
	return &models.CacheResult{Data: data, WasCached: false}, nil
}

// LoadCache returns the materialized result for id, or nil when it is absent
// or cannot be read.
func (c *Materializer) LoadCache(ctx context.Context, id string) *models.RelationData {
	if validateKey(id) != nil {
		return nil
	}
	info := c.provider.StorageInfo()
	if !info.Loaded() {
		return nil
	}

	data, err := c.provider.ExecuteQuery(ctx, "SELECT * FROM "+tableName(c.config.TablePrefix, info, id))
	if err != nil {
		c.recordStat((*StatsCollector).RecordMiss)
		c.metrics.IncrementCounter("cache_loads_total", "result", "miss")
		c.logger.Debug().Err(err).Str("relation_id", id).Msg("Cache miss")
		return nil
	}

	c.recordStat((*StatsCollector).RecordHit)
	c.metrics.IncrementCounter("cache_loads_total", "result", "hit")
	return data
}

// DeleteCache drops the cache table for id. Deleting an absent cache
// succeeds.
func (c *Materializer) DeleteCache(ctx context.Context, id string) error {
	if err := validateKey(id); err != nil {
		return err
	}
	info := c.provider.StorageInfo()
	if !info.Loaded() {
		return errors.ErrStorageNotReady
	}

	t, _ := c.enter(ctx, id, "", func(ctx context.Context) (*models.CacheResult, error) {
		_, err := c.provider.ExecuteQuery(ctx, "DROP TABLE IF EXISTS "+tableName(c.config.TablePrefix, info, id))
		return nil, err
	})

	select {
	case <-t.done:
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.CodeCanceled, "cache delete canceled")
	}
	if t.err != nil {
		return t.err
	}
	c.recordStat((*StatsCollector).RecordDelete)
	c.metrics.IncrementCounter("cache_deletes_total")
	return nil
}

// Stats returns the materializer statistics.
func (c *Materializer) Stats() Stats {
	return c.stats.GetStats()
}

func (c *Materializer) recordStat(record func(*StatsCollector)) {
	if c.config.EnableStats {
		record(c.stats)
	}
}

func validateKey(id string) error {
	if id == "" || strings.ContainsRune(id, 0) {
		return errors.ErrInvalidCacheKey.WithDetail("id", id)
	}
	return nil
}
