// Package importer merges the state and cache tables of an attached
// database into the local workbench.
package importer

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/TFMV/duckdash/pkg/cache"
	"github.com/TFMV/duckdash/pkg/connection"
	"github.com/TFMV/duckdash/pkg/errors"
	"github.com/TFMV/duckdash/pkg/infrastructure"
	"github.com/TFMV/duckdash/pkg/infrastructure/metrics"
	"github.com/TFMV/duckdash/pkg/models"
	"github.com/TFMV/duckdash/pkg/persistence"
)

// Merger merges a snapshot into live state, keeping live entries on
// conflict, and returns the added relation ids.
type Merger interface {
	Merge(ctx context.Context, snapshot *models.StoreSnapshot) ([]string, error)
}

// Report describes what an import brought in.
type Report struct {
	Database        string   `json:"database"`
	StateFound      bool     `json:"state_found"`
	MergedRelations []string `json:"merged_relations"`
	CopiedCaches    []string `json:"copied_caches"`
}

// Importer imports from databases attached to the provider's session.
type Importer struct {
	provider connection.Provider
	merger   Merger
	stateKey string
	prefix   string
	logger   zerolog.Logger
	metrics  metrics.Collector
}

// New creates an importer. stateKey is the state row id to read.
func New(provider connection.Provider, merger Merger, stateKey string, logger zerolog.Logger, m metrics.Collector) *Importer {
	if stateKey == "" {
		stateKey = persistence.DefaultStateKey
	}
	if m == nil {
		m = metrics.NewNoOpCollector()
	}
	return &Importer{
		provider: provider,
		merger:   merger,
		stateKey: stateKey,
		prefix:   cache.CacheTablePrefix,
		logger:   logger.With().Str("component", "importer").Logger(),
		metrics:  m,
	}
}

// WithCachePrefix sets the prefix of the cache tables to copy. It must match
// the materializer's prefix so copied tables are found by LoadCache.
func (i *Importer) WithCachePrefix(prefix string) *Importer {
	if prefix != "" {
		i.prefix = prefix
	}
	return i
}

// Attach attaches target read-only and returns the catalog alias. An empty
// alias is derived from the target.
func (i *Importer) Attach(ctx context.Context, target, alias string) (string, error) {
	if target == "" {
		return "", errors.New(errors.CodeInvalidRequest, "attach target is empty")
	}
	if alias == "" {
		alias = infrastructure.AttachAlias(target)
	}
	if _, err := i.provider.ExecuteQuery(ctx, infrastructure.AttachStatement(target, alias, true)); err != nil {
		return "", errors.Wrapf(err, errors.CodeImportFailed, "failed to attach %s", infrastructure.AttachAlias(target))
	}
	i.logger.Info().Str("alias", alias).Msg("Attached database")
	return alias, nil
}

// ImportFromAttachedDatabase merges the state row of database into the
// store and copies its cache tables next to the local ones. Live relations
// win on id conflicts and existing local caches are left untouched. The
// first error aborts the import; tables copied before it stay.
func (i *Importer) ImportFromAttachedDatabase(ctx context.Context, database string) (*Report, error) {
	start := time.Now()
	report := &Report{Database: database, MergedRelations: []string{}, CopiedCaches: []string{}}

	info := i.provider.StorageInfo()
	if !info.Loaded() {
		return report, errors.ErrStorageNotReady
	}
	if database == "" || database == info.Destination.DatabaseName {
		return report, errors.New(errors.CodeInvalidRequest, "import source must be another attached database").
			WithDetail("database", database)
	}

	dest := info.Destination
	tables, err := i.provider.ExecuteQuery(ctx, fmt.Sprintf(
		"SELECT table_name FROM information_schema.tables WHERE table_catalog = %s AND table_schema = %s AND (table_name = %s OR starts_with(table_name, %s)) ORDER BY table_name",
		infrastructure.QuoteLiteral(database),
		infrastructure.QuoteLiteral(dest.SchemaName),
		infrastructure.QuoteLiteral(dest.TableName),
		infrastructure.QuoteLiteral(i.prefix)))
	if err != nil {
		return report, i.fail(err, "failed to list attached tables")
	}

	var caches []string
	for _, row := range tables.Rows {
		name, _ := row[0].(string)
		switch {
		case name == dest.TableName:
			report.StateFound = true
		case name != "":
			caches = append(caches, name)
		}
	}

	if report.StateFound {
		added, err := i.mergeState(ctx, database, dest)
		if err != nil {
			return report, err
		}
		report.MergedRelations = append(report.MergedRelations, added...)
	}

	for _, name := range caches {
		if err := i.copyCache(ctx, info, database, name); err != nil {
			return report, err
		}
		report.CopiedCaches = append(report.CopiedCaches, name)
	}

	i.metrics.IncrementCounter("imports_total", "status", "success")
	i.metrics.RecordHistogram("import_seconds", time.Since(start).Seconds())
	i.logger.Info().
		Str("database", database).
		Int("merged_relations", len(report.MergedRelations)).
		Int("copied_caches", len(report.CopiedCaches)).
		Dur("duration", time.Since(start)).
		Msg("Import finished")
	return report, nil
}

func (i *Importer) mergeState(ctx context.Context, database string, dest models.StorageDestination) ([]string, error) {
	data, err := i.provider.ExecuteQuery(ctx, fmt.Sprintf("SELECT value FROM %s WHERE id = %s",
		infrastructure.QualifiedName(database, dest.SchemaName, dest.TableName),
		infrastructure.QuoteLiteral(i.stateKey)))
	if err != nil {
		return nil, i.fail(err, "failed to read attached state")
	}
	if data.NumRows() == 0 {
		return nil, nil
	}
	raw, ok := data.Rows[0][0].(string)
	if !ok || raw == "" {
		return nil, nil
	}

	snapshot, err := persistence.DecodeSnapshot([]byte(raw))
	if err != nil {
		return nil, i.fail(err, "failed to decode attached state")
	}
	added, err := i.merger.Merge(ctx, snapshot)
	if err != nil {
		return added, i.fail(err, "failed to merge attached state")
	}
	return added, nil
}

func (i *Importer) copyCache(ctx context.Context, info models.StateStorageInfo, database, name string) error {
	source := infrastructure.QualifiedName(database, info.Destination.SchemaName, name)

	var stmt string
	if info.Writable() {
		stmt = fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s AS (FROM %s)",
			infrastructure.QualifiedName(info.Destination.DatabaseName, info.Destination.SchemaName, name), source)
	} else {
		stmt = fmt.Sprintf("CREATE TEMP TABLE IF NOT EXISTS %s AS (FROM %s)",
			infrastructure.QuoteIdentifier(name), source)
	}

	if _, err := i.provider.ExecuteQuery(ctx, stmt); err != nil {
		return i.fail(err, fmt.Sprintf("failed to copy cache table %s", name))
	}
	return nil
}

func (i *Importer) fail(err error, message string) error {
	i.metrics.IncrementCounter("imports_total", "status", "error")
	i.logger.Error().Err(err).Msg(message)
	return errors.Wrap(err, errors.CodeImportFailed, message)
}
