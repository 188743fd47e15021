package importer

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/duckdash/pkg/cache"
	"github.com/TFMV/duckdash/pkg/connection"
	"github.com/TFMV/duckdash/pkg/errors"
	"github.com/TFMV/duckdash/pkg/infrastructure/pool"
	"github.com/TFMV/duckdash/pkg/models"
	"github.com/TFMV/duckdash/pkg/persistence"
	"github.com/TFMV/duckdash/pkg/store"
	"github.com/TFMV/duckdash/test/utils"
)

func encodedState(t *testing.T, ids ...string) string {
	t.Helper()
	snap := models.NewStoreSnapshot()
	for _, id := range ids {
		snap.Relations[id] = &models.RelationViewState{ID: id, Name: "imported " + id}
	}
	raw, err := persistence.EncodeSnapshot(snap)
	require.NoError(t, err)
	return string(raw)
}

func TestImport_Statements(t *testing.T) {
	provider := utils.NewFakeProvider(utils.LoadedInfo(false))
	provider.OnQuery(func(sql string) (*models.RelationData, error) {
		switch {
		case strings.HasPrefix(sql, "SELECT table_name"):
			return utils.Relation([]string{"table_name"}, []any{"_dash_cache-a"}, []any{"_dash_state"}), nil
		case strings.HasPrefix(sql, "SELECT value"):
			return utils.Relation([]string{"value"}, []any{encodedState(t, "live", "new")}), nil
		default:
			return utils.Relation(nil), nil
		}
	})

	s := store.New(nil, nil, zerolog.Nop(), nil)
	live := models.NewStoreSnapshot()
	live.Relations["live"] = &models.RelationViewState{ID: "live", Name: "mine"}
	s.Rehydrate(live)

	imp := New(provider, s, "", zerolog.Nop(), nil)
	report, err := imp.ImportFromAttachedDatabase(context.Background(), "other")
	require.NoError(t, err)

	assert.True(t, report.StateFound)
	assert.Equal(t, []string{"new"}, report.MergedRelations)
	assert.Equal(t, []string{"_dash_cache-a"}, report.CopiedCaches)

	rel, ok := s.GetRelation("live")
	require.True(t, ok)
	assert.Equal(t, "mine", rel.Name, "live state wins")

	stmts := provider.Statements()
	require.Len(t, stmts, 3)
	assert.Equal(t, `SELECT table_name FROM information_schema.tables WHERE table_catalog = 'other' AND table_schema = 'main' AND (table_name = '_dash_state' OR starts_with(table_name, '_dash_cache-')) ORDER BY table_name`, stmts[0])
	assert.Equal(t, `SELECT value FROM "other"."main"."_dash_state" WHERE id = 'duckdash-state'`, stmts[1])
	assert.Equal(t, `CREATE TABLE IF NOT EXISTS "memory"."main"."_dash_cache-a" AS (FROM "other"."main"."_dash_cache-a")`, stmts[2])
}

func TestImport_CustomCachePrefix(t *testing.T) {
	provider := utils.NewFakeProvider(utils.LoadedInfo(false))
	provider.OnQuery(func(sql string) (*models.RelationData, error) {
		if strings.HasPrefix(sql, "SELECT table_name") {
			return utils.Relation([]string{"table_name"}, []any{"ws_cache-a"}), nil
		}
		return utils.Relation(nil), nil
	})

	imp := New(provider, store.New(nil, nil, zerolog.Nop(), nil), "", zerolog.Nop(), nil).WithCachePrefix("ws_cache-")
	report, err := imp.ImportFromAttachedDatabase(context.Background(), "other")
	require.NoError(t, err)
	assert.Equal(t, []string{"ws_cache-a"}, report.CopiedCaches)

	stmts := provider.Statements()
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "starts_with(table_name, 'ws_cache-')")
	assert.Equal(t, `CREATE TABLE IF NOT EXISTS "memory"."main"."ws_cache-a" AS (FROM "other"."main"."ws_cache-a")`, stmts[1])
}

func TestImport_ReadonlyCopiesIntoTempTables(t *testing.T) {
	provider := utils.NewFakeProvider(utils.LoadedInfo(true))
	provider.OnQuery(func(sql string) (*models.RelationData, error) {
		if strings.HasPrefix(sql, "SELECT table_name") {
			return utils.Relation([]string{"table_name"}, []any{"_dash_cache-a"}), nil
		}
		return utils.Relation(nil), nil
	})

	imp := New(provider, store.New(nil, nil, zerolog.Nop(), nil), "", zerolog.Nop(), nil)
	report, err := imp.ImportFromAttachedDatabase(context.Background(), "other")
	require.NoError(t, err)
	assert.False(t, report.StateFound)
	assert.Equal(t, 1, provider.CountPrefix(`CREATE TEMP TABLE IF NOT EXISTS "_dash_cache-a" AS (FROM "other"."main"."_dash_cache-a")`))
}

func TestImport_AbortsOnFirstError(t *testing.T) {
	provider := utils.NewFakeProvider(utils.LoadedInfo(false))
	provider.OnQuery(func(sql string) (*models.RelationData, error) {
		switch {
		case strings.HasPrefix(sql, "SELECT table_name"):
			return utils.Relation([]string{"table_name"}, []any{"_dash_cache-a"}, []any{"_dash_cache-b"}, []any{"_dash_cache-c"}), nil
		case strings.Contains(sql, "_dash_cache-b"):
			return nil, fmt.Errorf("IO Error: no space left")
		default:
			return utils.Relation(nil), nil
		}
	})

	imp := New(provider, store.New(nil, nil, zerolog.Nop(), nil), "", zerolog.Nop(), nil)
	report, err := imp.ImportFromAttachedDatabase(context.Background(), "other")
	require.Error(t, err)
	assert.Equal(t, errors.CodeImportFailed, errors.GetCode(err))
	assert.Equal(t, []string{"_dash_cache-a"}, report.CopiedCaches)
	assert.Zero(t, provider.CountPrefix(`CREATE TABLE IF NOT EXISTS "memory"."main"."_dash_cache-c"`))
}

func TestImport_Preconditions(t *testing.T) {
	provider := utils.NewFakeProvider(models.StateStorageInfo{})
	imp := New(provider, store.New(nil, nil, zerolog.Nop(), nil), "", zerolog.Nop(), nil)

	_, err := imp.ImportFromAttachedDatabase(context.Background(), "other")
	assert.True(t, errors.IsStorageNotReady(err))

	provider.SetStorageInfo(utils.LoadedInfo(false))
	_, err = imp.ImportFromAttachedDatabase(context.Background(), "memory")
	assert.Equal(t, errors.CodeInvalidRequest, errors.GetCode(err))

	_, err = imp.Attach(context.Background(), "", "")
	assert.Equal(t, errors.CodeInvalidRequest, errors.GetCode(err))
	assert.Empty(t, provider.Statements())
}

func TestImport_DuckDB(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "source.duckdb")

	// Prepare a database holding a saved store and one cache table.
	source, err := connection.Open(ctx, connection.Config{Session: pool.Config{DSN: path}}, zerolog.Nop(), nil)
	require.NoError(t, err)
	require.NoError(t, persistence.NewDatabaseStorage(source).SetItem(ctx, persistence.DefaultStateKey, encodedState(t, "shared")))
	_, err = cache.New(source, nil, zerolog.Nop(), nil).UpdateCache(ctx, "shared", "SELECT 42 AS answer")
	require.NoError(t, err)
	require.NoError(t, source.Close())

	local, err := connection.Open(ctx, connection.Config{Session: pool.Config{DSN: ":memory:"}}, zerolog.Nop(), nil)
	require.NoError(t, err)
	defer local.Close()

	s := store.New(nil, nil, zerolog.Nop(), nil)
	imp := New(local, s, "", zerolog.Nop(), nil)

	alias, err := imp.Attach(ctx, path, "")
	require.NoError(t, err)
	assert.Equal(t, "source", alias)

	report, err := imp.ImportFromAttachedDatabase(ctx, alias)
	require.NoError(t, err)
	assert.True(t, report.StateFound)
	assert.Equal(t, []string{"shared"}, report.MergedRelations)
	assert.Equal(t, []string{"_dash_cache-shared"}, report.CopiedCaches)

	data := cache.New(local, nil, zerolog.Nop(), nil).LoadCache(ctx, "shared")
	require.NotNil(t, data)
	assert.Equal(t, []string{"answer"}, data.ColumnNames())
	assert.Equal(t, int32(42), data.Rows[0][0])

	// A second import leaves existing local caches untouched.
	report, err = imp.ImportFromAttachedDatabase(ctx, alias)
	require.NoError(t, err)
	assert.Empty(t, report.MergedRelations)
}
