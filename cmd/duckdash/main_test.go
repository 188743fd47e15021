package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/TFMV/duckdash/cmd/duckdash/config"
	"github.com/TFMV/duckdash/pkg/infrastructure"
	"github.com/TFMV/duckdash/pkg/infrastructure/memory"
	"github.com/TFMV/duckdash/pkg/infrastructure/metrics"
	"github.com/TFMV/duckdash/pkg/models"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Storage.Backend = "memory"
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestSetupLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogging("warn", "json", &buf)
	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"service":"duckdash"`)

	buf.Reset()
	consoleLogger := setupLogging("bogus", "console", &buf)
	consoleLogger.Info().Msg("console line")
	assert.Contains(t, buf.String(), "console line")
	assert.False(t, strings.HasPrefix(buf.String(), "{"))
}

func TestConnectionConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database = "md:analytics"
	cfg.ReadOnly = true
	cfg.MotherDuckToken = "tok"
	cfg.Storage.Schema = "dash"

	cc := connectionConfig(cfg)
	assert.Equal(t, "md:analytics", cc.Session.DSN)
	assert.True(t, cc.Session.ReadOnly)
	assert.Equal(t, "tok", cc.MotherDuckToken)
	assert.Equal(t, "dash", cc.Destination.SchemaName)
	assert.Equal(t, "_dash_state", cc.Destination.TableName)
}

func TestOpenWorkbenchAndHealth(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	_, hs := newHealthServer()

	cfg.Database = ""
	idle, err := openWorkbench(ctx, cfg, zerolog.Nop(), nil)
	require.NoError(t, err)
	defer idle.Close(ctx)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, updateHealth(ctx, idle, hs))

	cfg.Database = ":memory:"
	wb, err := openWorkbench(ctx, cfg, zerolog.Nop(), nil)
	require.NoError(t, err)
	defer wb.Close(ctx)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, updateHealth(ctx, wb, hs))

	resp, err := hs.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: healthService})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, resp.Status)
}

func TestListen_HealthAddressInUse(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	free, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	httpAddr := free.Addr().String()
	require.NoError(t, free.Close())

	cfg := testConfig(t)
	cfg.Address = httpAddr
	cfg.Health.Enabled = true
	cfg.Health.Address = busy.Addr().String()

	_, _, err = listen(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "health listener")

	again, err := net.Listen("tcp", httpAddr)
	require.NoError(t, err, "http address is released when the health bind fails")
	require.NoError(t, again.Close())

	cfg.Health.Enabled = false
	httpListener, healthListener, err := listen(cfg)
	require.NoError(t, err)
	assert.Nil(t, healthListener)
	require.NoError(t, httpListener.Close())
}

func TestNewRouter(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Auth = config.AuthConfig{
		Enabled:    true,
		Type:       "bearer",
		BearerAuth: config.BearerAuthConfig{Tokens: map[string]string{"secret-token": "ana"}},
	}

	wb, err := openWorkbench(ctx, cfg, zerolog.Nop(), nil)
	require.NoError(t, err)
	defer wb.Close(ctx)

	prom := metrics.NewPrometheusCollector()
	router := newRouter(cfg, wb, memory.NewMeteredAllocator(nil, prom), zerolog.Nop(), prom, prom)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/relations", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/connection", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"connected"`)

	// Metrics are served without credentials.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "duckdash_http_requests_total")
}

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute())
	return out.String()
}

func TestCommands(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "warehouse.duckdb")
	common := []string{"--storage-backend", "memory", "--database", dbPath}

	assert.Contains(t, execute(t, "version"), "Version:")

	param := strings.TrimSpace(execute(t, "encode-attach", dbPath))
	decoded, err := infrastructure.DecodeAttachParam(param)
	require.NoError(t, err)
	assert.Equal(t, dbPath, decoded)

	out := execute(t, append([]string{"query"}, append(common, "CREATE TABLE t AS SELECT 7 AS v; SELECT v FROM t")...)...)
	var data models.RelationData
	require.NoError(t, json.Unmarshal([]byte(out), &data))
	require.Equal(t, 1, data.NumRows())
	assert.EqualValues(t, 7, data.Rows[0][0])

	arrowPath := filepath.Join(dir, "t.arrow")
	out = execute(t, append([]string{"query", "--arrow", arrowPath}, append(common, "SELECT v FROM t")...)...)
	assert.Contains(t, out, "wrote 1 rows")
	info, err := os.Stat(arrowPath)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	snapshot := models.NewStoreSnapshot()
	snapshot.Relations["r1"] = &models.RelationViewState{
		ID:     "r1",
		Name:   "seven",
		Source: models.RelationSource{Kind: models.SourceQuery, Query: "SELECT 7"},
		Query:  models.QueryState{BaseQuery: "SELECT 7"},
	}
	statePath := filepath.Join(dir, "state.json")
	raw, err := json.Marshal(snapshot)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(statePath, raw, 0o600))

	out = execute(t, append([]string{"state", "import", statePath}, common...)...)
	assert.Contains(t, out, "merged 1 new relations")

	out = execute(t, append([]string{"state", "export"}, common...)...)
	exported := models.NewStoreSnapshot()
	require.NoError(t, json.Unmarshal([]byte(out), exported))
	assert.Contains(t, exported.Relations, "r1")

	out = execute(t, append([]string{"cache", "drop", "r1"}, common...)...)
	assert.Contains(t, out, "dropped r1")
}
