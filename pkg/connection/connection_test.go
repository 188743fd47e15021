package connection

import (
	"context"
	"database/sql/driver"
	"fmt"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/marcboeker/go-duckdb/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/duckdash/pkg/errors"
	"github.com/TFMV/duckdash/pkg/infrastructure/pool"
	"github.com/TFMV/duckdash/pkg/models"
	"github.com/TFMV/duckdash/test/utils"
)

func newMockSession(t *testing.T) (*pool.Session, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	session, err := pool.NewSession(context.Background(), db, pool.Config{DSN: "mock.duckdb"}, zerolog.Nop(), nil)
	require.NoError(t, err)
	return session, mock
}

func q(s string) string {
	return regexp.QuoteMeta(s)
}

func TestNew_CreatesStateTable(t *testing.T) {
	session, mock := newMockSession(t)

	mock.ExpectQuery(q("SELECT current_database()")).
		WillReturnRows(sqlmock.NewRows([]string{"current_database()"}).AddRow("memory"))
	mock.ExpectQuery(q("SELECT readonly FROM duckdb_databases() WHERE database_name = 'memory'")).
		WillReturnRows(sqlmock.NewRows([]string{"readonly"}).AddRow(false))
	mock.ExpectQuery(q("SELECT count(*) FROM information_schema.tables WHERE table_catalog = 'memory' AND table_schema = 'main' AND table_name = '_dash_state'")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(0)))
	mock.ExpectQuery(q(`CREATE SCHEMA IF NOT EXISTS "memory"."main"`)).
		WillReturnRows(sqlmock.NewRows([]string{"Count"}))
	mock.ExpectQuery(q(`CREATE TABLE IF NOT EXISTS "memory"."main"."_dash_state" (id VARCHAR PRIMARY KEY, value VARCHAR, version INTEGER)`)).
		WillReturnRows(sqlmock.NewRows([]string{"Count"}))

	conn := New(context.Background(), session, Config{ID: "c1"}, zerolog.Nop(), nil)

	info := conn.StorageInfo()
	assert.Equal(t, models.StorageLoaded, info.State)
	assert.Equal(t, models.TableCreated, info.TableStatus)
	assert.Equal(t, models.DatabaseFound, info.DatabaseStatus)
	assert.False(t, info.DatabaseReadonly)
	assert.Equal(t, models.StorageDestination{TableName: "_dash_state", SchemaName: "main", DatabaseName: "memory"}, info.Destination)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNew_ReadonlyDatabase(t *testing.T) {
	tests := []struct {
		name       string
		tableCount int64
		want       models.TableStatus
	}{
		{name: "table present", tableCount: 1, want: models.TableFound},
		{name: "table absent", tableCount: 0, want: models.TableMissing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session, mock := newMockSession(t)
			mock.ExpectQuery(q("SELECT readonly FROM duckdb_databases()")).
				WillReturnRows(sqlmock.NewRows([]string{"readonly"}).AddRow(true))
			mock.ExpectQuery(q("SELECT count(*) FROM information_schema.tables")).
				WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(tt.tableCount))

			conn := New(context.Background(), session, Config{
				Destination: models.StorageDestination{DatabaseName: "shared"},
			}, zerolog.Nop(), nil)

			info := conn.StorageInfo()
			assert.Equal(t, models.StorageLoaded, info.State)
			assert.True(t, info.DatabaseReadonly)
			assert.Equal(t, tt.want, info.TableStatus)
			assert.NoError(t, mock.ExpectationsWereMet(), "no DDL on a readonly database")
		})
	}
}

func TestNew_MissingDatabase(t *testing.T) {
	session, mock := newMockSession(t)
	mock.ExpectQuery(q("SELECT readonly FROM duckdb_databases()")).
		WillReturnRows(sqlmock.NewRows([]string{"readonly"}))

	conn := New(context.Background(), session, Config{
		Destination: models.StorageDestination{DatabaseName: "gone"},
	}, zerolog.Nop(), nil)

	info := conn.StorageInfo()
	assert.Equal(t, models.DatabaseMissing, info.DatabaseStatus)
	assert.Equal(t, models.TableMissing, info.TableStatus)
	assert.False(t, info.Writable())
}

func TestNew_StorageResolutionFailureLeavesUninitialized(t *testing.T) {
	session, mock := newMockSession(t)
	mock.ExpectQuery(q("SELECT current_database()")).WillReturnError(fmt.Errorf("boom"))

	conn := New(context.Background(), session, Config{}, zerolog.Nop(), nil)
	assert.Equal(t, models.StorageUninitialized, conn.StorageInfo().State)
}

func TestExecuteQuery_ScriptReturnsLastResult(t *testing.T) {
	session, mock := newMockSession(t)
	mock.ExpectQuery(q("SELECT readonly FROM duckdb_databases()")).
		WillReturnRows(sqlmock.NewRows([]string{"readonly"}).AddRow(false))
	mock.ExpectQuery(q("SELECT count(*) FROM information_schema.tables")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(1)))
	conn := New(context.Background(), session, Config{
		Destination: models.StorageDestination{DatabaseName: "memory"},
	}, zerolog.Nop(), nil)

	mock.ExpectQuery(q("CREATE TABLE t (x INT)")).WillReturnRows(sqlmock.NewRows([]string{"Count"}))
	mock.ExpectQuery(q("INSERT INTO t VALUES (1)")).WillReturnError(fmt.Errorf("constraint violated"))
	mock.ExpectQuery(q("SELECT x FROM t")).WillReturnRows(sqlmock.NewRows([]string{"x"}).AddRow(int32(7)))

	data, err := conn.ExecuteQuery(context.Background(), "CREATE TABLE t (x INT); INSERT INTO t VALUES (1); SELECT x FROM t;")
	require.NoError(t, err, "a failing earlier statement is logged, not returned")
	require.Equal(t, 1, data.NumRows())
	assert.Equal(t, int32(7), data.Rows[0][0])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteQuery_EmptyScript(t *testing.T) {
	session, mock := newMockSession(t)
	mock.ExpectQuery(q("SELECT readonly")).WillReturnRows(sqlmock.NewRows([]string{"readonly"}).AddRow(false))
	mock.ExpectQuery(q("SELECT count(*)")).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(1)))
	conn := New(context.Background(), session, Config{
		Destination: models.StorageDestination{DatabaseName: "memory"},
	}, zerolog.Nop(), nil)

	_, err := conn.ExecuteQuery(context.Background(), " -- nothing here ")
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidRequest, errors.GetCode(err))
}

func TestClose_RejectsLaterQueries(t *testing.T) {
	session, mock := newMockSession(t)
	mock.ExpectQuery(q("SELECT readonly")).WillReturnRows(sqlmock.NewRows([]string{"readonly"}).AddRow(false))
	mock.ExpectQuery(q("SELECT count(*)")).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(1)))
	mock.ExpectClose()
	conn := New(context.Background(), session, Config{
		Destination: models.StorageDestination{DatabaseName: "memory"},
	}, zerolog.Nop(), nil)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	_, err := conn.ExecuteQuery(context.Background(), "SELECT 1")
	assert.True(t, errors.IsConnectionUnavailable(err))
	assert.Equal(t, models.ConnectionDisconnected, conn.CheckConnectionState(context.Background()).State)
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"parser", &duckdb.Error{Type: duckdb.ErrorTypeParser, Msg: "Parser Error: syntax error at or near \"CREATE\""}, errors.CodeQueryParse},
		{"syntax", &duckdb.Error{Type: duckdb.ErrorTypeSyntax, Msg: "Syntax Error"}, errors.CodeQueryParse},
		{"catalog", &duckdb.Error{Type: duckdb.ErrorTypeCatalog, Msg: "Catalog Error: Table t does not exist"}, errors.CodeQueryFailed},
		{"binder", &duckdb.Error{Type: duckdb.ErrorTypeBinder, Msg: "Binder Error"}, errors.CodeQueryFailed},
		{"connection", &duckdb.Error{Type: duckdb.ErrorTypeConnection, Msg: "Connection Error"}, errors.CodeConnectionUnavailable},
		{"interrupt", &duckdb.Error{Type: duckdb.ErrorTypeInterrupt, Msg: "Interrupted"}, errors.CodeConnectionUnavailable},
		{"bad conn", driver.ErrBadConn, errors.CodeConnectionUnavailable},
		{"canceled", context.Canceled, errors.CodeCanceled},
		{"plain", fmt.Errorf("something"), errors.CodeQueryFailed},
		{"already classified", errors.ErrStorageNotReady, errors.CodeStorageNotReady},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyError(tt.err)
			assert.Equal(t, tt.want, errors.GetCode(got))
			assert.ErrorIs(t, got, tt.err)
		})
	}
	assert.Nil(t, ClassifyError(nil))
}

func TestManager(t *testing.T) {
	m := NewManager(zerolog.Nop())

	_, err := m.ExecuteQuery(context.Background(), "SELECT 1")
	assert.True(t, errors.IsConnectionUnavailable(err))
	assert.Equal(t, models.StorageUninitialized, m.StorageInfo().State)
	assert.Equal(t, models.ConnectionDisconnected, m.CheckConnectionState(context.Background()).State)

	first := utils.NewFakeProvider(utils.LoadedInfo(false))
	require.NoError(t, m.Set(first))
	_, err = m.ExecuteQuery(context.Background(), "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, []string{"SELECT 1"}, first.Statements())
	assert.True(t, m.StorageInfo().Loaded())

	second := utils.NewFakeProvider(utils.LoadedInfo(true))
	require.NoError(t, m.Set(second))
	assert.True(t, first.Closed(), "previous connection is closed on swap")
	assert.True(t, m.StorageInfo().DatabaseReadonly)

	require.NoError(t, m.Close())
	assert.True(t, second.Closed())
	_, ok := m.Current()
	assert.False(t, ok)
}
