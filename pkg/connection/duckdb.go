package connection

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/TFMV/duckdash/pkg/errors"
	"github.com/TFMV/duckdash/pkg/infrastructure"
	"github.com/TFMV/duckdash/pkg/infrastructure/converter"
	"github.com/TFMV/duckdash/pkg/infrastructure/metrics"
	"github.com/TFMV/duckdash/pkg/infrastructure/pool"
	"github.com/TFMV/duckdash/pkg/models"
	"github.com/TFMV/duckdash/pkg/queue"
)

// Default state table location.
const (
	DefaultStateTable  = "_dash_state"
	DefaultStateSchema = "main"
)

// Config configures a DuckDB connection.
type Config struct {
	ID              string
	Session         pool.Config
	Destination     models.StorageDestination
	MotherDuckToken string
}

// DuckDB is a Connection backed by a single pinned DuckDB session. Every
// statement goes through a serial execution queue.
type DuckDB struct {
	id      string
	session *pool.Session
	queue   *queue.Queue[task, *models.RelationData]
	logger  zerolog.Logger
	metrics metrics.Collector
	closed  atomic.Bool

	mu     sync.RWMutex
	info   models.StateStorageInfo
	status models.ConnectionStatus
}

// Open opens a DuckDB database and resolves its storage info.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger, m metrics.Collector) (*DuckDB, error) {
	cfg.Session.DSN = infrastructure.InjectMotherDuckToken(cfg.Session.DSN, cfg.MotherDuckToken)

	session, err := pool.Open(ctx, cfg.Session, logger, m)
	if err != nil {
		return nil, err
	}
	return New(ctx, session, cfg, logger, m), nil
}

// New wraps an open session. Storage info resolution failures are logged and
// leave the info uninitialized; the connection still executes queries.
func New(ctx context.Context, session *pool.Session, cfg Config, logger zerolog.Logger, m metrics.Collector) *DuckDB {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if m == nil {
		m = metrics.NewNoOpCollector()
	}
	if cfg.Destination.TableName == "" {
		cfg.Destination.TableName = DefaultStateTable
	}
	if cfg.Destination.SchemaName == "" {
		cfg.Destination.SchemaName = DefaultStateSchema
	}

	c := &DuckDB{
		id:      cfg.ID,
		session: session,
		logger:  logger.With().Str("component", "duckdb_connection").Str("connection_id", cfg.ID).Logger(),
		metrics: m,
		info: models.StateStorageInfo{
			State:       models.StorageUninitialized,
			Destination: cfg.Destination,
		},
		status: models.ConnectionStatus{State: models.ConnectionConnected, CheckedAt: time.Now()},
	}
	c.queue = queue.New("duckdb", c.runStatement, logger, m)

	info, err := c.resolveStorage(ctx, cfg.Destination)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Could not resolve state storage; database-backed persistence disabled")
	} else {
		c.mu.Lock()
		c.info = info
		c.mu.Unlock()
		c.logger.Info().
			Str("database", info.Destination.DatabaseName).
			Str("table_status", string(info.TableStatus)).
			Bool("readonly", info.DatabaseReadonly).
			Msg("State storage resolved")
	}
	return c
}

// ID returns the connection id.
func (c *DuckDB) ID() string {
	return c.id
}

// DSN returns the masked DSN of the underlying session.
func (c *DuckDB) DSN() string {
	return c.session.DSN()
}

// StorageInfo returns the resolved storage info.
func (c *DuckDB) StorageInfo() models.StateStorageInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info
}

// ExecuteQuery splits sql into statements, queues all but the last without
// waiting and returns the result of the last one. Failures of the earlier
// statements are logged.
func (c *DuckDB) ExecuteQuery(ctx context.Context, sql string) (*models.RelationData, error) {
	if c.closed.Load() {
		return nil, errors.ErrConnectionUnavailable
	}

	stmts := queue.SplitStatements(sql)
	if len(stmts) == 0 {
		return nil, errors.New(errors.CodeInvalidRequest, "query contains no statements")
	}

	c.metrics.IncrementCounter("queries_total", "statements", fmt.Sprint(min(len(stmts), 2)))

	detached := context.WithoutCancel(ctx)
	for i, stmt := range stmts[:len(stmts)-1] {
		done := c.queue.Enqueue(detached, task{sql: stmt})
		go func(i int, stmt string) {
			if res := <-done; res.Err != nil {
				c.logger.Error().
					Err(res.Err).
					Int("statement", i).
					Str("query", pool.TruncateQuery(stmt)).
					Msg("Script statement failed")
			}
		}(i, stmt)
	}

	data, err := c.queue.Add(ctx, task{sql: stmts[len(stmts)-1]})
	if err != nil {
		return nil, ClassifyError(err)
	}
	return data, nil
}

// CheckConnectionState runs a health check through the queue.
func (c *DuckDB) CheckConnectionState(ctx context.Context) models.ConnectionStatus {
	status := models.ConnectionStatus{State: models.ConnectionConnected, CheckedAt: time.Now()}

	if c.closed.Load() {
		status.State = models.ConnectionDisconnected
	} else if _, err := c.queue.Add(ctx, task{healthCheck: true}); err != nil {
		status.State = models.ConnectionError
		status.Message = errors.GetMessage(err)
		if errors.IsConnectionUnavailable(err) {
			status.State = models.ConnectionDisconnected
		}
	}

	c.mu.Lock()
	c.status = status
	c.mu.Unlock()
	return status
}

// Close rejects queued statements, waits for the in-flight one and closes
// the session.
func (c *DuckDB) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.queue.CancelAll(errors.ErrConnectionUnavailable)
	c.queue.WaitIdle()

	c.mu.Lock()
	c.status = models.ConnectionStatus{State: models.ConnectionDisconnected, CheckedAt: time.Now()}
	c.mu.Unlock()

	return c.session.Close()
}

// task is one unit of work for the session.
type task struct {
	sql         string
	healthCheck bool
}

// runStatement is the queue worker. It is the only code that touches the
// session.
func (c *DuckDB) runStatement(ctx context.Context, t task) (*models.RelationData, error) {
	if t.healthCheck {
		return nil, c.session.HealthCheck(ctx)
	}

	rows, err := c.session.Query(ctx, t.sql)
	if err != nil {
		return nil, ClassifyError(err)
	}
	data, err := converter.ReadRelation(rows)
	if err != nil {
		return nil, ClassifyError(err)
	}
	return data, nil
}

// resolveStorage determines the state destination, whether the database is
// read-only and whether the state table exists, creating it when writable.
func (c *DuckDB) resolveStorage(ctx context.Context, dest models.StorageDestination) (models.StateStorageInfo, error) {
	info := models.StateStorageInfo{State: models.StorageUninitialized, Destination: dest}

	if dest.DatabaseName == "" {
		name, err := c.scalar(ctx, "SELECT current_database()")
		if err != nil {
			return info, err
		}
		dest.DatabaseName = fmt.Sprint(name)
		info.Destination = dest
	}

	readonly, err := c.scalar(ctx, fmt.Sprintf(
		"SELECT readonly FROM duckdb_databases() WHERE database_name = %s",
		infrastructure.QuoteLiteral(dest.DatabaseName)))
	if err != nil {
		if errors.IsNotFound(err) {
			info.State = models.StorageLoaded
			info.DatabaseStatus = models.DatabaseMissing
			info.TableStatus = models.TableMissing
			return info, nil
		}
		return info, err
	}
	info.DatabaseStatus = models.DatabaseFound
	info.DatabaseReadonly = asBool(readonly) || c.session.ReadOnly()

	count, err := c.scalar(ctx, fmt.Sprintf(
		"SELECT count(*) FROM information_schema.tables WHERE table_catalog = %s AND table_schema = %s AND table_name = %s",
		infrastructure.QuoteLiteral(dest.DatabaseName),
		infrastructure.QuoteLiteral(dest.SchemaName),
		infrastructure.QuoteLiteral(dest.TableName)))
	if err != nil {
		return info, err
	}

	switch {
	case asInt64(count) > 0:
		info.TableStatus = models.TableFound
	case info.DatabaseReadonly:
		info.TableStatus = models.TableMissing
	default:
		if _, err := c.queue.Add(ctx, task{sql: fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s",
			infrastructure.QualifiedName(dest.DatabaseName, dest.SchemaName))}); err != nil {
			return info, err
		}
		if _, err := c.queue.Add(ctx, task{sql: fmt.Sprintf(
			"CREATE TABLE IF NOT EXISTS %s (id VARCHAR PRIMARY KEY, value VARCHAR, version INTEGER)",
			infrastructure.QualifiedName(dest.DatabaseName, dest.SchemaName, dest.TableName))}); err != nil {
			return info, err
		}
		info.TableStatus = models.TableCreated
	}

	info.State = models.StorageLoaded
	return info, nil
}

// scalar runs stmt through the queue and returns the first value of the
// first row, or a not-found error when there are no rows.
func (c *DuckDB) scalar(ctx context.Context, stmt string) (any, error) {
	data, err := c.queue.Add(ctx, task{sql: stmt})
	if err != nil {
		return nil, err
	}
	if data.NumRows() == 0 || len(data.Rows[0]) == 0 {
		return nil, errors.Newf(errors.CodeNotFound, "no rows for %s", pool.TruncateQuery(stmt))
	}
	return data.Rows[0][0], nil
}

func asBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return b == "true"
	default:
		return false
	}
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case uint64:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
