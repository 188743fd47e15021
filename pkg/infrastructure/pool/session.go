// Package pool manages the pinned DuckDB session used by the workbench.
//
// DuckDB temporary tables live in a single connection, so the session pins
// exactly one *sql.Conn for its whole lifetime.
package pool

import (
	"context"
	"database/sql"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/rs/zerolog"

	pkgerrors "github.com/TFMV/duckdash/pkg/errors"
	"github.com/TFMV/duckdash/pkg/infrastructure/metrics"
)

// Config represents session configuration.
type Config struct {
	DSN                    string        `json:"dsn"`
	ReadOnly               bool          `json:"read_only"`
	ConnectionTimeout      time.Duration `json:"connection_timeout"`
	EnableSlowQueryLogging bool          `json:"enable_slow_query_logging"`
	SlowQueryThreshold     time.Duration `json:"slow_query_threshold"`
}

// Session is a single pinned DuckDB connection.
type Session struct {
	db     *sql.DB
	conn   *sql.Conn
	config Config
	logger zerolog.Logger

	closed          atomic.Bool
	lastHealthCheck atomic.Int64
	healthStatus    atomic.Value

	queryLogger *QueryLogger
	metrics     metrics.Collector
}

// Open opens a DuckDB database and pins one connection to it.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger, m metrics.Collector) (*Session, error) {
	if cfg.DSN == "" {
		cfg.DSN = ":memory:"
	}
	dsn := cfg.DSN
	if cfg.ReadOnly {
		dsn = withAccessMode(dsn, "READ_ONLY")
	}

	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeConnectionUnavailable, "failed to open database")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	s, err := NewSession(ctx, db, cfg, logger, m)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSession pins a connection from an already opened database.
func NewSession(ctx context.Context, db *sql.DB, cfg Config, logger zerolog.Logger, m metrics.Collector) (*Session, error) {
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 30 * time.Second
	}
	if cfg.SlowQueryThreshold <= 0 {
		cfg.SlowQueryThreshold = time.Second
	}
	if m == nil {
		m = metrics.NewNoOpCollector()
	}
	logger = logger.With().Str("component", "duckdb_session").Logger()

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectionTimeout)
	defer cancel()

	conn, err := db.Conn(connectCtx)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeConnectionUnavailable, "failed to acquire connection")
	}
	if err := conn.PingContext(connectCtx); err != nil {
		conn.Close()
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeConnectionUnavailable, "failed to ping database")
	}

	s := &Session{
		db:          db,
		conn:        conn,
		config:      cfg,
		logger:      logger,
		queryLogger: NewQueryLogger(logger, cfg.SlowQueryThreshold, cfg.EnableSlowQueryLogging),
		metrics:     m,
	}
	s.updateHealthStatus("healthy", "")

	logger.Info().
		Str("dsn", MaskDSN(cfg.DSN)).
		Bool("read_only", cfg.ReadOnly).
		Msg("DuckDB session opened")

	return s, nil
}

// Query runs a statement on the pinned connection. Driver errors are
// returned unwrapped so callers can inspect their type.
func (s *Session) Query(ctx context.Context, query string) (*sql.Rows, error) {
	if s.closed.Load() {
		return nil, pkgerrors.ErrConnectionUnavailable
	}
	start := time.Now()
	rows, err := s.conn.QueryContext(ctx, query)
	s.observe(query, time.Since(start), err)
	return rows, err
}

// Exec runs a statement that returns no rows.
func (s *Session) Exec(ctx context.Context, query string) (sql.Result, error) {
	if s.closed.Load() {
		return nil, pkgerrors.ErrConnectionUnavailable
	}
	start := time.Now()
	res, err := s.conn.ExecContext(ctx, query)
	s.observe(query, time.Since(start), err)
	return res, err
}

func (s *Session) observe(query string, d time.Duration, err error) {
	s.queryLogger.LogQuery(query, d, err)
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordHistogram("statement_duration_seconds", d.Seconds(), "status", status)
}

// HealthCheck pings the connection and runs a trivial query.
func (s *Session) HealthCheck(ctx context.Context) error {
	if s.closed.Load() {
		return pkgerrors.ErrConnectionUnavailable
	}

	if err := s.conn.PingContext(ctx); err != nil {
		s.updateHealthStatus("unhealthy", err.Error())
		return pkgerrors.Wrap(err, pkgerrors.CodeConnectionUnavailable, "health check ping failed")
	}

	var result int
	err := s.conn.QueryRowContext(ctx, "SELECT 1").Scan(&result)
	if err != nil || result != 1 {
		s.updateHealthStatus("unhealthy", "query test failed")
		if err == nil {
			err = pkgerrors.Newf(pkgerrors.CodeInternal, "unexpected health check result %d", result)
		}
		return pkgerrors.Wrap(err, pkgerrors.CodeConnectionUnavailable, "health check query failed")
	}

	s.updateHealthStatus("healthy", "")
	return nil
}

// HealthStatus returns the outcome of the last health check.
func (s *Session) HealthStatus() (string, time.Time) {
	status := "unknown"
	if v := s.healthStatus.Load(); v != nil {
		status = v.(string)
	}
	return status, time.Unix(s.lastHealthCheck.Load(), 0)
}

// DSN returns the configured DSN with secrets masked.
func (s *Session) DSN() string {
	return MaskDSN(s.config.DSN)
}

// ReadOnly reports whether the session was opened read-only.
func (s *Session) ReadOnly() bool {
	return s.config.ReadOnly
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// Close releases the pinned connection and the database.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.logger.Info().Msg("Closing DuckDB session")

	if err := s.conn.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to close pinned connection")
	}
	if err := s.db.Close(); err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeInternal, "failed to close database")
	}
	return nil
}

func (s *Session) updateHealthStatus(status, detail string) {
	s.lastHealthCheck.Store(time.Now().Unix())
	s.healthStatus.Store(status)

	if status == "unhealthy" && detail != "" {
		s.logger.Warn().
			Str("status", status).
			Str("detail", detail).
			Msg("Session health status changed")
	}
}

// QueryLogger logs slow queries and query statistics.
type QueryLogger struct {
	logger    zerolog.Logger
	threshold time.Duration
	enabled   bool
}

// NewQueryLogger creates a new query logger.
func NewQueryLogger(logger zerolog.Logger, threshold time.Duration, enabled bool) *QueryLogger {
	return &QueryLogger{
		logger:    logger,
		threshold: threshold,
		enabled:   enabled,
	}
}

// LogQuery logs query execution details. Statements slower than the
// threshold are logged at warn level.
func (ql *QueryLogger) LogQuery(query string, duration time.Duration, err error) {
	if !ql.enabled {
		return
	}

	logEvent := ql.logger.Debug()
	if duration > ql.threshold {
		logEvent = ql.logger.Warn().Bool("slow_query", true)
	}

	logEvent.
		Dur("duration", duration).
		Str("query", TruncateQuery(query)).
		Bool("success", err == nil).
		Msg("Query executed")
}

// withAccessMode appends a DuckDB access_mode option to dsn.
func withAccessMode(dsn, mode string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "access_mode=" + mode
}

// MaskDSN hides passwords, tokens and secrets but keeps enough of the string
// to be recognisable in logs and connection history.
//
//   - ":memory:" or empty: returned verbatim
//   - URL-like DSNs: user password and sensitive query params redacted
//   - anything else: returned verbatim unless it carries '=' options, which
//     are redacted when sensitive
func MaskDSN(dsn string) string {
	if dsn == "" || dsn == ":memory:" {
		return dsn
	}

	path, rawQuery, hasQuery := strings.Cut(dsn, "?")
	u, err := url.Parse(dsn)
	if err == nil && (u.Scheme != "" && u.Host != "" || u.User != nil) {
		if ui := u.User; ui != nil {
			user := ui.Username()
			if _, hasPass := ui.Password(); hasPass {
				u.User = url.UserPassword(user, "*****")
			} else {
				u.User = url.User(user)
			}
		}
		u.RawQuery = maskQuery(u.RawQuery)
		return u.String()
	}

	if !hasQuery {
		return dsn
	}
	return path + "?" + maskQuery(rawQuery)
}

func maskQuery(raw string) string {
	if raw == "" {
		return raw
	}
	parts := strings.Split(raw, "&")
	for i, part := range parts {
		key, _, ok := strings.Cut(part, "=")
		if ok && isSensitiveKey(key) {
			parts[i] = key + "=*****"
		}
	}
	return strings.Join(parts, "&")
}

// isSensitiveKey reports whether a query key should have its value masked.
func isSensitiveKey(key string) bool {
	key = strings.ToLower(key)
	switch {
	case strings.Contains(key, "pass"),
		strings.Contains(key, "token"),
		strings.Contains(key, "secret"),
		strings.HasSuffix(key, "key"):
		return true
	default:
		return false
	}
}

// TruncateQuery truncates long queries for logging.
func TruncateQuery(query string) string {
	const maxLen = 100
	if len(query) <= maxLen {
		return query
	}
	return query[:maxLen] + "..."
}
