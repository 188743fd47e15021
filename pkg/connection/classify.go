package connection

import (
	"context"
	"database/sql"
	"database/sql/driver"
	stderrors "errors"

	"github.com/marcboeker/go-duckdb/v2"

	"github.com/TFMV/duckdash/pkg/errors"
)

// ClassifyError maps a driver error onto a workbench error code using the
// structured DuckDB error type. Errors that already carry a code pass
// through unchanged.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}

	var classified *errors.Error
	if stderrors.As(err, &classified) {
		return err
	}

	var dErr *duckdb.Error
	if stderrors.As(err, &dErr) {
		switch dErr.Type {
		case duckdb.ErrorTypeParser, duckdb.ErrorTypeSyntax:
			return errors.Wrap(err, errors.CodeQueryParse, "failed to parse query")
		case duckdb.ErrorTypeConnection, duckdb.ErrorTypeInterrupt:
			return errors.Wrap(err, errors.CodeConnectionUnavailable, "database connection unavailable")
		default:
			return errors.Wrap(err, errors.CodeQueryFailed, "query execution failed")
		}
	}

	switch {
	case stderrors.Is(err, sql.ErrConnDone), stderrors.Is(err, driver.ErrBadConn):
		return errors.Wrap(err, errors.CodeConnectionUnavailable, "database connection unavailable")
	case stderrors.Is(err, context.Canceled), stderrors.Is(err, context.DeadlineExceeded):
		return errors.Wrap(err, errors.CodeCanceled, "query canceled")
	default:
		return errors.Wrap(err, errors.CodeQueryFailed, "query execution failed")
	}
}
