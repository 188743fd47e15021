// Package errors provides standardized error types for the workbench core.
package errors

import (
	"errors"
	"fmt"
)

// Error codes shared by the cache, store, persistence and API layers.
const (
	CodeInvalidRequest        = "INVALID_REQUEST"
	CodeNotFound              = "NOT_FOUND"
	CodeStorageNotReady       = "STORAGE_NOT_READY"
	CodeQueryParse            = "QUERY_PARSE"
	CodeQueryFailed           = "QUERY_FAILED"
	CodeConnectionUnavailable = "CONNECTION_UNAVAILABLE"
	CodeCanceled              = "CANCELED"
	CodeImportFailed          = "IMPORT_FAILED"
	CodePersistenceFailed     = "PERSISTENCE_FAILED"
	CodeUnauthorized          = "UNAUTHORIZED"
	CodeInternal              = "INTERNAL_ERROR"
)

// Error represents a workbench error with code, message, and optional details.
type Error struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is implements error comparison by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetail returns a copy of the error carrying an extra detail.
// Sentinels are shared, so they are never mutated in place.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	cp := *e
	cp.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// Common errors
var (
	ErrStorageNotReady       = &Error{Code: CodeStorageNotReady, Message: "database storage is not ready"}
	ErrConnectionUnavailable = &Error{Code: CodeConnectionUnavailable, Message: "no database connection available"}
	ErrRelationNotFound      = &Error{Code: CodeNotFound, Message: "relation not found"}
	ErrInvalidCacheKey       = &Error{Code: CodeInvalidRequest, Message: "invalid cache key"}
	ErrUnauthorized          = &Error{Code: CodeUnauthorized, Message: "unauthorized"}
)

// New creates a new Error with the given code and message.
func New(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new Error with a formatted message.
func Newf(code, format string, args ...interface{}) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an error with an Error. A nil err yields a nil error.
func Wrap(err error, code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, code, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
	}
}

// HasCode reports whether any Error in err's chain carries code.
func HasCode(err error, code string) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Cause
	}
	return false
}

// IsNotFound checks if an error is a not found error.
func IsNotFound(err error) bool {
	return HasCode(err, CodeNotFound)
}

// IsStorageNotReady checks if an error reports that database storage is not loaded.
func IsStorageNotReady(err error) bool {
	return HasCode(err, CodeStorageNotReady)
}

// IsQueryParse checks if an error is a query-parse class error.
func IsQueryParse(err error) bool {
	return HasCode(err, CodeQueryParse)
}

// IsConnectionUnavailable checks if an error reports a lost or missing connection.
func IsConnectionUnavailable(err error) bool {
	return HasCode(err, CodeConnectionUnavailable)
}

// IsCanceled checks if an error reports canceled queued work.
func IsCanceled(err error) bool {
	return HasCode(err, CodeCanceled)
}

// GetCode extracts the outermost error code from an error.
func GetCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// GetMessage extracts the error message from an error.
func GetMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

// Payload is the normalized error shape stored in execution state and
// rendered verbatim by clients.
type Payload struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Cause   string                 `json:"cause,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ToPayload normalizes any error into a Payload.
func ToPayload(err error) *Payload {
	if err == nil {
		return nil
	}
	var e *Error
	if !errors.As(err, &e) {
		return &Payload{Code: CodeInternal, Message: err.Error()}
	}
	p := &Payload{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
	if root := rootCause(err); root != error(e) {
		p.Cause = root.Error()
	}
	return p
}

// rootCause returns the innermost error in the chain, which is usually the
// engine message.
func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}
