package handlers

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"

	"github.com/TFMV/duckdash/pkg/errors"
)

// StatusCode maps an error code to an HTTP status.
func StatusCode(err error) int {
	switch errors.GetCode(err) {
	case errors.CodeInvalidRequest, errors.CodeQueryParse:
		return http.StatusBadRequest
	case errors.CodeNotFound:
		return http.StatusNotFound
	case errors.CodeUnauthorized:
		return http.StatusUnauthorized
	case errors.CodeQueryFailed:
		return http.StatusUnprocessableEntity
	case errors.CodeStorageNotReady, errors.CodeConnectionUnavailable:
		return http.StatusServiceUnavailable
	case errors.CodeCanceled:
		return http.StatusRequestTimeout
	case errors.CodeImportFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// PersistenceErrorHeader carries the JSON error payload of a state save that
// failed after the request's mutation was applied.
const PersistenceErrorHeader = "X-Persistence-Error"

type errorResponse struct {
	Error *errors.Payload `json:"error"`
}

// WriteError writes err as a JSON error body.
func WriteError(w http.ResponseWriter, err error) {
	writeJSON(w, StatusCode(err), errorResponse{Error: errors.ToPayload(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil && !stderrors.Is(err, io.EOF) {
		return errors.Wrap(err, errors.CodeInvalidRequest, "invalid JSON body")
	}
	return nil
}

// reportSaveError logs a failed state save and flags it on the response.
// Errors of other kinds are left to the caller. It must run before the
// status is written.
func (h *Handlers) reportSaveError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	if err == nil || !errors.HasCode(err, errors.CodePersistenceFailed) {
		return
	}
	h.requestLogger(r).Warn().Err(err).Msg(msg)
	h.metrics.IncrementCounter("http_persistence_errors_total")
	if raw, merr := json.Marshal(errors.ToPayload(err)); merr == nil {
		w.Header().Set(PersistenceErrorHeader, string(raw))
	}
}
