package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/TFMV/duckdash/pkg/errors"
	"github.com/TFMV/duckdash/pkg/infrastructure/converter"
	"github.com/TFMV/duckdash/pkg/models"
	"github.com/TFMV/duckdash/pkg/store"
)

// ShowRelationRequest opens a relation.
type ShowRelationRequest struct {
	ConnectionID string                `json:"connection_id,omitempty"`
	Source       models.RelationSource `json:"source"`
	Path         []string              `json:"path,omitempty"`
}

// ListRelations returns every open relation.
func (h *Handlers) ListRelations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.wb.Store().Relations())
}

// ShowRelation opens or focuses a relation and returns its state.
func (h *Handlers) ShowRelation(w http.ResponseWriter, r *http.Request) {
	var req ShowRelationRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	switch req.Source.Kind {
	case models.SourceQuery:
		if req.Source.Query == "" {
			WriteError(w, errors.New(errors.CodeInvalidRequest, "query source needs a query"))
			return
		}
	case models.SourceTable, models.SourceView, models.SourceFile:
		if len(req.Path) == 0 && req.Source.Query == "" {
			WriteError(w, errors.New(errors.CodeInvalidRequest, "source needs a path"))
			return
		}
	default:
		WriteError(w, errors.Newf(errors.CodeInvalidRequest, "unknown source kind %q", req.Source.Kind))
		return
	}

	if req.ConnectionID == "" {
		if conn, ok := h.wb.Connections().Current(); ok {
			req.ConnectionID = conn.ID()
		}
	}

	_, existed := h.wb.Store().GetRelation(store.RelationID(req.ConnectionID, req.Source, req.Path))
	id, err := h.wb.Store().ShowRelation(r.Context(), req.ConnectionID, req.Source, req.Path)
	h.reportSaveError(w, r, err, "Relation opened but not saved")

	rel, ok := h.wb.Store().GetRelation(id)
	if !ok {
		WriteError(w, errors.ErrRelationNotFound)
		return
	}
	status := http.StatusCreated
	if existed {
		status = http.StatusOK
	}
	writeJSON(w, status, rel)
}

// GetRelation returns one relation.
func (h *Handlers) GetRelation(w http.ResponseWriter, r *http.Request) {
	rel, ok := h.wb.Store().GetRelation(chi.URLParam(r, "id"))
	if !ok {
		WriteError(w, errors.ErrRelationNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rel)
}

// CloseRelation removes a relation.
func (h *Handlers) CloseRelation(w http.ResponseWriter, r *http.Request) {
	err := h.wb.Store().CloseRelation(r.Context(), chi.URLParam(r, "id"))
	if err != nil && errors.IsNotFound(err) {
		WriteError(w, err)
		return
	}
	h.reportSaveError(w, r, err, "Relation closed but not saved")
	w.WriteHeader(http.StatusNoContent)
}

// RunRelation runs the relation with the posted params, or its current
// params when the body is empty. Query failures are reported through the
// relation's execution state.
func (h *Handlers) RunRelation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rel, ok := h.wb.Store().GetRelation(id)
	if !ok {
		WriteError(w, errors.ErrRelationNotFound)
		return
	}

	params := rel.Query.Params
	if err := decodeJSON(r, &params); err != nil {
		WriteError(w, err)
		return
	}

	err := h.wb.Store().UpdateRelationDataWithParams(r.Context(), id, params)
	if err != nil && (errors.IsNotFound(err) || errors.GetCode(err) == errors.CodeInvalidRequest) {
		WriteError(w, err)
		return
	}
	h.reportSaveError(w, r, err, "Relation params changed but not saved")
	h.GetRelation(w, r)
}

type baseQueryRequest struct {
	Query string `json:"query"`
}

// UpdateBaseQuery replaces the relation's query text.
func (h *Handlers) UpdateBaseQuery(w http.ResponseWriter, r *http.Request) {
	var req baseQueryRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	err := h.wb.Store().UpdateRelationBaseQuery(r.Context(), chi.URLParam(r, "id"), req.Query)
	if err != nil && errors.IsNotFound(err) {
		WriteError(w, err)
		return
	}
	h.reportSaveError(w, r, err, "Base query changed but not saved")
	h.GetRelation(w, r)
}

// UpdateViewState merges the posted partial view state.
func (h *Handlers) UpdateViewState(w http.ResponseWriter, r *http.Request) {
	partial := make(map[string]any)
	if err := decodeJSON(r, &partial); err != nil {
		WriteError(w, err)
		return
	}
	err := h.wb.Store().UpdateRelationViewState(r.Context(), chi.URLParam(r, "id"), partial)
	if err != nil && !errors.HasCode(err, errors.CodePersistenceFailed) {
		WriteError(w, err)
		return
	}
	h.reportSaveError(w, r, err, "View state changed but not saved")
	h.GetRelation(w, r)
}

// ExportArrow streams the relation's current data as an Arrow IPC stream.
func (h *Handlers) ExportArrow(w http.ResponseWriter, r *http.Request) {
	rel, ok := h.wb.Store().GetRelation(chi.URLParam(r, "id"))
	if !ok {
		WriteError(w, errors.ErrRelationNotFound)
		return
	}
	if rel.Data == nil {
		WriteError(w, errors.New(errors.CodeNotFound, "relation has no data"))
		return
	}

	w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
	w.WriteHeader(http.StatusOK)
	if err := converter.WriteIPC(w, h.allocator, rel.Data); err != nil {
		h.requestLogger(r).Error().Err(err).Str("relation_id", rel.ID).Msg("Arrow export failed")
		return
	}
	h.metrics.IncrementCounter("arrow_exports_total")
}
