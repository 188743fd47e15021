package handlers

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/TFMV/duckdash/pkg/errors"
	"github.com/TFMV/duckdash/pkg/models"
	"github.com/TFMV/duckdash/pkg/persistence"
)

// ImportRequest names the source of an import: an already attached
// database, or an attach parameter to attach first.
type ImportRequest struct {
	Database string `json:"database,omitempty"`
	Attach   string `json:"attach,omitempty"`
}

// Import merges state and caches from another database.
func (h *Handlers) Import(w http.ResponseWriter, r *http.Request) {
	var req ImportRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}

	ctx := r.Context()
	switch {
	case req.Attach != "":
		report, err := h.wb.AttachAndImport(ctx, req.Attach)
		if err != nil {
			WriteError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	case req.Database != "":
		report, err := h.wb.Importer().ImportFromAttachedDatabase(ctx, req.Database)
		if err != nil {
			WriteError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	default:
		WriteError(w, errors.New(errors.CodeInvalidRequest, "database or attach is required"))
	}
}

// ExportState returns the persistable store snapshot.
func (h *Handlers) ExportState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.wb.Store().Snapshot())
}

type importStateResponse struct {
	Mode  string   `json:"mode"`
	Added []string `json:"added,omitempty"`
}

// ImportState loads a posted snapshot. The default merges it with live
// state winning; mode=replace replaces the store.
func (h *Handlers) ImportState(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		WriteError(w, errors.Wrap(err, errors.CodeInvalidRequest, "failed to read body"))
		return
	}
	snapshot, err := persistence.DecodeSnapshot(raw)
	if err != nil {
		WriteError(w, errors.Wrap(err, errors.CodeInvalidRequest, "invalid state"))
		return
	}

	ctx := r.Context()
	switch mode := r.URL.Query().Get("mode"); mode {
	case "replace":
		h.wb.Store().Rehydrate(snapshot)
		if err := h.wb.Store().Persist(ctx); err != nil {
			WriteError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, importStateResponse{Mode: mode})
	case "", "merge":
		added, err := h.wb.Store().Merge(ctx, snapshot)
		if err != nil {
			WriteError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, importStateResponse{Mode: "merge", Added: added})
	default:
		WriteError(w, errors.Newf(errors.CodeInvalidRequest, "unknown mode %q", mode))
	}
}

type connectionResponse struct {
	Status  models.ConnectionStatus `json:"status"`
	Storage models.StateStorageInfo `json:"storage"`
	Backend string                  `json:"backend"`
}

// ConnectionStatus checks the current connection.
func (h *Handlers) ConnectionStatus(w http.ResponseWriter, r *http.Request) {
	conns := h.wb.Connections()
	writeJSON(w, http.StatusOK, connectionResponse{
		Status:  conns.CheckConnectionState(r.Context()),
		Storage: conns.StorageInfo(),
		Backend: h.wb.Persistence().Storage().Name(),
	})
}

// DeleteCache drops a relation's cache table.
func (h *Handlers) DeleteCache(w http.ResponseWriter, r *http.Request) {
	if err := h.wb.Cache().DeleteCache(r.Context(), chi.URLParam(r, "id")); err != nil {
		WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CacheStats returns the materializer statistics.
func (h *Handlers) CacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.wb.Cache().Stats())
}

// ListDashboards returns every dashboard.
func (h *Handlers) ListDashboards(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.wb.Store().Dashboards())
}

// UpsertDashboard creates or replaces a dashboard.
func (h *Handlers) UpsertDashboard(w http.ResponseWriter, r *http.Request) {
	var d models.Dashboard
	if err := decodeJSON(r, &d); err != nil {
		WriteError(w, err)
		return
	}
	id, err := h.wb.Store().UpsertDashboard(r.Context(), d)
	if err != nil && !errors.HasCode(err, errors.CodePersistenceFailed) {
		WriteError(w, err)
		return
	}
	h.reportSaveError(w, r, err, "Dashboard stored but not saved")
	d.ID = id
	writeJSON(w, http.StatusOK, d)
}

// RemoveDashboard deletes a dashboard.
func (h *Handlers) RemoveDashboard(w http.ResponseWriter, r *http.Request) {
	err := h.wb.Store().RemoveDashboard(r.Context(), chi.URLParam(r, "id"))
	if err != nil && errors.IsNotFound(err) {
		WriteError(w, err)
		return
	}
	h.reportSaveError(w, r, err, "Dashboard removed but not saved")
	w.WriteHeader(http.StatusNoContent)
}

// GetLayout returns the layout.
func (h *Handlers) GetLayout(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.wb.Store().Layout())
}

// SetLayout replaces the layout.
func (h *Handlers) SetLayout(w http.ResponseWriter, r *http.Request) {
	var layout models.Layout
	if err := decodeJSON(r, &layout); err != nil {
		WriteError(w, err)
		return
	}
	h.reportSaveError(w, r, h.wb.Store().SetLayout(r.Context(), layout), "Layout stored but not saved")
	writeJSON(w, http.StatusOK, h.wb.Store().Layout())
}
