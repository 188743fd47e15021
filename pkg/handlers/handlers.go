// Package handlers exposes the workbench over HTTP.
package handlers

import (
	"net/http"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	arrowmem "github.com/TFMV/duckdash/pkg/infrastructure/memory"
	"github.com/TFMV/duckdash/pkg/infrastructure/metrics"
	"github.com/TFMV/duckdash/pkg/workbench"
)

// Handlers serves the workbench API.
type Handlers struct {
	wb        *workbench.Workbench
	allocator memory.Allocator
	logger    zerolog.Logger
	metrics   metrics.Collector
}

// New creates the API handlers.
func New(wb *workbench.Workbench, alloc memory.Allocator, logger zerolog.Logger, m metrics.Collector) *Handlers {
	if alloc == nil {
		alloc = memory.DefaultAllocator
	}
	if m == nil {
		m = metrics.NewNoOpCollector()
	}
	return &Handlers{
		wb:        wb,
		allocator: alloc,
		logger:    logger.With().Str("component", "http").Logger(),
		metrics:   m,
	}
}

// Routes registers the API routes on router.
func (h *Handlers) Routes(router chi.Router) {
	router.Route("/api", func(r chi.Router) {
		r.Route("/relations", func(r chi.Router) {
			r.Get("/", h.ListRelations)
			r.Post("/", h.ShowRelation)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetRelation)
				r.Delete("/", h.CloseRelation)
				r.Post("/run", h.RunRelation)
				r.Put("/query", h.UpdateBaseQuery)
				r.Patch("/view", h.UpdateViewState)
				r.Get("/arrow", h.ExportArrow)
			})
		})

		r.Get("/dashboards", h.ListDashboards)
		r.Post("/dashboards", h.UpsertDashboard)
		r.Delete("/dashboards/{id}", h.RemoveDashboard)
		r.Get("/layout", h.GetLayout)
		r.Put("/layout", h.SetLayout)

		r.Delete("/cache/{id}", h.DeleteCache)
		r.Get("/cache/stats", h.CacheStats)

		r.Post("/import", h.Import)
		r.Get("/state", h.ExportState)
		r.Post("/state", h.ImportState)
		r.Get("/connection", h.ConnectionStatus)
		r.Get("/memory", h.MemoryStats)
	})
}

// Router returns a chi router serving the API.
func (h *Handlers) Router() chi.Router {
	r := chi.NewRouter()
	h.Routes(r)
	return r
}

func (h *Handlers) requestLogger(r *http.Request) *zerolog.Logger {
	l := h.logger.With().Str("method", r.Method).Str("path", r.URL.Path).Logger()
	return &l
}

// MemoryStats reports Arrow export allocator usage when the allocator is
// metered.
func (h *Handlers) MemoryStats(w http.ResponseWriter, r *http.Request) {
	metered, ok := h.allocator.(*arrowmem.MeteredAllocator)
	if !ok {
		writeJSON(w, http.StatusOK, arrowmem.Stats{})
		return
	}
	writeJSON(w, http.StatusOK, metered.Stats())
}
