package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/TFMV/duckdash/pkg/infrastructure/metrics"
)

// MetricsMiddleware provides metrics collection middleware.
type MetricsMiddleware struct {
	collector metrics.Collector
}

// NewMetricsMiddleware creates a new metrics middleware.
func NewMetricsMiddleware(collector metrics.Collector) *MetricsMiddleware {
	if collector == nil {
		collector = metrics.NewNoOpCollector()
	}
	return &MetricsMiddleware{
		collector: collector,
	}
}

// Handler records request counts and durations labelled by route pattern,
// so ids in paths do not explode label cardinality.
func (m *MetricsMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		m.collector.IncrementCounter("http_requests_total",
			"method", r.Method, "route", route, "code", strconv.Itoa(status))
		m.collector.RecordHistogram("http_request_duration_seconds",
			time.Since(start).Seconds(), "method", r.Method, "route", route)
	})
}
