package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/timkrebs/photo-variants/internal/metrics"
)

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(handlers *Handlers, editors *EditorStore, httpMetrics *metrics.HTTPMetrics, maxUploadSize int64, logger *slog.Logger) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(StructuredLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(CORS)
	r.Use(MaxUploadSize(maxUploadSize))
	r.Use(MetricsMiddleware(httpMetrics))

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Health check
		r.Get("/health", handlers.Health)

		r.Get("/filters", handlers.ListFilters)

		// Single image editing
		r.Group(func(r chi.Router) {
			r.Use(EditorSessions(editors))
			r.Get("/editor", handlers.GetEditorState)
			r.Post("/edits", handlers.ApplyEdit)
			r.Post("/variants", handlers.CreateVariant)
		})

		// Batches
		r.Route("/batches", func(r chi.Router) {
			r.Post("/", handlers.CreateBatch)
			r.Get("/", handlers.ListBatches)
			r.Get("/{id}", handlers.GetBatch)
			r.Get("/{id}/stream", handlers.StreamBatchStatus)
			r.Get("/{id}/archive", handlers.GetArchive)
			r.Delete("/{id}", handlers.CancelBatch)
		})

		// Stats
		r.Get("/stats/queue", handlers.GetQueueStats)
	})

	return r
}
