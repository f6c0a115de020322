package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/roadsync/internal/metrics"
)

// NewRouter wires the ops routes.
func NewRouter(h *Handler, opsToken string, jobTimeout time.Duration, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware(RoutePattern))
	r.Use(RequestLogger(logger))

	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/internal", func(r chi.Router) {
		r.Use(OpsTokenMiddleware(opsToken, logger))
		if jobTimeout > 0 {
			r.Use(middleware.Timeout(jobTimeout))
		}

		r.Post("/outbox/flush", h.FlushOutbox)
		r.Post("/outbox/cleanup", h.CleanupOutbox)
		r.Post("/status-diffs/flush", h.FlushStatusDiffs)
		r.Post("/bulk-sync", h.BulkSync)
		r.Post("/status-changes", h.CreateStatusChange)
	})

	return r
}
