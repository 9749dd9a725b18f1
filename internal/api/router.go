package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"

	"github.com/hikarukin/engram/internal/config"
	"github.com/hikarukin/engram/internal/decay"
	"github.com/hikarukin/engram/internal/graph"
	"github.com/hikarukin/engram/internal/scheduler"
	"github.com/hikarukin/engram/internal/store"
)

// NewRouter creates the Chi router with all routes and middleware.
func NewRouter(
	db *store.DB,
	msgs *store.MessageStore,
	g *graph.Manager,
	sched *scheduler.Scheduler,
	d *decay.Manager,
	cfg *config.Config,
	logger *slog.Logger,
) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(Logger(logger))
	r.Use(Recovery(logger))

	h := NewHandler(db, msgs, g, sched, d, cfg)

	// Unauthenticated
	r.Get("/health", h.Health)

	// Authenticated
	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(cfg.APIKey))

		r.Get("/status", h.Status)
		r.Post("/decay", h.Decay)

		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Post("/messages", h.Ingest)
			r.Get("/nodes", h.ListNodes)
			r.Get("/memories", h.SearchMemories)
			r.Post("/process", h.Process)
			r.Post("/permanent", h.Permanent)
		})
	})

	return r
}
