package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router возвращает chi router со всеми маршрутами API,
// /healthz и /metrics.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		Recovery(h.logger),
		Logging(h.logger),
	)

	r.Get("/healthz", Healthz)
	r.Handle("/metrics", promhttp.Handler())

	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes регистрирует маршруты /api/v1 на r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		// Projects
		r.Get("/projects", h.ListProjects)
		r.Post("/projects", h.CreateProject)
		r.Get("/projects/{id}", h.GetProject)
		r.Post("/projects/{id}/cancel", h.CancelProject)

		// Dead letters
		r.Get("/dead-letters", h.ListDeadLetters)
	})
}

// Healthz отвечает 200 ok.
func Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
