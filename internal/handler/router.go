package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/addiseats/eligibility/internal/middleware"
)

// SetupRouter wires the HTTP routes and middleware of the eligibility service.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Route("/zones", func(r chi.Router) {
			r.Get("/", h.ListZones)
			r.Post("/", h.CreateZone)
			r.Get("/uncovered", h.UncoveredSubCities)
			r.Get("/summary", h.ZoneSummary)
			r.Put("/{id}", h.UpdateZone)
			r.Patch("/{id}/toggle", h.ToggleZone)
			r.Delete("/{id}", h.DeleteZone)
		})

		r.Route("/promos", func(r chi.Router) {
			r.Get("/", h.ListPromos)
			r.Post("/", h.CreatePromo)
			r.Put("/{id}", h.UpdatePromo)
			r.Patch("/{id}/toggle", h.TogglePromo)
		})
	})

	r.Route("/api/orders", func(r chi.Router) {
		r.Post("/", h.PlaceOrder)
		r.Post("/price", h.PriceOrder)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
