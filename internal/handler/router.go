package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/boutique-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса магазина.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", h.Register)
		r.Post("/auth/login", h.Login)

		r.Get("/products", h.ListProducts)
		r.Get("/products/{id}", h.GetProduct)
		r.Get("/categories", h.ListCategories)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/sales", h.CreateSale)
			r.Get("/sales/my", h.MySales)
			r.Get("/sales/{id}", h.GetSale)
			r.Get("/sales/{id}/lines", h.GetSaleLines)
			r.Patch("/sales/{id}", h.UpdateSale)

			r.Group(func(r chi.Router) {
				r.Use(h.authMiddleware.RequireAdmin)

				r.Get("/sales", h.ListSales)
				r.Patch("/sales/{id}/status", h.ChangeSaleStatus)
				r.Patch("/sales/{id}/soft-remove", h.SoftRemoveSale)
				r.Delete("/sales/{id}", h.CancelSale)
				r.Delete("/sales", h.PurgeCancelledSales)

				r.Post("/products", h.CreateProduct)
				r.Patch("/products/{id}", h.UpdateProduct)
				r.Delete("/products/{id}", h.DeleteProduct)

				r.Post("/categories", h.CreateCategory)

				r.Post("/clients", h.CreateClient)
				r.Get("/clients", h.ListClients)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
