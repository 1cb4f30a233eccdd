package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/paygate/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса paygate.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api/payments", func(r chi.Router) {
		r.Post("/orders", h.CreateOrder)
		r.Get("/orders/{orderID}", h.GetOrder)
		r.Get("/orders/{orderID}/status", h.GetOrderStatus)
		r.Get("/orders/{orderID}/payment", h.GetPaymentRecord)

		r.Group(func(r chi.Router) {
			r.Use(h.callbackAuth.Middleware)

			r.Post("/ipn", h.Notification)
			r.Get("/ipn", h.Notification)
		})
	})

	r.Get("/healthz", h.Health)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
