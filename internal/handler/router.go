package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bkiprono/sokoni-market/internal/middleware"
)

// SetupRouter builds the chi router for the sokoni API.
func (h *Handler) SetupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger(h.logger))
	r.Use(middleware.GzipMiddleware)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	// Public routes.
	r.Get("/api/products", h.ListProducts)
	r.Get("/api/products/{productID}", func(w http.ResponseWriter, r *http.Request) {
		h.GetProduct(w, r, chi.URLParam(r, "productID"))
	})
	r.Get("/api/transport/services", h.ListTransportServices)
	r.Post("/api/payments/mpesa/callback", h.MpesaCallback)

	// Authenticated routes.
	r.Group(func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Route("/api/user/cart", func(r chi.Router) {
			r.Get("/", h.GetCart)
			r.Post("/", h.AddToCart)
			r.Delete("/{productID}", func(w http.ResponseWriter, r *http.Request) {
				h.RemoveFromCart(w, r, chi.URLParam(r, "productID"))
			})
		})

		r.Route("/api/user/orders", func(r chi.Router) {
			r.Get("/", h.GetOrders)
			r.Post("/checkout", h.Checkout)
			r.Get("/{orderID}", func(w http.ResponseWriter, r *http.Request) {
				h.GetOrder(w, r, chi.URLParam(r, "orderID"))
			})
			r.Post("/{orderID}/pay", func(w http.ResponseWriter, r *http.Request) {
				h.RetryPayment(w, r, chi.URLParam(r, "orderID"))
			})
			r.Post("/{orderID}/cancel", func(w http.ResponseWriter, r *http.Request) {
				h.CancelOrder(w, r, chi.URLParam(r, "orderID"))
			})
		})

		r.Route("/api/user/bookings", func(r chi.Router) {
			r.Get("/", h.GetBookings)
			r.Post("/", h.CreateBooking)
		})

		r.Get("/api/user/earnings", h.GetEarnings)
	})

	return r
}
