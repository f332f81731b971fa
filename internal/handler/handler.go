// Package handler contains the HTTP handlers of the sokoni API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/bkiprono/sokoni-market/internal/cart"
	"github.com/bkiprono/sokoni-market/internal/middleware"
	"github.com/bkiprono/sokoni-market/internal/model"
	"github.com/bkiprono/sokoni-market/internal/mpesa"
	"github.com/bkiprono/sokoni-market/internal/repository"
	"github.com/bkiprono/sokoni-market/internal/validation"
)

// Service defines the business logic contract used by the HTTP handlers.
type Service interface {
	AddToCart(ctx context.Context, userID, productID string, quantity int) error
	RemoveFromCart(ctx context.Context, userID, productID string) error
	GetCartDraft(ctx context.Context, userID string) (*model.Order, error)
	Checkout(ctx context.Context, userID, phone string) (*model.Order, *model.PaymentSession, error)
	GetOrdersByUser(ctx context.Context, userID string) ([]model.Order, error)
	GetOrder(ctx context.Context, userID, orderID string) (*model.Order, error)
	RetryPayment(ctx context.Context, userID, orderID, phone string) (*model.PaymentSession, error)
	CancelOrder(ctx context.Context, userID, orderID string) error
	ListProducts(ctx context.Context, limit, offset int) ([]model.Product, error)
	GetProduct(ctx context.Context, productID string) (*model.Product, error)
	ListTransportServices(ctx context.Context) ([]model.TransportService, error)
	CreateBooking(ctx context.Context, userID, serviceID, pickup, dropoff string, distanceKm float64, phone string) (*model.TransportBooking, *model.PaymentSession, error)
	GetBookingsByUser(ctx context.Context, userID string) ([]model.TransportBooking, error)
	GetEarnings(ctx context.Context, userID string) ([]model.EarningsEntry, int64, error)
	HandleMpesaCallback(ctx context.Context, cb *mpesa.StkCallback) error
}

// Handler implements the sokoni HTTP API.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler creates a new HTTP handler.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

func shillings(cents int64) float64 {
	return float64(cents) / 100
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// writeError maps domain errors to HTTP statuses; unexpected errors are
// logged and answered with 500.
func (h *Handler) writeError(w http.ResponseWriter, err error, logCtx string) {
	switch {
	case errors.Is(err, validation.ErrInvalidPhone),
		errors.Is(err, cart.ErrEmptyCart):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, repository.ErrProductNotFound),
		errors.Is(err, repository.ErrOrderNotFound),
		errors.Is(err, repository.ErrServiceNotFound),
		errors.Is(err, repository.ErrBookingNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, cart.ErrProductUnavailable),
		errors.Is(err, repository.ErrInsufficientStock),
		errors.Is(err, repository.ErrSessionActive),
		errors.Is(err, repository.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, mpesa.ErrProviderUnavailable):
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		h.logger.Error(logCtx, zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return "", false
	}
	return userID, true
}

type cartLineRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// AddToCart puts a product into the current user's cart.
func (h *Handler) AddToCart(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req cartLineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.ProductID == "" || req.Quantity <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.AddToCart(r.Context(), userID, req.ProductID, req.Quantity); err != nil {
		h.writeError(w, err, "add to cart")
		return
	}

	w.WriteHeader(http.StatusOK)
}

// RemoveFromCart deletes a product from the current user's cart.
func (h *Handler) RemoveFromCart(w http.ResponseWriter, r *http.Request, productID string) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	if err := h.service.RemoveFromCart(r.Context(), userID, productID); err != nil {
		h.writeError(w, err, "remove from cart")
		return
	}

	w.WriteHeader(http.StatusOK)
}

type orderLineResponse struct {
	ProductID string  `json:"product_id"`
	Quantity  int     `json:"quantity"`
	Price     float64 `json:"price"`
	Total     float64 `json:"total"`
}

type orderResponse struct {
	ID        string              `json:"id"`
	Status    string              `json:"status"`
	Total     float64             `json:"total"`
	Lines     []orderLineResponse `json:"lines,omitempty"`
	CreatedAt string              `json:"created_at,omitempty"`
}

func toOrderResponse(o *model.Order, withTime bool) orderResponse {
	resp := orderResponse{
		ID:     o.ID,
		Status: string(o.Status),
		Total:  shillings(o.TotalCents),
	}
	if withTime {
		resp.CreatedAt = o.CreatedAt.Format(time.RFC3339)
	}
	for _, l := range o.Lines {
		resp.Lines = append(resp.Lines, orderLineResponse{
			ProductID: l.ProductID,
			Quantity:  l.Quantity,
			Price:     shillings(l.PriceCents),
			Total:     shillings(l.TotalCents()),
		})
	}
	return resp
}

// GetCart returns the priced draft for the current cart contents.
func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	draft, err := h.service.GetCartDraft(r.Context(), userID)
	if err != nil {
		if errors.Is(err, cart.ErrEmptyCart) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.writeError(w, err, "get cart")
		return
	}

	h.writeJSON(w, toOrderResponse(draft, false))
}

type checkoutRequest struct {
	Phone string `json:"phone"`
}

type checkoutResponse struct {
	OrderID         string  `json:"order_id"`
	Status          string  `json:"status"`
	Total           float64 `json:"total"`
	CheckoutRequest string  `json:"checkout_request_id,omitempty"`
}

// Checkout converts the cart into an order and starts an STK push.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	o, session, err := h.service.Checkout(r.Context(), userID, req.Phone)
	if err != nil {
		if o != nil && errors.Is(err, mpesa.ErrProviderUnavailable) {
			// The order exists and payment can be retried.
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			_ = json.NewEncoder(w).Encode(checkoutResponse{
				OrderID: o.ID,
				Status:  string(o.Status),
				Total:   shillings(o.TotalCents),
			})
			return
		}
		h.writeError(w, err, "checkout")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(checkoutResponse{
		OrderID:         o.ID,
		Status:          string(o.Status),
		Total:           shillings(o.TotalCents),
		CheckoutRequest: session.CheckoutRequestID,
	})
}

// GetOrders returns the current user's orders.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	orders, err := h.service.GetOrdersByUser(r.Context(), userID)
	if err != nil {
		h.writeError(w, err, "get orders")
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for i := range orders {
		resp = append(resp, toOrderResponse(&orders[i], true))
	}

	h.writeJSON(w, resp)
}

// GetOrder returns one order with its lines.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request, orderID string) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	o, err := h.service.GetOrder(r.Context(), userID, orderID)
	if err != nil {
		h.writeError(w, err, "get order")
		return
	}

	h.writeJSON(w, toOrderResponse(o, true))
}

type payRequest struct {
	Phone string `json:"phone"`
}

// RetryPayment starts a new payment session for an order.
func (h *Handler) RetryPayment(w http.ResponseWriter, r *http.Request, orderID string) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req payRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	session, err := h.service.RetryPayment(r.Context(), userID, orderID, req.Phone)
	if err != nil {
		h.writeError(w, err, "retry payment")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"checkout_request_id": session.CheckoutRequestID,
	})
}

// CancelOrder cancels an order awaiting payment.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request, orderID string) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	if err := h.service.CancelOrder(r.Context(), userID, orderID); err != nil {
		h.writeError(w, err, "cancel order")
		return
	}

	w.WriteHeader(http.StatusOK)
}

type callbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// MpesaCallback receives the gateway's asynchronous payment result. The
// gateway is always acknowledged with success so it does not retry
// duplicates indefinitely; reconciliation itself is idempotent.
func (h *Handler) MpesaCallback(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeJSON(w, callbackAck{ResultCode: 0, ResultDesc: "Accepted"})
		return
	}

	cb, err := mpesa.ParseCallback(body)
	if err != nil {
		h.logger.Info("unparseable mpesa callback", zap.Error(err))
		h.writeJSON(w, callbackAck{ResultCode: 0, ResultDesc: "Accepted"})
		return
	}

	if err := h.service.HandleMpesaCallback(r.Context(), cb); err != nil {
		h.logger.Error("handle mpesa callback",
			zap.String("checkout", cb.CheckoutRequestID), zap.Error(err))
	}

	h.writeJSON(w, callbackAck{ResultCode: 0, ResultDesc: "Accepted"})
}

type productResponse struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Price       float64 `json:"price"`
	Stock       int     `json:"stock"`
	Unit        string  `json:"unit"`
	SellerID    string  `json:"seller_id"`
}

func toProductResponse(p *model.Product) productResponse {
	return productResponse{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Price:       shillings(p.SellingCents),
		Stock:       p.Available(),
		Unit:        p.Unit,
		SellerID:    p.SellerID,
	}
}

// ListProducts returns catalog products.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	offset := queryInt(r, "offset", 0)

	products, err := h.service.ListProducts(r.Context(), limit, offset)
	if err != nil {
		h.writeError(w, err, "list products")
		return
	}

	if len(products) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]productResponse, 0, len(products))
	for i := range products {
		resp = append(resp, toProductResponse(&products[i]))
	}

	h.writeJSON(w, resp)
}

// GetProduct returns one catalog product.
func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request, productID string) {
	p, err := h.service.GetProduct(r.Context(), productID)
	if err != nil {
		h.writeError(w, err, "get product")
		return
	}

	h.writeJSON(w, toProductResponse(p))
}

type transportServiceResponse struct {
	ID                 string  `json:"id"`
	Name               string  `json:"name"`
	VehicleDescription string  `json:"vehicle_description,omitempty"`
	PricePerKm         float64 `json:"price_per_km"`
	DueDate            string  `json:"due_date"`
}

// ListTransportServices returns available transport services.
func (h *Handler) ListTransportServices(w http.ResponseWriter, r *http.Request) {
	services, err := h.service.ListTransportServices(r.Context())
	if err != nil {
		h.writeError(w, err, "list transport services")
		return
	}

	if len(services) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]transportServiceResponse, 0, len(services))
	for _, s := range services {
		resp = append(resp, transportServiceResponse{
			ID:                 s.ID,
			Name:               s.Name,
			VehicleDescription: s.VehicleDescription,
			PricePerKm:         shillings(s.PricePerKmCents),
			DueDate:            s.DueDate.Format(time.RFC3339),
		})
	}

	h.writeJSON(w, resp)
}

type bookingRequest struct {
	ServiceID  string  `json:"service_id"`
	Pickup     string  `json:"pickup_location"`
	Dropoff    string  `json:"dropoff_location"`
	DistanceKm float64 `json:"distance_km"`
	Phone      string  `json:"phone"`
}

type bookingResponse struct {
	ID              string  `json:"id"`
	ServiceID       string  `json:"service_id"`
	Status          string  `json:"status"`
	DistanceKm      float64 `json:"distance_km"`
	Total           float64 `json:"total"`
	CheckoutRequest string  `json:"checkout_request_id,omitempty"`
	CreatedAt       string  `json:"created_at,omitempty"`
}

// CreateBooking books a transport service and starts an STK push.
func (h *Handler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req bookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.ServiceID == "" || req.DistanceKm <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	b, session, err := h.service.CreateBooking(r.Context(), userID, req.ServiceID,
		req.Pickup, req.Dropoff, req.DistanceKm, req.Phone)
	if err != nil {
		if b != nil && errors.Is(err, mpesa.ErrProviderUnavailable) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			_ = json.NewEncoder(w).Encode(bookingResponse{
				ID:         b.ID,
				ServiceID:  b.ServiceID,
				Status:     string(b.Status),
				DistanceKm: b.DistanceKm,
				Total:      shillings(b.TotalCents),
			})
			return
		}
		h.writeError(w, err, "create booking")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(bookingResponse{
		ID:              b.ID,
		ServiceID:       b.ServiceID,
		Status:          string(b.Status),
		DistanceKm:      b.DistanceKm,
		Total:           shillings(b.TotalCents),
		CheckoutRequest: session.CheckoutRequestID,
	})
}

// GetBookings returns the current user's transport bookings.
func (h *Handler) GetBookings(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	bookings, err := h.service.GetBookingsByUser(r.Context(), userID)
	if err != nil {
		h.writeError(w, err, "get bookings")
		return
	}

	if len(bookings) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]bookingResponse, 0, len(bookings))
	for _, b := range bookings {
		resp = append(resp, bookingResponse{
			ID:         b.ID,
			ServiceID:  b.ServiceID,
			Status:     string(b.Status),
			DistanceKm: b.DistanceKm,
			Total:      shillings(b.TotalCents),
			CreatedAt:  b.CreatedAt.Format(time.RFC3339),
		})
	}

	h.writeJSON(w, resp)
}

type earningsEntryResponse struct {
	OrderID   string  `json:"order_id,omitempty"`
	BookingID string  `json:"booking_id,omitempty"`
	Amount    float64 `json:"amount"`
	EarnedAt  string  `json:"earned_at"`
}

type earningsResponse struct {
	Total   float64                 `json:"total"`
	Entries []earningsEntryResponse `json:"entries"`
}

// GetEarnings returns the current user's seller earnings.
func (h *Handler) GetEarnings(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	entries, total, err := h.service.GetEarnings(r.Context(), userID)
	if err != nil {
		h.writeError(w, err, "get earnings")
		return
	}

	resp := earningsResponse{
		Total:   shillings(total),
		Entries: make([]earningsEntryResponse, 0, len(entries)),
	}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, earningsEntryResponse{
			OrderID:   e.OrderID,
			BookingID: e.BookingID,
			Amount:    shillings(e.AmountCents),
			EarnedAt:  e.EarnedAt.Format(time.RFC3339),
		})
	}

	h.writeJSON(w, resp)
}

func queryInt(r *http.Request, name string, fallback int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	var n int
	for _, ch := range v {
		if ch < '0' || ch > '9' {
			return fallback
		}
		n = n*10 + int(ch-'0')
	}
	return n
}
