package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/bkiprono/sokoni-market/internal/cart"
	"github.com/bkiprono/sokoni-market/internal/middleware"
	"github.com/bkiprono/sokoni-market/internal/model"
	"github.com/bkiprono/sokoni-market/internal/mpesa"
	"github.com/bkiprono/sokoni-market/internal/repository"
)

type stubService struct {
	addToCartErr error

	draft    *model.Order
	draftErr error

	checkoutOrder   *model.Order
	checkoutSession *model.PaymentSession
	checkoutErr     error

	orders    []model.Order
	ordersErr error

	order    *model.Order
	orderErr error

	retrySession *model.PaymentSession
	retryErr     error

	cancelErr error

	products    []model.Product
	productsErr error

	product    *model.Product
	productErr error

	services []model.TransportService

	booking        *model.TransportBooking
	bookingSession *model.PaymentSession
	bookingErr     error

	bookings []model.TransportBooking

	earnings      []model.EarningsEntry
	earningsTotal int64
	earningsErr   error

	callbacks   []*mpesa.StkCallback
	callbackErr error
}

func (s *stubService) AddToCart(ctx context.Context, userID, productID string, quantity int) error {
	return s.addToCartErr
}

func (s *stubService) RemoveFromCart(ctx context.Context, userID, productID string) error {
	return nil
}

func (s *stubService) GetCartDraft(ctx context.Context, userID string) (*model.Order, error) {
	return s.draft, s.draftErr
}

func (s *stubService) Checkout(ctx context.Context, userID, phone string) (*model.Order, *model.PaymentSession, error) {
	return s.checkoutOrder, s.checkoutSession, s.checkoutErr
}

func (s *stubService) GetOrdersByUser(ctx context.Context, userID string) ([]model.Order, error) {
	return s.orders, s.ordersErr
}

func (s *stubService) GetOrder(ctx context.Context, userID, orderID string) (*model.Order, error) {
	return s.order, s.orderErr
}

func (s *stubService) RetryPayment(ctx context.Context, userID, orderID, phone string) (*model.PaymentSession, error) {
	return s.retrySession, s.retryErr
}

func (s *stubService) CancelOrder(ctx context.Context, userID, orderID string) error {
	return s.cancelErr
}

func (s *stubService) ListProducts(ctx context.Context, limit, offset int) ([]model.Product, error) {
	return s.products, s.productsErr
}

func (s *stubService) GetProduct(ctx context.Context, productID string) (*model.Product, error) {
	return s.product, s.productErr
}

func (s *stubService) ListTransportServices(ctx context.Context) ([]model.TransportService, error) {
	return s.services, nil
}

func (s *stubService) CreateBooking(ctx context.Context, userID, serviceID, pickup, dropoff string, distanceKm float64, phone string) (*model.TransportBooking, *model.PaymentSession, error) {
	return s.booking, s.bookingSession, s.bookingErr
}

func (s *stubService) GetBookingsByUser(ctx context.Context, userID string) ([]model.TransportBooking, error) {
	return s.bookings, nil
}

func (s *stubService) GetEarnings(ctx context.Context, userID string) ([]model.EarningsEntry, int64, error) {
	return s.earnings, s.earningsTotal, s.earningsErr
}

func (s *stubService) HandleMpesaCallback(ctx context.Context, cb *mpesa.StkCallback) error {
	s.callbacks = append(s.callbacks, cb)
	return s.callbackErr
}

func newTestHandler(s *stubService) (*Handler, *middleware.AuthMiddleware) {
	auth := middleware.NewAuthMiddleware("test-secret")
	return NewHandler(s, zap.NewNop(), auth), auth
}

func authCookie(auth *middleware.AuthMiddleware, userID string) *http.Cookie {
	rec := httptest.NewRecorder()
	auth.SetAuthCookie(rec, userID)
	return rec.Result().Cookies()[0]
}

func doRequest(h *Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)
	return rec
}

func TestAddToCartUnauthorized(t *testing.T) {
	h, _ := newTestHandler(&stubService{})

	req := httptest.NewRequest(http.MethodPost, "/api/user/cart",
		bytes.NewBufferString(`{"product_id":"p1","quantity":2}`))

	rec := doRequest(h, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAddToCart(t *testing.T) {
	h, auth := newTestHandler(&stubService{})

	req := httptest.NewRequest(http.MethodPost, "/api/user/cart",
		bytes.NewBufferString(`{"product_id":"p1","quantity":2}`))
	req.AddCookie(authCookie(auth, "u1"))

	rec := doRequest(h, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestAddToCartBadBody(t *testing.T) {
	h, auth := newTestHandler(&stubService{})

	req := httptest.NewRequest(http.MethodPost, "/api/user/cart",
		bytes.NewBufferString(`{"product_id":"p1","quantity":0}`))
	req.AddCookie(authCookie(auth, "u1"))

	rec := doRequest(h, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestAddToCartUnknownProduct(t *testing.T) {
	h, auth := newTestHandler(&stubService{addToCartErr: repository.ErrProductNotFound})

	req := httptest.NewRequest(http.MethodPost, "/api/user/cart",
		bytes.NewBufferString(`{"product_id":"missing","quantity":1}`))
	req.AddCookie(authCookie(auth, "u1"))

	rec := doRequest(h, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestGetCartEmpty(t *testing.T) {
	h, auth := newTestHandler(&stubService{draftErr: cart.ErrEmptyCart})

	req := httptest.NewRequest(http.MethodGet, "/api/user/cart", nil)
	req.AddCookie(authCookie(auth, "u1"))

	rec := doRequest(h, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
}

func TestCheckout(t *testing.T) {
	svc := &stubService{
		checkoutOrder: &model.Order{
			ID:         "o1",
			Status:     model.OrderStatusAwaitingPayment,
			TotalCents: 14500,
		},
		checkoutSession: &model.PaymentSession{
			ID:                "ps1",
			CheckoutRequestID: "ws_CO_1",
			Status:            model.SessionPending,
		},
	}
	h, auth := newTestHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/user/orders/checkout",
		bytes.NewBufferString(`{"phone":"0712345678"}`))
	req.AddCookie(authCookie(auth, "u1"))

	rec := doRequest(h, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}

	var resp checkoutResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.OrderID != "o1" || resp.CheckoutRequest != "ws_CO_1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Total != 145.0 {
		t.Fatalf("total = %v, want 145", resp.Total)
	}
}

func TestCheckoutEmptyCart(t *testing.T) {
	h, auth := newTestHandler(&stubService{checkoutErr: cart.ErrEmptyCart})

	req := httptest.NewRequest(http.MethodPost, "/api/user/orders/checkout",
		bytes.NewBufferString(`{"phone":"0712345678"}`))
	req.AddCookie(authCookie(auth, "u1"))

	rec := doRequest(h, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestCheckoutUnavailable(t *testing.T) {
	h, auth := newTestHandler(&stubService{checkoutErr: cart.ErrProductUnavailable})

	req := httptest.NewRequest(http.MethodPost, "/api/user/orders/checkout",
		bytes.NewBufferString(`{"phone":"0712345678"}`))
	req.AddCookie(authCookie(auth, "u1"))

	rec := doRequest(h, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestCheckoutGatewayDown(t *testing.T) {
	svc := &stubService{
		checkoutOrder: &model.Order{
			ID:         "o1",
			Status:     model.OrderStatusAwaitingPayment,
			TotalCents: 14500,
		},
		checkoutErr: mpesa.ErrProviderUnavailable,
	}
	h, auth := newTestHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/user/orders/checkout",
		bytes.NewBufferString(`{"phone":"0712345678"}`))
	req.AddCookie(authCookie(auth, "u1"))

	rec := doRequest(h, req)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}

	// The order id is still returned so the client can retry payment.
	var resp checkoutResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.OrderID != "o1" {
		t.Fatalf("order id = %q, want o1", resp.OrderID)
	}
}

func TestGetOrdersEmpty(t *testing.T) {
	h, auth := newTestHandler(&stubService{})

	req := httptest.NewRequest(http.MethodGet, "/api/user/orders", nil)
	req.AddCookie(authCookie(auth, "u1"))

	rec := doRequest(h, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
}

func TestRetryPaymentSessionActive(t *testing.T) {
	h, auth := newTestHandler(&stubService{retryErr: repository.ErrSessionActive})

	req := httptest.NewRequest(http.MethodPost, "/api/user/orders/o1/pay",
		bytes.NewBufferString(`{"phone":"0712345678"}`))
	req.AddCookie(authCookie(auth, "u1"))

	rec := doRequest(h, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestCancelOrderNotFound(t *testing.T) {
	h, auth := newTestHandler(&stubService{cancelErr: repository.ErrOrderNotFound})

	req := httptest.NewRequest(http.MethodPost, "/api/user/orders/o1/cancel", nil)
	req.AddCookie(authCookie(auth, "u1"))

	rec := doRequest(h, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestMpesaCallbackAlwaysAccepted(t *testing.T) {
	svc := &stubService{}
	h, _ := newTestHandler(svc)

	payload := `{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_1","ResultCode":0}}}`
	req := httptest.NewRequest(http.MethodPost, "/api/payments/mpesa/callback",
		bytes.NewBufferString(payload))

	rec := doRequest(h, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var ack callbackAck
	if err := json.NewDecoder(rec.Body).Decode(&ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.ResultCode != 0 {
		t.Fatalf("result code = %d, want 0", ack.ResultCode)
	}

	if len(svc.callbacks) != 1 || svc.callbacks[0].CheckoutRequestID != "ws_CO_1" {
		t.Fatalf("callback not delivered to service")
	}
}

func TestMpesaCallbackMalformedStillAccepted(t *testing.T) {
	svc := &stubService{}
	h, _ := newTestHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/payments/mpesa/callback",
		bytes.NewBufferString("not json"))

	rec := doRequest(h, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 even for malformed payload", rec.Code)
	}
	if len(svc.callbacks) != 0 {
		t.Fatalf("malformed callback must not reach the service")
	}
}

func TestListProducts(t *testing.T) {
	svc := &stubService{
		products: []model.Product{
			{ID: "p1", Name: "Maize 90kg", SellingCents: 450000, Stock: 20, Reserved: 5, Unit: "bag", SellerID: "s1"},
		},
	}
	h, _ := newTestHandler(svc)

	req := httptest.NewRequest(http.MethodGet, "/api/products", nil)

	rec := doRequest(h, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp []productResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp) != 1 {
		t.Fatalf("got %d products, want 1", len(resp))
	}
	if resp[0].Price != 4500.0 {
		t.Fatalf("price = %v, want 4500", resp[0].Price)
	}
	// Listed stock is what a buyer can still order.
	if resp[0].Stock != 15 {
		t.Fatalf("stock = %d, want 15", resp[0].Stock)
	}
}

func TestGetProductNotFound(t *testing.T) {
	h, _ := newTestHandler(&stubService{productErr: repository.ErrProductNotFound})

	req := httptest.NewRequest(http.MethodGet, "/api/products/missing", nil)

	rec := doRequest(h, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestCreateBooking(t *testing.T) {
	svc := &stubService{
		booking: &model.TransportBooking{
			ID:         "b1",
			ServiceID:  "svc1",
			Status:     model.BookingAwaitingPayment,
			DistanceKm: 12.5,
			TotalCents: 62500,
		},
		bookingSession: &model.PaymentSession{
			ID:                "ps1",
			CheckoutRequestID: "ws_CO_2",
			Status:            model.SessionPending,
		},
	}
	h, auth := newTestHandler(svc)

	body := `{"service_id":"svc1","pickup_location":"Eldoret","dropoff_location":"Nakuru","distance_km":12.5,"phone":"0712345678"}`
	req := httptest.NewRequest(http.MethodPost, "/api/user/bookings", bytes.NewBufferString(body))
	req.AddCookie(authCookie(auth, "u1"))

	rec := doRequest(h, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}

	var resp bookingResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "b1" || resp.CheckoutRequest != "ws_CO_2" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestCreateBookingBadDistance(t *testing.T) {
	h, auth := newTestHandler(&stubService{})

	body := `{"service_id":"svc1","distance_km":0,"phone":"0712345678"}`
	req := httptest.NewRequest(http.MethodPost, "/api/user/bookings", bytes.NewBufferString(body))
	req.AddCookie(authCookie(auth, "u1"))

	rec := doRequest(h, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGetEarnings(t *testing.T) {
	svc := &stubService{
		earnings: []model.EarningsEntry{
			{OrderID: "o1", AmountCents: 9000},
		},
		earningsTotal: 9000,
	}
	h, auth := newTestHandler(svc)

	req := httptest.NewRequest(http.MethodGet, "/api/user/earnings", nil)
	req.AddCookie(authCookie(auth, "u1"))

	rec := doRequest(h, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp earningsResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Total != 90.0 {
		t.Fatalf("total = %v, want 90", resp.Total)
	}
	if len(resp.Entries) != 1 || resp.Entries[0].Amount != 90.0 {
		t.Fatalf("unexpected entries: %+v", resp.Entries)
	}
}
