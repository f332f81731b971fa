package payment

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/bkiprono/sokoni-market/internal/model"
	"github.com/bkiprono/sokoni-market/internal/mpesa"
	"github.com/bkiprono/sokoni-market/internal/repository"
)

type stubRepo struct {
	createErr error
	created   *model.PaymentSession

	pendingID  string
	pendingRef string
	pendingErr error

	failedID string

	resolved     *model.PaymentSession
	resolvedTo   model.SessionStatus
	resolvedRcpt string
	resolveErr   error

	expired   []model.PaymentSession
	unsettled []model.PaymentSession
}

func (s *stubRepo) CreatePaymentSession(ctx context.Context, session *model.PaymentSession) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.created = session
	return nil
}

func (s *stubRepo) MarkSessionPending(ctx context.Context, sessionID, checkoutRef string) error {
	if s.pendingErr != nil {
		return s.pendingErr
	}
	s.pendingID = sessionID
	s.pendingRef = checkoutRef
	return nil
}

func (s *stubRepo) MarkSessionFailed(ctx context.Context, sessionID string) error {
	s.failedID = sessionID
	return nil
}

func (s *stubRepo) ResolvePendingSession(ctx context.Context, checkoutRef string, to model.SessionStatus, receipt string) (*model.PaymentSession, error) {
	if s.resolveErr != nil {
		return nil, s.resolveErr
	}
	s.resolvedTo = to
	s.resolvedRcpt = receipt
	s.resolved.Status = to
	s.resolved.MpesaReceipt = receipt
	return s.resolved, nil
}

func (s *stubRepo) ExpireStaleSessions(ctx context.Context, cutoff time.Time) ([]model.PaymentSession, error) {
	return s.expired, nil
}

func (s *stubRepo) GetUnsettledConfirmedSessions(ctx context.Context, limit int) ([]model.PaymentSession, error) {
	return s.unsettled, nil
}

type stubGateway struct {
	checkoutRef string
	err         error

	phones  []string
	amounts []int64
}

func (s *stubGateway) STKPush(ctx context.Context, phone string, amountCents int64, accountRef, description string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.phones = append(s.phones, phone)
	s.amounts = append(s.amounts, amountCents)
	return s.checkoutRef, nil
}

type stubSettler struct {
	orderSessions   []string
	bookingSessions []string
	err             error
}

func (s *stubSettler) SettleOrderPayment(ctx context.Context, session *model.PaymentSession) error {
	s.orderSessions = append(s.orderSessions, session.OrderID)
	return s.err
}

func (s *stubSettler) SettleBookingPayment(ctx context.Context, session *model.PaymentSession) error {
	s.bookingSessions = append(s.bookingSessions, session.BookingID)
	return s.err
}

type stubCancellers struct {
	cancelledOrders   []model.OrderStatus
	cancelledBookings []model.BookingStatus
}

func (s *stubCancellers) Cancel(ctx context.Context, orderID string, to model.OrderStatus) (bool, error) {
	s.cancelledOrders = append(s.cancelledOrders, to)
	return true, nil
}

func (s *stubCancellers) CancelBooking(ctx context.Context, bookingID string, to model.BookingStatus) (bool, error) {
	s.cancelledBookings = append(s.cancelledBookings, to)
	return true, nil
}

func newTestManager(repo *stubRepo, gateway *stubGateway, settler *stubSettler, cancellers *stubCancellers) *Manager {
	return NewManager(repo, gateway, settler, cancellers, cancellers,
		3*time.Minute, 30*time.Second, zap.NewNop())
}

func awaitingOrder() *model.Order {
	return &model.Order{
		ID:         "o1",
		UserID:     "u1",
		Status:     model.OrderStatusAwaitingPayment,
		TotalCents: 12500,
	}
}

func TestInitiateOrderPayment(t *testing.T) {
	repo := &stubRepo{}
	gateway := &stubGateway{checkoutRef: "ws_CO_1"}
	m := newTestManager(repo, gateway, &stubSettler{}, &stubCancellers{})

	session, err := m.InitiateOrderPayment(context.Background(), awaitingOrder(), "254712345678")
	if err != nil {
		t.Fatalf("InitiateOrderPayment error: %v", err)
	}

	if session.Status != model.SessionPending {
		t.Fatalf("status = %s, want PENDING", session.Status)
	}
	if session.CheckoutRequestID != "ws_CO_1" {
		t.Fatalf("checkout = %q", session.CheckoutRequestID)
	}
	if session.OrderID != "o1" || session.AmountCents != 12500 {
		t.Fatalf("session not bound to order: %+v", session)
	}
	if repo.pendingRef != "ws_CO_1" {
		t.Fatalf("pending checkout ref = %q", repo.pendingRef)
	}
	if len(gateway.amounts) != 1 || gateway.amounts[0] != 12500 {
		t.Fatalf("gateway amounts = %v", gateway.amounts)
	}
}

func TestInitiateOrderPaymentWrongStatus(t *testing.T) {
	m := newTestManager(&stubRepo{}, &stubGateway{}, &stubSettler{}, &stubCancellers{})

	o := awaitingOrder()
	o.Status = model.OrderStatusPaid

	_, err := m.InitiateOrderPayment(context.Background(), o, "254712345678")
	if !errors.Is(err, repository.ErrInvalidTransition) {
		t.Fatalf("error = %v, want ErrInvalidTransition", err)
	}
}

func TestInitiateOrderPaymentSessionActive(t *testing.T) {
	repo := &stubRepo{createErr: repository.ErrSessionActive}
	m := newTestManager(repo, &stubGateway{}, &stubSettler{}, &stubCancellers{})

	_, err := m.InitiateOrderPayment(context.Background(), awaitingOrder(), "254712345678")
	if !errors.Is(err, repository.ErrSessionActive) {
		t.Fatalf("error = %v, want ErrSessionActive", err)
	}
}

func TestInitiateOrderPaymentProviderDown(t *testing.T) {
	repo := &stubRepo{}
	gateway := &stubGateway{err: mpesa.ErrProviderUnavailable}
	m := newTestManager(repo, gateway, &stubSettler{}, &stubCancellers{})

	_, err := m.InitiateOrderPayment(context.Background(), awaitingOrder(), "254712345678")
	if !errors.Is(err, mpesa.ErrProviderUnavailable) {
		t.Fatalf("error = %v, want ErrProviderUnavailable", err)
	}

	// The session must be terminated so a retry is not blocked by the
	// one-active-session rule.
	if repo.failedID == "" || repo.failedID != repo.created.ID {
		t.Fatalf("created session was not marked failed: %q", repo.failedID)
	}
}

func confirmCallback(checkout string) *mpesa.StkCallback {
	return confirmCallbackAmount(checkout, "125.00")
}

func confirmCallbackAmount(checkout, amount string) *mpesa.StkCallback {
	data := []byte(`{"Body":{"stkCallback":{"CheckoutRequestID":"` + checkout + `","ResultCode":0,"CallbackMetadata":{"Item":[{"Name":"Amount","Value":` + amount + `},{"Name":"MpesaReceiptNumber","Value":"NLJ7RT61SV"}]}}}}`)
	cb, _ := mpesa.ParseCallback(data)
	return cb
}

func failCallback(checkout string) *mpesa.StkCallback {
	data := []byte(`{"Body":{"stkCallback":{"CheckoutRequestID":"` + checkout + `","ResultCode":1032,"ResultDesc":"Request cancelled by user"}}}`)
	cb, _ := mpesa.ParseCallback(data)
	return cb
}

func TestHandleCallbackConfirmed(t *testing.T) {
	repo := &stubRepo{
		resolved: &model.PaymentSession{
			ID:          "ps1",
			OrderID:     "o1",
			AmountCents: 12500,
			Status:      model.SessionPending,
		},
	}
	settler := &stubSettler{}
	m := newTestManager(repo, &stubGateway{}, settler, &stubCancellers{})

	if err := m.HandleCallback(context.Background(), confirmCallback("ws_CO_1")); err != nil {
		t.Fatalf("HandleCallback error: %v", err)
	}

	if repo.resolvedTo != model.SessionConfirmed {
		t.Fatalf("resolved to %s, want CONFIRMED", repo.resolvedTo)
	}
	if repo.resolvedRcpt != "NLJ7RT61SV" {
		t.Fatalf("receipt = %q", repo.resolvedRcpt)
	}
	if len(settler.orderSessions) != 1 || settler.orderSessions[0] != "o1" {
		t.Fatalf("settled orders = %v, want [o1]", settler.orderSessions)
	}
}

func TestHandleCallbackRoundedAmountNotFlagged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	repo := &stubRepo{
		resolved: &model.PaymentSession{
			ID:          "ps1",
			OrderID:     "o1",
			AmountCents: 12345,
			Status:      model.SessionPending,
		},
	}
	cancellers := &stubCancellers{}
	m := NewManager(repo, &stubGateway{}, &stubSettler{}, cancellers, cancellers,
		3*time.Minute, 30*time.Second, zap.New(core))

	// 12345 cents is pushed as 124 whole shillings, so a 124.00 callback is
	// the amount actually charged, not a discrepancy.
	if err := m.HandleCallback(context.Background(), confirmCallbackAmount("ws_CO_1", "124.00")); err != nil {
		t.Fatalf("HandleCallback error: %v", err)
	}

	if n := logs.FilterMessage("callback amount differs from session").Len(); n != 0 {
		t.Fatalf("amount warning fired %d times for the charged amount", n)
	}
}

func TestHandleCallbackAmountMismatchFlagged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	repo := &stubRepo{
		resolved: &model.PaymentSession{
			ID:          "ps1",
			OrderID:     "o1",
			AmountCents: 20000,
			Status:      model.SessionPending,
		},
	}
	cancellers := &stubCancellers{}
	m := NewManager(repo, &stubGateway{}, &stubSettler{}, cancellers, cancellers,
		3*time.Minute, 30*time.Second, zap.New(core))

	if err := m.HandleCallback(context.Background(), confirmCallbackAmount("ws_CO_1", "124.00")); err != nil {
		t.Fatalf("HandleCallback error: %v", err)
	}

	if n := logs.FilterMessage("callback amount differs from session").Len(); n != 1 {
		t.Fatalf("amount warning fired %d times, want 1", n)
	}
}

func TestHandleCallbackFailed(t *testing.T) {
	repo := &stubRepo{
		resolved: &model.PaymentSession{
			ID:          "ps1",
			OrderID:     "o1",
			AmountCents: 12500,
			Status:      model.SessionPending,
		},
	}
	settler := &stubSettler{}
	cancellers := &stubCancellers{}
	m := newTestManager(repo, &stubGateway{}, settler, cancellers)

	if err := m.HandleCallback(context.Background(), failCallback("ws_CO_1")); err != nil {
		t.Fatalf("HandleCallback error: %v", err)
	}

	if repo.resolvedTo != model.SessionFailed {
		t.Fatalf("resolved to %s, want FAILED", repo.resolvedTo)
	}
	if len(settler.orderSessions) != 0 {
		t.Fatalf("a failed payment must not settle")
	}
	if len(cancellers.cancelledOrders) != 1 || cancellers.cancelledOrders[0] != model.OrderStatusFailed {
		t.Fatalf("cancelled orders = %v, want [FAILED]", cancellers.cancelledOrders)
	}
}

func TestHandleCallbackUnmatched(t *testing.T) {
	repo := &stubRepo{resolveErr: repository.ErrSessionNotFound}
	settler := &stubSettler{}
	m := newTestManager(repo, &stubGateway{}, settler, &stubCancellers{})

	// Duplicate or unknown callbacks are dropped quietly so the gateway is
	// still acknowledged.
	if err := m.HandleCallback(context.Background(), confirmCallback("ws_CO_unknown")); err != nil {
		t.Fatalf("HandleCallback error: %v", err)
	}
	if len(settler.orderSessions) != 0 {
		t.Fatalf("unmatched callback must not settle")
	}
}

func TestHandleCallbackBookingConfirmed(t *testing.T) {
	repo := &stubRepo{
		resolved: &model.PaymentSession{
			ID:          "ps1",
			BookingID:   "b1",
			AmountCents: 12500,
			Status:      model.SessionPending,
		},
	}
	settler := &stubSettler{}
	m := newTestManager(repo, &stubGateway{}, settler, &stubCancellers{})

	if err := m.HandleCallback(context.Background(), confirmCallback("ws_CO_1")); err != nil {
		t.Fatalf("HandleCallback error: %v", err)
	}

	if len(settler.bookingSessions) != 1 || settler.bookingSessions[0] != "b1" {
		t.Fatalf("settled bookings = %v, want [b1]", settler.bookingSessions)
	}
}

func TestSweepExpiresAndRetries(t *testing.T) {
	repo := &stubRepo{
		expired: []model.PaymentSession{
			{ID: "ps1", OrderID: "o1", Status: model.SessionExpired},
			{ID: "ps2", BookingID: "b1", Status: model.SessionExpired},
		},
		unsettled: []model.PaymentSession{
			{ID: "ps3", OrderID: "o2", Status: model.SessionConfirmed, MpesaReceipt: "ABC"},
		},
	}
	settler := &stubSettler{}
	cancellers := &stubCancellers{}
	m := newTestManager(repo, &stubGateway{}, settler, cancellers)

	m.sweep(context.Background())

	if len(cancellers.cancelledOrders) != 1 || cancellers.cancelledOrders[0] != model.OrderStatusCancelled {
		t.Fatalf("cancelled orders = %v, want [CANCELLED]", cancellers.cancelledOrders)
	}
	if len(cancellers.cancelledBookings) != 1 || cancellers.cancelledBookings[0] != model.BookingCancelled {
		t.Fatalf("cancelled bookings = %v, want [CANCELLED]", cancellers.cancelledBookings)
	}
	if len(settler.orderSessions) != 1 || settler.orderSessions[0] != "o2" {
		t.Fatalf("retried settlements = %v, want [o2]", settler.orderSessions)
	}
}
