// Package payment bridges orders and bookings to the asynchronous M-Pesa
// gateway: one outstanding session per order, reconciled by checkout
// reference when the callback arrives.
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bkiprono/sokoni-market/internal/model"
	"github.com/bkiprono/sokoni-market/internal/mpesa"
	"github.com/bkiprono/sokoni-market/internal/repository"
)

// Repository describes the session persistence contract.
type Repository interface {
	CreatePaymentSession(ctx context.Context, s *model.PaymentSession) error
	MarkSessionPending(ctx context.Context, sessionID, checkoutRef string) error
	MarkSessionFailed(ctx context.Context, sessionID string) error
	ResolvePendingSession(ctx context.Context, checkoutRef string, to model.SessionStatus, receipt string) (*model.PaymentSession, error)
	ExpireStaleSessions(ctx context.Context, cutoff time.Time) ([]model.PaymentSession, error)
	GetUnsettledConfirmedSessions(ctx context.Context, limit int) ([]model.PaymentSession, error)
}

// Gateway describes the outbound payment provider call.
type Gateway interface {
	STKPush(ctx context.Context, phone string, amountCents int64, accountRef, description string) (string, error)
}

// Settler applies a confirmed payment session.
type Settler interface {
	SettleOrderPayment(ctx context.Context, session *model.PaymentSession) error
	SettleBookingPayment(ctx context.Context, session *model.PaymentSession) error
}

// OrderCanceller cancels an order when its session fails or expires.
type OrderCanceller interface {
	Cancel(ctx context.Context, orderID string, to model.OrderStatus) (bool, error)
}

// BookingCanceller cancels a booking when its session fails or expires.
type BookingCanceller interface {
	CancelBooking(ctx context.Context, bookingID string, to model.BookingStatus) (bool, error)
}

// Manager tracks payment sessions and reconciles gateway callbacks.
type Manager struct {
	repo     Repository
	gateway  Gateway
	settler  Settler
	orders   OrderCanceller
	bookings BookingCanceller

	timeout       time.Duration
	sweepInterval time.Duration
	logger        *zap.Logger
}

// NewManager creates a payment session manager. Sessions not reconciled
// within timeout are expired by the background sweep.
func NewManager(repo Repository, gateway Gateway, settler Settler, orders OrderCanceller,
	bookings BookingCanceller, timeout, sweepInterval time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		repo:          repo,
		gateway:       gateway,
		settler:       settler,
		orders:        orders,
		bookings:      bookings,
		timeout:       timeout,
		sweepInterval: sweepInterval,
		logger:        logger,
	}
}

func (m *Manager) initiate(ctx context.Context, session *model.PaymentSession, accountRef, description string) (*model.PaymentSession, error) {
	session.ID = uuid.NewString()
	session.Status = model.SessionInitiated

	if err := m.repo.CreatePaymentSession(ctx, session); err != nil {
		return nil, err
	}

	checkoutRef, err := m.gateway.STKPush(ctx, session.Phone, session.AmountCents, accountRef, description)
	if err != nil {
		// Terminate the session so the caller can retry; the order stays
		// AWAITING_PAYMENT.
		if failErr := m.repo.MarkSessionFailed(ctx, session.ID); failErr != nil {
			m.logger.Error("mark session failed", zap.String("session", session.ID), zap.Error(failErr))
		}
		return nil, fmt.Errorf("initiate payment: %w", err)
	}

	if err := m.repo.MarkSessionPending(ctx, session.ID, checkoutRef); err != nil {
		return nil, fmt.Errorf("mark session pending: %w", err)
	}

	session.CheckoutRequestID = checkoutRef
	session.Status = model.SessionPending

	m.logger.Info("payment initiated",
		zap.String("session", session.ID),
		zap.String("checkout", checkoutRef),
		zap.Int64("amount", session.AmountCents),
	)

	return session, nil
}

// InitiateOrderPayment starts an STK push for an order awaiting payment.
// Fails with repository.ErrSessionActive when a non-terminal session already
// exists for the order, and with mpesa.ErrProviderUnavailable when the
// gateway cannot be reached.
func (m *Manager) InitiateOrderPayment(ctx context.Context, o *model.Order, phone string) (*model.PaymentSession, error) {
	if o.Status != model.OrderStatusAwaitingPayment {
		return nil, fmt.Errorf("%w: pay order in %s", repository.ErrInvalidTransition, o.Status)
	}

	session := &model.PaymentSession{
		OrderID:     o.ID,
		Phone:       phone,
		AmountCents: o.TotalCents,
	}

	return m.initiate(ctx, session, o.ID, "Sokoni order")
}

// InitiateBookingPayment starts an STK push for a transport booking.
func (m *Manager) InitiateBookingPayment(ctx context.Context, b *model.TransportBooking, phone string) (*model.PaymentSession, error) {
	if b.Status != model.BookingAwaitingPayment {
		return nil, fmt.Errorf("%w: pay booking in %s", repository.ErrInvalidTransition, b.Status)
	}

	session := &model.PaymentSession{
		BookingID:   b.ID,
		Phone:       phone,
		AmountCents: b.TotalCents,
	}

	return m.initiate(ctx, session, b.ID, "Sokoni transport")
}

// HandleCallback reconciles a gateway callback against its pending session.
// Unmatched or duplicate callbacks are logged and dropped; the caller always
// acknowledges the gateway with success.
func (m *Manager) HandleCallback(ctx context.Context, cb *mpesa.StkCallback) error {
	to := model.SessionFailed
	if cb.Succeeded() {
		to = model.SessionConfirmed
	}

	session, err := m.repo.ResolvePendingSession(ctx, cb.CheckoutRequestID, to, cb.ReceiptNumber())
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			m.logger.Info("dropping callback without a pending session",
				zap.String("checkout", cb.CheckoutRequestID),
				zap.Int("result", cb.ResultCode),
			)
			return nil
		}
		return fmt.Errorf("resolve session: %w", err)
	}

	// The gateway charges whole shillings, so the callback amount is compared
	// against the rounded figure the push actually requested.
	if amount, ok := cb.AmountCents(); ok && amount != mpesa.ChargedCents(session.AmountCents) {
		m.logger.Warn("callback amount differs from session",
			zap.String("session", session.ID),
			zap.Int64("session_amount", session.AmountCents),
			zap.Int64("callback_amount", amount),
		)
	}

	if session.Status == model.SessionConfirmed {
		return m.settle(ctx, session)
	}

	m.logger.Info("payment failed at gateway",
		zap.String("session", session.ID),
		zap.Int("result", cb.ResultCode),
		zap.String("desc", cb.ResultDesc),
	)

	return m.cancelFor(ctx, session, model.OrderStatusFailed, model.BookingFailed)
}

func (m *Manager) settle(ctx context.Context, session *model.PaymentSession) error {
	if session.OrderID != "" {
		return m.settler.SettleOrderPayment(ctx, session)
	}
	return m.settler.SettleBookingPayment(ctx, session)
}

func (m *Manager) cancelFor(ctx context.Context, session *model.PaymentSession,
	orderTo model.OrderStatus, bookingTo model.BookingStatus) error {
	if session.OrderID != "" {
		_, err := m.orders.Cancel(ctx, session.OrderID, orderTo)
		return err
	}
	_, err := m.bookings.CancelBooking(ctx, session.BookingID, bookingTo)
	return err
}

// Run drives the background sweep until the context is cancelled: expiring
// sessions past the payment window and retrying settlement for confirmed
// sessions that were interrupted before completion.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	expired, err := m.repo.ExpireStaleSessions(ctx, time.Now().Add(-m.timeout))
	if err != nil {
		m.logger.Error("expire stale sessions", zap.Error(err))
	}

	for _, s := range expired {
		s := s
		m.logger.Info("payment session expired",
			zap.String("session", s.ID),
			zap.String("order", s.OrderID),
			zap.String("booking", s.BookingID),
		)
		if err := m.cancelFor(ctx, &s, model.OrderStatusCancelled, model.BookingCancelled); err != nil {
			m.logger.Error("cancel after expiry", zap.String("session", s.ID), zap.Error(err))
		}
	}

	unsettled, err := m.repo.GetUnsettledConfirmedSessions(ctx, 50)
	if err != nil {
		m.logger.Error("load unsettled sessions", zap.Error(err))
		return
	}

	for _, s := range unsettled {
		s := s
		if err := m.settle(ctx, &s); err != nil {
			m.logger.Error("retry settlement", zap.String("session", s.ID), zap.Error(err))
		}
	}
}
