// Package service implements the marketplace use cases on top of the cart
// aggregator, order state machine, payment manager and booking service.
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/bkiprono/sokoni-market/internal/booking"
	"github.com/bkiprono/sokoni-market/internal/cart"
	"github.com/bkiprono/sokoni-market/internal/model"
	"github.com/bkiprono/sokoni-market/internal/mpesa"
	"github.com/bkiprono/sokoni-market/internal/order"
	"github.com/bkiprono/sokoni-market/internal/payment"
	"github.com/bkiprono/sokoni-market/internal/repository"
	"github.com/bkiprono/sokoni-market/internal/validation"
)

// Repository describes the data access used directly by the service, beyond
// what the domain components own.
type Repository interface {
	Close() error
	GetProduct(ctx context.Context, productID string) (*model.Product, error)
	ListProducts(ctx context.Context, limit, offset int) ([]model.Product, error)
	UpsertCartLine(ctx context.Context, userID, productID string, quantity int) error
	RemoveCartLine(ctx context.Context, userID, productID string) error
	ClearCart(ctx context.Context, userID string) error
	GetOrdersByUser(ctx context.Context, userID string) ([]model.Order, error)
	GetEarningsByUser(ctx context.Context, userID string) ([]model.EarningsEntry, error)
	GetEarningsTotal(ctx context.Context, userID string) (int64, error)
}

// Service contains the marketplace business logic.
type Service struct {
	repo     Repository
	carts    *cart.Aggregator
	orders   *order.Machine
	payments *payment.Manager
	bookings *booking.Service
	logger   *zap.Logger
}

// NewService wires the marketplace components together.
func NewService(repo Repository, carts *cart.Aggregator, orders *order.Machine,
	payments *payment.Manager, bookings *booking.Service, logger *zap.Logger) *Service {
	return &Service{
		repo:     repo,
		carts:    carts,
		orders:   orders,
		payments: payments,
		bookings: bookings,
		logger:   logger,
	}
}

// Close releases the service resources.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// AddToCart puts a product into the user's cart, replacing any existing
// quantity for that product.
func (s *Service) AddToCart(ctx context.Context, userID, productID string, quantity int) error {
	if quantity <= 0 {
		return fmt.Errorf("quantity must be positive, got %d", quantity)
	}
	if _, err := s.repo.GetProduct(ctx, productID); err != nil {
		return err
	}
	return s.repo.UpsertCartLine(ctx, userID, productID, quantity)
}

// RemoveFromCart deletes a product from the user's cart.
func (s *Service) RemoveFromCart(ctx context.Context, userID, productID string) error {
	return s.repo.RemoveCartLine(ctx, userID, productID)
}

// GetCartDraft returns the priced, non-persisted order draft for the user's
// current cart.
func (s *Service) GetCartDraft(ctx context.Context, userID string) (*model.Order, error) {
	return s.carts.BuildDraft(ctx, userID)
}

// Checkout converts the user's cart into an order awaiting payment and asks
// the gateway to prompt the phone for payment. When the gateway is
// unreachable the order is still returned alongside the error so the caller
// can retry payment later.
func (s *Service) Checkout(ctx context.Context, userID, phone string) (*model.Order, *model.PaymentSession, error) {
	msisdn, err := validation.NormalizeMSISDN(phone)
	if err != nil {
		return nil, nil, err
	}

	draft, err := s.carts.BuildDraft(ctx, userID)
	if err != nil {
		return nil, nil, err
	}

	if err := s.orders.Create(ctx, draft); err != nil {
		return nil, nil, err
	}

	if err := s.orders.Activate(ctx, draft); err != nil {
		return nil, nil, err
	}

	if err := s.repo.ClearCart(ctx, userID); err != nil {
		s.logger.Error("clear cart after checkout", zap.String("user", userID), zap.Error(err))
	}

	session, err := s.payments.InitiateOrderPayment(ctx, draft, msisdn)
	if err != nil {
		return draft, nil, err
	}

	return draft, session, nil
}

func (s *Service) ownedOrder(ctx context.Context, userID, orderID string) (*model.Order, error) {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, repository.ErrOrderNotFound
	}
	return o, nil
}

// GetOrdersByUser returns the user's orders.
func (s *Service) GetOrdersByUser(ctx context.Context, userID string) ([]model.Order, error) {
	return s.repo.GetOrdersByUser(ctx, userID)
}

// GetOrder returns one of the user's orders with its lines.
func (s *Service) GetOrder(ctx context.Context, userID, orderID string) (*model.Order, error) {
	return s.ownedOrder(ctx, userID, orderID)
}

// RetryPayment starts a new payment session for an order whose previous
// session failed or expired.
func (s *Service) RetryPayment(ctx context.Context, userID, orderID, phone string) (*model.PaymentSession, error) {
	msisdn, err := validation.NormalizeMSISDN(phone)
	if err != nil {
		return nil, err
	}

	o, err := s.ownedOrder(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}

	return s.payments.InitiateOrderPayment(ctx, o, msisdn)
}

// CancelOrder cancels an order awaiting payment and releases its stock.
func (s *Service) CancelOrder(ctx context.Context, userID, orderID string) error {
	if _, err := s.ownedOrder(ctx, userID, orderID); err != nil {
		return err
	}

	_, err := s.orders.Cancel(ctx, orderID, model.OrderStatusCancelled)
	return err
}

// ListProducts returns catalog products.
func (s *Service) ListProducts(ctx context.Context, limit, offset int) ([]model.Product, error) {
	return s.repo.ListProducts(ctx, limit, offset)
}

// GetProduct returns a single catalog product.
func (s *Service) GetProduct(ctx context.Context, productID string) (*model.Product, error) {
	return s.repo.GetProduct(ctx, productID)
}

// ListTransportServices returns available transport services.
func (s *Service) ListTransportServices(ctx context.Context) ([]model.TransportService, error) {
	return s.bookings.ListServices(ctx)
}

// CreateBooking books a transport service and asks the gateway to prompt the
// phone for payment. Like Checkout, the booking is returned even when the
// gateway is unreachable.
func (s *Service) CreateBooking(ctx context.Context, userID, serviceID, pickup, dropoff string,
	distanceKm float64, phone string) (*model.TransportBooking, *model.PaymentSession, error) {
	msisdn, err := validation.NormalizeMSISDN(phone)
	if err != nil {
		return nil, nil, err
	}

	b, err := s.bookings.Create(ctx, userID, serviceID, pickup, dropoff, distanceKm)
	if err != nil {
		return nil, nil, err
	}

	session, err := s.payments.InitiateBookingPayment(ctx, b, msisdn)
	if err != nil {
		return b, nil, err
	}

	return b, session, nil
}

// GetBookingsByUser returns the user's transport bookings.
func (s *Service) GetBookingsByUser(ctx context.Context, userID string) ([]model.TransportBooking, error) {
	return s.bookings.ListByUser(ctx, userID)
}

// GetEarnings returns a seller's earnings history and total.
func (s *Service) GetEarnings(ctx context.Context, userID string) ([]model.EarningsEntry, int64, error) {
	entries, err := s.repo.GetEarningsByUser(ctx, userID)
	if err != nil {
		return nil, 0, err
	}

	total, err := s.repo.GetEarningsTotal(ctx, userID)
	if err != nil {
		return nil, 0, err
	}

	return entries, total, nil
}

// HandleMpesaCallback reconciles an inbound gateway callback.
func (s *Service) HandleMpesaCallback(ctx context.Context, cb *mpesa.StkCallback) error {
	return s.payments.HandleCallback(ctx, cb)
}

// StartPaymentSweep runs the payment expiry and settlement-retry sweep until
// the context is cancelled.
func (s *Service) StartPaymentSweep(ctx context.Context) {
	s.payments.Run(ctx)
}
