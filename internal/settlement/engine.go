// Package settlement credits sellers and finalizes orders once a payment is
// confirmed.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/bkiprono/sokoni-market/internal/model"
	"github.com/bkiprono/sokoni-market/internal/repository"
)

const paymentMethodMpesa = "MPESA"

// Repository describes the persistence contract used by the engine. The
// Settle* methods run the whole settlement as one atomic unit keyed on the
// uniqueness of a transaction per order or booking.
type Repository interface {
	GetOrderByID(ctx context.Context, orderID string) (*model.Order, error)
	SettleOrder(ctx context.Context, txn *model.Transaction, earnings []model.EarningsEntry) error
	GetBookingByID(ctx context.Context, bookingID string) (*model.TransportBooking, error)
	GetTransportService(ctx context.Context, serviceID string) (*model.TransportService, error)
	SettleBooking(ctx context.Context, txn *model.Transaction, earnings []model.EarningsEntry) error
}

// Engine applies confirmed payments: transaction record, inventory commit,
// seller earnings, terminal order state.
type Engine struct {
	repo         Repository
	sharePercent int64
	logger       *zap.Logger
}

// NewEngine creates a settlement engine crediting sellers the given percent
// of each line total.
func NewEngine(repo Repository, sharePercent int, logger *zap.Logger) *Engine {
	return &Engine{
		repo:         repo,
		sharePercent: int64(sharePercent),
		logger:       logger,
	}
}

// sellerShare computes the seller-attributable portion of an amount,
// rounding down to whole cents.
func (e *Engine) sellerShare(amountCents int64) int64 {
	return decimal.NewFromInt(amountCents).
		Mul(decimal.NewFromInt(e.sharePercent)).
		Div(decimal.NewFromInt(100)).
		IntPart()
}

func (e *Engine) settleWithRetry(ctx context.Context, settle func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(200*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := settle(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, repository.ErrInvalidTransition) ||
			errors.Is(err, repository.ErrOrderNotFound) ||
			errors.Is(err, repository.ErrBookingNotFound) {
			return err
		}
		return retry.RetryableError(err)
	})
}

// SettleOrderPayment settles a confirmed order payment session. Safe to call
// more than once for the same session: a prior completed settlement is
// detected through the existing transaction and skipped.
func (e *Engine) SettleOrderPayment(ctx context.Context, session *model.PaymentSession) error {
	o, err := e.repo.GetOrderByID(ctx, session.OrderID)
	if err != nil {
		return fmt.Errorf("load order for settlement: %w", err)
	}

	txn := &model.Transaction{
		ID:            uuid.NewString(),
		OrderID:       o.ID,
		UserID:        o.UserID,
		AmountCents:   session.AmountCents,
		PaymentMethod: paymentMethodMpesa,
		MpesaCode:     session.MpesaReceipt,
		Status:        string(model.SessionConfirmed),
	}

	earnings := make([]model.EarningsEntry, 0, len(o.Lines))
	for _, line := range o.Lines {
		earnings = append(earnings, model.EarningsEntry{
			ID:          uuid.NewString(),
			UserID:      line.SellerID,
			OrderID:     o.ID,
			OrderLineID: line.ID,
			AmountCents: e.sellerShare(line.TotalCents()),
		})
	}

	err = e.settleWithRetry(ctx, func(ctx context.Context) error {
		return e.repo.SettleOrder(ctx, txn, earnings)
	})
	if err != nil {
		return fmt.Errorf("settle order %s: %w", o.ID, err)
	}

	e.logger.Info("order settled",
		zap.String("order", o.ID),
		zap.Int64("amount", session.AmountCents),
		zap.String("receipt", session.MpesaReceipt),
	)

	return nil
}

// SettleBookingPayment settles a confirmed transport booking payment. No
// inventory step: distance pricing has no stock.
func (e *Engine) SettleBookingPayment(ctx context.Context, session *model.PaymentSession) error {
	b, err := e.repo.GetBookingByID(ctx, session.BookingID)
	if err != nil {
		return fmt.Errorf("load booking for settlement: %w", err)
	}

	svc, err := e.repo.GetTransportService(ctx, b.ServiceID)
	if err != nil {
		return fmt.Errorf("load service for settlement: %w", err)
	}

	txn := &model.Transaction{
		ID:            uuid.NewString(),
		BookingID:     b.ID,
		UserID:        b.UserID,
		AmountCents:   session.AmountCents,
		PaymentMethod: paymentMethodMpesa,
		MpesaCode:     session.MpesaReceipt,
		Status:        string(model.SessionConfirmed),
	}

	earnings := []model.EarningsEntry{{
		ID:          uuid.NewString(),
		UserID:      svc.UserID,
		BookingID:   b.ID,
		AmountCents: e.sellerShare(b.TotalCents),
	}}

	err = e.settleWithRetry(ctx, func(ctx context.Context) error {
		return e.repo.SettleBooking(ctx, txn, earnings)
	})
	if err != nil {
		return fmt.Errorf("settle booking %s: %w", b.ID, err)
	}

	e.logger.Info("booking settled",
		zap.String("booking", b.ID),
		zap.Int64("amount", session.AmountCents),
	)

	return nil
}
