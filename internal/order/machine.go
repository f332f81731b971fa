// Package order owns the order lifecycle from draft to terminal state.
package order

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/bkiprono/sokoni-market/internal/model"
	"github.com/bkiprono/sokoni-market/internal/repository"
)

// Repository describes the persistence contract used by the state machine.
// Transitions are serialized per order by a row lock inside the repository.
type Repository interface {
	CreateOrder(ctx context.Context, o *model.Order) error
	GetOrderByID(ctx context.Context, orderID string) (*model.Order, error)
	TransitionOrder(ctx context.Context, orderID string, to model.OrderStatus) (model.OrderStatus, bool, error)
	CancelOrderReleasingStock(ctx context.Context, orderID string, to model.OrderStatus) (bool, error)
}

// Ledger describes the inventory operations the machine drives.
type Ledger interface {
	ReserveOrder(ctx context.Context, orderID string, lines []model.OrderLine) ([]string, error)
	Release(ctx context.Context, token string) error
}

// Machine orchestrates order transitions, inventory reservation and
// cancellation.
type Machine struct {
	repo   Repository
	ledger Ledger
	logger *zap.Logger
}

// NewMachine creates an order state machine.
func NewMachine(repo Repository, ledger Ledger, logger *zap.Logger) *Machine {
	return &Machine{
		repo:   repo,
		ledger: ledger,
		logger: logger,
	}
}

// Create persists an order draft produced by the cart aggregator.
func (m *Machine) Create(ctx context.Context, o *model.Order) error {
	if o.Status != model.OrderStatusDraft {
		return fmt.Errorf("create order in %s: must be %s", o.Status, model.OrderStatusDraft)
	}
	if err := m.repo.CreateOrder(ctx, o); err != nil {
		return fmt.Errorf("persist draft: %w", err)
	}
	return nil
}

// Activate moves a draft to AWAITING_PAYMENT, reserving stock for every line
// all or nothing. A failed reservation moves the order to FAILED; reservations
// made for earlier lines are released by the ledger.
func (m *Machine) Activate(ctx context.Context, o *model.Order) error {
	tokens, err := m.ledger.ReserveOrder(ctx, o.ID, o.Lines)
	if err != nil {
		if _, _, trErr := m.repo.TransitionOrder(ctx, o.ID, model.OrderStatusFailed); trErr != nil {
			m.logger.Error("mark order failed after reservation failure",
				zap.String("order", o.ID), zap.Error(trErr))
		}
		return err
	}

	_, applied, err := m.repo.TransitionOrder(ctx, o.ID, model.OrderStatusAwaitingPayment)
	if err != nil || !applied {
		for _, t := range tokens {
			if relErr := m.ledger.Release(ctx, t); relErr != nil {
				m.logger.Error("release after failed activation",
					zap.String("token", t), zap.Error(relErr))
			}
		}
		if err != nil {
			return fmt.Errorf("activate order %s: %w", o.ID, err)
		}
		return fmt.Errorf("activate order %s: already active", o.ID)
	}

	o.Status = model.OrderStatusAwaitingPayment
	return nil
}

// Cancel moves an order to CANCELLED or FAILED and returns its held
// reservations to stock in one atomic unit. Re-delivery of the same terminal
// event reports applied=false with no error, and a cancellation racing a
// completed settlement is reported as the losing side.
func (m *Machine) Cancel(ctx context.Context, orderID string, to model.OrderStatus) (bool, error) {
	applied, err := m.repo.CancelOrderReleasingStock(ctx, orderID, to)
	if err != nil {
		if errors.Is(err, repository.ErrInvalidTransition) {
			m.logger.Info("cancellation lost to an earlier terminal transition",
				zap.String("order", orderID), zap.String("to", string(to)))
			return false, nil
		}
		return false, err
	}

	if applied {
		m.logger.Info("order cancelled",
			zap.String("order", orderID), zap.String("status", string(to)))
	}

	return applied, nil
}

// Get returns an order with its lines.
func (m *Machine) Get(ctx context.Context, orderID string) (*model.Order, error) {
	return m.repo.GetOrderByID(ctx, orderID)
}
