// Package inventory implements the stock ledger: temporary holds that are
// later committed into permanent decrements or released back.
package inventory

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bkiprono/sokoni-market/internal/model"
)

// Repository describes the persistence contract used by the ledger.
type Repository interface {
	ReserveStock(ctx context.Context, token, productID, orderID string, quantity int) error
	CommitReservation(ctx context.Context, token string) error
	ReleaseReservation(ctx context.Context, token string) error
	GetReservationsByOrder(ctx context.Context, orderID string) ([]model.Reservation, error)
}

// Ledger hands out reservation tokens and guards all stock mutation.
type Ledger struct {
	repo   Repository
	logger *zap.Logger
}

// NewLedger creates a stock ledger over the given repository.
func NewLedger(repo Repository, logger *zap.Logger) *Ledger {
	return &Ledger{
		repo:   repo,
		logger: logger,
	}
}

// Reserve places a hold on product stock and returns the reservation token.
// Fails with repository.ErrInsufficientStock when available stock is short.
func (l *Ledger) Reserve(ctx context.Context, productID, orderID string, quantity int) (string, error) {
	if quantity <= 0 {
		return "", fmt.Errorf("reserve quantity must be positive, got %d", quantity)
	}

	token := uuid.NewString()
	if err := l.repo.ReserveStock(ctx, token, productID, orderID, quantity); err != nil {
		return "", err
	}

	l.logger.Debug("stock reserved",
		zap.String("product", productID),
		zap.String("order", orderID),
		zap.Int("quantity", quantity),
	)

	return token, nil
}

// ReserveOrder reserves stock for every line of an order, all or nothing.
// On a partial failure every reservation made so far is released before the
// error is returned.
func (l *Ledger) ReserveOrder(ctx context.Context, orderID string, lines []model.OrderLine) ([]string, error) {
	tokens := make([]string, 0, len(lines))

	for _, line := range lines {
		token, err := l.Reserve(ctx, line.ProductID, orderID, line.Quantity)
		if err != nil {
			for _, t := range tokens {
				if relErr := l.Release(ctx, t); relErr != nil {
					l.logger.Error("release after failed batch reserve",
						zap.String("token", t), zap.Error(relErr))
				}
			}
			return nil, fmt.Errorf("reserve line %s: %w", line.ProductID, err)
		}
		tokens = append(tokens, token)
	}

	return tokens, nil
}

// Commit converts a reservation into a permanent stock decrement. Committing
// the same token twice is a no-op.
func (l *Ledger) Commit(ctx context.Context, token string) error {
	return l.repo.CommitReservation(ctx, token)
}

// Release returns a held quantity to available stock. Releasing the same
// token twice is a no-op.
func (l *Ledger) Release(ctx context.Context, token string) error {
	return l.repo.ReleaseReservation(ctx, token)
}

// ReleaseOrder releases every held reservation belonging to an order.
func (l *Ledger) ReleaseOrder(ctx context.Context, orderID string) error {
	reservations, err := l.repo.GetReservationsByOrder(ctx, orderID)
	if err != nil {
		return err
	}

	for _, rv := range reservations {
		if rv.Status != model.ReservationHeld {
			continue
		}
		if err := l.Release(ctx, rv.Token); err != nil {
			return err
		}
	}

	return nil
}
