// Package cart converts a user's cart lines into a priced order draft.
package cart

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/bkiprono/sokoni-market/internal/model"
)

var (
	// ErrEmptyCart is returned when the cart has no lines.
	ErrEmptyCart = errors.New("cart is empty")
	// ErrProductUnavailable is returned when a cart line cannot be covered
	// by live stock.
	ErrProductUnavailable = errors.New("product unavailable")
)

// Repository describes the read-only data access used by the aggregator.
type Repository interface {
	GetCartLines(ctx context.Context, userID string) ([]model.CartLine, error)
	GetProduct(ctx context.Context, productID string) (*model.Product, error)
}

// Aggregator builds order drafts from cart contents. It never mutates
// storage; reservation happens later in the order state machine.
type Aggregator struct {
	repo Repository
}

// NewAggregator creates a cart aggregator over the given repository.
func NewAggregator(repo Repository) *Aggregator {
	return &Aggregator{repo: repo}
}

// BuildDraft snapshots the current selling price of every cart line,
// verifies availability and computes the order total. The returned order is
// in the DRAFT state and not yet persisted.
func (a *Aggregator) BuildDraft(ctx context.Context, userID string) (*model.Order, error) {
	lines, err := a.repo.GetCartLines(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load cart: %w", err)
	}
	if len(lines) == 0 {
		return nil, ErrEmptyCart
	}

	orderID := uuid.NewString()
	order := &model.Order{
		ID:     orderID,
		UserID: userID,
		Status: model.OrderStatusDraft,
	}

	for _, cl := range lines {
		p, err := a.repo.GetProduct(ctx, cl.ProductID)
		if err != nil {
			return nil, fmt.Errorf("load product %s: %w", cl.ProductID, err)
		}

		if p.Available() < cl.Quantity {
			return nil, fmt.Errorf("%w: %s has %d available, want %d",
				ErrProductUnavailable, p.ID, p.Available(), cl.Quantity)
		}

		line := model.OrderLine{
			ID:         uuid.NewString(),
			OrderID:    orderID,
			ProductID:  p.ID,
			SellerID:   p.SellerID,
			Quantity:   cl.Quantity,
			PriceCents: p.SellingCents,
		}
		order.Lines = append(order.Lines, line)
		order.TotalCents += line.TotalCents()
	}

	return order, nil
}
