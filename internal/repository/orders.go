package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bkiprono/sokoni-market/internal/model"
)

// CreateOrder persists an order draft and its line snapshots in one
// transaction.
func (r *PostgresRepository) CreateOrder(ctx context.Context, o *model.Order) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var serviceID *string
	if o.ServiceID != "" {
		serviceID = &o.ServiceID
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO orders (order_id, user_id, total_price, status, service_id)
		 VALUES ($1, $2, $3, $4, $5)`,
		o.ID, o.UserID, o.TotalCents, string(o.Status), serviceID,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for _, l := range o.Lines {
		_, err = tx.Exec(ctx,
			`INSERT INTO order_items (item_id, order_id, product_id, seller_id, quantity, price)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			l.ID, o.ID, l.ProductID, l.SellerID, l.Quantity, l.PriceCents,
		)
		if err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

func (r *PostgresRepository) getOrderLines(ctx context.Context, orderID string) ([]model.OrderLine, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT item_id, order_id, product_id, seller_id, quantity, price
		 FROM order_items WHERE order_id = $1 ORDER BY id`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("select order items: %w", err)
	}
	defer rows.Close()

	var lines []model.OrderLine
	for rows.Next() {
		var l model.OrderLine
		if err := rows.Scan(&l.ID, &l.OrderID, &l.ProductID, &l.SellerID, &l.Quantity, &l.PriceCents); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		lines = append(lines, l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return lines, nil
}

// GetOrderByID returns an order with its line snapshots.
func (r *PostgresRepository) GetOrderByID(ctx context.Context, orderID string) (*model.Order, error) {
	var (
		o         model.Order
		status    string
		serviceID *string
	)
	err := r.pool.QueryRow(ctx,
		`SELECT order_id, user_id, total_price, status, service_id, created_at
		 FROM orders WHERE order_id = $1`,
		orderID,
	).Scan(&o.ID, &o.UserID, &o.TotalCents, &status, &serviceID, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	o.Status = model.OrderStatus(status)
	if serviceID != nil {
		o.ServiceID = *serviceID
	}

	o.Lines, err = r.getOrderLines(ctx, orderID)
	if err != nil {
		return nil, err
	}

	return &o, nil
}

// GetOrdersByUser returns the user's orders, newest first, without lines.
func (r *PostgresRepository) GetOrdersByUser(ctx context.Context, userID string) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT order_id, user_id, total_price, status, service_id, created_at
		 FROM orders WHERE user_id = $1 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		var (
			o         model.Order
			status    string
			serviceID *string
		)
		if err := rows.Scan(&o.ID, &o.UserID, &o.TotalCents, &status, &serviceID, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.Status = model.OrderStatus(status)
		if serviceID != nil {
			o.ServiceID = *serviceID
		}
		orders = append(orders, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return orders, nil
}

// TransitionOrder moves an order to a new status under a row lock, so
// concurrent transitions for the same order are serialized. Returns the
// previous status and whether the transition was applied; a transition to
// the current status is reported as not applied with no error.
func (r *PostgresRepository) TransitionOrder(ctx context.Context, orderID string, to model.OrderStatus) (model.OrderStatus, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	from, applied, err := transitionOrderTx(ctx, tx, orderID, to)
	if err != nil {
		return from, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return from, false, fmt.Errorf("commit tx: %w", err)
	}

	return from, applied, nil
}

func transitionOrderTx(ctx context.Context, tx pgx.Tx, orderID string, to model.OrderStatus) (model.OrderStatus, bool, error) {
	var current string
	err := tx.QueryRow(ctx,
		`SELECT status FROM orders WHERE order_id = $1 FOR UPDATE`,
		orderID,
	).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, ErrOrderNotFound
		}
		return "", false, fmt.Errorf("lock order: %w", err)
	}

	from := model.OrderStatus(current)
	if from == to {
		return from, false, nil
	}
	if !model.CanTransition(from, to) {
		return from, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	_, err = tx.Exec(ctx,
		`UPDATE orders SET status = $2 WHERE order_id = $1`,
		orderID, string(to),
	)
	if err != nil {
		return from, false, fmt.Errorf("update order status: %w", err)
	}

	return from, true, nil
}

// CancelOrderReleasingStock transitions an order to a cancelled or failed
// state and returns all held reservations to available stock in the same
// transaction. Re-delivery for an order already in the target state is a
// no-op.
func (r *PostgresRepository) CancelOrderReleasingStock(ctx context.Context, orderID string, to model.OrderStatus) (bool, error) {
	if to != model.OrderStatusCancelled && to != model.OrderStatusFailed {
		return false, fmt.Errorf("%w: %s is not a cancellation state", ErrInvalidTransition, to)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, applied, err := transitionOrderTx(ctx, tx, orderID, to)
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}

	// Same token order as settlement so the two paths lock product rows in
	// the same sequence.
	rows, err := tx.Query(ctx,
		`SELECT token FROM reservations WHERE order_id = $1 AND status = $2 ORDER BY token FOR UPDATE`,
		orderID, string(model.ReservationHeld),
	)
	if err != nil {
		return false, fmt.Errorf("select held reservations: %w", err)
	}

	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			rows.Close()
			return false, fmt.Errorf("scan reservation token: %w", err)
		}
		tokens = append(tokens, token)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("rows error: %w", err)
	}

	for _, token := range tokens {
		if err := releaseReservationTx(ctx, tx, token); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}

	return true, nil
}
