package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bkiprono/sokoni-market/internal/model"
)

// ReserveStock places a hold on product stock under the given token. The
// check-and-increment of the reserved counter is a single conditional UPDATE,
// so concurrent reservations for the same product cannot oversell.
func (r *PostgresRepository) ReserveStock(ctx context.Context, token, productID, orderID string, quantity int) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE products SET reserved = reserved + $2
		 WHERE product_id = $1 AND stock - reserved >= $2`,
		productID, quantity,
	)
	if err != nil {
		return fmt.Errorf("reserve stock: %w", err)
	}

	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM products WHERE product_id = $1)`,
			productID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check product: %w", err)
		}
		if !exists {
			return fmt.Errorf("%w: %s", ErrProductNotFound, productID)
		}
		return fmt.Errorf("%w: product %s quantity %d", ErrInsufficientStock, productID, quantity)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO reservations (token, product_id, order_id, quantity, status)
		 VALUES ($1, $2, $3, $4, $5)`,
		token, productID, orderID, quantity, string(model.ReservationHeld),
	)
	if err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// CommitReservation converts a hold into a permanent stock decrement.
// Committing an already committed token is a no-op.
func (r *PostgresRepository) CommitReservation(ctx context.Context, token string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := commitReservationTx(ctx, tx, token); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

func commitReservationTx(ctx context.Context, tx pgx.Tx, token string) error {
	var (
		productID string
		quantity  int
		status    string
	)
	err := tx.QueryRow(ctx,
		`SELECT product_id, quantity, status FROM reservations WHERE token = $1 FOR UPDATE`,
		token,
	).Scan(&productID, &quantity, &status)
	if err != nil {
		if err == pgx.ErrNoRows {
			return fmt.Errorf("%w: %s", ErrReservationNotFound, token)
		}
		return fmt.Errorf("lock reservation: %w", err)
	}

	switch model.ReservationStatus(status) {
	case model.ReservationCommitted:
		return nil
	case model.ReservationReleased:
		return fmt.Errorf("%w: token %s already released", ErrReservationNotFound, token)
	}

	_, err = tx.Exec(ctx,
		`UPDATE products SET stock = stock - $2, reserved = reserved - $2 WHERE product_id = $1`,
		productID, quantity,
	)
	if err != nil {
		return fmt.Errorf("decrement stock: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE reservations SET status = $2 WHERE token = $1`,
		token, string(model.ReservationCommitted),
	)
	if err != nil {
		return fmt.Errorf("mark reservation committed: %w", err)
	}

	return nil
}

// ReleaseReservation returns held quantity to available stock. Releasing an
// already released token is a no-op.
func (r *PostgresRepository) ReleaseReservation(ctx context.Context, token string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := releaseReservationTx(ctx, tx, token); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

func releaseReservationTx(ctx context.Context, tx pgx.Tx, token string) error {
	var (
		productID string
		quantity  int
		status    string
	)
	err := tx.QueryRow(ctx,
		`SELECT product_id, quantity, status FROM reservations WHERE token = $1 FOR UPDATE`,
		token,
	).Scan(&productID, &quantity, &status)
	if err != nil {
		if err == pgx.ErrNoRows {
			return fmt.Errorf("%w: %s", ErrReservationNotFound, token)
		}
		return fmt.Errorf("lock reservation: %w", err)
	}

	switch model.ReservationStatus(status) {
	case model.ReservationReleased:
		return nil
	case model.ReservationCommitted:
		return fmt.Errorf("%w: token %s already committed", ErrReservationNotFound, token)
	}

	_, err = tx.Exec(ctx,
		`UPDATE products SET reserved = reserved - $2 WHERE product_id = $1`,
		productID, quantity,
	)
	if err != nil {
		return fmt.Errorf("return reserved stock: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE reservations SET status = $2 WHERE token = $1`,
		token, string(model.ReservationReleased),
	)
	if err != nil {
		return fmt.Errorf("mark reservation released: %w", err)
	}

	return nil
}

// GetReservationsByOrder returns all reservations belonging to an order.
func (r *PostgresRepository) GetReservationsByOrder(ctx context.Context, orderID string) ([]model.Reservation, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT token, product_id, order_id, quantity, status, created_at
		 FROM reservations WHERE order_id = $1 ORDER BY created_at`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("select reservations: %w", err)
	}
	defer rows.Close()

	var res []model.Reservation
	for rows.Next() {
		var rv model.Reservation
		var status string
		if err := rows.Scan(&rv.Token, &rv.ProductID, &rv.OrderID, &rv.Quantity, &status, &rv.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		rv.Status = model.ReservationStatus(status)
		res = append(res, rv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
