package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bkiprono/sokoni-market/internal/model"
)

// SettleOrder performs the full settlement of a confirmed payment as one
// atomic unit: record the transaction, commit every held reservation, append
// seller earnings and move the order to FULFILLED. The unique transaction per
// order is the idempotency anchor: settling an already fulfilled order is a
// no-op, and a partial failure rolls the whole unit back for retry.
func (r *PostgresRepository) SettleOrder(ctx context.Context, txn *model.Transaction, earnings []model.EarningsEntry) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var current string
	err = tx.QueryRow(ctx,
		`SELECT status FROM orders WHERE order_id = $1 FOR UPDATE`,
		txn.OrderID,
	).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrOrderNotFound
		}
		return fmt.Errorf("lock order: %w", err)
	}

	switch model.OrderStatus(current) {
	case model.OrderStatusFulfilled:
		return nil
	case model.OrderStatusAwaitingPayment, model.OrderStatusPaid:
	default:
		return fmt.Errorf("%w: settle order in %s", ErrInvalidTransition, current)
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO transactions (transaction_id, order_id, user_id, amount, payment_method, mpesa_code, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (order_id) WHERE order_id IS NOT NULL DO NOTHING`,
		txn.ID, txn.OrderID, txn.UserID, txn.AmountCents, txn.PaymentMethod, txn.MpesaCode, txn.Status,
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// A transaction already exists for this order: settlement completed
		// in a competing retry.
		return nil
	}

	_, err = tx.Exec(ctx,
		`UPDATE orders SET status = $2 WHERE order_id = $1`,
		txn.OrderID, string(model.OrderStatusPaid),
	)
	if err != nil {
		return fmt.Errorf("mark order paid: %w", err)
	}

	// Token order fixes the sequence of product row locks so concurrent
	// settlements and cancellations over shared products cannot deadlock.
	rows, err := tx.Query(ctx,
		`SELECT token FROM reservations WHERE order_id = $1 AND status = $2 ORDER BY token`,
		txn.OrderID, string(model.ReservationHeld),
	)
	if err != nil {
		return fmt.Errorf("select held reservations: %w", err)
	}

	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			rows.Close()
			return fmt.Errorf("scan reservation token: %w", err)
		}
		tokens = append(tokens, token)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows error: %w", err)
	}

	for _, token := range tokens {
		if err := commitReservationTx(ctx, tx, token); err != nil {
			return err
		}
	}

	for _, e := range earnings {
		_, err = tx.Exec(ctx,
			`INSERT INTO e_earnings (entry_id, user_id, order_id, order_item_id, earning)
			 VALUES ($1, $2, $3, $4, $5)`,
			e.ID, e.UserID, e.OrderID, e.OrderLineID, e.AmountCents,
		)
		if err != nil {
			return fmt.Errorf("insert earnings entry: %w", err)
		}
	}

	_, err = tx.Exec(ctx,
		`UPDATE orders SET status = $2 WHERE order_id = $1`,
		txn.OrderID, string(model.OrderStatusFulfilled),
	)
	if err != nil {
		return fmt.Errorf("mark order fulfilled: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// SettleBooking settles a confirmed transport booking payment: transaction
// record, earnings credit for the service owner and booking to PAID. Same
// idempotency contract as SettleOrder, with no inventory step.
func (r *PostgresRepository) SettleBooking(ctx context.Context, txn *model.Transaction, earnings []model.EarningsEntry) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var current string
	err = tx.QueryRow(ctx,
		`SELECT status FROM transport_bookings WHERE booking_id = $1 FOR UPDATE`,
		txn.BookingID,
	).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrBookingNotFound
		}
		return fmt.Errorf("lock booking: %w", err)
	}

	switch model.BookingStatus(current) {
	case model.BookingPaid:
		return nil
	case model.BookingAwaitingPayment:
	default:
		return fmt.Errorf("%w: settle booking in %s", ErrInvalidTransition, current)
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO transactions (transaction_id, booking_id, user_id, amount, payment_method, mpesa_code, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (booking_id) WHERE booking_id IS NOT NULL DO NOTHING`,
		txn.ID, txn.BookingID, txn.UserID, txn.AmountCents, txn.PaymentMethod, txn.MpesaCode, txn.Status,
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}

	for _, e := range earnings {
		_, err = tx.Exec(ctx,
			`INSERT INTO e_earnings (entry_id, user_id, booking_id, earning)
			 VALUES ($1, $2, $3, $4)`,
			e.ID, e.UserID, e.BookingID, e.AmountCents,
		)
		if err != nil {
			return fmt.Errorf("insert earnings entry: %w", err)
		}
	}

	_, err = tx.Exec(ctx,
		`UPDATE transport_bookings SET status = $2 WHERE booking_id = $1`,
		txn.BookingID, string(model.BookingPaid),
	)
	if err != nil {
		return fmt.Errorf("mark booking paid: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}
