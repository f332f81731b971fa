package repository

import (
	"context"
	"fmt"

	"github.com/bkiprono/sokoni-market/internal/model"
)

// GetEarningsByUser returns a seller's earnings history, newest first.
func (r *PostgresRepository) GetEarningsByUser(ctx context.Context, userID string) ([]model.EarningsEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT entry_id, user_id, COALESCE(order_id, ''), COALESCE(order_item_id, ''), COALESCE(booking_id, ''), earning, earned_at
		 FROM e_earnings WHERE user_id = $1 ORDER BY earned_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select earnings: %w", err)
	}
	defer rows.Close()

	var entries []model.EarningsEntry
	for rows.Next() {
		var e model.EarningsEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.OrderID, &e.OrderLineID, &e.BookingID, &e.AmountCents, &e.EarnedAt); err != nil {
			return nil, fmt.Errorf("scan earnings entry: %w", err)
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return entries, nil
}

// GetEarningsTotal returns the sum of a seller's earnings in cents.
func (r *PostgresRepository) GetEarningsTotal(ctx context.Context, userID string) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(earning), 0) FROM e_earnings WHERE user_id = $1`,
		userID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum earnings: %w", err)
	}
	return total, nil
}
