package repository

import (
	"context"
	"fmt"

	"github.com/bkiprono/sokoni-market/internal/model"
)

// UpsertCartLine adds a product to the user's cart or replaces its quantity.
func (r *PostgresRepository) UpsertCartLine(ctx context.Context, userID, productID string, quantity int) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO cart (user_id, product_id, quantity) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, product_id) DO UPDATE SET quantity = EXCLUDED.quantity`,
		userID, productID, quantity,
	)
	if err != nil {
		return fmt.Errorf("upsert cart line: %w", err)
	}
	return nil
}

// RemoveCartLine deletes a product from the user's cart.
func (r *PostgresRepository) RemoveCartLine(ctx context.Context, userID, productID string) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM cart WHERE user_id = $1 AND product_id = $2`,
		userID, productID,
	)
	if err != nil {
		return fmt.Errorf("remove cart line: %w", err)
	}
	return nil
}

// GetCartLines returns the user's cart lines in insertion order.
func (r *PostgresRepository) GetCartLines(ctx context.Context, userID string) ([]model.CartLine, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT user_id, product_id, quantity, created_at
		 FROM cart WHERE user_id = $1 ORDER BY created_at`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select cart lines: %w", err)
	}
	defer rows.Close()

	var lines []model.CartLine
	for rows.Next() {
		var l model.CartLine
		if err := rows.Scan(&l.UserID, &l.ProductID, &l.Quantity, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan cart line: %w", err)
		}
		lines = append(lines, l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return lines, nil
}

// ClearCart removes all lines from the user's cart.
func (r *PostgresRepository) ClearCart(ctx context.Context, userID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM cart WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	return nil
}
