package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/bkiprono/sokoni-market/internal/model"
)

const sessionColumns = `session_id, order_id, booking_id, checkout_request_id, mpesa_receipt, phone, amount, status, created_at`

func scanSession(row pgx.Row) (*model.PaymentSession, error) {
	var (
		s           model.PaymentSession
		orderID     *string
		bookingID   *string
		checkoutRef *string
		status      string
	)
	err := row.Scan(&s.ID, &orderID, &bookingID, &checkoutRef, &s.MpesaReceipt, &s.Phone, &s.AmountCents, &status, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	if orderID != nil {
		s.OrderID = *orderID
	}
	if bookingID != nil {
		s.BookingID = *bookingID
	}
	if checkoutRef != nil {
		s.CheckoutRequestID = *checkoutRef
	}
	s.Status = model.SessionStatus(status)
	return &s, nil
}

// CreatePaymentSession inserts a new session in the INITIATED state. A
// partial unique index rejects a second non-terminal session for the same
// order or booking, which is surfaced as ErrSessionActive.
func (r *PostgresRepository) CreatePaymentSession(ctx context.Context, s *model.PaymentSession) error {
	var orderID, bookingID *string
	if s.OrderID != "" {
		orderID = &s.OrderID
	}
	if s.BookingID != "" {
		bookingID = &s.BookingID
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO payment_sessions (session_id, order_id, booking_id, phone, amount, status)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		s.ID, orderID, bookingID, s.Phone, s.AmountCents, string(s.Status),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: order %s booking %s", ErrSessionActive, s.OrderID, s.BookingID)
		}
		return fmt.Errorf("insert payment session: %w", err)
	}

	return nil
}

// MarkSessionPending records the gateway's checkout reference and moves the
// session from INITIATED to PENDING.
func (r *PostgresRepository) MarkSessionPending(ctx context.Context, sessionID, checkoutRef string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE payment_sessions SET status = $2, checkout_request_id = $3
		 WHERE session_id = $1 AND status = $4`,
		sessionID, string(model.SessionPending), checkoutRef, string(model.SessionInitiated),
	)
	if err != nil {
		return fmt.Errorf("mark session pending: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s not in INITIATED", ErrSessionNotFound, sessionID)
	}
	return nil
}

// MarkSessionFailed terminates a session that never reached the gateway, so
// the order can retry payment.
func (r *PostgresRepository) MarkSessionFailed(ctx context.Context, sessionID string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE payment_sessions SET status = $2
		 WHERE session_id = $1 AND status IN ($3, $4)`,
		sessionID, string(model.SessionFailed),
		string(model.SessionInitiated), string(model.SessionPending),
	)
	if err != nil {
		return fmt.Errorf("mark session failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s not active", ErrSessionNotFound, sessionID)
	}
	return nil
}

// ResolvePendingSession moves the pending session with the given checkout
// reference to a terminal state under a row lock, recording the gateway
// receipt. If no pending session matches (the callback is a duplicate,
// unknown, or lost a race with the expiry sweep) ErrSessionNotFound is
// returned and nothing is mutated.
func (r *PostgresRepository) ResolvePendingSession(ctx context.Context, checkoutRef string, to model.SessionStatus, receipt string) (*model.PaymentSession, error) {
	if !model.IsTerminalSessionStatus(to) {
		return nil, fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, to)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM payment_sessions
		 WHERE checkout_request_id = $1 AND status = $2 FOR UPDATE`,
		checkoutRef, string(model.SessionPending),
	)

	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: checkout %s", ErrSessionNotFound, checkoutRef)
		}
		return nil, fmt.Errorf("lock session: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE payment_sessions SET status = $2, mpesa_receipt = $3 WHERE session_id = $1`,
		s.ID, string(to), receipt,
	)
	if err != nil {
		return nil, fmt.Errorf("resolve session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	s.Status = to
	s.MpesaReceipt = receipt
	return s, nil
}

// ExpireStaleSessions terminates sessions created before the cutoff that
// never received a callback and returns them for cancellation handling.
func (r *PostgresRepository) ExpireStaleSessions(ctx context.Context, cutoff time.Time) ([]model.PaymentSession, error) {
	rows, err := r.pool.Query(ctx,
		`UPDATE payment_sessions SET status = $1
		 WHERE status IN ($2, $3) AND created_at < $4
		 RETURNING `+sessionColumns,
		string(model.SessionExpired),
		string(model.SessionInitiated), string(model.SessionPending),
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("expire sessions: %w", err)
	}
	defer rows.Close()

	var expired []model.PaymentSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		expired = append(expired, *s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return expired, nil
}

// GetUnsettledConfirmedSessions returns confirmed sessions whose order or
// booking has not reached its paid state, so settlement can be retried
// after a crash between confirmation and settlement.
func (r *PostgresRepository) GetUnsettledConfirmedSessions(ctx context.Context, limit int) ([]model.PaymentSession, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM payment_sessions ps
		 WHERE ps.status = $1
		   AND (
		     (ps.order_id IS NOT NULL AND EXISTS (
		       SELECT 1 FROM orders o WHERE o.order_id = ps.order_id AND o.status = $2))
		     OR
		     (ps.booking_id IS NOT NULL AND EXISTS (
		       SELECT 1 FROM transport_bookings b WHERE b.booking_id = ps.booking_id AND b.status = $3))
		   )
		 ORDER BY ps.created_at
		 LIMIT $4`,
		string(model.SessionConfirmed),
		string(model.OrderStatusAwaitingPayment),
		string(model.BookingAwaitingPayment),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select unsettled sessions: %w", err)
	}
	defer rows.Close()

	var sessions []model.PaymentSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return sessions, nil
}
