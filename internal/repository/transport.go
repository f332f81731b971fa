package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bkiprono/sokoni-market/internal/model"
)

const serviceColumns = `service_id, user_id, service_name, vehicle_description, price_per_km, due_date, created_at`

func scanTransportService(row pgx.Row) (*model.TransportService, error) {
	var s model.TransportService
	err := row.Scan(&s.ID, &s.UserID, &s.Name, &s.VehicleDescription, &s.PricePerKmCents, &s.DueDate, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetTransportService returns a transport service by id.
func (r *PostgresRepository) GetTransportService(ctx context.Context, serviceID string) (*model.TransportService, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+serviceColumns+` FROM transport_services WHERE service_id = $1`,
		serviceID,
	)

	s, err := scanTransportService(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrServiceNotFound
		}
		return nil, fmt.Errorf("get transport service: %w", err)
	}

	return s, nil
}

// ListTransportServices returns available transport services, soonest due
// first.
func (r *PostgresRepository) ListTransportServices(ctx context.Context) ([]model.TransportService, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+serviceColumns+` FROM transport_services ORDER BY due_date`,
	)
	if err != nil {
		return nil, fmt.Errorf("select transport services: %w", err)
	}
	defer rows.Close()

	var services []model.TransportService
	for rows.Next() {
		s, err := scanTransportService(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transport service: %w", err)
		}
		services = append(services, *s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return services, nil
}

// CreateBooking persists a new transport booking.
func (r *PostgresRepository) CreateBooking(ctx context.Context, b *model.TransportBooking) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO transport_bookings
		 (booking_id, user_id, service_id, pickup_location, dropoff_location, distance_km, total_price, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		b.ID, b.UserID, b.ServiceID, b.PickupLocation, b.DropoffLocation, b.DistanceKm, b.TotalCents, string(b.Status),
	)
	if err != nil {
		return fmt.Errorf("insert booking: %w", err)
	}
	return nil
}

// GetBookingByID returns a booking by id.
func (r *PostgresRepository) GetBookingByID(ctx context.Context, bookingID string) (*model.TransportBooking, error) {
	var (
		b      model.TransportBooking
		status string
	)
	err := r.pool.QueryRow(ctx,
		`SELECT booking_id, user_id, service_id, pickup_location, dropoff_location, distance_km, total_price, status, created_at
		 FROM transport_bookings WHERE booking_id = $1`,
		bookingID,
	).Scan(&b.ID, &b.UserID, &b.ServiceID, &b.PickupLocation, &b.DropoffLocation, &b.DistanceKm, &b.TotalCents, &status, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBookingNotFound
		}
		return nil, fmt.Errorf("get booking: %w", err)
	}

	b.Status = model.BookingStatus(status)
	return &b, nil
}

// GetBookingsByUser returns the user's bookings, newest first.
func (r *PostgresRepository) GetBookingsByUser(ctx context.Context, userID string) ([]model.TransportBooking, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT booking_id, user_id, service_id, pickup_location, dropoff_location, distance_km, total_price, status, created_at
		 FROM transport_bookings WHERE user_id = $1 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select bookings: %w", err)
	}
	defer rows.Close()

	var bookings []model.TransportBooking
	for rows.Next() {
		var (
			b      model.TransportBooking
			status string
		)
		if err := rows.Scan(&b.ID, &b.UserID, &b.ServiceID, &b.PickupLocation, &b.DropoffLocation,
			&b.DistanceKm, &b.TotalCents, &status, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan booking: %w", err)
		}
		b.Status = model.BookingStatus(status)
		bookings = append(bookings, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return bookings, nil
}

// TransitionBooking moves a booking to a new status under a row lock.
// Returns whether the transition was applied; moving to the current status
// is a no-op.
func (r *PostgresRepository) TransitionBooking(ctx context.Context, bookingID string, to model.BookingStatus) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var current string
	err = tx.QueryRow(ctx,
		`SELECT status FROM transport_bookings WHERE booking_id = $1 FOR UPDATE`,
		bookingID,
	).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrBookingNotFound
		}
		return false, fmt.Errorf("lock booking: %w", err)
	}

	from := model.BookingStatus(current)
	if from == to {
		return false, nil
	}
	if !model.CanTransitionBooking(from, to) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	_, err = tx.Exec(ctx,
		`UPDATE transport_bookings SET status = $2 WHERE booking_id = $1`,
		bookingID, string(to),
	)
	if err != nil {
		return false, fmt.Errorf("update booking status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}

	return true, nil
}
