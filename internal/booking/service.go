// Package booking manages transport bookings: distance-priced, order-like
// entities settled through the same payment pipeline without inventory.
package booking

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/bkiprono/sokoni-market/internal/model"
	"github.com/bkiprono/sokoni-market/internal/repository"
)

// ErrInvalidDistance is returned for a non-positive booking distance.
var ErrInvalidDistance = errors.New("distance must be positive")

// Repository describes the persistence contract used by the service.
type Repository interface {
	GetTransportService(ctx context.Context, serviceID string) (*model.TransportService, error)
	ListTransportServices(ctx context.Context) ([]model.TransportService, error)
	CreateBooking(ctx context.Context, b *model.TransportBooking) error
	GetBookingByID(ctx context.Context, bookingID string) (*model.TransportBooking, error)
	GetBookingsByUser(ctx context.Context, userID string) ([]model.TransportBooking, error)
	TransitionBooking(ctx context.Context, bookingID string, to model.BookingStatus) (bool, error)
}

// Service creates and manages transport bookings.
type Service struct {
	repo   Repository
	logger *zap.Logger
}

// NewService creates a booking service.
func NewService(repo Repository, logger *zap.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger,
	}
}

// PriceCents computes distance_km * price_per_km in cents, rounding to the
// nearest cent.
func PriceCents(distanceKm float64, pricePerKmCents int64) int64 {
	return decimal.NewFromFloat(distanceKm).
		Mul(decimal.NewFromInt(pricePerKmCents)).
		Round(0).
		IntPart()
}

// Create prices and persists a new booking in AWAITING_PAYMENT. There is no
// stock to reserve, so the booking is payable immediately.
func (s *Service) Create(ctx context.Context, userID, serviceID, pickup, dropoff string, distanceKm float64) (*model.TransportBooking, error) {
	if distanceKm <= 0 {
		return nil, ErrInvalidDistance
	}

	svc, err := s.repo.GetTransportService(ctx, serviceID)
	if err != nil {
		return nil, err
	}

	b := &model.TransportBooking{
		ID:              uuid.NewString(),
		UserID:          userID,
		ServiceID:       svc.ID,
		PickupLocation:  pickup,
		DropoffLocation: dropoff,
		DistanceKm:      distanceKm,
		TotalCents:      PriceCents(distanceKm, svc.PricePerKmCents),
		Status:          model.BookingAwaitingPayment,
	}

	if err := s.repo.CreateBooking(ctx, b); err != nil {
		return nil, fmt.Errorf("create booking: %w", err)
	}

	s.logger.Info("booking created",
		zap.String("booking", b.ID),
		zap.String("service", svc.ID),
		zap.Int64("total", b.TotalCents),
	)

	return b, nil
}

// CancelBooking moves a booking to a terminal cancellation state.
// Re-delivery of the same event is a no-op, and a cancellation racing a
// completed settlement loses quietly.
func (s *Service) CancelBooking(ctx context.Context, bookingID string, to model.BookingStatus) (bool, error) {
	applied, err := s.repo.TransitionBooking(ctx, bookingID, to)
	if err != nil {
		if errors.Is(err, repository.ErrInvalidTransition) {
			s.logger.Info("booking cancellation lost to an earlier terminal transition",
				zap.String("booking", bookingID), zap.String("to", string(to)))
			return false, nil
		}
		return false, err
	}
	return applied, nil
}

// Get returns a booking by id.
func (s *Service) Get(ctx context.Context, bookingID string) (*model.TransportBooking, error) {
	return s.repo.GetBookingByID(ctx, bookingID)
}

// ListByUser returns the user's bookings.
func (s *Service) ListByUser(ctx context.Context, userID string) ([]model.TransportBooking, error) {
	return s.repo.GetBookingsByUser(ctx, userID)
}

// ListServices returns available transport services.
func (s *Service) ListServices(ctx context.Context) ([]model.TransportService, error) {
	return s.repo.ListTransportServices(ctx)
}
