// Package model contains the domain entities of the sokoni marketplace.
package model

import "time"

// Product is a catalog item offered by a seller. Stock is mutated only
// through the inventory ledger, never directly.
type Product struct {
	ID           string
	Name         string
	Description  string
	PriceCents   int64
	SellingCents int64
	Stock        int
	Reserved     int
	Unit         string
	SellerID     string
	CreatedAt    time.Time
}

// Available reports how much stock can still be reserved.
func (p Product) Available() int {
	return p.Stock - p.Reserved
}

// CartLine is a single product entry in a user's cart.
type CartLine struct {
	UserID    string
	ProductID string
	Quantity  int
	CreatedAt time.Time
}

// OrderStatus describes where an order is in its lifecycle.
type OrderStatus string

const (
	OrderStatusDraft           OrderStatus = "DRAFT"
	OrderStatusAwaitingPayment OrderStatus = "AWAITING_PAYMENT"
	OrderStatusPaid            OrderStatus = "PAID"
	OrderStatusFulfilled       OrderStatus = "FULFILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusFailed          OrderStatus = "FAILED"
)

var orderTransitions = map[OrderStatus]map[OrderStatus]bool{
	OrderStatusDraft: {
		OrderStatusAwaitingPayment: true,
		OrderStatusFailed:          true,
	},
	OrderStatusAwaitingPayment: {
		OrderStatusPaid:      true,
		OrderStatusCancelled: true,
		OrderStatusFailed:    true,
	},
	OrderStatusPaid: {
		OrderStatusFulfilled: true,
	},
	OrderStatusFulfilled: {},
	OrderStatusCancelled: {},
	OrderStatusFailed:    {},
}

// CanTransition reports whether an order may move from one status to another.
func CanTransition(from, to OrderStatus) bool {
	return orderTransitions[from][to]
}

// Order is a buyer's purchase of one or more products. Line prices are
// snapshots taken at order time so historical totals never drift.
type Order struct {
	ID         string
	UserID     string
	Status     OrderStatus
	TotalCents int64
	ServiceID  string
	Lines      []OrderLine
	CreatedAt  time.Time
}

// OrderLine is an immutable snapshot of one ordered product.
type OrderLine struct {
	ID         string
	OrderID    string
	ProductID  string
	SellerID   string
	Quantity   int
	PriceCents int64
}

// TotalCents returns quantity times the captured unit price.
func (l OrderLine) TotalCents() int64 {
	return int64(l.Quantity) * l.PriceCents
}

// ReservationStatus describes the state of a stock hold.
type ReservationStatus string

const (
	ReservationHeld      ReservationStatus = "HELD"
	ReservationCommitted ReservationStatus = "COMMITTED"
	ReservationReleased  ReservationStatus = "RELEASED"
)

// Reservation is a temporary hold on product stock, keyed by token.
type Reservation struct {
	Token     string
	ProductID string
	OrderID   string
	Quantity  int
	Status    ReservationStatus
	CreatedAt time.Time
}

// SessionStatus describes the state of an outstanding payment request.
type SessionStatus string

const (
	SessionInitiated SessionStatus = "INITIATED"
	SessionPending   SessionStatus = "PENDING"
	SessionConfirmed SessionStatus = "CONFIRMED"
	SessionFailed    SessionStatus = "FAILED"
	SessionExpired   SessionStatus = "EXPIRED"
)

// IsTerminalSessionStatus reports whether a session can no longer transition.
func IsTerminalSessionStatus(s SessionStatus) bool {
	switch s {
	case SessionConfirmed, SessionFailed, SessionExpired:
		return true
	}
	return false
}

// PaymentSession tracks one outstanding STK push against the payment
// gateway. Exactly one of OrderID and BookingID is set.
type PaymentSession struct {
	ID                string
	OrderID           string
	BookingID         string
	CheckoutRequestID string
	MpesaReceipt      string
	Phone             string
	AmountCents       int64
	Status            SessionStatus
	CreatedAt         time.Time
}

// Transaction is the immutable record of a completed payment.
type Transaction struct {
	ID            string
	OrderID       string
	BookingID     string
	UserID        string
	AmountCents   int64
	PaymentMethod string
	MpesaCode     string
	Status        string
	CreatedAt     time.Time
}

// EarningsEntry credits a seller for one fulfilled order line or booking.
// Entries are append-only.
type EarningsEntry struct {
	ID          string
	UserID      string
	OrderID     string
	OrderLineID string
	BookingID   string
	AmountCents int64
	EarnedAt    time.Time
}

// TransportService is a distance-priced haulage offering.
type TransportService struct {
	ID                 string
	UserID             string
	Name               string
	VehicleDescription string
	PricePerKmCents    int64
	DueDate            time.Time
	CreatedAt          time.Time
}

// BookingStatus describes where a transport booking is in its lifecycle.
type BookingStatus string

const (
	BookingAwaitingPayment BookingStatus = "AWAITING_PAYMENT"
	BookingPaid            BookingStatus = "PAID"
	BookingCancelled       BookingStatus = "CANCELLED"
	BookingFailed          BookingStatus = "FAILED"
)

var bookingTransitions = map[BookingStatus]map[BookingStatus]bool{
	BookingAwaitingPayment: {
		BookingPaid:      true,
		BookingCancelled: true,
		BookingFailed:    true,
	},
	BookingPaid:      {},
	BookingCancelled: {},
	BookingFailed:    {},
}

// CanTransitionBooking reports whether a booking may move between statuses.
func CanTransitionBooking(from, to BookingStatus) bool {
	return bookingTransitions[from][to]
}

// TransportBooking is an order-like entity for a transport service,
// priced by distance instead of stock.
type TransportBooking struct {
	ID              string
	UserID          string
	ServiceID       string
	PickupLocation  string
	DropoffLocation string
	DistanceKm      float64
	TotalCents      int64
	Status          BookingStatus
	CreatedAt       time.Time
}
