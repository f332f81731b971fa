package model

import "testing"

func TestCanTransition(t *testing.T) {
	allowed := []struct {
		from, to OrderStatus
	}{
		{OrderStatusDraft, OrderStatusAwaitingPayment},
		{OrderStatusDraft, OrderStatusFailed},
		{OrderStatusAwaitingPayment, OrderStatusPaid},
		{OrderStatusAwaitingPayment, OrderStatusCancelled},
		{OrderStatusAwaitingPayment, OrderStatusFailed},
		{OrderStatusPaid, OrderStatusFulfilled},
	}
	for _, tr := range allowed {
		if !CanTransition(tr.from, tr.to) {
			t.Fatalf("CanTransition(%s, %s) = false, want true", tr.from, tr.to)
		}
	}

	denied := []struct {
		from, to OrderStatus
	}{
		{OrderStatusDraft, OrderStatusPaid},
		{OrderStatusDraft, OrderStatusCancelled},
		{OrderStatusDraft, OrderStatusFulfilled},
		{OrderStatusAwaitingPayment, OrderStatusDraft},
		{OrderStatusAwaitingPayment, OrderStatusFulfilled},
		{OrderStatusPaid, OrderStatusCancelled},
		{OrderStatusFulfilled, OrderStatusCancelled},
		{OrderStatusCancelled, OrderStatusAwaitingPayment},
		{OrderStatusFailed, OrderStatusAwaitingPayment},
	}
	for _, tr := range denied {
		if CanTransition(tr.from, tr.to) {
			t.Fatalf("CanTransition(%s, %s) = true, want false", tr.from, tr.to)
		}
	}
}

func TestCanTransitionBooking(t *testing.T) {
	if !CanTransitionBooking(BookingAwaitingPayment, BookingPaid) {
		t.Fatalf("awaiting payment -> paid must be allowed")
	}
	if !CanTransitionBooking(BookingAwaitingPayment, BookingCancelled) {
		t.Fatalf("awaiting payment -> cancelled must be allowed")
	}
	if CanTransitionBooking(BookingPaid, BookingCancelled) {
		t.Fatalf("paid -> cancelled must be denied")
	}
	if CanTransitionBooking(BookingCancelled, BookingPaid) {
		t.Fatalf("cancelled -> paid must be denied")
	}
}

func TestProductAvailable(t *testing.T) {
	p := Product{Stock: 10, Reserved: 3}
	if got := p.Available(); got != 7 {
		t.Fatalf("Available() = %d, want 7", got)
	}
}

func TestOrderLineTotalCents(t *testing.T) {
	l := OrderLine{Quantity: 3, PriceCents: 2550}
	if got := l.TotalCents(); got != 7650 {
		t.Fatalf("TotalCents() = %d, want 7650", got)
	}
}
