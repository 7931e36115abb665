package metrics

import (
	"testing"
	"time"
)

func TestInMemory_IncSubmit(t *testing.T) {
	m := NewInMemory()
	m.IncSubmit("noop")
	m.IncSubmit("noop")
	m.IncSubmit("send_email")

	if got := m.SubmitTotal("noop"); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
	if got := m.SubmitTotal("send_email"); got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
	if got := m.SubmitTotal("unknown"); got != 0 {
		t.Fatalf("expected 0 for unobserved name, got %d", got)
	}
}

func TestInMemory_ObserveCheckoutAndHandlerDuration(t *testing.T) {
	m := NewInMemory()
	m.ObserveCheckout("noop", 10*time.Millisecond)
	m.ObserveCheckout("noop", 20*time.Millisecond)
	m.ObserveHandlerDuration("noop", 5*time.Millisecond)

	if got := m.CheckoutCount("noop"); got != 2 {
		t.Fatalf("expected 2 checkout observations, got %d", got)
	}
	if got := m.HandlerDurationCount("noop"); got != 1 {
		t.Fatalf("expected 1 handler duration observation, got %d", got)
	}
}
