package syncbus

import (
	"context"
	"errors"
	"testing"
	"time"
)

type mockBus struct {
	publishFunc func(ctx context.Context, key string) error
	*InMemoryBus
}

func (m *mockBus) Publish(ctx context.Context, key string) error {
	if m.publishFunc != nil {
		return m.publishFunc(ctx, key)
	}
	return m.InMemoryBus.Publish(ctx, key)
}

func TestCircuitBreakerStateTransitions(t *testing.T) {
	mb := &mockBus{InMemoryBus: NewInMemoryBus()}
	timeout := 50 * time.Millisecond
	cb := NewCircuitBreaker(mb, 2, timeout)

	ctx := context.Background()
	failErr := errors.New("fail")

	if !cb.IsHealthy() {
		t.Fatal("expected healthy initially")
	}

	mb.publishFunc = func(context.Context, string) error { return failErr }
	if err := cb.Publish(ctx, "key"); err != failErr {
		t.Fatalf("expected failErr, got %v", err)
	}
	if !cb.IsHealthy() {
		t.Fatal("expected healthy after 1 failure (threshold 2)")
	}
	if err := cb.Publish(ctx, "key"); err != failErr {
		t.Fatalf("expected failErr, got %v", err)
	}
	if cb.IsHealthy() {
		t.Fatal("expected open after threshold reached")
	}
	if err := cb.Publish(ctx, "key"); err != ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if _, err := cb.Subscribe(ctx, "key"); err != ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen on subscribe, got %v", err)
	}

	time.Sleep(timeout + 10*time.Millisecond)
	if !cb.IsHealthy() {
		t.Fatal("expected ready for a trial call after timeout")
	}

	// failed trial call reopens at once
	if err := cb.Publish(ctx, "key"); err != failErr {
		t.Fatalf("expected trial call failure, got %v", err)
	}
	if cb.IsHealthy() {
		t.Fatal("expected open after failed trial call")
	}

	time.Sleep(timeout + 10*time.Millisecond)
	mb.publishFunc = nil
	if err := cb.Publish(ctx, "key"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cb.IsHealthy() || cb.failures != 0 {
		t.Fatalf("expected closed circuit, failures=%d", cb.failures)
	}
}

func TestCircuitBreakerDeliversThroughClosedCircuit(t *testing.T) {
	cb := NewCircuitBreaker(NewInMemoryBus(), 3, time.Second)
	exerciseBus(t, cb)
}

func TestCircuitBreakerIgnoresCallerCancellation(t *testing.T) {
	mb := &mockBus{InMemoryBus: NewInMemoryBus()}
	mb.publishFunc = func(context.Context, string) error { return context.Canceled }
	cb := NewCircuitBreaker(mb, 1, time.Hour)
	for i := 0; i < 3; i++ {
		if err := cb.Publish(context.Background(), "key"); !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	}
	if !cb.IsHealthy() {
		t.Fatal("canceled publishes must not open the circuit")
	}
}
