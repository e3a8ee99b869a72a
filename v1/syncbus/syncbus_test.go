package syncbus

import (
	"context"
	"testing"
	"time"
)

// expectNotify waits for one notification on ch.
func expectNotify(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for notification")
	}
}

// exerciseBus runs the publish/subscribe/unsubscribe flow against bus.
func exerciseBus(t *testing.T, bus Bus) {
	t.Helper()
	ctx := context.Background()
	topic := UnlockTopic("lock.svc.pay")

	ch1, err := bus.Subscribe(ctx, topic)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	ch2, err := bus.Subscribe(ctx, topic)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	other, err := bus.Subscribe(ctx, UnlockTopic("lock.other"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(ctx, topic); err != nil {
		t.Fatalf("publish: %v", err)
	}
	expectNotify(t, ch1)
	expectNotify(t, ch2)
	select {
	case <-other:
		t.Fatal("unrelated topic notified")
	case <-time.After(50 * time.Millisecond):
	}

	if err := bus.Unsubscribe(ctx, topic, ch1); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if _, ok := <-ch1; ok {
		t.Fatal("expected channel closed after unsubscribe")
	}
	if err := bus.Unsubscribe(ctx, topic, ch1); err != nil {
		t.Fatalf("second unsubscribe: %v", err)
	}
	if err := bus.Publish(ctx, topic); err != nil {
		t.Fatalf("publish: %v", err)
	}
	expectNotify(t, ch2)
}

func TestInMemoryBusFlowAndMetrics(t *testing.T) {
	bus := NewInMemoryBus()
	exerciseBus(t, bus)
	m := bus.Metrics()
	if m.Published != 2 || m.Delivered != 3 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestInMemoryBusContextCancelUnsubscribes(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(ctx, "k")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription not removed on cancel")
	}
}

func TestInMemoryBusPublishDoesNotBlock(t *testing.T) {
	bus := NewInMemoryBus()
	ch, _ := bus.Subscribe(context.Background(), "k")
	for i := 0; i < 3; i++ {
		if err := bus.Publish(context.Background(), "k"); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	expectNotify(t, ch)
}
