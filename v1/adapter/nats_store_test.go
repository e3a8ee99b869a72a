package adapter_test

import (
	"context"
	"testing"

	natsserver "github.com/nats-io/nats-server/v2/test"
	nats "github.com/nats-io/nats.go"

	"github.com/mirkobrombin/go-lockable/v1/adapter"
)

func newNATSStore(t *testing.T, opts ...adapter.NATSOption) (*adapter.NATSStore[int64], nats.JetStreamContext) {
	t.Helper()
	sopts := natsserver.DefaultTestOptions
	sopts.Port = -1
	sopts.JetStream = true
	sopts.StoreDir = t.TempDir()
	s := natsserver.RunServer(&sopts)
	conn, err := nats.Connect(s.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		s.Shutdown()
	})
	js, err := conn.JetStream()
	if err != nil {
		t.Fatalf("jetstream: %v", err)
	}
	store, err := adapter.NewNATSStore[int64](js, opts...)
	if err != nil {
		t.Fatalf("NewNATSStore: %v", err)
	}
	return store, js
}

func TestNATSStoreContract(t *testing.T) {
	s, _ := newNATSStore(t)
	runStoreContract(t, s)
}

func TestNATSStoreBindsExistingBucket(t *testing.T) {
	s1, js := newNATSStore(t, adapter.WithBucket("locks"))
	ctx := context.Background()
	if ok, err := s1.SetIfAbsent(ctx, "lock.svc.pay#42", 5); err != nil || !ok {
		t.Fatalf("SetIfAbsent: ok=%v err=%v", ok, err)
	}
	s2, err := adapter.NewNATSStore[int64](js, adapter.WithBucket("locks"))
	if err != nil {
		t.Fatalf("NewNATSStore: %v", err)
	}
	if v, ok, err := s2.Get(ctx, "lock.svc.pay#42"); err != nil || !ok || v != 5 {
		t.Fatalf("Get via second store: %v ok=%v err=%v", v, ok, err)
	}
}

func TestNATSStoreCanceledContext(t *testing.T) {
	s, _ := newNATSStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.SetIfAbsent(ctx, "k", 1); err == nil {
		t.Fatal("expected error for canceled context")
	}
}
