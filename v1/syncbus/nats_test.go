package syncbus

import (
	"os"
	"testing"

	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
	nats "github.com/nats-io/nats.go"
)

func newNATSBus(t *testing.T) *NATSBus {
	t.Helper()
	addr := os.Getenv("LOCKABLE_TEST_NATS_ADDR")

	var conn *nats.Conn
	var s *server.Server
	var err error

	if addr != "" {
		t.Logf("TestNATSBus: using real NATS at %s", addr)
		conn, err = nats.Connect(addr)
	} else {
		s = natsserver.RunRandClientPortServer()
		conn, err = nats.Connect(s.ClientURL())
	}
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		if s != nil {
			s.Shutdown()
		}
	})
	return NewNATSBus(conn)
}

func TestNATSBusFlowAndMetrics(t *testing.T) {
	bus := newNATSBus(t)
	exerciseBus(t, bus)
	if m := bus.Metrics(); m.Published != 2 {
		t.Fatalf("unexpected published count %d", m.Published)
	}
}
