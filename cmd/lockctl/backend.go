package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mirkobrombin/go-lockable/v1/adapter"
	"github.com/mirkobrombin/go-lockable/v1/guard"
	"github.com/mirkobrombin/go-lockable/v1/lock"
	"github.com/mirkobrombin/go-lockable/v1/syncbus"
)

// backend bundles the lock manager of one invocation with the resources
// that have to be released when it ends.
type backend struct {
	store   adapter.Store[int64]
	bus     syncbus.Bus
	locks   *lock.Manager
	guard   *guard.Guard
	logger  *slog.Logger
	closers []func(context.Context) error
}

func (b *backend) onClose(fn func(context.Context) error) {
	b.closers = append(b.closers, fn)
}

// Close releases the backend resources in reverse order of acquisition.
func (b *backend) Close(ctx context.Context) error {
	var first error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](ctx); err != nil && first == nil {
			first = err
		}
	}
	b.closers = nil
	return first
}

// openBackend connects the store and bus selected by c. Trace output, when
// enabled, is written to traceOut.
func openBackend(ctx context.Context, c config, traceOut io.Writer) (_ *backend, err error) {
	logger := slog.New(slog.NewTextHandler(traceOut, &slog.HandlerOptions{Level: c.LogLevel}))
	b := &backend{logger: logger}
	defer func() {
		if err != nil {
			_ = b.Close(ctx)
		}
	}()

	switch c.Backend {
	case BackendMemory:
		b.store = adapter.NewInMemoryStore[int64]()
		b.bus = syncbus.NewInMemoryBus()
	case BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: c.RedisAddr})
		b.onClose(func(context.Context) error { return client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis %s: %w", c.RedisAddr, err)
		}
		b.store = adapter.NewRedisStore[int64](client)
		b.bus = syncbus.NewRedisBus(client)
	case BackendNATS:
		nc, err := nats.Connect(c.NATSURL)
		if err != nil {
			return nil, fmt.Errorf("nats %s: %w", c.NATSURL, err)
		}
		b.onClose(func(context.Context) error { nc.Close(); return nil })
		js, err := nc.JetStream()
		if err != nil {
			return nil, err
		}
		store, err := adapter.NewNATSStore[int64](js, adapter.WithBucket(c.NATSBucket))
		if err != nil {
			return nil, err
		}
		b.store = store
		b.bus = syncbus.NewNATSBus(nc)
	case BackendPostgres:
		db, err := adapter.OpenPostgres(c.PostgresDSN)
		if err != nil {
			return nil, err
		}
		b.onClose(func(context.Context) error { return db.Close() })
		store := adapter.NewPostgresStore[int64](db, adapter.WithTable(c.PostgresTable))
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		b.store = store
	default:
		return nil, fmt.Errorf("unknown backend %q", c.Backend)
	}

	if len(c.KafkaBrokers) > 0 {
		kb, err := syncbus.NewKafkaBus(c.KafkaBrokers, c.KafkaTopic, nil)
		if err != nil {
			return nil, fmt.Errorf("kafka: %w", err)
		}
		b.onClose(func(context.Context) error { kb.Close(); return nil })
		b.bus = kb
	}

	if c.BreakerThreshold > 0 {
		b.store = adapter.NewCircuitBreakerStore(b.store, c.BreakerThreshold, c.BreakerTimeout)
		if b.bus != nil {
			b.bus = syncbus.NewCircuitBreaker(b.bus, c.BreakerThreshold, c.BreakerTimeout)
		}
	}

	lockOpts := []lock.Option{lock.WithLogger(logger)}
	guardOpts := []guard.Option{guard.WithLogger(logger)}
	if b.bus != nil {
		lockOpts = append(lockOpts, lock.WithBus(b.bus))
	}
	if c.Owner != "" {
		lockOpts = append(lockOpts, lock.WithID(c.Owner))
	}
	if c.Trace {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(traceOut), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
		b.onClose(tp.Shutdown)
		lockOpts = append(lockOpts, lock.WithTracerProvider(tp))
		guardOpts = append(guardOpts, guard.WithTracerProvider(tp))
	}

	b.locks = lock.NewManager(b.store, lockOpts...)
	b.guard = guard.New(b.locks, guardOpts...)
	return b, nil
}
