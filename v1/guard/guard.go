// Package guard runs a function as a critical section protected by a
// distributed lock: derive the key, acquire, run, then release unless the
// call overran its lease.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	lockerrors "github.com/mirkobrombin/go-lockable/v1/errors"
	"github.com/mirkobrombin/go-lockable/v1/keys"
	"github.com/mirkobrombin/go-lockable/v1/lock"
	"github.com/mirkobrombin/go-lockable/v1/metrics"
)

const tracerName = "github.com/mirkobrombin/go-lockable/v1/guard"

// ContentionError reports that the lock for Key could not be obtained.
// It matches errors.ErrLockContention with errors.Is.
type ContentionError struct {
	Key string
}

func (e *ContentionError) Error() string {
	return fmt.Sprintf("%v: %s", lockerrors.ErrLockContention, e.Key)
}

func (e *ContentionError) Unwrap() error {
	return lockerrors.ErrLockContention
}

// Guard wraps calls with a lock.Manager.
type Guard struct {
	locks     *lock.Manager
	now       func() time.Time
	logger    *slog.Logger
	tracer    trace.Tracer
	resolvers *xsync.MapOf[string, *keys.Resolver]
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock overrides the clock measuring how long the guarded call ran.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(g *Guard) {
		if tp != nil {
			g.tracer = tp.Tracer(tracerName)
		}
	}
}

// New returns a Guard acquiring locks through m.
func New(m *lock.Manager, opts ...Option) *Guard {
	g := &Guard{
		locks:     m,
		now:       time.Now,
		logger:    slog.Default(),
		tracer:    otel.Tracer(tracerName),
		resolvers: xsync.NewMapOf[string, *keys.Resolver](),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Locks returns the underlying lock manager.
func (g *Guard) Locks() *lock.Manager {
	return g.locks
}

// Key derives the lock key for cfg and args. Compiled templates are cached
// per configuration.
func (g *Guard) Key(cfg Config, args map[string]any) (string, error) {
	ck := cfg.cacheKey()
	r, ok := g.resolvers.Load(ck)
	if !ok {
		var err error
		r, err = keys.Compile(cfg.keySpec())
		if err != nil {
			return "", err
		}
		r, _ = g.resolvers.LoadOrStore(ck, r)
	}
	return r.Resolve(args)
}

// Run is Do for functions without a result.
func (g *Guard) Run(ctx context.Context, cfg Config, args map[string]any, fn func(context.Context) error) error {
	_, err := Do(ctx, g, cfg, args, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do runs fn while holding the lock described by cfg. If the lock cannot be
// obtained fn is not called and a *ContentionError is returned. After fn
// returns (or panics) the lock is released only if fn finished strictly
// within cfg.TTL; otherwise another contender may already hold it. With
// cfg.KeepLock the lock is never released and simply expires.
func Do[T any](ctx context.Context, g *Guard, cfg Config, args map[string]any, fn func(context.Context) (T, error)) (result T, err error) {
	var zero T
	if err := cfg.Validate(); err != nil {
		return zero, err
	}
	key, err := g.Key(cfg, args)
	if err != nil {
		return zero, err
	}
	ctx, span := g.tracer.Start(ctx, "guard.Do", trace.WithAttributes(attribute.String("lock.key", key)))
	defer span.End()

	var (
		lease lock.Lease
		ok    bool
	)
	if cfg.Waiting {
		lease, ok, err = g.locks.AcquireLease(ctx, key, cfg.TTL, cfg.retry())
	} else {
		lease, ok, err = g.locks.TryLease(ctx, key, cfg.TTL)
	}
	if err != nil {
		span.RecordError(err)
		return zero, err
	}
	if !ok {
		g.logger.Debug("lockable: guarded call skipped, lock busy", "key", key)
		return zero, &ContentionError{Key: key}
	}

	start := g.now()
	defer func() {
		elapsed := g.now().Sub(start)
		span.SetAttributes(attribute.Int64("guard.elapsed_ms", elapsed.Milliseconds()))
		if rerr := g.release(context.WithoutCancel(ctx), cfg, lease, elapsed); rerr != nil {
			span.RecordError(rerr)
			err = errors.Join(err, rerr)
		}
	}()
	return fn(ctx)
}

func (g *Guard) release(ctx context.Context, cfg Config, lease lock.Lease, elapsed time.Duration) error {
	if elapsed >= cfg.TTL {
		metrics.ReleaseSkippedCounter.Inc()
		g.logger.Warn("lockable: guarded call overran its lease, release skipped",
			"key", lease.Key, "elapsed", elapsed, "ttl", cfg.TTL)
		return nil
	}
	if cfg.KeepLock {
		g.logger.Debug("lockable: lock kept until expiry", "key", lease.Key, "expires_at", lease.ExpiresAt)
		return nil
	}
	if cfg.StrictRelease {
		_, err := g.locks.ReleaseLease(ctx, lease)
		return err
	}
	return g.locks.Release(ctx, lease.Key)
}
