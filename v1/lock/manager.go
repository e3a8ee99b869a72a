package lock

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-lockable/v1/adapter"
	lockerrors "github.com/mirkobrombin/go-lockable/v1/errors"
	"github.com/mirkobrombin/go-lockable/v1/metrics"
	"github.com/mirkobrombin/go-lockable/v1/syncbus"
)

const tracerName = "github.com/mirkobrombin/go-lockable/v1/lock"

// Unbounded makes Acquire poll until it succeeds or its context ends.
const Unbounded = -1

// Retry controls how Acquire polls a held lock. Count is the number of
// retries after the first attempt, or Unbounded. Wait is the pause between
// two attempts.
type Retry struct {
	Count int
	Wait  time.Duration
}

func (r Retry) validate() error {
	if r.Count < Unbounded || r.Wait < 0 {
		return lockerrors.ErrInvalidRetry
	}
	return nil
}

// Lease records a successful acquisition: the key and the exact expiry that
// was written to the store.
type Lease struct {
	Key       string
	ExpiresAt int64
}

// Expiry returns the lease expiry as a time.Time.
func (l Lease) Expiry() time.Time {
	return time.UnixMilli(l.ExpiresAt)
}

// Manager acquires and releases locks against a store. It keeps no
// per-key state of its own and is safe for concurrent use.
type Manager struct {
	store  adapter.Store[int64]
	bus    syncbus.Bus
	now    func() time.Time
	logger *slog.Logger
	tracer trace.Tracer
	id     string
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source used to compute and compare expiries.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithBus publishes releases on bus and lets waiting acquirers wake up on
// them.
func WithBus(bus syncbus.Bus) Option {
	return func(m *Manager) {
		m.bus = bus
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Manager) {
		if tp != nil {
			m.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithID names the manager in logs and spans.
func WithID(id string) Option {
	return func(m *Manager) {
		if id != "" {
			m.id = id
		}
	}
}

// NewManager returns a Manager operating on store.
func NewManager(store adapter.Store[int64], opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		now:    time.Now,
		logger: slog.Default(),
		tracer: otel.Tracer(tracerName),
		id:     uuid.NewString(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("owner", m.id)
	return m
}

// ID returns the manager name used in logs and spans.
func (m *Manager) ID() string {
	return m.id
}

func (m *Manager) nowMillis() int64 {
	return m.now().UnixMilli()
}

func validate(key string, ttl time.Duration) error {
	if key == "" {
		return lockerrors.ErrInvalidKey
	}
	if ttl < time.Millisecond {
		return lockerrors.ErrInvalidTTL
	}
	return nil
}

func (m *Manager) startSpan(ctx context.Context, name, key string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("lock.key", key),
		attribute.String("lock.owner", m.id),
	))
}

// storeErr records a store failure. The error itself is returned to the
// caller unchanged.
func (m *Manager) storeErr(span trace.Span, op, key string, err error) error {
	metrics.StoreErrorCounter.Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	m.logger.Warn("lockable: store operation failed", "op", op, "key", key, "error", err)
	return err
}

// TryLock makes a single attempt to obtain the lock and reports whether it
// succeeded. A live lock held by someone else yields false and no error.
func (m *Manager) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	_, ok, err := m.TryLease(ctx, key, ttl)
	return ok, err
}

// TryLease is TryLock returning the lease on success.
func (m *Manager) TryLease(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	if err := validate(key, ttl); err != nil {
		return Lease{}, false, err
	}
	ctx, span := m.startSpan(ctx, "lock.TryLock", key)
	defer span.End()
	lease, ok, err := m.attempt(ctx, span, key, ttl)
	if err != nil {
		return Lease{}, false, err
	}
	if !ok {
		metrics.ContentionCounter.Inc()
	}
	span.SetAttributes(attribute.Bool("lock.acquired", ok))
	return lease, ok, nil
}

// attempt runs one acquisition round: create the key, or take it over if the
// current entry is stale.
func (m *Manager) attempt(ctx context.Context, span trace.Span, key string, ttl time.Duration) (Lease, bool, error) {
	metrics.AttemptCounter.Inc()
	ttlMillis := ttl.Milliseconds()

	expiry := m.nowMillis() + ttlMillis
	created, err := m.store.SetIfAbsent(ctx, key, expiry)
	if err != nil {
		return Lease{}, false, m.storeErr(span, "SetIfAbsent", key, err)
	}
	if created {
		metrics.AcquiredCounter.WithLabelValues(metrics.PathCreate).Inc()
		return Lease{Key: key, ExpiresAt: expiry}, true, nil
	}

	old, found, err := m.store.Get(ctx, key)
	if err != nil {
		return Lease{}, false, m.storeErr(span, "Get", key, err)
	}
	if !found {
		// released in between; never swap over a key we have not observed
		expiry = m.nowMillis() + ttlMillis
		created, err = m.store.SetIfAbsent(ctx, key, expiry)
		if err != nil {
			return Lease{}, false, m.storeErr(span, "SetIfAbsent", key, err)
		}
		if !created {
			return Lease{}, false, nil
		}
		metrics.AcquiredCounter.WithLabelValues(metrics.PathCreate).Inc()
		return Lease{Key: key, ExpiresAt: expiry}, true, nil
	}

	now := m.nowMillis()
	if old >= now {
		return Lease{}, false, nil
	}

	expiry = now + ttlMillis
	prev, existed, err := m.store.GetAndSet(ctx, key, expiry)
	if err != nil {
		return Lease{}, false, m.storeErr(span, "GetAndSet", key, err)
	}
	if existed && prev != old {
		// another contender re-armed the key first
		return Lease{}, false, nil
	}
	metrics.AcquiredCounter.WithLabelValues(metrics.PathTakeover).Inc()
	span.AddEvent("takeover", trace.WithAttributes(attribute.Int64("lock.stale_expiry", old)))
	m.logger.Info("lockable: took over stale lock", "key", key, "stale_by_ms", now-old)
	return Lease{Key: key, ExpiresAt: expiry}, true, nil
}

// Acquire polls TryLock until it succeeds or the retry policy is exhausted.
// With retry.Count == Unbounded it polls until success. A canceled context
// stops the wait and its error is returned.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration, retry Retry) (bool, error) {
	_, ok, err := m.AcquireLease(ctx, key, ttl, retry)
	return ok, err
}

// AcquireLease is Acquire returning the lease on success.
func (m *Manager) AcquireLease(ctx context.Context, key string, ttl time.Duration, retry Retry) (Lease, bool, error) {
	if err := validate(key, ttl); err != nil {
		return Lease{}, false, err
	}
	if err := retry.validate(); err != nil {
		return Lease{}, false, err
	}
	ctx, span := m.startSpan(ctx, "lock.Acquire", key)
	defer span.End()

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var (
		notify     chan struct{}
		subscribed bool
	)

	attempts := 0
	for {
		attempts++
		lease, ok, err := m.attempt(ctx, span, key, ttl)
		if err != nil {
			return Lease{}, false, err
		}
		if ok {
			span.SetAttributes(attribute.Bool("lock.acquired", true), attribute.Int("lock.attempts", attempts))
			return lease, true, nil
		}
		if retry.Count != Unbounded && attempts > retry.Count {
			break
		}
		if !subscribed {
			// only contended acquisitions pay for the subscription
			notify = m.subscribe(sctx, key)
			subscribed = true
		}
		open, err := m.wait(ctx, retry.Wait, notify)
		if err != nil {
			span.RecordError(err)
			return Lease{}, false, err
		}
		if !open {
			notify = nil
		}
	}
	metrics.ContentionCounter.Inc()
	span.SetAttributes(attribute.Bool("lock.acquired", false), attribute.Int("lock.attempts", attempts))
	m.logger.Debug("lockable: gave up waiting for lock", "key", key, "attempts", attempts)
	return Lease{}, false, nil
}

// subscribe returns a channel signalled when key is released, or nil without
// a bus. The subscription ends with ctx.
func (m *Manager) subscribe(ctx context.Context, key string) chan struct{} {
	if m.bus == nil {
		return nil
	}
	ch, err := m.bus.Subscribe(ctx, syncbus.UnlockTopic(key))
	if err != nil {
		m.logger.Warn("lockable: unlock subscription failed, polling only", "key", key, "error", err)
		return nil
	}
	return ch
}

// wait pauses for d, a release notification or the end of ctx. It reports
// false once notify has been closed.
func (m *Manager) wait(ctx context.Context, d time.Duration, notify chan struct{}) (bool, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true, nil
	case _, ok := <-notify:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Release deletes the lock entry for key. No ownership check is made: any
// caller may release any key, and releasing an absent key is not an error.
func (m *Manager) Release(ctx context.Context, key string) error {
	if key == "" {
		return lockerrors.ErrInvalidKey
	}
	ctx, span := m.startSpan(ctx, "lock.Release", key)
	defer span.End()
	if err := m.store.Delete(ctx, key); err != nil {
		return m.storeErr(span, "Delete", key, err)
	}
	metrics.ReleaseCounter.Inc()
	m.announce(ctx, key)
	return nil
}

// ReleaseLease deletes the entry only if it still holds the expiry recorded
// in lease, so a holder whose lease was taken over cannot delete the new
// holder's lock. It reports whether the entry was deleted.
func (m *Manager) ReleaseLease(ctx context.Context, lease Lease) (bool, error) {
	if lease.Key == "" {
		return false, lockerrors.ErrInvalidKey
	}
	cad, ok := m.store.(adapter.CompareAndDeleter[int64])
	if !ok {
		return false, lockerrors.ErrUnsupported
	}
	ctx, span := m.startSpan(ctx, "lock.ReleaseLease", lease.Key)
	defer span.End()
	deleted, err := cad.CompareAndDelete(ctx, lease.Key, lease.ExpiresAt)
	if err != nil {
		return false, m.storeErr(span, "CompareAndDelete", lease.Key, err)
	}
	span.SetAttributes(attribute.Bool("lock.released", deleted))
	if !deleted {
		m.logger.Warn("lockable: lease no longer held, release skipped", "key", lease.Key, "expires_at", lease.ExpiresAt)
		return false, nil
	}
	metrics.ReleaseCounter.Inc()
	m.announce(ctx, lease.Key)
	return true, nil
}

// Expiry reads the current entry for key without modifying it.
func (m *Manager) Expiry(ctx context.Context, key string) (Lease, bool, error) {
	if key == "" {
		return Lease{}, false, lockerrors.ErrInvalidKey
	}
	v, ok, err := m.store.Get(ctx, key)
	if err != nil || !ok {
		return Lease{}, false, err
	}
	return Lease{Key: key, ExpiresAt: v}, true, nil
}

// Stale reports whether lease is past its expiry according to the manager
// clock.
func (m *Manager) Stale(lease Lease) bool {
	return lease.ExpiresAt < m.nowMillis()
}

func (m *Manager) announce(ctx context.Context, key string) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, syncbus.UnlockTopic(key)); err != nil {
		m.logger.Debug("lockable: unlock notification failed", "key", key, "error", err)
	}
}
