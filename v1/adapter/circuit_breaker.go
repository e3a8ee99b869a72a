package adapter

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	lockerrors "github.com/mirkobrombin/go-lockable/v1/errors"
)

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreakerStore decorates a Store with circuit breaker logic. While the
// circuit is open every call fails with errors.ErrStoreUnavailable without
// touching the backend. Lost races (SetIfAbsent returning false, absent keys)
// are results, not failures.
type CircuitBreakerStore[T any] struct {
	store     Store[T]
	mu        sync.Mutex
	state     breakerState
	failures  int
	threshold int
	timeout   time.Duration
	lastFail  time.Time
	trialing  bool
	gen       uint64
}

// NewCircuitBreakerStore returns a new CircuitBreakerStore. The circuit opens
// after threshold consecutive failures and allows a trial call after timeout.
func NewCircuitBreakerStore[T any](store Store[T], threshold int, timeout time.Duration) *CircuitBreakerStore[T] {
	if threshold <= 0 {
		threshold = 1
	}
	return &CircuitBreakerStore[T]{
		store:     store,
		threshold: threshold,
		timeout:   timeout,
		state:     stateClosed,
	}
}

// IsHealthy returns true if the circuit is closed or ready for a trial call.
func (cb *CircuitBreakerStore[T]) IsHealthy() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == stateOpen {
		return time.Since(cb.lastFail) > cb.timeout
	}
	return true
}

// allow checks if a request should be allowed and returns the circuit
// generation it was admitted under. It handles the transition from Open to
// Half-Open based on timeout.
func (cb *CircuitBreakerStore[T]) allow() (uint64, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateClosed:
		return cb.gen, true
	case stateOpen:
		if time.Since(cb.lastFail) > cb.timeout {
			cb.setState(stateHalfOpen)
			cb.trialing = true
			return cb.gen, true
		}
		return 0, false
	case stateHalfOpen:
		// one trial call at a time
		if cb.trialing {
			return 0, false
		}
		cb.trialing = true
		return cb.gen, true
	}
	return 0, false
}

// setState moves to st and starts a new generation, so results of calls
// admitted under the previous state are ignored. Callers hold cb.mu.
func (cb *CircuitBreakerStore[T]) setState(st breakerState) {
	cb.state = st
	cb.gen++
}

func (cb *CircuitBreakerStore[T]) done(gen uint64, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if gen != cb.gen {
		return
	}
	if cb.state == stateHalfOpen {
		cb.trialing = false
	}
	if errors.Is(err, context.Canceled) {
		// the caller gave up; says nothing about the backend
		return
	}
	if err == nil {
		if cb.state != stateClosed {
			cb.setState(stateClosed)
		}
		cb.failures = 0
		return
	}
	cb.lastFail = time.Now()
	cb.failures++
	if cb.state == stateHalfOpen || (cb.state == stateClosed && cb.failures >= cb.threshold) {
		slog.Warn("lockable: store circuit opened", "failures", cb.failures, "error", err)
		cb.setState(stateOpen)
	}
}

// Set implements Store.Set.
func (cb *CircuitBreakerStore[T]) Set(ctx context.Context, key string, value T) error {
	gen, allowed := cb.allow()
	if !allowed {
		return lockerrors.ErrStoreUnavailable
	}
	err := cb.store.Set(ctx, key, value)
	cb.done(gen, err)
	return err
}

// Get implements Store.Get.
func (cb *CircuitBreakerStore[T]) Get(ctx context.Context, key string) (T, bool, error) {
	gen, allowed := cb.allow()
	if !allowed {
		var zero T
		return zero, false, lockerrors.ErrStoreUnavailable
	}
	v, ok, err := cb.store.Get(ctx, key)
	cb.done(gen, err)
	return v, ok, err
}

// SetIfAbsent implements Store.SetIfAbsent.
func (cb *CircuitBreakerStore[T]) SetIfAbsent(ctx context.Context, key string, value T) (bool, error) {
	gen, allowed := cb.allow()
	if !allowed {
		return false, lockerrors.ErrStoreUnavailable
	}
	ok, err := cb.store.SetIfAbsent(ctx, key, value)
	cb.done(gen, err)
	return ok, err
}

// GetAndSet implements Store.GetAndSet.
func (cb *CircuitBreakerStore[T]) GetAndSet(ctx context.Context, key string, value T) (T, bool, error) {
	gen, allowed := cb.allow()
	if !allowed {
		var zero T
		return zero, false, lockerrors.ErrStoreUnavailable
	}
	v, ok, err := cb.store.GetAndSet(ctx, key, value)
	cb.done(gen, err)
	return v, ok, err
}

// Delete implements Store.Delete.
func (cb *CircuitBreakerStore[T]) Delete(ctx context.Context, key string) error {
	gen, allowed := cb.allow()
	if !allowed {
		return lockerrors.ErrStoreUnavailable
	}
	err := cb.store.Delete(ctx, key)
	cb.done(gen, err)
	return err
}

// CompareAndDelete implements CompareAndDeleter when the wrapped store does.
func (cb *CircuitBreakerStore[T]) CompareAndDelete(ctx context.Context, key string, expected T) (bool, error) {
	cad, ok := cb.store.(CompareAndDeleter[T])
	if !ok {
		return false, lockerrors.ErrUnsupported
	}
	gen, allowed := cb.allow()
	if !allowed {
		return false, lockerrors.ErrStoreUnavailable
	}
	deleted, err := cad.CompareAndDelete(ctx, key, expected)
	cb.done(gen, err)
	return deleted, err
}
