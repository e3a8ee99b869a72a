package syncbus

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the bus circuit is open.
var ErrCircuitOpen = errors.New("lockable: bus circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreakerBus decorates a Bus with circuit breaker logic, so that an
// unreachable broker stops adding latency to every Release and Acquire.
type CircuitBreakerBus struct {
	bus       Bus
	mu        sync.Mutex
	state     state
	failures  int
	threshold int
	timeout   time.Duration
	lastFail  time.Time
	gen       uint64
}

// NewCircuitBreaker returns a new CircuitBreakerBus.
func NewCircuitBreaker(bus Bus, threshold int, timeout time.Duration) *CircuitBreakerBus {
	if threshold <= 0 {
		threshold = 1
	}
	return &CircuitBreakerBus{
		bus:       bus,
		threshold: threshold,
		timeout:   timeout,
		state:     stateClosed,
	}
}

// IsHealthy returns true if the circuit is closed or ready for a trial call.
func (cb *CircuitBreakerBus) IsHealthy() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == stateOpen {
		return time.Since(cb.lastFail) > cb.timeout
	}
	return true
}

func (cb *CircuitBreakerBus) allow() (uint64, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateClosed:
		return cb.gen, true
	case stateOpen:
		if time.Since(cb.lastFail) > cb.timeout {
			cb.setState(stateHalfOpen)
			return cb.gen, true
		}
	}
	// half-open: a trial call is already in flight
	return 0, false
}

func (cb *CircuitBreakerBus) setState(st state) {
	cb.state = st
	cb.gen++
}

func (cb *CircuitBreakerBus) done(gen uint64, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if gen != cb.gen {
		return
	}
	if errors.Is(err, context.Canceled) {
		if cb.state == stateHalfOpen {
			// let the next call through
			cb.setState(stateOpen)
			cb.lastFail = time.Time{}
		}
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
	if cb.state == stateHalfOpen || cb.failures >= cb.threshold {
		cb.setState(stateOpen)
	}
}

// Publish implements Bus.Publish.
func (cb *CircuitBreakerBus) Publish(ctx context.Context, key string) error {
	gen, allowed := cb.allow()
	if !allowed {
		return ErrCircuitOpen
	}
	err := cb.bus.Publish(ctx, key)
	cb.done(gen, err)
	return err
}

// Subscribe implements Bus.Subscribe.
func (cb *CircuitBreakerBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	gen, allowed := cb.allow()
	if !allowed {
		return nil, ErrCircuitOpen
	}
	ch, err := cb.bus.Subscribe(ctx, key)
	cb.done(gen, err)
	return ch, err
}

// Unsubscribe implements Bus.Unsubscribe. It is never short-circuited so
// that subscriptions made before the circuit opened are still torn down.
func (cb *CircuitBreakerBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	return cb.bus.Unsubscribe(ctx, key, ch)
}
