package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-lockable/v1/adapter"
	"github.com/mirkobrombin/go-lockable/v1/syncbus"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// hookStore wraps a store and lets tests observe or interfere with calls.
type hookStore struct {
	adapter.Store[int64]
	creates      atomic.Int32
	beforeCreate func(n int)
	afterGet     func()
	getErr       error
	hideOnce     atomic.Bool
}

func (h *hookStore) SetIfAbsent(ctx context.Context, key string, value int64) (bool, error) {
	n := int(h.creates.Add(1))
	if h.beforeCreate != nil {
		h.beforeCreate(n)
	}
	return h.Store.SetIfAbsent(ctx, key, value)
}

func (h *hookStore) Get(ctx context.Context, key string) (int64, bool, error) {
	if h.getErr != nil {
		return 0, false, h.getErr
	}
	if h.hideOnce.CompareAndSwap(true, false) {
		return 0, false, nil
	}
	v, ok, err := h.Store.Get(ctx, key)
	if h.afterGet != nil {
		h.afterGet()
	}
	return v, ok, err
}

// plainStore hides optional interfaces of the wrapped store.
type plainStore struct {
	adapter.Store[int64]
}

// countingBus counts subscriptions made through it.
type countingBus struct {
	*syncbus.InMemoryBus
	subscribes atomic.Int32
}

func (c *countingBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	c.subscribes.Add(1)
	return c.InMemoryBus.Subscribe(ctx, key)
}
