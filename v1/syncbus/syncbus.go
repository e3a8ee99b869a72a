package syncbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Bus provides a simple pub/sub mechanism used to tell waiting lock
// contenders that a key was released. Delivery is best effort: a missed
// event only means a waiter sleeps until its next retry.
type Bus interface {
	Publish(ctx context.Context, key string) error
	Subscribe(ctx context.Context, key string) (chan struct{}, error)
	Unsubscribe(ctx context.Context, key string, ch chan struct{}) error
}

// UnlockTopic returns the topic released keys are announced on.
func UnlockTopic(key string) string {
	return "unlock:" + key
}

// InMemoryBus is a local implementation of Bus mainly for testing and for
// goroutines of a single process contending on the same store.
type InMemoryBus struct {
	mu        sync.Mutex
	subs      map[string][]chan struct{}
	published uint64
	delivered uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[string][]chan struct{})}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, key string) error {
	atomic.AddUint64(&b.published, 1)
	b.mu.Lock()
	fanout(b.subs[key], &b.delivered)
	b.mu.Unlock()
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.subs[key] = append(b.subs[key], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, removed := removeChan(b.subs[key], ch)
	if !removed {
		return nil
	}
	if len(subs) == 0 {
		delete(b.subs, key)
	} else {
		b.subs[key] = subs
	}
	return nil
}

// Metrics reports bus activity counters.
type Metrics struct {
	Published uint64
	Delivered uint64
}

func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
	}
}

// fanout delivers one notification to every channel without blocking. The
// caller holds the lock guarding chans so none of them can be closed meanwhile.
func fanout(chans []chan struct{}, delivered *uint64) {
	for _, ch := range chans {
		select {
		case ch <- struct{}{}:
			atomic.AddUint64(delivered, 1)
		default:
		}
	}
}

// removeChan removes and closes ch, reporting whether it was present.
func removeChan(subs []chan struct{}, ch chan struct{}) ([]chan struct{}, bool) {
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			return subs, true
		}
	}
	return subs, false
}
