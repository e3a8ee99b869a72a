package syncbus

import (
	"context"
	"sync"
	"sync/atomic"

	redis "github.com/redis/go-redis/v9"
)

type redisSubscription struct {
	pubsub *redis.PubSub
	chans  []chan struct{}
}

// RedisBus implements Bus using Redis Pub/Sub.
type RedisBus struct {
	client    redis.UniversalClient
	mu        sync.Mutex
	subs      map[string]*redisSubscription
	published uint64
	delivered uint64
}

// NewRedisBus returns a new RedisBus using the provided client.
func NewRedisBus(client redis.UniversalClient) *RedisBus {
	return &RedisBus{client: client, subs: make(map[string]*redisSubscription)}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, key string) error {
	if err := b.client.Publish(ctx, key, "1").Err(); err != nil {
		return err
	}
	atomic.AddUint64(&b.published, 1)
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription is confirmed by the
// server before Subscribe returns, without holding the bus lock.
func (b *RedisBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	sub := b.subs[key]
	if sub != nil {
		sub.chans = append(sub.chans, ch)
	}
	b.mu.Unlock()

	if sub == nil {
		ps := b.client.Subscribe(context.Background(), key)
		// wait for the subscription confirmation so no publish is missed
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return nil, err
		}
		b.mu.Lock()
		if sub = b.subs[key]; sub != nil {
			// another caller subscribed meanwhile; join theirs
			sub.chans = append(sub.chans, ch)
			b.mu.Unlock()
			_ = ps.Close()
		} else {
			sub = &redisSubscription{pubsub: ps, chans: []chan struct{}{ch}}
			b.subs[key] = sub
			b.mu.Unlock()
			go b.dispatch(sub)
		}
	}

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

func (b *RedisBus) dispatch(sub *redisSubscription) {
	for range sub.pubsub.Channel() {
		b.mu.Lock()
		fanout(sub.chans, &b.delivered)
		b.mu.Unlock()
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.mu.Lock()
	sub := b.subs[key]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	var removed bool
	sub.chans, removed = removeChan(sub.chans, ch)
	if removed && len(sub.chans) == 0 {
		delete(b.subs, key)
		b.mu.Unlock()
		return sub.pubsub.Close()
	}
	b.mu.Unlock()
	return nil
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
	}
}
