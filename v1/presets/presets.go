// Package presets builds lock managers for the common deployments, with the
// store and the unlock bus sharing one connection.
package presets

import (
	"time"

	"github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-lockable/v1/adapter"
	"github.com/mirkobrombin/go-lockable/v1/lock"
	"github.com/mirkobrombin/go-lockable/v1/syncbus"
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Timeout bounds every store call. Zero keeps the adapter default.
	Timeout time.Duration
}

// NewRedis creates a lock manager using Redis as both the store and the
// unlock bus. The caller owns the returned client.
func NewRedis(opts RedisOptions, lockOpts ...lock.Option) (*lock.Manager, *redis.Client) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	var storeOpts []adapter.RedisOption
	if opts.Timeout > 0 {
		storeOpts = append(storeOpts, adapter.WithTimeout(opts.Timeout))
	}
	store := adapter.NewRedisStore[int64](client, storeOpts...)
	bus := syncbus.NewRedisBus(client)
	return lock.NewManager(store, append([]lock.Option{lock.WithBus(bus)}, lockOpts...)...), client
}

// NewNATS creates a lock manager keeping locks in a JetStream key-value
// bucket and announcing releases over core NATS.
func NewNATS(nc *nats.Conn, bucket string, lockOpts ...lock.Option) (*lock.Manager, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}
	store, err := adapter.NewNATSStore[int64](js, adapter.WithBucket(bucket))
	if err != nil {
		return nil, err
	}
	bus := syncbus.NewNATSBus(nc)
	return lock.NewManager(store, append([]lock.Option{lock.WithBus(bus)}, lockOpts...)...), nil
}

// NewInMemoryStandalone creates a lock manager that runs entirely in-memory.
// Managers built from the same store and bus contend with each other, which
// is useful for local development and tests.
func NewInMemoryStandalone(store *adapter.InMemoryStore[int64], bus *syncbus.InMemoryBus, lockOpts ...lock.Option) *lock.Manager {
	if store == nil {
		store = adapter.NewInMemoryStore[int64]()
	}
	if bus == nil {
		bus = syncbus.NewInMemoryBus()
	}
	return lock.NewManager(store, append([]lock.Option{lock.WithBus(bus)}, lockOpts...)...)
}
