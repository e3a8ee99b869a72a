package adapter

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-lockable/v1/codec"
)

const defaultRedisOpTimeout = 5 * time.Second

var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// RedisStore implements Store using a Redis backend. Keys are written without
// an expiration; lock staleness is decided by the caller from the value.
type RedisStore[T any] struct {
	client  redis.UniversalClient
	codec   codec.Codec
	timeout time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*redisStoreOptions)

type redisStoreOptions struct {
	timeout time.Duration
	common  []Option
}

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisStoreOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithRedisCodec sets the codec used to serialize values.
func WithRedisCodec(c codec.Codec) RedisOption {
	return func(o *redisStoreOptions) {
		o.common = append(o.common, WithCodec(c))
	}
}

// NewRedisStore returns a new RedisStore using the provided Redis client.
func NewRedisStore[T any](client redis.UniversalClient, opts ...RedisOption) *RedisStore[T] {
	o := redisStoreOptions{timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisStore[T]{client: client, codec: buildOptions(o.common).codec, timeout: o.timeout}
}

func (s *RedisStore[T]) opContext(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, mapErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	return cctx, cancel, nil
}

// Set implements Store.Set.
func (s *RedisStore[T]) Set(ctx context.Context, key string, value T) error {
	data, err := s.codec.Marshal(value)
	if err != nil {
		return err
	}
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return mapErr(s.client.Set(cctx, key, data, 0).Err())
}

// Get implements Store.Get.
func (s *RedisStore[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return zero, false, err
	}
	defer cancel()
	data, err := s.client.Get(cctx, key).Bytes()
	if err == redis.Nil {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, mapErr(err)
	}
	v, err := codec.Decode[T](s.codec, data)
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// SetIfAbsent implements Store.SetIfAbsent using SETNX.
func (s *RedisStore[T]) SetIfAbsent(ctx context.Context, key string, value T) (bool, error) {
	data, err := s.codec.Marshal(value)
	if err != nil {
		return false, err
	}
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	ok, err := s.client.SetNX(cctx, key, data, 0).Result()
	if err != nil {
		return false, mapErr(err)
	}
	return ok, nil
}

// GetAndSet implements Store.GetAndSet using GETSET.
func (s *RedisStore[T]) GetAndSet(ctx context.Context, key string, value T) (T, bool, error) {
	var zero T
	data, err := s.codec.Marshal(value)
	if err != nil {
		return zero, false, err
	}
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return zero, false, err
	}
	defer cancel()
	prev, err := s.client.GetSet(cctx, key, data).Bytes()
	if err == redis.Nil {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, mapErr(err)
	}
	if len(prev) == 0 {
		return zero, false, nil
	}
	v, err := codec.Decode[T](s.codec, prev)
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// Delete implements Store.Delete.
func (s *RedisStore[T]) Delete(ctx context.Context, key string) error {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return mapErr(s.client.Del(cctx, key).Err())
}

// CompareAndDelete implements CompareAndDeleter with a Lua script so the
// comparison and the delete run as one server-side step.
func (s *RedisStore[T]) CompareAndDelete(ctx context.Context, key string, expected T) (bool, error) {
	want, err := s.codec.Marshal(expected)
	if err != nil {
		return false, err
	}
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	n, err := compareAndDeleteScript.Run(cctx, s.client, []string{key}, want).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, mapErr(err)
	}
	return n == 1, nil
}
