package adapter

import (
	"bytes"
	"context"
	stdErrors "errors"

	"github.com/puzpuzpuz/xsync/v3"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-lockable/v1/codec"
	lockerrors "github.com/mirkobrombin/go-lockable/v1/errors"
)

// Store abstracts the key-value backend a lock is built on. Every method is a
// single round-trip; SetIfAbsent and GetAndSet must be atomic with respect to
// concurrent callers in other processes.
//
// T represents the type of values stored in the adapter.
type Store[T any] interface {
	// Set writes the value unconditionally.
	Set(ctx context.Context, key string, value T) error
	// Get retrieves the value for a key.
	// The boolean return indicates whether the key was found.
	Get(ctx context.Context, key string) (T, bool, error)
	// SetIfAbsent creates the key only if it does not exist and reports
	// whether the write happened.
	SetIfAbsent(ctx context.Context, key string, value T) (bool, error)
	// GetAndSet atomically replaces the value and returns the one that was
	// present immediately before. The boolean is false if the key was absent.
	GetAndSet(ctx context.Context, key string, value T) (T, bool, error)
	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// CompareAndDeleter is implemented by stores able to delete a key only while
// it still holds an expected value.
type CompareAndDeleter[T any] interface {
	CompareAndDelete(ctx context.Context, key string, expected T) (bool, error)
}

// Option configures the codec shared by all store implementations.
type Option func(*options)

type options struct {
	codec codec.Codec
}

// WithCodec sets the codec used to serialize values.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{codec: codec.Default}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// mapErr translates backend and context failures into package errors.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return lockerrors.ErrTimeout
	}
	if stdErrors.Is(err, redis.ErrClosed) {
		return lockerrors.ErrConnectionClosed
	}
	return err
}

// InMemoryStore is a process-local Store backed by a concurrent map. Values
// are kept encoded so that equality checks behave like remote backends.
type InMemoryStore[T any] struct {
	items *xsync.MapOf[string, []byte]
	codec codec.Codec
}

// NewInMemoryStore returns a new InMemoryStore.
func NewInMemoryStore[T any](opts ...Option) *InMemoryStore[T] {
	o := buildOptions(opts)
	return &InMemoryStore[T]{items: xsync.NewMapOf[string, []byte](), codec: o.codec}
}

func (s *InMemoryStore[T]) decode(data []byte) (T, bool, error) {
	v, err := codec.Decode[T](s.codec, data)
	if err != nil {
		var zero T
		return zero, false, err
	}
	return v, true, nil
}

// Set implements Store.Set.
func (s *InMemoryStore[T]) Set(ctx context.Context, key string, value T) error {
	data, err := s.codec.Marshal(value)
	if err != nil {
		return err
	}
	s.items.Store(key, data)
	return nil
}

// Get implements Store.Get.
func (s *InMemoryStore[T]) Get(ctx context.Context, key string) (T, bool, error) {
	data, ok := s.items.Load(key)
	if !ok {
		var zero T
		return zero, false, nil
	}
	return s.decode(data)
}

// SetIfAbsent implements Store.SetIfAbsent.
func (s *InMemoryStore[T]) SetIfAbsent(ctx context.Context, key string, value T) (bool, error) {
	data, err := s.codec.Marshal(value)
	if err != nil {
		return false, err
	}
	_, loaded := s.items.LoadOrStore(key, data)
	return !loaded, nil
}

// GetAndSet implements Store.GetAndSet.
func (s *InMemoryStore[T]) GetAndSet(ctx context.Context, key string, value T) (T, bool, error) {
	data, err := s.codec.Marshal(value)
	if err != nil {
		var zero T
		return zero, false, err
	}
	prev, loaded := s.items.LoadAndStore(key, data)
	if !loaded {
		var zero T
		return zero, false, nil
	}
	return s.decode(prev)
}

// Delete implements Store.Delete.
func (s *InMemoryStore[T]) Delete(ctx context.Context, key string) error {
	s.items.Delete(key)
	return nil
}

// CompareAndDelete implements CompareAndDeleter.
func (s *InMemoryStore[T]) CompareAndDelete(ctx context.Context, key string, expected T) (bool, error) {
	want, err := s.codec.Marshal(expected)
	if err != nil {
		return false, err
	}
	deleted := false
	s.items.Compute(key, func(old []byte, loaded bool) ([]byte, bool) {
		if loaded && bytes.Equal(old, want) {
			deleted = true
			return nil, true
		}
		return old, !loaded
	})
	return deleted, nil
}

// Len reports the number of stored keys.
func (s *InMemoryStore[T]) Len() int {
	return s.items.Size()
}
