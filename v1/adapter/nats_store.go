package adapter

import (
	"context"
	"encoding/base64"
	stdErrors "errors"

	nats "github.com/nats-io/nats.go"

	"github.com/mirkobrombin/go-lockable/v1/codec"
)

// DefaultNATSBucket is the JetStream key-value bucket used when none is set.
const DefaultNATSBucket = "lockable"

// NATSStore implements Store on top of a JetStream key-value bucket.
// Atomicity comes from per-key revisions: Create fails when the key exists and
// Update fails when the revision moved.
type NATSStore[T any] struct {
	kv    nats.KeyValue
	codec codec.Codec
}

// NATSOption configures a NATSStore.
type NATSOption func(*natsStoreOptions)

type natsStoreOptions struct {
	bucket string
	common []Option
}

// WithBucket sets the key-value bucket name.
func WithBucket(name string) NATSOption {
	return func(o *natsStoreOptions) {
		if name != "" {
			o.bucket = name
		}
	}
}

// WithNATSCodec sets the codec used to serialize values.
func WithNATSCodec(c codec.Codec) NATSOption {
	return func(o *natsStoreOptions) {
		o.common = append(o.common, WithCodec(c))
	}
}

// NewNATSStore binds to the configured bucket, creating it if missing.
func NewNATSStore[T any](js nats.JetStreamContext, opts ...NATSOption) (*NATSStore[T], error) {
	o := natsStoreOptions{bucket: DefaultNATSBucket}
	for _, opt := range opts {
		opt(&o)
	}
	kv, err := js.KeyValue(o.bucket)
	if stdErrors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: o.bucket, History: 1})
	}
	if err != nil {
		return nil, err
	}
	return &NATSStore[T]{kv: kv, codec: buildOptions(o.common).codec}, nil
}

// natsKey maps arbitrary lock keys onto the restricted KV key alphabet.
func natsKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func (s *NATSStore[T]) decode(data []byte) (T, bool, error) {
	v, err := codec.Decode[T](s.codec, data)
	if err != nil {
		var zero T
		return zero, false, err
	}
	return v, true, nil
}

// Set implements Store.Set.
func (s *NATSStore[T]) Set(ctx context.Context, key string, value T) error {
	if err := ctx.Err(); err != nil {
		return mapErr(err)
	}
	data, err := s.codec.Marshal(value)
	if err != nil {
		return err
	}
	_, err = s.kv.Put(natsKey(key), data)
	return err
}

// Get implements Store.Get.
func (s *NATSStore[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false, mapErr(err)
	}
	e, err := s.kv.Get(natsKey(key))
	if stdErrors.Is(err, nats.ErrKeyNotFound) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, err
	}
	return s.decode(e.Value())
}

// SetIfAbsent implements Store.SetIfAbsent.
func (s *NATSStore[T]) SetIfAbsent(ctx context.Context, key string, value T) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, mapErr(err)
	}
	data, err := s.codec.Marshal(value)
	if err != nil {
		return false, err
	}
	_, err = s.kv.Create(natsKey(key), data)
	if stdErrors.Is(err, nats.ErrKeyExists) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetAndSet implements Store.GetAndSet. The swap is a revision-checked
// update retried until no other writer slipped in between.
func (s *NATSStore[T]) GetAndSet(ctx context.Context, key string, value T) (T, bool, error) {
	var zero T
	data, err := s.codec.Marshal(value)
	if err != nil {
		return zero, false, err
	}
	k := natsKey(key)
	for {
		if err := ctx.Err(); err != nil {
			return zero, false, mapErr(err)
		}
		e, err := s.kv.Get(k)
		if stdErrors.Is(err, nats.ErrKeyNotFound) {
			_, err = s.kv.Create(k, data)
			if err == nil {
				return zero, false, nil
			}
			if stdErrors.Is(err, nats.ErrKeyExists) {
				continue
			}
			return zero, false, err
		}
		if err != nil {
			return zero, false, err
		}
		_, err = s.kv.Update(k, data, e.Revision())
		if err == nil {
			return s.decode(e.Value())
		}
		if !stdErrors.Is(err, nats.ErrKeyExists) {
			return zero, false, err
		}
	}
}

// Delete implements Store.Delete.
func (s *NATSStore[T]) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return mapErr(err)
	}
	return s.kv.Delete(natsKey(key))
}

// CompareAndDelete implements CompareAndDeleter.
func (s *NATSStore[T]) CompareAndDelete(ctx context.Context, key string, expected T) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, mapErr(err)
	}
	want, err := s.codec.Marshal(expected)
	if err != nil {
		return false, err
	}
	k := natsKey(key)
	e, err := s.kv.Get(k)
	if stdErrors.Is(err, nats.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if string(e.Value()) != string(want) {
		return false, nil
	}
	err = s.kv.Delete(k, nats.LastRevision(e.Revision()))
	if stdErrors.Is(err, nats.ErrKeyExists) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
