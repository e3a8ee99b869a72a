package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")
	// ErrStoreUnavailable is returned when the backing store refuses work,
	// for example while a circuit breaker is open.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrLockContention is returned when a lock could not be obtained within
	// the configured acquisition policy.
	ErrLockContention = errors.New("lock contention")
	ErrInvalidTTL     = errors.New("lock ttl must be positive")
	ErrInvalidRetry   = errors.New("retry count must be >= -1 and retry wait >= 0")
	ErrInvalidKey     = errors.New("invalid lock key")
	// ErrUnsupported is returned when a store lacks an optional primitive.
	ErrUnsupported = errors.New("operation not supported by store")
)
