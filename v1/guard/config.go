package guard

import (
	"fmt"
	"strings"
	"time"

	lockerrors "github.com/mirkobrombin/go-lockable/v1/errors"
	"github.com/mirkobrombin/go-lockable/v1/keys"
	"github.com/mirkobrombin/go-lockable/v1/lock"
)

// Config describes the lock protecting one guarded call.
type Config struct {
	// KeyPrefix names the lock. When empty, Target and Method are used.
	KeyPrefix string
	Target    string
	Method    string
	// KeyTemplate fragments are evaluated against the call arguments and
	// appended to the key.
	KeyTemplate []string
	// TTL is the lease duration. A call running longer than TTL does not
	// release the lock.
	TTL time.Duration
	// Waiting selects polling acquisition instead of a single attempt.
	Waiting bool
	// RetryCount is the number of retries after the first attempt, or
	// lock.Unbounded. Only used when Waiting is set.
	RetryCount int
	RetryWait  time.Duration
	// StrictRelease deletes the key only if it still holds this call's
	// lease. Requires a store implementing adapter.CompareAndDeleter.
	StrictRelease bool
	// KeepLock leaves the lock in place after the call; it lapses once TTL
	// has passed. Used for run-once-per-key work such as scheduler ticks.
	KeepLock bool
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.KeyPrefix == "" && (c.Target == "" || c.Method == "") {
		return fmt.Errorf("%w: key prefix or target and method required", lockerrors.ErrInvalidKey)
	}
	if c.TTL < time.Millisecond {
		return lockerrors.ErrInvalidTTL
	}
	if c.Waiting && (c.RetryCount < lock.Unbounded || c.RetryWait < 0) {
		return lockerrors.ErrInvalidRetry
	}
	return nil
}

func (c Config) keySpec() keys.Spec {
	return keys.Spec{
		Prefix:   c.KeyPrefix,
		Target:   c.Target,
		Method:   c.Method,
		Template: c.KeyTemplate,
	}
}

// cacheKey identifies the compiled resolver for c.
func (c Config) cacheKey() string {
	return strings.Join(append([]string{c.KeyPrefix, c.Target, c.Method}, c.KeyTemplate...), "\x00")
}

func (c Config) retry() lock.Retry {
	return lock.Retry{Count: c.RetryCount, Wait: c.RetryWait}
}
