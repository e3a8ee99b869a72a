package guard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mirkobrombin/go-lockable/v1/adapter"
	lockerrors "github.com/mirkobrombin/go-lockable/v1/errors"
	"github.com/mirkobrombin/go-lockable/v1/lock"
	"github.com/mirkobrombin/go-lockable/v1/metrics"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newGuard(t *testing.T) (*Guard, *adapter.InMemoryStore[int64], *testClock) {
	t.Helper()
	clock := &testClock{now: time.UnixMilli(1_700_000_000_000)}
	store := adapter.NewInMemoryStore[int64]()
	m := lock.NewManager(store, lock.WithClock(clock.Now))
	return New(m, WithClock(clock.Now)), store, clock
}

func payConfig() Config {
	return Config{KeyPrefix: "svc.pay", KeyTemplate: []string{"#order"}, TTL: 5 * time.Second}
}

func TestDoRunsAndReleases(t *testing.T) {
	g, store, _ := newGuard(t)
	ctx := context.Background()
	got, err := Do(ctx, g, payConfig(), map[string]any{"order": 42}, func(ctx context.Context) (string, error) {
		if _, ok, _ := store.Get(ctx, "lock.svc.pay#42"); !ok {
			t.Error("lock not held during the call")
		}
		return "paid", nil
	})
	if err != nil || got != "paid" {
		t.Fatalf("Do: got %q err %v", got, err)
	}
	if _, ok, _ := store.Get(ctx, "lock.svc.pay#42"); ok {
		t.Fatal("lock not released after the call")
	}
}

func TestDoSkipsReleaseAfterOverrun(t *testing.T) {
	g, store, clock := newGuard(t)
	ctx := context.Background()
	before := testutil.ToFloat64(metrics.ReleaseSkippedCounter)
	err := g.Run(ctx, payConfig(), map[string]any{"order": 1}, func(context.Context) error {
		clock.Advance(6 * time.Second)
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "lock.svc.pay#1"); !ok {
		t.Fatal("overrunning call must not release the lock")
	}
	if got := testutil.ToFloat64(metrics.ReleaseSkippedCounter); got != before+1 {
		t.Fatalf("release skipped counter %v, want %v", got, before+1)
	}
}

func TestDoReleasesAtJustUnderTTL(t *testing.T) {
	g, store, clock := newGuard(t)
	ctx := context.Background()
	err := g.Run(ctx, payConfig(), map[string]any{"order": 2}, func(context.Context) error {
		clock.Advance(5*time.Second - time.Millisecond)
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "lock.svc.pay#2"); ok {
		t.Fatal("call within ttl must release the lock")
	}
}

func TestDoContention(t *testing.T) {
	g, _, _ := newGuard(t)
	ctx := context.Background()
	if ok, _ := g.Locks().TryLock(ctx, "lock.svc.pay#7", time.Minute); !ok {
		t.Fatal("could not pre-lock")
	}
	called := false
	err := g.Run(ctx, payConfig(), map[string]any{"order": 7}, func(context.Context) error {
		called = true
		return nil
	})
	if called {
		t.Fatal("guarded call ran without the lock")
	}
	if !errors.Is(err, lockerrors.ErrLockContention) {
		t.Fatalf("expected ErrLockContention, got %v", err)
	}
	var ce *ContentionError
	if !errors.As(err, &ce) || ce.Key != "lock.svc.pay#7" {
		t.Fatalf("expected ContentionError for key, got %v", err)
	}
}

func TestDoWaitingExhausted(t *testing.T) {
	g, _, _ := newGuard(t)
	ctx := context.Background()
	_, _ = g.Locks().TryLock(ctx, "lock.svc.pay#8", time.Minute)
	cfg := payConfig()
	cfg.Waiting = true
	cfg.RetryCount = 2
	cfg.RetryWait = time.Millisecond
	err := g.Run(ctx, cfg, map[string]any{"order": 8}, func(context.Context) error { return nil })
	if !errors.Is(err, lockerrors.ErrLockContention) {
		t.Fatalf("expected ErrLockContention, got %v", err)
	}
}

func TestDoWaitingSucceedsAfterRelease(t *testing.T) {
	store := adapter.NewInMemoryStore[int64]()
	g := New(lock.NewManager(store))
	ctx := context.Background()
	_, _ = g.Locks().TryLock(ctx, "lock.svc.pay#9", time.Minute)
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = g.Locks().Release(ctx, "lock.svc.pay#9")
	}()
	cfg := payConfig()
	cfg.Waiting = true
	cfg.RetryCount = lock.Unbounded
	cfg.RetryWait = 5 * time.Millisecond
	if err := g.Run(ctx, cfg, map[string]any{"order": 9}, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestDoReleasesOnError(t *testing.T) {
	g, store, _ := newGuard(t)
	ctx := context.Background()
	boom := errors.New("boom")
	err := g.Run(ctx, payConfig(), map[string]any{"order": 3}, func(context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, ok, _ := store.Get(ctx, "lock.svc.pay#3"); ok {
		t.Fatal("lock not released after failing call")
	}
}

func TestDoReleasesOnPanic(t *testing.T) {
	g, store, _ := newGuard(t)
	ctx := context.Background()
	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		_ = g.Run(ctx, payConfig(), map[string]any{"order": 4}, func(context.Context) error { panic("bad") })
	}()
	if _, ok, _ := store.Get(ctx, "lock.svc.pay#4"); ok {
		t.Fatal("lock not released after panic")
	}
}

// A takeover slipping in within the ttl (clock skew between hosts) is deleted
// by a plain release but survives a strict one.
func TestStrictReleaseKeepsForeignLease(t *testing.T) {
	for _, strict := range []bool{false, true} {
		g, store, _ := newGuard(t)
		ctx := context.Background()
		cfg := payConfig()
		cfg.StrictRelease = strict
		err := g.Run(ctx, cfg, map[string]any{"order": 5}, func(ctx context.Context) error {
			return store.Set(ctx, "lock.svc.pay#5", 1)
		})
		if err != nil {
			t.Fatalf("strict=%v: Run: %v", strict, err)
		}
		_, ok, _ := store.Get(ctx, "lock.svc.pay#5")
		if ok != strict {
			t.Fatalf("strict=%v: foreign lease present=%v", strict, ok)
		}
	}
}

func TestDoTargetMethodKey(t *testing.T) {
	g, store, _ := newGuard(t)
	ctx := context.Background()
	cfg := Config{Target: "billing.Service", Method: "Charge", TTL: time.Second}
	err := g.Run(ctx, cfg, nil, func(ctx context.Context) error {
		if _, ok, _ := store.Get(ctx, "lock.billing.Service.Charge"); !ok {
			t.Error("expected target/method key")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		cfg  Config
		want error
	}{
		{Config{TTL: time.Second}, lockerrors.ErrInvalidKey},
		{Config{KeyPrefix: "p"}, lockerrors.ErrInvalidTTL},
		{Config{KeyPrefix: "p", TTL: time.Second, Waiting: true, RetryCount: -2}, lockerrors.ErrInvalidRetry},
		{Config{KeyPrefix: "p", TTL: time.Second, Waiting: true, RetryWait: -1}, lockerrors.ErrInvalidRetry},
	}
	for _, tc := range cases {
		if err := tc.cfg.Validate(); !errors.Is(err, tc.want) {
			t.Fatalf("Validate(%+v): got %v, want %v", tc.cfg, err, tc.want)
		}
	}
	if err := (Config{KeyPrefix: "p", TTL: time.Second, RetryCount: -5}).Validate(); err != nil {
		t.Fatalf("retry settings must be ignored when not waiting: %v", err)
	}
}

func TestKeyTemplateErrorSkipsCall(t *testing.T) {
	g, _, _ := newGuard(t)
	cfg := payConfig()
	called := false
	err := g.Run(context.Background(), cfg, map[string]any{}, func(context.Context) error {
		called = true
		return nil
	})
	if called || !errors.Is(err, lockerrors.ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey without running, called=%v err=%v", called, err)
	}
}

func TestKeepLockHoldsUntilExpiry(t *testing.T) {
	g, store, clock := newGuard(t)
	ctx := context.Background()
	cfg := payConfig()
	cfg.KeepLock = true
	args := map[string]any{"order": 7}

	calls := 0
	fn := func(context.Context) error { calls++; return nil }
	if err := g.Run(ctx, cfg, args, fn); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "lock.svc.pay#7"); !ok {
		t.Fatal("kept lock was released")
	}
	if err := g.Run(ctx, cfg, args, fn); !errors.Is(err, lockerrors.ErrLockContention) {
		t.Fatalf("expected contention while the kept lock is live, got %v", err)
	}

	clock.Advance(cfg.TTL + time.Millisecond)
	if err := g.Run(ctx, cfg, args, fn); err != nil {
		t.Fatalf("run after expiry: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}
