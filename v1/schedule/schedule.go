// Package schedule runs cron jobs across a fleet where each tick executes on
// at most one node. Every run is a guarded call whose lock is kept until its
// TTL lapses, so nodes firing later for the same tick find it held and skip.
// Nodes whose clocks disagree by more than the TTL may run a tick twice.
package schedule

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	lockerrors "github.com/mirkobrombin/go-lockable/v1/errors"
	"github.com/mirkobrombin/go-lockable/v1/guard"
)

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, kv ...any) {
	c.l.Debug("cron: "+msg, kv...)
}

func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.l.Error("cron: "+msg, append(kv, "error", err)...)
}

// Scheduler wraps a cron.Cron whose jobs run under a guard.
type Scheduler struct {
	cron   *cron.Cron
	guard  *guard.Guard
	logger *slog.Logger
	now    func() time.Time
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	held map[string][]string // job -> tick keys not yet seen stale
}

type options struct {
	logger   *slog.Logger
	seconds  bool
	location *time.Location
	now      func() time.Time
}

// Option configures a Scheduler.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithSeconds accepts cron specs with a leading seconds field.
func WithSeconds() Option {
	return func(o *options) {
		o.seconds = true
	}
}

// WithLocation interprets cron specs in loc.
func WithLocation(loc *time.Location) Option {
	return func(o *options) {
		o.location = loc
	}
}

// WithClock overrides the clock used for the tick argument.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// New returns a Scheduler running jobs through g.
func New(g *guard.Guard, opts ...Option) *Scheduler {
	o := options{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	cl := cronLogger{l: o.logger}
	copts := []cron.Option{
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	}
	if o.seconds {
		copts = append(copts, cron.WithSeconds())
	}
	if o.location != nil {
		copts = append(copts, cron.WithLocation(o.location))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(copts...),
		guard:  g,
		logger: o.logger,
		now:    o.now,
		ctx:    ctx,
		cancel: cancel,
		held:   make(map[string][]string),
	}
}

// Job returns the cron job executing fn under cfg. The call arguments
// available to cfg.KeyTemplate are "job" (name) and "tick" (the run's Unix
// time truncated to the minute). The lock of a run is never released early;
// cfg.TTL should cover the clock skew between nodes and stay below the
// interval between ticks when the template has no "#tick".
func (s *Scheduler) Job(name string, cfg guard.Config, fn func(context.Context) error) cron.Job {
	return cron.FuncJob(func() {
		_ = s.runOnce(name, cfg, fn)
	})
}

func (s *Scheduler) runOnce(name string, cfg guard.Config, fn func(context.Context) error) error {
	cfg.KeepLock = true
	args := map[string]any{
		"job":  name,
		"tick": s.now().Truncate(time.Minute).Unix(),
	}
	key, err := s.guard.Key(cfg, args)
	if err != nil {
		s.logger.Error("lockable: scheduled job has an invalid key", "job", name, "error", err)
		return err
	}
	s.sweep(name, key)

	err = s.guard.Run(s.ctx, cfg, args, fn)
	switch {
	case err == nil:
		s.logger.Debug("lockable: scheduled job ran", "job", name)
	case errors.Is(err, lockerrors.ErrLockContention):
		s.logger.Debug("lockable: scheduled job held elsewhere, tick skipped", "job", name)
	default:
		s.logger.Error("lockable: scheduled job failed", "job", name, "error", err)
	}
	return err
}

// sweep deletes the stale locks of earlier ticks of job and remembers key
// for a later sweep.
func (s *Scheduler) sweep(name, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	locks := s.guard.Locks()
	ctx := context.WithoutCancel(s.ctx)
	keep := []string{key}
	for _, k := range s.held[name] {
		if k == key {
			continue
		}
		lease, ok, err := locks.Expiry(ctx, k)
		switch {
		case err != nil:
			keep = append(keep, k)
		case !ok:
		case locks.Stale(lease):
			_, err := locks.ReleaseLease(ctx, lease)
			if errors.Is(err, lockerrors.ErrUnsupported) {
				err = locks.Release(ctx, k)
			}
			if err != nil {
				keep = append(keep, k)
			}
		default:
			keep = append(keep, k)
		}
	}
	s.held[name] = keep
}

// Add registers fn to run on spec.
func (s *Scheduler) Add(spec, name string, cfg guard.Config, fn func(context.Context) error) (cron.EntryID, error) {
	if err := cfg.Validate(); err != nil {
		return 0, err
	}
	return s.cron.AddJob(spec, s.Job(name, cfg, fn))
}

// Entries returns the registered jobs.
func (s *Scheduler) Entries() []cron.Entry {
	return s.cron.Entries()
}

// Start runs the scheduler in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling, cancels running jobs' contexts and waits for them
// to return or for ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
