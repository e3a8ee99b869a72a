package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	lockerrors "github.com/mirkobrombin/go-lockable/v1/errors"
	"github.com/mirkobrombin/go-lockable/v1/lock"
	"github.com/mirkobrombin/go-lockable/v1/metrics"
	"github.com/mirkobrombin/go-lockable/v1/schedule"
)

// app holds the state shared by the commands of one root command.
type app struct {
	v       *viper.Viper
	cfg     config
	backend *backend
}

// prepare resolves the configuration and opens the backend before a command
// runs.
func (a *app) prepare(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(a.v, cmd)
	if err != nil {
		return err
	}
	a.cfg = cfg
	b, err := openBackend(cmd.Context(), cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	a.backend = b
	return nil
}

// closing wraps fn so the backend is closed however the command ends.
func (a *app) closing(fn func(*cobra.Command, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		defer func() {
			if a.backend == nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), 5*time.Second)
			defer cancel()
			if cerr := a.backend.Close(ctx); err == nil {
				err = cerr
			}
			a.backend = nil
		}()
		return fn(cmd, args)
	}
}

// newRootCmd builds the lockctl command tree.
func newRootCmd() *cobra.Command {
	a := &app{v: newViper()}

	root := &cobra.Command{
		Use:   "lockctl",
		Short: "distributed locks over a shared key-value store",
		Long: `lockctl acquires, inspects and releases expiry-based locks kept in a
shared store (Redis, NATS JetStream, Postgres) and runs commands under them.

Every flag can also be set as LOCKCTL_<FLAG> in the environment or in a
.env / .env.local file (e.g. LOCKCTL_BACKEND=redis).`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.prepare,
	}
	setupGlobalFlags(root)

	acquireCmd := &cobra.Command{
		Use:   "acquire KEY",
		Short: "Acquire a lock and print its lease expiry",
		Args:  cobra.ExactArgs(1),
		RunE:  a.closing(a.runAcquire),
	}
	setupLockFlags(acquireCmd)

	releaseCmd := &cobra.Command{
		Use:   "release KEY",
		Short: "Release a lock",
		Long:  "Release a lock. Without --expires-at the key is deleted unconditionally; with it, only if it still holds that lease.",
		Args:  cobra.ExactArgs(1),
		RunE:  a.closing(a.runRelease),
	}
	releaseCmd.Flags().Int64("expires-at", 0, wrapString("Lease expiry in Unix milliseconds, as printed by acquire"))

	statusCmd := &cobra.Command{
		Use:   "status KEY",
		Short: "Show the expiry of a lock",
		Args:  cobra.ExactArgs(1),
		RunE:  a.closing(a.runStatus),
	}

	runCmd := &cobra.Command{
		Use:   "run KEY -- COMMAND [ARGS...]",
		Short: "Run a command while holding a lock",
		Args:  cobra.MinimumNArgs(2),
		RunE:  a.closing(a.runRun),
	}
	setupLockFlags(runCmd)

	scheduleCmd := &cobra.Command{
		Use:   "schedule KEY -- COMMAND [ARGS...]",
		Short: "Run a command on a cron schedule, on one node per tick",
		Args:  cobra.MinimumNArgs(2),
		RunE:  a.closing(a.runSchedule),
	}
	setupLockFlags(scheduleCmd)
	scheduleCmd.Flags().String("cron", "", wrapString("Cron schedule (e.g. '*/5 * * * *')"))
	scheduleCmd.Flags().Bool("seconds", false, wrapString("Accept a leading seconds field in --cron"))
	scheduleCmd.Flags().String("metrics-addr", "", wrapString("Serve Prometheus metrics on this address (e.g. :2112)"))
	_ = scheduleCmd.MarkFlagRequired("cron")

	root.AddCommand(acquireCmd, releaseCmd, statusCmd, runCmd, scheduleCmd)
	return root
}

// storeKey maps a lock name to the store key used by every command, so
// acquire, release and status see the locks taken by run and schedule.
func (a *app) storeKey(name string) (string, error) {
	return a.backend.guard.Key(a.cfg.guardConfig(name), nil)
}

func (a *app) runAcquire(cmd *cobra.Command, args []string) error {
	key, err := a.storeKey(args[0])
	if err != nil {
		return err
	}
	var (
		lease lock.Lease
		ok    bool
	)
	if a.cfg.Wait {
		lease, ok, err = a.backend.locks.AcquireLease(cmd.Context(), key, a.cfg.TTL, a.cfg.retry())
	} else {
		lease, ok, err = a.backend.locks.TryLease(cmd.Context(), key, a.cfg.TTL)
	}
	if err != nil {
		return fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		fmt.Fprintln(cmd.OutOrStdout(), "acquired=false")
		return fmt.Errorf("%w: %s", lockerrors.ErrLockContention, key)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "acquired=true expires_at=%d (%s)\n",
		lease.ExpiresAt, lease.Expiry().UTC().Format(time.RFC3339Nano))
	return nil
}

func (a *app) runRelease(cmd *cobra.Command, args []string) error {
	key, err := a.storeKey(args[0])
	if err != nil {
		return err
	}
	expiresAt := a.v.GetInt64("expires-at")
	if expiresAt == 0 {
		if err := a.backend.locks.Release(cmd.Context(), key); err != nil {
			return fmt.Errorf("release %s: %w", key, err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "released=true")
		return nil
	}
	released, err := a.backend.locks.ReleaseLease(cmd.Context(), lock.Lease{Key: key, ExpiresAt: expiresAt})
	if err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "released=%t\n", released)
	return nil
}

func (a *app) runStatus(cmd *cobra.Command, args []string) error {
	key, err := a.storeKey(args[0])
	if err != nil {
		return err
	}
	lease, ok, err := a.backend.locks.Expiry(cmd.Context(), key)
	if err != nil {
		return fmt.Errorf("status %s: %w", key, err)
	}
	if !ok {
		fmt.Fprintln(cmd.OutOrStdout(), "held=false")
		return nil
	}
	remaining := time.Until(lease.Expiry()).Round(time.Millisecond)
	fmt.Fprintf(cmd.OutOrStdout(), "held=%t expires_at=%d remaining=%s stale=%t\n",
		!a.backend.locks.Stale(lease), lease.ExpiresAt, remaining, a.backend.locks.Stale(lease))
	return nil
}

// command builds the function running argv as a child process.
func command(cmd *cobra.Command, argv []string) func(context.Context) error {
	return func(ctx context.Context) error {
		c := exec.CommandContext(ctx, argv[0], argv[1:]...)
		c.Stdin = cmd.InOrStdin()
		c.Stdout = cmd.OutOrStdout()
		c.Stderr = cmd.ErrOrStderr()
		c.Env = os.Environ()
		return c.Run()
	}
}

func (a *app) runRun(cmd *cobra.Command, args []string) error {
	key, argv := args[0], args[1:]
	return a.backend.guard.Run(cmd.Context(), a.cfg.guardConfig(key), nil, command(cmd, argv))
}

func (a *app) runSchedule(cmd *cobra.Command, args []string) error {
	key, argv := args[0], args[1:]
	var opts []schedule.Option
	opts = append(opts, schedule.WithLogger(a.backend.logger))
	if a.v.GetBool("seconds") {
		opts = append(opts, schedule.WithSeconds())
	}
	s := schedule.New(a.backend.guard, opts...)
	if _, err := s.Add(a.v.GetString("cron"), key, a.cfg.guardConfig(key, "#tick"), command(cmd, argv)); err != nil {
		return err
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	if addr := a.v.GetString("metrics-addr"); addr != "" {
		reg := metrics.NewRegistry()
		metrics.RegisterLockMetrics(reg)
		srv := &http.Server{Addr: addr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		g.Go(func() error {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}
	g.Go(func() error {
		s.Start()
		a.backend.logger.Info("lockctl: scheduler started", "key", key, "cron", a.v.GetString("cron"))
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), a.cfg.TTL)
		defer cancel()
		return s.Stop(sctx)
	})
	return g.Wait()
}
