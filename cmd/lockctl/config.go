package main

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mirkobrombin/go-lockable/v1/guard"
	"github.com/mirkobrombin/go-lockable/v1/lock"
)

const (
	// Wrap is the number of characters to wrap the help text at.
	Wrap int = 60

	envPrefix = "lockctl"
)

// Backends understood by --backend.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendNATS     = "nats"
	BackendPostgres = "postgres"
)

// config is the resolved configuration of one lockctl invocation.
type config struct {
	Backend          string
	RedisAddr        string
	NATSURL          string
	NATSBucket       string
	PostgresDSN      string
	PostgresTable    string
	KafkaBrokers     []string
	KafkaTopic       string
	BreakerThreshold int
	BreakerTimeout   time.Duration
	Owner            string
	Trace            bool
	LogLevel         slog.Level

	TTL       time.Duration
	Wait      bool
	Retries   int
	RetryWait time.Duration
	Strict    bool
}

// guardConfig returns the guard configuration for key.
func (c config) guardConfig(key string, template ...string) guard.Config {
	return guard.Config{
		KeyPrefix:     key,
		KeyTemplate:   template,
		TTL:           c.TTL,
		Waiting:       c.Wait,
		RetryCount:    c.Retries,
		RetryWait:     c.RetryWait,
		StrictRelease: c.Strict,
	}
}

func (c config) retry() lock.Retry {
	return lock.Retry{Count: c.Retries, Wait: c.RetryWait}
}

// wrapString wraps text at Wrap characters for flag help.
func wrapString(text string) string {
	var (
		lines []string
		line  strings.Builder
	)
	for _, word := range strings.Fields(text) {
		if line.Len() > 0 && line.Len()+1+len(word) > Wrap {
			lines = append(lines, line.String())
			line.Reset()
		}
		if line.Len() > 0 {
			line.WriteByte(' ')
		}
		line.WriteString(word)
	}
	if line.Len() > 0 {
		lines = append(lines, line.String())
	}
	return strings.Join(lines, "\n")
}

// setupGlobalFlags adds the backend flags shared by every command.
func setupGlobalFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.String("backend", BackendMemory, wrapString("Store holding the locks (memory, redis, nats, postgres)"))
	f.String("redis-addr", "localhost:6379", wrapString("Redis address for the redis backend"))
	f.String("nats-url", "nats://localhost:4222", wrapString("NATS server URL for the nats backend"))
	f.String("nats-bucket", "lockable", wrapString("JetStream key-value bucket holding the locks"))
	f.String("postgres-dsn", "", wrapString("Postgres connection string for the postgres backend"))
	f.String("postgres-table", "lockable_locks", wrapString("Postgres table holding the locks"))
	f.String("kafka-brokers", "", wrapString("Comma-separated Kafka brokers. When set, unlock notifications travel over Kafka instead of the backend's own bus"))
	f.String("kafka-topic", "lockable.events", wrapString("Kafka topic for unlock notifications"))
	f.Int("breaker-threshold", 0, wrapString("Consecutive store failures that open the circuit breaker (0 disables it)"))
	f.Duration("breaker-timeout", 5*time.Second, wrapString("How long the circuit breaker stays open before retrying the store"))
	f.String("owner", "", wrapString("Identifier of this process in logs and traces (random by default)"))
	f.Bool("trace", false, wrapString("Print OpenTelemetry spans to stderr"))
	f.String("log-level", "warn", wrapString("Log level (debug, info, warn, error)"))
}

// setupLockFlags adds the lease flags of commands that acquire a lock.
func setupLockFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Duration("ttl", 30*time.Second, wrapString("Lease duration"))
	f.Bool("wait", false, wrapString("Poll until the lock is free instead of failing at once"))
	f.Int("retries", 10, wrapString("Retries after the first attempt when waiting (-1 for unbounded)"))
	f.Duration("retry-wait", 100*time.Millisecond, wrapString("Pause between two attempts when waiting"))
	f.Bool("strict", false, wrapString("Release only if the key still holds this lease"))
}

// newViper loads .env files and returns a viper instance reading
// LOCKCTL_<FLAG> environment variables.
func newViper() *viper.Viper {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// loadConfig binds the flags of cmd to v and resolves the configuration.
func loadConfig(v *viper.Viper, cmd *cobra.Command) (config, error) {
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return config{}, err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(v.GetString("log-level"))); err != nil {
		return config{}, fmt.Errorf("invalid log level %q: %w", v.GetString("log-level"), err)
	}

	c := config{
		Backend:          strings.ToLower(v.GetString("backend")),
		RedisAddr:        v.GetString("redis-addr"),
		NATSURL:          v.GetString("nats-url"),
		NATSBucket:       v.GetString("nats-bucket"),
		PostgresDSN:      v.GetString("postgres-dsn"),
		PostgresTable:    v.GetString("postgres-table"),
		KafkaTopic:       v.GetString("kafka-topic"),
		BreakerThreshold: v.GetInt("breaker-threshold"),
		BreakerTimeout:   v.GetDuration("breaker-timeout"),
		Owner:            v.GetString("owner"),
		Trace:            v.GetBool("trace"),
		LogLevel:         level,
		TTL:              v.GetDuration("ttl"),
		Wait:             v.GetBool("wait"),
		Retries:          v.GetInt("retries"),
		RetryWait:        v.GetDuration("retry-wait"),
		Strict:           v.GetBool("strict"),
	}
	if brokers := v.GetString("kafka-brokers"); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				c.KafkaBrokers = append(c.KafkaBrokers, b)
			}
		}
	}

	switch c.Backend {
	case BackendMemory, BackendRedis, BackendNATS:
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return config{}, fmt.Errorf("--postgres-dsn is required for the postgres backend")
		}
	default:
		return config{}, fmt.Errorf("unknown backend %q", c.Backend)
	}
	return c, nil
}
