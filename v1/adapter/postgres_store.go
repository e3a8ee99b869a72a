package adapter

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mirkobrombin/go-lockable/v1/codec"
	lockerrors "github.com/mirkobrombin/go-lockable/v1/errors"
)

const (
	defaultPostgresTable     = "lockable_locks"
	defaultPostgresOpTimeout = 5 * time.Second
)

// PostgresStore implements Store on a single PostgreSQL table. Row-level
// locking and ON CONFLICT provide the atomic primitives.
type PostgresStore[T any] struct {
	db      *sql.DB
	table   string
	timeout time.Duration
	codec   codec.Codec
}

// PostgresOption configures a PostgresStore.
type PostgresOption func(*postgresStoreOptions)

type postgresStoreOptions struct {
	table   string
	timeout time.Duration
	common  []Option
}

// WithTable sets the table name for the PostgresStore.
func WithTable(name string) PostgresOption {
	return func(o *postgresStoreOptions) {
		if name != "" {
			o.table = name
		}
	}
}

// WithPostgresTimeout sets the operation timeout for database calls.
func WithPostgresTimeout(d time.Duration) PostgresOption {
	return func(o *postgresStoreOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithPostgresCodec sets the codec used to serialize values.
func WithPostgresCodec(c codec.Codec) PostgresOption {
	return func(o *postgresStoreOptions) {
		o.common = append(o.common, WithCodec(c))
	}
}

// OpenPostgres opens a database handle using the lib/pq driver.
func OpenPostgres(dsn string) (*sql.DB, error) {
	return sql.Open("postgres", dsn)
}

// NewPostgresStore returns a new PostgresStore using db.
func NewPostgresStore[T any](db *sql.DB, opts ...PostgresOption) *PostgresStore[T] {
	o := postgresStoreOptions{table: defaultPostgresTable, timeout: defaultPostgresOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &PostgresStore[T]{
		db:      db,
		table:   pq.QuoteIdentifier(o.table),
		timeout: o.timeout,
		codec:   buildOptions(o.common).codec,
	}
}

func mapSQLErr(err error) error {
	if err == nil {
		return nil
	}
	if stdErrors.Is(err, sql.ErrConnDone) {
		return lockerrors.ErrConnectionClosed
	}
	var pqErr *pq.Error
	if stdErrors.As(err, &pqErr) && pqErr.Code.Class() == "08" {
		return lockerrors.ErrConnectionClosed
	}
	return mapErr(err)
}

func (s *PostgresStore[T]) opContext(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, mapErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	return cctx, cancel, nil
}

// EnsureSchema creates the backing table if it does not exist.
func (s *PostgresStore[T]) EnsureSchema(ctx context.Context) error {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	q := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (key TEXT PRIMARY KEY, value BYTEA NOT NULL)", s.table)
	_, err = s.db.ExecContext(cctx, q)
	return mapSQLErr(err)
}

// Set implements Store.Set.
func (s *PostgresStore[T]) Set(ctx context.Context, key string, value T) error {
	data, err := s.codec.Marshal(value)
	if err != nil {
		return err
	}
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	q := fmt.Sprintf("INSERT INTO %s (key, value) VALUES ($1, $2) ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value", s.table)
	_, err = s.db.ExecContext(cctx, q, key, data)
	return mapSQLErr(err)
}

// Get implements Store.Get.
func (s *PostgresStore[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return zero, false, err
	}
	defer cancel()
	var data []byte
	q := fmt.Sprintf("SELECT value FROM %s WHERE key = $1", s.table)
	err = s.db.QueryRowContext(cctx, q, key).Scan(&data)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, mapSQLErr(err)
	}
	v, err := codec.Decode[T](s.codec, data)
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// SetIfAbsent implements Store.SetIfAbsent.
func (s *PostgresStore[T]) SetIfAbsent(ctx context.Context, key string, value T) (bool, error) {
	data, err := s.codec.Marshal(value)
	if err != nil {
		return false, err
	}
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	q := fmt.Sprintf("INSERT INTO %s (key, value) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING", s.table)
	res, err := s.db.ExecContext(cctx, q, key, data)
	if err != nil {
		return false, mapSQLErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, mapSQLErr(err)
	}
	return n == 1, nil
}

// GetAndSet implements Store.GetAndSet. The existing row is locked with
// SELECT ... FOR UPDATE; when there is no row the insert races other
// writers and the whole swap is retried if it loses.
func (s *PostgresStore[T]) GetAndSet(ctx context.Context, key string, value T) (T, bool, error) {
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
	for {
		prev, existed, done, err := s.swap(cctx, key, data)
		if err != nil {
			return zero, false, mapSQLErr(err)
		}
		if !done {
			continue
		}
		if !existed {
			return zero, false, nil
		}
		v, err := codec.Decode[T](s.codec, prev)
		if err != nil {
			return zero, false, err
		}
		return v, true, nil
	}
}

func (s *PostgresStore[T]) swap(ctx context.Context, key string, data []byte) (prev []byte, existed, done bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, false, err
	}
	defer func() {
		if !done || err != nil {
			_ = tx.Rollback()
		}
	}()
	q := fmt.Sprintf("SELECT value FROM %s WHERE key = $1 FOR UPDATE", s.table)
	err = tx.QueryRowContext(ctx, q, key).Scan(&prev)
	switch {
	case stdErrors.Is(err, sql.ErrNoRows):
		q = fmt.Sprintf("INSERT INTO %s (key, value) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING", s.table)
		res, err := tx.ExecContext(ctx, q, key, data)
		if err != nil {
			return nil, false, false, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, false, false, err
		}
		if n == 0 {
			return nil, false, false, nil
		}
	case err != nil:
		return nil, false, false, err
	default:
		existed = true
		q = fmt.Sprintf("UPDATE %s SET value = $2 WHERE key = $1", s.table)
		if _, err := tx.ExecContext(ctx, q, key, data); err != nil {
			return nil, false, false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, false, false, err
	}
	return prev, existed, true, nil
}

// Delete implements Store.Delete.
func (s *PostgresStore[T]) Delete(ctx context.Context, key string) error {
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	q := fmt.Sprintf("DELETE FROM %s WHERE key = $1", s.table)
	_, err = s.db.ExecContext(cctx, q, key)
	return mapSQLErr(err)
}

// CompareAndDelete implements CompareAndDeleter.
func (s *PostgresStore[T]) CompareAndDelete(ctx context.Context, key string, expected T) (bool, error) {
	want, err := s.codec.Marshal(expected)
	if err != nil {
		return false, err
	}
	cctx, cancel, err := s.opContext(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	q := fmt.Sprintf("DELETE FROM %s WHERE key = $1 AND value = $2", s.table)
	res, err := s.db.ExecContext(cctx, q, key, want)
	if err != nil {
		return false, mapSQLErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, mapSQLErr(err)
	}
	return n == 1, nil
}
