package postgres

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/benfinklea/nofx/internal/runs"
)

// slowQueryThreshold is the latency above which a query is logged even when
// DB_LOG_ALL is off.
const slowQueryThreshold = 200 * time.Millisecond

// querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx, so store
// methods run identically inside and outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txKey struct{}

// DB wraps the pool with transaction routing and query instrumentation.
type DB struct {
	pool   *pgxpool.Pool
	log    *slog.Logger
	logAll bool
}

// NewDB creates a DB wrapper around pool.
func NewDB(pool *pgxpool.Pool, log *slog.Logger, logAll bool) *DB {
	return &DB{pool: pool, log: log, logAll: logAll}
}

// Close releases the underlying pool.
func (d *DB) Close() { d.pool.Close() }

// q returns the transaction carried by ctx if one is open, else the pool.
func (d *DB) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return d.pool
}

// WithTransaction runs fn inside a transaction. The open pgx.Tx travels in
// the context, so Store calls made from fn join it; a nested call reuses the
// outer transaction instead of opening a second one.
func (d *DB) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}

	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return runs.StorageUnavailableError{Op: "begin", Err: err}
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			d.log.Error("transaction rollback failed", "error", err)
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return runs.StorageUnavailableError{Op: "commit", Err: err}
	}
	return nil
}

// exec runs sql with instrumentation.
func (d *DB) exec(ctx context.Context, op, sql string, args ...any) (pgconn.CommandTag, error) {
	start := time.Now()
	tag, err := d.q(ctx).Exec(ctx, sql, args...)
	d.observe(op, sql, start, err)
	return tag, err
}

// query runs sql with instrumentation. Callers own rows.Close.
func (d *DB) query(ctx context.Context, op, sql string, args ...any) (pgx.Rows, error) {
	start := time.Now()
	rows, err := d.q(ctx).Query(ctx, sql, args...)
	d.observe(op, sql, start, err)
	return rows, err
}

// queryRow runs sql; errors surface at Scan, so only latency is observed.
func (d *DB) queryRow(ctx context.Context, op, sql string, args ...any) pgx.Row {
	start := time.Now()
	row := d.q(ctx).QueryRow(ctx, sql, args...)
	d.observe(op, sql, start, nil)
	return row
}

// observe logs latency. Query text is never logged in full: a 100-char
// sanitized prefix is enough to identify the statement without leaking
// values embedded in it.
func (d *DB) observe(op, sql string, start time.Time, err error) {
	elapsed := time.Since(start)
	switch {
	case err != nil:
		d.log.Error("query failed", "op", op, "ms", elapsed.Milliseconds(), "sql", sanitize(sql), "error", err)
	case elapsed >= slowQueryThreshold:
		d.log.Warn("slow query", "op", op, "ms", elapsed.Milliseconds(), "sql", sanitize(sql))
	case d.logAll:
		d.log.Debug("query", "op", op, "ms", elapsed.Milliseconds(), "sql", sanitize(sql))
	}
}

func sanitize(sql string) string {
	s := strings.Join(strings.Fields(sql), " ")
	if len(s) > 100 {
		s = s[:100]
	}
	return s
}

// normalize maps backend errors onto the shared taxonomy. pgx.ErrNoRows is
// deliberately not handled here: callers decide between NotFoundError and
// (nil, nil) per the Store lookup conventions.
func normalize(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return runs.ConflictError{Entity: op, Detail: pgErr.ConstraintName}
		case "57014":
			return runs.TimeoutError{Op: op, After: time.Duration(statementTimeoutMS) * time.Millisecond}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return runs.TimeoutError{Op: op}
	}
	return runs.StorageUnavailableError{Op: op, Err: err}
}

// isUndefinedColumn reports whether err is PostgreSQL 42703.
func isUndefinedColumn(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42703"
}
