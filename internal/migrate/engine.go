package migrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/benfinklea/nofx/internal/runs"
)

const ensureTableSQL = `
CREATE TABLE IF NOT EXISTS migrations (
	id          text PRIMARY KEY,
	name        text NOT NULL,
	up_sql      text NOT NULL,
	down_sql    text NOT NULL,
	executed_at timestamptz NOT NULL DEFAULT now()
)`

// Engine applies migrations against a PostgreSQL pool.
type Engine struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// NewEngine creates an Engine.
func NewEngine(pool *pgxpool.Pool, log *slog.Logger) *Engine {
	return &Engine{pool: pool, log: log}
}

// EnsureTable creates the migrations table if it does not exist.
func (e *Engine) EnsureTable(ctx context.Context) error {
	if _, err := e.pool.Exec(ctx, ensureTableSQL); err != nil {
		return runs.StorageUnavailableError{Op: "ensure migrations table", Err: err}
	}
	return nil
}

// Applied returns recorded migrations ordered by executed_at DESC.
func (e *Engine) Applied(ctx context.Context) ([]runs.AppliedMigration, error) {
	if err := e.EnsureTable(ctx); err != nil {
		return nil, err
	}
	rows, err := e.pool.Query(ctx,
		`SELECT id, name, up_sql, down_sql, executed_at FROM migrations ORDER BY executed_at DESC, id DESC`)
	if err != nil {
		return nil, runs.StorageUnavailableError{Op: "list applied migrations", Err: err}
	}
	defer rows.Close()

	var out []runs.AppliedMigration
	for rows.Next() {
		var m runs.AppliedMigration
		if err := rows.Scan(&m.ID, &m.Name, &m.UpSQL, &m.DownSQL, &m.ExecutedAt); err != nil {
			return nil, runs.StorageUnavailableError{Op: "scan migration", Err: err}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Pending returns the subset of all whose IDs are not yet recorded, in ID
// order.
func (e *Engine) Pending(ctx context.Context, all []Migration) ([]Migration, error) {
	applied, err := e.Applied(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(applied))
	for _, m := range applied {
		seen[m.ID] = struct{}{}
	}
	var out []Migration
	for _, m := range all {
		if _, ok := seen[m.ID]; !ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// Apply runs one migration. Already-recorded IDs are a successful no-op.
// The up script and the bookkeeping insert share a transaction, so a failed
// script leaves no record behind.
func (e *Engine) Apply(ctx context.Context, m Migration) error {
	if err := e.EnsureTable(ctx); err != nil {
		return err
	}

	var exists bool
	if err := e.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM migrations WHERE id = $1)`, m.ID).Scan(&exists); err != nil {
		return runs.StorageUnavailableError{Op: "check migration", Err: err}
	}
	if exists {
		e.log.Info("migration already applied", "id", m.ID)
		return nil
	}

	for _, warning := range dangerWarnings(m.UpSQL) {
		e.log.Warn("migration contains a dangerous statement", "id", m.ID, "warning", warning)
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return runs.StorageUnavailableError{Op: "begin migration", Err: err}
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, m.UpSQL); err != nil {
		return fmt.Errorf("apply migration %s: %w", m.ID, err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO migrations (id, name, up_sql, down_sql) VALUES ($1, $2, $3, $4)`,
		m.ID, m.Name, m.UpSQL, m.DownSQL); err != nil {
		return fmt.Errorf("record migration %s: %w", m.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return runs.StorageUnavailableError{Op: "commit migration", Err: err}
	}

	e.log.Info("migration applied", "id", m.ID, "name", m.Name)
	return nil
}

// Run applies every pending migration from all, in ID order.
func (e *Engine) Run(ctx context.Context, all []Migration) error {
	pending, err := e.Pending(ctx, all)
	if err != nil {
		return err
	}
	for _, m := range pending {
		if err := e.Apply(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// Rollback executes the recorded down script of id and removes its record,
// atomically. An unknown id is not_found; a failing down script is
// rollback_failed with the script error attached.
func (e *Engine) Rollback(ctx context.Context, id string) error {
	if err := e.EnsureTable(ctx); err != nil {
		return err
	}

	var downSQL string
	err := e.pool.QueryRow(ctx, `SELECT down_sql FROM migrations WHERE id = $1`, id).Scan(&downSQL)
	if errors.Is(err, pgx.ErrNoRows) {
		return runs.NotFoundError{Entity: "migration", ID: id}
	}
	if err != nil {
		return runs.StorageUnavailableError{Op: "load migration", Err: err}
	}
	if strings.TrimSpace(downSQL) == "" {
		return runs.RollbackFailedError{
			Err:      fmt.Errorf("migration %s has no down script", id),
			Original: nil,
		}
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return runs.StorageUnavailableError{Op: "begin rollback", Err: err}
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, downSQL); err != nil {
		return runs.RollbackFailedError{Err: err, Original: nil}
	}
	if _, err := tx.Exec(ctx, `DELETE FROM migrations WHERE id = $1`, id); err != nil {
		return runs.RollbackFailedError{Err: err, Original: nil}
	}
	if err := tx.Commit(ctx); err != nil {
		return runs.RollbackFailedError{Err: err, Original: nil}
	}

	e.log.Info("migration rolled back", "id", id)
	return nil
}

// dangerWarnings flags statements that commonly destroy data. Warnings never
// block the migration; the operator reviews them in the log.
func dangerWarnings(sql string) []string {
	var out []string
	for _, stmt := range strings.Split(sql, ";") {
		upper := strings.ToUpper(strings.TrimSpace(stmt))
		if upper == "" {
			continue
		}
		switch {
		case strings.HasPrefix(upper, "DELETE") && !strings.Contains(upper, "WHERE"):
			out = append(out, "DELETE without WHERE")
		case strings.HasPrefix(upper, "UPDATE") && !strings.Contains(upper, "WHERE"):
			out = append(out, "UPDATE without WHERE")
		case strings.Contains(upper, "TRUNCATE TABLE"):
			out = append(out, "TRUNCATE TABLE")
		case strings.Contains(upper, "DROP TABLE"):
			out = append(out, "DROP TABLE")
		case strings.Contains(upper, "DROP DATABASE"):
			out = append(out, "DROP DATABASE")
		}
	}
	return out
}
