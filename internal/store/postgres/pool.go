// Package postgres implements the Store port on PostgreSQL via pgx. It is
// the production backend: every entity is a row, multi-write operations run
// inside transactions threaded through the context, and the inbox/outbox
// tables make external side effects exactly-once.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/benfinklea/nofx/internal/config"
)

const (
	connectTimeout = 5 * time.Second
	// statementTimeoutMS bounds every statement server-side so a wedged
	// query cannot hold a pool slot forever.
	statementTimeoutMS = 30000
	maxConnIdleTime    = 30 * time.Second
)

// NewPool creates a pgx connection pool sized and bounded per the config.
// Serverless deployments get a single connection; everything else uses the
// configured pool size.
func NewPool(ctx context.Context, cfg *config.Config, log *slog.Logger) (*pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is not set")
	}
	cfg.ValidateDatabaseURL(log)

	pc, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse DATABASE_URL: %w", err)
	}

	pc.MaxConns = int32(cfg.PoolSize)
	pc.MinConns = 0
	pc.MaxConnIdleTime = maxConnIdleTime
	pc.ConnConfig.ConnectTimeout = connectTimeout
	pc.ConnConfig.RuntimeParams["statement_timeout"] = fmt.Sprintf("%d", statementTimeoutMS)
	pc.ConnConfig.RuntimeParams["idle_in_transaction_session_timeout"] = fmt.Sprintf("%d", statementTimeoutMS)

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgx ping: %w", err)
	}

	log.Info("postgres pool ready", "maxConns", pc.MaxConns, "serverless", cfg.Serverless)
	return pool, nil
}
