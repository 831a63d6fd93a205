// Command nofx is the orchestrator CLI: it serves the worker loop, submits
// plans, resolves gates and manages dead-letter queues.
package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/benfinklea/nofx/internal/config"
	"github.com/benfinklea/nofx/internal/migrate"
	"github.com/benfinklea/nofx/internal/queue"
	"github.com/benfinklea/nofx/internal/runs"
	"github.com/benfinklea/nofx/internal/store/fsstore"
	"github.com/benfinklea/nofx/internal/store/postgres"
	"github.com/benfinklea/nofx/internal/store/postgres/schema"
	"github.com/benfinklea/nofx/pkg/logging"
)

var rootCmd = &cobra.Command{
	Use:           "nofx",
	Short:         "Durable workflow orchestrator",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.AddCommand(serveCmd, submitCmd, approveCmd, dlqCmd, runsCmd)
}

// app bundles the wired backends a command needs.
type app struct {
	cfg   *config.Config
	log   *slog.Logger
	store runs.Store
	queue queue.Queue

	pool *pgxpool.Pool
}

// newApp builds the store and queue selected by the environment. The
// relational backend also applies any pending bundled migrations.
func newApp(ctx context.Context) (*app, error) {
	cfg := config.FromEnv()
	log := logging.New()

	a := &app{cfg: cfg, log: log}

	switch cfg.DataDriver {
	case config.DataDriverDB:
		pool, err := postgres.NewPool(ctx, cfg, logging.Component(log, "postgres"))
		if err != nil {
			return nil, err
		}
		a.pool = pool

		engine := migrate.NewEngine(pool, logging.Component(log, "migrate"))
		bundled, err := migrate.LoadDir(schema.Files)
		if err != nil {
			pool.Close()
			return nil, err
		}
		if err := engine.Run(ctx, bundled); err != nil {
			pool.Close()
			return nil, err
		}

		db := postgres.NewDB(pool, logging.Component(log, "db"), cfg.LogAllQueries)
		a.store = postgres.New(db, logging.Component(log, "store"))
	case config.DataDriverFS:
		store, err := fsstore.New(cfg.DataRoot, logging.Component(log, "store"))
		if err != nil {
			return nil, err
		}
		a.store = store
	default:
		return nil, fmt.Errorf("unknown DATA_DRIVER %q", cfg.DataDriver)
	}

	sink := queue.NewOTelSink()
	switch cfg.QueueDriver {
	case config.QueueDriverMemory:
		a.queue = queue.NewMemory(cfg.WorkerConcurrency, sink, logging.Component(log, "queue"))
	case config.QueueDriverRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		a.queue = queue.NewRedis(redis.NewClient(opts), cfg.WorkerConcurrency, sink, logging.Component(log, "queue"))
	default:
		a.close()
		return nil, fmt.Errorf("unknown QUEUE_DRIVER %q", cfg.QueueDriver)
	}

	return a, nil
}

func (a *app) close() {
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.log.Warn("queue close failed", "error", err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
