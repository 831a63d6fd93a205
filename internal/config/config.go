// Package config resolves orchestrator settings from environment variables.
// Every knob the binaries honour is enumerated here; nothing else reads the
// environment directly.
package config

import (
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Driver names accepted by DATA_DRIVER and QUEUE_DRIVER.
const (
	DataDriverDB = "db"
	DataDriverFS = "fs"

	QueueDriverMemory = "memory"
	QueueDriverRedis  = "redis"
)

// Defaults applied when the environment is silent.
const (
	DefaultPoolSize          = 10
	MinPoolSize              = 2
	DefaultWorkerConcurrency = 4
	DefaultDataDir           = "local_data"
)

// Config is the resolved runtime configuration.
type Config struct {
	DatabaseURL string
	RedisURL    string

	// DataDriver selects the Store backend: "db" or "fs".
	DataDriver string
	// QueueDriver selects the Queue backend: "memory" or "redis".
	QueueDriver string

	// Env mirrors NODE_ENV for parity with existing deployments.
	Env string
	// Serverless is set from platform hints (VERCEL, AWS_LAMBDA_FUNCTION_NAME)
	// and shrinks the connection pool to a single connection.
	Serverless bool

	PoolSize          int
	LogAllQueries     bool
	WorkerConcurrency int

	GitDefaultBase    string
	CoverageThreshold float64

	// DataRoot is the filesystem backend's root directory.
	DataRoot string
}

// FromEnv builds a Config from the process environment.
func FromEnv() *Config {
	cfg := &Config{
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          os.Getenv("REDIS_URL"),
		Env:               os.Getenv("NODE_ENV"),
		Serverless:        os.Getenv("VERCEL") != "" || os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != "",
		LogAllQueries:     os.Getenv("DB_LOG_ALL") == "1",
		GitDefaultBase:    envDefault("GIT_DEFAULT_BASE", "main"),
		CoverageThreshold: envFloat("COVERAGE_THRESHOLD", 0.9),
		DataRoot:          envDefault("NOFX_DATA_DIR", DefaultDataDir),
	}

	cfg.QueueDriver = strings.ToLower(envDefault("QUEUE_DRIVER", QueueDriverMemory))

	// The data driver follows the queue driver unless overridden: a memory
	// queue implies local development, where the filesystem store is the
	// zero-dependency default.
	if v := strings.ToLower(os.Getenv("DATA_DRIVER")); v != "" {
		cfg.DataDriver = v
	} else if cfg.QueueDriver == QueueDriverMemory {
		cfg.DataDriver = DataDriverFS
	} else {
		cfg.DataDriver = DataDriverDB
	}

	cfg.PoolSize = poolSize(cfg.Serverless)
	cfg.WorkerConcurrency = workerConcurrency()

	return cfg
}

// ValidateDatabaseURL logs an informational warning when the connection
// string does not look like the managed backend's pooled endpoint. It never
// fails: direct connections work, they just exhaust connection slots faster.
func (c *Config) ValidateDatabaseURL(log *slog.Logger) {
	if c.DatabaseURL == "" {
		return
	}
	u, err := url.Parse(c.DatabaseURL)
	if err != nil {
		log.Warn("DATABASE_URL is not a parseable URL", "error", err)
		return
	}
	host := u.Hostname()
	if strings.Contains(host, "supabase.co") && !strings.Contains(host, "pooler") && u.Port() != "6543" {
		log.Warn("DATABASE_URL points at a direct endpoint; the pooled endpoint (port 6543) is recommended",
			"host", host, "port", u.Port())
	}
}

func poolSize(serverless bool) int {
	if serverless {
		return 1
	}
	n := envInt("DB_POOL_SIZE", DefaultPoolSize)
	if n < MinPoolSize {
		n = MinPoolSize
	}
	return n
}

func workerConcurrency() int {
	n := envInt("WORKER_CONCURRENCY", 0)
	if n == 0 {
		n = envInt("NOFX_WORKER_CONCURRENCY", DefaultWorkerConcurrency)
	}
	if n < 1 {
		n = 1
	}
	return n
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
