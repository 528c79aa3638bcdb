package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the environment-driven configuration of the scheduler core.
type Config struct {
	// DBPath is the SQLite database shared by the supervisor and workers.
	DBPath string
	// WorkerCount is the number of worker processes. WORKQ_WORKER_COUNT
	// accepts an integer or "auto" (all available cores); 0 runs an
	// inspection-only instance that never claims jobs.
	WorkerCount int
	// PollInterval is how long a worker sleeps when no job is due.
	PollInterval time.Duration
	// DefaultRemoveDelay is the retention window for jobs scheduled
	// without one.
	DefaultRemoveDelay time.Duration
	// HandshakeTimeout bounds the wait for a worker's startup message.
	HandshakeTimeout time.Duration
	// ShutdownTimeout bounds the graceful-exit wait at shutdown.
	ShutdownTimeout time.Duration
	// GCCron is the schedule of the garbage-collection job.
	GCCron string
}

// Load reads configuration from the environment, after loading a .env file
// when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DBPath: getEnv("WORKQ_DB_PATH", "workq.db"),
		GCCron: getEnv("WORKQ_GC_CRON", "@every 5m"),
	}

	var err error
	cfg.WorkerCount, err = getWorkerCount("WORKQ_WORKER_COUNT", 1)
	if err != nil {
		return nil, fmt.Errorf("WORKQ_WORKER_COUNT: %w", err)
	}

	cfg.PollInterval, err = getEnvDuration("WORKQ_POLL_INTERVAL", time.Second)
	if err != nil {
		return nil, fmt.Errorf("WORKQ_POLL_INTERVAL: %w", err)
	}
	if cfg.PollInterval <= 0 {
		return nil, errors.New("WORKQ_POLL_INTERVAL must be > 0")
	}

	cfg.DefaultRemoveDelay, err = getEnvDuration("WORKQ_DEFAULT_REMOVE_DELAY", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("WORKQ_DEFAULT_REMOVE_DELAY: %w", err)
	}
	if cfg.DefaultRemoveDelay <= 0 {
		return nil, errors.New("WORKQ_DEFAULT_REMOVE_DELAY must be > 0")
	}

	cfg.HandshakeTimeout, err = getEnvDuration("WORKQ_HANDSHAKE_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("WORKQ_HANDSHAKE_TIMEOUT: %w", err)
	}

	cfg.ShutdownTimeout, err = getEnvDuration("WORKQ_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("WORKQ_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// getWorkerCount parses an integer worker count or "auto" for all cores.
func getWorkerCount(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	if v == "auto" {
		return runtime.NumCPU(), nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid worker count %q", v)
	}
	if n < 0 {
		return 0, fmt.Errorf("worker count must be >= 0, got %d", n)
	}
	return n, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return d, nil
}
