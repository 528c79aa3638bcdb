package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/quickdapp/workq/internal/config"
	"github.com/quickdapp/workq/internal/job"
	"github.com/quickdapp/workq/internal/scheduler"
	"github.com/quickdapp/workq/internal/supervisor"
	"github.com/quickdapp/workq/internal/worker"
)

// runWorker is the child-process entrypoint: announce readiness on stdout,
// then claim and execute jobs until the supervisor asks us to stop.
func runWorker() {
	ordinal, err := strconv.Atoi(os.Getenv(supervisor.EnvWorkerOrdinal))
	if err != nil {
		slog.Error("worker ordinal", "error", err)
		os.Exit(1)
	}
	workerID := os.Getenv(supervisor.EnvWorkerID)
	logger := slog.Default().With("worker", ordinal)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	store, err := job.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		logger.Error("store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	registry, err := newRegistry(store)
	if err != nil {
		logger.Error("registry", "error", err)
		os.Exit(1)
	}

	sched := scheduler.New(store, scheduler.WithDefaultRemoveDelay(cfg.DefaultRemoveDelay))
	loop := worker.NewLoop(store, registry, sched, logger,
		worker.WithPollInterval(cfg.PollInterval))

	// A graceful stop lets the in-flight job finish; the supervisor
	// force-kills us only after its shutdown bound.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := supervisor.WriteHandshake(os.Stdout, ordinal, workerID); err != nil {
		logger.Error("handshake", "error", err)
		os.Exit(1)
	}

	loop.Run(ctx)

	processed, failed := loop.Stats()
	logger.Info("worker exiting", "processed", processed, "failed", failed)
}

// newRegistry wires the built-in job handlers. Application handlers are
// registered here as the system grows.
func newRegistry(store job.Store) (*worker.Registry, error) {
	registry := worker.NewRegistry()
	if err := registry.Register(worker.GCJobType, worker.NewGCHandler(store, nil)); err != nil {
		return nil, err
	}
	return registry, nil
}
