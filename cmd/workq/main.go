package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/quickdapp/workq/internal/config"
	"github.com/quickdapp/workq/internal/job"
	"github.com/quickdapp/workq/internal/scheduler"
	"github.com/quickdapp/workq/internal/supervisor"
	"github.com/quickdapp/workq/internal/worker"
)

func main() {
	// Children log to stderr like the parent; their stdout carries the
	// startup handshake.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if os.Getenv(supervisor.EnvWorkerOrdinal) != "" {
		runWorker()
		return
	}
	runSupervisor()
}

func runSupervisor() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	store, err := job.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		slog.Error("store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()

	// No worker processes exist yet, so any claimed-but-unfinished row was
	// abandoned by a crashed worker of a previous run.
	ids, err := store.ResetAbandoned(ctx)
	if err != nil {
		slog.Error("reset abandoned jobs", "error", err)
		os.Exit(1)
	}
	if len(ids) > 0 {
		slog.Info("reset abandoned jobs", "jobs", ids)
	}

	sched := scheduler.New(store, scheduler.WithDefaultRemoveDelay(cfg.DefaultRemoveDelay))
	if _, err := sched.ScheduleCron(ctx, scheduler.Params{
		Tag:  worker.GCJobType,
		Type: worker.GCJobType,
	}, cfg.GCCron); err != nil {
		slog.Error("schedule gc job", "error", err)
		os.Exit(1)
	}

	sup := supervisor.New(supervisor.Config{
		WorkerCount:      cfg.WorkerCount,
		HandshakeTimeout: cfg.HandshakeTimeout,
		ShutdownTimeout:  cfg.ShutdownTimeout,
	}, nil, slog.Default())
	sup.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutting down")

	if err := sup.Shutdown(ctx); err != nil {
		slog.Error("shutdown", "error", err)
		os.Exit(1)
	}
}
