// Package worker contains the per-process claim-and-execute loop, the
// handler registry it dispatches through, and the garbage-collection
// handler.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/quickdapp/workq/internal/job"
	"github.com/quickdapp/workq/internal/scheduler"
)

// Loop claims due jobs from the store and runs their handlers, one job at a
// time: poll, claim, run, report, then either the next claim or a sleep when
// nothing is due. A store error is logged and retried on the next poll; it
// never terminates the loop.
type Loop struct {
	store    job.Store
	registry *Registry
	sched    *scheduler.Scheduler
	poll     time.Duration
	now      func() time.Time
	logger   *slog.Logger

	processed atomic.Int64
	failed    atomic.Int64
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithPollInterval sets how long the loop sleeps when no job is due.
func WithPollInterval(d time.Duration) LoopOption {
	return func(l *Loop) { l.poll = d }
}

// WithLoopClock replaces the time source, for deterministic tests.
func WithLoopClock(now func() time.Time) LoopOption {
	return func(l *Loop) { l.now = now }
}

// NewLoop creates a Loop. sched inserts cron and failure-retry successors
// after jobs finish.
func NewLoop(store job.Store, registry *Registry, sched *scheduler.Scheduler, logger *slog.Logger, opts ...LoopOption) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loop{
		store:    store,
		registry: registry,
		sched:    sched,
		poll:     time.Second,
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run executes jobs until ctx is cancelled. An in-flight handler finishes
// before Run returns.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		ran, err := l.RunOnce(ctx)
		if err != nil {
			l.logger.Error("claim failed", "error", err)
		}
		if ran && err == nil {
			// More work may be due; claim again without sleeping.
			if ctx.Err() != nil {
				return
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims and executes at most one job. It reports whether a job was
// claimed. Handler failures are recorded on the job, not returned; the error
// return covers the claim itself.
func (l *Loop) RunOnce(ctx context.Context) (bool, error) {
	j, err := l.store.ClaimNext(ctx, l.now())
	if err != nil {
		return false, err
	}
	if j == nil {
		return false, nil
	}
	l.execute(ctx, j)
	return true, nil
}

// Stats returns the number of jobs this loop has executed and how many of
// those failed.
func (l *Loop) Stats() (processed, failed int64) {
	return l.processed.Load(), l.failed.Load()
}

func (l *Loop) execute(ctx context.Context, j *job.Job) {
	output, runErr := l.invoke(ctx, j)

	success := runErr == nil
	result := output
	if runErr != nil {
		result = job.ErrorResult(runErr.Error())
	}

	reported, err := l.store.MarkFinished(ctx, j.ID, success, result)
	if err != nil {
		l.logger.Error("report job result", "job", j.ID, "error", err)
		return
	}

	l.processed.Add(1)
	if !success {
		l.failed.Add(1)
		l.logger.Warn("job failed", "job", j.ID, "type", j.Type, "tag", j.Tag, "error", runErr)
	} else {
		l.logger.Info("job finished", "job", j.ID, "type", j.Type, "tag", j.Tag)
	}

	if !reported {
		// The job was cancelled while running; its tag now belongs to a
		// newer job, so inserting a successor would cancel that one.
		l.logger.Info("job superseded while running", "job", j.ID, "tag", j.Tag)
		return
	}

	now := l.now()
	j.Finished = &now
	j.Success = &success
	j.Result = result

	succ, err := l.sched.RescheduleFinished(ctx, j)
	if err != nil {
		l.logger.Error("reschedule finished job", "job", j.ID, "error", err)
		return
	}
	if succ != nil {
		l.logger.Info("scheduled successor", "job", j.ID, "successor", succ.ID, "due", succ.Due)
	}
}

// invoke dispatches to the registered handler. Unknown types and handler
// panics are handled errors: they fail the job, never the worker process.
func (l *Loop) invoke(ctx context.Context, j *job.Job) (output json.RawMessage, err error) {
	handler, ok := l.registry.Get(j.Type)
	if !ok {
		return nil, fmt.Errorf("Unknown job type: %s", j.Type)
	}

	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("job handler panicked",
				"job", j.ID,
				"type", j.Type,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("panic in job %s: %v", j.Type, r)
		}
	}()

	return handler(ctx, j)
}
