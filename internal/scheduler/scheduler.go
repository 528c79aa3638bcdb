// Package scheduler inserts jobs into the store under the
// one-pending-job-per-tag rule and computes due times for cron and
// failure-retry successors.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/quickdapp/workq/internal/job"
)

// DefaultRemoveDelay is used when a job is scheduled without an explicit
// retention window.
const DefaultRemoveDelay = time.Hour

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Params describes a job to schedule.
type Params struct {
	Tag    string
	Type   string
	UserID int64
	Data   []byte
	// Due is the earliest claim time; zero means now.
	Due time.Time
	// RemoveDelay is how long after finishing the row may be garbage
	// collected; zero means the scheduler default.
	RemoveDelay                  time.Duration
	AutoRescheduleOnFailure      bool
	AutoRescheduleOnFailureDelay time.Duration
	Persistent                   bool
}

// Scheduler creates job rows. Safe for concurrent use; the store's
// transactional insert carries the tag-cancellation semantics.
type Scheduler struct {
	store              job.Store
	defaultRemoveDelay time.Duration
	now                func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithDefaultRemoveDelay overrides the retention default applied to jobs
// scheduled without one.
func WithDefaultRemoveDelay(d time.Duration) Option {
	return func(s *Scheduler) { s.defaultRemoveDelay = d }
}

// New creates a Scheduler backed by store.
func New(store job.Store, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:              store,
		defaultRemoveDelay: DefaultRemoveDelay,
		now:                time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule inserts a one-shot job. Any job already pending or running under
// p.Tag is cancelled in the same transaction as the insert.
func (s *Scheduler) Schedule(ctx context.Context, p Params) (*job.Job, error) {
	j, err := s.build(p)
	if err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

// ScheduleCron inserts a recurring job whose due time is the next fire of
// expr after now. The expression is stored on the row so the execution loop
// can insert the following occurrence once this one finishes.
func (s *Scheduler) ScheduleCron(ctx context.Context, p Params, expr string) (*job.Job, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	p.Due = sched.Next(s.now())
	j, err := s.build(p)
	if err != nil {
		return nil, err
	}
	j.CronSchedule = expr
	if err := s.store.Create(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

// RescheduleFinished inserts the successor a finished job calls for, if any:
// the next cron occurrence or a failure retry. When both apply it inserts a
// single successor at the earlier of the two due times, since two inserts
// would cancel each other under the per-tag rule. Returns nil when no
// successor applies.
func (s *Scheduler) RescheduleFinished(ctx context.Context, j *job.Job) (*job.Job, error) {
	cron := j.CronSchedule != ""
	retry := j.Failed() && j.AutoRescheduleOnFailure

	switch {
	case cron && retry:
		cronDue, err := s.nextCronFire(j)
		if err != nil {
			return nil, err
		}
		retryDue := s.now().Add(j.AutoRescheduleOnFailureDelay)
		due := cronDue
		if retryDue.Before(cronDue) {
			due = retryDue
		}
		return s.insertSuccessor(ctx, j, due, j.CronSchedule)
	case cron:
		return s.RescheduleCron(ctx, j)
	case retry:
		return s.RescheduleFailed(ctx, j)
	default:
		return nil, nil
	}
}

// RescheduleCron inserts the next occurrence of a finished cron job. The
// successor keeps the tag and schedule; the predecessor is already finished,
// so the insert cancels nothing.
func (s *Scheduler) RescheduleCron(ctx context.Context, j *job.Job) (*job.Job, error) {
	if j.CronSchedule == "" {
		return nil, errors.New("job has no cron schedule")
	}
	due, err := s.nextCronFire(j)
	if err != nil {
		return nil, err
	}
	return s.insertSuccessor(ctx, j, due, j.CronSchedule)
}

// RescheduleFailed inserts a retry for a failed job after its configured
// delay.
func (s *Scheduler) RescheduleFailed(ctx context.Context, j *job.Job) (*job.Job, error) {
	return s.insertSuccessor(ctx, j, s.now().Add(j.AutoRescheduleOnFailureDelay), j.CronSchedule)
}

// nextCronFire is the fire time strictly after the predecessor's due. When
// the occurrence ran long enough that this already passed, fall back to the
// next fire after now rather than replaying a backlog of past fires.
func (s *Scheduler) nextCronFire(j *job.Job) (time.Time, error) {
	sched, err := cronParser.Parse(j.CronSchedule)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", j.CronSchedule, err)
	}
	next := sched.Next(j.Due)
	if now := s.now(); !next.After(now) {
		next = sched.Next(now)
	}
	return next, nil
}

func (s *Scheduler) insertSuccessor(ctx context.Context, j *job.Job, due time.Time, cronSchedule string) (*job.Job, error) {
	succ := &job.Job{
		Tag:                          j.Tag,
		Type:                         j.Type,
		UserID:                       j.UserID,
		Data:                         j.Data,
		Due:                          due,
		CronSchedule:                 cronSchedule,
		AutoRescheduleOnFailure:      j.AutoRescheduleOnFailure,
		AutoRescheduleOnFailureDelay: j.AutoRescheduleOnFailureDelay,
		RemoveDelay:                  j.RemoveDelay,
		RemoveAt:                     due.Add(j.RemoveDelay),
		RescheduledFromJob:           j.ID,
		Persistent:                   j.Persistent,
	}
	if err := s.store.Create(ctx, succ); err != nil {
		return nil, err
	}
	return succ, nil
}

func (s *Scheduler) build(p Params) (*job.Job, error) {
	if p.Tag == "" {
		return nil, errors.New("job tag must not be empty")
	}
	if p.Type == "" {
		return nil, errors.New("job type must not be empty")
	}

	due := p.Due
	if due.IsZero() {
		due = s.now()
	}
	removeDelay := p.RemoveDelay
	if removeDelay == 0 {
		removeDelay = s.defaultRemoveDelay
	}

	return &job.Job{
		Tag:                          p.Tag,
		Type:                         p.Type,
		UserID:                       p.UserID,
		Data:                         p.Data,
		Due:                          due,
		AutoRescheduleOnFailure:      p.AutoRescheduleOnFailure,
		AutoRescheduleOnFailureDelay: p.AutoRescheduleOnFailureDelay,
		RemoveDelay:                  removeDelay,
		RemoveAt:                     due.Add(removeDelay),
		Persistent:                   p.Persistent,
	}, nil
}
