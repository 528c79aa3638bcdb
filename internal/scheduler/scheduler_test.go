package scheduler

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/quickdapp/workq/internal/job"
)

var testNow = time.Date(2026, 8, 23, 10, 30, 0, 0, time.UTC)

func newTestScheduler(t *testing.T, opts ...Option) (*Scheduler, *job.SQLiteStore) {
	t.Helper()
	store, err := job.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return New(store, opts...), store
}

func TestScheduleDefaults(t *testing.T) {
	ctx := context.Background()
	sched, store := newTestScheduler(t)

	j, err := sched.Schedule(ctx, Params{Tag: "notify:1", Type: "email"})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if !j.Due.Equal(testNow) {
		t.Errorf("Due = %v, want now (%v)", j.Due, testNow)
	}
	if !j.RemoveAt.Equal(testNow.Add(DefaultRemoveDelay)) {
		t.Errorf("RemoveAt = %v, want due + default delay", j.RemoveAt)
	}
	if j.RemoveDelay != DefaultRemoveDelay {
		t.Errorf("RemoveDelay = %v, want %v", j.RemoveDelay, DefaultRemoveDelay)
	}

	got, err := store.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || !got.Pending() {
		t.Fatal("scheduled job not persisted as pending")
	}
}

func TestScheduleExplicit(t *testing.T) {
	ctx := context.Background()
	sched, _ := newTestScheduler(t)

	due := testNow.Add(45 * time.Minute)
	j, err := sched.Schedule(ctx, Params{
		Tag:         "digest:9",
		Type:        "digest",
		UserID:      9,
		Due:         due,
		RemoveDelay: 10 * time.Minute,
		Persistent:  true,
	})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if !j.Due.Equal(due) {
		t.Errorf("Due = %v, want %v", j.Due, due)
	}
	if !j.RemoveAt.Equal(due.Add(10 * time.Minute)) {
		t.Errorf("RemoveAt = %v, want due + 10m", j.RemoveAt)
	}
	if !j.Persistent {
		t.Error("Persistent flag dropped")
	}
}

func TestScheduleValidation(t *testing.T) {
	ctx := context.Background()
	sched, _ := newTestScheduler(t)

	if _, err := sched.Schedule(ctx, Params{Type: "email"}); err == nil {
		t.Error("empty tag should be rejected")
	}
	if _, err := sched.Schedule(ctx, Params{Tag: "x"}); err == nil {
		t.Error("empty type should be rejected")
	}
}

func TestScheduleSupersedesTag(t *testing.T) {
	ctx := context.Background()
	sched, store := newTestScheduler(t)

	first, err := sched.Schedule(ctx, Params{Tag: "notify:1", Type: "email"})
	if err != nil {
		t.Fatalf("Schedule first: %v", err)
	}
	if _, err := sched.Schedule(ctx, Params{Tag: "notify:1", Type: "email"}); err != nil {
		t.Fatalf("Schedule second: %v", err)
	}

	got, err := store.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Pending() || got.Success == nil || *got.Success {
		t.Error("first job should be cancelled, never successful")
	}
}

func TestScheduleCron(t *testing.T) {
	ctx := context.Background()
	sched, _ := newTestScheduler(t)

	// Next top of the hour after 10:30 is 11:00.
	j, err := sched.ScheduleCron(ctx, Params{Tag: "hourly", Type: "report"}, "0 * * * *")
	if err != nil {
		t.Fatalf("ScheduleCron: %v", err)
	}
	want := time.Date(2026, 8, 23, 11, 0, 0, 0, time.UTC)
	if !j.Due.Equal(want) {
		t.Errorf("Due = %v, want %v", j.Due, want)
	}
	if j.CronSchedule != "0 * * * *" {
		t.Errorf("CronSchedule = %q, want stored expression", j.CronSchedule)
	}
}

func TestScheduleCron_Descriptor(t *testing.T) {
	ctx := context.Background()
	sched, _ := newTestScheduler(t)

	j, err := sched.ScheduleCron(ctx, Params{Tag: "gc", Type: "system.gc"}, "@every 5m")
	if err != nil {
		t.Fatalf("ScheduleCron: %v", err)
	}
	if !j.Due.Equal(testNow.Add(5 * time.Minute)) {
		t.Errorf("Due = %v, want now + 5m", j.Due)
	}
}

func TestScheduleCron_BadExpression(t *testing.T) {
	ctx := context.Background()
	sched, _ := newTestScheduler(t)

	if _, err := sched.ScheduleCron(ctx, Params{Tag: "x", Type: "y"}, "not a cron"); err == nil {
		t.Error("invalid cron expression should be rejected")
	}
}

func TestRescheduleCron_Lineage(t *testing.T) {
	ctx := context.Background()
	sched, store := newTestScheduler(t)

	orig, err := sched.ScheduleCron(ctx, Params{Tag: "hourly", Type: "report"}, "0 * * * *")
	if err != nil {
		t.Fatalf("ScheduleCron: %v", err)
	}
	if _, err := store.MarkFinished(ctx, orig.ID, true, nil); err != nil {
		t.Fatalf("MarkFinished: %v", err)
	}

	succ, err := sched.RescheduleCron(ctx, orig)
	if err != nil {
		t.Fatalf("RescheduleCron: %v", err)
	}
	if succ.Tag != orig.Tag || succ.CronSchedule != orig.CronSchedule {
		t.Error("successor must keep tag and cron schedule")
	}
	if succ.RescheduledFromJob != orig.ID {
		t.Errorf("RescheduledFromJob = %d, want %d", succ.RescheduledFromJob, orig.ID)
	}
	if !succ.Due.After(orig.Due) {
		t.Errorf("successor due %v not strictly after predecessor due %v", succ.Due, orig.Due)
	}

	// Exactly one future occurrence pending.
	n, err := store.CountPending(ctx)
	if err != nil {
		t.Fatalf("CountPending: %v", err)
	}
	if n != 1 {
		t.Errorf("pending = %d, want 1", n)
	}
}

func TestRescheduleCron_PastDueFallsBackToNow(t *testing.T) {
	ctx := context.Background()
	sched, _ := newTestScheduler(t)

	// Predecessor fired hours ago; the successor must be the next fire
	// after now, not a backlog of past occurrences.
	orig := &job.Job{
		ID:           7,
		Tag:          "hourly",
		Type:         "report",
		Due:          testNow.Add(-3 * time.Hour),
		CronSchedule: "0 * * * *",
	}
	succ, err := sched.RescheduleCron(ctx, orig)
	if err != nil {
		t.Fatalf("RescheduleCron: %v", err)
	}
	want := time.Date(2026, 8, 23, 11, 0, 0, 0, time.UTC)
	if !succ.Due.Equal(want) {
		t.Errorf("Due = %v, want next fire after now (%v)", succ.Due, want)
	}
}

func TestRescheduleCron_NoSchedule(t *testing.T) {
	ctx := context.Background()
	sched, _ := newTestScheduler(t)

	if _, err := sched.RescheduleCron(ctx, &job.Job{Tag: "x", Type: "y"}); err == nil {
		t.Error("job without cron schedule should be rejected")
	}
}

func TestRescheduleFailed(t *testing.T) {
	ctx := context.Background()
	sched, _ := newTestScheduler(t)

	no := false
	orig := &job.Job{
		ID:                           3,
		Tag:                          "sync",
		Type:                         "sync",
		Due:                          testNow.Add(-time.Minute),
		Finished:                     &testNow,
		Success:                      &no,
		AutoRescheduleOnFailure:      true,
		AutoRescheduleOnFailureDelay: 2 * time.Minute,
		RemoveDelay:                  time.Hour,
	}
	succ, err := sched.RescheduleFailed(ctx, orig)
	if err != nil {
		t.Fatalf("RescheduleFailed: %v", err)
	}
	if !succ.Due.Equal(testNow.Add(2 * time.Minute)) {
		t.Errorf("Due = %v, want now + delay", succ.Due)
	}
	if succ.RescheduledFromJob != orig.ID {
		t.Errorf("RescheduledFromJob = %d, want %d", succ.RescheduledFromJob, orig.ID)
	}
	if !succ.AutoRescheduleOnFailure {
		t.Error("retry flags must carry over to the successor")
	}
}

func TestRescheduleFinished(t *testing.T) {
	yes, no := true, false

	base := job.Job{
		ID:          11,
		Tag:         "etl",
		Type:        "etl",
		Due:         testNow.Add(-30 * time.Minute),
		RemoveDelay: time.Hour,
		Finished:    &testNow,
	}

	tests := []struct {
		name    string
		mutate  func(*job.Job)
		wantDue time.Time // zero means no successor
	}{
		{
			name:   "success, no cron",
			mutate: func(j *job.Job) { j.Success = &yes },
		},
		{
			name:   "failure without retry",
			mutate: func(j *job.Job) { j.Success = &no },
		},
		{
			name: "success with cron",
			mutate: func(j *job.Job) {
				j.Success = &yes
				j.CronSchedule = "0 * * * *"
			},
			wantDue: time.Date(2026, 8, 23, 11, 0, 0, 0, time.UTC),
		},
		{
			name: "failure with retry",
			mutate: func(j *job.Job) {
				j.Success = &no
				j.AutoRescheduleOnFailure = true
				j.AutoRescheduleOnFailureDelay = 5 * time.Minute
			},
			wantDue: testNow.Add(5 * time.Minute),
		},
		{
			name: "failed cron retries before next fire",
			mutate: func(j *job.Job) {
				j.Success = &no
				j.CronSchedule = "0 * * * *"
				j.AutoRescheduleOnFailure = true
				j.AutoRescheduleOnFailureDelay = 5 * time.Minute
			},
			// Retry at 10:35 beats the 11:00 fire; the schedule is kept so
			// the lineage stays recurring.
			wantDue: testNow.Add(5 * time.Minute),
		},
		{
			name: "failed cron waits for earlier fire",
			mutate: func(j *job.Job) {
				j.Success = &no
				j.CronSchedule = "0 * * * *"
				j.AutoRescheduleOnFailure = true
				j.AutoRescheduleOnFailureDelay = 2 * time.Hour
			},
			wantDue: time.Date(2026, 8, 23, 11, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			sched, _ := newTestScheduler(t)

			j := base
			tt.mutate(&j)

			succ, err := sched.RescheduleFinished(ctx, &j)
			if err != nil {
				t.Fatalf("RescheduleFinished: %v", err)
			}
			if tt.wantDue.IsZero() {
				if succ != nil {
					t.Fatalf("successor = %+v, want none", succ)
				}
				return
			}
			if succ == nil {
				t.Fatal("want a successor, got none")
			}
			if !succ.Due.Equal(tt.wantDue) {
				t.Errorf("Due = %v, want %v", succ.Due, tt.wantDue)
			}
			if j.CronSchedule != "" && succ.CronSchedule != j.CronSchedule {
				t.Error("cron schedule dropped from successor")
			}
			if succ.RescheduledFromJob != j.ID {
				t.Errorf("RescheduledFromJob = %d, want %d", succ.RescheduledFromJob, j.ID)
			}
		})
	}
}

func TestScheduleCron_ErrorMentionsExpression(t *testing.T) {
	ctx := context.Background()
	sched, _ := newTestScheduler(t)

	_, err := sched.ScheduleCron(ctx, Params{Tag: "x", Type: "y"}, "61 * * * *")
	if err == nil {
		t.Fatal("out-of-range minute should be rejected")
	}
	if !strings.Contains(err.Error(), "61 * * * *") {
		t.Errorf("error %q should name the expression", err)
	}
}
