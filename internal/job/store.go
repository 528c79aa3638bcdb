package job

import (
	"context"
	"encoding/json"
	"time"
)

// Store persists and retrieves jobs. Every mutation of the jobs table goes
// through these primitives; no caller may read-modify-write a row itself.
type Store interface {
	// Create cancels any unfinished job sharing j.Tag and inserts j, both
	// inside one transaction. On return j.ID, j.CreatedAt and j.UpdatedAt
	// are populated.
	Create(ctx context.Context, j *Job) error
	// ClaimNext atomically claims the due, unclaimed job with the lowest
	// due time by setting started. Returns nil when no job is due.
	// Concurrent callers never observe the same row claimed twice.
	ClaimNext(ctx context.Context, now time.Time) (*Job, error)
	// MarkFinished records the terminal state of a job. Returns false when
	// the row was already finished (e.g. cancelled while running), in which
	// case nothing was written.
	MarkFinished(ctx context.Context, id int64, success bool, result json.RawMessage) (bool, error)
	// CancelPendingByTag marks every unfinished job with the tag as
	// cancelled and returns the number of rows affected.
	CancelPendingByTag(ctx context.Context, tag string) (int64, error)
	// DeleteExpired removes finished, non-persistent jobs whose retention
	// window elapsed before now, skipping the given ids and tags.
	DeleteExpired(ctx context.Context, now time.Time, excludeIDs []int64, excludeTags []string) (int64, error)
	// ResetAbandoned clears started on unfinished claimed rows, returning
	// their ids. Only safe while no worker processes are running.
	ResetAbandoned(ctx context.Context) ([]int64, error)

	Get(ctx context.Context, id int64) (*Job, error)
	NextPending(ctx context.Context) (*Job, error)
	CountPending(ctx context.Context) (int, error)
}
