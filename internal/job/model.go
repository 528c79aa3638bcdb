package job

import (
	"encoding/json"
	"time"
)

// cancelledError is the message written to a pending job when a newer job
// with the same tag supersedes it.
const cancelledError = "Job cancelled due to new job being created"

// Job is a unit of deferred or recurring work persisted in the store.
// At most one job per tag may be unfinished at any time.
type Job struct {
	ID     int64           `json:"id"`
	Tag    string          `json:"tag"`
	Type   string          `json:"type"`
	UserID int64           `json:"user_id"` // 0 means system job
	Data   json.RawMessage `json:"data,omitempty"`
	Due    time.Time       `json:"due"`
	// Started is set exactly once, by the single worker that wins the claim.
	Started *time.Time `json:"started,omitempty"`
	// Finished is set exactly once: on success, failure or cancellation.
	Finished *time.Time      `json:"finished,omitempty"`
	Success  *bool           `json:"success,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`

	CronSchedule                 string        `json:"cron_schedule,omitempty"`
	AutoRescheduleOnFailure      bool          `json:"auto_reschedule_on_failure"`
	AutoRescheduleOnFailureDelay time.Duration `json:"auto_reschedule_on_failure_delay"`

	RemoveDelay time.Duration `json:"remove_delay"`
	RemoveAt    time.Time     `json:"remove_at"`

	RescheduledFromJob int64 `json:"rescheduled_from_job,omitempty"` // 0 means no predecessor
	Persistent         bool  `json:"persistent"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Pending reports whether the job is still waiting for or undergoing execution.
func (j *Job) Pending() bool {
	return j.Finished == nil
}

// Failed reports whether the job finished unsuccessfully.
func (j *Job) Failed() bool {
	return j.Finished != nil && j.Success != nil && !*j.Success
}

// ErrorResult builds the structured result payload for a failed job.
func ErrorResult(msg string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return b
}

// CancelledResult is the result payload for a tag-superseded job.
func CancelledResult() json.RawMessage {
	return ErrorResult(cancelledError)
}
