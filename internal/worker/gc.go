package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quickdapp/workq/internal/job"
)

// GCJobType is the job type of the garbage-collection handler. It runs as an
// ordinary (typically cron-scheduled) job through the same execution loop as
// everything else.
const GCJobType = "system.gc"

// GCParams is the optional payload of a garbage-collection job. Listed ids
// and tags are skipped even when their retention window has elapsed.
type GCParams struct {
	ExcludeIDs  []int64  `json:"exclude_ids,omitempty"`
	ExcludeTags []string `json:"exclude_tags,omitempty"`
}

// NewGCHandler returns the handler that deletes finished, non-persistent
// jobs past their remove_at time. Running jobs are unfinished and therefore
// never match, including the collection job itself. A nil now defaults to
// time.Now.
func NewGCHandler(store job.Store, now func() time.Time) Handler {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context, j *job.Job) (json.RawMessage, error) {
		var p GCParams
		if len(j.Data) > 0 {
			if err := json.Unmarshal(j.Data, &p); err != nil {
				return nil, fmt.Errorf("decode gc params: %w", err)
			}
		}

		removed, err := store.DeleteExpired(ctx, now(), p.ExcludeIDs, p.ExcludeTags)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]int64{"removed": removed})
	}
}
