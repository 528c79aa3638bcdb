package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed implementation of Store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the SQLite database at dbPath and runs
// migrations. WAL mode lets the supervisor and worker processes share the
// file; within one process a single pooled connection serializes writers so
// concurrent claims contend on the conditional update instead of SQLITE_BUSY.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err = db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id                   INTEGER PRIMARY KEY AUTOINCREMENT,
			tag                  TEXT NOT NULL,
			type                 TEXT NOT NULL,
			user_id              INTEGER NOT NULL DEFAULT 0,
			data                 TEXT,
			due                  DATETIME NOT NULL,
			started              DATETIME,
			finished             DATETIME,
			success              INTEGER,
			result               TEXT,
			cron_schedule        TEXT NOT NULL DEFAULT '',
			auto_reschedule_on_failure          INTEGER NOT NULL DEFAULT 0,
			auto_reschedule_on_failure_delay_ms INTEGER NOT NULL DEFAULT 0,
			remove_delay_ms      INTEGER NOT NULL DEFAULT 0,
			remove_at            DATETIME NOT NULL,
			rescheduled_from_job INTEGER NOT NULL DEFAULT 0,
			persistent           INTEGER NOT NULL DEFAULT 0,
			created_at           DATETIME NOT NULL,
			updated_at           DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_tag_unfinished ON jobs(tag) WHERE finished IS NULL;
		CREATE INDEX IF NOT EXISTS idx_jobs_due_unclaimed  ON jobs(due) WHERE started IS NULL AND finished IS NULL;
		CREATE INDEX IF NOT EXISTS idx_jobs_remove_at      ON jobs(remove_at) WHERE finished IS NOT NULL;
	`)
	return err
}

const jobColumns = `id, tag, type, user_id, data, due, started, finished, success, result,
	cron_schedule, auto_reschedule_on_failure, auto_reschedule_on_failure_delay_ms,
	remove_delay_ms, remove_at, rescheduled_from_job, persistent, created_at, updated_at`

// Create cancels any unfinished job with j.Tag and inserts j in one
// transaction, so a concurrent schedule or claim can never leave two
// unfinished rows for one tag.
func (s *SQLiteStore) Create(ctx context.Context, j *Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schedule tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := cancelPendingByTag(ctx, tx, j.Tag, now); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO jobs
			(tag, type, user_id, data, due, cron_schedule,
			 auto_reschedule_on_failure, auto_reschedule_on_failure_delay_ms,
			 remove_delay_ms, remove_at, rescheduled_from_job, persistent,
			 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		j.Tag,
		j.Type,
		j.UserID,
		nullableJSON(j.Data),
		j.Due.UTC(),
		j.CronSchedule,
		j.AutoRescheduleOnFailure,
		j.AutoRescheduleOnFailureDelay.Milliseconds(),
		j.RemoveDelay.Milliseconds(),
		j.RemoveAt.UTC(),
		j.RescheduledFromJob,
		j.Persistent,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("insert job (tag %s): %w", j.Tag, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("job insert id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schedule tx: %w", err)
	}

	j.ID = id
	j.CreatedAt = now
	j.UpdatedAt = now
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// cancelPendingByTag is the shared cancel step. The WHERE finished IS NULL
// guard is what orders a cancel against a concurrent finish: the first
// writer wins and the loser's update affects zero rows.
func cancelPendingByTag(ctx context.Context, db execer, tag string, now time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE jobs
		SET finished = ?, success = 0, result = ?, updated_at = ?
		WHERE tag = ? AND finished IS NULL
	`, now, string(CancelledResult()), now, tag)
	if err != nil {
		return 0, fmt.Errorf("cancel pending jobs (tag %s): %w", tag, err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) CancelPendingByTag(ctx context.Context, tag string) (int64, error) {
	return cancelPendingByTag(ctx, s.db, tag, time.Now().UTC())
}

// ClaimNext selects the lowest-due unclaimed job that is due at now and
// atomically sets started. The conditional update is the single
// correctness-critical primitive: of any number of concurrent claimers,
// exactly one observes RowsAffected == 1 per row; the rest move on to the
// next candidate or see no job.
func (s *SQLiteStore) ClaimNext(ctx context.Context, now time.Time) (*Job, error) {
	now = now.UTC()
	for {
		var id int64
		err := s.db.QueryRowContext(ctx, `
			SELECT id FROM jobs
			WHERE started IS NULL AND finished IS NULL AND due <= ?
			ORDER BY due ASC, id ASC
			LIMIT 1
		`, now).Scan(&id)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("select claim candidate: %w", err)
		}

		res, err := s.db.ExecContext(ctx, `
			UPDATE jobs SET started = ?, updated_at = ?
			WHERE id = ? AND started IS NULL AND finished IS NULL
		`, now, now, id)
		if err != nil {
			return nil, fmt.Errorf("claim job %d: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("claim job %d: %w", id, err)
		}
		if n == 1 {
			return s.Get(ctx, id)
		}
		// Lost the race for this row; another claimer or a cancel got
		// there first. Try the next candidate.
	}
}

// MarkFinished records the terminal state. Conditional on finished IS NULL
// so that a job cancelled while running cannot be overwritten by its own
// late report; callers treat ok == false as a no-op.
func (s *SQLiteStore) MarkFinished(ctx context.Context, id int64, success bool, result json.RawMessage) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET finished = ?, success = ?, result = ?, updated_at = ?
		WHERE id = ? AND finished IS NULL
	`, now, success, nullableJSON(result), now, id)
	if err != nil {
		return false, fmt.Errorf("mark finished job %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark finished job %d: %w", id, err)
	}
	return n == 1, nil
}

// DeleteExpired removes finished, non-persistent jobs whose retention window
// elapsed before now. Unfinished rows (pending or running) are never touched.
func (s *SQLiteStore) DeleteExpired(ctx context.Context, now time.Time, excludeIDs []int64, excludeTags []string) (int64, error) {
	query := `
		DELETE FROM jobs
		WHERE finished IS NOT NULL AND persistent = 0 AND remove_at <= ?`
	args := []any{now.UTC()}

	if len(excludeIDs) > 0 {
		query += ` AND id NOT IN (` + placeholders(len(excludeIDs)) + `)`
		for _, id := range excludeIDs {
			args = append(args, id)
		}
	}
	if len(excludeTags) > 0 {
		query += ` AND tag NOT IN (` + placeholders(len(excludeTags)) + `)`
		for _, tag := range excludeTags {
			args = append(args, tag)
		}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete expired jobs: %w", err)
	}
	return res.RowsAffected()
}

// ResetAbandoned clears started on claimed-but-unfinished rows, returning
// their ids. A worker that died mid-execution leaves its job in that state;
// this runs at parent startup, before any worker exists, so no live claim
// can be reset.
func (s *SQLiteStore) ResetAbandoned(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM jobs WHERE started IS NOT NULL AND finished IS NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("query abandoned jobs: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate abandoned jobs: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		UPDATE jobs SET started = NULL, updated_at = ?
		WHERE started IS NOT NULL AND finished IS NULL
	`, now)
	if err != nil {
		return nil, fmt.Errorf("reset abandoned jobs: %w", err)
	}
	return ids, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id int64) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return j, nil
}

// NextPending returns the unfinished, unclaimed job that will be claimed
// next, or nil when none is pending.
func (s *SQLiteStore) NextPending(ctx context.Context) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE started IS NULL AND finished IS NULL
		ORDER BY due ASC, id ASC
		LIMIT 1
	`)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next pending job: %w", err)
	}
	return j, nil
}

// CountPending counts unfinished, unclaimed jobs.
func (s *SQLiteStore) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs WHERE started IS NULL AND finished IS NULL
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending jobs: %w", err)
	}
	return n, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	j := &Job{}
	var (
		data, result      sql.NullString
		started, finished sql.NullTime
		success           sql.NullBool
		rescheduleDelayMS int64
		removeDelayMS     int64
	)

	err := row.Scan(
		&j.ID, &j.Tag, &j.Type, &j.UserID, &data, &j.Due,
		&started, &finished, &success, &result,
		&j.CronSchedule, &j.AutoRescheduleOnFailure, &rescheduleDelayMS,
		&removeDelayMS, &j.RemoveAt, &j.RescheduledFromJob, &j.Persistent,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if data.Valid {
		j.Data = []byte(data.String)
	}
	if result.Valid {
		j.Result = []byte(result.String)
	}
	if started.Valid {
		t := started.Time
		j.Started = &t
	}
	if finished.Valid {
		t := finished.Time
		j.Finished = &t
	}
	if success.Valid {
		b := success.Bool
		j.Success = &b
	}
	j.AutoRescheduleOnFailureDelay = time.Duration(rescheduleDelayMS) * time.Millisecond
	j.RemoveDelay = time.Duration(removeDelayMS) * time.Millisecond
	return j, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// nullableJSON returns nil if b is empty, otherwise the raw bytes as a string.
func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
