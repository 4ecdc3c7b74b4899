package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"cattle-orchestrator/internal/models"
	"cattle-orchestrator/internal/store"
)

// ErrValidation marks caller errors such as a missing kind or worker id.
var ErrValidation = errors.New("validation failed")

func validationErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

const (
	DefaultLease = 120 * time.Second
	MinLease     = 5 * time.Second
	MaxLease     = time.Hour

	DefaultListLimit = 50
	MaxListLimit     = 500

	maxErrorLen = 4096
)

// Notifier is told about new work after an enqueue commits so idle workers
// can poll early. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, kind string) error
}

// Engine implements the durable job queue on top of the SQL store. All
// transitions and their audit events commit in a single transaction.
type Engine struct {
	store    *store.Store
	now      func() time.Time
	newID    func() string
	notifier Notifier
	logger   *slog.Logger
}

type Option func(*Engine)

// WithClock overrides the wall clock used for timestamps.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func WithNotifier(n Notifier) Option { return func(e *Engine) { e.notifier = n } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// New builds an engine over an opened store.
func New(st *store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:  st,
		now:    time.Now,
		newID:  uuid.NewString,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Now returns the engine clock reading.
func (e *Engine) Now() time.Time { return e.now() }

// EnqueueParams collects inputs required to insert a job.
type EnqueueParams struct {
	Kind           string
	Payload        json.RawMessage
	Requester      string
	IdempotencyKey string
	RunAt          time.Time
	Priority       int
	MaxAttempts    int
}

// EnqueueResult reports the job id and whether an existing job was reused
// through its idempotency key.
type EnqueueResult struct {
	JobID   string `json:"jobId"`
	Deduped bool   `json:"deduped"`
}

// Enqueue inserts a queued job, or returns the existing job id when the
// (requester, idempotencyKey) pair was seen before. A zero RunAt means now and
// MaxAttempts below one means a single attempt.
func (e *Engine) Enqueue(ctx context.Context, p EnqueueParams) (EnqueueResult, error) {
	kind := strings.TrimSpace(p.Kind)
	requester := strings.TrimSpace(p.Requester)
	key := strings.TrimSpace(p.IdempotencyKey)
	if kind == "" {
		return EnqueueResult{}, validationErr("kind is required")
	}
	if requester == "" {
		return EnqueueResult{}, validationErr("requester is required")
	}
	payload := p.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	if !json.Valid(payload) {
		return EnqueueResult{}, validationErr("payload must be valid JSON")
	}

	now := e.now()
	runAt := p.RunAt
	if runAt.IsZero() {
		runAt = now
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var res EnqueueResult
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		if key != "" {
			id, found, err := findByIdempotencyKey(ctx, tx, requester, key)
			if err != nil {
				return err
			}
			if found {
				res = EnqueueResult{JobID: id, Deduped: true}
				return nil
			}
		}
		id := e.newID()
		nowMs := store.UnixMillis(now)
		if _, err := tx.Exec(ctx, `
			INSERT INTO jobs (job_id, kind, payload_json, requester, idempotency_key, status, priority, run_at, created_at, updated_at, attempt, max_attempts, last_error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, '')
		`, id, kind, string(payload), requester, key, string(models.StatusQueued), p.Priority, store.UnixMillis(runAt), nowMs, nowMs, maxAttempts); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		if err := insertEvent(ctx, tx, id, now, models.EventEnqueue, "", 0); err != nil {
			return err
		}
		res = EnqueueResult{JobID: id}
		return nil
	})
	if err != nil {
		if key == "" || !store.IsUniqueViolation(err) {
			return EnqueueResult{}, err
		}
		// A concurrent enqueue committed the same key first.
		id, found, ferr := findByIdempotencyKey(ctx, e.store, requester, key)
		if ferr != nil {
			return EnqueueResult{}, ferr
		}
		if !found {
			return EnqueueResult{}, errors.New("idempotency conflict but no existing job found")
		}
		return EnqueueResult{JobID: id, Deduped: true}, nil
	}

	if !res.Deduped && e.notifier != nil {
		if err := e.notifier.Notify(ctx, kind); err != nil {
			e.logger.Warn("enqueue notify failed", "job_id", res.JobID, "error", err)
		}
	}
	return res, nil
}

func findByIdempotencyKey(ctx context.Context, q store.Querier, requester, key string) (string, bool, error) {
	var id string
	err := q.QueryRow(ctx, `SELECT job_id FROM jobs WHERE requester = ? AND idempotency_key = ?`, requester, key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query idempotency key: %w", err)
	}
	return id, true, nil
}

// Get fetches a job by id. Missing jobs return an error wrapping
// store.ErrNotFound.
func (e *Engine) Get(ctx context.Context, jobID string) (models.Job, error) {
	return getJob(ctx, e.store, strings.TrimSpace(jobID))
}

func getJob(ctx context.Context, q store.Querier, jobID string) (models.Job, error) {
	job, err := scanJob(q.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", jobID, store.ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// ListFilter narrows List results. Empty fields match everything.
type ListFilter struct {
	Requester string
	Statuses  []models.JobStatus
	Kinds     []string
	Limit     int
}

// List returns jobs newest first, ties broken by job id ascending. The
// limit defaults to 50 and is clamped to [1, 500].
func (e *Engine) List(ctx context.Context, f ListFilter) ([]models.Job, error) {
	var (
		where []string
		args  []any
	)
	if r := strings.TrimSpace(f.Requester); r != "" {
		where = append(where, "requester = ?")
		args = append(args, r)
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, string(s))
		}
	}
	if len(f.Kinds) > 0 {
		where = append(where, "kind IN ("+placeholders(len(f.Kinds))+")")
		for _, k := range f.Kinds {
			args = append(args, k)
		}
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, job_id ASC LIMIT ?`
	args = append(args, ClampListLimit(f.Limit))

	rows, err := e.store.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	jobs := make([]models.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ClampListLimit applies the default and bounds for List.
func ClampListLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	}
	return limit
}

// ClampLease bounds a requested lease duration to [5s, 1h]; zero or
// negative requests get the 120s default.
func ClampLease(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultLease
	case d < MinLease:
		return MinLease
	case d > MaxLease:
		return MaxLease
	}
	return d
}

const claimablePredicate = `((status = 'queued' AND run_at <= ?) OR (status = 'running' AND lease_until IS NOT NULL AND lease_until <= ?))`

// ClaimNext leases the highest-priority runnable job to workerID. Runnable
// means queued and due, or running with an expired lease. Ties break on
// run_at, then created_at, then job id. Returns nil when nothing is
// runnable. The attempt counter increments on every claim.
func (e *Engine) ClaimNext(ctx context.Context, workerID string, now time.Time, lease time.Duration) (*models.Job, error) {
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return nil, validationErr("workerId is required")
	}
	lease = ClampLease(lease)
	nowMs := store.UnixMillis(now)
	leaseUntil := nowMs + lease.Milliseconds()

	var claimed *models.Job
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		selectQuery := `SELECT job_id FROM jobs WHERE ` + claimablePredicate + `
			ORDER BY priority DESC, run_at ASC, created_at ASC, job_id ASC LIMIT 1`
		if tx.Dialect() == store.DialectPostgres {
			selectQuery += ` FOR UPDATE SKIP LOCKED`
		}
		for attempt := 0; attempt < 3; attempt++ {
			var id string
			err := tx.QueryRow(ctx, selectQuery, nowMs, nowMs).Scan(&id)
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("select claimable job: %w", err)
			}
			res, err := tx.Exec(ctx, `
				UPDATE jobs SET status = 'running', locked_by = ?, lease_until = ?, updated_at = ?, attempt = attempt + 1
				WHERE job_id = ? AND `+claimablePredicate,
				workerID, leaseUntil, nowMs, id, nowMs, nowMs)
			if err != nil {
				return fmt.Errorf("claim job: %w", err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				continue
			}
			job, err := getJob(ctx, tx, id)
			if err != nil {
				return err
			}
			if err := insertEvent(ctx, tx, id, now, models.EventClaim, workerID, job.Attempt); err != nil {
				return err
			}
			claimed = &job
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ExtendLease moves the lease deadline of a job still running under
// workerID. It reports false when the worker no longer holds the job.
func (e *Engine) ExtendLease(ctx context.Context, jobID, workerID string, leaseUntil time.Time) (bool, error) {
	res, err := e.store.Exec(ctx, `
		UPDATE jobs SET lease_until = ?, updated_at = ?
		WHERE job_id = ? AND status = 'running' AND locked_by = ?
	`, store.UnixMillis(leaseUntil), store.UnixMillis(e.now()), jobID, workerID)
	if err != nil {
		return false, fmt.Errorf("extend lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Ack completes a job held by workerID and stores its result. It is a
// no-op returning false when the job is not running under that worker.
func (e *Engine) Ack(ctx context.Context, jobID, workerID string, result json.RawMessage) (bool, error) {
	var resultArg any
	if len(result) > 0 {
		if !json.Valid(result) {
			return false, validationErr("result must be valid JSON")
		}
		resultArg = string(result)
	}
	now := e.now()
	acked := false
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		res, err := tx.Exec(ctx, `
			UPDATE jobs SET status = 'done', locked_by = NULL, lease_until = NULL, updated_at = ?, result_json = ?
			WHERE job_id = ? AND status = 'running' AND locked_by = ?
		`, store.UnixMillis(now), resultArg, jobID, workerID)
		if err != nil {
			return fmt.Errorf("ack job: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return nil
		}
		var attempt int
		if err := tx.QueryRow(ctx, `SELECT attempt FROM jobs WHERE job_id = ?`, jobID).Scan(&attempt); err != nil {
			return fmt.Errorf("read attempt: %w", err)
		}
		acked = true
		return insertEvent(ctx, tx, jobID, now, models.EventAck, "", attempt)
	})
	return acked, err
}

// FailOutcome describes what Fail did with the job.
type FailOutcome struct {
	Status models.JobStatus
	// RunAt is the next eligible time when Status is queued.
	RunAt time.Time
}

// Fail records a failed attempt by workerID. While attempts remain the job
// is re-queued after the policy backoff; otherwise it becomes failed. A nil
// outcome means the worker did not hold the job and nothing changed.
func (e *Engine) Fail(ctx context.Context, jobID, workerID, errText string, policy RetryPolicy) (*FailOutcome, error) {
	msg := strings.TrimSpace(errText)
	if msg == "" {
		msg = "unknown error"
	}
	msg = truncateUTF8(msg, maxErrorLen)
	now := e.now()
	nowMs := store.UnixMillis(now)

	var outcome *FailOutcome
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		var (
			status      string
			lockedBy    sql.NullString
			attempt     int
			maxAttempts int
		)
		query := `SELECT status, locked_by, attempt, max_attempts FROM jobs WHERE job_id = ?`
		if tx.Dialect() == store.DialectPostgres {
			query += ` FOR UPDATE`
		}
		err := tx.QueryRow(ctx, query, jobID).Scan(&status, &lockedBy, &attempt, &maxAttempts)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read job: %w", err)
		}
		if models.JobStatus(status) != models.StatusRunning || !lockedBy.Valid || lockedBy.String != workerID {
			return nil
		}
		if attempt < 1 {
			attempt = 1
		}

		if attempt < maxAttempts {
			runAt := now.Add(policy.Backoff(attempt))
			res, err := tx.Exec(ctx, `
				UPDATE jobs SET status = 'queued', run_at = ?, locked_by = NULL, lease_until = NULL, last_error = ?, updated_at = ?
				WHERE job_id = ? AND status = 'running' AND locked_by = ?
			`, store.UnixMillis(runAt), msg, nowMs, jobID, workerID)
			if err != nil {
				return fmt.Errorf("requeue job: %w", err)
			}
			if !singleRow(res) {
				return nil
			}
			if err := insertEvent(ctx, tx, jobID, now, models.EventRetry, msg, attempt); err != nil {
				return err
			}
			outcome = &FailOutcome{Status: models.StatusQueued, RunAt: runAt}
			return nil
		}

		res, err := tx.Exec(ctx, `
			UPDATE jobs SET status = 'failed', locked_by = NULL, lease_until = NULL, last_error = ?, updated_at = ?
			WHERE job_id = ? AND status = 'running' AND locked_by = ?
		`, msg, nowMs, jobID, workerID)
		if err != nil {
			return fmt.Errorf("fail job: %w", err)
		}
		if !singleRow(res) {
			return nil
		}
		if err := insertEvent(ctx, tx, jobID, now, models.EventFail, msg, attempt); err != nil {
			return err
		}
		outcome = &FailOutcome{Status: models.StatusFailed}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// Cancel moves a queued or running job to canceled and releases its lease.
// A running handler is not interrupted; its later ack or fail is a no-op.
func (e *Engine) Cancel(ctx context.Context, jobID string) (bool, error) {
	now := e.now()
	canceled := false
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		res, err := tx.Exec(ctx, `
			UPDATE jobs SET status = 'canceled', locked_by = NULL, lease_until = NULL, updated_at = ?
			WHERE job_id = ? AND status IN ('queued', 'running')
		`, store.UnixMillis(now), jobID)
		if err != nil {
			return fmt.Errorf("cancel job: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return nil
		}
		var attempt int
		if err := tx.QueryRow(ctx, `SELECT attempt FROM jobs WHERE job_id = ?`, jobID).Scan(&attempt); err != nil {
			return fmt.Errorf("read attempt: %w", err)
		}
		canceled = true
		return insertEvent(ctx, tx, jobID, now, models.EventCancel, "", attempt)
	})
	return canceled, err
}

const terminalStatuses = `('done', 'failed', 'canceled')`

// PruneCutoff returns the creation time before which terminal jobs are
// eligible for deletion. keepDays below one is treated as one.
func PruneCutoff(now time.Time, keepDays int) time.Time {
	if keepDays < 1 {
		keepDays = 1
	}
	return now.Add(-time.Duration(keepDays) * 24 * time.Hour)
}

// Prune deletes terminal jobs created before the retention cutoff, along with
// their events, and returns the number of jobs removed.
func (e *Engine) Prune(ctx context.Context, now time.Time, keepDays int) (int64, error) {
	cutoff := store.UnixMillis(PruneCutoff(now, keepDays))
	var deleted int64
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		if _, err := tx.Exec(ctx, `
			DELETE FROM job_events WHERE job_id IN (
				SELECT job_id FROM jobs WHERE status IN `+terminalStatuses+` AND created_at < ?
			)`, cutoff); err != nil {
			return fmt.Errorf("prune events: %w", err)
		}
		res, err := tx.Exec(ctx, `DELETE FROM jobs WHERE status IN `+terminalStatuses+` AND created_at < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("prune jobs: %w", err)
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}

// PrunableJobs lists up to limit terminal jobs created before cutoff, oldest
// first, so they can be archived before DeleteJobs removes them.
func (e *Engine) PrunableJobs(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error) {
	rows, err := e.store.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status IN `+terminalStatuses+` AND created_at < ?
		ORDER BY created_at ASC, job_id ASC LIMIT ?
	`, store.UnixMillis(cutoff), ClampListLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list prunable jobs: %w", err)
	}
	defer rows.Close()
	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// DeleteJobs removes the given jobs and their events. Jobs that are not in a
// terminal state are left alone.
func (e *Engine) DeleteJobs(ctx context.Context, jobIDs []string) (int64, error) {
	if len(jobIDs) == 0 {
		return 0, nil
	}
	args := make([]any, len(jobIDs))
	for i, id := range jobIDs {
		args[i] = id
	}
	in := placeholders(len(jobIDs))
	var deleted int64
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		if _, err := tx.Exec(ctx, `
			DELETE FROM job_events WHERE job_id IN (
				SELECT job_id FROM jobs WHERE status IN `+terminalStatuses+` AND job_id IN (`+in+`)
			)`, args...); err != nil {
			return fmt.Errorf("delete events: %w", err)
		}
		res, err := tx.Exec(ctx, `DELETE FROM jobs WHERE status IN `+terminalStatuses+` AND job_id IN (`+in+`)`, args...)
		if err != nil {
			return fmt.Errorf("delete jobs: %w", err)
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}

// CountByStatus returns the number of jobs per status.
func (e *Engine) CountByStatus(ctx context.Context) (map[models.JobStatus]int64, error) {
	rows, err := e.store.Query(ctx, `SELECT status, COUNT(1) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()
	out := make(map[models.JobStatus]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[models.JobStatus(status)] = n
	}
	return out, rows.Err()
}

const jobColumns = `job_id, kind, payload_json, requester, idempotency_key, status, priority, run_at, created_at, updated_at, attempt, max_attempts, locked_by, lease_until, last_error, result_json`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var (
		job        models.Job
		payload    string
		status     string
		runAt      int64
		createdAt  int64
		updatedAt  int64
		lockedBy   sql.NullString
		leaseUntil sql.NullInt64
		result     sql.NullString
	)
	if err := row.Scan(&job.ID, &job.Kind, &payload, &job.Requester, &job.IdempotencyKey, &status, &job.Priority,
		&runAt, &createdAt, &updatedAt, &job.Attempt, &job.MaxAttempts, &lockedBy, &leaseUntil, &job.LastError, &result); err != nil {
		return models.Job{}, err
	}
	job.Payload = json.RawMessage(payload)
	job.Status = models.JobStatus(status)
	job.RunAt = store.FromMillis(runAt)
	job.CreatedAt = store.FromMillis(createdAt)
	job.UpdatedAt = store.FromMillis(updatedAt)
	if lockedBy.Valid {
		v := lockedBy.String
		job.LockedBy = &v
	}
	if leaseUntil.Valid {
		v := store.FromMillis(leaseUntil.Int64)
		job.LeaseUntil = &v
	}
	if result.Valid {
		job.Result = json.RawMessage(result.String)
	}
	return job, nil
}

// singleRow reports whether a guarded UPDATE changed exactly one row. Zero
// means a concurrent transition won and no event may be written.
func singleRow(res sql.Result) bool {
	n, err := res.RowsAffected()
	return err == nil && n == 1
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
