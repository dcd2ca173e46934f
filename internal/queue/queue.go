package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/mattjoyce/crmq/internal/crm"
	"github.com/mattjoyce/crmq/internal/storage"
)

// Store is the job store over a SQLite or Postgres database.
type Store struct {
	db      *sql.DB
	dialect storage.Dialect
}

func New(db *sql.DB, dialect storage.Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// DB exposes the underlying handle for callers that share it.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) q(query string) string { return s.dialect.Rebind(query) }

// ClaimPending flips up to limit of the oldest pending jobs to running in one
// transaction and returns them in creation order. Rows locked by another
// claimer are skipped. The transaction is committed before returning.
func (s *Store) ClaimPending(ctx context.Context, limit int) ([]ClaimedJob, error) {
	if limit <= 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	startedAt := formatTime(now())
	rows, err := tx.QueryContext(ctx, s.q(fmt.Sprintf(`
WITH next AS (
  SELECT id
  FROM crm_write_jobs
  WHERE status = ?
  ORDER BY created_at ASC, id ASC
  LIMIT ?
  %s
)
UPDATE crm_write_jobs
SET status = ?, started_at = ?
WHERE id IN (SELECT id FROM next)
RETURNING id, created_at;
`, s.dialect.SkipLocked())), StatusPending, limit, StatusRunning, startedAt)
	if err != nil {
		return nil, fmt.Errorf("claim pending: %w", err)
	}

	var claimed []ClaimedJob
	for rows.Next() {
		var (
			c          ClaimedJob
			createdAtS string
		)
		if err := rows.Scan(&c.ID, &createdAtS); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan claimed job: %w", err)
		}
		c.CreatedAt, _ = parseTime(createdAtS)
		claimed = append(claimed, c)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("claim pending: %w", err)
	}
	_ = rows.Close()

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	// RETURNING order is unspecified.
	sort.SliceStable(claimed, func(i, j int) bool {
		if !claimed[i].CreatedAt.Equal(claimed[j].CreatedAt) {
			return claimed[i].CreatedAt.Before(claimed[j].CreatedAt)
		}
		return claimed[i].ID < claimed[j].ID
	})
	return claimed, nil
}

// LoadJobContext loads the job, its connection and the submission payload.
// A missing connection yields a zero Connection, which the dispatcher treats
// as an unsupported backend.
func (s *Store) LoadJobContext(ctx context.Context, jobID string) (*JobContext, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
SELECT
  j.id, j.submission_id, j.connection_id, j.status, j.retry_count, j.max_retries,
  j.error_message, j.screenshot_ref, j.created_at, j.started_at, j.completed_at,
  c.id, c.display_name, c.backend_type, c.target_url, c.config, c.is_active,
  s.form_id, s.data
FROM crm_write_jobs j
LEFT JOIN crm_connections c ON c.id = j.connection_id
LEFT JOIN form_submissions s ON s.id = j.submission_id
WHERE j.id = ?;
`), jobID)

	var (
		jc                                  JobContext
		connID, connName, connType, connURL sql.NullString
		connConfig, formID, submissionData  sql.NullString
		connActive                          sql.NullBool
	)
	jr := newJobRow(&jc.Job)
	if err := row.Scan(jr.dest(
		&connID, &connName, &connType, &connURL, &connConfig, &connActive,
		&formID, &submissionData,
	)...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}
	jr.finish()

	jc.FormID = formID.String
	jc.Job.FormID = formID.String
	if connID.Valid {
		jc.Connection = crm.Connection{
			ID:          connID.String,
			DisplayName: connName.String,
			RawType:     connType.String,
			TargetURL:   connURL.String,
			Config:      []byte(connConfig.String),
			Active:      connActive.Bool,
		}
		if bt, err := crm.ParseBackendType(connType.String); err == nil {
			jc.Connection.Type = bt
		}
		jc.Job.ConnectionTag = connType.String
		jc.Job.DisplayName = connName.String
	}

	payload, err := crm.ParsePayload([]byte(submissionData.String))
	if err != nil {
		return &jc, &crm.Error{Kind: crm.KindConfig, Op: "load submission " + jc.Job.SubmissionID, Err: err}
	}
	jc.Payload = payload
	return &jc, nil
}

// LoadActiveMapping returns the active mapping rules for (formID, connectionID).
// No active mapping yields an empty list.
func (s *Store) LoadActiveMapping(ctx context.Context, formID, connectionID string) ([]crm.Rule, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, s.q(`
SELECT mappings
FROM crm_field_mappings
WHERE form_id = ? AND connection_id = ? AND is_active = TRUE
ORDER BY updated_at DESC
LIMIT 1;
`), formID, connectionID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load mapping: %w", err)
	}
	return crm.ParseRules([]byte(raw))
}

// MarkSucceeded records a successful write and marks the submission synced.
// Only running jobs move; anything else is ErrInvalidTransition.
func (s *Store) MarkSucceeded(ctx context.Context, jobID, artifact string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var artifactVal any
	if artifact != "" {
		artifactVal = artifact
	}

	var submissionID string
	err = tx.QueryRowContext(ctx, s.q(`
UPDATE crm_write_jobs
SET status = ?, completed_at = ?, screenshot_ref = ?, error_message = NULL
WHERE id = ? AND status = ?
RETURNING submission_id;
`), StatusSuccess, formatTime(now()), artifactVal, jobID, StatusRunning).Scan(&submissionID)
	if errors.Is(err, sql.ErrNoRows) {
		return s.transitionError(ctx, tx, jobID)
	}
	if err != nil {
		return fmt.Errorf("mark succeeded: %w", err)
	}

	if err := setSyncStatus(ctx, tx, s.dialect, submissionID, SyncSynced); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// MarkFailure records a failed attempt. retry_count is incremented; at or
// above max_retries the job fails and the submission sync status becomes
// error, otherwise it returns to pending. The resulting status is returned.
func (s *Store) MarkFailure(ctx context.Context, jobID, message, artifact string) (Status, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		status       Status
		retryCount   int
		maxRetries   int
		submissionID string
	)
	err = tx.QueryRowContext(ctx, s.q(`
SELECT status, retry_count, max_retries, submission_id
FROM crm_write_jobs
WHERE id = ?;
`), jobID).Scan(&status, &retryCount, &maxRetries, &submissionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrJobNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load job for failure: %w", err)
	}
	if status != StatusRunning {
		return status, fmt.Errorf("%w: %s -> failure", ErrInvalidTransition, status)
	}

	retryCount++
	next := StatusPending
	if retryCount >= maxRetries {
		next = StatusFailed
	}

	var artifactVal any
	if artifact != "" {
		artifactVal = artifact
	}
	msg := crm.Truncate(message, MaxErrorBytes)

	if next == StatusFailed {
		_, err = tx.ExecContext(ctx, s.q(`
UPDATE crm_write_jobs
SET status = ?, retry_count = ?, error_message = ?, completed_at = ?,
    screenshot_ref = COALESCE(?, screenshot_ref)
WHERE id = ?;
`), next, retryCount, msg, formatTime(now()), artifactVal, jobID)
	} else {
		_, err = tx.ExecContext(ctx, s.q(`
UPDATE crm_write_jobs
SET status = ?, retry_count = ?, error_message = ?, started_at = NULL, completed_at = NULL,
    screenshot_ref = COALESCE(?, screenshot_ref)
WHERE id = ?;
`), next, retryCount, msg, artifactVal, jobID)
	}
	if err != nil {
		return "", fmt.Errorf("mark failure: %w", err)
	}

	if next == StatusFailed {
		if err := setSyncStatus(ctx, tx, s.dialect, submissionID, SyncError); err != nil {
			return "", err
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit tx: %w", err)
	}
	return next, nil
}

// Cancel moves a pending job to cancelled.
func (s *Store) Cancel(ctx context.Context, jobID string) (*Job, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
UPDATE crm_write_jobs
SET status = ?
WHERE id = ? AND status = ?;
`), StatusCancelled, jobID, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("cancel job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, s.transitionError(ctx, s.db, jobID)
	}
	return s.Get(ctx, jobID)
}

// Retry re-queues a failed or cancelled job. retry_count is incremented and
// max_retries raised when needed so the job gets exactly one more attempt.
func (s *Store) Retry(ctx context.Context, jobID string) (*Job, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
UPDATE crm_write_jobs
SET status = ?,
    retry_count = retry_count + 1,
    max_retries = CASE WHEN max_retries < retry_count + 2 THEN retry_count + 2 ELSE max_retries END,
    error_message = NULL,
    started_at = NULL,
    completed_at = NULL
WHERE id = ? AND status IN (?, ?);
`), StatusPending, jobID, StatusFailed, StatusCancelled)
	if err != nil {
		return nil, fmt.Errorf("retry job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, s.transitionError(ctx, s.db, jobID)
	}
	return s.Get(ctx, jobID)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// transitionError distinguishes a missing job from one in the wrong state.
func (s *Store) transitionError(ctx context.Context, db queryRower, jobID string) error {
	var status Status
	err := db.QueryRowContext(ctx, s.q(`SELECT status FROM crm_write_jobs WHERE id = ?;`), jobID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("load job status: %w", err)
	}
	return fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, jobID, status)
}

const jobColumns = `
  j.id, j.submission_id, j.connection_id, j.status, j.retry_count, j.max_retries,
  j.error_message, j.screenshot_ref, j.created_at, j.started_at, j.completed_at`

// jobRow holds nullable columns between Scan and finish.
type jobRow struct {
	job                    *Job
	errorMessage, artifact sql.NullString
	createdAt              string
	startedAt, completedAt sql.NullString
}

func newJobRow(j *Job) *jobRow { return &jobRow{job: j} }

func (r *jobRow) dest(extra ...any) []any {
	j := r.job
	return append([]any{
		&j.ID, &j.SubmissionID, &j.ConnectionID, &j.Status, &j.RetryCount, &j.MaxRetries,
		&r.errorMessage, &r.artifact, &r.createdAt, &r.startedAt, &r.completedAt,
	}, extra...)
}

func (r *jobRow) finish() {
	j := r.job
	if r.errorMessage.Valid {
		j.ErrorMessage = &r.errorMessage.String
	}
	if r.artifact.Valid {
		j.ArtifactRef = &r.artifact.String
	}
	j.CreatedAt, _ = parseTime(r.createdAt)
	if r.startedAt.Valid {
		if t, ok := parseTime(r.startedAt.String); ok {
			j.StartedAt = &t
		}
	}
	if r.completedAt.Valid {
		if t, ok := parseTime(r.completedAt.String); ok {
			j.CompletedAt = &t
		}
	}
}

// Get returns one job with its connection and form.
func (s *Store) Get(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
SELECT`+jobColumns+`, COALESCE(sub.form_id, ''), COALESCE(c.backend_type, ''), COALESCE(c.display_name, '')
FROM crm_write_jobs j
LEFT JOIN crm_connections c ON c.id = j.connection_id
LEFT JOIN form_submissions sub ON sub.id = j.submission_id
WHERE j.id = ?;
`), jobID)

	var j Job
	jr := newJobRow(&j)
	if err := row.Scan(jr.dest(&j.FormID, &j.ConnectionTag, &j.DisplayName)...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	jr.finish()
	return &j, nil
}

// List returns jobs newest first, filtered by status and form.
func (s *Store) List(ctx context.Context, f ListFilter) (*ListResult, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit <= 0 {
		f.Limit = 30
	}
	if f.Limit > 200 {
		f.Limit = 200
	}

	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		conds = append(conds, "j.status = ?")
		args = append(args, f.Status)
	}
	if f.FormID != "" {
		conds = append(conds, "sub.form_id = ?")
		args = append(args, f.FormID)
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	from := `
FROM crm_write_jobs j
LEFT JOIN crm_connections c ON c.id = j.connection_id
LEFT JOIN form_submissions sub ON sub.id = j.submission_id
` + where

	var total int
	if err := s.db.QueryRowContext(ctx, s.q("SELECT COUNT(*)"+from), args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}

	pageArgs := append(append([]any{}, args...), f.Limit, (f.Page-1)*f.Limit)
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT`+jobColumns+`, COALESCE(sub.form_id, ''), COALESCE(c.backend_type, ''), COALESCE(c.display_name, '')`+from+`
ORDER BY j.created_at DESC, j.id DESC
LIMIT ? OFFSET ?;
`), pageArgs...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	out := &ListResult{Page: f.Page, Limit: f.Limit, Total: total}
	for rows.Next() {
		var j Job
		jr := newJobRow(&j)
		if err := rows.Scan(jr.dest(&j.FormID, &j.ConnectionTag, &j.DisplayName)...); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jr.finish()
		out.Jobs = append(out.Jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

// Stats counts jobs per status. Every status is present, zero-filled.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	stats := make(map[Status]int, len(AllStatuses))
	for _, st := range AllStatuses {
		stats[st] = 0
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM crm_write_jobs GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			st Status
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan job stats: %w", err)
		}
		stats[st] = n
	}
	return stats, rows.Err()
}

// CreateJobsForSubmission inserts one pending job per active mapping whose
// connection is active. Existing (submission, connection) pairs are left
// alone. The submission's sync status becomes queued, or not_configured when
// no connection applies. It returns the ids of the jobs it created; the caller
// wakes the poller.
func (s *Store) CreateJobsForSubmission(ctx context.Context, submissionID string, maxRetries int) ([]string, error) {
	if maxRetries <= 0 {
		maxRetries = 3
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var formID string
	err = tx.QueryRowContext(ctx, s.q(`SELECT form_id FROM form_submissions WHERE id = ?;`), submissionID).Scan(&formID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubmissionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load submission: %w", err)
	}

	rows, err := tx.QueryContext(ctx, s.q(`
SELECT DISTINCT m.connection_id
FROM crm_field_mappings m
JOIN crm_connections c ON c.id = m.connection_id
WHERE m.form_id = ? AND m.is_active = TRUE AND c.is_active = TRUE
ORDER BY m.connection_id;
`), formID)
	if err != nil {
		return nil, fmt.Errorf("load mapped connections: %w", err)
	}
	var connIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan connection id: %w", err)
		}
		connIDs = append(connIDs, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("load mapped connections: %w", err)
	}
	_ = rows.Close()

	var created []string
	for _, connID := range connIDs {
		id := uuid.NewString()
		res, err := tx.ExecContext(ctx, s.q(`
INSERT INTO crm_write_jobs(id, submission_id, connection_id, status, retry_count, max_retries, created_at)
VALUES(?, ?, ?, ?, 0, ?, ?)
ON CONFLICT (submission_id, connection_id) DO NOTHING;
`), id, submissionID, connID, StatusPending, maxRetries, formatTime(now()))
		if err != nil {
			return nil, fmt.Errorf("insert job: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			created = append(created, id)
		}
	}

	sync := SyncQueued
	if len(connIDs) == 0 {
		sync = SyncNotConfigured
	}
	if err := setSyncStatus(ctx, tx, s.dialect, submissionID, sync); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return created, nil
}

// SetSubmissionSyncStatus writes form_submissions.crm_sync_status.
func (s *Store) SetSubmissionSyncStatus(ctx context.Context, submissionID, status string) error {
	return setSyncStatus(ctx, s.db, s.dialect, submissionID, status)
}

// SubmissionSyncStatus reads form_submissions.crm_sync_status.
func (s *Store) SubmissionSyncStatus(ctx context.Context, submissionID string) (string, error) {
	var status sql.NullString
	err := s.db.QueryRowContext(ctx, s.q(`SELECT crm_sync_status FROM form_submissions WHERE id = ?;`), submissionID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrSubmissionNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load sync status: %w", err)
	}
	return status.String, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func setSyncStatus(ctx context.Context, db execer, d storage.Dialect, submissionID, status string) error {
	if _, err := db.ExecContext(ctx, d.Rebind(`UPDATE form_submissions SET crm_sync_status = ? WHERE id = ?;`), status, submissionID); err != nil {
		return fmt.Errorf("set submission sync status: %w", err)
	}
	return nil
}
