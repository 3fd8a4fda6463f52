package sendqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrJobNotFound signals that no job exists for the given id.
	ErrJobNotFound = errors.New("sendqueue: job not found")
	// ErrDuplicateActiveJob signals that a non-terminal job already exists for
	// the draft. The store enforces this with a partial unique index so the
	// invariant holds even if two enqueuers race.
	ErrDuplicateActiveJob = errors.New("sendqueue: active job already exists for draft")
)

// Store is the durable record store for send jobs, keyed by job id with a
// secondary lookup by draft id. The backing mechanism hides behind this
// interface; business rules live in the Manager.
type Store interface {
	Create(ctx context.Context, job Job) (Job, error)
	Get(ctx context.Context, jobID string) (Job, error)
	// Update rewrites the job's mutable fields, but only while the stored
	// status still equals from. A concurrent transition loses the race and
	// gets ErrInvalidTransition instead of silently overwriting the newer
	// record.
	Update(ctx context.Context, job Job, from Status) (Job, error)
	FindByDraft(ctx context.Context, draftID string) ([]Job, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]Job, error)
	LeaseNextReady(ctx context.Context, now time.Time) (*Job, error)
}

const jobColumns = `id, draft_id, tracking_id, company_id, template_id, ab_variant, to_domain,
	approval_fingerprint, status, attempts, next_attempt_at, in_progress_started_at, sent_at,
	message_id, thread_id, last_error_code, last_error_msg_hash, cancelled_by, cancel_reason,
	created_at, updated_at`

// PGStore implements Store backed by PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewStore creates a PostgreSQL-backed send-queue store.
func NewStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Create inserts a new job record.
func (s *PGStore) Create(ctx context.Context, job Job) (Job, error) {
	const insertSQL = `
		INSERT INTO send_jobs (
			id, draft_id, tracking_id, company_id, template_id, ab_variant, to_domain,
			approval_fingerprint, status, attempts, next_attempt_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING ` + jobColumns

	created, err := scanJob(s.pool.QueryRow(ctx, insertSQL,
		job.ID, job.DraftID, job.TrackingID, job.CompanyID, job.TemplateID, job.ABVariant,
		job.ToDomain, job.ApprovalFingerprint, job.Status, job.Attempts, job.NextAttemptAt))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Job{}, ErrDuplicateActiveJob
		}
		return Job{}, fmt.Errorf("sendqueue: create job: %w", err)
	}
	return created, nil
}

// Get retrieves a job by id.
func (s *PGStore) Get(ctx context.Context, jobID string) (Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM send_jobs WHERE id = $1`, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Job{}, ErrJobNotFound
		}
		return Job{}, fmt.Errorf("sendqueue: get job: %w", err)
	}
	return job, nil
}

// Update rewrites the whole mutable portion of the record, guarded by the
// status the caller read. The WHERE clause makes the read-check-write cycle a
// compare-and-swap: a transition racing another writer matches zero rows
// instead of clobbering the newer status. Partial patches are deliberately
// not offered: whole-record rewrites cannot interleave.
func (s *PGStore) Update(ctx context.Context, job Job, from Status) (Job, error) {
	const updateSQL = `
		UPDATE send_jobs
		SET status = $2,
		    attempts = $3,
		    next_attempt_at = $4,
		    in_progress_started_at = $5,
		    sent_at = $6,
		    message_id = $7,
		    thread_id = $8,
		    last_error_code = $9,
		    last_error_msg_hash = $10,
		    cancelled_by = $11,
		    cancel_reason = $12,
		    updated_at = now()
		WHERE id = $1 AND status = $13
		RETURNING ` + jobColumns

	updated, err := scanJob(s.pool.QueryRow(ctx, updateSQL,
		job.ID, job.Status, job.Attempts, job.NextAttemptAt, job.InProgressStartedAt,
		job.SentAt, job.MessageID, job.ThreadID, job.LastErrorCode, job.LastErrorMsgHash,
		job.CancelledBy, job.CancelReason, from))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Job{}, s.updateConflict(ctx, job.ID, from)
		}
		return Job{}, fmt.Errorf("sendqueue: update job: %w", err)
	}
	return updated, nil
}

// updateConflict explains a zero-row conditional update: either the job is
// gone or a concurrent writer moved it out of the expected status.
func (s *PGStore) updateConflict(ctx context.Context, jobID string, from Status) error {
	current, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s moved from %s to %s by a concurrent writer",
		ErrInvalidTransition, jobID, from, current.Status)
}

// FindByDraft returns every job ever created for a draft, newest first.
func (s *PGStore) FindByDraft(ctx context.Context, draftID string) ([]Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM send_jobs WHERE draft_id = $1 ORDER BY created_at DESC`, draftID)
	if err != nil {
		return nil, fmt.Errorf("sendqueue: find by draft: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListByStatus returns jobs in a given status, oldest next-attempt first.
func (s *PGStore) ListByStatus(ctx context.Context, status Status, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM send_jobs WHERE status = $1 ORDER BY next_attempt_at ASC LIMIT $2`,
		status, limit)
	if err != nil {
		return nil, fmt.Errorf("sendqueue: list by status: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// LeaseNextReady atomically claims the earliest ready job: the queued row with
// the smallest next_attempt_at not later than now transitions to in_progress
// with its attempt counter bumped. Returns nil when nothing is ready. The row
// is claimed under FOR UPDATE SKIP LOCKED so a second leaser can never
// double-dispatch the same job.
func (s *PGStore) LeaseNextReady(ctx context.Context, now time.Time) (*Job, error) {
	const leaseSQL = `
		UPDATE send_jobs
		SET status = 'in_progress',
		    attempts = attempts + 1,
		    in_progress_started_at = $1,
		    updated_at = now()
		WHERE id = (
			SELECT id FROM send_jobs
			WHERE status = 'queued' AND next_attempt_at <= $1
			ORDER BY next_attempt_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	job, err := scanJob(s.pool.QueryRow(ctx, leaseSQL, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("sendqueue: lease job: %w", err)
	}
	return &job, nil
}

func collectJobs(rows pgx.Rows) ([]Job, error) {
	jobs := make([]Job, 0, 8)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("sendqueue: scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sendqueue: iterate jobs: %w", err)
	}
	return jobs, nil
}

func scanJob(row pgx.Row) (Job, error) {
	var job Job
	err := row.Scan(
		&job.ID,
		&job.DraftID,
		&job.TrackingID,
		&job.CompanyID,
		&job.TemplateID,
		&job.ABVariant,
		&job.ToDomain,
		&job.ApprovalFingerprint,
		&job.Status,
		&job.Attempts,
		&job.NextAttemptAt,
		&job.InProgressStartedAt,
		&job.SentAt,
		&job.MessageID,
		&job.ThreadID,
		&job.LastErrorCode,
		&job.LastErrorMsgHash,
		&job.CancelledBy,
		&job.CancelReason,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return Job{}, err
	}
	return job, nil
}
