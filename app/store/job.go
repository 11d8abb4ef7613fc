package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/omrchecker/omrd/app/store/enums"
)

// JobRepo provides typed operations over the parsing_jobs table. No business
// logic lives here; state transitions are decided by the job service.
type JobRepo struct {
	ext sqlx.ExtContext
}

// Create inserts a new parsing job
func (r *JobRepo) Create(ctx context.Context, job ParsingJob) error {
	_, err := r.ext.ExecContext(ctx,
		`INSERT INTO parsing_jobs (id, operator_id, status, total_sheets, processed_sheets, callback_status, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.OperatorID, job.Status, job.TotalSheets, job.ProcessedSheets, job.CallbackStatus, job.CreatedAt, job.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to create job %s: %w", job.ID, err)
	}
	return nil
}

// Get returns job by id, ErrNotFound if missing
func (r *JobRepo) Get(ctx context.Context, id string) (ParsingJob, error) {
	var job ParsingJob
	err := sqlx.GetContext(ctx, r.ext, &job, `SELECT * FROM parsing_jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ParsingJob{}, ErrNotFound
	}
	if err != nil {
		return ParsingJob{}, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return job, nil
}

// ListByOperator returns all jobs for an operator, newest first
func (r *JobRepo) ListByOperator(ctx context.Context, operatorID string) ([]ParsingJob, error) {
	jobs := []ParsingJob{}
	err := sqlx.SelectContext(ctx, r.ext, &jobs,
		`SELECT * FROM parsing_jobs WHERE operator_id = ? ORDER BY created_at DESC, rowid DESC`, operatorID)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs for operator %s: %w", operatorID, err)
	}
	return jobs, nil
}

// ListByStatus returns jobs in the given state, newest first
func (r *JobRepo) ListByStatus(ctx context.Context, status enums.JobStatus) ([]ParsingJob, error) {
	jobs := []ParsingJob{}
	err := sqlx.SelectContext(ctx, r.ext, &jobs,
		`SELECT * FROM parsing_jobs WHERE status = ? ORDER BY created_at DESC, rowid DESC`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs by status %s: %w", status, err)
	}
	return jobs, nil
}

// ListByCallbackStatus returns jobs by callback delivery state, newest first
func (r *JobRepo) ListByCallbackStatus(ctx context.Context, status enums.CallbackStatus) ([]ParsingJob, error) {
	jobs := []ParsingJob{}
	err := sqlx.SelectContext(ctx, r.ext, &jobs,
		`SELECT * FROM parsing_jobs WHERE callback_status = ? ORDER BY created_at DESC, rowid DESC`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs by callback status %s: %w", status, err)
	}
	return jobs, nil
}

// PendingCallbacks returns completed jobs whose callback never went out,
// oldest completion first. This is the delivery queue's scan.
func (r *JobRepo) PendingCallbacks(ctx context.Context) ([]ParsingJob, error) {
	jobs := []ParsingJob{}
	err := sqlx.SelectContext(ctx, r.ext, &jobs,
		`SELECT * FROM parsing_jobs WHERE status = 'COMPLETED' AND callback_status = 'NOT_SENT' ORDER BY completed_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending callbacks: %w", err)
	}
	return jobs, nil
}

// Update rewrites the whole job row
func (r *JobRepo) Update(ctx context.Context, job ParsingJob) error {
	res, err := r.ext.ExecContext(ctx,
		`UPDATE parsing_jobs SET operator_id = ?, status = ?, total_sheets = ?, processed_sheets = ?,
		 callback_status = ?, completed_at = ? WHERE id = ?`,
		job.OperatorID, job.Status, job.TotalSheets, job.ProcessedSheets, job.CallbackStatus, job.CompletedAt, job.ID)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", job.ID, err)
	}
	return checkAffected(res, job.ID)
}

// UpdateStatus sets job status and completion timestamp in one write.
// completedAt must be nil for non-terminal statuses.
func (r *JobRepo) UpdateStatus(ctx context.Context, id string, status enums.JobStatus, completedAt *time.Time) error {
	res, err := r.ext.ExecContext(ctx,
		`UPDATE parsing_jobs SET status = ?, completed_at = ? WHERE id = ?`, status, completedAt, id)
	if err != nil {
		return fmt.Errorf("failed to update status for job %s: %w", id, err)
	}
	return checkAffected(res, id)
}

// UpdateCallbackStatus sets callback delivery state
func (r *JobRepo) UpdateCallbackStatus(ctx context.Context, id string, status enums.CallbackStatus) error {
	res, err := r.ext.ExecContext(ctx,
		`UPDATE parsing_jobs SET callback_status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("failed to update callback status for job %s: %w", id, err)
	}
	return checkAffected(res, id)
}

// IncrementProcessed bumps the processed counter by one in a single atomic
// statement and returns the new count. Correct under concurrent callers,
// no read-then-write.
func (r *JobRepo) IncrementProcessed(ctx context.Context, id string) (int, error) {
	var count int
	err := r.ext.QueryRowxContext(ctx,
		`UPDATE parsing_jobs SET processed_sheets = processed_sheets + 1 WHERE id = ? RETURNING processed_sheets`, id).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment progress for job %s: %w", id, err)
	}
	return count, nil
}

// Delete removes a job, cascading to its sheets
func (r *JobRepo) Delete(ctx context.Context, id string) error {
	res, err := r.ext.ExecContext(ctx, `DELETE FROM parsing_jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete job %s: %w", id, err)
	}
	return checkAffected(res, id)
}
