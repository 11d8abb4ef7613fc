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

// SheetRepo provides typed operations over the omr_sheets table
type SheetRepo struct {
	ext sqlx.ExtContext
}

// Create inserts a new sheet
func (r *SheetRepo) Create(ctx context.Context, sheet OMRSheet) error {
	_, err := r.ext.ExecContext(ctx,
		`INSERT INTO omr_sheets (id, parsing_job_id, image_url, result_json, status, error_message, created_at, parsed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sheet.ID, sheet.JobID, sheet.ImageURL, sheet.Result, sheet.Status, sheet.ErrorMessage, sheet.CreatedAt, sheet.ParsedAt)
	if err != nil {
		return fmt.Errorf("failed to create sheet %s: %w", sheet.ID, err)
	}
	return nil
}

// Get returns sheet by id, ErrNotFound if missing
func (r *SheetRepo) Get(ctx context.Context, id string) (OMRSheet, error) {
	var sheet OMRSheet
	err := sqlx.GetContext(ctx, r.ext, &sheet, `SELECT * FROM omr_sheets WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return OMRSheet{}, ErrNotFound
	}
	if err != nil {
		return OMRSheet{}, fmt.Errorf("failed to get sheet %s: %w", id, err)
	}
	return sheet, nil
}

// ListByJob returns all sheets of a job in creation order. rowid breaks ties
// for sheets created in the same instant, keeping the order stable.
func (r *SheetRepo) ListByJob(ctx context.Context, jobID string) ([]OMRSheet, error) {
	sheets := []OMRSheet{}
	err := sqlx.SelectContext(ctx, r.ext, &sheets,
		`SELECT * FROM omr_sheets WHERE parsing_job_id = ? ORDER BY created_at ASC, rowid ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sheets for job %s: %w", jobID, err)
	}
	return sheets, nil
}

// ListByJobAndStatus returns the job's sheets in the given state, creation order
func (r *SheetRepo) ListByJobAndStatus(ctx context.Context, jobID string, status enums.SheetStatus) ([]OMRSheet, error) {
	sheets := []OMRSheet{}
	err := sqlx.SelectContext(ctx, r.ext, &sheets,
		`SELECT * FROM omr_sheets WHERE parsing_job_id = ? AND status = ? ORDER BY created_at ASC, rowid ASC`, jobID, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list sheets for job %s by status %s: %w", jobID, status, err)
	}
	return sheets, nil
}

// CountByJobAndStatus counts the job's sheets in the given state
func (r *SheetRepo) CountByJobAndStatus(ctx context.Context, jobID string, status enums.SheetStatus) (int, error) {
	var count int
	err := sqlx.GetContext(ctx, r.ext, &count,
		`SELECT COUNT(*) FROM omr_sheets WHERE parsing_job_id = ? AND status = ?`, jobID, status)
	if err != nil {
		return 0, fmt.Errorf("failed to count sheets for job %s: %w", jobID, err)
	}
	return count, nil
}

// Update rewrites the whole sheet row
func (r *SheetRepo) Update(ctx context.Context, sheet OMRSheet) error {
	res, err := r.ext.ExecContext(ctx,
		`UPDATE omr_sheets SET parsing_job_id = ?, image_url = ?, result_json = ?, status = ?,
		 error_message = ?, parsed_at = ? WHERE id = ?`,
		sheet.JobID, sheet.ImageURL, sheet.Result, sheet.Status, sheet.ErrorMessage, sheet.ParsedAt, sheet.ID)
	if err != nil {
		return fmt.Errorf("failed to update sheet %s: %w", sheet.ID, err)
	}
	return checkAffected(res, sheet.ID)
}

// MarkParsed writes the recognizer result and moves the sheet to PARSED,
// clearing any stale error detail
func (r *SheetRepo) MarkParsed(ctx context.Context, id string, result SheetResult, parsedAt time.Time) error {
	res, err := r.ext.ExecContext(ctx,
		`UPDATE omr_sheets SET result_json = ?, status = ?, parsed_at = ?, error_message = NULL WHERE id = ?`,
		result, enums.SheetParsed, parsedAt, id)
	if err != nil {
		return fmt.Errorf("failed to mark sheet %s parsed: %w", id, err)
	}
	return checkAffected(res, id)
}

// MarkFailed moves the sheet to FAILED with error detail
func (r *SheetRepo) MarkFailed(ctx context.Context, id, errorMessage string) error {
	res, err := r.ext.ExecContext(ctx,
		`UPDATE omr_sheets SET status = ?, error_message = ? WHERE id = ?`,
		enums.SheetFailed, errorMessage, id)
	if err != nil {
		return fmt.Errorf("failed to mark sheet %s failed: %w", id, err)
	}
	return checkAffected(res, id)
}

// Delete removes a single sheet
func (r *SheetRepo) Delete(ctx context.Context, id string) error {
	res, err := r.ext.ExecContext(ctx, `DELETE FROM omr_sheets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete sheet %s: %w", id, err)
	}
	return checkAffected(res, id)
}
