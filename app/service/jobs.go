// Package service implements the job/sheet lifecycle: creation of a job with
// its sheets in one transaction, the state machine driving sheets to terminal
// states, background processing and webhook delivery of completion callbacks.
package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/omrchecker/omrd/app/store"
	"github.com/omrchecker/omrd/app/store/enums"
)

// ErrNoItems rejected job creation with an empty item list
var ErrNoItems = errors.New("at least one sheet is required")

// SheetItem is one entry of a batch submission: the caller's reference id and
// the image locator to process
type SheetItem struct {
	ID       string
	ImageURL string
}

// JobService owns the job/sheet state machine. All writes go through the
// store repositories; multi-entity writes through the unit of work.
type JobService struct {
	store *store.Store
	uow   *store.UnitOfWork
}

// NewJobService makes a job service over the given store
func NewJobService(s *store.Store) *JobService {
	return &JobService{store: s, uow: store.NewUnitOfWork(s)}
}

// Create validates the batch and inserts the job row plus one sheet row per
// item inside a single transaction. On any failure nothing is persisted.
func (s *JobService) Create(ctx context.Context, operatorID string, items []SheetItem) (store.ParsingJob, error) {
	if len(items) == 0 {
		return store.ParsingJob{}, ErrNoItems
	}

	job := store.ParsingJob{
		ID:             newID("job"),
		OperatorID:     operatorID,
		Status:         enums.JobPending,
		TotalSheets:    len(items),
		CallbackStatus: enums.CallbackNotSent,
		CreatedAt:      time.Now().UTC(),
	}

	err := s.uow.InTx(ctx, func(tx *store.Tx) error {
		if err := tx.Jobs.Create(ctx, job); err != nil {
			return err
		}
		for _, item := range items {
			sheetID := item.ID
			if sheetID == "" {
				sheetID = newID("sheet")
			}
			sheet := store.OMRSheet{
				ID:        sheetID,
				JobID:     job.ID,
				ImageURL:  item.ImageURL,
				Status:    enums.SheetPending,
				CreatedAt: time.Now().UTC(),
			}
			if err := tx.Sheets.Create(ctx, sheet); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return store.ParsingJob{}, fmt.Errorf("failed to create job for operator %s: %w", operatorID, err)
	}

	log.Printf("[INFO] created job %s with %d sheets for operator %s", job.ID, len(items), operatorID)
	return job, nil
}

// Get returns the job by id
func (s *JobService) Get(ctx context.Context, jobID string) (store.ParsingJob, error) {
	return s.store.Jobs.Get(ctx, jobID)
}

// Sheets returns all sheets of a job in creation order
func (s *JobService) Sheets(ctx context.Context, jobID string) ([]store.OMRSheet, error) {
	return s.store.Sheets.ListByJob(ctx, jobID)
}

// PendingSheets returns the job's sheets still waiting to be processed
func (s *JobService) PendingSheets(ctx context.Context, jobID string) ([]store.OMRSheet, error) {
	return s.store.Sheets.ListByJobAndStatus(ctx, jobID, enums.SheetPending)
}

// StartProcessing moves the job to PROCESSING. Calling it twice rewrites the
// same value and is harmless.
func (s *JobService) StartProcessing(ctx context.Context, jobID string) error {
	if err := s.store.Jobs.UpdateStatus(ctx, jobID, enums.JobProcessing, nil); err != nil {
		return fmt.Errorf("failed to start processing job %s: %w", jobID, err)
	}
	log.Printf("[INFO] job %s moved to PROCESSING", jobID)
	return nil
}

// RecordSheetSuccess writes the recognizer result and marks the sheet PARSED
func (s *JobService) RecordSheetSuccess(ctx context.Context, sheetID string, result store.SheetResult) error {
	if err := s.store.Sheets.MarkParsed(ctx, sheetID, result, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to record success for sheet %s: %w", sheetID, err)
	}
	log.Printf("[INFO] sheet %s parsed", sheetID)
	return nil
}

// RecordSheetFailure marks the sheet FAILED with error detail
func (s *JobService) RecordSheetFailure(ctx context.Context, sheetID, errorMessage string) error {
	if err := s.store.Sheets.MarkFailed(ctx, sheetID, errorMessage); err != nil {
		return fmt.Errorf("failed to record failure for sheet %s: %w", sheetID, err)
	}
	log.Printf("[WARN] sheet %s failed: %s", sheetID, errorMessage)
	return nil
}

// IncrementProgress bumps the processed counter once, returns the new count
func (s *JobService) IncrementProgress(ctx context.Context, jobID string) (int, error) {
	count, err := s.store.Jobs.IncrementProcessed(ctx, jobID)
	if err != nil {
		return 0, fmt.Errorf("failed to increment progress for job %s: %w", jobID, err)
	}
	return count, nil
}

// Finalize computes and persists the terminal job status once every sheet
// reached a terminal state: all FAILED makes the job FAILED, anything else
// COMPLETED (partial success counts as success). Called with a sheet still
// PENDING it logs a warning and changes nothing.
func (s *JobService) Finalize(ctx context.Context, jobID string) error {
	job, err := s.store.Jobs.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to load job %s for finalize: %w", jobID, err)
	}
	if job.Status.Terminal() {
		log.Printf("[DEBUG] job %s already finalized with %s", jobID, job.Status)
		return nil
	}

	sheets, err := s.store.Sheets.ListByJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to load sheets for job %s: %w", jobID, err)
	}

	failed := 0
	for _, sheet := range sheets {
		if !sheet.Status.Terminal() {
			log.Printf("[WARN] finalize called for job %s but sheet %s is still %s", jobID, sheet.ID, sheet.Status)
			return nil
		}
		if sheet.Status == enums.SheetFailed {
			failed++
		}
	}

	final := enums.JobCompleted
	if failed == len(sheets) {
		final = enums.JobFailed
	}
	completedAt := time.Now().UTC()
	if err := s.store.Jobs.UpdateStatus(ctx, jobID, final, &completedAt); err != nil {
		return fmt.Errorf("failed to finalize job %s: %w", jobID, err)
	}
	log.Printf("[INFO] job %s finalized with status %s, %d/%d sheets failed", jobID, final, failed, len(sheets))
	return nil
}

// UpdateCallbackStatus records the webhook delivery outcome
func (s *JobService) UpdateCallbackStatus(ctx context.Context, jobID string, status enums.CallbackStatus) error {
	if err := s.store.Jobs.UpdateCallbackStatus(ctx, jobID, status); err != nil {
		return fmt.Errorf("failed to update callback status for job %s: %w", jobID, err)
	}
	log.Printf("[INFO] job %s callback status set to %s", jobID, status)
	return nil
}

// Stats holds per-status sheet counts for one job
type Stats struct {
	JobID            string               `json:"job_id"`
	Status           enums.JobStatus      `json:"status"`
	TotalSheets      int                  `json:"total_sheets"`
	ProcessedSheets  int                  `json:"processed_sheets"`
	SuccessfulSheets int                  `json:"successful_sheets"`
	FailedSheets     int                  `json:"failed_sheets"`
	PendingSheets    int                  `json:"pending_sheets"`
	CallbackStatus   enums.CallbackStatus `json:"callback_status"`
	CreatedAt        time.Time            `json:"created_at"`
	CompletedAt      *time.Time           `json:"completed_at,omitempty"`
}

// Statistics derives per-status counts for reporting, pure read
func (s *JobService) Statistics(ctx context.Context, jobID string) (Stats, error) {
	job, err := s.store.Jobs.Get(ctx, jobID)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to load job %s for statistics: %w", jobID, err)
	}
	sheets, err := s.store.Sheets.ListByJob(ctx, jobID)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to load sheets for job %s: %w", jobID, err)
	}

	res := Stats{
		JobID:           job.ID,
		Status:          job.Status,
		TotalSheets:     job.TotalSheets,
		ProcessedSheets: job.ProcessedSheets,
		CallbackStatus:  job.CallbackStatus,
		CreatedAt:       job.CreatedAt,
		CompletedAt:     job.CompletedAt,
	}
	for _, sheet := range sheets {
		switch sheet.Status {
		case enums.SheetParsed:
			res.SuccessfulSheets++
		case enums.SheetFailed:
			res.FailedSheets++
		case enums.SheetPending:
			res.PendingSheets++
		}
	}
	return res, nil
}

// newID makes prefixed random ids like job_9f8e7d6c5b4a
func newID(prefix string) string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure means the process is in deep trouble anyway
		panic(fmt.Sprintf("failed to read random bytes: %v", err))
	}
	return prefix + "_" + hex.EncodeToString(buf)
}
