package service

import (
	"context"
	"encoding/json"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/omrchecker/omrd/app/store"
	"github.com/omrchecker/omrd/app/store/enums"
)

// Sender delivers a text payload to a destination URL, satisfied by
// notify.Webhook from go-pkgz/notify
type Sender interface {
	Send(ctx context.Context, destination, text string) error
}

// Repeater repeats failed function, satisfied by go-pkgz/repeater
type Repeater interface {
	Do(ctx context.Context, fun func() error, errs ...error) error
}

// WebhookService formats and delivers completion notifications and tracks
// delivery outcome on the job row. Delivery failure is data, not an error:
// nothing propagates past this boundary.
type WebhookService struct {
	jobs    *JobService
	store   *store.Store
	sender  Sender
	rptr    Repeater
	timeout time.Duration
}

// NewWebhookService makes a webhook service. rptr may be nil for single-shot
// delivery; a configured repeater adds bounded in-call retries.
func NewWebhookService(jobs *JobService, s *store.Store, sender Sender, rptr Repeater, timeout time.Duration) *WebhookService {
	return &WebhookService{jobs: jobs, store: s, sender: sender, rptr: rptr, timeout: timeout}
}

// CompletionPayload is the JSON body posted to the operator's callback URL
type CompletionPayload struct {
	JobID            string           `json:"jobId"`
	Status           enums.JobStatus  `json:"status"`
	TotalSheets      int              `json:"totalSheets"`
	ProcessedSheets  int              `json:"processedSheets"`
	SuccessfulSheets int              `json:"successfulSheets"`
	FailedSheets     int              `json:"failedSheets"`
	CreatedAt        time.Time        `json:"createdAt"`
	CompletedAt      *time.Time       `json:"completedAt"`
	Sheets           []SheetBreakdown `json:"sheets"`
}

// SheetBreakdown is the per-sheet entry of the completion payload, carrying
// either the parsed answers or the error detail depending on outcome
type SheetBreakdown struct {
	ID       string             `json:"id"`
	ImageURL string             `json:"imageUrl"`
	Status   enums.SheetStatus  `json:"status"`
	Answers  *store.SheetResult `json:"answers,omitempty"`
	Error    *string            `json:"error,omitempty"`
}

// SendCompletion posts the completion payload for a job to its operator's
// webhook URL and records the delivery outcome. Returns true on delivered.
func (w *WebhookService) SendCompletion(ctx context.Context, jobID string) bool {
	job, err := w.jobs.Get(ctx, jobID)
	if err != nil {
		log.Printf("[ERROR] webhook: failed to load job %s, %v", jobID, err)
		return false
	}
	operator, err := w.store.Operators.Get(ctx, job.OperatorID)
	if err != nil {
		log.Printf("[ERROR] webhook: failed to load operator %s for job %s, %v", job.OperatorID, jobID, err)
		return false
	}
	sheets, err := w.jobs.Sheets(ctx, jobID)
	if err != nil {
		log.Printf("[ERROR] webhook: failed to load sheets for job %s, %v", jobID, err)
		return false
	}

	payload := makeCompletionPayload(job, sheets)
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[ERROR] webhook: failed to marshal payload for job %s, %v", jobID, err)
		return false
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	if err := w.deliver(ctxTimeout, operator.WebhookURL, string(body)); err != nil {
		log.Printf("[WARN] webhook delivery failed for job %s to %s, %v", jobID, operator.WebhookURL, err)
		w.markCallback(ctx, jobID, enums.CallbackFailed)
		return false
	}

	w.markCallback(ctx, jobID, enums.CallbackSent)
	log.Printf("[INFO] webhook delivered for job %s to %s", jobID, operator.WebhookURL)
	return true
}

// RetryFailedCallbacks makes one pass over terminal jobs with FAILED callback
// status and re-sends up to maxAttempts of them, oldest first. Returns the
// number of successful deliveries. Scheduling of passes is up to the caller.
func (w *WebhookService) RetryFailedCallbacks(ctx context.Context, maxAttempts int) int {
	jobs, err := w.store.Jobs.ListByCallbackStatus(ctx, enums.CallbackFailed)
	if err != nil {
		log.Printf("[ERROR] webhook retry: failed to list failed callbacks, %v", err)
		return 0
	}

	eligible := make([]store.ParsingJob, 0, len(jobs))
	for _, job := range jobs {
		if job.Status.Terminal() {
			eligible = append(eligible, job)
		}
	}
	// oldest first so long-starved callbacks get a slot within the cap
	for i, j := 0, len(eligible)-1; i < j; i, j = i+1, j-1 {
		eligible[i], eligible[j] = eligible[j], eligible[i]
	}
	if maxAttempts > 0 && len(eligible) > maxAttempts {
		eligible = eligible[:maxAttempts]
	}

	sent := 0
	for _, job := range eligible {
		if w.SendCompletion(ctx, job.ID) {
			sent++
		}
	}
	if len(eligible) > 0 {
		log.Printf("[INFO] webhook retry pass sent %d/%d callbacks", sent, len(eligible))
	}
	return sent
}

func (w *WebhookService) deliver(ctx context.Context, url, body string) error {
	if w.rptr == nil {
		return w.sender.Send(ctx, url, body)
	}
	return w.rptr.Do(ctx, func() error { return w.sender.Send(ctx, url, body) })
}

func (w *WebhookService) markCallback(ctx context.Context, jobID string, status enums.CallbackStatus) {
	if err := w.jobs.UpdateCallbackStatus(ctx, jobID, status); err != nil {
		log.Printf("[ERROR] webhook: failed to record callback status %s for job %s, %v", status, jobID, err)
	}
}

func makeCompletionPayload(job store.ParsingJob, sheets []store.OMRSheet) CompletionPayload {
	payload := CompletionPayload{
		JobID:           job.ID,
		Status:          job.Status,
		TotalSheets:     job.TotalSheets,
		ProcessedSheets: job.ProcessedSheets,
		CreatedAt:       job.CreatedAt,
		CompletedAt:     job.CompletedAt,
		Sheets:          make([]SheetBreakdown, 0, len(sheets)),
	}
	for _, sheet := range sheets {
		entry := SheetBreakdown{
			ID:       sheet.ID,
			ImageURL: sheet.ImageURL,
			Status:   sheet.Status,
		}
		switch sheet.Status {
		case enums.SheetParsed:
			result := sheet.Result
			entry.Answers = &result
			payload.SuccessfulSheets++
		case enums.SheetFailed:
			entry.Error = sheet.ErrorMessage
			payload.FailedSheets++
		}
		payload.Sheets = append(payload.Sheets, entry)
	}
	return payload
}
