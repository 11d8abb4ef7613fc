package service

import (
	"context"
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"

	"github.com/omrchecker/omrd/app/conditions"
	"github.com/omrchecker/omrd/app/store"
)

// Engine is the consumed recognition contract: takes a local image and a scan
// configuration, returns the detected answers with the ambiguity count, or
// fails with a human-readable reason.
type Engine interface {
	Recognize(ctx context.Context, imagePath, configDir string) (store.SheetResult, error)
}

// Fetcher produces a local readable copy of a sheet image. The returned
// cleanup must always be called, regardless of the processing outcome.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (path string, cleanup func(), err error)
}

// Notifier delivers the completion callback for a finalized job
type Notifier interface {
	SendCompletion(ctx context.Context, jobID string) bool
}

// ConditionChecker gates job runs on system load
type ConditionChecker func(cfg conditions.Config) (bool, string)

// Processor drives jobs through the engine in the background: one goroutine
// per job, sheets within a job strictly sequential, total concurrent jobs
// bounded by the sized group. Submission is fire-and-forget.
type Processor struct {
	Jobs     *JobService
	Engine   Engine
	Fetcher  Fetcher
	Notifier Notifier

	Conditions    conditions.Config
	CheckFn       ConditionChecker // defaults to conditions.Check
	CheckInterval time.Duration    // how often to re-check an unmet gate
	MaxPostpone   time.Duration    // run anyway after waiting this long

	group *syncs.SizedGroup
}

// NewProcessor makes a processor running up to concurrency jobs in parallel
func NewProcessor(jobs *JobService, engine Engine, fetcher Fetcher, notifier Notifier, concurrency int) *Processor {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Processor{
		Jobs:     jobs,
		Engine:   engine,
		Fetcher:  fetcher,
		Notifier: notifier,
		group:    syncs.NewSizedGroup(concurrency),
	}
}

// Submit hands a job over for background processing and returns immediately.
// The caller of job creation never blocks on processing.
func (p *Processor) Submit(jobID, configDir string) {
	p.group.Go(func(ctx context.Context) {
		p.processJob(ctx, jobID, configDir)
	})
}

// Wait blocks until all submitted jobs finished, used on shutdown and in tests
func (p *Processor) Wait() {
	p.group.Wait()
}

// processJob runs one job to completion: PROCESSING transition, sequential
// sheet loop, progress accounting, finalize, completion callback. A failure
// of the run itself leaves the job in PROCESSING for an operational re-drive,
// it is never auto-retried.
func (p *Processor) processJob(ctx context.Context, jobID, configDir string) {
	log.Printf("[INFO] processing job %s", jobID)
	p.waitForConditions(ctx, jobID)

	if err := p.Jobs.StartProcessing(ctx, jobID); err != nil {
		log.Printf("[ERROR] failed to start job %s, %v", jobID, err)
		return
	}

	// snapshot: sheets added after this point are not picked up by this run
	sheets, err := p.Jobs.PendingSheets(ctx, jobID)
	if err != nil {
		log.Printf("[ERROR] failed to load pending sheets for job %s, %v", jobID, err)
		return
	}
	log.Printf("[INFO] job %s has %d pending sheets", jobID, len(sheets))

	for _, sheet := range sheets {
		p.processSheet(ctx, sheet, configDir)
		// the count advances once per attempted sheet regardless of outcome;
		// a write failure here is logged and the loop moves on, which can
		// lose this sheet's true outcome - accepted tradeoff, see Finalize
		if _, err := p.Jobs.IncrementProgress(ctx, jobID); err != nil {
			log.Printf("[ERROR] failed to advance progress for job %s, %v", jobID, err)
		}
	}

	if err := p.Jobs.Finalize(ctx, jobID); err != nil {
		log.Printf("[ERROR] failed to finalize job %s, %v", jobID, err)
		return
	}

	// delivery failure never reverts job status, it only affects callback state
	if p.Notifier != nil {
		p.Notifier.SendCompletion(ctx, jobID)
	}
	log.Printf("[INFO] finished processing job %s", jobID)
}

// processSheet resolves a single sheet to a terminal state. A sheet failure
// is recorded and never aborts the job loop.
func (p *Processor) processSheet(ctx context.Context, sheet store.OMRSheet, configDir string) {
	imagePath, cleanup, err := p.Fetcher.Fetch(ctx, sheet.ImageURL)
	if err != nil {
		p.recordFailure(ctx, sheet.ID, fmt.Sprintf("failed to fetch image: %v", err))
		return
	}
	defer cleanup()

	result, err := p.Engine.Recognize(ctx, imagePath, configDir)
	if err != nil {
		p.recordFailure(ctx, sheet.ID, fmt.Sprintf("recognition failed: %v", err))
		return
	}

	if err := p.Jobs.RecordSheetSuccess(ctx, sheet.ID, result); err != nil {
		log.Printf("[ERROR] failed to record result for sheet %s, %v", sheet.ID, err)
	}
}

func (p *Processor) recordFailure(ctx context.Context, sheetID, msg string) {
	if err := p.Jobs.RecordSheetFailure(ctx, sheetID, msg); err != nil {
		log.Printf("[ERROR] failed to record failure for sheet %s, %v", sheetID, err)
	}
}

// waitForConditions blocks until the load gate opens, the postpone budget is
// spent, or the context ends. With no thresholds configured it returns
// immediately.
func (p *Processor) waitForConditions(ctx context.Context, jobID string) {
	if !p.Conditions.Enabled() {
		return
	}
	check := p.CheckFn
	if check == nil {
		check = conditions.Check
	}

	met, reason := check(p.Conditions)
	if met {
		return
	}
	log.Printf("[INFO] job %s postponed: %s", jobID, reason)

	interval := p.CheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	maxPostpone := p.MaxPostpone
	if maxPostpone <= 0 {
		maxPostpone = 10 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	deadline := time.NewTimer(maxPostpone)
	defer deadline.Stop()

	for {
		select {
		case <-ticker.C:
			if met, reason = check(p.Conditions); met {
				return
			}
			log.Printf("[DEBUG] job %s still postponed: %s", jobID, reason)
		case <-deadline.C:
			log.Printf("[WARN] max postpone reached for job %s, processing anyway", jobID)
			return
		case <-ctx.Done():
			return
		}
	}
}
