package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"mailfinder/models"
	"mailfinder/utils"
	"mailfinder/verifier"
)

// BulkFindPatterns is how many candidates a bulk-find row verifies.
const BulkFindPatterns = 8

var ErrQueueFull = errors.New("job queue is full")

// Engine is the part of the verifier the worker drives.
type Engine interface {
	VerifyBatch(ctx context.Context, emails []string, opts ...verifier.RunOption) []verifier.VerificationResult
	FindBatch(ctx context.Context, reqs []verifier.FindRequest, opts verifier.FinderOptions, run ...verifier.RunOption) []verifier.FinderResult
}

// JobWorker runs bulk jobs one at a time off a buffered queue. Each job fans
// out internally through the verifier's worker pool.
type JobWorker struct {
	Store  models.JobStore
	Engine Engine
	Logger logrus.FieldLogger

	queue chan string
}

func NewJobWorker(store models.JobStore, engine Engine, logger logrus.FieldLogger, queueSize int) *JobWorker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	return &JobWorker{
		Store:  store,
		Engine: engine,
		Logger: logger.WithField("component", "job_worker"),
		queue:  make(chan string, queueSize),
	}
}

// Enqueue schedules a stored job. It never blocks.
func (w *JobWorker) Enqueue(publicID string) error {
	select {
	case w.queue <- publicID:
		return nil
	default:
		return ErrQueueFull
	}
}

// Start processes jobs until ctx is cancelled. Jobs left unfinished by a
// previous run are queued first.
func (w *JobWorker) Start(ctx context.Context) {
	w.Logger.Info("Job worker started")
	w.recover(ctx)

	for {
		select {
		case <-ctx.Done():
			w.Logger.Info("Job worker shutting down...")
			return
		case id := <-w.queue:
			if err := w.Process(ctx, id); err != nil {
				utils.LogError("job_failed", err, map[string]interface{}{"job_id": id})
			}
		}
	}
}

func (w *JobWorker) recover(ctx context.Context) {
	ids, err := w.Store.Unfinished(ctx)
	if err != nil {
		w.Logger.WithError(err).Warn("Could not list unfinished jobs")
		return
	}
	for _, id := range ids {
		if err := w.Enqueue(id); err != nil {
			w.Logger.WithField("job_id", id).WithError(err).Warn("Could not requeue job")
		}
	}
}

// Process runs one job to completion. Cancellation leaves the job in
// processing so the next Start picks it up again.
func (w *JobWorker) Process(ctx context.Context, publicID string) error {
	job, err := w.Store.GetJob(ctx, publicID)
	if err != nil {
		return err
	}
	if job.Terminal() {
		return nil
	}
	log := w.Logger.WithFields(logrus.Fields{"job_id": job.PublicID, "type": job.Type})

	rows, err := w.Store.Rows(ctx, job.ID)
	if err != nil {
		return w.fail(ctx, job, fmt.Errorf("load rows: %w", err))
	}

	now := time.Now()
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	job.Status = models.JobProcessing
	if err := w.Store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("mark job processing: %w", err)
	}
	log.WithField("rows", len(rows)).Info("Processing job")

	var pending []*models.JobRow
	for i := range rows {
		if !rows[i].Done {
			pending = append(pending, &rows[i])
		}
	}

	switch job.Type {
	case models.JobTypeVerify:
		err = w.runVerify(ctx, job, pending)
	case models.JobTypeFind:
		err = w.runFind(ctx, job, pending)
	default:
		err = fmt.Errorf("unknown job type %q", job.Type)
	}
	if ctx.Err() != nil {
		log.Warn("Job interrupted, will resume on restart")
		return nil
	}
	if err != nil {
		return w.fail(ctx, job, err)
	}

	done := time.Now()
	job.Status = models.JobCompleted
	job.CompletedAt = &done
	if err := w.Store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("mark job completed: %w", err)
	}
	utils.LogEvent("job_completed", map[string]interface{}{
		"job_id":    job.PublicID,
		"processed": job.Processed,
		"errors":    job.ErrorCount,
		"duration":  utils.FormatDuration(done.Sub(*job.StartedAt)),
	})
	return nil
}

func (w *JobWorker) fail(ctx context.Context, job *models.VerificationJob, cause error) error {
	now := time.Now()
	job.Status = models.JobFailed
	job.Error = cause.Error()
	job.CompletedAt = &now
	if err := w.Store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("%v (and marking failed: %w)", cause, err)
	}
	return cause
}

// save records a finished row. Rows finishing after cancellation are dropped
// so they are retried rather than stored as cancelled.
func (w *JobWorker) save(ctx context.Context, job *models.VerificationJob, row *models.JobRow) {
	if ctx.Err() != nil {
		return
	}
	row.Done = true
	job.Record(row)
	if err := w.Store.SaveRow(ctx, job, row); err != nil {
		w.Logger.WithFields(logrus.Fields{"job_id": job.PublicID, "row": row.RowIndex}).
			WithError(err).Error("Failed to save row")
	}
}

func (w *JobWorker) runVerify(ctx context.Context, job *models.VerificationJob, rows []*models.JobRow) error {
	var batch []*models.JobRow
	var emails []string
	for _, row := range rows {
		if row.Email == "" {
			row.Status = models.RowMissingFields
			row.Reason = "Email value missing"
			row.Error = row.Reason
			w.save(ctx, job, row)
			continue
		}
		batch = append(batch, row)
		emails = append(emails, row.Email)
	}
	if len(batch) == 0 {
		return nil
	}

	w.Engine.VerifyBatch(ctx, emails,
		verifier.WithAdvisories(job.InternetChecks),
		verifier.WithProgress(func(i int, r verifier.VerificationResult) {
			row := batch[i]
			applyResult(row, r)
			if r.State == verifier.StateRejectedInput {
				row.Error = r.Reason
			}
			w.save(ctx, job, row)
		}),
	)
	return nil
}

func (w *JobWorker) runFind(ctx context.Context, job *models.VerificationJob, rows []*models.JobRow) error {
	var batch []*models.JobRow
	var reqs []verifier.FindRequest
	for _, row := range rows {
		if row.FirstName == "" || row.LastName == "" || row.Domain == "" {
			row.Status = models.RowMissingFields
			row.Reason = "Required fields missing"
			row.Error = row.Reason
			w.save(ctx, job, row)
			continue
		}
		batch = append(batch, row)
		reqs = append(reqs, verifier.FindRequest{FirstName: row.FirstName, LastName: row.LastName, Domain: row.Domain})
	}
	if len(batch) == 0 {
		return nil
	}

	opts := verifier.FinderOptions{PatternOptions: verifier.PatternOptions{Max: BulkFindPatterns}}
	w.Engine.FindBatch(ctx, reqs, opts,
		verifier.WithAdvisories(job.InternetChecks),
		verifier.WithFindProgress(func(i int, fr verifier.FinderResult) {
			row := batch[i]
			best, ok := fr.Best()
			switch {
			case fr.Err != nil:
				row.Status = models.RowMissingFields
				row.Reason = fr.Error
				row.Error = fr.Error
			case ok && models.Found(string(best.Status)):
				applyResult(row, best)
			default:
				row.Status = models.RowNotFound
				row.Reason = "No valid email found"
				row.Details = marshalDetails(fr)
			}
			w.save(ctx, job, row)
		}),
	)
	return nil
}

func applyResult(row *models.JobRow, r verifier.VerificationResult) {
	row.Email = r.Email
	row.Status = string(r.Status)
	row.Confidence = r.Score
	row.Reason = r.Reason
	row.Details = marshalDetails(r)
}

func marshalDetails(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
