package jobs

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/time/rate"

	"github.com/halverson/courier/pkg/driver"
	apperrors "github.com/halverson/courier/pkg/errors"
	"github.com/halverson/courier/pkg/logging"
	"github.com/halverson/courier/pkg/metrics"
	"github.com/halverson/courier/pkg/queue"
	"github.com/halverson/courier/pkg/storage"
)

// runSend delivers the message to each recipient in order. Progress is
// persisted after every recipient, so a pause, crash, or resume picks
// up at the first unhandled recipient instead of starting over.
func (d *Dispatcher) runSend(ctx context.Context, job *storage.JobRecord, entry *queue.Entry, sess driver.Session) error {
	var payload SendPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		failErr := apperrors.Wrap(err, apperrors.ErrCodeValidation, "malformed send payload")
		d.failJob(ctx, job, entry, failErr)
		return failErr
	}

	total := len(payload.Recipients)
	if logInt(job.Log, logKeyTotal) != total {
		if err := d.store.AppendJobLog(job.ID, map[string]any{logKeyTotal: total}); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeStorage, "failed to record progress").WithRetryable(true)
		}
	}

	processed := logInt(job.Log, logKeyProcessed)
	failures := logFailures(job.Log)

	var limiter *rate.Limiter
	if d.cfg.PacingDelay > 0 && total > 1 {
		limiter = rate.NewLimiter(rate.Every(d.cfg.PacingDelay), 1)
	}

	for i := processed; i < total; i++ {
		// Checkpoint: a pause or cancel issued while we were sending
		// takes effect before the next recipient.
		status, err := d.checkpoint(job.ID)
		if err != nil {
			return err
		}
		switch status {
		case StatusRunning:
		case StatusPaused:
			d.logger.JobEvent(logging.LevelInfo, logging.CategoryDispatch, "job_pause_observed", job.ID, job.SessionID, map[string]any{
				logKeyProcessed: i,
			})
			return nil
		default:
			return nil
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return apperrors.Wrap(err, apperrors.ErrCodeInternal, "pacing interrupted").WithRetryable(true)
			}
		}

		recipient := payload.Recipients[i]
		start := time.Now()
		sendErr := sess.SendMessage(ctx, recipient, payload.Message)
		metrics.DriverOpDuration.WithLabelValues("send_message").Observe(time.Since(start).Seconds())

		if sendErr != nil {
			if total == 1 {
				return d.handleExecError(ctx, job, entry, sendErr)
			}
			// Bulk sends keep going: one bad recipient must not sink
			// the rest of the batch.
			failures = append(failures, map[string]any{
				"recipient": recipient,
				"error":     sendErr.Error(),
			})
			err = d.store.AppendJobLog(job.ID, map[string]any{
				logKeyProcessed: i + 1,
				logKeyFailed:    failures,
			})
			if err != nil {
				return apperrors.Wrap(err, apperrors.ErrCodeStorage, "failed to record progress").WithRetryable(true)
			}
			d.logger.JobEvent(logging.LevelWarn, logging.CategoryDispatch, "recipient_failed", job.ID, job.SessionID, map[string]any{
				"recipient": recipient, "error": sendErr.Error(),
			})
			continue
		}

		metrics.MessagesSent.Inc()
		if err := d.store.AppendJobLog(job.ID, map[string]any{logKeyProcessed: i + 1}); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeStorage, "failed to record progress").WithRetryable(true)
		}
	}

	if total > 1 && len(failures) == total {
		failErr := apperrors.Newf(apperrors.ErrCodeInteraction, "all %d recipients failed", total)
		d.failJob(ctx, job, entry, failErr)
		return failErr
	}

	d.complete(ctx, job)
	return nil
}

// checkpoint reloads the job's current status.
func (d *Dispatcher) checkpoint(jobID string) (Status, error) {
	rec, err := d.store.GetJob(jobID)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeStorage, "failed to load job").WithRetryable(true)
	}
	if rec == nil {
		return StatusCancelled, nil
	}
	return Status(rec.Status), nil
}

// logFailures reads the accumulated per-recipient failures.
func logFailures(raw json.RawMessage) []any {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	if list, ok := doc[logKeyFailed].([]any); ok {
		return list
	}
	return nil
}
