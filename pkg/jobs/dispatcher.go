package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/halverson/courier/pkg/bus"
	apperrors "github.com/halverson/courier/pkg/errors"
	"github.com/halverson/courier/pkg/logging"
	"github.com/halverson/courier/pkg/metrics"
	"github.com/halverson/courier/pkg/pool"
	"github.com/halverson/courier/pkg/queue"
	"github.com/halverson/courier/pkg/storage"
)

// DispatcherConfig bounds execution and retry behavior.
type DispatcherConfig struct {
	// MaxAttempts caps queue deliveries per entry before the job fails.
	MaxAttempts int

	// MaxRequeues caps how often a job yields because its session is
	// busy before it fails with RESOURCE_UNAVAILABLE.
	MaxRequeues int

	// RequeueDelay is the wait before redelivery after a busy yield.
	RequeueDelay time.Duration

	// PacingDelay is the minimum spacing between recipients in a bulk
	// send.
	PacingDelay time.Duration
}

// Dispatcher executes claimed queue entries: it owns the CAS into
// running, session acquisition and release, checkpoints, and the
// terminal transition.
type Dispatcher struct {
	store  *storage.Store
	pool   *pool.Pool
	logger *logging.Logger
	events bus.MessageBus
	cfg    DispatcherConfig
}

func NewDispatcher(store *storage.Store, p *pool.Pool, logger *logging.Logger, events bus.MessageBus, cfg DispatcherConfig) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.MaxRequeues <= 0 {
		cfg.MaxRequeues = 20
	}
	if cfg.RequeueDelay <= 0 {
		cfg.RequeueDelay = 2 * time.Second
	}
	return &Dispatcher{store: store, pool: p, logger: logger, events: events, cfg: cfg}
}

// Handler adapts the dispatcher to the worker pool contract.
func (d *Dispatcher) Handler() queue.Handler {
	return d.Execute
}

// Execute processes one delivery. Delivery is at-least-once: a terminal
// or paused job acks silently, and a job already running only proceeds
// on a redelivery, never on a duplicate first delivery.
func (d *Dispatcher) Execute(ctx context.Context, entry *queue.Entry) (err error) {
	var env envelope
	if err := json.Unmarshal(entry.Payload, &env); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeValidation, "malformed queue envelope")
	}

	job, err := d.store.GetJob(env.JobID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorage, "failed to load job").WithRetryable(true)
	}
	if job == nil {
		d.logger.Warn(logging.CategoryDispatch, "orphan_entry", "queue entry references no job", map[string]any{
			"job_id": env.JobID, "entry_id": entry.ID,
		})
		return nil
	}

	switch Status(job.Status) {
	case StatusPending:
		ok, err := d.store.TransitionJob(job.ID, []string{storage.JobStatusPending}, storage.JobStatusRunning)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeStorage, "failed to start job").WithRetryable(true)
		}
		if !ok {
			// Lost the race with a pause or cancel; drop the delivery.
			return nil
		}
		if err := d.store.AppendJobLog(job.ID, map[string]any{
			logKeyStartedAt: time.Now().UTC().Format(time.RFC3339),
		}); err != nil {
			d.logger.Warn(logging.CategoryDispatch, "log_update_failed", err.Error(), map[string]any{"job_id": job.ID})
		}
		d.publish(ctx, job.ID, "started", map[string]any{"attempt": entry.Attempts})
	case StatusRunning:
		if entry.Attempts <= 1 {
			// First delivery of an entry for a job some other delivery
			// is already running. Duplicate; drop it.
			return nil
		}
		// Redelivery after a crash or nack: pick the job back up.
	default:
		// Paused, cancelled, or finished while queued.
		return nil
	}

	metrics.DeliveryAttempts.WithLabelValues(entry.Queue).Inc()

	sess, err := d.pool.Acquire(ctx, job.SessionID)
	if err != nil {
		if apperrors.IsCode(err, apperrors.ErrCodeResourceBusy) {
			return d.yieldBusy(ctx, job)
		}
		failErr := apperrors.Wrap(err, apperrors.GetCode(err), "session is not usable")
		d.failJob(ctx, job, entry, failErr)
		return failErr
	}

	// Execution is starting, so this delivery counts against the retry
	// ceiling. Deliveries that never reach the session (busy yields,
	// duplicate drops) must not consume the budget, which is why the job
	// record carries its own counter instead of reusing entry.Attempts.
	job.Attempts++
	if err := d.store.SetJobAttempts(job.ID, job.Attempts); err != nil {
		d.logger.Warn(logging.CategoryDispatch, "attempts_update_failed", err.Error(), map[string]any{
			"job_id": job.ID,
		})
	}

	defer func() {
		if r := recover(); r != nil {
			err = apperrors.Newf(apperrors.ErrCodeInternal, "panic during job execution: %v", r)
			d.failJob(ctx, job, entry, err)
		}
	}()
	defer d.pool.Release(ctx, job.SessionID)

	switch Kind(job.Kind) {
	case KindSendMessage:
		return d.runSend(ctx, job, entry, sess)
	case KindFetchContacts:
		return d.runFetch(ctx, job, entry, sess)
	default:
		kindErr := apperrors.Newf(apperrors.ErrCodeValidation, "unknown job kind %q", job.Kind)
		d.failJob(ctx, job, entry, kindErr)
		return kindErr
	}
}

// yieldBusy sends the job back to the queue because its session is held
// by another job. Yields are counted separately from execution attempts
// and capped by MaxRequeues.
func (d *Dispatcher) yieldBusy(ctx context.Context, job *storage.JobRecord) error {
	requeues := logInt(job.Log, logKeyRequeues) + 1
	if requeues > d.cfg.MaxRequeues {
		failErr := apperrors.Newf(apperrors.ErrCodeResourceUnavailable,
			"session %s still busy after %d requeues", job.SessionID, requeues-1)
		d.failJob(ctx, job, nil, failErr)
		return failErr
	}

	if err := d.store.AppendJobLog(job.ID, map[string]any{logKeyRequeues: requeues}); err != nil {
		d.logger.Warn(logging.CategoryDispatch, "log_update_failed", err.Error(), map[string]any{"job_id": job.ID})
	}
	// The job waits again; pending reflects that and lets the next
	// delivery restart it.
	ok, err := d.store.TransitionJob(job.ID, []string{storage.JobStatusRunning}, storage.JobStatusPending)
	if err != nil {
		d.logger.Warn(logging.CategoryDispatch, "yield_transition_failed", err.Error(), map[string]any{"job_id": job.ID})
	} else if !ok {
		// Lost to a concurrent pause or cancel; the redelivery observes
		// whichever state won.
		d.logger.Warn(logging.CategoryDispatch, "yield_transition_skipped", "job left running state during yield", map[string]any{
			"job_id": job.ID,
		})
	}

	d.logger.JobEvent(logging.LevelInfo, logging.CategoryDispatch, "job_yielded", job.ID, job.SessionID, map[string]any{
		"requeues": requeues,
	})
	return &queue.RequeueError{After: d.cfg.RequeueDelay, Reason: "session busy"}
}

// handleExecError applies the retry law for transient failures: nack
// with backoff while attempts remain, fail the job once they run out.
func (d *Dispatcher) handleExecError(ctx context.Context, job *storage.JobRecord, entry *queue.Entry, execErr error) error {
	if apperrors.IsRetryable(execErr) && job.Attempts < d.cfg.MaxAttempts {
		d.logger.JobEvent(logging.LevelWarn, logging.CategoryDispatch, "job_attempt_failed", job.ID, job.SessionID, map[string]any{
			"attempt": job.Attempts, "max_attempts": d.cfg.MaxAttempts, "error": execErr.Error(),
		})
		return execErr
	}

	d.failJob(ctx, job, entry, execErr)
	if apperrors.IsRetryable(execErr) {
		// Attempts exhausted; the entry must not ride the backoff loop
		// again.
		return apperrors.Wrap(execErr, apperrors.GetCode(execErr), "attempts exhausted")
	}
	return execErr
}

// failJob moves the job to failed and records the cause. Safe to call
// when the job already reached a terminal state; the transition simply
// does not fire twice.
func (d *Dispatcher) failJob(ctx context.Context, job *storage.JobRecord, entry *queue.Entry, cause error) {
	fields := map[string]any{
		logKeyError:    cause.Error(),
		logKeyFailedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if entry != nil {
		fields[logKeyAttempts] = job.Attempts
	}
	if err := d.store.AppendJobLog(job.ID, fields); err != nil {
		d.logger.Warn(logging.CategoryDispatch, "log_update_failed", err.Error(), map[string]any{"job_id": job.ID})
	}

	ok, err := d.store.TransitionJob(job.ID,
		[]string{storage.JobStatusPending, storage.JobStatusRunning}, storage.JobStatusFailed)
	if err != nil {
		d.logger.Error(logging.CategoryDispatch, "fail_transition_failed", err.Error(), map[string]any{"job_id": job.ID})
		return
	}
	if !ok {
		return
	}

	metrics.JobsFailed.WithLabelValues(job.Kind).Inc()
	d.logger.JobEvent(logging.LevelError, logging.CategoryDispatch, "job_failed", job.ID, job.SessionID, map[string]any{
		"error": cause.Error(),
	})
	d.publish(ctx, job.ID, "failed", map[string]any{"error": cause.Error()})
}

// complete moves the job to completed. Returns false when the job was
// cancelled underneath the execution; the work already done stands, per
// at-least-once semantics.
func (d *Dispatcher) complete(ctx context.Context, job *storage.JobRecord) bool {
	ok, err := d.store.TransitionJob(job.ID, []string{storage.JobStatusRunning}, storage.JobStatusCompleted)
	if err != nil {
		d.logger.Error(logging.CategoryDispatch, "complete_transition_failed", err.Error(), map[string]any{"job_id": job.ID})
		return false
	}
	if !ok {
		d.logger.JobEvent(logging.LevelWarn, logging.CategoryDispatch, "completion_skipped", job.ID, job.SessionID, map[string]any{
			"reason": "job left running state during execution",
		})
		return false
	}

	if err := d.store.AppendJobLog(job.ID, map[string]any{
		logKeyCompletedAt: time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		d.logger.Warn(logging.CategoryDispatch, "log_update_failed", err.Error(), map[string]any{"job_id": job.ID})
	}

	metrics.JobsCompleted.WithLabelValues(job.Kind).Inc()
	d.logger.JobEvent(logging.LevelInfo, logging.CategoryDispatch, "job_completed", job.ID, job.SessionID, nil)
	d.publish(ctx, job.ID, "completed", nil)
	return true
}

func (d *Dispatcher) publish(ctx context.Context, jobID, event string, details map[string]any) {
	if d.events == nil {
		return
	}
	data, err := json.Marshal(jobEvent{
		Event:     event,
		JobID:     jobID,
		Timestamp: time.Now().UTC(),
		Details:   details,
	})
	if err != nil {
		return
	}
	if err := d.events.Publish(ctx, bus.SubjectJobPrefix+jobID, data); err != nil {
		d.logger.Debug(logging.CategoryDispatch, "event_publish_failed", err.Error(), map[string]any{
			"job_id": jobID, "event": event,
		})
	}
}
