package jobs

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/halverson/courier/pkg/bus"
	apperrors "github.com/halverson/courier/pkg/errors"
	"github.com/halverson/courier/pkg/logging"
	"github.com/halverson/courier/pkg/metrics"
	"github.com/halverson/courier/pkg/queue"
	"github.com/halverson/courier/pkg/storage"
)

// SubmitOptions tunes queue placement for a new job.
type SubmitOptions struct {
	Priority int
	Delay    time.Duration
}

// Service is the job API: submission and lifecycle commands. Execution
// lives in the Dispatcher.
type Service struct {
	store  *storage.Store
	broker queue.Broker
	logger *logging.Logger
	events bus.MessageBus
}

func NewService(store *storage.Store, broker queue.Broker, logger *logging.Logger, events bus.MessageBus) *Service {
	return &Service{store: store, broker: broker, logger: logger, events: events}
}

// SubmitSendMessage validates and persists a send job, then enqueues it.
func (s *Service) SubmitSendMessage(ctx context.Context, payload SendPayload, opts SubmitOptions) (*storage.JobRecord, error) {
	if payload.SessionID == "" {
		return nil, apperrors.New(apperrors.ErrCodeValidation, "session_id is required")
	}
	if len(payload.Recipients) == 0 {
		return nil, apperrors.New(apperrors.ErrCodeValidation, "at least one recipient is required")
	}
	for _, r := range payload.Recipients {
		if strings.TrimSpace(r) == "" {
			return nil, apperrors.New(apperrors.ErrCodeValidation, "recipients must be non-empty")
		}
	}
	if payload.Message == "" {
		return nil, apperrors.New(apperrors.ErrCodeValidation, "message is required")
	}
	payload.Priority = opts.Priority

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to encode payload")
	}
	return s.submit(ctx, KindSendMessage, payload.SessionID, raw, opts)
}

// SubmitFetchContacts validates and persists a fetch job, then enqueues it.
func (s *Service) SubmitFetchContacts(ctx context.Context, payload FetchPayload, opts SubmitOptions) (*storage.JobRecord, error) {
	if payload.SessionID == "" {
		return nil, apperrors.New(apperrors.ErrCodeValidation, "session_id is required")
	}
	payload.Priority = opts.Priority

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to encode payload")
	}
	return s.submit(ctx, KindFetchContacts, payload.SessionID, raw, opts)
}

func (s *Service) submit(ctx context.Context, kind Kind, sessionID string, payload json.RawMessage, opts SubmitOptions) (*storage.JobRecord, error) {
	sess, err := s.store.GetSession(sessionID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorage, "failed to check session")
	}
	if sess == nil {
		return nil, apperrors.Newf(apperrors.ErrCodeResourceNotFound, "session %s not found", sessionID)
	}
	if sess.Status == storage.SessionStatusClosed {
		return nil, apperrors.Newf(apperrors.ErrCodeResourceUnavailable, "session %s is closed", sessionID)
	}

	now := time.Now().UTC()
	rec := &storage.JobRecord{
		ID:        uuid.NewString(),
		Kind:      string(kind),
		Status:    storage.JobStatusPending,
		SessionID: sessionID,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateJob(rec); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorage, "failed to persist job")
	}

	if err := s.enqueue(ctx, rec.ID, kind, opts.Priority, opts.Delay); err != nil {
		// The record exists but nothing will deliver it. Mark it failed
		// so it does not sit pending forever.
		s.store.TransitionJob(rec.ID, []string{storage.JobStatusPending}, storage.JobStatusFailed)
		s.store.AppendJobLog(rec.ID, map[string]any{logKeyError: err.Error()})
		return nil, err
	}

	metrics.JobsSubmitted.WithLabelValues(string(kind)).Inc()
	s.logger.JobEvent(logging.LevelInfo, logging.CategoryQueue, "job_submitted", rec.ID, sessionID, map[string]any{
		"kind": string(kind), "priority": opts.Priority, "delay_ms": opts.Delay.Milliseconds(),
	})
	s.publish(ctx, rec.ID, "submitted", map[string]any{"kind": string(kind)})
	return s.store.GetJob(rec.ID)
}

func (s *Service) enqueue(ctx context.Context, jobID string, kind Kind, priority int, delay time.Duration) error {
	data, err := json.Marshal(envelope{JobID: jobID})
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to encode envelope")
	}
	_, err = s.broker.Enqueue(ctx, QueueForKind(kind), data, queue.Options{
		Priority: priority,
		Delay:    delay,
	})
	return err
}

// Get returns one job.
func (s *Service) Get(jobID string) (*storage.JobRecord, error) {
	rec, err := s.store.GetJob(jobID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorage, "failed to load job")
	}
	if rec == nil {
		return nil, apperrors.Newf(apperrors.ErrCodeJobNotFound, "job %s not found", jobID)
	}
	return rec, nil
}

// List returns jobs matching the filter, newest first.
func (s *Service) List(filter storage.JobFilter, limit, offset int) ([]storage.JobRecord, error) {
	return s.store.ListJobs(filter, limit, offset)
}

// Pause stops a pending or running job at its next checkpoint. Running
// jobs notice cooperatively; the paused status is visible immediately.
func (s *Service) Pause(ctx context.Context, jobID string) (*storage.JobRecord, error) {
	return s.transition(ctx, jobID, "paused",
		[]string{storage.JobStatusPending, storage.JobStatusRunning}, storage.JobStatusPaused)
}

// Resume re-enqueues a paused job. Progress recorded in the log is kept,
// so a bulk send continues from where it stopped.
func (s *Service) Resume(ctx context.Context, jobID string) (*storage.JobRecord, error) {
	rec, err := s.transition(ctx, jobID, "resumed",
		[]string{storage.JobStatusPaused}, storage.JobStatusPending)
	if err != nil {
		return nil, err
	}
	if err := s.enqueue(ctx, jobID, Kind(rec.Kind), payloadPriority(rec.Payload), 0); err != nil {
		return nil, err
	}
	return rec, nil
}

// Cancel stops a job permanently. Pending jobs never execute; running
// jobs stop at their next checkpoint.
func (s *Service) Cancel(ctx context.Context, jobID string) (*storage.JobRecord, error) {
	return s.transition(ctx, jobID, "cancelled",
		[]string{storage.JobStatusPending, storage.JobStatusRunning, storage.JobStatusPaused},
		storage.JobStatusCancelled)
}

// Retry re-submits a failed job from scratch: retry_count increments,
// the attempt counter resets, and a new queue entry is created.
func (s *Service) Retry(ctx context.Context, jobID string) (*storage.JobRecord, error) {
	ok, err := s.store.ResetJobForRetry(jobID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorage, "failed to reset job")
	}
	if !ok {
		return nil, s.transitionFailure(jobID, storage.JobStatusFailed)
	}

	rec, err := s.Get(jobID)
	if err != nil {
		return nil, err
	}
	if err := s.enqueue(ctx, jobID, Kind(rec.Kind), payloadPriority(rec.Payload), 0); err != nil {
		return nil, err
	}

	metrics.JobRetries.Inc()
	s.logger.JobEvent(logging.LevelInfo, logging.CategoryQueue, "job_retried", jobID, rec.SessionID, map[string]any{
		"retry_count": rec.RetryCount,
	})
	s.publish(ctx, jobID, "retried", map[string]any{"retry_count": rec.RetryCount})
	return rec, nil
}

// Delete removes a finished job record. Jobs are never auto-deleted;
// this backs the explicit administrative delete only, and active jobs
// must reach a terminal state first.
func (s *Service) Delete(ctx context.Context, jobID string) error {
	rec, err := s.store.GetJob(jobID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorage, "failed to load job")
	}
	if rec == nil {
		return apperrors.Newf(apperrors.ErrCodeJobNotFound, "job %s not found", jobID)
	}
	if !Status(rec.Status).IsTerminal() {
		return apperrors.Newf(apperrors.ErrCodeInvalidStateTransition,
			"job %s is %s, only finished jobs can be deleted", jobID, rec.Status)
	}

	if err := s.store.DeleteJob(jobID); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorage, "failed to delete job")
	}
	s.logger.JobEvent(logging.LevelInfo, logging.CategoryQueue, "job_deleted", jobID, rec.SessionID, nil)
	s.publish(ctx, jobID, "deleted", nil)
	return nil
}

func (s *Service) transition(ctx context.Context, jobID, event string, from []string, to string) (*storage.JobRecord, error) {
	ok, err := s.store.TransitionJob(jobID, from, to)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorage, "failed to update job")
	}
	if !ok {
		return nil, s.transitionFailure(jobID, from...)
	}

	rec, err := s.Get(jobID)
	if err != nil {
		return nil, err
	}
	s.logger.JobEvent(logging.LevelInfo, logging.CategoryQueue, "job_"+event, jobID, rec.SessionID, nil)
	s.publish(ctx, jobID, event, nil)
	return rec, nil
}

// transitionFailure distinguishes a missing job from one in the wrong
// state, so callers can map them to different API responses.
func (s *Service) transitionFailure(jobID string, wanted ...string) error {
	rec, err := s.store.GetJob(jobID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorage, "failed to load job")
	}
	if rec == nil {
		return apperrors.Newf(apperrors.ErrCodeJobNotFound, "job %s not found", jobID)
	}
	return apperrors.Newf(apperrors.ErrCodeInvalidStateTransition,
		"job %s is %s, expected one of %s", jobID, rec.Status, strings.Join(wanted, "|"))
}

type jobEvent struct {
	Event     string         `json:"event"`
	JobID     string         `json:"job_id"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

func (s *Service) publish(ctx context.Context, jobID, event string, details map[string]any) {
	if s.events == nil {
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
	if err := s.events.Publish(ctx, bus.SubjectJobPrefix+jobID, data); err != nil {
		s.logger.Debug(logging.CategoryQueue, "event_publish_failed", err.Error(), map[string]any{
			"job_id": jobID, "event": event,
		})
	}
}

func payloadPriority(raw json.RawMessage) int {
	var p struct {
		Priority int `json:"priority"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return 0
	}
	return p.Priority
}
