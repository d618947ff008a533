package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/halverson/courier/pkg/driver"
	apperrors "github.com/halverson/courier/pkg/errors"
	"github.com/halverson/courier/pkg/pool"
	"github.com/halverson/courier/pkg/queue"
	"github.com/halverson/courier/pkg/storage"
)

type scriptedSession struct {
	id     string
	handle string

	mu       sync.Mutex
	sends    []string
	sendHook func(recipient string) error
	contacts []driver.Contact
	fetchErr error
}

func (s *scriptedSession) ID() string                             { return s.id }
func (s *scriptedSession) HandleID() string                       { return s.handle }
func (s *scriptedSession) Navigate(context.Context, string) error { return nil }
func (s *scriptedSession) Close() error                           { return nil }

func (s *scriptedSession) SendMessage(_ context.Context, recipient, _ string) error {
	s.mu.Lock()
	hook := s.sendHook
	s.mu.Unlock()
	if hook != nil {
		if err := hook(recipient); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.sends = append(s.sends, recipient)
	s.mu.Unlock()
	return nil
}

func (s *scriptedSession) FetchContacts(context.Context) ([]driver.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	return s.contacts, nil
}

func (s *scriptedSession) sentTo() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sends))
	copy(out, s.sends)
	return out
}

type scriptedRuntime struct {
	mu       sync.Mutex
	sessions map[string]*scriptedSession
	n        int
}

func newScriptedRuntime() *scriptedRuntime {
	return &scriptedRuntime{sessions: make(map[string]*scriptedSession)}
}

func (r *scriptedRuntime) NewSession(_ context.Context, cfg driver.SessionConfig) (driver.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.n++
	sess := &scriptedSession{id: cfg.SessionID, handle: fmt.Sprintf("h-%d", r.n)}
	r.sessions[cfg.SessionID] = sess
	return sess, nil
}

func (r *scriptedRuntime) Close() error { return nil }

type testEnv struct {
	store  *storage.Store
	broker *queue.MemoryBroker
	pool   *pool.Pool
	rt     *scriptedRuntime
	svc    *Service
	disp   *Dispatcher
}

func newEnv(t *testing.T, cfg DispatcherConfig) *testEnv {
	t.Helper()
	store, err := storage.New(":memory:")
	if err != nil {
		t.Fatalf("storage.New failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	broker := queue.NewMemoryBroker(time.Minute)
	t.Cleanup(func() { broker.Close() })

	rt := newScriptedRuntime()
	p := pool.New(rt, store, nil, nil, pool.Config{MaxSessions: 5})

	if cfg.RequeueDelay == 0 {
		cfg.RequeueDelay = time.Millisecond
	}
	return &testEnv{
		store:  store,
		broker: broker,
		pool:   p,
		rt:     rt,
		svc:    NewService(store, broker, nil, nil),
		disp:   NewDispatcher(store, p, nil, nil, cfg),
	}
}

func (e *testEnv) createSession(t *testing.T) (string, *scriptedSession) {
	t.Helper()
	rec, err := e.pool.Create(context.Background())
	if err != nil {
		t.Fatalf("pool.Create failed: %v", err)
	}
	return rec.ID, e.rt.sessions[rec.ID]
}

// deliver claims the next entry and runs it through the dispatcher,
// settling the entry the same way the worker pool does. Nacks use no
// delay so redeliveries stay deterministic.
func (e *testEnv) deliver(t *testing.T, queueName string) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	entry, err := e.broker.Dequeue(ctx, queueName)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}

	execErr := e.disp.Execute(context.Background(), entry)
	var rq *queue.RequeueError
	switch {
	case execErr == nil:
		e.broker.Ack(ctx, entry.ID)
	case errors.As(execErr, &rq), apperrors.IsRetryable(execErr):
		e.broker.Nack(ctx, entry.ID, 0)
	default:
		e.broker.Bury(ctx, entry.ID)
	}
	return execErr
}

func (e *testEnv) jobStatus(t *testing.T, jobID string) string {
	t.Helper()
	rec, err := e.store.GetJob(jobID)
	if err != nil || rec == nil {
		t.Fatalf("GetJob(%s): %v, %v", jobID, rec, err)
	}
	return rec.Status
}

func (e *testEnv) jobLog(t *testing.T, jobID string) map[string]any {
	t.Helper()
	rec, _ := e.store.GetJob(jobID)
	var doc map[string]any
	if err := json.Unmarshal(rec.Log, &doc); err != nil {
		t.Fatalf("bad log document: %v", err)
	}
	return doc
}

func transient(msg string) error {
	return apperrors.New(apperrors.ErrCodeInteraction, msg).WithRetryable(true)
}

func TestSendJobHappyPath(t *testing.T) {
	e := newEnv(t, DispatcherConfig{})
	ctx := context.Background()
	sessionID, sess := e.createSession(t)

	job, err := e.svc.SubmitSendMessage(ctx, SendPayload{
		SessionID:  sessionID,
		Recipients: []string{"+15550001"},
		Message:    "hello",
	}, SubmitOptions{})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if job.Status != storage.JobStatusPending {
		t.Errorf("Expected pending after submit, got %s", job.Status)
	}

	if err := e.deliver(t, QueueSend); err != nil {
		t.Fatalf("Delivery failed: %v", err)
	}

	if got := e.jobStatus(t, job.ID); got != storage.JobStatusCompleted {
		t.Errorf("Expected completed, got %s", got)
	}
	if sent := sess.sentTo(); len(sent) != 1 || sent[0] != "+15550001" {
		t.Errorf("Unexpected sends: %v", sent)
	}

	// Session is back in the pool.
	rec, _ := e.store.GetSession(sessionID)
	if rec.Status != storage.SessionStatusAvailable {
		t.Errorf("Session should be released, got %s", rec.Status)
	}

	logDoc := e.jobLog(t, job.ID)
	if logDoc["processed"].(float64) != 1 {
		t.Errorf("Expected processed 1, got %v", logDoc["processed"])
	}
}

func TestFetchJobHappyPath(t *testing.T) {
	e := newEnv(t, DispatcherConfig{})
	ctx := context.Background()
	sessionID, sess := e.createSession(t)
	sess.contacts = []driver.Contact{
		{ID: "c-1", Name: "Ada", Phone: "+15550001"},
		{ID: "c-2", Name: "Grace", Phone: "+15550002"},
	}

	job, err := e.svc.SubmitFetchContacts(ctx, FetchPayload{SessionID: sessionID}, SubmitOptions{})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if err := e.deliver(t, QueueFetch); err != nil {
		t.Fatalf("Delivery failed: %v", err)
	}

	if got := e.jobStatus(t, job.ID); got != storage.JobStatusCompleted {
		t.Errorf("Expected completed, got %s", got)
	}
	logDoc := e.jobLog(t, job.ID)
	if logDoc["count"].(float64) != 2 {
		t.Errorf("Expected 2 contacts recorded, got %v", logDoc["count"])
	}
}

func TestSubmitValidation(t *testing.T) {
	e := newEnv(t, DispatcherConfig{})
	ctx := context.Background()
	sessionID, _ := e.createSession(t)

	cases := []SendPayload{
		{SessionID: "", Recipients: []string{"+1"}, Message: "m"},
		{SessionID: sessionID, Recipients: nil, Message: "m"},
		{SessionID: sessionID, Recipients: []string{" "}, Message: "m"},
		{SessionID: sessionID, Recipients: []string{"+1"}, Message: ""},
	}
	for i, payload := range cases {
		if _, err := e.svc.SubmitSendMessage(ctx, payload, SubmitOptions{}); !apperrors.IsCode(err, apperrors.ErrCodeValidation) {
			t.Errorf("Case %d: expected VALIDATION, got %v", i, err)
		}
	}

	_, err := e.svc.SubmitSendMessage(ctx, SendPayload{
		SessionID: "ghost", Recipients: []string{"+1"}, Message: "m",
	}, SubmitOptions{})
	if !apperrors.IsCode(err, apperrors.ErrCodeResourceNotFound) {
		t.Errorf("Expected RESOURCE_NOT_FOUND for unknown session, got %v", err)
	}
}

func TestBusySessionYieldsAndRecovers(t *testing.T) {
	e := newEnv(t, DispatcherConfig{MaxRequeues: 5})
	ctx := context.Background()
	sessionID, _ := e.createSession(t)

	// Another worker holds the session.
	if _, err := e.pool.Acquire(ctx, sessionID); err != nil {
		t.Fatal(err)
	}

	job, _ := e.svc.SubmitSendMessage(ctx, SendPayload{
		SessionID: sessionID, Recipients: []string{"+1"}, Message: "m",
	}, SubmitOptions{})

	err := e.deliver(t, QueueSend)
	var rq *queue.RequeueError
	if !errors.As(err, &rq) {
		t.Fatalf("Expected RequeueError, got %v", err)
	}
	if got := e.jobStatus(t, job.ID); got != storage.JobStatusPending {
		t.Errorf("Yielded job should be pending, got %s", got)
	}
	logDoc := e.jobLog(t, job.ID)
	if logDoc["requeues"].(float64) != 1 {
		t.Errorf("Expected 1 requeue recorded, got %v", logDoc["requeues"])
	}

	// Session frees up; the redelivery completes the job.
	e.pool.Release(ctx, sessionID)
	time.Sleep(5 * time.Millisecond)
	if err := e.deliver(t, QueueSend); err != nil {
		t.Fatalf("Redelivery failed: %v", err)
	}
	if got := e.jobStatus(t, job.ID); got != storage.JobStatusCompleted {
		t.Errorf("Expected completed, got %s", got)
	}
}

func TestBusySessionExhaustsRequeues(t *testing.T) {
	e := newEnv(t, DispatcherConfig{MaxRequeues: 2})
	ctx := context.Background()
	sessionID, _ := e.createSession(t)
	e.pool.Acquire(ctx, sessionID)

	job, _ := e.svc.SubmitSendMessage(ctx, SendPayload{
		SessionID: sessionID, Recipients: []string{"+1"}, Message: "m",
	}, SubmitOptions{})

	for i := 0; i < 2; i++ {
		err := e.deliver(t, QueueSend)
		var rq *queue.RequeueError
		if !errors.As(err, &rq) {
			t.Fatalf("Yield %d: expected RequeueError, got %v", i+1, err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	err := e.deliver(t, QueueSend)
	if !apperrors.IsCode(err, apperrors.ErrCodeResourceUnavailable) {
		t.Fatalf("Expected RESOURCE_UNAVAILABLE after exhausted requeues, got %v", err)
	}
	if got := e.jobStatus(t, job.ID); got != storage.JobStatusFailed {
		t.Errorf("Expected failed, got %s", got)
	}
}

func TestBusyYieldsDoNotConsumeRetryBudget(t *testing.T) {
	e := newEnv(t, DispatcherConfig{MaxAttempts: 3, MaxRequeues: 10})
	ctx := context.Background()
	sessionID, sess := e.createSession(t)

	// Another worker holds the session through two deliveries.
	if _, err := e.pool.Acquire(ctx, sessionID); err != nil {
		t.Fatal(err)
	}

	job, _ := e.svc.SubmitSendMessage(ctx, SendPayload{
		SessionID: sessionID, Recipients: []string{"+1"}, Message: "m",
	}, SubmitOptions{})

	for i := 0; i < 2; i++ {
		err := e.deliver(t, QueueSend)
		var rq *queue.RequeueError
		if !errors.As(err, &rq) {
			t.Fatalf("Yield %d: expected RequeueError, got %v", i+1, err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Session frees up; the first execution fails transiently. Two yields
	// already rode the queue, but the retry budget must still be intact:
	// the job stays running and the next delivery succeeds.
	e.pool.Release(ctx, sessionID)
	var calls int
	sess.sendHook = func(string) error {
		calls++
		if calls == 1 {
			return transient("page not settled")
		}
		return nil
	}

	if err := e.deliver(t, QueueSend); !apperrors.IsRetryable(err) {
		t.Fatalf("First execution failure should stay retryable, got %v", err)
	}
	if got := e.jobStatus(t, job.ID); got != storage.JobStatusRunning {
		t.Fatalf("Job must stay running after first execution failure, got %s", got)
	}

	if err := e.deliver(t, QueueSend); err != nil {
		t.Fatalf("Second execution failed: %v", err)
	}
	if got := e.jobStatus(t, job.ID); got != storage.JobStatusCompleted {
		t.Errorf("Expected completed, got %s", got)
	}

	rec, _ := e.store.GetJob(job.ID)
	if rec.Attempts != 2 {
		t.Errorf("Only executions count as attempts, expected 2, got %d", rec.Attempts)
	}
	logDoc := e.jobLog(t, job.ID)
	if logDoc["requeues"].(float64) != 2 {
		t.Errorf("Expected 2 recorded requeues, got %v", logDoc["requeues"])
	}
}

func TestCancelAfterYieldStaysCancelled(t *testing.T) {
	e := newEnv(t, DispatcherConfig{MaxRequeues: 5})
	ctx := context.Background()
	sessionID, sess := e.createSession(t)
	e.pool.Acquire(ctx, sessionID)

	job, _ := e.svc.SubmitSendMessage(ctx, SendPayload{
		SessionID: sessionID, Recipients: []string{"+1"}, Message: "m",
	}, SubmitOptions{})

	err := e.deliver(t, QueueSend)
	var rq *queue.RequeueError
	if !errors.As(err, &rq) {
		t.Fatalf("Expected RequeueError, got %v", err)
	}

	// Cancel lands between the yield and the redelivery.
	if _, err := e.svc.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	e.pool.Release(ctx, sessionID)
	time.Sleep(5 * time.Millisecond)

	if err := e.deliver(t, QueueSend); err != nil {
		t.Fatalf("Redelivery of cancelled job should ack silently, got %v", err)
	}
	if got := e.jobStatus(t, job.ID); got != storage.JobStatusCancelled {
		t.Errorf("Expected cancelled, got %s", got)
	}
	if len(sess.sentTo()) != 0 {
		t.Error("Cancelled job must not send anything")
	}
}

func TestTransientErrorRetriesThenCompletes(t *testing.T) {
	e := newEnv(t, DispatcherConfig{MaxAttempts: 5})
	ctx := context.Background()
	sessionID, sess := e.createSession(t)

	var calls int
	sess.sendHook = func(string) error {
		calls++
		if calls < 3 {
			return transient("page not settled")
		}
		return nil
	}

	job, _ := e.svc.SubmitSendMessage(ctx, SendPayload{
		SessionID: sessionID, Recipients: []string{"+1"}, Message: "m",
	}, SubmitOptions{})

	for i := 0; i < 2; i++ {
		if err := e.deliver(t, QueueSend); !apperrors.IsRetryable(err) {
			t.Fatalf("Attempt %d: expected retryable error, got %v", i+1, err)
		}
		if got := e.jobStatus(t, job.ID); got != storage.JobStatusRunning {
			t.Errorf("Job should stay running between attempts, got %s", got)
		}
	}
	if err := e.deliver(t, QueueSend); err != nil {
		t.Fatalf("Final attempt failed: %v", err)
	}

	if got := e.jobStatus(t, job.ID); got != storage.JobStatusCompleted {
		t.Errorf("Expected completed, got %s", got)
	}
	rec, _ := e.store.GetJob(job.ID)
	if rec.Attempts != 3 {
		t.Errorf("Expected 3 recorded attempts, got %d", rec.Attempts)
	}
	// The session must be released after every attempt, success or not.
	sessRec, _ := e.store.GetSession(sessionID)
	if sessRec.Status != storage.SessionStatusAvailable {
		t.Errorf("Session leaked: %s", sessRec.Status)
	}
}

func TestTransientErrorExhaustsAttempts(t *testing.T) {
	e := newEnv(t, DispatcherConfig{MaxAttempts: 3})
	ctx := context.Background()
	sessionID, sess := e.createSession(t)
	sess.sendHook = func(string) error { return transient("always failing") }

	job, _ := e.svc.SubmitSendMessage(ctx, SendPayload{
		SessionID: sessionID, Recipients: []string{"+1"}, Message: "m",
	}, SubmitOptions{})

	for i := 0; i < 2; i++ {
		if err := e.deliver(t, QueueSend); err == nil {
			t.Fatalf("Attempt %d should fail", i+1)
		}
	}

	// Third attempt exhausts the budget; the error comes back permanent
	// so the worker buries the entry.
	err := e.deliver(t, QueueSend)
	if err == nil || apperrors.IsRetryable(err) {
		t.Fatalf("Expected permanent error on exhaustion, got %v", err)
	}
	if got := e.jobStatus(t, job.ID); got != storage.JobStatusFailed {
		t.Errorf("Expected failed, got %s", got)
	}
	logDoc := e.jobLog(t, job.ID)
	if logDoc["error"] == nil {
		t.Error("Failure cause should be recorded in the log")
	}
}

func TestPermanentErrorFailsImmediately(t *testing.T) {
	e := newEnv(t, DispatcherConfig{MaxAttempts: 5})
	ctx := context.Background()
	sessionID, sess := e.createSession(t)
	sess.sendHook = func(string) error {
		return apperrors.New(apperrors.ErrCodeInteraction, "conversation does not exist")
	}

	job, _ := e.svc.SubmitSendMessage(ctx, SendPayload{
		SessionID: sessionID, Recipients: []string{"+1"}, Message: "m",
	}, SubmitOptions{})

	if err := e.deliver(t, QueueSend); err == nil {
		t.Fatal("Expected delivery to fail")
	}
	if got := e.jobStatus(t, job.ID); got != storage.JobStatusFailed {
		t.Errorf("Expected failed after one attempt, got %s", got)
	}
	rec, _ := e.store.GetJob(job.ID)
	if rec.Attempts != 1 {
		t.Errorf("Expected a single attempt, got %d", rec.Attempts)
	}
}

func TestCancelPendingJobNeverExecutes(t *testing.T) {
	e := newEnv(t, DispatcherConfig{})
	ctx := context.Background()
	sessionID, sess := e.createSession(t)

	job, _ := e.svc.SubmitSendMessage(ctx, SendPayload{
		SessionID: sessionID, Recipients: []string{"+1"}, Message: "m",
	}, SubmitOptions{})

	if _, err := e.svc.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	if err := e.deliver(t, QueueSend); err != nil {
		t.Fatalf("Delivery of cancelled job should be a silent ack, got %v", err)
	}
	if len(sess.sentTo()) != 0 {
		t.Error("Cancelled job must not send anything")
	}
	if got := e.jobStatus(t, job.ID); got != storage.JobStatusCancelled {
		t.Errorf("Expected cancelled, got %s", got)
	}
}

func TestPauseResumeBulkSend(t *testing.T) {
	e := newEnv(t, DispatcherConfig{})
	ctx := context.Background()
	sessionID, sess := e.createSession(t)

	recipients := []string{"+1", "+2", "+3", "+4", "+5"}
	job, _ := e.svc.SubmitSendMessage(ctx, SendPayload{
		SessionID: sessionID, Recipients: recipients, Message: "m",
	}, SubmitOptions{})

	// Pause lands while the third recipient is being handled; the
	// checkpoint before the fourth observes it.
	var calls int
	sess.sendHook = func(string) error {
		calls++
		if calls == 3 {
			if _, err := e.svc.Pause(ctx, job.ID); err != nil {
				t.Errorf("Pause failed: %v", err)
			}
		}
		return nil
	}

	if err := e.deliver(t, QueueSend); err != nil {
		t.Fatalf("Delivery failed: %v", err)
	}
	if got := e.jobStatus(t, job.ID); got != storage.JobStatusPaused {
		t.Fatalf("Expected paused, got %s", got)
	}
	if sent := sess.sentTo(); len(sent) != 3 {
		t.Fatalf("Expected 3 sends before pause, got %v", sent)
	}
	logDoc := e.jobLog(t, job.ID)
	if logDoc["processed"].(float64) != 3 {
		t.Errorf("Expected processed 3, got %v", logDoc["processed"])
	}

	sess.sendHook = nil
	if _, err := e.svc.Resume(ctx, job.ID); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if err := e.deliver(t, QueueSend); err != nil {
		t.Fatalf("Post-resume delivery failed: %v", err)
	}

	if got := e.jobStatus(t, job.ID); got != storage.JobStatusCompleted {
		t.Errorf("Expected completed, got %s", got)
	}
	sent := sess.sentTo()
	if len(sent) != 5 {
		t.Fatalf("Expected 5 total sends with no repeats, got %v", sent)
	}
	for i, want := range recipients {
		if sent[i] != want {
			t.Errorf("Send %d: expected %s, got %s", i, want, sent[i])
		}
	}
}

func TestBulkSendPacing(t *testing.T) {
	const pacing = 30 * time.Millisecond
	e := newEnv(t, DispatcherConfig{PacingDelay: pacing})
	ctx := context.Background()
	sessionID, sess := e.createSession(t)

	var stamps []time.Time
	sess.sendHook = func(string) error {
		stamps = append(stamps, time.Now())
		return nil
	}

	job, _ := e.svc.SubmitSendMessage(ctx, SendPayload{
		SessionID: sessionID, Recipients: []string{"+1", "+2", "+3"}, Message: "m",
	}, SubmitOptions{})

	if err := e.deliver(t, QueueSend); err != nil {
		t.Fatalf("Delivery failed: %v", err)
	}
	if got := e.jobStatus(t, job.ID); got != storage.JobStatusCompleted {
		t.Fatalf("Expected completed, got %s", got)
	}
	if len(stamps) != 3 {
		t.Fatalf("Expected 3 sequential sends, got %d", len(stamps))
	}

	// Allow a millisecond of timer slack around the limiter's schedule.
	for i := 1; i < len(stamps); i++ {
		if gap := stamps[i].Sub(stamps[i-1]); gap < pacing-time.Millisecond {
			t.Errorf("Sends %d and %d only %v apart, want at least %v", i-1, i, gap, pacing)
		}
	}
}

func TestBulkSendRecordsPartialFailures(t *testing.T) {
	e := newEnv(t, DispatcherConfig{})
	ctx := context.Background()
	sessionID, sess := e.createSession(t)
	sess.sendHook = func(recipient string) error {
		if recipient == "+2" {
			return apperrors.New(apperrors.ErrCodeInteraction, "no conversation for +2")
		}
		return nil
	}

	job, _ := e.svc.SubmitSendMessage(ctx, SendPayload{
		SessionID: sessionID, Recipients: []string{"+1", "+2", "+3"}, Message: "m",
	}, SubmitOptions{})

	if err := e.deliver(t, QueueSend); err != nil {
		t.Fatalf("Delivery failed: %v", err)
	}

	if got := e.jobStatus(t, job.ID); got != storage.JobStatusCompleted {
		t.Errorf("Partial failure should still complete, got %s", got)
	}
	if sent := sess.sentTo(); len(sent) != 2 {
		t.Errorf("Expected 2 successful sends, got %v", sent)
	}
	logDoc := e.jobLog(t, job.ID)
	failedList, ok := logDoc["failed_recipients"].([]any)
	if !ok || len(failedList) != 1 {
		t.Fatalf("Expected one recorded failure, got %v", logDoc["failed_recipients"])
	}
}

func TestBulkSendAllRecipientsFail(t *testing.T) {
	e := newEnv(t, DispatcherConfig{})
	ctx := context.Background()
	sessionID, sess := e.createSession(t)
	sess.sendHook = func(string) error {
		return apperrors.New(apperrors.ErrCodeInteraction, "broken")
	}

	job, _ := e.svc.SubmitSendMessage(ctx, SendPayload{
		SessionID: sessionID, Recipients: []string{"+1", "+2"}, Message: "m",
	}, SubmitOptions{})

	if err := e.deliver(t, QueueSend); err == nil {
		t.Fatal("Expected delivery to fail")
	}
	if got := e.jobStatus(t, job.ID); got != storage.JobStatusFailed {
		t.Errorf("Expected failed when every recipient fails, got %s", got)
	}
}

func TestDuplicateDeliveryIsNoOp(t *testing.T) {
	e := newEnv(t, DispatcherConfig{})
	ctx := context.Background()
	sessionID, sess := e.createSession(t)

	job, _ := e.svc.SubmitSendMessage(ctx, SendPayload{
		SessionID: sessionID, Recipients: []string{"+1"}, Message: "m",
	}, SubmitOptions{})

	// Another delivery already moved the job to running.
	e.store.TransitionJob(job.ID, []string{storage.JobStatusPending}, storage.JobStatusRunning)

	if err := e.deliver(t, QueueSend); err != nil {
		t.Fatalf("Duplicate first delivery should ack silently, got %v", err)
	}
	if len(sess.sentTo()) != 0 {
		t.Error("Duplicate delivery must not execute")
	}
	if got := e.jobStatus(t, job.ID); got != storage.JobStatusRunning {
		t.Errorf("Job status must be untouched, got %s", got)
	}
}

func TestRedeliveryResumesRunningJob(t *testing.T) {
	e := newEnv(t, DispatcherConfig{})
	ctx := context.Background()
	sessionID, sess := e.createSession(t)

	job, _ := e.svc.SubmitSendMessage(ctx, SendPayload{
		SessionID: sessionID, Recipients: []string{"+1"}, Message: "m",
	}, SubmitOptions{})

	// Simulate a crash after the CAS to running: the entry comes back
	// with a second delivery attempt.
	e.store.TransitionJob(job.ID, []string{storage.JobStatusPending}, storage.JobStatusRunning)
	env, _ := json.Marshal(envelope{JobID: job.ID})
	err := e.disp.Execute(ctx, &queue.Entry{
		ID: "redelivered", Queue: QueueSend, Payload: env, Attempts: 2,
	})
	if err != nil {
		t.Fatalf("Redelivery failed: %v", err)
	}
	if got := e.jobStatus(t, job.ID); got != storage.JobStatusCompleted {
		t.Errorf("Expected completed, got %s", got)
	}
	if len(sess.sentTo()) != 1 {
		t.Errorf("Expected exactly one send, got %v", sess.sentTo())
	}
}

func TestLifecycleTransitionErrors(t *testing.T) {
	e := newEnv(t, DispatcherConfig{})
	ctx := context.Background()
	sessionID, _ := e.createSession(t)

	job, _ := e.svc.SubmitSendMessage(ctx, SendPayload{
		SessionID: sessionID, Recipients: []string{"+1"}, Message: "m",
	}, SubmitOptions{})
	e.deliver(t, QueueSend)
	if got := e.jobStatus(t, job.ID); got != storage.JobStatusCompleted {
		t.Fatalf("Setup: expected completed, got %s", got)
	}

	if _, err := e.svc.Pause(ctx, job.ID); !apperrors.IsCode(err, apperrors.ErrCodeInvalidStateTransition) {
		t.Errorf("Pause of completed job: expected INVALID_STATE_TRANSITION, got %v", err)
	}
	if _, err := e.svc.Resume(ctx, job.ID); !apperrors.IsCode(err, apperrors.ErrCodeInvalidStateTransition) {
		t.Errorf("Resume of completed job: expected INVALID_STATE_TRANSITION, got %v", err)
	}
	if _, err := e.svc.Cancel(ctx, job.ID); !apperrors.IsCode(err, apperrors.ErrCodeInvalidStateTransition) {
		t.Errorf("Cancel of completed job: expected INVALID_STATE_TRANSITION, got %v", err)
	}
	if _, err := e.svc.Retry(ctx, job.ID); !apperrors.IsCode(err, apperrors.ErrCodeInvalidStateTransition) {
		t.Errorf("Retry of completed job: expected INVALID_STATE_TRANSITION, got %v", err)
	}

	for _, op := range []func(context.Context, string) (*storage.JobRecord, error){
		e.svc.Pause, e.svc.Resume, e.svc.Cancel, e.svc.Retry,
	} {
		if _, err := op(ctx, "ghost"); !apperrors.IsCode(err, apperrors.ErrCodeJobNotFound) {
			t.Errorf("Unknown job: expected JOB_NOT_FOUND, got %v", err)
		}
	}
	if _, err := e.svc.Get("ghost"); !apperrors.IsCode(err, apperrors.ErrCodeJobNotFound) {
		t.Errorf("Get unknown job: expected JOB_NOT_FOUND, got %v", err)
	}
}

func TestRetryFailedJob(t *testing.T) {
	e := newEnv(t, DispatcherConfig{MaxAttempts: 1})
	ctx := context.Background()
	sessionID, sess := e.createSession(t)
	sess.sendHook = func(string) error { return transient("flaky") }

	job, _ := e.svc.SubmitSendMessage(ctx, SendPayload{
		SessionID: sessionID, Recipients: []string{"+1"}, Message: "m",
	}, SubmitOptions{})

	if err := e.deliver(t, QueueSend); err == nil {
		t.Fatal("Expected first delivery to exhaust the single attempt")
	}
	if got := e.jobStatus(t, job.ID); got != storage.JobStatusFailed {
		t.Fatalf("Expected failed, got %s", got)
	}

	sess.sendHook = nil
	retried, err := e.svc.Retry(ctx, job.ID)
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if retried.Status != storage.JobStatusPending || retried.RetryCount != 1 {
		t.Errorf("Unexpected record after retry: status=%s retry_count=%d", retried.Status, retried.RetryCount)
	}
	if retried.Attempts != 0 {
		t.Errorf("Attempts should reset on retry, got %d", retried.Attempts)
	}

	if err := e.deliver(t, QueueSend); err != nil {
		t.Fatalf("Post-retry delivery failed: %v", err)
	}
	if got := e.jobStatus(t, job.ID); got != storage.JobStatusCompleted {
		t.Errorf("Expected completed after retry, got %s", got)
	}
}

func TestDeleteJob(t *testing.T) {
	e := newEnv(t, DispatcherConfig{})
	ctx := context.Background()
	sessionID, _ := e.createSession(t)

	job, _ := e.svc.SubmitSendMessage(ctx, SendPayload{
		SessionID: sessionID, Recipients: []string{"+1"}, Message: "m",
	}, SubmitOptions{})

	// Live jobs cannot be deleted out from under the queue.
	if err := e.svc.Delete(ctx, job.ID); !apperrors.IsCode(err, apperrors.ErrCodeInvalidStateTransition) {
		t.Errorf("Expected INVALID_STATE_TRANSITION for pending job, got %v", err)
	}

	if _, err := e.svc.Cancel(ctx, job.ID); err != nil {
		t.Fatal(err)
	}
	if err := e.svc.Delete(ctx, job.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, err := e.svc.Get(job.ID); !apperrors.IsCode(err, apperrors.ErrCodeJobNotFound) {
		t.Errorf("Expected JOB_NOT_FOUND after delete, got %v", err)
	}
	if err := e.svc.Delete(ctx, job.ID); !apperrors.IsCode(err, apperrors.ErrCodeJobNotFound) {
		t.Errorf("Expected JOB_NOT_FOUND on second delete, got %v", err)
	}
}

func TestPriorityOrderAcrossJobs(t *testing.T) {
	e := newEnv(t, DispatcherConfig{})
	ctx := context.Background()
	sessionID, sess := e.createSession(t)

	low, _ := e.svc.SubmitSendMessage(ctx, SendPayload{
		SessionID: sessionID, Recipients: []string{"+low"}, Message: "m",
	}, SubmitOptions{Priority: 9})
	high, _ := e.svc.SubmitSendMessage(ctx, SendPayload{
		SessionID: sessionID, Recipients: []string{"+high"}, Message: "m",
	}, SubmitOptions{Priority: 1})

	e.deliver(t, QueueSend)
	sent := sess.sentTo()
	if len(sent) != 1 || sent[0] != "+high" {
		t.Fatalf("Lower priority value should run first, got %v", sent)
	}
	if got := e.jobStatus(t, high.ID); got != storage.JobStatusCompleted {
		t.Errorf("High priority job should be done, got %s", got)
	}
	if got := e.jobStatus(t, low.ID); got != storage.JobStatusPending {
		t.Errorf("Low priority job should still wait, got %s", got)
	}

	e.deliver(t, QueueSend)
	if got := e.jobStatus(t, low.ID); got != storage.JobStatusCompleted {
		t.Errorf("Low priority job should complete second, got %s", got)
	}
}

func TestOrphanEntryAcks(t *testing.T) {
	e := newEnv(t, DispatcherConfig{})
	ctx := context.Background()

	env, _ := json.Marshal(envelope{JobID: "ghost"})
	err := e.disp.Execute(ctx, &queue.Entry{ID: "e", Queue: QueueSend, Payload: env, Attempts: 1})
	if err != nil {
		t.Errorf("Orphan entries must ack silently, got %v", err)
	}

	// Garbage payloads are buried, not retried forever.
	err = e.disp.Execute(ctx, &queue.Entry{ID: "e2", Queue: QueueSend, Payload: []byte("{"), Attempts: 1})
	if err == nil || apperrors.IsRetryable(err) {
		t.Errorf("Malformed envelope should be a permanent error, got %v", err)
	}
}
