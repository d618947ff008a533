package storage

import (
	"encoding/json"
	"testing"
	"time"
)

func mustCreateJob(t *testing.T, store *Store, id, kind, sessionID string) {
	t.Helper()
	now := time.Now().UTC()
	err := store.CreateJob(&JobRecord{
		ID:        id,
		Kind:      kind,
		SessionID: sessionID,
		Payload:   json.RawMessage(`{"recipients":["+15550001"]}`),
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("CreateJob(%s) failed: %v", id, err)
	}
}

func TestCreateAndGetJob(t *testing.T) {
	store := newTestStore(t)
	mustCreateSession(t, store, "s-1", SessionStatusAvailable)
	mustCreateJob(t, store, "j-1", "send_message", "s-1")

	rec, err := store.GetJob("j-1")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if rec == nil {
		t.Fatal("Expected job record")
	}
	if rec.Status != JobStatusPending {
		t.Errorf("Expected pending, got %s", rec.Status)
	}
	if string(rec.Log) != "{}" {
		t.Errorf("Expected empty log document, got %s", rec.Log)
	}

	missing, err := store.GetJob("nope")
	if err != nil {
		t.Fatalf("GetJob(missing) failed: %v", err)
	}
	if missing != nil {
		t.Error("Expected nil for missing job")
	}
}

func TestTransitionJob(t *testing.T) {
	store := newTestStore(t)
	mustCreateSession(t, store, "s-1", SessionStatusAvailable)
	mustCreateJob(t, store, "j-1", "send_message", "s-1")

	ok, err := store.TransitionJob("j-1", []string{JobStatusPending}, JobStatusRunning)
	if err != nil {
		t.Fatalf("TransitionJob failed: %v", err)
	}
	if !ok {
		t.Fatal("Expected pending -> running to succeed")
	}

	// Wrong source status leaves the record untouched.
	ok, err = store.TransitionJob("j-1", []string{JobStatusPending}, JobStatusCompleted)
	if err != nil {
		t.Fatalf("TransitionJob failed: %v", err)
	}
	if ok {
		t.Error("Expected transition from wrong source to report false")
	}
	rec, _ := store.GetJob("j-1")
	if rec.Status != JobStatusRunning {
		t.Errorf("Status should be unchanged, got %s", rec.Status)
	}

	// Multiple source statuses.
	ok, _ = store.TransitionJob("j-1", []string{JobStatusPending, JobStatusRunning}, JobStatusPaused)
	if !ok {
		t.Error("Expected running -> paused via multi-source transition")
	}
}

func TestAppendJobLogMerges(t *testing.T) {
	store := newTestStore(t)
	mustCreateSession(t, store, "s-1", SessionStatusAvailable)
	mustCreateJob(t, store, "j-1", "send_message", "s-1")

	if err := store.AppendJobLog("j-1", map[string]any{"total": 10, "processed": 3}); err != nil {
		t.Fatalf("AppendJobLog failed: %v", err)
	}
	if err := store.AppendJobLog("j-1", map[string]any{"processed": 4, "error": "timeout"}); err != nil {
		t.Fatalf("AppendJobLog failed: %v", err)
	}

	rec, _ := store.GetJob("j-1")
	var logDoc map[string]any
	if err := json.Unmarshal(rec.Log, &logDoc); err != nil {
		t.Fatalf("Log is not valid JSON: %v", err)
	}
	if logDoc["total"].(float64) != 10 {
		t.Errorf("total key lost: %v", logDoc["total"])
	}
	if logDoc["processed"].(float64) != 4 {
		t.Errorf("processed should be overwritten to 4: %v", logDoc["processed"])
	}
	if logDoc["error"] != "timeout" {
		t.Errorf("error key missing: %v", logDoc["error"])
	}
}

func TestResetJobForRetry(t *testing.T) {
	store := newTestStore(t)
	mustCreateSession(t, store, "s-1", SessionStatusAvailable)
	mustCreateJob(t, store, "j-1", "send_message", "s-1")

	// Not failed yet: no-op.
	ok, err := store.ResetJobForRetry("j-1")
	if err != nil {
		t.Fatalf("ResetJobForRetry failed: %v", err)
	}
	if ok {
		t.Error("Retry of a non-failed job should report false")
	}

	store.TransitionJob("j-1", []string{JobStatusPending}, JobStatusRunning)
	store.TransitionJob("j-1", []string{JobStatusRunning}, JobStatusFailed)
	store.SetJobAttempts("j-1", 5)

	ok, err = store.ResetJobForRetry("j-1")
	if err != nil {
		t.Fatalf("ResetJobForRetry failed: %v", err)
	}
	if !ok {
		t.Fatal("Expected retry of a failed job to succeed")
	}

	rec, _ := store.GetJob("j-1")
	if rec.Status != JobStatusPending {
		t.Errorf("Expected pending after retry, got %s", rec.Status)
	}
	if rec.RetryCount != 1 {
		t.Errorf("Expected retry_count 1, got %d", rec.RetryCount)
	}
	if rec.Attempts != 0 {
		t.Errorf("Expected attempts reset, got %d", rec.Attempts)
	}
}

func TestListJobsFilterAndPagination(t *testing.T) {
	store := newTestStore(t)
	mustCreateSession(t, store, "s-1", SessionStatusAvailable)
	mustCreateSession(t, store, "s-2", SessionStatusAvailable)

	mustCreateJob(t, store, "j-1", "send_message", "s-1")
	mustCreateJob(t, store, "j-2", "fetch_contacts", "s-1")
	mustCreateJob(t, store, "j-3", "send_message", "s-2")
	store.TransitionJob("j-3", []string{JobStatusPending}, JobStatusRunning)

	jobs, err := store.ListJobs(JobFilter{Kind: "send_message"}, 10, 0)
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(jobs) != 2 {
		t.Errorf("Expected 2 send jobs, got %d", len(jobs))
	}

	jobs, _ = store.ListJobs(JobFilter{Status: JobStatusRunning}, 10, 0)
	if len(jobs) != 1 || jobs[0].ID != "j-3" {
		t.Errorf("Expected only j-3 running, got %+v", jobs)
	}

	jobs, _ = store.ListJobs(JobFilter{SessionID: "s-1"}, 1, 0)
	if len(jobs) != 1 {
		t.Errorf("Expected limit to cap results, got %d", len(jobs))
	}
	rest, _ := store.ListJobs(JobFilter{SessionID: "s-1"}, 10, 1)
	if len(rest) != 1 {
		t.Errorf("Expected offset to skip first result, got %d", len(rest))
	}
}
