package logging

import (
	"path/filepath"
	"testing"
)

func TestLoggerWritesEvents(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir, "run-1")
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	if err := logger.Info(CategoryPool, "session_created", "created session", map[string]any{"session_id": "s-1"}); err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if err := logger.Error(CategoryDispatch, "job_failed", "driver exploded", nil); err != nil {
		t.Fatalf("Error failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	events, err := ReadRecentEvents(filepath.Join(dir, "runs", "run-1.jsonl"), 10)
	if err != nil {
		t.Fatalf("ReadRecentEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	if events[0].EventType != "session_created" || events[0].Category != CategoryPool {
		t.Errorf("Unexpected first event: %+v", events[0])
	}

	// Error events are mirrored to errors.jsonl
	errEvents, err := ReadRecentEvents(filepath.Join(dir, "errors.jsonl"), 10)
	if err != nil {
		t.Fatalf("ReadRecentEvents(errors) failed: %v", err)
	}
	if len(errEvents) != 1 || errEvents[0].EventType != "job_failed" {
		t.Errorf("Expected single mirrored error event, got %+v", errEvents)
	}
}

func TestLoggerMinLevel(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir, "run-2")
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	// Default min level is info; debug should be dropped.
	logger.Debug(CategoryQueue, "dequeue_empty", "", nil)
	logger.Info(CategoryQueue, "enqueued", "", nil)

	events, err := ReadRecentEvents(filepath.Join(dir, "runs", "run-2.jsonl"), 10)
	if err != nil {
		t.Fatalf("ReadRecentEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Expected debug event to be filtered, got %d events", len(events))
	}

	logger.SetMinLevel(LevelDebug)
	logger.Debug(CategoryQueue, "dequeue_empty", "", nil)
	events, _ = ReadRecentEvents(filepath.Join(dir, "runs", "run-2.jsonl"), 10)
	if len(events) != 2 {
		t.Fatalf("Expected debug event after lowering level, got %d events", len(events))
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var logger *Logger
	if err := logger.Info(CategoryPool, "noop", "", nil); err != nil {
		t.Errorf("nil logger Info should be a no-op, got %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("nil logger Close should be a no-op, got %v", err)
	}
}
