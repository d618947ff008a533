// Package jobs implements the durable job layer: submission, the
// persisted state machine, and the dispatcher that executes claimed
// queue entries against pool sessions.
package jobs

import (
	"encoding/json"

	"github.com/halverson/courier/pkg/storage"
)

// Kind identifies what a job does.
type Kind string

const (
	KindSendMessage   Kind = "send_message"
	KindFetchContacts Kind = "fetch_contacts"
)

// Status is the persisted job state.
type Status string

const (
	StatusPending   Status = Status(storage.JobStatusPending)
	StatusRunning   Status = Status(storage.JobStatusRunning)
	StatusPaused    Status = Status(storage.JobStatusPaused)
	StatusCompleted Status = Status(storage.JobStatusCompleted)
	StatusFailed    Status = Status(storage.JobStatusFailed)
	StatusCancelled Status = Status(storage.JobStatusCancelled)
)

// IsTerminal reports whether no further execution can happen.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Queue names, one per kind so each has its own worker pool.
const (
	QueueSend  = "send"
	QueueFetch = "fetch"
)

// QueueForKind maps a job kind to its queue.
func QueueForKind(kind Kind) string {
	if kind == KindFetchContacts {
		return QueueFetch
	}
	return QueueSend
}

// SendPayload is the payload for send_message jobs. One recipient is a
// single send; several make a bulk send processed in order with pacing
// between recipients.
type SendPayload struct {
	SessionID  string   `json:"session_id"`
	Recipients []string `json:"recipients"`
	Message    string   `json:"message"`
	Priority   int      `json:"priority,omitempty"`
}

// FetchPayload is the payload for fetch_contacts jobs.
type FetchPayload struct {
	SessionID string `json:"session_id"`
	Priority  int    `json:"priority,omitempty"`
}

// envelope is what travels on the queue. The payload stays on the job
// record; redeliveries always see the current state.
type envelope struct {
	JobID string `json:"job_id"`
}

// Log document keys written by the dispatcher.
const (
	logKeyTotal     = "total"
	logKeyProcessed = "processed"
	logKeyFailed    = "failed_recipients"
	logKeyContacts  = "contacts"
	logKeyCount     = "count"
	logKeyError     = "error"
	logKeyAttempts  = "exec_attempts"
	logKeyRequeues  = "requeues"

	logKeyStartedAt   = "started_at"
	logKeyCompletedAt = "completed_at"
	logKeyFailedAt    = "failed_at"
)

// logInt reads an integer key from a job's log document. Missing or
// malformed values read as zero.
func logInt(raw json.RawMessage, key string) int {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return 0
	}
	if v, ok := doc[key].(float64); ok {
		return int(v)
	}
	return 0
}
