package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Job status slugs as persisted. The typed enum lives in pkg/jobs; these are
// the storage-boundary translations.
const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusPaused    = "paused"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

// JobRecord is the durable record for one submitted unit of work.
type JobRecord struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Status     string          `json:"status"`
	SessionID  string          `json:"sessionId"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Log        json.RawMessage `json:"log"`
	Attempts   int             `json:"attempts"`
	RetryCount int             `json:"retryCount"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// JobFilter narrows ListJobs. Zero values mean "any".
type JobFilter struct {
	Status    string
	Kind      string
	SessionID string
}

// CreateJob persists a new job record in status pending.
func (s *Store) CreateJob(rec *JobRecord) error {
	if rec.Status == "" {
		rec.Status = JobStatusPending
	}
	logDoc := rec.Log
	if len(logDoc) == 0 {
		logDoc = json.RawMessage(`{}`)
	}

	var payloadArg any
	if len(rec.Payload) > 0 {
		payloadArg = string(rec.Payload)
	}

	_, err := s.execRetry(`
		INSERT INTO jobs (job_id, kind, status, session_id, payload, log, attempts, retry_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Kind, rec.Status, rec.SessionID, payloadArg, string(logDoc),
		rec.Attempts, rec.RetryCount, rec.CreatedAt, rec.UpdatedAt)
	return err
}

// GetJob retrieves a job by ID. Returns nil, nil when not found.
func (s *Store) GetJob(jobID string) (*JobRecord, error) {
	var rec JobRecord
	var payload sql.NullString
	var logDoc string
	err := s.db.QueryRow(`
		SELECT job_id, kind, status, session_id, payload, log, attempts, retry_count, created_at, updated_at
		FROM jobs WHERE job_id = ?
	`, jobID).Scan(&rec.ID, &rec.Kind, &rec.Status, &rec.SessionID, &payload, &logDoc,
		&rec.Attempts, &rec.RetryCount, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if payload.Valid {
		rec.Payload = json.RawMessage(payload.String)
	}
	rec.Log = json.RawMessage(logDoc)
	return &rec, nil
}

// ListJobs returns jobs matching the filter, newest first.
func (s *Store) ListJobs(filter JobFilter, limit, offset int) ([]JobRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var (
		conds []string
		args  []any
	)
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, filter.Kind)
	}
	if filter.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, filter.SessionID)
	}

	query := `
		SELECT job_id, kind, status, session_id, payload, log, attempts, retry_count, created_at, updated_at
		FROM jobs`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []JobRecord{}
	for rows.Next() {
		var rec JobRecord
		var payload sql.NullString
		var logDoc string
		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.Status, &rec.SessionID, &payload, &logDoc,
			&rec.Attempts, &rec.RetryCount, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		if payload.Valid {
			rec.Payload = json.RawMessage(payload.String)
		}
		rec.Log = json.RawMessage(logDoc)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// TransitionJob conditionally moves a job from one of the given statuses to
// the target status. Returns false when the job was not in any "from" status
// (including when it does not exist), leaving the record untouched.
func (s *Store) TransitionJob(jobID string, from []string, to string) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition requires at least one source status")
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")
	args := []any{to, time.Now().UTC(), jobID}
	for _, f := range from {
		args = append(args, f)
	}

	res, err := s.execRetry(fmt.Sprintf(`
		UPDATE jobs SET status = ?, updated_at = ?
		WHERE job_id = ? AND status IN (%s)
	`, placeholders), args...)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// AppendJobLog merges fields into the job's structured log document. Keys
// are set or overwritten; existing keys not named are preserved.
func (s *Store) AppendJobLog(jobID string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var logDoc string
	err = tx.QueryRow(`SELECT log FROM jobs WHERE job_id = ?`, jobID).Scan(&logDoc)
	if err == sql.ErrNoRows {
		return fmt.Errorf("job %s not found", jobID)
	}
	if err != nil {
		return err
	}

	current := map[string]any{}
	if logDoc != "" {
		if err := json.Unmarshal([]byte(logDoc), &current); err != nil {
			// A corrupt log never blocks progress; start a fresh document
			// and keep the old bytes under a recovery key.
			current = map[string]any{"corrupt_log": logDoc}
		}
	}
	for k, v := range fields {
		current[k] = v
	}

	merged, err := json.Marshal(current)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(`UPDATE jobs SET log = ?, updated_at = ? WHERE job_id = ?`,
		string(merged), time.Now().UTC(), jobID); err != nil {
		return err
	}
	return tx.Commit()
}

// SetJobAttempts records the broker-side delivery attempt count on the job.
func (s *Store) SetJobAttempts(jobID string, attempts int) error {
	_, err := s.execRetry(`
		UPDATE jobs SET attempts = ?, updated_at = ? WHERE job_id = ?
	`, attempts, time.Now().UTC(), jobID)
	return err
}

// ResetJobForRetry moves a failed job back to pending, bumping retry_count
// and clearing the attempt counter. Returns false when the job was not in
// status failed.
func (s *Store) ResetJobForRetry(jobID string) (bool, error) {
	res, err := s.execRetry(`
		UPDATE jobs SET status = ?, retry_count = retry_count + 1, attempts = 0, updated_at = ?
		WHERE job_id = ? AND status = ?
	`, JobStatusPending, time.Now().UTC(), jobID, JobStatusFailed)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// DeleteJob removes a job record. Jobs are never auto-deleted; this backs
// the explicit administrative delete only.
func (s *Store) DeleteJob(jobID string) error {
	_, err := s.execRetry(`DELETE FROM jobs WHERE job_id = ?`, jobID)
	return err
}
