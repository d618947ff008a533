package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Session status constants.
const (
	SessionStatusAvailable    = "available"
	SessionStatusBusy         = "busy"
	SessionStatusDisconnected = "disconnected"
	SessionStatusClosed       = "closed"
)

// SessionRecord is the durable record for one automation session.
type SessionRecord struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	HandleID  string    `json:"handleId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ValidSessionStatus reports whether the slug is a known session status.
func ValidSessionStatus(status string) bool {
	switch status {
	case SessionStatusAvailable, SessionStatusBusy, SessionStatusDisconnected, SessionStatusClosed:
		return true
	}
	return false
}

// CreateSession persists a new session record.
func (s *Store) CreateSession(rec *SessionRecord) error {
	status := strings.TrimSpace(strings.ToLower(rec.Status))
	if status == "" {
		status = SessionStatusAvailable
	}
	if !ValidSessionStatus(status) {
		return fmt.Errorf("invalid session status: %s", status)
	}

	var handleArg any
	if rec.HandleID != "" {
		handleArg = rec.HandleID
	}

	_, err := s.execRetry(`
		INSERT INTO sessions (session_id, status, handle_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, rec.ID, status, handleArg, rec.CreatedAt, rec.UpdatedAt)
	return err
}

// GetSession retrieves a session by ID. Returns nil, nil when not found.
func (s *Store) GetSession(sessionID string) (*SessionRecord, error) {
	var rec SessionRecord
	var handle sql.NullString
	err := s.db.QueryRow(`
		SELECT session_id, status, handle_id, created_at, updated_at
		FROM sessions WHERE session_id = ?
	`, sessionID).Scan(&rec.ID, &rec.Status, &handle, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if handle.Valid {
		rec.HandleID = handle.String
	}
	return &rec, nil
}

// ListSessions returns all session records ordered by creation time.
func (s *Store) ListSessions() ([]SessionRecord, error) {
	rows, err := s.db.Query(`
		SELECT session_id, status, handle_id, created_at, updated_at
		FROM sessions
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []SessionRecord{}
	for rows.Next() {
		var rec SessionRecord
		var handle sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Status, &handle, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		if handle.Valid {
			rec.HandleID = handle.String
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ClaimSession atomically transitions a session from available to busy.
// The conditional UPDATE is the claim: two concurrent claimers race on the
// row and exactly one sees rows-affected == 1.
func (s *Store) ClaimSession(sessionID string) (bool, error) {
	res, err := s.execRetry(`
		UPDATE sessions SET status = ?, updated_at = ?
		WHERE session_id = ? AND status = ?
	`, SessionStatusBusy, time.Now().UTC(), sessionID, SessionStatusAvailable)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// ReleaseSession transitions a session from busy back to available.
// Returns false when the session was not busy (already released).
func (s *Store) ReleaseSession(sessionID string) (bool, error) {
	res, err := s.execRetry(`
		UPDATE sessions SET status = ?, updated_at = ?
		WHERE session_id = ? AND status = ?
	`, SessionStatusAvailable, time.Now().UTC(), sessionID, SessionStatusBusy)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// SetSessionStatus forces a session status regardless of the current one.
func (s *Store) SetSessionStatus(sessionID, status string) error {
	if !ValidSessionStatus(status) {
		return fmt.Errorf("invalid session status: %s", status)
	}
	res, err := s.execRetry(`
		UPDATE sessions SET status = ?, updated_at = ? WHERE session_id = ?
	`, status, time.Now().UTC(), sessionID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("session %s not found", sessionID)
	}
	return nil
}

// SetSessionHandle records the live handle identifier for a session.
func (s *Store) SetSessionHandle(sessionID, handleID string) error {
	var handleArg any
	if handleID != "" {
		handleArg = handleID
	}
	_, err := s.execRetry(`
		UPDATE sessions SET handle_id = ?, updated_at = ? WHERE session_id = ?
	`, handleArg, time.Now().UTC(), sessionID)
	return err
}

// MarkAllDisconnected flips every non-closed session to disconnected and
// clears stale handle ids. Live handles cannot survive a restart, so the
// last persisted status is never trusted on startup.
func (s *Store) MarkAllDisconnected() (int, error) {
	res, err := s.execRetry(`
		UPDATE sessions SET status = ?, handle_id = NULL, updated_at = ?
		WHERE status != ?
	`, SessionStatusDisconnected, time.Now().UTC(), SessionStatusClosed)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

// DeleteSession removes a session record. Administrative only; normal close
// keeps the row with status closed.
func (s *Store) DeleteSession(sessionID string) error {
	_, err := s.execRetry(`DELETE FROM sessions WHERE session_id = ?`, sessionID)
	return err
}
