// Package pool manages the bounded set of automation sessions. Session
// records live in the store; live runtime handles live here. Claiming
// goes through a conditional update on the store, so two workers can
// never hold the same session even across processes sharing the
// database.
package pool

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/halverson/courier/pkg/bus"
	"github.com/halverson/courier/pkg/driver"
	apperrors "github.com/halverson/courier/pkg/errors"
	"github.com/halverson/courier/pkg/logging"
	"github.com/halverson/courier/pkg/storage"
)

// Config sizes the pool.
type Config struct {
	MaxSessions int
}

// Stats is a point-in-time census of the pool.
type Stats struct {
	Total        int `json:"total"`
	Available    int `json:"available"`
	Busy         int `json:"busy"`
	Disconnected int `json:"disconnected"`
	Closed       int `json:"closed"`
	LiveHandles  int `json:"live_handles"`
}

// Pool owns the live handles and mediates claims.
type Pool struct {
	runtime driver.Runtime
	store   *storage.Store
	logger  *logging.Logger
	events  bus.MessageBus
	cfg     Config

	mu      sync.Mutex
	handles map[string]driver.Session
}

func New(runtime driver.Runtime, store *storage.Store, logger *logging.Logger, events bus.MessageBus, cfg Config) *Pool {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 10
	}
	return &Pool{
		runtime: runtime,
		store:   store,
		logger:  logger,
		events:  events,
		cfg:     cfg,
		handles: make(map[string]driver.Session),
	}
}

// LoadExisting reconciles persisted session records with reality after
// a restart: every handle from the previous process is gone, so every
// non-closed session is flipped to disconnected.
func (p *Pool) LoadExisting(ctx context.Context) error {
	n, err := p.store.MarkAllDisconnected()
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorage, "failed to reconcile sessions")
	}
	if n > 0 {
		p.logger.Warn(logging.CategoryPool, "sessions_disconnected",
			"marked sessions from a previous run as disconnected",
			map[string]any{"count": n})
	}
	return nil
}

// Create opens a new session and registers it as available. Fails when
// the pool is at capacity.
func (p *Pool) Create(ctx context.Context) (*storage.SessionRecord, error) {
	records, err := p.store.ListSessions()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorage, "failed to list sessions")
	}
	active := 0
	for _, rec := range records {
		if rec.Status != storage.SessionStatusClosed {
			active++
		}
	}
	if active >= p.cfg.MaxSessions {
		return nil, apperrors.Newf(apperrors.ErrCodeResourceUnavailable,
			"pool is at capacity (%d sessions)", p.cfg.MaxSessions).
			WithContext("max_sessions", p.cfg.MaxSessions)
	}

	sessionID := uuid.NewString()
	sess, err := p.runtime.NewSession(ctx, driver.SessionConfig{SessionID: sessionID})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rec := &storage.SessionRecord{
		ID:        sessionID,
		Status:    storage.SessionStatusAvailable,
		HandleID:  sess.HandleID(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := p.store.CreateSession(rec); err != nil {
		sess.Close()
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorage, "failed to persist session")
	}

	p.mu.Lock()
	p.handles[sessionID] = sess
	p.mu.Unlock()

	p.logger.Info(logging.CategoryPool, "session_created", "session opened", map[string]any{
		"session_id": sessionID, "handle_id": sess.HandleID(),
	})
	p.publish(ctx, sessionID, "created")
	return rec, nil
}

// Acquire claims a session for exclusive use. Only available sessions
// can be claimed; the claim itself is a conditional store update, so
// concurrent acquirers race on the database row, not on process memory.
func (p *Pool) Acquire(ctx context.Context, sessionID string) (driver.Session, error) {
	claimed, err := p.store.ClaimSession(sessionID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorage, "failed to claim session")
	}
	if !claimed {
		rec, err := p.store.GetSession(sessionID)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeStorage, "failed to inspect session")
		}
		if rec == nil {
			return nil, apperrors.Newf(apperrors.ErrCodeResourceNotFound, "session %s not found", sessionID)
		}
		switch rec.Status {
		case storage.SessionStatusBusy:
			return nil, apperrors.Newf(apperrors.ErrCodeResourceBusy, "session %s is busy", sessionID).
				WithRetryable(true)
		case storage.SessionStatusDisconnected:
			return nil, apperrors.Newf(apperrors.ErrCodeResourceNotLoaded, "session %s is disconnected", sessionID)
		default:
			return nil, apperrors.Newf(apperrors.ErrCodeResourceUnavailable, "session %s is %s", sessionID, rec.Status)
		}
	}

	p.mu.Lock()
	sess, ok := p.handles[sessionID]
	p.mu.Unlock()
	if !ok {
		// Claimed a record whose live handle is gone. Surface it as
		// disconnected rather than leaving the row stuck on busy.
		if err := p.store.SetSessionStatus(sessionID, storage.SessionStatusDisconnected); err != nil {
			p.logger.Error(logging.CategoryPool, "status_update_failed", err.Error(), map[string]any{
				"session_id": sessionID,
			})
		}
		return nil, apperrors.Newf(apperrors.ErrCodeResourceNotLoaded,
			"session %s has no live handle", sessionID)
	}

	p.publish(ctx, sessionID, "claimed")
	return sess, nil
}

// Release returns a claimed session to the pool. Releasing a session
// that is not busy is a logged no-op so crash-recovery paths can call
// it unconditionally.
func (p *Pool) Release(ctx context.Context, sessionID string) error {
	released, err := p.store.ReleaseSession(sessionID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorage, "failed to release session")
	}
	if !released {
		p.logger.Warn(logging.CategoryPool, "redundant_release",
			"release of a session that was not busy", map[string]any{"session_id": sessionID})
		return nil
	}
	p.publish(ctx, sessionID, "released")
	return nil
}

// Reconnect opens a fresh handle for a disconnected session and makes
// it available again.
func (p *Pool) Reconnect(ctx context.Context, sessionID string) (*storage.SessionRecord, error) {
	rec, err := p.store.GetSession(sessionID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorage, "failed to load session")
	}
	if rec == nil {
		return nil, apperrors.Newf(apperrors.ErrCodeResourceNotFound, "session %s not found", sessionID)
	}
	if rec.Status != storage.SessionStatusDisconnected {
		return nil, apperrors.Newf(apperrors.ErrCodeInvalidStateTransition,
			"cannot reconnect session %s from status %s", sessionID, rec.Status)
	}

	sess, err := p.runtime.NewSession(ctx, driver.SessionConfig{SessionID: sessionID})
	if err != nil {
		return nil, err
	}

	if err := p.store.SetSessionHandle(sessionID, sess.HandleID()); err != nil {
		sess.Close()
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorage, "failed to record handle")
	}
	if err := p.store.SetSessionStatus(sessionID, storage.SessionStatusAvailable); err != nil {
		sess.Close()
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorage, "failed to update status")
	}

	p.mu.Lock()
	p.handles[sessionID] = sess
	p.mu.Unlock()

	p.logger.Info(logging.CategoryPool, "session_reconnected", "session has a new handle", map[string]any{
		"session_id": sessionID, "handle_id": sess.HandleID(),
	})
	p.publish(ctx, sessionID, "reconnected")
	return p.store.GetSession(sessionID)
}

// CloseSession permanently retires a session. Busy sessions cannot be
// closed; the claim is taken first so a concurrent acquire loses.
func (p *Pool) CloseSession(ctx context.Context, sessionID string) error {
	rec, err := p.store.GetSession(sessionID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorage, "failed to load session")
	}
	if rec == nil {
		return apperrors.Newf(apperrors.ErrCodeResourceNotFound, "session %s not found", sessionID)
	}
	switch rec.Status {
	case storage.SessionStatusClosed:
		return nil
	case storage.SessionStatusBusy:
		return apperrors.Newf(apperrors.ErrCodeResourceBusy, "session %s is busy", sessionID).
			WithRetryable(true)
	case storage.SessionStatusAvailable:
		claimed, err := p.store.ClaimSession(sessionID)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeStorage, "failed to claim session for close")
		}
		if !claimed {
			return apperrors.Newf(apperrors.ErrCodeResourceBusy, "session %s is busy", sessionID).
				WithRetryable(true)
		}
	}

	p.mu.Lock()
	sess, ok := p.handles[sessionID]
	delete(p.handles, sessionID)
	p.mu.Unlock()
	if ok {
		if err := sess.Close(); err != nil {
			p.logger.Warn(logging.CategoryPool, "handle_close_failed", err.Error(), map[string]any{
				"session_id": sessionID,
			})
		}
	}

	if err := p.store.SetSessionStatus(sessionID, storage.SessionStatusClosed); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorage, "failed to mark session closed")
	}

	p.logger.Info(logging.CategoryPool, "session_closed", "session retired", map[string]any{
		"session_id": sessionID,
	})
	p.publish(ctx, sessionID, "closed")
	return nil
}

// PurgeSession removes the durable record of a closed session. Job rows
// keep a foreign key to their session, so a session with job history
// cannot be purged until those jobs are deleted.
func (p *Pool) PurgeSession(ctx context.Context, sessionID string) error {
	rec, err := p.store.GetSession(sessionID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorage, "failed to load session")
	}
	if rec == nil {
		return apperrors.Newf(apperrors.ErrCodeResourceNotFound, "session %s not found", sessionID)
	}
	if rec.Status != storage.SessionStatusClosed {
		return apperrors.Newf(apperrors.ErrCodeInvalidStateTransition,
			"cannot purge session %s from status %s, close it first", sessionID, rec.Status)
	}

	referencing, err := p.store.ListJobs(storage.JobFilter{SessionID: sessionID}, 1, 0)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorage, "failed to check job history")
	}
	if len(referencing) > 0 {
		return apperrors.Newf(apperrors.ErrCodeInvalidStateTransition,
			"session %s still has job history, delete those jobs first", sessionID)
	}

	if err := p.store.DeleteSession(sessionID); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeStorage, "failed to delete session")
	}

	p.logger.Info(logging.CategoryPool, "session_purged", "session record removed", map[string]any{
		"session_id": sessionID,
	})
	p.publish(ctx, sessionID, "purged")
	return nil
}

// List returns all session records.
func (p *Pool) List() ([]storage.SessionRecord, error) {
	return p.store.ListSessions()
}

// Get returns one session record, or nil when unknown.
func (p *Pool) Get(sessionID string) (*storage.SessionRecord, error) {
	return p.store.GetSession(sessionID)
}

// Stats reports the pool census.
func (p *Pool) Stats() (Stats, error) {
	records, err := p.store.ListSessions()
	if err != nil {
		return Stats{}, apperrors.Wrap(err, apperrors.ErrCodeStorage, "failed to list sessions")
	}

	stats := Stats{Total: len(records)}
	for _, rec := range records {
		switch rec.Status {
		case storage.SessionStatusAvailable:
			stats.Available++
		case storage.SessionStatusBusy:
			stats.Busy++
		case storage.SessionStatusDisconnected:
			stats.Disconnected++
		case storage.SessionStatusClosed:
			stats.Closed++
		}
	}

	p.mu.Lock()
	stats.LiveHandles = len(p.handles)
	p.mu.Unlock()
	return stats, nil
}

// Close shuts every live handle and marks the survivors disconnected.
// Records stay in the store for the next run to reconcile.
func (p *Pool) Close() error {
	p.mu.Lock()
	handles := p.handles
	p.handles = make(map[string]driver.Session)
	p.mu.Unlock()

	var lastErr error
	for id, sess := range handles {
		if err := sess.Close(); err != nil {
			p.logger.Warn(logging.CategoryPool, "handle_close_failed", err.Error(), map[string]any{
				"session_id": id,
			})
			lastErr = err
		}
	}
	if _, err := p.store.MarkAllDisconnected(); err != nil {
		lastErr = err
	}
	return lastErr
}

type sessionEvent struct {
	Event     string    `json:"event"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

func (p *Pool) publish(ctx context.Context, sessionID, event string) {
	if p.events == nil {
		return
	}
	data, err := json.Marshal(sessionEvent{
		Event:     event,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if err := p.events.Publish(ctx, bus.SubjectSessionPrefix+sessionID, data); err != nil {
		p.logger.Debug(logging.CategoryPool, "event_publish_failed", err.Error(), map[string]any{
			"session_id": sessionID, "event": event,
		})
	}
}
