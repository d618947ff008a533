package storage

import (
	"database/sql"
	"time"
)

// Queue entry status slugs.
const (
	EntryStatusReady  = "ready"
	EntryStatusLeased = "leased"
	EntryStatusDone   = "done"
	EntryStatusDead   = "dead"
)

// QueueEntryRecord is one durable broker entry. Priority follows the single
// convention used everywhere: lower numeric value is served first.
type QueueEntryRecord struct {
	ID        string
	Queue     string
	Payload   []byte
	Priority  int
	Status    string
	Attempts  int
	NotBefore time.Time
	CreatedAt time.Time
}

// EnqueueEntry inserts a ready entry.
func (s *Store) EnqueueEntry(rec *QueueEntryRecord) error {
	now := time.Now()
	created := rec.CreatedAt
	if created.IsZero() {
		created = now
	}
	notBefore := rec.NotBefore
	if notBefore.IsZero() {
		notBefore = now
	}

	_, err := s.execRetry(`
		INSERT INTO queue_entries (entry_id, queue, payload, priority, status, attempts, not_before_ms, created_ms, updated_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Queue, rec.Payload, rec.Priority, EntryStatusReady, rec.Attempts,
		notBefore.UnixMilli(), created.UnixMilli(), now.UnixMilli())
	return err
}

// ClaimEntry leases the best ready entry: lowest priority value first, then
// FIFO by insertion. Entries whose lease expired are reclaimable in the same
// predicate, which is what recovers work from a worker that died
// mid-processing. Returns nil, nil when nothing is claimable.
func (s *Store) ClaimEntry(queue string, leaseTTL time.Duration) (*QueueEntryRecord, error) {
	now := time.Now()
	nowMs := now.UnixMilli()
	leaseMs := now.Add(leaseTTL).UnixMilli()

	var rec QueueEntryRecord
	err := s.db.QueryRow(`
		UPDATE queue_entries
		SET status = ?, attempts = attempts + 1, lease_ms = ?, updated_ms = ?
		WHERE entry_id = (
			SELECT entry_id FROM queue_entries
			WHERE queue = ?
			  AND not_before_ms <= ?
			  AND (status = ? OR (status = ? AND lease_ms IS NOT NULL AND lease_ms < ?))
			ORDER BY priority ASC, created_ms ASC
			LIMIT 1
		)
		RETURNING entry_id, payload, priority, attempts
	`, EntryStatusLeased, leaseMs, nowMs,
		queue, nowMs, EntryStatusReady, EntryStatusLeased, nowMs,
	).Scan(&rec.ID, &rec.Payload, &rec.Priority, &rec.Attempts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.Queue = queue
	rec.Status = EntryStatusLeased
	return &rec, nil
}

// AckEntry marks a leased entry done. The row is kept until CleanQueue so
// terminal entries remain inspectable for the grace period.
func (s *Store) AckEntry(entryID string) error {
	_, err := s.execRetry(`
		UPDATE queue_entries SET status = ?, lease_ms = NULL, updated_ms = ?
		WHERE entry_id = ? AND status = ?
	`, EntryStatusDone, time.Now().UnixMilli(), entryID, EntryStatusLeased)
	return err
}

// NackEntry returns a leased entry to ready, optionally delayed.
func (s *Store) NackEntry(entryID string, notBefore time.Time) error {
	_, err := s.execRetry(`
		UPDATE queue_entries SET status = ?, lease_ms = NULL, not_before_ms = ?, updated_ms = ?
		WHERE entry_id = ? AND status = ?
	`, EntryStatusReady, notBefore.UnixMilli(), time.Now().UnixMilli(), entryID, EntryStatusLeased)
	return err
}

// BuryEntry marks an entry dead after its attempts are exhausted.
func (s *Store) BuryEntry(entryID string) error {
	_, err := s.execRetry(`
		UPDATE queue_entries SET status = ?, lease_ms = NULL, updated_ms = ?
		WHERE entry_id = ?
	`, EntryStatusDead, time.Now().UnixMilli(), entryID)
	return err
}

// QueueDepth counts entries still waiting for (re)delivery.
func (s *Store) QueueDepth(queue string) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM queue_entries
		WHERE queue = ? AND status IN (?, ?)
	`, queue, EntryStatusReady, EntryStatusLeased).Scan(&n)
	return n, err
}

// CleanQueue purges terminal entries older than the cutoff. Advisory only;
// failures are reported but nothing depends on the purge for correctness.
func (s *Store) CleanQueue(queue string, olderThan time.Time) (int, error) {
	res, err := s.execRetry(`
		DELETE FROM queue_entries
		WHERE queue = ? AND status IN (?, ?) AND updated_ms < ?
	`, queue, EntryStatusDone, EntryStatusDead, olderThan.UnixMilli())
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}
