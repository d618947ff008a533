package queue

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"

	apperrors "github.com/halverson/courier/pkg/errors"
	"github.com/halverson/courier/pkg/storage"
)

// SQLiteBroker is the durable broker. Entries live in the shared store,
// so pending and delayed work survives a process restart; claims from a
// worker that died are recovered when their lease expires.
type SQLiteBroker struct {
	store        *storage.Store
	leaseTTL     time.Duration
	pollInterval time.Duration
}

// NewSQLiteBroker wraps the store. Dequeue polls at pollInterval since
// sqlite has no push notification channel.
func NewSQLiteBroker(store *storage.Store, leaseTTL, pollInterval time.Duration) *SQLiteBroker {
	if leaseTTL <= 0 {
		leaseTTL = time.Minute
	}
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}
	return &SQLiteBroker{store: store, leaseTTL: leaseTTL, pollInterval: pollInterval}
}

func (b *SQLiteBroker) Enqueue(_ context.Context, queue string, payload []byte, opts Options) (string, error) {
	id := ulid.Make().String()
	err := b.store.EnqueueEntry(&storage.QueueEntryRecord{
		ID:        id,
		Queue:     queue,
		Payload:   payload,
		Priority:  opts.Priority,
		NotBefore: time.Now().Add(opts.Delay),
	})
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeQueueBroker, "failed to enqueue entry")
	}
	return id, nil
}

func (b *SQLiteBroker) Dequeue(ctx context.Context, queue string) (*Entry, error) {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		rec, err := b.store.ClaimEntry(queue, b.leaseTTL)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeQueueBroker, "failed to claim entry")
		}
		if rec != nil {
			return &Entry{
				ID:       rec.ID,
				Queue:    queue,
				Payload:  rec.Payload,
				Priority: rec.Priority,
				Attempts: rec.Attempts,
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (b *SQLiteBroker) Ack(_ context.Context, entryID string) error {
	if err := b.store.AckEntry(entryID); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeQueueBroker, "failed to ack entry")
	}
	return nil
}

func (b *SQLiteBroker) Nack(_ context.Context, entryID string, delay time.Duration) error {
	if err := b.store.NackEntry(entryID, time.Now().Add(delay)); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeQueueBroker, "failed to nack entry")
	}
	return nil
}

func (b *SQLiteBroker) Bury(_ context.Context, entryID string) error {
	if err := b.store.BuryEntry(entryID); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeQueueBroker, "failed to bury entry")
	}
	return nil
}

func (b *SQLiteBroker) Depth(_ context.Context, queue string) (int, error) {
	return b.store.QueueDepth(queue)
}

func (b *SQLiteBroker) Clean(_ context.Context, queue string, olderThan time.Duration) (int, error) {
	return b.store.CleanQueue(queue, time.Now().Add(-olderThan))
}

// Close is a no-op; the shared store is owned by the caller.
func (b *SQLiteBroker) Close() error { return nil }
