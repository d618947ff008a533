package queue

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	apperrors "github.com/halverson/courier/pkg/errors"
)

const (
	memStatusReady  = "ready"
	memStatusLeased = "leased"
)

type memEntry struct {
	Entry
	status     string
	notBefore  time.Time
	leaseUntil time.Time
	updatedAt  time.Time
	terminal   bool
	dead       bool
	seq        uint64
}

// MemoryBroker is the in-process broker. Semantics mirror the sqlite
// broker, lease expiry included, so the two are interchangeable.
type MemoryBroker struct {
	mu       sync.Mutex
	entries  map[string]*memEntry
	wake     chan struct{}
	leaseTTL time.Duration
	seq      uint64
	closed   bool
}

// NewMemoryBroker creates a broker whose claims expire after leaseTTL.
func NewMemoryBroker(leaseTTL time.Duration) *MemoryBroker {
	if leaseTTL <= 0 {
		leaseTTL = time.Minute
	}
	return &MemoryBroker{
		entries:  make(map[string]*memEntry),
		wake:     make(chan struct{}),
		leaseTTL: leaseTTL,
	}
}

func (b *MemoryBroker) Enqueue(_ context.Context, queue string, payload []byte, opts Options) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", apperrors.New(apperrors.ErrCodeQueueBroker, "broker is closed")
	}

	now := time.Now()
	b.seq++
	id := ulid.Make().String()
	buf := make([]byte, len(payload))
	copy(buf, payload)

	b.entries[id] = &memEntry{
		Entry: Entry{
			ID:       id,
			Queue:    queue,
			Payload:  buf,
			Priority: opts.Priority,
		},
		status:    memStatusReady,
		notBefore: now.Add(opts.Delay),
		updatedAt: now,
		seq:       b.seq,
	}
	b.broadcast()
	return id, nil
}

// Dequeue blocks until an entry is claimable: ready past its delay, or
// leased past its lease. Lower priority value wins, then enqueue order.
func (b *MemoryBroker) Dequeue(ctx context.Context, queue string) (*Entry, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, apperrors.New(apperrors.ErrCodeQueueBroker, "broker is closed")
		}

		now := time.Now()
		var best *memEntry
		var nextDeadline time.Time
		for _, e := range b.entries {
			if e.Queue != queue || e.terminal {
				continue
			}
			var claimableAt time.Time
			switch e.status {
			case memStatusReady:
				claimableAt = e.notBefore
			case memStatusLeased:
				claimableAt = e.leaseUntil
			}
			if claimableAt.After(now) {
				if nextDeadline.IsZero() || claimableAt.Before(nextDeadline) {
					nextDeadline = claimableAt
				}
				continue
			}
			if best == nil || e.Priority < best.Priority ||
				(e.Priority == best.Priority && e.seq < best.seq) {
				best = e
			}
		}

		if best != nil {
			best.status = memStatusLeased
			best.leaseUntil = now.Add(b.leaseTTL)
			best.updatedAt = now
			best.Attempts++
			claimed := best.Entry
			claimed.Attempts = best.Attempts
			b.mu.Unlock()
			return &claimed, nil
		}

		wake := b.wake
		b.mu.Unlock()

		var timer *time.Timer
		var timerC <-chan time.Time
		if !nextDeadline.IsZero() {
			timer = time.NewTimer(time.Until(nextDeadline))
			timerC = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		case <-wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (b *MemoryBroker) Ack(_ context.Context, entryID string) error {
	return b.settle(entryID, false)
}

func (b *MemoryBroker) Nack(_ context.Context, entryID string, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[entryID]
	if !ok || e.terminal || e.status != memStatusLeased {
		return apperrors.Newf(apperrors.ErrCodeQueueBroker, "entry %s is not leased", entryID)
	}
	e.status = memStatusReady
	e.notBefore = time.Now().Add(delay)
	e.updatedAt = time.Now()
	b.broadcast()
	return nil
}

func (b *MemoryBroker) Bury(_ context.Context, entryID string) error {
	return b.settle(entryID, true)
}

func (b *MemoryBroker) settle(entryID string, dead bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[entryID]
	if !ok {
		return apperrors.Newf(apperrors.ErrCodeQueueBroker, "unknown entry %s", entryID)
	}
	e.terminal = true
	e.dead = dead
	e.status = ""
	e.updatedAt = time.Now()
	return nil
}

func (b *MemoryBroker) Depth(_ context.Context, queue string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.entries {
		if e.Queue == queue && !e.terminal {
			n++
		}
	}
	return n, nil
}

func (b *MemoryBroker) Clean(_ context.Context, queue string, olderThan time.Duration) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for id, e := range b.entries {
		if e.Queue == queue && e.terminal && e.updatedAt.Before(cutoff) {
			delete(b.entries, id)
			removed++
		}
	}
	return removed, nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		b.broadcast()
	}
	return nil
}

// broadcast wakes every blocked Dequeue. Callers hold b.mu.
func (b *MemoryBroker) broadcast() {
	close(b.wake)
	b.wake = make(chan struct{})
}
