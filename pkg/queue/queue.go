// Package queue provides the durable delivery substrate for jobs: named
// queues with priorities, delayed entries, leases, and at-least-once
// redelivery. Two brokers exist, an in-process one for tests and
// single-node setups and a sqlite-backed one that survives restarts.
package queue

import (
	"context"
	"fmt"
	"time"
)

// Entry is one claimed delivery. Attempts counts every claim of this
// entry, including reclaims after a lease expired.
type Entry struct {
	ID       string
	Queue    string
	Payload  []byte
	Priority int
	Attempts int
}

// Options tunes an enqueue. Lower Priority values are served first;
// Delay keeps the entry invisible for the given duration.
type Options struct {
	Priority int
	Delay    time.Duration
}

// Broker is the delivery contract. Dequeue blocks until an entry is
// claimable or the context ends. Every claimed entry must be settled
// with exactly one of Ack, Nack, or Bury.
type Broker interface {
	Enqueue(ctx context.Context, queue string, payload []byte, opts Options) (string, error)
	Dequeue(ctx context.Context, queue string) (*Entry, error)
	Ack(ctx context.Context, entryID string) error
	Nack(ctx context.Context, entryID string, delay time.Duration) error
	Bury(ctx context.Context, entryID string) error
	Depth(ctx context.Context, queue string) (int, error)
	Clean(ctx context.Context, queue string, olderThan time.Duration) (int, error)
	Close() error
}

// RequeueError asks the worker to return the entry to the queue after a
// delay without treating the delivery as a failure. Handlers return it
// when the resource they need is only temporarily unavailable.
type RequeueError struct {
	After  time.Duration
	Reason string
}

func (e *RequeueError) Error() string {
	return fmt.Sprintf("requeue after %s: %s", e.After, e.Reason)
}

// Backoff computes the redelivery delay for the given attempt number
// (1-based): base doubled per prior attempt, capped.
func Backoff(base, cap time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}
