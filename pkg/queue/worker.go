package queue

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/halverson/courier/pkg/errors"
	"github.com/halverson/courier/pkg/logging"
)

// Handler processes one claimed entry. Return values drive the entry
// lifecycle: nil acks, *RequeueError nacks after the requested delay, a
// retryable error nacks with exponential backoff, anything else buries.
type Handler func(ctx context.Context, entry *Entry) error

// WorkerPoolConfig sizes one pool and its backoff curve.
type WorkerPoolConfig struct {
	Queue       string
	Workers     int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// WorkerPool drains one queue with a fixed number of workers.
type WorkerPool struct {
	broker  Broker
	handler Handler
	logger  *logging.Logger
	cfg     WorkerPoolConfig
}

func NewWorkerPool(broker Broker, handler Handler, logger *logging.Logger, cfg WorkerPoolConfig) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = time.Minute
	}
	return &WorkerPool{broker: broker, handler: handler, logger: logger, cfg: cfg}
}

// Run blocks until the context ends; all workers drain in lockstep.
func (p *WorkerPool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		g.Go(func() error {
			p.loop(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (p *WorkerPool) loop(ctx context.Context) {
	for {
		entry, err := p.broker.Dequeue(ctx, p.cfg.Queue)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error(logging.CategoryQueue, "dequeue_failed", err.Error(), map[string]any{
				"queue": p.cfg.Queue,
			})
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.BackoffBase):
			}
			continue
		}
		p.process(ctx, entry)
	}
}

func (p *WorkerPool) process(ctx context.Context, entry *Entry) {
	err := p.handler(ctx, entry)
	if err == nil {
		if ackErr := p.broker.Ack(ctx, entry.ID); ackErr != nil {
			p.logger.Error(logging.CategoryQueue, "ack_failed", ackErr.Error(), map[string]any{
				"queue": p.cfg.Queue, "entry_id": entry.ID,
			})
		}
		return
	}

	var requeue *RequeueError
	if errors.As(err, &requeue) {
		p.logger.Info(logging.CategoryQueue, "entry_requeued", requeue.Reason, map[string]any{
			"queue": p.cfg.Queue, "entry_id": entry.ID, "delay_ms": requeue.After.Milliseconds(),
		})
		p.settleNack(ctx, entry, requeue.After)
		return
	}

	if apperrors.IsRetryable(err) {
		delay := Backoff(p.cfg.BackoffBase, p.cfg.BackoffCap, entry.Attempts)
		p.logger.Warn(logging.CategoryQueue, "entry_retrying", err.Error(), map[string]any{
			"queue": p.cfg.Queue, "entry_id": entry.ID,
			"attempt": entry.Attempts, "delay_ms": delay.Milliseconds(),
		})
		p.settleNack(ctx, entry, delay)
		return
	}

	p.logger.Error(logging.CategoryQueue, "entry_buried", err.Error(), map[string]any{
		"queue": p.cfg.Queue, "entry_id": entry.ID, "attempt": entry.Attempts,
	})
	if buryErr := p.broker.Bury(ctx, entry.ID); buryErr != nil {
		p.logger.Error(logging.CategoryQueue, "bury_failed", buryErr.Error(), map[string]any{
			"queue": p.cfg.Queue, "entry_id": entry.ID,
		})
	}
}

func (p *WorkerPool) settleNack(ctx context.Context, entry *Entry, delay time.Duration) {
	if err := p.broker.Nack(ctx, entry.ID, delay); err != nil {
		p.logger.Error(logging.CategoryQueue, "nack_failed", err.Error(), map[string]any{
			"queue": p.cfg.Queue, "entry_id": entry.ID,
		})
	}
}
