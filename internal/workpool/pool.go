// Package workpool provides a bounded pool for fanning out independent tasks.
package workpool

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultLimit is the number of tasks allowed in flight when no limit is configured.
const DefaultLimit = 64

// Task is a unit of work run by the pool.
//
// The context passed to a task is not cancelled when the pool is cancelled: once a
// task has started it runs to completion, bounded only by the task timeout.
type Task func(ctx context.Context) error

// Option configures a Pool.
type Option func(*Pool)

// WithTaskTimeout bounds every task with the given timeout.
// A zero or negative value leaves tasks unbounded.
func WithTaskTimeout(timeout time.Duration) Option {
	return func(p *Pool) {
		p.taskTimeout = timeout
	}
}

// Pool runs tasks with at most a fixed number in flight.
//
// Go blocks while the pool is full, so a producer feeding the pool from a stream
// never reads further ahead than the limit allows. The first task failure cancels
// the pool: tasks that have not started yet are skipped and Go refuses new work.
type Pool struct {
	parent      context.Context
	ctx         context.Context
	cancel      context.CancelFunc
	group       *errgroup.Group
	taskCtx     context.Context
	taskTimeout time.Duration
}

// New creates a pool bound to ctx that runs at most limit tasks at once.
func New(ctx context.Context, limit int, opts ...Option) *Pool {
	if limit <= 0 {
		limit = DefaultLimit
	}

	cctx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(cctx)
	group.SetLimit(limit)

	p := &Pool{
		parent:  ctx,
		ctx:     gctx,
		cancel:  cancel,
		group:   group,
		taskCtx: context.WithoutCancel(ctx),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Go schedules task, blocking until a slot is free.
// It returns false without scheduling anything once the pool has been cancelled.
func (p *Pool) Go(task Task) bool {
	if p.ctx.Err() != nil {
		return false
	}

	p.group.Go(func() error {
		// Cancelled while waiting for a slot
		if p.ctx.Err() != nil {
			return nil
		}

		ctx := p.taskCtx
		if p.taskTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, p.taskTimeout)
			defer cancel()
		}
		return task(ctx)
	})
	return true
}

// Cancel stops the pool from starting further tasks. Running tasks are not interrupted.
func (p *Pool) Cancel() {
	p.cancel()
}

// Done is closed once the pool has been cancelled for any reason.
func (p *Pool) Done() <-chan struct{} {
	return p.ctx.Done()
}

// Wait blocks until every scheduled task has returned.
//
// It returns the first task error. If no task failed but the parent context was
// cancelled, the parent's error is returned so callers cannot mistake an
// interrupted batch for a complete one. Cancel alone does not produce an error.
func (p *Pool) Wait() error {
	defer p.cancel()

	if err := p.group.Wait(); err != nil {
		return err
	}
	return p.parent.Err()
}
