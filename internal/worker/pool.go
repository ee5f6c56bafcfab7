// Package worker runs background jobs on a bounded number of goroutines.
//
// Jobs are submitted without blocking the caller; a weighted semaphore caps
// how many run at once. The pool is shared by every open document for
// clustering recomputes, record packing, and snapshot writes.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("worker: pool is closed")

// Job is a unit of background work. ctx is cancelled when the pool closes.
type Job func(ctx context.Context)

// Pool bounds concurrent background work.
type Pool struct {
	sem    *semaphore.Weighted
	size   int
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	running atomic.Int64
	queued  atomic.Int64
	panics  atomic.Uint64
}

// NewPool creates a pool running at most size jobs at once.
func NewPool(size int, logger *slog.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:    semaphore.NewWeighted(int64(size)),
		size:   size,
		logger: logger.With("component", "worker"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit schedules job. It never blocks on a busy pool.
func (p *Pool) Submit(name string, job Job) error {
	if p.closed.Load() {
		return ErrClosed
	}
	p.wg.Add(1)
	p.queued.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			p.queued.Add(-1)
			return
		}
		p.queued.Add(-1)
		if p.ctx.Err() != nil {
			p.sem.Release(1)
			return
		}
		p.running.Add(1)
		defer func() {
			p.running.Add(-1)
			p.sem.Release(1)
			if r := recover(); r != nil {
				p.panics.Add(1)
				p.logger.Error("background job panicked",
					"job", name,
					"panic", fmt.Sprint(r),
					"stack", string(debug.Stack()))
			}
		}()
		job(p.ctx)
	}()
	return nil
}

// Size returns the concurrency limit.
func (p *Pool) Size() int { return p.size }

// Stats reports running and waiting jobs.
func (p *Pool) Stats() (running, queued int64, panics uint64) {
	return p.running.Load(), p.queued.Load(), p.panics.Load()
}

// Close cancels running jobs and waits for them to return. Jobs still
// waiting for a slot are dropped without running.
func (p *Pool) Close() {
	if p.closed.Swap(true) {
		return
	}
	p.cancel()
	p.wg.Wait()
}
