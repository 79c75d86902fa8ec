// Package tasks runs fire-and-forget side effects off the response critical
// path. Tasks are submitted to a channel and consumed by a worker pool;
// failures are captured and logged, never propagated to the caller.
package tasks

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/zhangyuhan0377/zyh.ai/internal/observability"
)

// Scheduler is the contract the orchestrator depends on. The runner gives
// no ordering or completion guarantee across tasks; ordering-sensitive
// sequences must be composed into one submitted function.
type Scheduler interface {
	Schedule(name string, fn func(context.Context) error)
}

type task struct {
	name string
	fn   func(context.Context) error
}

type Runner struct {
	queue   chan task
	baseCtx context.Context
	cancel  context.CancelFunc
	logger  *zap.SugaredLogger
	metrics *observability.Metrics

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewRunner(workers, queueSize int, logger *zap.SugaredLogger, metrics *observability.Metrics) *Runner {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		queue:   make(chan task, queueSize),
		baseCtx: ctx,
		cancel:  cancel,
		logger:  logger,
		metrics: metrics,
	}

	for i := 0; i < workers; i++ {
		go r.worker()
	}
	return r
}

// Schedule submits a task without ever blocking the caller. When the queue
// is full the task runs on its own goroutine instead of being dropped.
func (r *Runner) Schedule(name string, fn func(context.Context) error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.logger.Warnw("task rejected, runner closed", "task", name)
		r.observe(name, "rejected")
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	t := task{name: name, fn: fn}
	select {
	case r.queue <- t:
	default:
		go func() {
			defer r.wg.Done()
			r.execute(t)
		}()
	}
}

// Close stops accepting tasks and waits for the in-flight ones to finish.
func (r *Runner) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.wg.Wait()
	close(r.queue)
	r.cancel()
}

func (r *Runner) worker() {
	for t := range r.queue {
		r.execute(t)
		r.wg.Done()
	}
}

func (r *Runner) execute(t task) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Errorw("background task panicked", "task", t.name, "panic", rec)
			r.observe(t.name, "panic")
		}
	}()

	if err := t.fn(r.baseCtx); err != nil {
		// Failures here are a reconciliation concern; the response that
		// scheduled this task has already been delivered.
		r.logger.Errorw("background task failed", "task", t.name, "error", err)
		r.observe(t.name, "error")
		return
	}
	r.observe(t.name, "ok")
}

func (r *Runner) observe(name, outcome string) {
	if r.metrics != nil {
		r.metrics.ObserveTask(name, outcome)
	}
}
