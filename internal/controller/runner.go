package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	"leadline/internal/audit"
	"leadline/internal/domain"
)

// Task is one unit-at-a-time workload. Next processes a single item and
// reports done when the workload is exhausted. An error marks the item
// failed but does not end the run by itself.
type Task interface {
	Name() string
	Next(ctx context.Context) (done bool, err error)
}

// TaskFunc adapts a closure into a Task.
type TaskFunc struct {
	TaskName string
	Fn       func(ctx context.Context) (bool, error)
}

func (t TaskFunc) Name() string { return t.TaskName }

func (t TaskFunc) Next(ctx context.Context) (bool, error) { return t.Fn(ctx) }

// Runner drives a Task item by item. Between items it honors the pause
// flag and the cancel signal, beats the heartbeat, and tracks a rolling
// error window; crossing the threshold escalates the whole run to error.
type Runner struct {
	ctrl *Controller
	task Task

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	cond   *sync.Cond
	paused bool

	errTimes []time.Time
	done     chan struct{}
}

func newRunner(c *Controller, task Task) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{ctrl: c, task: task, ctx: ctx, cancel: cancel, done: make(chan struct{})}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *Runner) start() {
	go r.loop()
}

// Pause blocks the loop before its next item. The in-flight item completes.
func (r *Runner) Pause() {
	r.mu.Lock()
	r.paused = true
	r.mu.Unlock()
}

func (r *Runner) Resume() {
	r.mu.Lock()
	r.paused = false
	r.mu.Unlock()
	r.cond.Broadcast()
}

// Cancel requests a graceful drain. A paused runner wakes to observe it.
func (r *Runner) Cancel() {
	r.cancel()
	r.cond.Broadcast()
}

// Wait blocks until the loop has exited and the agent state is settled.
func (r *Runner) Wait() {
	<-r.done
}

// waitIfPaused parks until resumed or cancelled. Returns false on cancel.
func (r *Runner) waitIfPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.paused {
		if r.ctx.Err() != nil {
			return false
		}
		r.cond.Wait()
	}
	return r.ctx.Err() == nil
}

func (r *Runner) loop() {
	defer close(r.done)
	cfg := r.ctrl.Config
	for {
		if !r.waitIfPaused() {
			r.drain()
			return
		}

		itemCtx := r.ctx
		var cancelItem context.CancelFunc
		if cfg.Runner.ItemTimeout > 0 {
			itemCtx, cancelItem = context.WithTimeout(r.ctx, cfg.Runner.ItemTimeout)
		}
		finished, err := r.task.Next(itemCtx)
		if cancelItem != nil {
			cancelItem()
		}

		if r.ctx.Err() != nil {
			r.drain()
			return
		}
		if hbErr := r.ctrl.Repo.UpdateHeartbeat(r.ctx, r.ctrl.now(), r.task.Name()); hbErr != nil {
			if errors.Is(hbErr, context.Canceled) {
				r.drain()
				return
			}
			r.escalate(hbErr)
			return
		}
		if err != nil {
			_ = r.ctrl.Audit.AppendDirect(r.ctx, audit.EntitySystem, "agent", "runner", r.task.Name(), audit.ResultError, audit.Details{
				"error": err.Error(),
			})
			if r.recordError() {
				r.escalate(err)
				return
			}
		}
		if finished {
			r.ctrl.settle(domain.AgentIdle, "")
			return
		}
	}
}

// recordError adds one failure to the rolling window and reports whether
// the threshold is now crossed.
func (r *Runner) recordError() bool {
	cfg := r.ctrl.Config
	now := r.ctrl.now()
	cutoff := now.Add(-cfg.Runner.ErrorWindow)
	kept := r.errTimes[:0]
	for _, t := range r.errTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.errTimes = append(kept, now)
	return len(r.errTimes) >= cfg.Runner.ErrorThreshold
}

// drain finishes a cancelled run: stuck sends go back to queued so a later
// run can retry them, then the agent settles in idle.
func (r *Runner) drain() {
	ctx := context.Background()
	if n, err := r.ctrl.Repo.RequeueStuckSending(ctx, r.ctrl.now()); err == nil && n > 0 {
		_ = r.ctrl.Audit.AppendDirect(ctx, audit.EntitySystem, "agent", "runner", "requeue_stuck", audit.ResultSuccess, audit.Details{
			"count": n,
		})
	}
	r.ctrl.settle(domain.AgentIdle, "")
}

// escalate records the fatal condition and parks the agent in error.
func (r *Runner) escalate(err error) {
	r.ctrl.settle(domain.AgentError, err.Error())
}
