// ============================================================================
// Falcon Worker - Batch Execution Coordinator
// ============================================================================
//
// Package: internal/batch
// File: coordinator.go
// Purpose: Run one polled batch on a worker's pool and track how it ended
//
// Flow:
//
//   tasks ──▶ Execute(ctx, pool, tasks)
//               │  for each task: pool.Go(exec(task))   (≤ ThreadBudget at once)
//               ▼
//             Batch
//               ├─ Status()           NoTask | HasTask
//               ├─ IsAllDone()        every handle finished
//               ├─ IsAllSuccessful()  every task executed and reported OK
//               └─ WaitTasksDone(t)   wait, then cancel stragglers
//
// A task counts as successful when its result status is not a failure and
// the report call returned no error. The scheduler uses the batch outcome to
// decide whether to poll again right away.
//
// ============================================================================

package batch

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/falcon-worker/internal/worker"
	"github.com/ChuLiYu/falcon-worker/pkg/types"
)

// Status says whether a batch carried any tasks.
type Status int

const (
	NoTask Status = iota
	HasTask
)

func (s Status) String() string {
	if s == HasTask {
		return "HAS_TASK"
	}
	return "NO_TASK"
}

// Executor runs a task and reports its result. reportErr is the error
// returned by the report call, if any.
type Executor func(ctx context.Context, task *types.Task) (result *types.TaskResult, reportErr error)

// Coordinator runs batches through an Executor.
type Coordinator struct {
	exec Executor
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(exec Executor) *Coordinator {
	return &Coordinator{exec: exec}
}

type item struct {
	task   *types.Task
	handle *worker.Handle
	ok     atomic.Bool
	err    error // submission error
}

func (it *item) done() bool {
	return it.handle == nil || it.handle.IsDone()
}

// Batch is one polled batch in flight.
type Batch struct {
	status Status
	items  []*item
}

// Execute submits every task to pool and returns without waiting for them
// to finish. Submission blocks while the pool is full. A task that cannot be
// submitted is counted as done and unsuccessful.
func (c *Coordinator) Execute(ctx context.Context, pool *worker.Pool, tasks []*types.Task) *Batch {
	b := &Batch{status: NoTask}
	if len(tasks) == 0 {
		return b
	}
	b.status = HasTask
	b.items = make([]*item, 0, len(tasks))

	for _, task := range tasks {
		it := &item{task: task}
		b.items = append(b.items, it)

		h, err := pool.Go(ctx, func(ctx context.Context) error {
			result, reportErr := c.exec(ctx, task)
			if reportErr != nil {
				return reportErr
			}
			if result != nil && !result.Status.IsFailure() {
				it.ok.Store(true)
			}
			return nil
		})
		if err != nil {
			it.err = err
			continue
		}
		it.handle = h
	}
	return b
}

// Status reports whether the batch had tasks.
func (b *Batch) Status() Status { return b.status }

// HasTask reports whether the batch had tasks.
func (b *Batch) HasTask() bool { return b.status == HasTask }

// Len returns the number of tasks in the batch.
func (b *Batch) Len() int { return len(b.items) }

// Handles returns the handle of every submitted task.
func (b *Batch) Handles() []*worker.Handle {
	out := make([]*worker.Handle, 0, len(b.items))
	for _, it := range b.items {
		if it.handle != nil {
			out = append(out, it.handle)
		}
	}
	return out
}

// IsAllDone reports whether every task has finished.
func (b *Batch) IsAllDone() bool {
	for _, it := range b.items {
		if !it.done() {
			return false
		}
	}
	return true
}

// IsAllSuccessful reports whether every task finished successfully.
// An empty batch is trivially successful.
func (b *Batch) IsAllSuccessful() bool {
	for _, it := range b.items {
		if !it.done() || !it.ok.Load() {
			return false
		}
	}
	return true
}

// Failed returns the number of finished tasks that did not succeed.
func (b *Batch) Failed() int {
	n := 0
	for _, it := range b.items {
		if it.done() && !it.ok.Load() {
			n++
		}
	}
	return n
}

// Wait blocks until every task finishes or ctx ends.
func (b *Batch) Wait(ctx context.Context) error {
	for _, it := range b.items {
		if it.handle == nil {
			continue
		}
		select {
		case <-it.handle.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// WaitTasksDone waits up to timeout for the batch. Tasks still running at
// the deadline are cancelled. It returns whether everything finished in time.
func (b *Batch) WaitTasksDone(timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := b.Wait(ctx); err == nil {
		return true
	}
	for _, it := range b.items {
		if it.handle != nil && !it.handle.IsDone() {
			it.handle.Cancel()
		}
	}
	return false
}
