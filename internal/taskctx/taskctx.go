// ============================================================================
// Falcon Worker - Task Execution Context
// ============================================================================
//
// Package: internal/taskctx
// File: taskctx.go
// Purpose: Per-invocation carrier of task identity and the result in progress
//
// A Context is created for exactly one task execution and travels inside the
// context.Context handed to the handler. Handlers reach it with FromContext
// instead of taking an extra parameter:
//
//	func charge(ctx context.Context, amount float64) (string, error) {
//	    if tc, ok := taskctx.FromContext(ctx); ok {
//	        tc.Log("charging %.2f", amount)
//	        tc.SetCallbackAfter(30 * time.Second)
//	    }
//	    ...
//	}
//
// Concurrency:
//   Two executions never share a Context. A handler may pass ctx to its own
//   goroutines, so all mutators lock.
//
// ============================================================================

package taskctx

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/falcon-worker/pkg/types"
)

type ctxKey struct{}

// Context holds the task being executed and its result in progress.
type Context struct {
	task *types.Task

	mu     sync.Mutex
	result *types.TaskResult
}

// New creates a Context for task with an empty COMPLETED result.
func New(task *types.Task) *Context {
	return &Context{
		task:   task,
		result: types.NewTaskResult(task),
	}
}

// With attaches tc to ctx.
func With(ctx context.Context, tc *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, tc)
}

// FromContext returns the execution context attached to ctx, if any.
func FromContext(ctx context.Context) (*Context, bool) {
	tc, ok := ctx.Value(ctxKey{}).(*Context)
	return tc, ok && tc != nil
}

func (c *Context) TaskID() string             { return c.task.TaskID }
func (c *Context) TaskType() string           { return c.task.TaskType }
func (c *Context) WorkflowInstanceID() string { return c.task.WorkflowInstanceID }
func (c *Context) RetryCount() int            { return c.task.RetryCount }
func (c *Context) PollCount() int             { return c.task.PollCount }

// Task returns the task being executed.
func (c *Context) Task() *types.Task { return c.task }

// Log appends a formatted line to the result's logs.
func (c *Context) Log(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result.AddLog(fmt.Sprintf(format, args...))
}

// SetCallbackAfter asks the server to redeliver the task after d. Any
// positive value turns a non-failed result into IN_PROGRESS.
func (c *Context) SetCallbackAfter(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	secs := int64(d / time.Second)
	if secs <= 0 && d > 0 {
		secs = 1
	}
	c.result.CallbackAfterSeconds = secs
}

// CallbackAfter returns the callback delay requested so far.
func (c *Context) CallbackAfter() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Duration(c.result.CallbackAfterSeconds) * time.Second
}

// SetOutput stores a value in the output payload ahead of coercion.
func (c *Context) SetOutput(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result.OutputData[key] = value
}

// Result returns the result in progress. Callers outside the handler must
// only use it after the handler returned.
func (c *Context) Result() *types.TaskResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}
