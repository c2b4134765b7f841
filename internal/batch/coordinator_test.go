package batch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/falcon-worker/internal/worker"
	"github.com/ChuLiYu/falcon-worker/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tasks(ids ...string) []*types.Task {
	out := make([]*types.Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, &types.Task{TaskID: id, TaskType: "resize"})
	}
	return out
}

func completed(ctx context.Context, task *types.Task) (*types.TaskResult, error) {
	return types.NewTaskResult(task), nil
}

func TestExecute_EmptyBatch(t *testing.T) {
	c := NewCoordinator(completed)

	b := c.Execute(context.Background(), worker.NewPool("resize", 2), nil)

	assert.Equal(t, NoTask, b.Status())
	assert.False(t, b.HasTask())
	assert.True(t, b.IsAllDone())
	assert.True(t, b.IsAllSuccessful())
	assert.Empty(t, b.Handles())
	assert.True(t, b.WaitTasksDone(time.Millisecond))
	assert.Equal(t, "NO_TASK", b.Status().String())
}

func TestExecute_AllSuccessful(t *testing.T) {
	c := NewCoordinator(completed)

	b := c.Execute(context.Background(), worker.NewPool("resize", 3), tasks("t1", "t2", "t3"))

	require.True(t, b.WaitTasksDone(time.Second))
	assert.Equal(t, HasTask, b.Status())
	assert.Equal(t, 3, b.Len())
	assert.Len(t, b.Handles(), 3)
	assert.True(t, b.IsAllDone())
	assert.True(t, b.IsAllSuccessful())
	assert.Zero(t, b.Failed())
}

// TestExecute_BoundedByThreadBudget runs 5 tasks on a budget of 3.
func TestExecute_BoundedByThreadBudget(t *testing.T) {
	var running, peak atomic.Int32
	c := NewCoordinator(func(ctx context.Context, task *types.Task) (*types.TaskResult, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return types.NewTaskResult(task), nil
	})

	b := c.Execute(context.Background(), worker.NewPool("resize", 3), tasks("1", "2", "3", "4", "5"))

	require.True(t, b.WaitTasksDone(time.Second))
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.True(t, b.IsAllSuccessful())
}

func TestExecute_FailedResultIsNotSuccessful(t *testing.T) {
	c := NewCoordinator(func(ctx context.Context, task *types.Task) (*types.TaskResult, error) {
		res := types.NewTaskResult(task)
		if task.TaskID == "t2" {
			res.Status = types.StatusFailed
		}
		return res, nil
	})

	b := c.Execute(context.Background(), worker.NewPool("resize", 3), tasks("t1", "t2", "t3"))

	require.True(t, b.WaitTasksDone(time.Second))
	assert.True(t, b.IsAllDone())
	assert.False(t, b.IsAllSuccessful())
	assert.Equal(t, 1, b.Failed())
}

func TestExecute_ReportErrorIsNotSuccessful(t *testing.T) {
	c := NewCoordinator(func(ctx context.Context, task *types.Task) (*types.TaskResult, error) {
		return types.NewTaskResult(task), errors.New("report rejected")
	})

	b := c.Execute(context.Background(), worker.NewPool("resize", 1), tasks("t1"))

	require.True(t, b.WaitTasksDone(time.Second))
	assert.False(t, b.IsAllSuccessful())
	assert.ErrorContains(t, b.Handles()[0].Err(), "report rejected")
}

func TestExecute_PanicIsNotSuccessful(t *testing.T) {
	c := NewCoordinator(func(ctx context.Context, task *types.Task) (*types.TaskResult, error) {
		panic("executor bug")
	})

	b := c.Execute(context.Background(), worker.NewPool("resize", 1), tasks("t1"))

	require.True(t, b.WaitTasksDone(time.Second))
	assert.False(t, b.IsAllSuccessful())
}

func TestExecute_InProgressCountsAsSuccessful(t *testing.T) {
	c := NewCoordinator(func(ctx context.Context, task *types.Task) (*types.TaskResult, error) {
		res := types.NewTaskResult(task)
		res.Status = types.StatusInProgress
		return res, nil
	})

	b := c.Execute(context.Background(), worker.NewPool("resize", 1), tasks("t1"))

	require.True(t, b.WaitTasksDone(time.Second))
	assert.True(t, b.IsAllSuccessful())
}

func TestExecute_ClosedPool(t *testing.T) {
	pool := worker.NewPool("resize", 1)
	pool.Stop(time.Millisecond)

	b := NewCoordinator(completed).Execute(context.Background(), pool, tasks("t1"))

	assert.True(t, b.HasTask())
	assert.True(t, b.IsAllDone())
	assert.False(t, b.IsAllSuccessful())
	assert.Empty(t, b.Handles())
}

func TestWaitTasksDone_CancelsStragglers(t *testing.T) {
	cancelled := make(chan struct{})
	c := NewCoordinator(func(ctx context.Context, task *types.Task) (*types.TaskResult, error) {
		if task.TaskID == "slow" {
			<-ctx.Done()
			close(cancelled)
			return nil, ctx.Err()
		}
		return types.NewTaskResult(task), nil
	})

	b := c.Execute(context.Background(), worker.NewPool("resize", 2), tasks("fast", "slow"))

	assert.False(t, b.WaitTasksDone(50*time.Millisecond))
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("straggler was not cancelled")
	}
	require.NoError(t, b.Wait(context.Background()))
	assert.True(t, b.IsAllDone())
	assert.False(t, b.IsAllSuccessful())
}

func TestWait_ContextEnds(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	c := NewCoordinator(func(ctx context.Context, task *types.Task) (*types.TaskResult, error) {
		<-release
		return types.NewTaskResult(task), nil
	})
	b := c.Execute(context.Background(), worker.NewPool("resize", 1), tasks("t1"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, b.Wait(ctx), context.DeadlineExceeded)
	assert.False(t, b.IsAllDone())
	assert.False(t, b.IsAllSuccessful())
}
