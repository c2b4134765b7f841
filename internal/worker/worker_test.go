package worker

// ============================================================================
// Worker Test File
// Purpose: Verify handler registration, bounded execution, graceful shutdown
// ============================================================================

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/falcon-worker/internal/binder"
	"github.com/ChuLiYu/falcon-worker/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Handler Tests
// ============================================================================

func TestNew_Defaults(t *testing.T) {
	h, err := New("echo", func(in map[string]any) map[string]any { return in })
	require.NoError(t, err)

	assert.Equal(t, "echo", h.TaskType())
	assert.Equal(t, DefaultPollInterval, h.PollInterval())
	assert.Equal(t, DefaultThreadBudget, h.ThreadBudget())
	assert.Equal(t, DefaultPollTimeout, h.PollTimeout())
	assert.Empty(t, h.Domain())
	assert.False(t, h.Paused())
	assert.False(t, h.BatchPoll())
}

func TestNew_Options(t *testing.T) {
	h, err := New("resize", func(w, h int) int { return w * h },
		WithInputs(binder.Required("w"), binder.Required("h")),
		WithPollInterval(time.Second),
		WithThreadBudget(4),
		WithDomain("eu"),
		WithPaused(true),
		WithBatchPoll(true),
		WithPollTimeout(2*time.Second),
		WithOutputName("area"),
	)
	require.NoError(t, err)

	assert.Equal(t, time.Second, h.PollInterval())
	assert.Equal(t, 4, h.ThreadBudget())
	assert.Equal(t, "eu", h.Domain())
	assert.True(t, h.Paused())
	assert.True(t, h.BatchPoll())
	assert.Equal(t, 2*time.Second, h.PollTimeout())

	res := h.Execute(context.Background(), &types.Task{
		TaskID:    "t1",
		InputData: map[string]any{"w": 3.0, "h": 4.0},
	})
	assert.Equal(t, types.StatusCompleted, res.Status)
	assert.Equal(t, 12, res.OutputData["area"])
}

func TestNew_Errors(t *testing.T) {
	_, err := New("", func() {})
	assert.ErrorIs(t, err, ErrEmptyTaskType)

	_, err = New("bad", func(a, b string) {})
	assert.ErrorIs(t, err, binder.ErrUnnamedParams)

	assert.Panics(t, func() { MustNew("bad", "not a func") })
}

func TestHandler_MutableSettings(t *testing.T) {
	h := MustNew("echo", func() {})

	h.SetPaused(true)
	h.SetPollInterval(250 * time.Millisecond)
	h.SetPollInterval(0)

	assert.True(t, h.Paused())
	assert.Equal(t, 250*time.Millisecond, h.PollInterval())
}

// ============================================================================
// Pool Tests
// ============================================================================

func TestNewPool(t *testing.T) {
	pool := NewPool("echo", 0)
	assert.Equal(t, 1, pool.Budget())
	assert.Equal(t, 1, pool.Available())
	assert.True(t, pool.IsIdle())
}

// TestPool_BoundedConcurrency submits 5 tasks to a pool of 3 and checks no
// more than 3 ever run at once.
func TestPool_BoundedConcurrency(t *testing.T) {
	pool := NewPool("resize", 3)

	var running, peak atomic.Int32
	handles := make([]*Handle, 0, 5)
	for i := 0; i < 5; i++ {
		h, err := pool.Go(context.Background(), func(ctx context.Context) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			running.Add(-1)
			return nil
		})
		require.NoError(t, err)
		handles = append(handles, h)
	}

	for _, h := range handles {
		require.NoError(t, h.Wait(context.Background()))
	}
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Equal(t, 0, pool.Active())
	assert.Equal(t, 3, pool.Available())
}

func TestPool_AvailableTracksActive(t *testing.T) {
	pool := NewPool("echo", 2)
	release := make(chan struct{})

	h, err := pool.Go(context.Background(), func(ctx context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 1, pool.Active())
	assert.Equal(t, 1, pool.Available())
	assert.True(t, pool.IsIdle())
	assert.False(t, h.IsDone())
	assert.NoError(t, h.Err())

	close(release)
	<-h.Done()
	assert.Equal(t, 2, pool.Available())
}

func TestPool_ErrorAndPanic(t *testing.T) {
	pool := NewPool("echo", 2)
	boom := errors.New("boom")

	h1, err := pool.Go(context.Background(), func(ctx context.Context) error { return boom })
	require.NoError(t, err)
	h2, err := pool.Go(context.Background(), func(ctx context.Context) error { panic("bad") })
	require.NoError(t, err)

	assert.ErrorIs(t, h1.Wait(context.Background()), boom)
	assert.ErrorContains(t, h2.Wait(context.Background()), "panic: bad")
	assert.Equal(t, 2, pool.Available())
}

func TestPool_CancelHandle(t *testing.T) {
	pool := NewPool("echo", 1)

	h, err := pool.Go(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	require.NoError(t, err)

	h.Cancel()
	assert.ErrorIs(t, h.Wait(context.Background()), ErrTaskCancelled)
}

func TestPool_GoBlocksUntilSlotOrContext(t *testing.T) {
	pool := NewPool("echo", 1)
	release := make(chan struct{})
	_, err := pool.Go(context.Background(), func(ctx context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = pool.Go(ctx, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
}

// ============================================================================
// Graceful Shutdown Tests
// ============================================================================

func TestPool_StopWaitsForTasks(t *testing.T) {
	pool := NewPool("echo", 4)
	var finished atomic.Int32

	for i := 0; i < 4; i++ {
		_, err := pool.Go(context.Background(), func(ctx context.Context) error {
			time.Sleep(20 * time.Millisecond)
			finished.Add(1)
			return nil
		})
		require.NoError(t, err)
	}

	assert.True(t, pool.Stop(time.Second))
	assert.Equal(t, int32(4), finished.Load())
	assert.False(t, pool.IsIdle())

	_, err := pool.Go(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPool_StopCancelsStragglers(t *testing.T) {
	pool := NewPool("echo", 1)
	var wg sync.WaitGroup
	wg.Add(1)

	h, err := pool.Go(context.Background(), func(ctx context.Context) error {
		defer wg.Done()
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	assert.False(t, pool.Stop(20*time.Millisecond))
	wg.Wait()
	assert.Error(t, h.Wait(context.Background()))
}
