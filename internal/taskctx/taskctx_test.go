package taskctx

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/falcon-worker/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTask(id string) *types.Task {
	return &types.Task{
		TaskID:             id,
		TaskType:           "charge",
		WorkflowInstanceID: "wf-" + id,
		RetryCount:         2,
		PollCount:          5,
		InputData:          map[string]any{},
	}
}

func TestFromContext_Missing(t *testing.T) {
	tc, ok := FromContext(context.Background())
	assert.False(t, ok)
	assert.Nil(t, tc)
}

func TestContext_Accessors(t *testing.T) {
	tc := New(newTask("t1"))
	ctx := With(context.Background(), tc)

	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Same(t, tc, got)
	assert.Equal(t, "t1", got.TaskID())
	assert.Equal(t, "charge", got.TaskType())
	assert.Equal(t, "wf-t1", got.WorkflowInstanceID())
	assert.Equal(t, 2, got.RetryCount())
	assert.Equal(t, 5, got.PollCount())
	assert.Equal(t, types.StatusCompleted, got.Result().Status)
}

func TestContext_LogAndCallback(t *testing.T) {
	tc := New(newTask("t1"))
	tc.Log("step %d", 1)
	tc.SetCallbackAfter(30 * time.Second)
	tc.SetOutput("k", "v")

	res := tc.Result()
	require.Len(t, res.Logs, 1)
	assert.Equal(t, "step 1", res.Logs[0].Log)
	assert.Equal(t, "t1", res.Logs[0].TaskID)
	assert.Equal(t, int64(30), res.CallbackAfterSeconds)
	assert.Equal(t, 30*time.Second, tc.CallbackAfter())
	assert.Equal(t, "v", res.OutputData["k"])
}

func TestContext_SubSecondCallbackRoundsUp(t *testing.T) {
	tc := New(newTask("t1"))
	tc.SetCallbackAfter(200 * time.Millisecond)
	assert.Equal(t, int64(1), tc.Result().CallbackAfterSeconds)
}

// TestContext_Isolation runs concurrent executions and checks no log leaks
// from one context into another.
func TestContext_Isolation(t *testing.T) {
	var wg sync.WaitGroup
	contexts := make([]*Context, 8)
	for i := range contexts {
		contexts[i] = New(newTask(string(rune('a' + i))))
	}

	for _, tc := range contexts {
		wg.Add(1)
		go func(tc *Context) {
			defer wg.Done()
			ctx := With(context.Background(), tc)
			for j := 0; j < 50; j++ {
				own, _ := FromContext(ctx)
				own.Log("%s", own.TaskID())
			}
		}(tc)
	}
	wg.Wait()

	for _, tc := range contexts {
		logs := tc.Result().Logs
		require.Len(t, logs, 50)
		for _, l := range logs {
			assert.Equal(t, tc.TaskID(), l.Log)
		}
	}
}
