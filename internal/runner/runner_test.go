package runner

// ============================================================================
// Runner Test File
// Purpose: Verify poll/dispatch cycles, batch re-arming, throttled failures,
//          report retries and graceful shutdown against an in-memory source
// ============================================================================

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/falcon-worker/internal/config"
	"github.com/ChuLiYu/falcon-worker/internal/metrics"
	"github.com/ChuLiYu/falcon-worker/internal/throttle"
	"github.com/ChuLiYu/falcon-worker/internal/worker"
	"github.com/ChuLiYu/falcon-worker/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test doubles
// ============================================================================

type fakeSource struct {
	mu          sync.Mutex
	queue       map[string][]*types.Task
	requests    []worker.PollRequest
	reported    []*types.TaskResult
	pollErr     error
	reportFails int // number of report calls to reject before accepting
	reportCalls int
}

func newFakeSource() *fakeSource {
	return &fakeSource{queue: make(map[string][]*types.Task)}
}

func (f *fakeSource) push(taskType string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-%d", taskType, len(f.queue[taskType])+i)
		f.queue[taskType] = append(f.queue[taskType], &types.Task{
			TaskID:             id,
			TaskType:           taskType,
			WorkflowInstanceID: "wf-1",
			InputData:          map[string]any{"id": id},
		})
	}
}

func (f *fakeSource) PollBatch(ctx context.Context, req worker.PollRequest) ([]*types.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	q := f.queue[req.TaskType]
	n := req.Count
	if n > len(q) {
		n = len(q)
	}
	out := q[:n]
	f.queue[req.TaskType] = q[n:]
	return out, nil
}

func (f *fakeSource) ReportResult(ctx context.Context, result *types.TaskResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reportCalls++
	if f.reportFails > 0 {
		f.reportFails--
		return errors.New("server busy")
	}
	f.reported = append(f.reported, result)
	return nil
}

func (f *fakeSource) reports() []*types.TaskResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.TaskResult(nil), f.reported...)
}

func (f *fakeSource) polls() []worker.PollRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]worker.PollRequest(nil), f.requests...)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func echoWorker(opts ...worker.Option) *worker.Handler {
	opts = append([]worker.Option{worker.WithPollInterval(5 * time.Millisecond)}, opts...)
	return worker.MustNew("echo", func(in map[string]any) map[string]any { return in }, opts...)
}

func startRunner(t *testing.T, cfg Config, workers ...worker.Worker) *Runner {
	t.Helper()
	if cfg.WorkerID == "" {
		cfg.WorkerID = "test-worker"
	}
	r, err := New(cfg, workers...)
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { r.Shutdown(time.Second) })
	return r
}

// ============================================================================
// Construction
// ============================================================================

func TestNew_Errors(t *testing.T) {
	_, err := New(Config{Source: newFakeSource()})
	assert.ErrorIs(t, err, ErrNoWorkers)

	_, err = New(Config{}, echoWorker())
	assert.ErrorIs(t, err, ErrNoSource)

	_, err = New(Config{Source: newFakeSource()}, echoWorker(), echoWorker())
	assert.ErrorContains(t, err, `"echo" registered twice`)
}

func TestNew_DefaultWorkerID(t *testing.T) {
	r, err := New(Config{Source: newFakeSource()}, echoWorker())
	require.NoError(t, err)

	assert.NotEmpty(t, r.WorkerID())
	assert.NotEmpty(t, DefaultWorkerID())
}

func TestStart_Twice(t *testing.T) {
	r := startRunner(t, Config{Source: newFakeSource()}, echoWorker())
	assert.Error(t, r.Start(context.Background()))
}

// ============================================================================
// Poll / dispatch
// ============================================================================

func TestRunner_ExecutesAndReports(t *testing.T) {
	src := newFakeSource()
	src.push("echo", 3)
	reg := prometheus.NewRegistry()

	startRunner(t, Config{Source: src, Metrics: metrics.NewCollector(reg)}, echoWorker(worker.WithThreadBudget(2)))

	require.Eventually(t, func() bool { return len(src.reports()) == 3 }, 2*time.Second, 5*time.Millisecond)
	for _, res := range src.reports() {
		assert.Equal(t, types.StatusCompleted, res.Status)
		assert.Equal(t, "test-worker", res.WorkerID)
		assert.Equal(t, "wf-1", res.WorkflowInstanceID)
		assert.Equal(t, res.TaskID, res.OutputData["id"])
	}

	expected := `
# HELP falcon_worker_tasks_total Total number of executed tasks by result status
# TYPE falcon_worker_tasks_total counter
falcon_worker_tasks_total{status="COMPLETED",task_type="echo"} 3
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "falcon_worker_tasks_total"))
}

func TestRunner_PollsOnlyAvailableSlots(t *testing.T) {
	src := newFakeSource()
	src.push("slow", 10)
	release := make(chan struct{})
	slow := worker.MustNew("slow", func() { <-release },
		worker.WithThreadBudget(2), worker.WithPollInterval(5*time.Millisecond))

	startRunner(t, Config{Source: src}, slow)

	require.Eventually(t, func() bool { return len(src.polls()) >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	close(release)

	polls := src.polls()
	assert.Equal(t, 2, polls[0].Count)
	assert.Equal(t, "test-worker", polls[0].WorkerID)
	assert.Equal(t, worker.DefaultPollTimeout, polls[0].Timeout)
	for _, p := range polls {
		assert.LessOrEqual(t, p.Count, 2)
	}
}

func TestRunner_FailedTaskIsReportedAsFailed(t *testing.T) {
	src := newFakeSource()
	src.push("fail", 1)
	fail := worker.MustNew("fail", func() error { return errors.New("disk full") },
		worker.WithPollInterval(5*time.Millisecond))

	startRunner(t, Config{Source: src}, fail)

	require.Eventually(t, func() bool { return len(src.reports()) == 1 }, time.Second, 5*time.Millisecond)
	res := src.reports()[0]
	assert.Equal(t, types.StatusFailed, res.Status)
	assert.Equal(t, "disk full", res.ReasonForIncompletion)
}

type panicWorker struct{ *worker.Handler }

func (panicWorker) Execute(context.Context, *types.Task) *types.TaskResult { panic("unchecked") }

func TestRunner_PanickingWorkerReportsFailure(t *testing.T) {
	src := newFakeSource()
	src.push("echo", 1)

	startRunner(t, Config{Source: src}, panicWorker{echoWorker()})

	require.Eventually(t, func() bool { return len(src.reports()) == 1 }, time.Second, 5*time.Millisecond)
	res := src.reports()[0]
	assert.Equal(t, types.StatusFailed, res.Status)
	assert.Equal(t, "panic: unchecked", res.ReasonForIncompletion)
	assert.Equal(t, "echo-0", res.TaskID)
}

func TestRunner_PausedWorkerDoesNotPoll(t *testing.T) {
	src := newFakeSource()
	src.push("echo", 1)
	env := map[string]string{config.EnvKey("echo", config.PropPaused): "true"}
	overrides := config.NewOverrides(nil, func(k string) (string, bool) { v, ok := env[k]; return v, ok })

	startRunner(t, Config{Source: src, Overrides: overrides}, echoWorker())
	time.Sleep(50 * time.Millisecond)

	assert.Empty(t, src.polls())
}

func TestRunner_DomainOverrideIsSentWithPoll(t *testing.T) {
	src := newFakeSource()
	overrides := config.NewOverrides(map[string]config.WorkerProps{
		config.AllWorkers: {Domain: ptr("eu-west")},
	}, nil)

	startRunner(t, Config{Source: src, Overrides: overrides}, echoWorker())

	require.Eventually(t, func() bool { return len(src.polls()) > 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "eu-west", src.polls()[0].Domain)
}

func TestNew_ThreadCountSizesPoolOnce(t *testing.T) {
	env := map[string]string{config.EnvKey("echo", config.PropThreadCount): "2"}
	overrides := config.NewOverrides(nil, func(k string) (string, bool) { v, ok := env[k]; return v, ok })

	r, err := New(Config{Source: newFakeSource(), Overrides: overrides}, echoWorker())
	require.NoError(t, err)
	g := r.workers[0]
	assert.Equal(t, 2, g.pool.Budget())

	env[config.EnvKey("echo", config.PropThreadCount)] = "8"

	assert.Equal(t, 8, g.settings().ThreadCount, "other reads see the new value")
	assert.Equal(t, 2, g.pool.Budget(), "pool is not resized after New")
}

func ptr[T any](v T) *T { return &v }

// ============================================================================
// Batch workers
// ============================================================================

func TestRunner_BatchPollsUpToThreadBudget(t *testing.T) {
	src := newFakeSource()
	src.push("echo", 5)

	startRunner(t, Config{Source: src},
		echoWorker(worker.WithBatchPoll(true), worker.WithThreadBudget(3), worker.WithPollInterval(time.Hour)))

	require.Eventually(t, func() bool { return len(src.reports()) == 5 }, 2*time.Second, 5*time.Millisecond)
	polls := src.polls()
	require.GreaterOrEqual(t, len(polls), 2)
	assert.Equal(t, 3, polls[0].Count)
	for _, p := range polls {
		assert.LessOrEqual(t, p.Count, 3)
	}
}

// TestRunner_BatchFailureWaitsInterval checks that a batch with a failed
// task does not trigger an immediate re-poll.
func TestRunner_BatchFailureWaitsInterval(t *testing.T) {
	src := newFakeSource()
	src.push("fail", 2)
	fail := worker.MustNew("fail", func() error { return errors.New("nope") },
		worker.WithBatchPoll(true), worker.WithThreadBudget(1), worker.WithPollInterval(time.Hour))

	startRunner(t, Config{Source: src}, fail)

	require.Eventually(t, func() bool { return len(src.reports()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, src.polls(), 1)
	assert.Len(t, src.reports(), 1)
}

func TestRunner_BatchEmptyQueueWaitsInterval(t *testing.T) {
	src := newFakeSource()

	startRunner(t, Config{Source: src},
		echoWorker(worker.WithBatchPoll(true), worker.WithPollInterval(time.Hour)))

	require.Eventually(t, func() bool { return len(src.polls()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, src.polls(), 1)
}

func TestBatchTimeout(t *testing.T) {
	r := &Runner{cfg: Config{BatchTimeout: time.Minute}}

	assert.Equal(t, time.Minute, r.batchTimeout(nil))
	assert.Equal(t, 30*time.Second, r.batchTimeout([]*types.Task{
		{ResponseTimeoutSecs: 10},
		{ResponseTimeoutSecs: 30},
	}))
}

// ============================================================================
// Failure paths
// ============================================================================

func TestRunner_PollErrorsAreThrottled(t *testing.T) {
	src := newFakeSource()
	src.pollErr = errors.New("connection lost")
	logs := &syncBuffer{}
	reg := prometheus.NewRegistry()

	r := startRunner(t, Config{
		Source:   src,
		Logger:   slog.New(slog.NewJSONHandler(logs, nil)),
		Throttle: throttle.New(throttle.Config{MaxPerWindow: 2, Window: time.Hour}),
		Metrics:  metrics.NewCollector(reg),
	}, echoWorker(worker.WithPollInterval(time.Millisecond)))

	require.Eventually(t, func() bool { return len(src.polls()) >= 10 }, 2*time.Second, 5*time.Millisecond)
	r.Shutdown(time.Second)

	assert.Equal(t, 2, strings.Count(logs.String(), `"msg":"poll failed"`))
	throttled, err := testutil.GatherAndCount(reg, "falcon_worker_throttled_logs_total")
	require.NoError(t, err)
	assert.Equal(t, 1, throttled, "suppressed poll failures are counted")
}

func TestRunner_ReportIsRetried(t *testing.T) {
	src := newFakeSource()
	src.push("echo", 1)
	src.reportFails = 2

	startRunner(t, Config{Source: src, ReportRetries: 2, ReportBackoff: time.Millisecond}, echoWorker())

	require.Eventually(t, func() bool { return len(src.reports()) == 1 }, time.Second, 5*time.Millisecond)
	src.mu.Lock()
	defer src.mu.Unlock()
	assert.Equal(t, 3, src.reportCalls)
}

func TestRunner_ReportNotRetriedByDefault(t *testing.T) {
	src := newFakeSource()
	src.push("echo", 1)
	src.reportFails = 100

	startRunner(t, Config{Source: src}, echoWorker())

	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return src.reportCalls == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	src.mu.Lock()
	defer src.mu.Unlock()
	assert.Equal(t, 1, src.reportCalls)
}

// ============================================================================
// Graceful Shutdown Tests
// ============================================================================

func TestRunner_ShutdownDrainsInFlightTasks(t *testing.T) {
	src := newFakeSource()
	src.push("sleep", 2)
	var finished atomic.Int32
	sleep := worker.MustNew("sleep", func() {
		time.Sleep(30 * time.Millisecond)
		finished.Add(1)
	}, worker.WithThreadBudget(2), worker.WithPollInterval(time.Millisecond))

	r, err := New(Config{Source: src, WorkerID: "w"}, sleep)
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	require.Eventually(t, func() bool { return len(src.polls()) > 0 }, time.Second, time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	assert.True(t, r.Shutdown(time.Second))
	assert.Equal(t, int32(2), finished.Load())
	assert.Len(t, src.reports(), 2)

	polled := len(src.polls())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, polled, len(src.polls()), "no polls after shutdown")
}

func TestRunner_ShutdownCancelsStragglers(t *testing.T) {
	src := newFakeSource()
	src.push("stuck", 1)
	stuck := worker.MustNew("stuck", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, worker.WithPollInterval(time.Millisecond))

	r, err := New(Config{Source: src, WorkerID: "w"}, stuck)
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	require.Eventually(t, func() bool { return len(src.polls()) > 0 }, time.Second, time.Millisecond)

	assert.False(t, r.Shutdown(30*time.Millisecond))
	require.Eventually(t, func() bool { return len(src.reports()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, types.StatusFailed, src.reports()[0].Status)
}
