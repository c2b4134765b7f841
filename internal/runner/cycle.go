package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/ChuLiYu/falcon-worker/internal/config"
	"github.com/ChuLiYu/falcon-worker/internal/scheduler"
	"github.com/ChuLiYu/falcon-worker/internal/telemetry"
	"github.com/ChuLiYu/falcon-worker/internal/throttle"
	"github.com/ChuLiYu/falcon-worker/internal/worker"
	"github.com/ChuLiYu/falcon-worker/pkg/types"
)

// TaskFailedError carries the reason of a failed task result through the
// throttle.
type TaskFailedError struct {
	TaskType string
	Status   types.TaskStatus
	Reason   string
}

func (e *TaskFailedError) Error() string {
	return fmt.Sprintf("%s task %s: %s", e.TaskType, e.Status, e.Reason)
}

// cycle 是 Scheduler 每次 fire 時執行的 poll cycle
func (r *Runner) cycle(ctx context.Context, t scheduler.Target) scheduler.Rearm {
	g := t.(*registration)
	s := g.settings()
	if s.Paused {
		r.log.Debug("worker paused", "task_type", g.TaskType())
		return scheduler.Interval
	}
	if g.batch {
		return r.batchCycle(ctx, g, s)
	}
	return r.asyncCycle(ctx, g, s)
}

// asyncCycle poll 空閒 slot 數量的任務，交給 Pool 非同步執行
func (r *Runner) asyncCycle(ctx context.Context, g *registration, s config.Settings) scheduler.Rearm {
	tasks := r.poll(ctx, g, s, g.pool.Available())
	for _, task := range tasks {
		_, err := g.pool.Go(r.ctx, func(ctx context.Context) error {
			_, reportErr := r.executeAndReport(ctx, g, task)
			return reportErr
		})
		if err != nil {
			r.logFailure("dispatch failed", err, "task_type", g.TaskType(), "task_id", task.TaskID)
		}
	}
	return scheduler.Interval
}

// batchCycle 一次 poll 一整批，等批次結束後再決定何時 poll
func (r *Runner) batchCycle(ctx context.Context, g *registration, s config.Settings) scheduler.Rearm {
	count := s.ThreadCount
	if avail := g.pool.Available(); avail < count {
		count = avail
	}
	tasks := r.poll(ctx, g, s, count)

	b := g.coord.Execute(r.ctx, g.pool, tasks)
	if b.HasTask() && !b.WaitTasksDone(r.batchTimeout(tasks)) {
		r.log.Warn("batch timed out, cancelled remaining tasks",
			"task_type", g.TaskType(), "tasks", b.Len())
	}
	return scheduler.BatchRearm(b)
}

func (r *Runner) batchTimeout(tasks []*types.Task) time.Duration {
	timeout := time.Duration(0)
	for _, t := range tasks {
		if d := time.Duration(t.ResponseTimeoutSecs) * time.Second; d > timeout {
			timeout = d
		}
	}
	if timeout <= 0 {
		return r.cfg.BatchTimeout
	}
	return timeout
}

func (r *Runner) poll(ctx context.Context, g *registration, s config.Settings, count int) []*types.Task {
	if count <= 0 {
		return nil
	}
	tasks, err := r.cfg.Source.PollBatch(ctx, worker.PollRequest{
		TaskType: g.TaskType(),
		WorkerID: r.cfg.WorkerID,
		Domain:   s.Domain,
		Count:    count,
		Timeout:  g.pollTimeout,
	})
	if err != nil {
		r.cfg.Metrics.RecordPollError(g.TaskType())
		r.logFailure("poll failed", err, "task_type", g.TaskType())
		return nil
	}
	r.cfg.Metrics.RecordPoll(g.TaskType(), len(tasks))
	if len(tasks) > count {
		r.log.Warn("server returned more tasks than requested",
			"task_type", g.TaskType(), "requested", count, "received", len(tasks))
	}
	return tasks
}

// executeAndReport 執行任務並回報結果，回傳結果與回報錯誤
func (r *Runner) executeAndReport(ctx context.Context, g *registration, task *types.Task) (*types.TaskResult, error) {
	r.cfg.Metrics.SetInFlight(g.TaskType(), g.pool.Active())
	defer func() { r.cfg.Metrics.SetInFlight(g.TaskType(), g.pool.Active()-1) }()

	logger := telemetry.WithTask(r.log, g.TaskType(), task.TaskID)
	logger.Debug("executing task", "retry_count", task.RetryCount, "poll_count", task.PollCount)

	start := time.Now()
	result := r.execute(ctx, g, task)
	elapsed := time.Since(start)

	r.cfg.Metrics.RecordTask(g.TaskType(), string(result.Status), elapsed)
	if result.Status.IsFailure() {
		r.logFailure("task failed", &TaskFailedError{
			TaskType: g.TaskType(),
			Status:   result.Status,
			Reason:   result.ReasonForIncompletion,
		}, "task_type", g.TaskType(), "task_id", task.TaskID)
	} else {
		logger.Debug("task executed", "status", result.Status, "elapsed", elapsed)
	}

	if err := r.report(ctx, g, result); err != nil {
		return result, err
	}
	return result, nil
}

// execute runs the worker, turning a panic or a nil result into FAILED.
func (r *Runner) execute(ctx context.Context, g *registration, task *types.Task) (result *types.TaskResult) {
	defer func() {
		if p := recover(); p != nil {
			result = types.NewTaskResult(task)
			result.Status = types.StatusFailed
			result.ReasonForIncompletion = fmt.Sprintf("panic: %v", p)
		}
		result.TaskID = task.TaskID
		result.WorkflowInstanceID = task.WorkflowInstanceID
		result.WorkerID = r.cfg.WorkerID
	}()

	result = g.w.Execute(ctx, task)
	if result == nil {
		result = types.NewTaskResult(task)
		result.Status = types.StatusFailed
		result.ReasonForIncompletion = "worker returned no result"
	}
	return result
}

// report 回報結果；設定 ReportRetries 時以線性 backoff 重試
//
// 任務 context 被取消時仍要回報，因此回報使用不受取消影響的 context。
func (r *Runner) report(ctx context.Context, g *registration, result *types.TaskResult) error {
	base := context.WithoutCancel(ctx)
	var err error
	for attempt := 0; attempt <= r.cfg.ReportRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * r.cfg.ReportBackoff):
			case <-r.ctx.Done():
				return fmt.Errorf("report %s abandoned: %w", result.TaskID, err)
			}
		}
		callCtx, cancel := context.WithTimeout(base, r.cfg.ReportTimeout)
		err = r.cfg.Source.ReportResult(callCtx, result)
		cancel()
		if err == nil {
			return nil
		}
		r.cfg.Metrics.RecordReportError(g.TaskType())
		r.logFailure("report failed", err,
			"task_type", g.TaskType(), "task_id", result.TaskID, "attempt", attempt+1)
	}
	return fmt.Errorf("report %s: %w", result.TaskID, err)
}

// logFailure 經過 Throttle 輸出錯誤日誌，被抑制時只記錄 metrics
func (r *Runner) logFailure(msg string, err error, attrs ...any) {
	class := throttle.Classify(err)
	logged := false
	r.cfg.Throttle.ShouldLog(err, func(count int64, err error) {
		logged = true
		r.log.Error(msg, append(attrs, "error", err, "class", class, "occurrence", count)...)
	})
	if !logged {
		r.cfg.Metrics.RecordThrottled(class)
	}
}
