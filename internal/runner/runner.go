// ============================================================================
// Falcon Worker Runner - 系統核心協調器
// ============================================================================
//
// Package: internal/runner
// 文件: runner.go
// 功能: 把 Scheduler、Pool、Coordinator、TaskSource 串成完整的 poll/dispatch 流程
//
// 架構設計:
//   Runner 是 worker 進程的"大腦"，協調以下組件：
//   - Scheduler: 決定每個 worker 何時 poll（每個 worker 最多一個 timer）
//   - Pool: 每個 worker 獨立的有界執行池（容量 = thread_count）
//   - Coordinator: batch worker 的批次執行與結果追蹤
//   - TaskSource: HTTP 或 gRPC 傳輸，poll 任務並回報結果
//   - Throttle: 所有失敗路徑（poll / execute / report）的日誌節流
//   - Overrides: 每個 cycle 重新解析 paused / interval / domain
//
// 單一 poll cycle:
//
//   Scheduler fire(w)
//     ├─ pool 滿 → 直接 re-arm（不 poll）
//     ├─ paused  → re-arm after interval
//     ├─ 一般 worker:
//     │    poll(Available) → pool.Go(execute+report) → re-arm after interval
//     └─ batch worker:
//          poll(≤ thread_count) → Coordinator.Execute → WaitTasksDone
//          → BatchRearm（全部成功才立即再 poll）
//
// 關閉流程:
//   1. Scheduler.Shutdown - 停止所有 timer，等待進行中的 cycle
//   2. Pool.Stop - 等待執行中任務，逾時則取消
//   3. 取消 Runner context
//
// ============================================================================

package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/falcon-worker/internal/batch"
	"github.com/ChuLiYu/falcon-worker/internal/config"
	"github.com/ChuLiYu/falcon-worker/internal/metrics"
	"github.com/ChuLiYu/falcon-worker/internal/scheduler"
	"github.com/ChuLiYu/falcon-worker/internal/throttle"
	"github.com/ChuLiYu/falcon-worker/internal/worker"
	"github.com/ChuLiYu/falcon-worker/pkg/types"
	"github.com/google/uuid"
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Defaults applied by New.
const (
	DefaultBatchTimeout  = time.Minute
	DefaultReportBackoff = time.Second
	DefaultReportTimeout = 10 * time.Second
)

var (
	// ErrNoWorkers 表示沒有註冊任何 worker
	ErrNoWorkers = errors.New("runner has no workers")
	// ErrNoSource 表示未設定 TaskSource
	ErrNoSource = errors.New("runner has no task source")
)

// Config Runner 配置
type Config struct {
	WorkerID  string            // 回報給 server 的 worker id（空值時自動產生）
	Source    worker.TaskSource // 傳輸層
	Overrides *config.Overrides // 每個 worker 的動態設定（可為 nil）
	Throttle  *throttle.Throttle
	Metrics   *metrics.Collector // nil 時不收集
	Logger    *slog.Logger

	BatchTimeout  time.Duration // batch 等待上限（任務未指定 response timeout 時）
	ReportRetries int           // 回報失敗後的額外重試次數（預設 0：交由 server 重新派送）
	ReportBackoff time.Duration // 第 n 次重試前等待 n * ReportBackoff
	ReportTimeout time.Duration // 單次回報的逾時
}

// Runner 核心協調器
type Runner struct {
	cfg     Config
	log     *slog.Logger
	workers []*registration
	sched   *scheduler.Scheduler
	started atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// registration 是 Scheduler 看到的 Target
type registration struct {
	r           *Runner
	w           worker.Worker
	pool        *worker.Pool
	coord       *batch.Coordinator
	batch       bool
	pollTimeout time.Duration
}

func (g *registration) TaskType() string { return g.w.TaskType() }

// PollInterval 每次都重新解析，讓設定變更即時生效
func (g *registration) PollInterval() time.Duration {
	return g.settings().PollInterval
}

func (g *registration) settings() config.Settings {
	return g.r.cfg.Overrides.Resolve(g.w)
}

// New 建立 Runner，並為每個 worker 建立獨立的 Pool
func New(cfg Config, workers ...worker.Worker) (*Runner, error) {
	if len(workers) == 0 {
		return nil, ErrNoWorkers
	}
	if cfg.Source == nil {
		return nil, ErrNoSource
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = DefaultWorkerID()
	}
	if cfg.Throttle == nil {
		cfg.Throttle = throttle.New(throttle.Config{})
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = DefaultBatchTimeout
	}
	if cfg.ReportRetries < 0 {
		cfg.ReportRetries = 0
	}
	if cfg.ReportBackoff <= 0 {
		cfg.ReportBackoff = DefaultReportBackoff
	}
	if cfg.ReportTimeout <= 0 {
		cfg.ReportTimeout = DefaultReportTimeout
	}

	logger := cfg.Logger.With("component", "runner", "worker_id", cfg.WorkerID)
	r := &Runner{
		cfg:   cfg,
		log:   logger,
		sched: scheduler.New(scheduler.WithLogger(cfg.Logger)),
	}

	targets := make([]scheduler.Target, 0, len(workers))
	for _, w := range workers {
		g := &registration{r: r, w: w, pollTimeout: worker.DefaultPollTimeout}
		if bp, ok := w.(worker.BatchPoller); ok {
			g.batch = bp.BatchPoll()
		}
		if pt, ok := w.(worker.PollTimeouter); ok && pt.PollTimeout() > 0 {
			g.pollTimeout = pt.PollTimeout()
		}
		// pool 大小只在啟動時決定，之後 thread_count 的變更不會重建 pool
		g.pool = worker.NewPool(w.TaskType(), g.settings().ThreadCount)
		g.coord = batch.NewCoordinator(func(ctx context.Context, task *types.Task) (*types.TaskResult, error) {
			return r.executeAndReport(ctx, g, task)
		})
		r.workers = append(r.workers, g)
		targets = append(targets, g)
	}
	if err := r.sched.InitWorkers(targets...); err != nil {
		return nil, fmt.Errorf("register workers: %w", err)
	}
	return r, nil
}

// DefaultWorkerID 使用 hostname，取不到時使用隨機 UUID
func DefaultWorkerID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.NewString()
}

// WorkerID 返回回報給 server 的 worker id
func (r *Runner) WorkerID() string { return r.cfg.WorkerID }

// ============================================================================
// 生命週期
// ============================================================================

// Start 啟動所有 worker 的 poll cycle
func (r *Runner) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return scheduler.ErrAlreadyStarted
	}
	r.ctx, r.cancel = context.WithCancel(ctx)

	for _, g := range r.workers {
		s := g.settings()
		r.log.Info("worker registered",
			"task_type", g.TaskType(),
			"poll_interval", s.PollInterval,
			"thread_count", g.pool.Budget(),
			"domain", s.Domain,
			"paused", s.Paused,
			"batch", g.batch)
	}

	return r.sched.Start(r.isIdle, r.cycle)
}

// Shutdown 優雅地關閉 Runner
// 關閉流程：
//  1. 停止 Scheduler，不再 poll
//  2. 在剩餘時間內等待每個 Pool 的任務完成，逾時則取消
//  3. 取消 Runner context
//
// 返回值：
//   - bool: 是否所有 cycle 與任務都在 timeout 內完成
func (r *Runner) Shutdown(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	drained := r.sched.Shutdown(timeout)

	for _, g := range r.workers {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		if !g.pool.Stop(remaining) {
			drained = false
		}
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.log.Info("runner stopped", "drained", drained)
	return drained
}

func (r *Runner) isIdle(t scheduler.Target) bool {
	return t.(*registration).pool.IsIdle()
}
