// ============================================================================
// Falcon Worker - Worker Pool 並發任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 每個 Worker（task type）獨立的有界執行池
//
// 設計模式:
//   每個 task type 擁有自己的 Pool，容量即 Worker 的 ThreadBudget：
//   1. 以 semaphore 控制同時執行的任務數量
//   2. 每個任務在獨立 goroutine 執行，回傳可取消的 Handle
//   3. 慢的 Worker 只會佔滿自己的 Pool，不會餓死其他 Worker
//
// 架構組件:
//   ┌─────────────┐
//   │ Scheduler   │ --IsIdle()--> Pool
//   └─────────────┘
//         │
//       Go(fn)
//         ↓
//   ┌─────────────────────────┐
//   │   Pool (budget = 3)     │
//   │  ┌────────┐             │
//   │  │ slot 1 │ → Handle    │
//   │  │ slot 2 │ → Handle    │
//   │  │ slot 3 │ → Handle    │
//   │  └────────┘             │
//   └─────────────────────────┘
//
// 生命週期:
//   1. NewPool(taskType, budget) - 建立 Pool
//   2. Go(ctx, fn) - 取得 slot 後執行任務（slot 滿時阻塞）
//   3. Available()/IsIdle() - 供 Scheduler 判斷是否可以 poll
//   4. Stop(timeout) - 拒絕新任務，等待執行中任務，逾時則取消
//
// 錯誤處理:
//   - ErrPoolClosed: Pool 已關閉時提交任務
//   - 任務 panic 由 Handle 捕獲並轉為錯誤
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrTaskCancelled 表示任務在完成前被取消
	ErrTaskCancelled = errors.New("task execution cancelled")
)

// ============================================================================
// Handle
// ============================================================================

// Handle 代表一個執行中（或已完成）的任務
type Handle struct {
	done   chan struct{}
	cancel context.CancelFunc
	err    error
}

// Done 在任務結束時關閉
func (h *Handle) Done() <-chan struct{} { return h.done }

// IsDone 檢查任務是否已結束
func (h *Handle) IsDone() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Err 返回任務錯誤，僅在 Done 之後有效
func (h *Handle) Err() error {
	if !h.IsDone() {
		return nil
	}
	return h.err
}

// Cancel 取消任務的 context
func (h *Handle) Cancel() { h.cancel() }

// Wait 等待任務結束或 ctx 到期
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表單一 Worker 的有界執行池
type Pool struct {
	taskType string
	budget   int64
	sem      *semaphore.Weighted
	inUse    atomic.Int64 // 目前佔用的 slot 數量
	wg       sync.WaitGroup

	mu      sync.Mutex
	stopped bool
	handles map[*Handle]struct{} // 執行中的任務，Stop 逾時時取消
}

// NewPool 建立新的 Worker Pool
// 參數：
//   - taskType: 所屬 Worker 的 task type
//   - budget: 最大並發數（<= 0 時視為 1）
func NewPool(taskType string, budget int) *Pool {
	if budget <= 0 {
		budget = 1
	}
	return &Pool{
		taskType: taskType,
		budget:   int64(budget),
		sem:      semaphore.NewWeighted(int64(budget)),
		handles:  make(map[*Handle]struct{}),
	}
}

// ============================================================================
// 核心方法實作
// ============================================================================

// Go 取得一個 slot 並在新 goroutine 中執行 fn
//
// slot 已滿時阻塞，直到有 slot 釋放或 ctx 結束。
// fn 收到的 context 會在 Handle.Cancel() 或 Stop 逾時時被取消。
func (p *Pool) Go(ctx context.Context, fn func(ctx context.Context) error) (*Handle, error) {
	if p.isStopped() {
		return nil, ErrPoolClosed
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	p.inUse.Add(1)

	taskCtx, cancel := context.WithCancel(ctx)
	h := &Handle{done: make(chan struct{}), cancel: cancel}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		cancel()
		p.release()
		return nil, ErrPoolClosed
	}
	p.handles[h] = struct{}{}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				h.err = fmt.Errorf("%s: panic: %v", p.taskType, r)
			}
			if h.err == nil && errors.Is(taskCtx.Err(), context.Canceled) && ctx.Err() == nil {
				h.err = ErrTaskCancelled
			}
			cancel()
			p.mu.Lock()
			delete(p.handles, h)
			p.mu.Unlock()
			p.release()
			close(h.done)
		}()
		h.err = fn(taskCtx)
	}()

	return h, nil
}

func (p *Pool) release() {
	p.inUse.Add(-1)
	p.sem.Release(1)
}

func (p *Pool) isStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// Budget 返回最大並發數
func (p *Pool) Budget() int { return int(p.budget) }

// Active 返回目前執行中的任務數
func (p *Pool) Active() int { return int(p.inUse.Load()) }

// Available 返回目前可用的 slot 數量
func (p *Pool) Available() int {
	n := p.budget - p.inUse.Load()
	if n < 0 {
		return 0
	}
	return int(n)
}

// IsIdle 檢查是否至少有一個空閒 slot（Scheduler 據此決定是否 poll）
func (p *Pool) IsIdle() bool {
	return !p.isStopped() && p.Available() > 0
}

// Stop 優雅地關閉 Pool
// 關閉流程：
//  1. 設定 stopped 標誌，拒絕新任務
//  2. 在 timeout 內等待執行中任務完成
//  3. 逾時則取消剩餘任務（不在本地重試，交由 server 的 lease 逾時重新派發）
//
// 返回值：
//   - bool: 是否所有任務都在 timeout 內完成
func (p *Pool) Stop(timeout time.Duration) bool {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
	}

	p.mu.Lock()
	for h := range p.handles {
		h.cancel()
	}
	p.mu.Unlock()
	return false
}
