// ============================================================================
// Falcon Worker - Poll Scheduler
// ============================================================================
//
// Package: internal/scheduler
// File: scheduler.go
// Purpose: Decide when each worker polls, one pending timer per worker
//
// Timer cycle (per worker):
//
//   Schedule(w, d) ──(d elapses)──▶ fire(w)
//                                     │ 1. remove pending entry
//                                     │ 2. isIdle(w)?
//                                     │      no  → re-arm after BusyDelay
//                                     │      yes → rearm := onFire(ctx, w)
//                                     │ 3. deferred: recover, re-arm(rearm)
//                                     ▼
//                             Schedule(w, delay)
//
// Invariants:
//   - At most one pending entry per worker. Schedule() is insert-if-absent on
//     the pending map, so a worker can never hold two timers.
//   - Every fire that removed its entry re-arms the worker exactly once, even
//     when isIdle or onFire panics. A worker that misses its re-arm never
//     polls again.
//   - After Shutdown no timer is armed again. The stop flag belongs to the
//     Scheduler instance; independent schedulers never see each other's
//     shutdown.
//
// Timer engine:
//   Timers come from time.AfterFunc, which sits on the runtime's timer heap.
//   A fire runs on its own goroutine, so a slow poll never delays other
//   workers' timers.
//
// ============================================================================

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Delays used when re-arming.
const (
	// ImmediateDelay is the sub-millisecond delay used for Immediate.
	ImmediateDelay = 100 * time.Microsecond
	// DefaultBusyDelay is the retry delay when a worker is not idle, used
	// in place of a zero delay.
	DefaultBusyDelay = time.Millisecond
	// DefaultInterval applies when a target reports no interval.
	DefaultInterval = 100 * time.Millisecond
)

var (
	// ErrAlreadyStarted is returned by Start on a running scheduler.
	ErrAlreadyStarted = errors.New("scheduler already started")
	// ErrStopped is returned when the scheduler has been shut down.
	ErrStopped = errors.New("scheduler stopped")
	// ErrNoTargets is returned by Start with no registered workers.
	ErrNoTargets = errors.New("no workers registered")
)

// Target is a schedulable worker.
type Target interface {
	TaskType() string
	PollInterval() time.Duration
}

// Rearm tells the scheduler when to fire a worker next.
type Rearm struct {
	delay       time.Duration
	useInterval bool
}

var (
	// Interval re-arms after the worker's configured polling interval.
	Interval = Rearm{useInterval: true}
	// Immediate re-arms after ImmediateDelay.
	Immediate = Rearm{delay: ImmediateDelay}
)

// After re-arms after d.
func After(d time.Duration) Rearm { return Rearm{delay: d} }

func (r Rearm) String() string {
	if r.useInterval {
		return "interval"
	}
	return r.delay.String()
}

// BatchOutcome is what the batch re-arm policy needs to know.
type BatchOutcome interface {
	HasTask() bool
	IsAllSuccessful() bool
}

// BatchRearm polls again right away only when the last batch returned tasks
// and every one of them succeeded; otherwise it waits a full interval.
func BatchRearm(b BatchOutcome) Rearm {
	if b != nil && b.HasTask() && b.IsAllSuccessful() {
		return Immediate
	}
	return Interval
}

// IdleFunc reports whether a worker can take more work.
type IdleFunc func(t Target) bool

// FireFunc runs one poll cycle and says when to run the next.
type FireFunc func(ctx context.Context, t Target) Rearm

type timer interface {
	Stop() bool
}

type entry struct {
	mu    sync.Mutex
	timer timer
}

// Scheduler owns one pending timer per registered worker.
type Scheduler struct {
	logger    *slog.Logger
	busyDelay time.Duration
	afterFunc func(d time.Duration, f func()) timer
	onRearm   func(t Target, delay time.Duration)

	mu      sync.Mutex
	targets map[string]Target
	order   []string

	pending  sync.Map // task type -> *entry
	started  atomic.Bool
	stopped  atomic.Bool
	inFlight atomic.Int64

	isIdle IdleFunc
	onFire FireFunc
	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithBusyDelay sets the retry delay used when a worker is not idle.
// The default is DefaultBusyDelay (1ms) rather than zero, so a saturated
// worker re-checks promptly without spinning the timer goroutine.
// A zero d re-arms with no delay at all.
func WithBusyDelay(d time.Duration) Option {
	return func(s *Scheduler) { s.busyDelay = d }
}

// WithRearmHook is called with every delay a worker is re-armed with.
func WithRearmHook(fn func(t Target, delay time.Duration)) Option {
	return func(s *Scheduler) { s.onRearm = fn }
}

// New creates a Scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:    slog.Default(),
		busyDelay: DefaultBusyDelay,
		targets:   make(map[string]Target),
		afterFunc: func(d time.Duration, f func()) timer { return time.AfterFunc(d, f) },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "scheduler")
	return s
}

// InitWorkers registers the worker set. Task types must be unique.
func (s *Scheduler) InitWorkers(targets ...Target) error {
	if s.started.Load() {
		return ErrAlreadyStarted
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range targets {
		key := t.TaskType()
		if _, dup := s.targets[key]; dup {
			return fmt.Errorf("worker %q registered twice", key)
		}
		s.targets[key] = t
		s.order = append(s.order, key)
	}
	return nil
}

// Start arms one timer per registered worker, each firing immediately.
func (s *Scheduler) Start(isIdle IdleFunc, onFire FireFunc) error {
	if s.stopped.Load() {
		return ErrStopped
	}
	s.mu.Lock()
	targets := make([]Target, 0, len(s.order))
	for _, key := range s.order {
		targets = append(targets, s.targets[key])
	}
	s.mu.Unlock()

	if len(targets) == 0 {
		return ErrNoTargets
	}
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	s.isIdle = isIdle
	s.onFire = onFire
	s.ctx, s.cancel = context.WithCancel(context.Background())

	for _, t := range targets {
		s.Schedule(t, 0)
	}
	s.logger.Info("scheduler started", "workers", len(targets))
	return nil
}

// Schedule arms a timer for t unless one is already pending or the
// scheduler is stopped.
func (s *Scheduler) Schedule(t Target, delay time.Duration) bool {
	if s.stopped.Load() {
		return false
	}

	e := &entry{}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, loaded := s.pending.LoadOrStore(t.TaskType(), e); loaded {
		return false
	}
	e.timer = s.afterFunc(delay, func() { s.fire(t, e) })
	if s.onRearm != nil {
		s.onRearm(t, delay)
	}
	return true
}

// fire runs one timer callback for t.
func (s *Scheduler) fire(t Target, e *entry) {
	if !s.pending.CompareAndDelete(t.TaskType(), e) {
		return
	}
	// inFlight 必須先於 stopped 檢查，Shutdown 才不會漏等這個 cycle
	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	if s.stopped.Load() {
		return
	}

	next := Interval
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("poll cycle panicked", "task_type", t.TaskType(), "panic", r)
			next = Interval
		}
		s.Schedule(t, s.delayFor(t, next))
	}()

	if s.isIdle != nil && !s.isIdle(t) {
		next = After(s.busyDelay)
		return
	}
	if s.onFire != nil {
		next = s.onFire(s.ctx, t)
	}
}

func (s *Scheduler) delayFor(t Target, r Rearm) time.Duration {
	if !r.useInterval {
		return r.delay
	}
	if d := t.PollInterval(); d > 0 {
		return d
	}
	return DefaultInterval
}

// Pending reports whether a timer is armed for taskType.
func (s *Scheduler) Pending(taskType string) bool {
	_, ok := s.pending.Load(taskType)
	return ok
}

// PendingCount returns the number of armed timers.
func (s *Scheduler) PendingCount() int {
	n := 0
	s.pending.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Stopped reports whether Shutdown was called.
func (s *Scheduler) Stopped() bool { return s.stopped.Load() }

// Shutdown stops every timer, prevents new ones from being armed and waits
// up to timeout for running cycles. It returns whether all cycles finished.
func (s *Scheduler) Shutdown(timeout time.Duration) bool {
	if !s.stopped.CompareAndSwap(false, true) {
		return s.inFlight.Load() == 0
	}

	s.pending.Range(func(key, value any) bool {
		e := value.(*entry)
		e.mu.Lock()
		if e.timer != nil {
			e.timer.Stop()
		}
		e.mu.Unlock()
		s.pending.Delete(key)
		return true
	})

	deadline := time.Now().Add(timeout)
	for s.inFlight.Load() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	drained := s.inFlight.Load() == 0

	if s.cancel != nil {
		s.cancel()
	}
	s.logger.Info("scheduler stopped", "drained", drained)
	return drained
}
