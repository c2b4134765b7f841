// ============================================================================
// Falcon Worker - Worker Registration
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Purpose: The Worker contract consumed by the runner, and Handler, the
//          Worker built from an ordinary Go function
//
// Registration:
//
//	w, err := worker.New("send_email", sendEmail,
//	    worker.WithInputs(binder.Required("to"), binder.Optional("cc")),
//	    worker.WithThreadBudget(4),
//	    worker.WithPollInterval(500*time.Millisecond),
//	)
//
//   New() compiles the handler through binder.Compile once; Execute() only
//   walks the compiled table.
//
// Mutable settings:
//   Paused and PollInterval may change after registration (operators toggle
//   them through configuration). Both are atomics; everything else is fixed.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/falcon-worker/internal/binder"
	"github.com/ChuLiYu/falcon-worker/pkg/types"
)

// Defaults applied by New.
const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultThreadBudget = 1
	DefaultPollTimeout  = 100 * time.Millisecond
)

// ErrEmptyTaskType is returned when registering a worker without a task type.
var ErrEmptyTaskType = errors.New("worker task type must not be empty")

// Worker is a registered handler bound to one task type.
type Worker interface {
	TaskType() string
	Execute(ctx context.Context, task *types.Task) *types.TaskResult
	PollInterval() time.Duration
	ThreadBudget() int
	Domain() string
	Paused() bool
}

// BatchPoller is implemented by workers that drain batches before re-polling.
type BatchPoller interface {
	BatchPoll() bool
}

// PollTimeouter is implemented by workers with a custom long-poll timeout.
type PollTimeouter interface {
	PollTimeout() time.Duration
}

// Handler is a Worker backed by a compiled handler function.
type Handler struct {
	taskType     string
	binding      *binder.Binding
	pollInterval atomic.Int64
	threadBudget int
	domain       string
	paused       atomic.Bool
	batchPoll    bool
	pollTimeout  time.Duration
}

type config struct {
	pollInterval time.Duration
	threadBudget int
	domain       string
	paused       bool
	batchPoll    bool
	pollTimeout  time.Duration
	bindOpts     []binder.Option
}

// Option configures a Handler.
type Option func(*config)

// WithPollInterval sets the delay between polls.
func WithPollInterval(d time.Duration) Option {
	return func(c *config) { c.pollInterval = d }
}

// WithThreadBudget caps concurrent executions for the worker.
func WithThreadBudget(n int) Option {
	return func(c *config) { c.threadBudget = n }
}

// WithDomain sets the routing domain the worker polls.
func WithDomain(domain string) Option {
	return func(c *config) { c.domain = domain }
}

// WithPaused registers the worker paused.
func WithPaused(paused bool) Option {
	return func(c *config) { c.paused = paused }
}

// WithBatchPoll makes the worker wait for each batch before re-polling.
func WithBatchPoll(enabled bool) Option {
	return func(c *config) { c.batchPoll = enabled }
}

// WithPollTimeout sets the server-side long-poll timeout.
func WithPollTimeout(d time.Duration) Option {
	return func(c *config) { c.pollTimeout = d }
}

// WithInputs names the handler parameters.
func WithInputs(in ...binder.Input) Option {
	return func(c *config) { c.bindOpts = append(c.bindOpts, binder.Inputs(in...)) }
}

// WithOutputName stores the whole return value under one output key.
func WithOutputName(name string) Option {
	return func(c *config) { c.bindOpts = append(c.bindOpts, binder.OutputName(name)) }
}

// New builds a Worker for taskType from fn.
func New(taskType string, fn any, opts ...Option) (*Handler, error) {
	if taskType == "" {
		return nil, ErrEmptyTaskType
	}
	cfg := config{
		pollInterval: DefaultPollInterval,
		threadBudget: DefaultThreadBudget,
		pollTimeout:  DefaultPollTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.threadBudget <= 0 {
		cfg.threadBudget = DefaultThreadBudget
	}
	if cfg.pollInterval <= 0 {
		cfg.pollInterval = DefaultPollInterval
	}

	b, err := binder.Compile(fn, cfg.bindOpts...)
	if err != nil {
		return nil, err
	}

	h := &Handler{
		taskType:     taskType,
		binding:      b,
		threadBudget: cfg.threadBudget,
		domain:       cfg.domain,
		batchPoll:    cfg.batchPoll,
		pollTimeout:  cfg.pollTimeout,
	}
	h.pollInterval.Store(int64(cfg.pollInterval))
	h.paused.Store(cfg.paused)
	return h, nil
}

// MustNew is New that panics on error, for static registration.
func MustNew(taskType string, fn any, opts ...Option) *Handler {
	h, err := New(taskType, fn, opts...)
	if err != nil {
		panic(err)
	}
	return h
}

func (h *Handler) TaskType() string { return h.taskType }
func (h *Handler) ThreadBudget() int { return h.threadBudget }
func (h *Handler) Domain() string { return h.domain }
func (h *Handler) BatchPoll() bool { return h.batchPoll }
func (h *Handler) PollTimeout() time.Duration { return h.pollTimeout }
func (h *Handler) Paused() bool { return h.paused.Load() }

// SetPaused toggles polling for the worker.
func (h *Handler) SetPaused(paused bool) { h.paused.Store(paused) }

func (h *Handler) PollInterval() time.Duration {
	return time.Duration(h.pollInterval.Load())
}

// SetPollInterval changes the delay between polls.
func (h *Handler) SetPollInterval(d time.Duration) {
	if d > 0 {
		h.pollInterval.Store(int64(d))
	}
}

// Execute runs the handler for task.
func (h *Handler) Execute(ctx context.Context, task *types.Task) *types.TaskResult {
	return h.binding.Invoke(ctx, task)
}
