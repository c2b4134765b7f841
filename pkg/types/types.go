// Package types defines the wire-level domain model shared by the worker
// runtime and its transports.
package types

import (
	"errors"
	"fmt"
	"time"
)

// TaskStatus is the completion status reported for a task.
type TaskStatus string

const (
	StatusInProgress     TaskStatus = "IN_PROGRESS"                // handler asked for redelivery later
	StatusCompleted      TaskStatus = "COMPLETED"                  // handler finished successfully
	StatusFailed         TaskStatus = "FAILED"                     // retryable failure
	StatusFailedTerminal TaskStatus = "FAILED_WITH_TERMINAL_ERROR" // non-retryable failure
)

// IsFailure reports whether s is one of the failure statuses.
func (s TaskStatus) IsFailure() bool {
	return s == StatusFailed || s == StatusFailedTerminal
}

// Task is a unit of work returned by a poll.
type Task struct {
	TaskID             string         `json:"taskId"`
	TaskType           string         `json:"taskType"`
	WorkflowInstanceID string         `json:"workflowInstanceId"`
	CorrelationID      string         `json:"correlationId,omitempty"`
	Domain             string         `json:"domain,omitempty"`
	WorkerID           string         `json:"workerId,omitempty"`
	InputData          map[string]any `json:"inputData"`

	RetryCount           int   `json:"retryCount"`
	PollCount            int   `json:"pollCount"`
	CallbackAfterSeconds int64 `json:"callbackAfterSeconds"`
	ResponseTimeoutSecs  int64 `json:"responseTimeoutSeconds,omitempty"`
}

// TaskLog is a single log line captured while a task executed.
type TaskLog struct {
	TaskID      string `json:"taskId"`
	Log         string `json:"log"`
	CreatedTime int64  `json:"createdTime"` // unix millis
}

// TaskResult is the outcome reported back to the server for one task.
type TaskResult struct {
	TaskID                string         `json:"taskId"`
	WorkflowInstanceID    string         `json:"workflowInstanceId"`
	WorkerID              string         `json:"workerId,omitempty"`
	Status                TaskStatus     `json:"status"`
	ReasonForIncompletion string         `json:"reasonForIncompletion,omitempty"`
	CallbackAfterSeconds  int64          `json:"callbackAfterSeconds,omitempty"`
	OutputData            map[string]any `json:"outputData"`
	Logs                  []TaskLog      `json:"logs,omitempty"`
}

// NewTaskResult returns an empty COMPLETED result bound to task.
func NewTaskResult(task *Task) *TaskResult {
	return &TaskResult{
		TaskID:             task.TaskID,
		WorkflowInstanceID: task.WorkflowInstanceID,
		WorkerID:           task.WorkerID,
		Status:             StatusCompleted,
		OutputData:         make(map[string]any),
	}
}

// AddLog appends a log line stamped with the current time.
func (r *TaskResult) AddLog(line string) {
	r.Logs = append(r.Logs, TaskLog{
		TaskID:      r.TaskID,
		Log:         line,
		CreatedTime: time.Now().UnixMilli(),
	})
}

// WorkflowTask is the minimal definition of a task spawned by a dynamic fork.
type WorkflowTask struct {
	Name              string         `json:"name"`
	TaskReferenceName string         `json:"taskReferenceName"`
	Type              string         `json:"type,omitempty"`
	InputParameters   map[string]any `json:"inputParameters,omitempty"`
}

// DynamicFork is a handler return value that expands into a forked task list.
type DynamicFork struct {
	Tasks  []WorkflowTask            `json:"forkedTasks"`
	Inputs map[string]map[string]any `json:"forkedTasksInputs"`
}

// Output keys used when coercing a DynamicFork.
const (
	ForkedTasksKey       = "forkedTasks"
	ForkedTasksInputsKey = "forkedTasksInputs"
)

// ErrTerminal marks a failure that must not be retried by the server.
var ErrTerminal = errors.New("terminal task failure")

// TerminalError wraps a handler error as non-retryable.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string {
	if e.Err == nil {
		return ErrTerminal.Error()
	}
	return e.Err.Error()
}

func (e *TerminalError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrTerminal) match any TerminalError.
func (e *TerminalError) Is(target error) bool { return target == ErrTerminal }

// Terminal wraps err so the task is reported as FAILED_WITH_TERMINAL_ERROR.
func Terminal(err error) error {
	return &TerminalError{Err: err}
}

// Terminalf formats a terminal failure.
func Terminalf(format string, args ...any) error {
	return &TerminalError{Err: fmt.Errorf(format, args...)}
}
