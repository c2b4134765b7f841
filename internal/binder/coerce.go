package binder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"strings"

	"github.com/ChuLiYu/falcon-worker/internal/taskctx"
	"github.com/ChuLiYu/falcon-worker/pkg/types"
)

// maxStackFrames caps the frames kept from a handler panic.
const maxStackFrames = 12

// dispatchFrames are stack frame prefixes of the runtime's own call path.
var dispatchFrames = []string{
	"runtime/debug.",
	"runtime.",
	"panic(",
	"reflect.",
	"github.com/ChuLiYu/falcon-worker/internal/batch.",
	"github.com/ChuLiYu/falcon-worker/internal/binder.",
	"github.com/ChuLiYu/falcon-worker/internal/runner.",
	"github.com/ChuLiYu/falcon-worker/internal/worker.",
}

// Invoke executes the handler for task and always returns a result.
//
// Failure mapping:
//   - binding error          → FAILED, reason is the binding message
//   - error wrapping ErrTerminal → FAILED_WITH_TERMINAL_ERROR
//   - any other error        → FAILED
//   (handler errors are also appended to the result logs)
//   - panic                  → FAILED, trimmed stack appended to logs
func (b *Binding) Invoke(ctx context.Context, task *types.Task) (result *types.TaskResult) {
	tc := taskctx.New(task)
	ctx = taskctx.With(ctx, tc)

	defer func() {
		if r := recover(); r != nil {
			result = tc.Result()
			result.Status = types.StatusFailed
			result.ReasonForIncompletion = fmt.Sprintf("panic: %v", r)
			result.AddLog(result.ReasonForIncompletion + "\n" + trimStack(debug.Stack()))
		}
	}()

	args, err := b.Bind(task)
	if err != nil {
		return fail(tc.Result(), types.StatusFailed, err)
	}
	if b.takesCtx {
		args = append([]reflect.Value{reflect.ValueOf(ctx)}, args...)
	}

	value, err := b.split(b.fn.Call(args))
	if err != nil {
		status := types.StatusFailed
		if errors.Is(err, types.ErrTerminal) {
			status = types.StatusFailedTerminal
		}
		result := fail(tc.Result(), status, err)
		result.AddLog(fmt.Sprintf("%s: %+v", status, err))
		return finalize(result, tc)
	}

	return finalize(b.Coerce(value, tc.Result()), tc)
}

// split separates the handler's return values into a value and an error.
func (b *Binding) split(outs []reflect.Value) (any, error) {
	var value any
	var err error

	if b.hasErr {
		if ev := outs[len(outs)-1]; !ev.IsNil() {
			err = ev.Interface().(error)
		}
	}
	if b.hasValue {
		v := outs[0]
		switch v.Kind() {
		case reflect.Pointer, reflect.Interface, reflect.Map:
			if !v.IsNil() {
				value = v.Interface()
			}
		default:
			value = v.Interface()
		}
	}
	return value, err
}

// Coerce folds a handler return value into result.
func (b *Binding) Coerce(value any, result *types.TaskResult) *types.TaskResult {
	if value == nil {
		return result
	}
	kind := b.out
	if kind == outDynamic {
		var err error
		if kind, err = classify(reflect.TypeOf(value)); err != nil {
			return fail(result, types.StatusFailed, err)
		}
	}
	return b.coerceAs(kind, value, result)
}

func (b *Binding) coerceAs(kind outputKind, value any, result *types.TaskResult) *types.TaskResult {
	if result.OutputData == nil {
		result.OutputData = make(map[string]any)
	}

	switch kind {
	case outNone:
	case outNamed:
		result.OutputData[b.outputName] = value
	case outResult:
		return adoptResult(value, result)
	case outFork:
		fork, ok := value.(types.DynamicFork)
		if p, isPtr := value.(*types.DynamicFork); isPtr {
			fork, ok = *p, true
		}
		if ok {
			result.OutputData[types.ForkedTasksKey] = fork.Tasks
			result.OutputData[types.ForkedTasksInputsKey] = fork.Inputs
		}
	case outMap:
		iter := reflect.ValueOf(value).MapRange()
		for iter.Next() {
			result.OutputData[iter.Key().String()] = iter.Value().Interface()
		}
	case outScalar:
		result.OutputData[ResultKey] = value
	case outStruct:
		fields, err := structFields(value)
		if err != nil {
			return fail(result, types.StatusFailed, fmt.Errorf("map output %T: %w", value, err))
		}
		for k, v := range fields {
			result.OutputData[k] = v
		}
	}
	return result
}

// adoptResult returns a handler-built result, keeping identity and logs
// gathered through the execution context.
func adoptResult(value any, inProgress *types.TaskResult) *types.TaskResult {
	var built *types.TaskResult
	switch r := value.(type) {
	case *types.TaskResult:
		built = r
	case types.TaskResult:
		built = &r
	default:
		return inProgress
	}

	if built.TaskID == "" {
		built.TaskID = inProgress.TaskID
	}
	if built.WorkflowInstanceID == "" {
		built.WorkflowInstanceID = inProgress.WorkflowInstanceID
	}
	if built.WorkerID == "" {
		built.WorkerID = inProgress.WorkerID
	}
	if built.Status == "" {
		built.Status = types.StatusCompleted
	}
	if built.OutputData == nil {
		built.OutputData = make(map[string]any)
	}
	if built.CallbackAfterSeconds == 0 {
		built.CallbackAfterSeconds = inProgress.CallbackAfterSeconds
	}
	built.Logs = append(inProgress.Logs, built.Logs...)
	return built
}

func structFields(value any) (map[string]any, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]any)
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func fail(result *types.TaskResult, status types.TaskStatus, err error) *types.TaskResult {
	result.Status = status
	result.ReasonForIncompletion = err.Error()
	return result
}

// finalize applies the callback-after rule: a non-failed result with a
// positive callback delay is reported IN_PROGRESS.
func finalize(result *types.TaskResult, tc *taskctx.Context) *types.TaskResult {
	if result.CallbackAfterSeconds == 0 {
		result.CallbackAfterSeconds = int64(tc.CallbackAfter().Seconds())
	}
	if !result.Status.IsFailure() && result.CallbackAfterSeconds > 0 {
		result.Status = types.StatusInProgress
	}
	return result
}

// trimStack drops the goroutine header and frames of the dispatch path,
// keeping at most maxStackFrames handler frames.
func trimStack(stack []byte) string {
	lines := strings.Split(strings.TrimSpace(string(stack)), "\n")
	if len(lines) > 0 && strings.HasPrefix(lines[0], "goroutine ") {
		lines = lines[1:]
	}

	var kept []string
	frames := 0
	for i := 0; i+1 < len(lines) && frames < maxStackFrames; i += 2 {
		fn := lines[i]
		if isDispatchFrame(fn) {
			continue
		}
		kept = append(kept, fn, lines[i+1])
		frames++
	}
	return strings.Join(kept, "\n")
}

func isDispatchFrame(fn string) bool {
	for _, prefix := range dispatchFrames {
		if strings.HasPrefix(fn, prefix) {
			return true
		}
	}
	return false
}
