// ============================================================================
// Falcon Worker - Parameter Binder
// ============================================================================
//
// Package: internal/binder
// File: binder.go
// Purpose: Adapt a generic task payload to a typed handler function and
//          coerce the handler's return value back into a TaskResult
//
// Compile-once model:
//   Compile() inspects the handler with reflection exactly once, when the
//   worker is registered, and produces a Binding: an ordered table of
//   (input key, target type, required) entries plus an output strategy.
//   The per-task path only walks that table.
//
// Accepted handler shapes:
//
//   func([ctx context.Context,] task *types.Task) ...
//   func([ctx context.Context,] input map[string]any) ...
//   func([ctx context.Context,] a A, b B, ...) ...        // with Inputs(...)
//
//   Return: nothing | error | T | (T, error)
//
// Input binding priority:
//   1. a single *types.Task parameter receives the task itself
//   2. a single map[string]any parameter without Inputs receives InputData
//   3. otherwise every parameter is named through Inputs, in order
//
// Output strategies (chosen from T at compile time):
//   OutputName set      → whole value under that key
//   *types.TaskResult   → returned as-is
//   types.DynamicFork   → forkedTasks / forkedTasksInputs
//   map[string]X        → merged into OutputData
//   scalar/string/bool/slice → OutputData["result"]
//   struct              → field-mapped through its JSON encoding
//   interface           → classified per value
//
// ============================================================================

package binder

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/ChuLiYu/falcon-worker/pkg/types"
)

// ResultKey is the output key for scalar and list return values.
const ResultKey = "result"

var (
	// ErrNotFunc is returned when the handler is not a function.
	ErrNotFunc = errors.New("handler must be a function")
	// ErrUnnamedParams is returned when parameters cannot be bound by name.
	ErrUnnamedParams = errors.New("handler parameters must be named with Inputs")
	// ErrBadReturn is returned for unsupported return signatures.
	ErrBadReturn = errors.New("handler must return nothing, error, T or (T, error)")
)

var (
	ctxType        = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType      = reflect.TypeOf((*error)(nil)).Elem()
	taskPtrType    = reflect.TypeOf((*types.Task)(nil))
	resultPtrType  = reflect.TypeOf((*types.TaskResult)(nil))
	resultType     = reflect.TypeOf(types.TaskResult{})
	forkType       = reflect.TypeOf(types.DynamicFork{})
	payloadMapType = reflect.TypeOf(map[string]any(nil))
)

type inputMode int

const (
	modeNone inputMode = iota
	modeRawTask
	modePayload
	modeNamed
)

type outputKind int

const (
	outNone outputKind = iota
	outNamed
	outResult
	outFork
	outMap
	outScalar
	outStruct
	outDynamic
)

func (k outputKind) String() string {
	switch k {
	case outNone:
		return "none"
	case outNamed:
		return "named"
	case outResult:
		return "result"
	case outFork:
		return "dynamic_fork"
	case outMap:
		return "map"
	case outScalar:
		return "scalar"
	case outStruct:
		return "struct"
	case outDynamic:
		return "dynamic"
	}
	return "unknown"
}

// Input names one handler parameter.
type Input struct {
	Name     string
	Required bool
}

// Required declares a parameter that must be present in the input payload.
func Required(name string) Input { return Input{Name: name, Required: true} }

// Optional declares a parameter that resolves to its zero value when absent.
func Optional(name string) Input { return Input{Name: name} }

type options struct {
	inputs     []Input
	outputName string
}

// Option configures Compile.
type Option func(*options)

// Inputs names the handler's parameters, in declaration order.
func Inputs(in ...Input) Option {
	return func(o *options) { o.inputs = append(o.inputs, in...) }
}

// OutputName places the whole return value under a single output key.
func OutputName(name string) Option {
	return func(o *options) { o.outputName = name }
}

type param struct {
	name     string
	required bool
	typ      reflect.Type
}

// Binding is the precomputed call table for one handler.
type Binding struct {
	fn         reflect.Value
	takesCtx   bool
	mode       inputMode
	params     []param
	argType    reflect.Type // modeRawTask / modePayload
	hasValue   bool
	hasErr     bool
	out        outputKind
	outputName string
}

// Compile analyses fn once and returns its Binding.
func Compile(fn any, opts ...Option) (*Binding, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	v := reflect.ValueOf(fn)
	if !v.IsValid() || v.Kind() != reflect.Func {
		return nil, ErrNotFunc
	}
	t := v.Type()
	if t.IsVariadic() {
		return nil, fmt.Errorf("%w: variadic handlers are not supported", ErrUnnamedParams)
	}

	b := &Binding{fn: v, outputName: o.outputName}

	first := 0
	if t.NumIn() > 0 && t.In(0) == ctxType {
		b.takesCtx = true
		first = 1
	}

	if err := b.compileInputs(t, first, o.inputs); err != nil {
		return nil, err
	}
	if err := b.compileOutputs(t); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Binding) compileInputs(t reflect.Type, first int, inputs []Input) error {
	n := t.NumIn() - first
	switch {
	case n == 0:
		if len(inputs) > 0 {
			return fmt.Errorf("%w: %d inputs declared for a handler without parameters", ErrUnnamedParams, len(inputs))
		}
		b.mode = modeNone
		return nil
	case n == 1 && t.In(first) == taskPtrType:
		b.mode = modeRawTask
		b.argType = taskPtrType
		return nil
	case n == 1 && len(inputs) == 0 && isPayloadMap(t.In(first)):
		b.mode = modePayload
		b.argType = t.In(first)
		return nil
	}

	if len(inputs) != n {
		return fmt.Errorf("%w: handler has %d parameters, %d inputs declared", ErrUnnamedParams, n, len(inputs))
	}
	seen := make(map[string]bool, n)
	for i, in := range inputs {
		if in.Name == "" {
			return fmt.Errorf("%w: parameter %d has an empty name", ErrUnnamedParams, i)
		}
		if seen[in.Name] {
			return fmt.Errorf("%w: duplicate input %q", ErrUnnamedParams, in.Name)
		}
		seen[in.Name] = true
		b.params = append(b.params, param{
			name:     in.Name,
			required: in.Required,
			typ:      t.In(first + i),
		})
	}
	b.mode = modeNamed
	return nil
}

func (b *Binding) compileOutputs(t reflect.Type) error {
	switch t.NumOut() {
	case 0:
	case 1:
		if t.Out(0) == errorType {
			b.hasErr = true
		} else {
			b.hasValue = true
		}
	case 2:
		if t.Out(1) != errorType {
			return ErrBadReturn
		}
		b.hasValue = true
		b.hasErr = true
	default:
		return ErrBadReturn
	}

	if !b.hasValue {
		b.out = outNone
		return nil
	}
	if b.outputName != "" {
		b.out = outNamed
		return nil
	}
	kind, err := classify(t.Out(0))
	if err != nil {
		return err
	}
	b.out = kind
	return nil
}

// classify maps a return type to its output strategy.
func classify(t reflect.Type) (outputKind, error) {
	switch t {
	case resultPtrType, resultType:
		return outResult, nil
	case forkType, reflect.PointerTo(forkType):
		return outFork, nil
	}

	switch t.Kind() {
	case reflect.Interface:
		return outDynamic, nil
	case reflect.Map:
		if t.Key().Kind() != reflect.String {
			return outNone, fmt.Errorf("%w: map outputs need string keys, got %s", ErrBadReturn, t)
		}
		return outMap, nil
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64, reflect.Slice, reflect.Array:
		return outScalar, nil
	case reflect.Struct:
		return outStruct, nil
	case reflect.Pointer:
		return classify(t.Elem())
	}
	return outNone, fmt.Errorf("%w: unsupported output type %s", ErrBadReturn, t)
}

func isPayloadMap(t reflect.Type) bool {
	return t.Kind() == reflect.Map &&
		t.Key().Kind() == reflect.String &&
		t.Elem().Kind() == reflect.Interface &&
		t.Elem().NumMethod() == 0
}

// TakesContext reports whether the handler's first parameter is a context.
func (b *Binding) TakesContext() bool { return b.takesCtx }

// OutputStrategy names the output strategy chosen at compile time.
func (b *Binding) OutputStrategy() string { return b.out.String() }
