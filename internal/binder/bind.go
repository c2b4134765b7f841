package binder

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/ChuLiYu/falcon-worker/pkg/types"
)

// ArgumentError reports an input that could not be bound to a parameter.
type ArgumentError struct {
	Param  string
	Reason string
	Err    error
}

func (e *ArgumentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("input %q: %s: %v", e.Param, e.Reason, e.Err)
	}
	return fmt.Sprintf("input %q: %s", e.Param, e.Reason)
}

func (e *ArgumentError) Unwrap() error { return e.Err }

// Bind resolves the handler arguments for task, excluding the leading context.
func (b *Binding) Bind(task *types.Task) ([]reflect.Value, error) {
	switch b.mode {
	case modeNone:
		return nil, nil
	case modeRawTask:
		return []reflect.Value{reflect.ValueOf(task)}, nil
	case modePayload:
		payload := task.InputData
		if payload == nil {
			payload = map[string]any{}
		}
		return []reflect.Value{reflect.ValueOf(payload).Convert(b.argType)}, nil
	}

	args := make([]reflect.Value, len(b.params))
	for i, p := range b.params {
		raw, ok := task.InputData[p.name]
		if !ok || raw == nil {
			if p.required {
				return nil, &ArgumentError{Param: p.name, Reason: "missing required input"}
			}
			args[i] = reflect.Zero(p.typ)
			continue
		}
		v, err := convert(raw, p.typ)
		if err != nil {
			return nil, &ArgumentError{Param: p.name, Reason: "cannot convert to " + p.typ.String(), Err: err}
		}
		args[i] = v
	}
	return args, nil
}

// convert turns a decoded payload value into typ. Lists are converted
// element by element with typ's element type.
func convert(raw any, typ reflect.Type) (reflect.Value, error) {
	rv := reflect.ValueOf(raw)
	if rv.Type().AssignableTo(typ) {
		return rv, nil
	}

	if typ.Kind() == reflect.Slice && (rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array) {
		out := reflect.MakeSlice(typ, rv.Len(), rv.Len())
		for i := 0; i < rv.Len(); i++ {
			item := rv.Index(i).Interface()
			if item == nil {
				continue
			}
			ev, err := convert(item, typ.Elem())
			if err != nil {
				return reflect.Value{}, fmt.Errorf("element %d: %w", i, err)
			}
			out.Index(i).Set(ev)
		}
		return out, nil
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return reflect.Value{}, err
	}
	ptr := reflect.New(typ)
	if err := json.Unmarshal(data, ptr.Interface()); err != nil {
		return reflect.Value{}, err
	}
	return ptr.Elem(), nil
}
