package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"runtime/debug"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// Handler holds metadata about a registered job handler.
type Handler struct {
	Fn         reflect.Value
	ArgsType   reflect.Type
	HasContext bool
}

// PanicError is returned by Execute when the handler panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}

// NewHandler creates a Handler from a function with one of the signatures
//
//	func(ctx context.Context, args T) error
//	func(ctx context.Context) error
//	func(args T) error
//
// Each may also return (R, error); R is discarded.
func NewHandler(fn any) (*Handler, error) {
	if fn == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	fnVal := reflect.ValueOf(fn)
	if fnVal.Kind() != reflect.Func {
		return nil, fmt.Errorf("handler must be a function, got %T", fn)
	}
	if fnVal.IsNil() {
		return nil, fmt.Errorf("handler function cannot be nil")
	}

	fnType := fnVal.Type()
	h := &Handler{Fn: fnVal}

	numIn := fnType.NumIn()
	if numIn < 1 || numIn > 2 {
		return nil, fmt.Errorf("handler must have 1-2 arguments, got %d", numIn)
	}

	argIdx := 0
	if fnType.In(0).Implements(contextType) {
		h.HasContext = true
		argIdx = 1
	} else if numIn == 2 {
		return nil, fmt.Errorf("handler with two arguments must take context.Context first")
	}
	if argIdx < numIn {
		h.ArgsType = fnType.In(argIdx)
	}

	switch fnType.NumOut() {
	case 1:
		if !fnType.Out(0).Implements(errorType) {
			return nil, fmt.Errorf("handler must return error")
		}
	case 2:
		if !fnType.Out(1).Implements(errorType) {
			return nil, fmt.Errorf("handler must return (T, error)")
		}
	default:
		return nil, fmt.Errorf("handler must return error or (T, error)")
	}

	return h, nil
}

// Execute decodes argsJSON into the handler's argument type and calls it.
// A panic inside the handler is returned as a *PanicError.
func (h *Handler) Execute(ctx context.Context, argsJSON []byte) (err error) {
	if !h.Fn.IsValid() || h.Fn.IsNil() {
		return fmt.Errorf("handler function is nil or invalid")
	}

	var args []reflect.Value
	if h.HasContext {
		args = append(args, reflect.ValueOf(ctx))
	}
	if h.ArgsType != nil {
		argVal := reflect.New(h.ArgsType)
		if len(argsJSON) > 0 {
			if err := json.Unmarshal(argsJSON, argVal.Interface()); err != nil {
				return fmt.Errorf("failed to unmarshal args: %w", err)
			}
		}
		args = append(args, argVal.Elem())
	}

	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()

	results := h.Fn.Call(args)
	last := results[len(results)-1]
	if !last.IsNil() {
		return last.Interface().(error)
	}
	return nil
}
