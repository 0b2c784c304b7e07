package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dop251/goja"
)

// Executor runs one script and returns its JSON-encoded value.
type Executor interface {
	Execute(ctx context.Context, script string) (json.RawMessage, error)
}

// ScriptError is a failure raised by the script itself.
type ScriptError struct {
	Message string
}

func (e *ScriptError) Error() string { return e.Message }

var errPromisePending = errors.New("script promise did not settle")

// GojaExecutor runs scripts in a fresh goja runtime per call. Scripts see a
// console object whose methods log at debug level.
type GojaExecutor struct {
	log *slog.Logger
}

// NewGojaExecutor creates an executor. nil logger uses slog.Default().
func NewGojaExecutor(logger *slog.Logger) *GojaExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &GojaExecutor{log: logger}
}

// Execute runs script as the body of a function. A returned promise must be
// settled by the time the script's job queue drains. Cancelling ctx
// interrupts the runtime.
func (e *GojaExecutor) Execute(ctx context.Context, script string) (json.RawMessage, error) {
	vm := goja.New()
	if err := e.installConsole(vm); err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt(ctx.Err())
	})
	defer stop()

	v, err := vm.RunString("(function() {\n" + script + "\n})()")
	if err != nil {
		return nil, scriptFailure(err)
	}

	if p, ok := v.Export().(*goja.Promise); ok {
		switch p.State() {
		case goja.PromiseStateFulfilled:
			v = p.Result()
		case goja.PromiseStateRejected:
			return nil, &ScriptError{Message: p.Result().String()}
		default:
			return nil, errPromisePending
		}
	}
	return stringify(vm, v)
}

func (e *GojaExecutor) installConsole(vm *goja.Runtime) error {
	console := vm.NewObject()
	logFn := func(call goja.FunctionCall) goja.Value {
		args := make([]any, 0, len(call.Arguments))
		for _, a := range call.Arguments {
			args = append(args, a.String())
		}
		e.log.Debug("script console", "args", args)
		return goja.Undefined()
	}
	for _, name := range []string{"log", "info", "warn", "error", "debug"} {
		if err := console.Set(name, logFn); err != nil {
			return fmt.Errorf("install console.%s: %w", name, err)
		}
	}
	return vm.Set("console", console)
}

func scriptFailure(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if cause, ok := interrupted.Value().(error); ok {
			return fmt.Errorf("script interrupted: %w", cause)
		}
		return fmt.Errorf("script interrupted: %v", interrupted.Value())
	}
	var exception *goja.Exception
	if errors.As(err, &exception) {
		return &ScriptError{Message: exception.Value().String()}
	}
	return &ScriptError{Message: err.Error()}
}

// stringify encodes v with the runtime's JSON.stringify so script values
// serialize the way scripts expect. undefined and functions become null.
func stringify(vm *goja.Runtime, v goja.Value) (json.RawMessage, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return json.RawMessage("null"), nil
	}
	jsonObj := vm.Get("JSON").ToObject(vm)
	fn, ok := goja.AssertFunction(jsonObj.Get("stringify"))
	if !ok {
		return nil, errors.New("JSON.stringify unavailable")
	}
	out, err := fn(jsonObj, v)
	if err != nil {
		return nil, scriptFailure(err)
	}
	if goja.IsUndefined(out) {
		return json.RawMessage("null"), nil
	}
	return json.RawMessage(out.String()), nil
}
