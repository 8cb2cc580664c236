package edgeserve

import (
	"fmt"

	v8 "github.com/tommie/v8go"
)

// v8Runtime implements jsRuntime over a V8 isolate+context pair. Used by
// the sandbox supervisor: the isolate has no ambient capabilities, so the
// registered host functions are the script's entire reachable surface.
type v8Runtime struct {
	iso *v8.Isolate
	ctx *v8.Context
}

var _ jsRuntime = (*v8Runtime)(nil)

func newV8Runtime(memoryLimitMB int) *v8Runtime {
	var iso *v8.Isolate
	if memoryLimitMB > 0 {
		heapSize := uint64(memoryLimitMB) * 1024 * 1024
		iso = v8.NewIsolate(v8.WithResourceConstraints(heapSize/2, heapSize))
	} else {
		iso = v8.NewIsolate()
	}
	return &v8Runtime{iso: iso, ctx: v8.NewContext(iso)}
}

// Eval evaluates JavaScript and discards the result.
func (r *v8Runtime) Eval(js string) error {
	_, err := r.ctx.RunScript(js, "eval.js")
	return err
}

// EvalString evaluates JavaScript and returns the result as a Go string.
func (r *v8Runtime) EvalString(js string) (string, error) {
	val, err := r.ctx.RunScript(js, "eval_string.js")
	if err != nil {
		return "", err
	}
	if val == nil {
		return "", nil
	}
	return val.String(), nil
}

// EvalBool evaluates JavaScript and returns the result as a Go bool.
func (r *v8Runtime) EvalBool(js string) (bool, error) {
	val, err := r.ctx.RunScript(js, "eval_bool.js")
	if err != nil {
		return false, err
	}
	if val == nil {
		return false, nil
	}
	return val.Boolean(), nil
}

// RegisterFunc registers a host function as a global JS function. The V8
// callback receives the packed JSON argument array as its single argument;
// host errors are thrown into the isolate as exceptions.
func (r *v8Runtime) RegisterFunc(name string, fn hostFunc) error {
	tmpl := v8.NewFunctionTemplate(r.iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := info.Args()
		packed := ""
		if len(args) > 0 {
			packed = args[0].String()
		}
		out, err := fn(unpackArgs(packed))
		if err != nil {
			msg, _ := v8.NewValue(r.iso, fmt.Sprintf("%s: %s", name, err.Error()))
			r.iso.ThrowException(msg)
			return nil
		}
		val, _ := v8.NewValue(r.iso, out)
		return val
	})

	rawName := "__raw_" + name
	if err := r.ctx.Global().Set(rawName, tmpl.GetFunction(r.ctx)); err != nil {
		return err
	}

	wrapJS := fmt.Sprintf(`(function() {
		var raw = globalThis[%q];
		globalThis[%q] = function() {
			return raw(JSON.stringify(Array.prototype.slice.call(arguments).map(function(a) {
				return a === undefined || a === null ? '' : String(a);
			})));
		};
		delete globalThis[%q];
	})()`, rawName, name, rawName)
	return r.Eval(wrapJS)
}

// RunMicrotasks pumps the V8 microtask queue.
func (r *v8Runtime) RunMicrotasks() {
	r.ctx.PerformMicrotaskCheckpoint()
}

// Close disposes of the context and isolate.
func (r *v8Runtime) Close() {
	r.ctx.Close()
	r.iso.Dispose()
}

// terminate aborts any JavaScript currently executing in the isolate. The
// one V8 call that is safe from another goroutine; used by the execution
// watchdog.
func (r *v8Runtime) terminate() {
	r.iso.TerminateExecution()
}
