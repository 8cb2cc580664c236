package edgeserve

import (
	"fmt"

	"modernc.org/quickjs"
)

// qjsRuntime implements jsRuntime over a QuickJS VM. Used by the in-process
// executor: the VM shares the host's address space and scheduler, which is
// what makes registry-backed durable objects possible.
type qjsRuntime struct {
	vm *quickjs.VM
}

var _ jsRuntime = (*qjsRuntime)(nil)

func newQJSRuntime(memoryLimitMB int) (*qjsRuntime, error) {
	vm, err := quickjs.NewVM()
	if err != nil {
		return nil, fmt.Errorf("creating QuickJS VM: %w", err)
	}
	if memoryLimitMB > 0 {
		vm.SetMemoryLimit(uintptr(memoryLimitMB) * 1024 * 1024)
	}
	return &qjsRuntime{vm: vm}, nil
}

// Eval evaluates JavaScript and discards the result.
func (r *qjsRuntime) Eval(js string) error {
	v, err := r.vm.EvalValue(js, quickjs.EvalGlobal)
	if err != nil {
		return err
	}
	v.Free()
	return nil
}

// EvalString evaluates JavaScript and returns the result as a Go string.
func (r *qjsRuntime) EvalString(js string) (string, error) {
	result, err := r.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return "", err
	}
	if result == nil {
		return "", nil
	}
	return fmt.Sprint(result), nil
}

// EvalBool evaluates JavaScript and returns the result as a Go bool.
func (r *qjsRuntime) EvalBool(js string) (bool, error) {
	result, err := r.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return false, err
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expected bool, got %T", result)
	}
	return b, nil
}

// RegisterFunc registers a host function as a global JS function. The raw
// Go function takes the packed JSON argument array as its single string
// argument. modernc.org/quickjs returns multi-value Go results as JS arrays
// [value, error], so the wrapper unwraps them and throws on error.
func (r *qjsRuntime) RegisterFunc(name string, fn hostFunc) error {
	rawName := "__raw_" + name
	raw := func(packed string) (string, error) {
		return fn(unpackArgs(packed))
	}
	if err := r.vm.RegisterFunc(rawName, raw, false); err != nil {
		return err
	}
	wrapJS := fmt.Sprintf(`(function() {
		var raw = globalThis[%q];
		globalThis[%q] = function() {
			var packed = JSON.stringify(Array.prototype.slice.call(arguments).map(function(a) {
				return a === undefined || a === null ? '' : String(a);
			}));
			var r = raw(packed);
			if (Array.isArray(r)) {
				if (r[1] !== null && r[1] !== undefined) throw new TypeError(%q + ": " + r[1]);
				return r[0];
			}
			return r;
		};
		delete globalThis[%q];
	})()`, rawName, name, name, rawName)
	return r.Eval(wrapJS)
}

// RunMicrotasks pumps the QuickJS pending-job queue.
func (r *qjsRuntime) RunMicrotasks() {
	executePendingJobs(r.vm)
}

// Close disposes of the VM.
func (r *qjsRuntime) Close() {
	r.vm.Close()
}
