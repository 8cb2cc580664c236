package edgeserve

import "encoding/json"

// hostFunc is the uniform shape of a Go function exposed to scripts. The JS
// wrapper packs call arguments into a JSON array of strings; the host
// returns a string result or an error that surfaces as a thrown TypeError.
type hostFunc func(args []string) (string, error)

// jsRuntime abstracts the JavaScript engine (V8 isolate or QuickJS VM)
// behind the small surface the harness needs. All traffic between Go and
// the script crosses this boundary as strings (JSON for structured data).
type jsRuntime interface {
	// Eval evaluates JavaScript source and discards the result.
	Eval(js string) error

	// EvalString evaluates JavaScript and returns the result as a string.
	EvalString(js string) (string, error)

	// EvalBool evaluates JavaScript and returns the result as a bool.
	EvalBool(js string) (bool, error)

	// RegisterFunc exposes fn as a global JavaScript function under name.
	RegisterFunc(name string, fn hostFunc) error

	// RunMicrotasks pumps the engine's microtask queue.
	RunMicrotasks()

	// Close releases the engine instance.
	Close()
}

// unpackArgs decodes the JSON argument array produced by the JS wrapper.
func unpackArgs(packed string) []string {
	var args []string
	if packed == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(packed), &args); err != nil {
		return nil
	}
	return args
}

// argAt returns args[i] or "" when out of range, so host functions can read
// optional trailing arguments without bounds checks.
func argAt(args []string, i int) string {
	if i < 0 || i >= len(args) {
		return ""
	}
	return args[i]
}
