package edgeserve

import (
	"reflect"
	"unsafe"

	"modernc.org/libc"
	lib "modernc.org/libquickjs"
	"modernc.org/quickjs"
)

// executePendingJobs drains the QuickJS pending-job queue (Promise
// reactions and other microtasks) and returns how many jobs ran. The
// modernc.org/quickjs wrapper never calls JS_ExecutePendingJob itself, so
// without this pump awaited promises inside a script would never settle.
//
// The wrapper also keeps the runtime handle and its libc TLS unexported, so
// reaching XJS_ExecutePendingJob requires pulling both out via reflection.
// The field names are pinned to modernc.org/quickjs v0.17.1:
//
//	VM.runtime        *runtime
//	runtime.cRuntime  uintptr
//	runtime.tls       *libc.TLS
func executePendingJobs(vm *quickjs.VM) int {
	handle, tls := quickjsRuntimeHandle(vm)
	if handle == 0 || tls == nil {
		return 0
	}
	n := 0
	for lib.XJS_ExecutePendingJob(tls, handle, 0) > 0 {
		n++
	}
	return n
}

func quickjsRuntimeHandle(vm *quickjs.VM) (uintptr, *libc.TLS) {
	rtField := reflect.ValueOf(vm).Elem().FieldByName("runtime")
	if !rtField.IsValid() || rtField.IsNil() {
		return 0, nil
	}
	rt := reflect.NewAt(rtField.Type().Elem(), unsafe.Pointer(rtField.Pointer())).Elem()

	handleField := rt.FieldByName("cRuntime")
	tlsField := rt.FieldByName("tls")
	if !handleField.IsValid() || !tlsField.IsValid() || tlsField.IsNil() {
		return 0, nil
	}
	return uintptr(handleField.Uint()), (*libc.TLS)(unsafe.Pointer(tlsField.Pointer()))
}
