package edgeserve

import (
	"fmt"
	"sync"
	"time"
)

const defaultMaxSubrequests = 50

// InProcessExecutor runs the script on a single QuickJS VM inside the host
// process. One VM means one shared global scope: durable-object instances
// constructed there persist across requests, which is what makes the
// registry-backed object support work. Requests serialize on the VM.
type InProcessExecutor struct {
	mu sync.Mutex
	rt jsRuntime
	el *eventLoop

	script *Script
	env    *Env

	registry       *DurableObjectRegistry
	onCapabilities CapabilitiesFunc

	MemoryLimitMB  int
	RequestTimeout time.Duration
	MaxSubrequests int
}

// NewInProcessExecutor builds an executor whose durable objects resolve
// through registry.
func NewInProcessExecutor(registry *DurableObjectRegistry, onCapabilities CapabilitiesFunc) *InProcessExecutor {
	return &InProcessExecutor{
		registry:       registry,
		onCapabilities: onCapabilities,
		RequestTimeout: defaultRequestTimeout,
		MaxSubrequests: defaultMaxSubrequests,
	}
}

func (e *InProcessExecutor) Run(script *Script, source string, env *Env) error {
	rt, err := newQJSRuntime(e.MemoryLimitMB)
	if err != nil {
		return err
	}
	el := newEventLoop()
	if err := installRuntime(rt, el); err != nil {
		rt.Close()
		return err
	}
	if err := installEnv(rt, env); err != nil {
		rt.Close()
		return err
	}
	if err := rt.Eval(source); err != nil {
		rt.Close()
		return fmt.Errorf("load script %s: %w", script.Name, err)
	}
	rt.RunMicrotasks()
	caps, err := loadCapabilities(rt)
	if err != nil {
		rt.Close()
		return err
	}

	// Old instances are gone with the old VM; forget their keys so the
	// replacement script constructs fresh ones.
	if e.registry != nil {
		e.registry.Reset()
		env.ActivateObjects(e.registry, caps)
	}

	e.mu.Lock()
	old := e.rt
	e.rt = rt
	e.el = el
	e.script = script
	e.env = env
	e.mu.Unlock()
	if old != nil {
		old.Close()
	}

	if e.onCapabilities != nil {
		e.onCapabilities(caps)
	}
	return nil
}

func (e *InProcessExecutor) Fetch(req *WorkerRequest, meta *RequestMetadata) *WorkerResult {
	e.mu.Lock()
	if e.rt == nil {
		e.mu.Unlock()
		return &WorkerResult{Error: ErrNoActiveRun}
	}
	rt, el, env := e.rt, e.el, e.env
	reqID := newRequestState(env, meta, e.MaxSubrequests)
	start := time.Now()
	resp, err := dispatchFetch(rt, el, reqID, req, meta, start.Add(e.RequestTimeout))
	e.mu.Unlock()

	result := &WorkerResult{Duration: time.Since(start)}
	if err != nil {
		if state := clearRequestState(reqID); state != nil {
			result.Logs = state.logs
		}
		result.Error = err
		return result
	}
	result.Response = resp
	if resp.HasWebSocket {
		// The bridge owns the request state until the connection closes.
		if state := getRequestState(reqID); state != nil {
			result.Logs = state.logs
		}
		result.WebSocket = &wsSession{reqID: reqID, run: e.withRuntime}
		return result
	}
	if state := clearRequestState(reqID); state != nil {
		result.Logs = state.logs
	}
	return result
}

// withRuntime runs fn under the VM lock. Used by WebSocket bridges to
// interleave frame dispatch with regular requests.
func (e *InProcessExecutor) withRuntime(fn func(rt jsRuntime, el *eventLoop) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rt == nil {
		return ErrNoActiveRun
	}
	return fn(e.rt, e.el)
}

func (e *InProcessExecutor) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rt != nil {
		e.rt.Close()
		e.rt = nil
		e.el = nil
	}
}
