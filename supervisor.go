package edgeserve

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const defaultPoolSize = 4

// SandboxSupervisor runs the script in disposable V8 isolates. Each request
// checks a preloaded isolate out of a pool, so a runaway script hurts only
// its own isolate: the watchdog terminates it and the isolate is discarded.
// Isolation costs durable objects their shared state, so their bindings
// stay stubs here.
type SandboxSupervisor struct {
	mu     sync.Mutex
	pool   *workerPool
	script *Script
	env    *Env

	onCapabilities CapabilitiesFunc

	PoolSize       int
	MemoryLimitMB  int
	RequestTimeout time.Duration
	MaxSubrequests int
}

// NewSandboxSupervisor builds a supervisor with default limits.
func NewSandboxSupervisor(onCapabilities CapabilitiesFunc) *SandboxSupervisor {
	return &SandboxSupervisor{
		onCapabilities: onCapabilities,
		PoolSize:       defaultPoolSize,
		RequestTimeout: defaultRequestTimeout,
		MaxSubrequests: defaultMaxSubrequests,
	}
}

// Run replaces the worker pool with one built from the new source. The old
// pool drains naturally: in-flight requests finish on the isolates they
// hold, which are disposed on return.
func (s *SandboxSupervisor) Run(script *Script, source string, env *Env) error {
	pool, err := newWorkerPool(s.PoolSize, s.MemoryLimitMB, source, env)
	if err != nil {
		return err
	}
	caps, err := pool.probe()
	if err != nil {
		pool.close()
		return err
	}

	s.mu.Lock()
	old := s.pool
	s.pool = pool
	s.script = script
	s.env = env
	s.mu.Unlock()
	if old != nil {
		old.close()
	}

	if s.onCapabilities != nil {
		s.onCapabilities(caps)
	}
	return nil
}

func (s *SandboxSupervisor) Fetch(req *WorkerRequest, meta *RequestMetadata) *WorkerResult {
	s.mu.Lock()
	pool := s.pool
	env := s.env
	s.mu.Unlock()
	if pool == nil {
		return &WorkerResult{Error: ErrNoActiveRun}
	}

	worker, err := pool.get()
	if err != nil {
		return &WorkerResult{Error: err}
	}

	reqID := newRequestState(env, meta, s.MaxSubrequests)
	start := time.Now()
	resp, err := s.dispatchGuarded(worker, reqID, req, meta)
	result := &WorkerResult{Duration: time.Since(start)}

	if err != nil {
		if state := clearRequestState(reqID); state != nil {
			result.Logs = state.logs
		}
		result.Error = err
		pool.discard(worker)
		return result
	}
	result.Response = resp
	if resp.HasWebSocket {
		// The isolate stays checked out for the life of the bridge, then
		// is discarded rather than reused: the bridged socket left state
		// in its globals.
		if state := getRequestState(reqID); state != nil {
			result.Logs = state.logs
		}
		result.WebSocket = &wsSession{
			reqID:  reqID,
			run:    worker.withRuntime,
			onDone: func() { pool.discard(worker) },
		}
		return result
	}
	if state := clearRequestState(reqID); state != nil {
		result.Logs = state.logs
	}
	pool.put(worker)
	return result
}

// dispatchGuarded runs one request on a worker under a hard-termination
// watchdog. A script stuck in a tight loop never yields to the pump, so the
// deadline check alone cannot stop it; TerminateExecution can.
func (s *SandboxSupervisor) dispatchGuarded(worker *sandboxWorker, reqID uint64, req *WorkerRequest, meta *RequestMetadata) (resp *WorkerResponse, err error) {
	var timedOut atomic.Bool
	innerErr := worker.withRuntime(func(rt jsRuntime, el *eventLoop) error {
		v8rt, ok := rt.(*v8Runtime)
		var watchdog *time.Timer
		if ok {
			watchdog = time.AfterFunc(s.RequestTimeout, func() {
				timedOut.Store(true)
				v8rt.terminate()
			})
		}
		defer func() {
			if watchdog != nil {
				watchdog.Stop()
			}
			if r := recover(); r != nil {
				if timedOut.Load() {
					err = errScriptTimeout
					return
				}
				err = fmt.Errorf("script panic: %v", r)
			}
		}()
		resp, err = dispatchFetch(rt, el, reqID, req, meta, time.Now().Add(s.RequestTimeout))
		return nil
	})
	if innerErr != nil {
		return nil, innerErr
	}
	if timedOut.Load() {
		return nil, errScriptTimeout
	}
	return resp, err
}

func (s *SandboxSupervisor) Shutdown() {
	s.mu.Lock()
	pool := s.pool
	s.pool = nil
	s.mu.Unlock()
	if pool != nil {
		pool.close()
	}
}
