package edgeserve

import (
	"fmt"
	"sync"
)

// sandboxWorker is one V8 isolate preloaded with the runtime, the env, and
// the script. A worker serves one request at a time.
type sandboxWorker struct {
	mu sync.Mutex
	rt *v8Runtime
	el *eventLoop
}

func newSandboxWorker(memoryLimitMB int, source string, env *Env) (*sandboxWorker, error) {
	rt := newV8Runtime(memoryLimitMB)
	el := newEventLoop()
	if err := installRuntime(rt, el); err != nil {
		rt.Close()
		return nil, err
	}
	if err := installEnv(rt, env); err != nil {
		rt.Close()
		return nil, err
	}
	if err := rt.Eval(source); err != nil {
		rt.Close()
		return nil, fmt.Errorf("load script: %w", err)
	}
	rt.RunMicrotasks()
	return &sandboxWorker{rt: rt, el: el}, nil
}

// withRuntime runs fn under the worker's lock.
func (w *sandboxWorker) withRuntime(fn func(rt jsRuntime, el *eventLoop) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.rt == nil {
		return ErrNoActiveRun
	}
	return fn(w.rt, w.el)
}

func (w *sandboxWorker) dispose() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.rt != nil {
		w.rt.Close()
		w.rt = nil
		w.el = nil
	}
}

// workerPool hands out preloaded isolates. Closing the pool disposes idle
// workers immediately; workers out serving a request are disposed when
// returned, so in-flight requests finish on the instance they started on.
type workerPool struct {
	mu      sync.Mutex
	idle    []*sandboxWorker
	closed  bool
	size    int
	memMB   int
	source  string
	env     *Env
	created int
}

func newWorkerPool(size, memoryLimitMB int, source string, env *Env) (*workerPool, error) {
	if size <= 0 {
		size = 1
	}
	p := &workerPool{size: size, memMB: memoryLimitMB, source: source, env: env}
	// Build the first worker eagerly so load errors surface at pool
	// construction, not on the first request.
	w, err := newSandboxWorker(memoryLimitMB, source, env)
	if err != nil {
		return nil, err
	}
	p.idle = append(p.idle, w)
	p.created = 1
	return p, nil
}

// get returns an idle worker, building one if the pool has headroom.
func (p *workerPool) get() (*sandboxWorker, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrNoActiveRun
	}
	if n := len(p.idle); n > 0 {
		w := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return w, nil
	}
	p.mu.Unlock()
	return newSandboxWorker(p.memMB, p.source, p.env)
}

// put returns a worker to the pool or disposes it if the pool is closed or
// already full.
func (p *workerPool) put(w *sandboxWorker) {
	p.mu.Lock()
	if p.closed || len(p.idle) >= p.size {
		p.mu.Unlock()
		w.dispose()
		return
	}
	p.idle = append(p.idle, w)
	p.mu.Unlock()
}

// discard disposes a worker without returning it, used after a termination
// or a poisoned global state.
func (p *workerPool) discard(w *sandboxWorker) {
	w.dispose()
}

func (p *workerPool) close() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.closed = true
	p.mu.Unlock()
	for _, w := range idle {
		w.dispose()
	}
}

// probe borrows a worker to read the script's exported surface.
func (p *workerPool) probe() (Capabilities, error) {
	w, err := p.get()
	if err != nil {
		return Capabilities{}, err
	}
	var caps Capabilities
	err = w.withRuntime(func(rt jsRuntime, _ *eventLoop) error {
		var inner error
		caps, inner = loadCapabilities(rt)
		return inner
	})
	p.put(w)
	return caps, err
}
