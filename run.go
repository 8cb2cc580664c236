package edgeserve

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Run is one generation of a loaded script: source, resolved bindings, and
// the executor instance serving them.
type Run struct {
	ID           string
	Script       *Script
	Env          *Env
	Capabilities Capabilities
	StartedAt    time.Time
}

// ExecutorFactory builds the executor for a script. Seam for tests.
type ExecutorFactory func(script *Script, registry *DurableObjectRegistry, onCapabilities CapabilitiesFunc) Executor

// DefaultExecutorFactory picks the executor by the script's mode: sandboxed
// V8 isolates unless the script opted into in-process execution.
func DefaultExecutorFactory(script *Script, registry *DurableObjectRegistry, onCapabilities CapabilitiesFunc) Executor {
	if script.InProcess {
		return NewInProcessExecutor(registry, onCapabilities)
	}
	return NewSandboxSupervisor(onCapabilities)
}

// LocalObjectProvider resolves durable-object bindings to stubs. The
// in-process executor activates the stubs after load once it confirms the
// bound class is exported; under the sandbox they stay stubs and fail on
// use.
type LocalObjectProvider struct{}

func (LocalObjectProvider) ResolveNamespace(b Binding) (*DurableObjectBinding, error) {
	return NewStubObjectBinding(b.DONamespace, b.ClassName), nil
}

// RunManager owns the current run and the reload protocol around it. The
// first load is fatal on error; reloads are not: a failed reload logs and
// leaves the previous run serving.
type RunManager struct {
	script    *Script
	providers Providers
	loader    SourceLoader
	factory   ExecutorFactory
	registry  *DurableObjectRegistry

	// execMu guards executor for readers outside the reload path; the
	// reload protocol itself serializes on reloadMu.
	execMu   sync.Mutex
	executor Executor
	current  atomic.Pointer[Run]
	reloadMu sync.Mutex
}

// NewRunManager wires a manager for script. loader and factory may be nil,
// selecting the defaults.
func NewRunManager(script *Script, providers Providers, loader SourceLoader, factory ExecutorFactory, registry *DurableObjectRegistry) *RunManager {
	if loader == nil {
		loader = FileLoader{}
	}
	if factory == nil {
		factory = DefaultExecutorFactory
	}
	if providers.DurableObjects == nil {
		providers.DurableObjects = LocalObjectProvider{}
	}
	return &RunManager{
		script:    script,
		providers: providers,
		loader:    loader,
		factory:   factory,
		registry:  registry,
	}
}

// Start performs the initial load. Errors here are fatal to the caller:
// there is no previous run to fall back to.
func (m *RunManager) Start() error {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()
	m.execMu.Lock()
	if m.executor == nil {
		m.executor = m.factory(m.script, m.registry, nil)
	}
	m.execMu.Unlock()
	run, err := m.load()
	if err != nil {
		return err
	}
	m.current.Store(run)
	log.Printf("run: script %s loaded (run %s, handlers %v)",
		m.script.Name, run.ID[:8], run.Capabilities.Handlers)
	return nil
}

// Reload loads the current source and swaps it in. On failure the previous
// run keeps serving and the error is returned for logging.
func (m *RunManager) Reload() error {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()
	if m.executor == nil {
		return ErrNoActiveRun
	}
	run, err := m.load()
	if err != nil {
		log.Printf("run: reload of %s failed, keeping previous run: %v", m.script.Name, err)
		return err
	}
	m.current.Store(run)
	log.Printf("run: script %s reloaded (run %s)", m.script.Name, run.ID[:8])
	return nil
}

func (m *RunManager) load() (*Run, error) {
	source, err := m.loader.LoadSource(m.script)
	if err != nil {
		return nil, err
	}
	env, err := ResolveBindings(m.script, m.providers)
	if err != nil {
		return nil, fmt.Errorf("resolve bindings: %w", err)
	}
	run := &Run{
		ID:        uuid.NewString(),
		Script:    m.script,
		Env:       env,
		StartedAt: time.Now(),
	}
	var capsOnce sync.Once
	onCaps := func(caps Capabilities) {
		capsOnce.Do(func() { run.Capabilities = caps })
	}
	if hooked, ok := m.executor.(capabilitiesSink); ok {
		hooked.setCapabilitiesFunc(onCaps)
	}
	if err := m.executor.Run(m.script, source, env); err != nil {
		return nil, err
	}
	return run, nil
}

// Current returns the active run, or nil before the first successful load.
func (m *RunManager) Current() *Run {
	return m.current.Load()
}

// Dispatch forwards a request to the active run.
func (m *RunManager) Dispatch(req *WorkerRequest, meta *RequestMetadata) *WorkerResult {
	m.execMu.Lock()
	executor := m.executor
	m.execMu.Unlock()
	if executor == nil || m.current.Load() == nil {
		return &WorkerResult{Error: ErrNoActiveRun}
	}
	return executor.Fetch(req, meta)
}

// Shutdown tears down the executor.
func (m *RunManager) Shutdown() {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()
	m.execMu.Lock()
	executor := m.executor
	m.executor = nil
	m.execMu.Unlock()
	if executor != nil {
		executor.Shutdown()
	}
	m.current.Store(nil)
}

// capabilitiesSink lets the manager observe each load's discovered surface
// without rebuilding the executor.
type capabilitiesSink interface {
	setCapabilitiesFunc(fn CapabilitiesFunc)
}

func (e *InProcessExecutor) setCapabilitiesFunc(fn CapabilitiesFunc) {
	e.mu.Lock()
	e.onCapabilities = fn
	e.mu.Unlock()
}

func (s *SandboxSupervisor) setCapabilitiesFunc(fn CapabilitiesFunc) {
	s.mu.Lock()
	s.onCapabilities = fn
	s.mu.Unlock()
}
