package edgeserve

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// DurableObjectRegistry maps namespace/object-ID pairs to stable instance
// keys. All namespaces sharing a registry agree on instance identity: two
// concurrent lookups of the same ID converge on one key, so at most one JS
// instance is ever constructed per object.
type DurableObjectRegistry struct {
	mu        sync.Mutex
	instances map[string]string
	store     DurableObjectStore
}

// NewDurableObjectRegistry builds a registry whose objects persist state in
// store.
func NewDurableObjectRegistry(store DurableObjectStore) *DurableObjectRegistry {
	return &DurableObjectRegistry{
		instances: make(map[string]string),
		store:     store,
	}
}

// Resolve returns the instance key for the given namespace and object ID,
// creating it on first use.
func (r *DurableObjectRegistry) Resolve(namespace, id string) string {
	key := namespace + "/" + id
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.instances[key]; ok {
		return existing
	}
	r.instances[key] = key
	return key
}

// Reset forgets all instance keys. Called on reload, before the replacement
// script constructs fresh instances.
func (r *DurableObjectRegistry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances = make(map[string]string)
}

// Len reports the number of resolved instances.
func (r *DurableObjectRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}

// NewUniqueObjectID returns a fresh globally unique object ID.
func NewUniqueObjectID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ObjectIDFromName derives the deterministic object ID for a named object
// within a namespace. Same namespace and name always yield the same ID.
func ObjectIDFromName(namespace, name string) string {
	sum := sha256.Sum256([]byte(namespace + "\x00" + name))
	return hex.EncodeToString(sum[:])
}

// DurableObjectBinding is a resolved durable-object namespace binding. A
// binding without a registry is a stub: ID derivation works, but instance
// resolution and storage fail with ErrObjectsUnavailable. Sandboxed runs and
// namespaces whose class the script does not export get stubs.
type DurableObjectBinding struct {
	Namespace string
	ClassName string

	mu       sync.Mutex
	registry *DurableObjectRegistry
}

// NewDurableObjectBinding builds a live binding backed by registry.
func NewDurableObjectBinding(namespace, className string, registry *DurableObjectRegistry) *DurableObjectBinding {
	return &DurableObjectBinding{
		Namespace: namespace,
		ClassName: className,
		registry:  registry,
	}
}

// NewStubObjectBinding builds a binding whose resolution always fails.
func NewStubObjectBinding(namespace, className string) *DurableObjectBinding {
	return &DurableObjectBinding{Namespace: namespace, ClassName: className}
}

// Activate attaches a registry to a previously stubbed binding. The executor
// calls it after script load confirms the bound class is exported.
func (b *DurableObjectBinding) Activate(registry *DurableObjectRegistry) {
	b.mu.Lock()
	b.registry = registry
	b.mu.Unlock()
}

// IDFromName derives the deterministic object ID for name.
func (b *DurableObjectBinding) IDFromName(name string) string {
	return ObjectIDFromName(b.Namespace, name)
}

// Resolve returns the instance key for id, or ErrObjectsUnavailable for a
// stub binding.
func (b *DurableObjectBinding) Resolve(id string) (string, error) {
	b.mu.Lock()
	reg := b.registry
	b.mu.Unlock()
	if reg == nil {
		return "", fmt.Errorf("namespace %q: %w", b.Namespace, ErrObjectsUnavailable)
	}
	return reg.Resolve(b.Namespace, id), nil
}

// Storage returns the state store shared by this binding's objects, or
// ErrObjectsUnavailable for a stub binding.
func (b *DurableObjectBinding) Storage() (DurableObjectStore, error) {
	b.mu.Lock()
	reg := b.registry
	b.mu.Unlock()
	if reg == nil || reg.store == nil {
		return nil, fmt.Errorf("namespace %q: %w", b.Namespace, ErrObjectsUnavailable)
	}
	return reg.store, nil
}
