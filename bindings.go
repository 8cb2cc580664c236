package edgeserve

import (
	"encoding/json"
	"fmt"
)

// Env is a script's resolved environment: every declared binding turned into
// a live capability. Built once per run by ResolveBindings.
type Env struct {
	Vars           map[string]string
	Secrets        map[string]string
	KV             map[string]KVStore
	Cache          CacheStore
	DurableObjects map[string]*DurableObjectBinding
}

// BindingError reports a binding that could not be resolved at load time.
type BindingError struct {
	Binding string
	Kind    BindingKind
	Err     error
}

func (e *BindingError) Error() string {
	return fmt.Sprintf("binding %q (%s): %v", e.Binding, e.Kind, e.Err)
}

func (e *BindingError) Unwrap() error { return e.Err }

// ResolveBindings turns a script's declared bindings into an Env using the
// given providers. Resolution happens at load time, before any request runs:
// an unresolvable binding fails the load, it never surfaces mid-request.
// Duplicate binding names are a script misconfiguration and fail resolution.
func ResolveBindings(script *Script, providers Providers) (*Env, error) {
	env := &Env{
		Vars:           make(map[string]string),
		Secrets:        make(map[string]string),
		KV:             make(map[string]KVStore),
		DurableObjects: make(map[string]*DurableObjectBinding),
	}
	if providers.Cache != nil {
		env.Cache = providers.Cache.ResolveCache()
	}
	seen := make(map[string]bool, len(script.Bindings))
	for _, b := range script.Bindings {
		if seen[b.Name] {
			return nil, &BindingError{Binding: b.Name, Kind: b.Kind,
				Err: fmt.Errorf("declared more than once")}
		}
		seen[b.Name] = true
		switch b.Kind {
		case BindingPlain:
			env.Vars[b.Name] = b.Value
		case BindingSecret:
			env.Secrets[b.Name] = b.Value
		case BindingKVNamespace:
			if providers.KV == nil {
				return nil, &BindingError{Binding: b.Name, Kind: b.Kind,
					Err: fmt.Errorf("no KV provider configured")}
			}
			store, err := providers.KV.ResolveKV(b.KVNamespaceID)
			if err != nil {
				return nil, &BindingError{Binding: b.Name, Kind: b.Kind, Err: err}
			}
			env.KV[b.Name] = store
		case BindingDurableObject:
			if providers.DurableObjects == nil {
				env.DurableObjects[b.Name] = NewStubObjectBinding(b.DONamespace, b.ClassName)
				continue
			}
			resolved, err := providers.DurableObjects.ResolveNamespace(b)
			if err != nil {
				return nil, &BindingError{Binding: b.Name, Kind: b.Kind, Err: err}
			}
			env.DurableObjects[b.Name] = resolved
		default:
			return nil, &BindingError{Binding: b.Name, Kind: b.Kind,
				Err: fmt.Errorf("unknown binding kind")}
		}
	}
	return env, nil
}

// envDescriptor is what __build_env consumes inside the engine. Secrets and
// vars travel as literals; namespaces travel by name only, their operations
// call back into the host.
type envDescriptor struct {
	Vars    map[string]string `json:"vars"`
	Secrets map[string]string `json:"secrets"`
	KV      []string          `json:"kv"`
	Durable []string          `json:"durable"`
}

// descriptorJSON serializes the env for the JS side.
func (e *Env) descriptorJSON() (string, error) {
	desc := envDescriptor{
		Vars:    e.Vars,
		Secrets: e.Secrets,
		KV:      make([]string, 0, len(e.KV)),
		Durable: make([]string, 0, len(e.DurableObjects)),
	}
	for name := range e.KV {
		desc.KV = append(desc.KV, name)
	}
	for name := range e.DurableObjects {
		desc.Durable = append(desc.Durable, name)
	}
	out, err := json.Marshal(desc)
	if err != nil {
		return "", fmt.Errorf("serialize env: %w", err)
	}
	return string(out), nil
}

// ActivateObjects attaches a registry to every durable-object binding whose
// class the script actually exports. Bindings for unexported classes stay
// stubs.
func (e *Env) ActivateObjects(registry *DurableObjectRegistry, caps Capabilities) {
	exported := make(map[string]bool, len(caps.Classes))
	for _, c := range caps.Classes {
		exported[c] = true
	}
	for _, b := range e.DurableObjects {
		if exported[b.ClassName] {
			b.Activate(registry)
		}
	}
}
