package edgeserve

import (
	"encoding/json"
	"errors"
	"testing"
)

type memKVProvider struct{}

func (memKVProvider) ResolveKV(namespaceID string) (KVStore, error) {
	return nil, errors.New("unreachable namespace " + namespaceID)
}

func TestResolveBindingsValuesAndSecrets(t *testing.T) {
	script := &Script{Name: "t", Bindings: []Binding{
		{Name: "GREETING", Kind: BindingPlain, Value: "hi"},
		{Name: "API_KEY", Kind: BindingSecret, Value: "s3cret"},
	}}
	env, err := ResolveBindings(script, Providers{Cache: NewCacheStub()})
	if err != nil {
		t.Fatal(err)
	}
	if env.Vars["GREETING"] != "hi" {
		t.Errorf("Vars[GREETING] = %q", env.Vars["GREETING"])
	}
	if env.Secrets["API_KEY"] != "s3cret" {
		t.Errorf("Secrets[API_KEY] = %q", env.Secrets["API_KEY"])
	}
	if env.Cache == nil {
		t.Error("cache not resolved")
	}
}

func TestResolveBindingsDuplicateNameFails(t *testing.T) {
	script := &Script{Name: "t", Bindings: []Binding{
		{Name: "X", Kind: BindingPlain, Value: "1"},
		{Name: "X", Kind: BindingSecret, Value: "2"},
	}}
	_, err := ResolveBindings(script, Providers{})
	var bindErr *BindingError
	if !errors.As(err, &bindErr) {
		t.Fatalf("error = %v, want BindingError", err)
	}
	if bindErr.Binding != "X" {
		t.Errorf("Binding = %q, want X", bindErr.Binding)
	}
}

func TestResolveBindingsKVFailureSurfacesAtLoad(t *testing.T) {
	script := &Script{Name: "t", Bindings: []Binding{
		{Name: "STORE", Kind: BindingKVNamespace, KVNamespaceID: "ns1"},
	}}
	if _, err := ResolveBindings(script, Providers{KV: memKVProvider{}}); err == nil {
		t.Fatal("expected resolution to fail")
	}
	// No provider at all also fails at load time.
	if _, err := ResolveBindings(script, Providers{}); err == nil {
		t.Fatal("expected resolution to fail without a KV provider")
	}
}

func TestResolveBindingsObjectsDefaultToStubs(t *testing.T) {
	script := &Script{Name: "t", Bindings: []Binding{
		{Name: "ROOMS", Kind: BindingDurableObject, DONamespace: "rooms", ClassName: "Room"},
	}}
	env, err := ResolveBindings(script, Providers{})
	if err != nil {
		t.Fatal(err)
	}
	b := env.DurableObjects["ROOMS"]
	if b == nil {
		t.Fatal("binding missing")
	}
	if _, err := b.Resolve("id"); !errors.Is(err, ErrObjectsUnavailable) {
		t.Fatalf("stub Resolve error = %v", err)
	}
}

func TestActivateObjectsOnlyForExportedClasses(t *testing.T) {
	script := &Script{Name: "t", Bindings: []Binding{
		{Name: "ROOMS", Kind: BindingDurableObject, DONamespace: "rooms", ClassName: "Room"},
		{Name: "LOCKS", Kind: BindingDurableObject, DONamespace: "locks", ClassName: "Lock"},
	}}
	env, err := ResolveBindings(script, Providers{})
	if err != nil {
		t.Fatal(err)
	}
	env.ActivateObjects(NewDurableObjectRegistry(NewMemoryObjectStore()),
		Capabilities{Classes: []string{"Room"}})

	if _, err := env.DurableObjects["ROOMS"].Resolve("id"); err != nil {
		t.Fatalf("exported class stayed a stub: %v", err)
	}
	if _, err := env.DurableObjects["LOCKS"].Resolve("id"); !errors.Is(err, ErrObjectsUnavailable) {
		t.Fatalf("unexported class got activated: %v", err)
	}
}

func TestEnvDescriptorJSON(t *testing.T) {
	env := &Env{
		Vars:    map[string]string{"A": "1"},
		Secrets: map[string]string{"B": "2"},
		KV:      map[string]KVStore{"STORE": nil},
		DurableObjects: map[string]*DurableObjectBinding{
			"ROOMS": NewStubObjectBinding("rooms", "Room"),
		},
	}
	raw, err := env.descriptorJSON()
	if err != nil {
		t.Fatal(err)
	}
	var desc envDescriptor
	if err := json.Unmarshal([]byte(raw), &desc); err != nil {
		t.Fatal(err)
	}
	if desc.Vars["A"] != "1" || desc.Secrets["B"] != "2" {
		t.Errorf("descriptor = %+v", desc)
	}
	if len(desc.KV) != 1 || desc.KV[0] != "STORE" {
		t.Errorf("kv names = %v", desc.KV)
	}
	if len(desc.Durable) != 1 || desc.Durable[0] != "ROOMS" {
		t.Errorf("durable names = %v", desc.Durable)
	}
}
