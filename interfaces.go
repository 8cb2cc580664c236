package edgeserve

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// Executor runs a loaded script and relays requests to it. Both execution
// strategies (isolated V8 sandbox, in-process QuickJS) satisfy it.
type Executor interface {
	// Run (re)initializes the executor with new script source and resolved
	// bindings, tearing down any previously running instance. At most one
	// script is active per executor.
	Run(script *Script, source string, env *Env) error

	// Fetch forwards a request/metadata pair to the running script and
	// returns its result. Script-thrown errors surface as Result.Error.
	Fetch(req *WorkerRequest, meta *RequestMetadata) *WorkerResult

	// Shutdown tears down the running instance and frees engine resources.
	Shutdown()
}

// WebSocketBridger wires a script-side server socket to a real upgraded
// connection. Bridge blocks until either side closes and must be called at
// most once per deferred result. A deferred result that will not be bridged
// must be released with Discard instead, exactly one of the two.
type WebSocketBridger interface {
	Bridge(ctx context.Context, conn *websocket.Conn)
	Discard()
}

// SourceLoader retrieves (and, for module scripts, bundles) script source.
type SourceLoader interface {
	LoadSource(s *Script) (string, error)
}

// KVStore backs a single KV namespace binding.
type KVStore interface {
	// Get returns nil for a missing key, not an error.
	Get(key string) (*string, error)
	Put(key, value string, ttl *int) error
	Delete(key string) error
	List(prefix string, limit int, cursor string) (*KVListResult, error)
}

// KVKey describes one key in a List result.
type KVKey struct {
	Name string `json:"name"`
}

// KVListResult holds the result of a KV List operation.
type KVListResult struct {
	Keys         []KVKey `json:"keys"`
	ListComplete bool    `json:"listComplete"`
	Cursor       string  `json:"cursor"`
}

// CacheStore backs the Cache API surface.
type CacheStore interface {
	Match(cacheName, url string) (*CacheEntry, error)
	Put(cacheName, url string, entry *CacheEntry) error
	Delete(cacheName, url string) (bool, error)
}

// CacheEntry is a cached HTTP response.
type CacheEntry struct {
	Status  int
	Headers map[string]string
	Body    []byte
	TTL     time.Duration
}

// DurableObjectStore backs durable-object state storage.
type DurableObjectStore interface {
	Get(namespace, objectID, key string) (*string, error)
	Put(namespace, objectID, key, value string) error
	Delete(namespace, objectID, key string) (bool, error)
	List(namespace, objectID, prefix string, limit int) ([]KVPair, error)
	DeleteAll(namespace, objectID string) error
}

// The four capability providers back binding resolution. Each has exactly
// one resolution entry point, selected per binding tag at run construction.

// CacheProvider resolves the cache capability.
type CacheProvider interface {
	ResolveCache() CacheStore
}

// KVProvider resolves a KV namespace to a concrete store.
type KVProvider interface {
	ResolveKV(namespaceID string) (KVStore, error)
}

// DurableObjectProvider resolves a durable-object namespace binding.
type DurableObjectProvider interface {
	ResolveNamespace(b Binding) (*DurableObjectBinding, error)
}

// MetadataProvider synthesizes per-request metadata.
type MetadataProvider interface {
	Metadata(ctx context.Context, r *http.Request) (*RequestMetadata, error)
}

// Providers bundles the capability providers wired into a run.
type Providers struct {
	Cache          CacheProvider
	KV             KVProvider
	DurableObjects DurableObjectProvider
}

// Sentinel errors for the failure taxonomy.
var (
	// ErrNotUpgradable marks a client protocol error: an Upgrade header
	// whose value is not "websocket".
	ErrNotUpgradable = errors.New("unsupported upgrade protocol")

	// ErrDeferredOutsideUpgrade marks a deferred WebSocket result returned
	// for a request that did not ask for an upgrade.
	ErrDeferredOutsideUpgrade = errors.New("deferred WebSocket response outside an upgrade request")

	// ErrDeferredStatus marks a deferred result whose status is not 101.
	ErrDeferredStatus = errors.New("deferred WebSocket response must carry status 101")

	// ErrObjectsUnavailable marks a durable-object namespace referenced
	// before the script's classes were discovered, or in sandbox mode.
	ErrObjectsUnavailable = errors.New("durable objects not implemented locally for this namespace")

	// ErrNoActiveRun means no script has been successfully loaded yet.
	ErrNoActiveRun = errors.New("no active run")
)
