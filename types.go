package edgeserve

import "time"

// ScriptKind selects how a script's source is prepared before execution.
type ScriptKind string

const (
	// ModuleKind scripts use ES module syntax (export default { fetch }) and
	// are bundled with esbuild before execution.
	ModuleKind ScriptKind = "module"
	// ClassicKind scripts use addEventListener('fetch', ...) and are
	// executed as-is.
	ClassicKind ScriptKind = "script"
)

// BindingKind tags a Binding's variant.
type BindingKind string

const (
	BindingPlain         BindingKind = "plainValue"
	BindingSecret        BindingKind = "secret"
	BindingKVNamespace   BindingKind = "kvNamespaceRef"
	BindingDurableObject BindingKind = "durableObjectNamespaceRef"
)

// Binding is a named capability declared by a script. Exactly one payload
// field is meaningful depending on Kind.
type Binding struct {
	Name string
	Kind BindingKind

	// BindingPlain / BindingSecret
	Value string

	// BindingKVNamespace: remote namespace identifier.
	KVNamespaceID string

	// BindingDurableObject: namespace identifier and the exported class
	// that implements its objects.
	DONamespace string
	ClassName   string
}

// Script describes one edge-function script to run locally. Immutable once
// loaded; a hot reload starts a new Run against the same Script.
type Script struct {
	Name          string
	Path          string
	Kind          ScriptKind
	Port          int
	LocalHostname string
	InProcess     bool
	Bindings      []Binding
}

// Credential authenticates proxy clients for remote-backed bindings.
type Credential struct {
	AccountID string
	APIToken  string
}

// WorkerRequest is the script-facing shape of an incoming HTTP request.
type WorkerRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// WorkerResponse is the script-facing shape of an HTTP response.
type WorkerResponse struct {
	StatusCode   int
	Headers      map[string]string
	Body         []byte
	HasWebSocket bool // true when status is 101 and the script attached a webSocket
}

// WorkerResult wraps a response with execution metadata. A non-nil WebSocket
// marks the deferred variant: the real connection must be upgraded and
// bridged instead of answered with Response's body. The bridge enforces that
// a deferred result carries status 101.
type WorkerResult struct {
	Response  *WorkerResponse
	Logs      []LogEntry
	Error     error
	Duration  time.Duration
	WebSocket WebSocketBridger
}

// LogEntry is a single console.log/warn/error captured from a script.
type LogEntry struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// RequestMetadata carries the per-request geo/connection fields the remote
// platform would inject. Synthesized locally by the MetadataSynthesizer.
type RequestMetadata struct {
	ClientIP     string `json:"clientIp"`
	Hostname     string `json:"hostname,omitempty"`
	Colo         string `json:"colo"`
	Country      string `json:"country"`
	City         string `json:"city"`
	Region       string `json:"region"`
	Latitude     string `json:"latitude"`
	Longitude    string `json:"longitude"`
	ASN          int    `json:"asn"`
	ASOrg        string `json:"asOrganization"`
	TLSVersion   string `json:"tlsVersion"`
	TLSCipher    string `json:"tlsCipher"`
	HTTPProtocol string `json:"httpProtocol"`
}

// Capabilities is the script's exported surface, discovered after the first
// successful load: handler names on the default export and exported class
// names usable as durable-object implementations.
type Capabilities struct {
	Handlers []string
	Classes  []string
}

// CapabilitiesFunc receives the discovered Capabilities exactly once per
// successful load.
type CapabilitiesFunc func(Capabilities)

// KVPair is an ordered key-value pair returned by storage List operations.
type KVPair struct {
	Key   string
	Value string
}
