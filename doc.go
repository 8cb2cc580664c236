// Package edgeserve runs edge-function scripts on a local development host.
//
// Each configured script gets its own HTTP listener. Incoming requests are
// translated to the platform request shape, enriched with synthesized
// connection metadata, and dispatched into a JavaScript engine running the
// script: disposable V8 isolates by default, or a single in-process QuickJS
// VM when the script opts in (which also enables local durable objects).
// Declared bindings resolve at load time to live capabilities: plain values
// and secrets as literals, KV namespaces proxied to their real remote
// counterparts, the cache as an always-miss stub, and durable-object
// namespaces through a local registry. Source files are watched and
// reloaded on change; a broken edit keeps the previous version serving.
package edgeserve
