package edgeserve

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var errScriptTimeout = errors.New("script exceeded its time budget")

// defaultRequestTimeout bounds how long a single dispatch may run, including
// timers and awaited subrequests.
const defaultRequestTimeout = 30 * time.Second

type wireRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	BodyB64 string            `json:"bodyB64"`
}

type wireResponse struct {
	Status       int               `json:"status"`
	StatusText   string            `json:"statusText"`
	Headers      map[string]string `json:"headers"`
	BodyB64      string            `json:"bodyB64"`
	HasWebSocket bool              `json:"hasWebSocket"`
}

// dispatchFetch drives one request through an engine: invokes the JS
// dispatch entry point, pumps microtasks and timers until the handler's
// promise settles, and decodes the serialized response. The caller holds the
// engine lock for the duration.
func dispatchFetch(rt jsRuntime, el *eventLoop, reqID uint64, req *WorkerRequest, meta *RequestMetadata, deadline time.Time) (*WorkerResponse, error) {
	reqWire, err := json.Marshal(wireRequest{
		Method:  req.Method,
		URL:     req.URL,
		Headers: req.Headers,
		BodyB64: base64.StdEncoding.EncodeToString(req.Body),
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	metaWire, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	if err := rt.Eval(fmt.Sprintf("globalThis.__requestID = %d;", reqID)); err != nil {
		return nil, err
	}
	if err := rt.Eval(fmt.Sprintf("globalThis.__edge_dispatch(%s, %s);",
		strconv.Quote(string(reqWire)), strconv.Quote(string(metaWire)))); err != nil {
		return nil, err
	}

	for {
		rt.RunMicrotasks()
		state, err := rt.EvalString("String(globalThis.__dispatch_state || '')")
		if err != nil {
			return nil, err
		}
		switch state {
		case "fulfilled":
			return settleDispatch(rt, el, deadline)
		case "rejected":
			msg, _ := rt.EvalString("String(globalThis.__dispatch_error || 'unknown error')")
			cleanupDispatch(rt)
			return nil, fmt.Errorf("script error: %s", msg)
		}
		if time.Now().After(deadline) {
			cleanupDispatch(rt)
			return nil, errScriptTimeout
		}
		// Pending: the handler is awaiting a timer or another macrotask.
		if !el.step(rt, deadline) {
			// Nothing scheduled and still pending. One more microtask
			// checkpoint may settle it; if not, the promise can never
			// resolve.
			rt.RunMicrotasks()
			state, err = rt.EvalString("String(globalThis.__dispatch_state || '')")
			if err != nil {
				return nil, err
			}
			if state == "" {
				cleanupDispatch(rt)
				return nil, fmt.Errorf("script error: handler promise can never settle")
			}
		}
	}
}

func settleDispatch(rt jsRuntime, el *eventLoop, deadline time.Time) (*WorkerResponse, error) {
	raw, err := rt.EvalString("globalThis.__dispatch_result")
	if err != nil {
		cleanupDispatch(rt)
		return nil, err
	}
	var wire wireResponse
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		cleanupDispatch(rt)
		return nil, fmt.Errorf("decode response: %w", err)
	}
	body, err := base64.StdEncoding.DecodeString(wire.BodyB64)
	if err != nil {
		cleanupDispatch(rt)
		return nil, fmt.Errorf("decode response body: %w", err)
	}
	drainWaitUntil(rt, el, deadline)
	cleanupDispatch(rt)
	return &WorkerResponse{
		StatusCode:   wire.Status,
		Headers:      wire.Headers,
		Body:         body,
		HasWebSocket: wire.HasWebSocket,
	}, nil
}

// drainWaitUntil gives ctx.waitUntil promises a bounded chance to finish
// after the response settles.
func drainWaitUntil(rt jsRuntime, el *eventLoop, deadline time.Time) {
	pending, err := rt.EvalBool("Array.isArray(globalThis.__wait_until) && globalThis.__wait_until.length > 0")
	if err != nil || !pending {
		return
	}
	_ = rt.Eval(`globalThis.__wait_until_done = false;
Promise.allSettled(globalThis.__wait_until).then(function() { globalThis.__wait_until_done = true; });`)
	budget := time.Now().Add(time.Second)
	if deadline.Before(budget) {
		budget = deadline
	}
	for time.Now().Before(budget) {
		rt.RunMicrotasks()
		done, err := rt.EvalBool("globalThis.__wait_until_done === true")
		if err != nil || done {
			return
		}
		if !el.step(rt, budget) {
			rt.RunMicrotasks()
			return
		}
	}
}

func cleanupDispatch(rt jsRuntime) {
	_ = rt.Eval(`delete globalThis.__dispatch_state;
delete globalThis.__dispatch_result;
delete globalThis.__dispatch_error;
globalThis.__wait_until = [];`)
}

// promoteServerSocket moves the pending server-half WebSocket into the
// per-request active table once the bridge is committed, accepting it if
// the script did not.
func promoteServerSocket(rt jsRuntime, reqID uint64) error {
	return rt.Eval(fmt.Sprintf(`(function() {
	var ws = globalThis.__ws_pending_server;
	if (!ws) throw new Error('no server WebSocket attached to the response');
	delete globalThis.__ws_pending_server;
	ws._isHTTPBridged = true;
	if (ws._readyState === 0) ws.accept();
	globalThis.__ws_servers[%d] = ws;
})();`, reqID))
}

// loadCapabilities reads the script's exported surface after a successful
// load.
func loadCapabilities(rt jsRuntime) (Capabilities, error) {
	raw, err := rt.EvalString("globalThis.__edge_capabilities()")
	if err != nil {
		return Capabilities{}, fmt.Errorf("discover capabilities: %w", err)
	}
	var wire struct {
		Handlers []string `json:"handlers"`
		Classes  []string `json:"classes"`
	}
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return Capabilities{}, fmt.Errorf("discover capabilities: %w", err)
	}
	return Capabilities{Handlers: wire.Handlers, Classes: wire.Classes}, nil
}

// installEnv builds the JS-side env object from resolved bindings.
func installEnv(rt jsRuntime, env *Env) error {
	desc, err := env.descriptorJSON()
	if err != nil {
		return err
	}
	return rt.Eval(fmt.Sprintf("globalThis.__build_env(%s);", strconv.Quote(desc)))
}
