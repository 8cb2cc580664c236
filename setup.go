package edgeserve

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// A setupFunc installs one slice of the runtime surface into a fresh engine
// instance: the Go host functions plus the JS glue that wraps them.
type setupFunc func(rt jsRuntime, el *eventLoop) error

var runtimeSetups = []setupFunc{
	setupEncoding,
	setupURL,
	setupWebCore,
	setupConsole,
	setupTimers,
	setupFetch,
	setupWebSocket,
	setupCache,
	setupBindings,
	setupDispatch,
}

func installRuntime(rt jsRuntime, el *eventLoop) error {
	for _, setup := range runtimeSetups {
		if err := setup(rt, el); err != nil {
			return fmt.Errorf("runtime setup: %w", err)
		}
	}
	return nil
}

func parseReqID(s string) uint64 {
	id, _ := strconv.ParseUint(s, 10, 64)
	return id
}

func setupEncoding(rt jsRuntime, _ *eventLoop) error {
	return rt.Eval(encodingJS)
}

func setupURL(rt jsRuntime, _ *eventLoop) error {
	return rt.RegisterFunc("__host_parse_url", func(args []string) (string, error) {
		href := argAt(args, 0)
		var u *url.URL
		var err error
		if base := argAt(args, 1); base != "" {
			var bu *url.URL
			bu, err = url.Parse(base)
			if err != nil {
				return "", fmt.Errorf("invalid base URL %q: %w", base, err)
			}
			u, err = bu.Parse(href)
		} else {
			u, err = url.Parse(href)
		}
		if err != nil {
			return "", fmt.Errorf("invalid URL %q: %w", href, err)
		}
		origin := ""
		if u.Scheme != "" && u.Host != "" {
			origin = u.Scheme + "://" + u.Host
		}
		search := ""
		if u.RawQuery != "" {
			search = "?" + u.RawQuery
		}
		hash := ""
		if u.Fragment != "" {
			hash = "#" + u.Fragment
		}
		out, err := json.Marshal(map[string]string{
			"href":     u.String(),
			"protocol": u.Scheme + ":",
			"host":     u.Host,
			"hostname": u.Hostname(),
			"port":     u.Port(),
			"pathname": u.EscapedPath(),
			"search":   search,
			"hash":     hash,
			"origin":   origin,
		})
		return string(out), err
	})
}

func setupWebCore(rt jsRuntime, _ *eventLoop) error {
	return rt.Eval(webCoreJS)
}

func setupConsole(rt jsRuntime, _ *eventLoop) error {
	if err := rt.RegisterFunc("__host_log", func(args []string) (string, error) {
		addLog(parseReqID(argAt(args, 0)), argAt(args, 1), argAt(args, 2))
		return "", nil
	}); err != nil {
		return err
	}
	return rt.Eval(consoleJS)
}

func setupTimers(rt jsRuntime, el *eventLoop) error {
	if err := rt.RegisterFunc("__host_timer_register", func(args []string) (string, error) {
		delay, _ := strconv.ParseFloat(argAt(args, 0), 64)
		isInterval := argAt(args, 1) == "1"
		id := el.RegisterTimer(time.Duration(delay*float64(time.Millisecond)), isInterval)
		return strconv.Itoa(id), nil
	}); err != nil {
		return err
	}
	if err := rt.RegisterFunc("__host_timer_clear", func(args []string) (string, error) {
		id, _ := strconv.Atoi(argAt(args, 0))
		el.ClearTimer(id)
		return "", nil
	}); err != nil {
		return err
	}
	return rt.Eval(timersJS)
}

// outboundClient serves script-initiated fetches. Timeouts keep a stuck
// upstream from wedging the engine, which blocks while the call runs.
var outboundClient = &http.Client{Timeout: 30 * time.Second}

const maxOutboundBody = 32 << 20

type outboundRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	BodyB64 string            `json:"bodyB64"`
}

type outboundResponse struct {
	Status     int               `json:"status"`
	StatusText string            `json:"statusText"`
	Headers    map[string]string `json:"headers"`
	BodyB64    string            `json:"bodyB64"`
	FinalURL   string            `json:"finalURL"`
}

func setupFetch(rt jsRuntime, _ *eventLoop) error {
	if err := rt.RegisterFunc("__host_fetch", func(args []string) (string, error) {
		state := getRequestState(parseReqID(argAt(args, 0)))
		if state != nil {
			n := state.fetchCount.Add(1)
			if state.maxFetches > 0 && int(n) > state.maxFetches {
				return "", fmt.Errorf("too many subrequests (limit %d)", state.maxFetches)
			}
		}
		var wire outboundRequest
		if err := json.Unmarshal([]byte(argAt(args, 1)), &wire); err != nil {
			return "", fmt.Errorf("malformed fetch request: %w", err)
		}
		var body io.Reader
		if wire.BodyB64 != "" {
			raw, err := base64.StdEncoding.DecodeString(wire.BodyB64)
			if err != nil {
				return "", fmt.Errorf("malformed fetch body: %w", err)
			}
			body = strings.NewReader(string(raw))
		}
		req, err := http.NewRequest(wire.Method, wire.URL, body)
		if err != nil {
			return "", err
		}
		for k, v := range wire.Headers {
			req.Header.Set(k, v)
		}
		resp, err := outboundClient.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxOutboundBody))
		if err != nil {
			return "", err
		}
		headers := make(map[string]string, len(resp.Header))
		for k := range resp.Header {
			headers[strings.ToLower(k)] = resp.Header.Get(k)
		}
		out, err := json.Marshal(outboundResponse{
			Status:     resp.StatusCode,
			StatusText: http.StatusText(resp.StatusCode),
			Headers:    headers,
			BodyB64:    base64.StdEncoding.EncodeToString(raw),
			FinalURL:   resp.Request.URL.String(),
		})
		return string(out), err
	}); err != nil {
		return err
	}
	return rt.Eval(fetchJS)
}

func setupWebSocket(rt jsRuntime, _ *eventLoop) error {
	if err := rt.RegisterFunc("__host_ws_send", func(args []string) (string, error) {
		state := getRequestState(parseReqID(argAt(args, 0)))
		if state == nil {
			return "", fmt.Errorf("no websocket for this request")
		}
		data := argAt(args, 1)
		if argAt(args, 2) == "1" {
			raw, err := base64.StdEncoding.DecodeString(data)
			if err != nil {
				return "", fmt.Errorf("malformed binary frame: %w", err)
			}
			return "", state.writeWS(raw, true)
		}
		return "", state.writeWS([]byte(data), false)
	}); err != nil {
		return err
	}
	if err := rt.RegisterFunc("__host_ws_close", func(args []string) (string, error) {
		state := getRequestState(parseReqID(argAt(args, 0)))
		if state == nil {
			return "", nil
		}
		code, _ := strconv.Atoi(argAt(args, 1))
		state.closeWS(code, argAt(args, 2))
		return "", nil
	}); err != nil {
		return err
	}
	return rt.Eval(webSocketJS)
}

type cachedResponseWire struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	BodyB64 string            `json:"bodyB64"`
}

func setupCache(rt jsRuntime, _ *eventLoop) error {
	resolveCache := func(reqID string) CacheStore {
		state := getRequestState(parseReqID(reqID))
		if state == nil || state.env == nil {
			return nil
		}
		return state.env.Cache
	}
	if err := rt.RegisterFunc("__host_cache_match", func(args []string) (string, error) {
		store := resolveCache(argAt(args, 0))
		if store == nil {
			return "null", nil
		}
		entry, err := store.Match(argAt(args, 1), argAt(args, 2))
		if err != nil {
			return "", err
		}
		if entry == nil {
			return "null", nil
		}
		out, err := json.Marshal(cachedResponseWire{
			Status:  entry.Status,
			Headers: entry.Headers,
			BodyB64: base64.StdEncoding.EncodeToString(entry.Body),
		})
		return string(out), err
	}); err != nil {
		return err
	}
	if err := rt.RegisterFunc("__host_cache_put", func(args []string) (string, error) {
		store := resolveCache(argAt(args, 0))
		if store == nil {
			return "", nil
		}
		status, _ := strconv.Atoi(argAt(args, 3))
		var headers map[string]string
		if err := json.Unmarshal([]byte(argAt(args, 4)), &headers); err != nil {
			return "", fmt.Errorf("malformed cache headers: %w", err)
		}
		body, err := base64.StdEncoding.DecodeString(argAt(args, 5))
		if err != nil {
			return "", fmt.Errorf("malformed cache body: %w", err)
		}
		ttl, _ := strconv.Atoi(argAt(args, 6))
		entry := &CacheEntry{Status: status, Headers: headers, Body: body}
		if ttl >= 0 {
			entry.TTL = time.Duration(ttl) * time.Second
		}
		return "", store.Put(argAt(args, 1), argAt(args, 2), entry)
	}); err != nil {
		return err
	}
	if err := rt.RegisterFunc("__host_cache_delete", func(args []string) (string, error) {
		store := resolveCache(argAt(args, 0))
		if store == nil {
			return "false", nil
		}
		ok, err := store.Delete(argAt(args, 1), argAt(args, 2))
		if err != nil {
			return "", err
		}
		return strconv.FormatBool(ok), nil
	}); err != nil {
		return err
	}
	return rt.Eval(cacheJS)
}

type kvGetWire struct {
	Found bool   `json:"found"`
	Value string `json:"value"`
}

func resolveKVBinding(reqIDArg, binding string) (KVStore, error) {
	state := getRequestState(parseReqID(reqIDArg))
	if state == nil || state.env == nil {
		return nil, fmt.Errorf("no environment for this request")
	}
	store, ok := state.env.KV[binding]
	if !ok {
		return nil, fmt.Errorf("unknown KV binding %q", binding)
	}
	return store, nil
}

func resolveDOBinding(reqIDArg, binding string) (*DurableObjectBinding, error) {
	state := getRequestState(parseReqID(reqIDArg))
	if state == nil || state.env == nil {
		return nil, fmt.Errorf("no environment for this request")
	}
	b, ok := state.env.DurableObjects[binding]
	if !ok {
		return nil, fmt.Errorf("unknown durable object binding %q", binding)
	}
	return b, nil
}

func setupBindings(rt jsRuntime, _ *eventLoop) error {
	steps := []struct {
		name string
		fn   hostFunc
	}{
		{"__host_kv_get", func(args []string) (string, error) {
			store, err := resolveKVBinding(argAt(args, 0), argAt(args, 1))
			if err != nil {
				return "", err
			}
			value, err := store.Get(argAt(args, 2))
			if err != nil {
				return "", err
			}
			wire := kvGetWire{}
			if value != nil {
				wire.Found = true
				wire.Value = *value
			}
			out, err := json.Marshal(wire)
			return string(out), err
		}},
		{"__host_kv_put", func(args []string) (string, error) {
			store, err := resolveKVBinding(argAt(args, 0), argAt(args, 1))
			if err != nil {
				return "", err
			}
			var ttl *int
			if s := argAt(args, 4); s != "" {
				n, err := strconv.Atoi(s)
				if err != nil {
					return "", fmt.Errorf("bad expirationTtl %q: %w", s, err)
				}
				ttl = &n
			}
			return "", store.Put(argAt(args, 2), argAt(args, 3), ttl)
		}},
		{"__host_kv_delete", func(args []string) (string, error) {
			store, err := resolveKVBinding(argAt(args, 0), argAt(args, 1))
			if err != nil {
				return "", err
			}
			return "", store.Delete(argAt(args, 2))
		}},
		{"__host_kv_list", func(args []string) (string, error) {
			store, err := resolveKVBinding(argAt(args, 0), argAt(args, 1))
			if err != nil {
				return "", err
			}
			limit, _ := strconv.Atoi(argAt(args, 3))
			result, err := store.List(argAt(args, 2), limit, argAt(args, 4))
			if err != nil {
				return "", err
			}
			out, err := json.Marshal(result)
			return string(out), err
		}},
		{"__host_do_id_from_name", func(args []string) (string, error) {
			b, err := resolveDOBinding(argAt(args, 0), argAt(args, 1))
			if err != nil {
				return "", err
			}
			return b.IDFromName(argAt(args, 2)), nil
		}},
		{"__host_do_unique_id", func(args []string) (string, error) {
			return NewUniqueObjectID(), nil
		}},
		{"__host_do_get", func(args []string) (string, error) {
			b, err := resolveDOBinding(argAt(args, 0), argAt(args, 1))
			if err != nil {
				return "", err
			}
			key, err := b.Resolve(argAt(args, 2))
			if err != nil {
				return "", err
			}
			out, err := json.Marshal(map[string]string{
				"key":       key,
				"className": b.ClassName,
			})
			return string(out), err
		}},
		{"__host_do_storage_get", func(args []string) (string, error) {
			b, err := resolveDOBinding(argAt(args, 0), argAt(args, 1))
			if err != nil {
				return "", err
			}
			store, err := b.Storage()
			if err != nil {
				return "", err
			}
			value, err := store.Get(b.Namespace, argAt(args, 2), argAt(args, 3))
			if err != nil {
				return "", err
			}
			wire := kvGetWire{}
			if value != nil {
				wire.Found = true
				wire.Value = *value
			}
			out, err := json.Marshal(wire)
			return string(out), err
		}},
		{"__host_do_storage_put", func(args []string) (string, error) {
			b, err := resolveDOBinding(argAt(args, 0), argAt(args, 1))
			if err != nil {
				return "", err
			}
			store, err := b.Storage()
			if err != nil {
				return "", err
			}
			return "", store.Put(b.Namespace, argAt(args, 2), argAt(args, 3), argAt(args, 4))
		}},
		{"__host_do_storage_delete", func(args []string) (string, error) {
			b, err := resolveDOBinding(argAt(args, 0), argAt(args, 1))
			if err != nil {
				return "", err
			}
			store, err := b.Storage()
			if err != nil {
				return "", err
			}
			ok, err := store.Delete(b.Namespace, argAt(args, 2), argAt(args, 3))
			if err != nil {
				return "", err
			}
			return strconv.FormatBool(ok), nil
		}},
		{"__host_do_storage_delete_all", func(args []string) (string, error) {
			b, err := resolveDOBinding(argAt(args, 0), argAt(args, 1))
			if err != nil {
				return "", err
			}
			store, err := b.Storage()
			if err != nil {
				return "", err
			}
			return "", store.DeleteAll(b.Namespace, argAt(args, 2))
		}},
		{"__host_do_storage_list", func(args []string) (string, error) {
			b, err := resolveDOBinding(argAt(args, 0), argAt(args, 1))
			if err != nil {
				return "", err
			}
			store, err := b.Storage()
			if err != nil {
				return "", err
			}
			limit, _ := strconv.Atoi(argAt(args, 4))
			pairs, err := store.List(b.Namespace, argAt(args, 2), argAt(args, 3), limit)
			if err != nil {
				return "", err
			}
			wire := make([][2]string, 0, len(pairs))
			for _, p := range pairs {
				wire = append(wire, [2]string{p.Key, p.Value})
			}
			out, err := json.Marshal(wire)
			return string(out), err
		}},
	}
	for _, s := range steps {
		if err := rt.RegisterFunc(s.name, s.fn); err != nil {
			return fmt.Errorf("register %s: %w", s.name, err)
		}
	}
	return rt.Eval(bindingsJS)
}

func setupDispatch(rt jsRuntime, _ *eventLoop) error {
	return rt.Eval(dispatchJS)
}
